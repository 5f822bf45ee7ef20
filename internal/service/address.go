package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/custodia/depositd/internal/database"
	"github.com/custodia/depositd/internal/models"
)

// AddressLedger maps deposit addresses to their owning users
type AddressLedger struct {
	users      UserStore
	provider   ChainProvider
	encrypter  KeyEncrypter
	autoCreate bool
	logger     *zap.Logger
}

// NewAddressLedger creates a new address ledger. With autoCreate set, assigning
// an address to an unknown user id creates an empty user first (test mode).
func NewAddressLedger(users UserStore, provider ChainProvider, encrypter KeyEncrypter, autoCreate bool, logger *zap.Logger) *AddressLedger {
	return &AddressLedger{
		users:      users,
		provider:   provider,
		encrypter:  encrypter,
		autoCreate: autoCreate,
		logger:     logger.Named("address"),
	}
}

// Resolve returns the owner of address, or nil when nobody owns it
func (l *AddressLedger) Resolve(ctx context.Context, address string) (*models.User, error) {
	user, err := l.users.GetUserByDepositAddress(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve deposit address: %w", err)
	}
	return user, nil
}

// AssignDepositAddress gives the user a custodial address. Existing
// assignments are returned unchanged.
func (l *AddressLedger) AssignDepositAddress(ctx context.Context, userID string) (string, error) {
	user, err := l.users.GetUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		if !l.autoCreate {
			return "", ErrUserNotFound
		}
		if err := l.users.CreateUser(ctx, userID); err != nil {
			return "", fmt.Errorf("failed to create user: %w", err)
		}
	} else if user.HasDepositAddress() {
		return *user.DepositAddress, nil
	}

	address, privateKey, err := l.provider.GenerateAddress(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to generate address: %w", err)
	}

	sealed, err := l.encrypter.Encrypt(privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt deposit key: %w", err)
	}

	assigned, err := l.users.SetDepositAddress(ctx, userID, address, sealed)
	if errors.Is(err, database.ErrNotFound) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", err
	}

	if !assigned {
		// a concurrent request won; return its address
		user, err := l.users.GetUser(ctx, userID)
		if err != nil {
			return "", err
		}
		if user == nil || !user.HasDepositAddress() {
			return "", fmt.Errorf("deposit address for user %s disappeared", userID)
		}
		return *user.DepositAddress, nil
	}

	l.logger.Info("Deposit address assigned",
		zap.String("user_id", userID),
		zap.String("address", address))

	return address, nil
}
