package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/custodia/depositd/internal/database"
	"github.com/custodia/depositd/internal/models"
)

// LedgerEntryKindDeposit tags credits produced by this service
const LedgerEntryKindDeposit = "deposit"

// LedgerUpdater credits the internal ledger once per transaction hash
type LedgerUpdater struct {
	deposits DepositStore
	now      Clock
	logger   *zap.Logger
}

// NewLedgerUpdater creates a new ledger updater
func NewLedgerUpdater(deposits DepositStore, now Clock, logger *zap.Logger) *LedgerUpdater {
	return &LedgerUpdater{
		deposits: deposits,
		now:      now,
		logger:   logger.Named("ledger"),
	}
}

// Credit increments the user's balance by the deposit amount and appends a
// ledger entry. The balance change, the unswept total (for funds still at the
// deposit address) and the credited flag commit together; it returns false
// when the deposit had already been credited.
func (u *LedgerUpdater) Credit(ctx context.Context, user *models.User, rec *models.DepositRecord) (bool, error) {
	if rec.BalanceCredited {
		return false, nil
	}

	entry := models.LedgerEntry{
		ID:          uuid.NewString(),
		Kind:        LedgerEntryKindDeposit,
		Currency:    models.LedgerCurrency,
		Amount:      rec.Amount,
		TxHash:      rec.TxHash,
		Description: fmt.Sprintf("Deposit of %s %s (tx %s)", rec.Amount.String(), models.LedgerCurrency, models.ShortHash(rec.TxHash)),
		CreatedAt:   u.now(),
	}

	credited, err := u.deposits.CreditDeposit(ctx, rec.TxHash, user.ID, entry, rec.SweepTxRef == nil)
	if errors.Is(err, database.ErrNotFound) {
		return false, fmt.Errorf("credit %s: %w", models.ShortHash(rec.TxHash), ErrUserNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to credit deposit: %w", err)
	}

	rec.BalanceCredited = true
	if credited {
		u.logger.Info("Ledger credited",
			zap.String("tx_hash", rec.TxHash),
			zap.String("user_id", user.ID),
			zap.String("amount", rec.Amount.String()))
	}
	return credited, nil
}

// Reflects reports whether the user's ledger already carries this deposit,
// i.e. a credit committed but the record was never moved to completed
func (u *LedgerUpdater) Reflects(user *models.User, rec *models.DepositRecord) bool {
	return user.Wallet.HasTransaction(rec.TxHash)
}

// MarkReflected records a credit that already reached the wallet. The flag is
// set and the record completed without touching the balance.
func (u *LedgerUpdater) MarkReflected(ctx context.Context, rec *models.DepositRecord) error {
	if err := u.deposits.MarkDepositCredited(ctx, rec.TxHash); err != nil {
		return fmt.Errorf("failed to mark deposit credited: %w", err)
	}
	rec.BalanceCredited = true

	if !rec.Status.Terminal() {
		if err := u.deposits.TransitionDeposit(ctx, rec, models.DepositStatusCompleted, func(r *models.DepositRecord) {
			r.BalanceCredited = true
			r.Error = nil
		}); err != nil {
			return err
		}
	}

	u.logger.Info("Deposit already reflected in wallet, marked credited",
		zap.String("tx_hash", rec.TxHash),
		zap.String("user_id", rec.UserID))
	return nil
}
