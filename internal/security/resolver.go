package security

import (
	"context"
	"fmt"
	"strings"

	"github.com/custodia/depositd/internal/blockchain/evm"
	"github.com/custodia/depositd/internal/models"
)

// SignerResolver turns a user's stored key into a signer on demand
type SignerResolver struct {
	cipher *KeyCipher
}

// NewSignerResolver creates a resolver backed by cipher
func NewSignerResolver(cipher *KeyCipher) *SignerResolver {
	return &SignerResolver{cipher: cipher}
}

// Resolve decrypts the user's deposit key. The returned signer must not outlive
// the operation that requested it.
func (r *SignerResolver) Resolve(_ context.Context, user *models.User) (evm.Signer, error) {
	if user.EncryptedPrivateKey == nil || *user.EncryptedPrivateKey == "" {
		return nil, fmt.Errorf("user %s has no deposit key", user.ID)
	}

	plaintext, err := r.cipher.Decrypt(*user.EncryptedPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt deposit key for user %s: %w", user.ID, err)
	}

	signer, err := evm.NewKeySigner(plaintext)
	if err != nil {
		return nil, err
	}

	if user.HasDepositAddress() && !strings.EqualFold(signer.Address().Hex(), *user.DepositAddress) {
		return nil, fmt.Errorf("deposit key for user %s does not match address %s", user.ID, *user.DepositAddress)
	}
	return signer, nil
}
