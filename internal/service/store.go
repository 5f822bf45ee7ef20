package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/custodia/depositd/internal/blockchain/evm"
	"github.com/custodia/depositd/internal/models"
)

// DepositStore persists deposit records keyed by transaction hash
type DepositStore interface {
	CreateDepositIfAbsent(ctx context.Context, rec *models.DepositRecord) (*models.DepositRecord, bool, error)
	GetDeposit(ctx context.Context, txHash string) (*models.DepositRecord, error)
	TransitionDeposit(ctx context.Context, rec *models.DepositRecord, to models.DepositStatus, mutate func(*models.DepositRecord)) error
	CreditDeposit(ctx context.Context, txHash, userID string, entry models.LedgerEntry, unswept bool) (bool, error)
	MarkDepositCredited(ctx context.Context, txHash string) error
	SetDustTxRef(ctx context.Context, txHash, ref string) error
	ListRetryCandidates(ctx context.Context, staleBefore time.Time, maxRetries, limit int) ([]models.DepositRecord, error)
	ListOpenDeposits(ctx context.Context, userID string) ([]models.DepositRecord, error)
	ListDepositsByUser(ctx context.Context, userID string, limit, offset int) ([]models.DepositRecord, error)
}

// UserStore reads and mutates the wallet sub-document of the user aggregate
type UserStore interface {
	CreateUser(ctx context.Context, userID string) error
	GetUser(ctx context.Context, userID string) (*models.User, error)
	GetUserByDepositAddress(ctx context.Context, address string) (*models.User, error)
	ListUsersWithDepositAddress(ctx context.Context) ([]models.User, error)
	SetDepositAddress(ctx context.Context, userID, address, encryptedKey string) (bool, error)
	SetWalletDepositStatus(ctx context.Context, userID string, status models.WalletDepositStatus) error
	RecordSweep(ctx context.Context, userID string, amount decimal.Decimal, at time.Time) error
}

// Store is implemented by database.DB and database.MemoryStore
type Store interface {
	DepositStore
	UserStore
}

// ChainProvider is the custody capability used to move funds
type ChainProvider interface {
	GenerateAddress(ctx context.Context) (address string, privateKey string, err error)
	GetNativeBalance(ctx context.Context, address string) (decimal.Decimal, error)
	SendNative(ctx context.Context, from evm.Signer, to string, amount decimal.Decimal) (string, error)
	SendToken(ctx context.Context, from evm.Signer, to string, amount decimal.Decimal, contract string) (string, error)
}

// KeyResolver produces the signer for a user's deposit address just in time
type KeyResolver interface {
	Resolve(ctx context.Context, user *models.User) (evm.Signer, error)
}

// KeyEncrypter seals newly generated deposit keys
type KeyEncrypter interface {
	Encrypt(plaintext string) (string, error)
}

// Clock returns the current time
type Clock func() time.Time
