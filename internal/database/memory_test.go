package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia/depositd/internal/models"
)

func newDeposit(txHash, userID string, amount string) *models.DepositRecord {
	return &models.DepositRecord{
		TxHash:  txHash,
		Address: "0xabc",
		Chain:   "ethereum",
		Token:   "USDT",
		UserID:  userID,
		Amount:  decimal.RequireFromString(amount),
		Source:  models.SourceWebhook,
	}
}

func TestCreateDepositIfAbsentConcurrent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.CreateDepositIfAbsent(ctx, newDeposit("0xt1", "u1", "10"))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	rec, err := store.GetDeposit(ctx, "0xt1")
	require.NoError(t, err)
	assert.Equal(t, models.DepositStatusDetected, rec.Status)
}

func TestTransitionDeposit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec, _, err := store.CreateDepositIfAbsent(ctx, newDeposit("0xt1", "u1", "10"))
	require.NoError(t, err)

	stale := rec.Clone()

	ref := "0xgas"
	require.NoError(t, store.TransitionDeposit(ctx, rec, models.DepositStatusGasFunded, func(r *models.DepositRecord) {
		r.GasTxRef = &ref
	}))
	assert.Equal(t, models.DepositStatusGasFunded, rec.Status)
	require.NotNil(t, rec.GasTxRef)
	assert.Equal(t, "0xgas", *rec.GasTxRef)

	// a second writer holding the old snapshot loses
	err = store.TransitionDeposit(ctx, stale, models.DepositStatusHeld, nil)
	assert.True(t, errors.Is(err, ErrStatusConflict))

	// illegal transitions never reach the store
	err = store.TransitionDeposit(ctx, rec, models.DepositStatusCompleted, nil)
	var terr *models.TransitionError
	assert.True(t, errors.As(err, &terr))

	stored, err := store.GetDeposit(ctx, "0xt1")
	require.NoError(t, err)
	assert.Equal(t, models.DepositStatusGasFunded, stored.Status)
}

func TestCreditDepositOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.PutUser(&models.User{ID: "u1"})

	_, _, err := store.CreateDepositIfAbsent(ctx, newDeposit("0xt1", "u1", "50"))
	require.NoError(t, err)

	entry := models.LedgerEntry{Kind: "deposit", Currency: models.LedgerCurrency, Amount: decimal.NewFromInt(50), TxHash: "0xt1"}

	var wg sync.WaitGroup
	results := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.CreditDeposit(ctx, "0xt1", "u1", entry, true)
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	credits := 0
	for ok := range results {
		if ok {
			credits++
		}
	}
	assert.Equal(t, 1, credits)

	user, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, user.Wallet.Balance(models.LedgerCurrency).Equal(decimal.NewFromInt(50)))
	assert.Len(t, user.Wallet.Transactions, 1)
	assert.Equal(t, models.WalletDepositConfirmed, user.Wallet.DepositStatus)
	assert.True(t, user.Wallet.UnsweptFunds.Equal(decimal.NewFromInt(50)), "unswept funds follow the single credit")
}

func TestCreditDepositMissingUser(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _, err := store.CreateDepositIfAbsent(ctx, newDeposit("0xt1", "ghost", "50"))
	require.NoError(t, err)

	ok, err := store.CreditDeposit(ctx, "0xt1", "ghost", models.LedgerEntry{Currency: "USDT", Amount: decimal.NewFromInt(50)}, false)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrNotFound))

	rec, _ := store.GetDeposit(ctx, "0xt1")
	assert.False(t, rec.BalanceCredited)
}

func TestListRetryCandidates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	store.SetClock(func() time.Time { return now })

	// old detected: eligible
	_, _, _ = store.CreateDepositIfAbsent(ctx, newDeposit("0xold", "u1", "1"))
	// failed with budget: eligible
	now = base.Add(time.Minute)
	failed, _, _ := store.CreateDepositIfAbsent(ctx, newDeposit("0xfailed", "u1", "1"))
	require.NoError(t, store.TransitionDeposit(ctx, failed, models.DepositStatusFailed, nil))
	// failed without budget: excluded
	exhausted, _, _ := store.CreateDepositIfAbsent(ctx, newDeposit("0xexhausted", "u1", "1"))
	require.NoError(t, store.TransitionDeposit(ctx, exhausted, models.DepositStatusFailed, func(r *models.DepositRecord) {
		r.RetryCount = 10
	}))
	// fresh detected: excluded
	now = base.Add(10 * time.Minute)
	_, _, _ = store.CreateDepositIfAbsent(ctx, newDeposit("0xfresh", "u1", "1"))
	// credited failed: excluded
	credited, _, _ := store.CreateDepositIfAbsent(ctx, newDeposit("0xcredited", "u1", "1"))
	require.NoError(t, store.MarkDepositCredited(ctx, "0xcredited"))
	credited.BalanceCredited = true
	require.NoError(t, store.TransitionDeposit(ctx, credited, models.DepositStatusFailed, nil))

	recs, err := store.ListRetryCandidates(ctx, base.Add(5*time.Minute), 10, 20)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "0xold", recs[0].TxHash)
	assert.Equal(t, "0xfailed", recs[1].TxHash)

	recs, err = store.ListRetryCandidates(ctx, base.Add(5*time.Minute), 10, 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSetDepositAddressOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateUser(ctx, "u1"))

	ok, err := store.SetDepositAddress(ctx, "u1", "0xAbC", "enc")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetDepositAddress(ctx, "u1", "0xother", "enc2")
	require.NoError(t, err)
	assert.False(t, ok)

	user, err := store.GetUserByDepositAddress(ctx, "0xabc")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "u1", user.ID)

	_, err = store.SetDepositAddress(ctx, "ghost", "0x1", "enc")
	assert.True(t, errors.Is(err, ErrNotFound))
}
