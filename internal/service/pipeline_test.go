package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/custodia/depositd/internal/config"
	"github.com/custodia/depositd/internal/database"
	"github.com/custodia/depositd/internal/models"
	"github.com/custodia/depositd/internal/service/servicetest"
)

const (
	testUserID  = "user-1"
	testAddress = "0x00000000000000000000000000000000000000d1"
)

type harness struct {
	cfg      *config.Config
	store    *database.MemoryStore
	provider *servicetest.Provider
	keys     *servicetest.Keys
	clock    *servicetest.Clock
	pipeline *Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

// newHarnessWith lets a test interpose on the store the pipeline sees; the
// harness keeps the underlying memory store for assertions
func newHarnessWith(t *testing.T, wrap func(*database.MemoryStore) Store) *harness {
	t.Helper()

	cfg := servicetest.Config()
	logger := zap.NewNop()
	clock := servicetest.NewClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))

	store := database.NewMemoryStore()
	store.SetClock(clock.Now)
	store.PutUser(servicetest.User(testUserID, testAddress))

	var pipelineStore Store = store
	if wrap != nil {
		pipelineStore = wrap(store)
	}

	provider := servicetest.NewProvider()
	keys := &servicetest.Keys{}

	policy := NewAmountPolicy(cfg, logger)
	ledger := NewLedgerUpdater(pipelineStore, clock.Now, logger)
	master := MasterWallet{Address: servicetest.MasterAddress, Signer: servicetest.MasterSigner()}
	orchestrator := NewOrchestrator(pipelineStore, provider, keys, ledger, policy, master, cfg.Provider.Timeout, clock.Now, logger)
	addresses := NewAddressLedger(pipelineStore, provider, servicetest.Encrypter{}, true, logger)

	return &harness{
		cfg:      cfg,
		store:    store,
		provider: provider,
		keys:     keys,
		clock:    clock,
		pipeline: NewPipeline(pipelineStore, addresses, policy, orchestrator, logger),
	}
}

func (h *harness) user(t *testing.T) *models.User {
	t.Helper()
	user, err := h.store.GetUser(context.Background(), testUserID)
	require.NoError(t, err)
	require.NotNil(t, user)
	return user
}

func (h *harness) record(t *testing.T, txHash string) *models.DepositRecord {
	t.Helper()
	rec, err := h.store.GetDeposit(context.Background(), txHash)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func testDeposit(txHash, amount string) models.Deposit {
	return models.Deposit{
		TxHash:          txHash,
		Address:         testAddress,
		Chain:           "ethereum",
		Token:           "usdt",
		ContractAddress: servicetest.TokenContract,
		Amount:          decimal.RequireFromString(amount),
		Source:          models.SourceWebhook,
	}
}

func TestIngestHeldDeposit(t *testing.T) {
	h := newHarness(t)

	res, err := h.pipeline.Ingest(context.Background(), testDeposit("0xheld", "50"))
	require.NoError(t, err)
	assert.False(t, res.Ignored)

	rec := h.record(t, "0xheld")
	assert.Equal(t, models.DepositStatusCompleted, rec.Status)
	assert.True(t, rec.BalanceCredited)
	assert.Nil(t, rec.GasTxRef)
	assert.Nil(t, rec.SweepTxRef)
	assert.Equal(t, "USDT", rec.Token)

	native, token := h.provider.Counts()
	assert.Zero(t, native)
	assert.Zero(t, token)

	user := h.user(t)
	assert.True(t, user.Wallet.Balance(models.LedgerCurrency).Equal(decimal.NewFromInt(50)))
	assert.True(t, user.Wallet.UnsweptFunds.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, models.WalletDepositConfirmed, user.Wallet.DepositStatus)
	require.Len(t, user.Wallet.Transactions, 1)
	assert.Equal(t, "Deposit of 50 USDT (tx 0xheld)", user.Wallet.Transactions[0].Description)
}

func TestIngestSweptDeposit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.pipeline.Ingest(ctx, testDeposit("0xswept", "150"))
	require.NoError(t, err)
	assert.False(t, res.Ignored)

	rec := h.record(t, "0xswept")
	assert.Equal(t, models.DepositStatusCompleted, rec.Status)
	assert.True(t, rec.BalanceCredited)
	require.NotNil(t, rec.GasTxRef)
	require.NotNil(t, rec.SweepTxRef)
	require.NotNil(t, rec.DustTxRef)
	assert.Nil(t, rec.Error)

	// gas funding, then dust back to master
	require.Len(t, h.provider.Native, 2)
	assert.True(t, h.provider.Native[0].Amount.Equal(decimal.RequireFromString("0.003")))
	assert.Equal(t, testAddress, h.provider.Native[0].To)
	assert.Equal(t, servicetest.MasterAddress, h.provider.Native[1].To)
	assert.True(t, h.provider.Native[1].Amount.Equal(decimal.RequireFromString("0.0015")))

	require.Len(t, h.provider.Token, 1)
	assert.True(t, h.provider.Token[0].Amount.Equal(decimal.NewFromInt(150)))
	assert.Equal(t, servicetest.TokenContract, h.provider.Token[0].Contract)

	user := h.user(t)
	assert.True(t, user.Wallet.Balance(models.LedgerCurrency).Equal(decimal.NewFromInt(150)))
	assert.True(t, user.Wallet.TotalSwept.Equal(decimal.NewFromInt(150)))
	assert.NotNil(t, user.Wallet.LastSweepAt)

	// replay of the same notification changes nothing
	res, err = h.pipeline.Ingest(ctx, testDeposit("0xswept", "150"))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Equal(t, ReasonAlreadyProcessed, res.Reason)

	native, token := h.provider.Counts()
	assert.Equal(t, 2, native)
	assert.Equal(t, 1, token)
	assert.True(t, h.user(t).Wallet.Balance(models.LedgerCurrency).Equal(decimal.NewFromInt(150)))
}

func TestIngestIgnored(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.Deposit)
		reason string
	}{
		{"unsupported chain", func(d *models.Deposit) { d.Chain = "tron" }, ReasonUnsupportedChain},
		{"unsupported token", func(d *models.Deposit) { d.Token = "USDC" }, ReasonUnsupportedToken},
		{"contract mismatch", func(d *models.Deposit) { d.ContractAddress = "0x0000000000000000000000000000000000000bad" }, ReasonContractMismatch},
		{"below minimum", func(d *models.Deposit) { d.Amount = decimal.RequireFromString("0.0000001") }, ReasonBelowMinimum},
		{"unknown address", func(d *models.Deposit) { d.Address = "0x00000000000000000000000000000000000000ff" }, ReasonUnknownAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			dep := testDeposit("0xignored", "150")
			tt.mutate(&dep)

			res, err := h.pipeline.Ingest(context.Background(), dep)
			require.NoError(t, err)
			assert.True(t, res.Ignored)
			assert.Equal(t, tt.reason, res.Reason)

			rec, err := h.store.GetDeposit(context.Background(), "0xignored")
			require.NoError(t, err)
			assert.Nil(t, rec)
		})
	}
}

func TestIngestAliasChain(t *testing.T) {
	h := newHarness(t)
	dep := testDeposit("0xalias", "5")
	dep.Chain = "ETH"

	res, err := h.pipeline.Ingest(context.Background(), dep)
	require.NoError(t, err)
	assert.False(t, res.Ignored)
}

func TestIngestInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.Deposit)
	}{
		{"missing hash", func(d *models.Deposit) { d.TxHash = " " }},
		{"missing address", func(d *models.Deposit) { d.Address = "" }},
		{"zero amount", func(d *models.Deposit) { d.Amount = decimal.Zero }},
		{"negative amount", func(d *models.Deposit) { d.Amount = decimal.NewFromInt(-5) }},
		{"more decimals than the token", func(d *models.Deposit) { d.Amount = decimal.RequireFromString("150.0000001") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			dep := testDeposit("0xinvalid", "10")
			tt.mutate(&dep)

			_, err := h.pipeline.Ingest(context.Background(), dep)
			assert.ErrorIs(t, err, ErrInvalidDeposit)

			rec, err := h.store.GetDeposit(context.Background(), "0xinvalid")
			require.NoError(t, err)
			assert.Nil(t, rec)

			native, token := h.provider.Counts()
			assert.Zero(t, native+token)
		})
	}
}

func TestIngestTrailingZerosWithinPrecision(t *testing.T) {
	h := newHarness(t)

	res, err := h.pipeline.Ingest(context.Background(), testDeposit("0xpadded", "150.000000000"))
	require.NoError(t, err)
	assert.False(t, res.Ignored)

	rec := h.record(t, "0xpadded")
	assert.Equal(t, models.DepositStatusCompleted, rec.Status)
	require.Len(t, h.provider.Token, 1)
	assert.True(t, h.provider.Token[0].Amount.Equal(decimal.NewFromInt(150)))
}

func TestIngestConcurrentCreditsOnce(t *testing.T) {
	h := newHarness(t)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		handled int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.pipeline.Ingest(context.Background(), testDeposit("0xrace", "150"))
			assert.NoError(t, err)
			if !res.Ignored {
				mu.Lock()
				handled++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, handled)
	_, token := h.provider.Counts()
	assert.Equal(t, 1, token)

	user := h.user(t)
	assert.True(t, user.Wallet.Balance(models.LedgerCurrency).Equal(decimal.NewFromInt(150)))
	assert.Len(t, user.Wallet.Transactions, 1)
}

func TestIngestGasFailure(t *testing.T) {
	h := newHarness(t)
	h.provider.Fail(errors.New("insufficient funds for gas"), nil, nil)

	res, err := h.pipeline.Ingest(context.Background(), testDeposit("0xgasfail", "150"))
	require.Error(t, err)
	require.NotNil(t, res.Record)

	rec := h.record(t, "0xgasfail")
	assert.Equal(t, models.DepositStatusFailed, rec.Status)
	assert.False(t, rec.BalanceCredited)
	assert.Nil(t, rec.GasTxRef)
	require.NotNil(t, rec.Error)
	assert.Contains(t, *rec.Error, StepGasFunding)
	assert.Zero(t, rec.RetryCount)

	_, token := h.provider.Counts()
	assert.Zero(t, token)

	user := h.user(t)
	assert.Equal(t, models.WalletDepositFailed, user.Wallet.DepositStatus)
	assert.True(t, user.Wallet.Balance(models.LedgerCurrency).IsZero())
}

func TestResumeSkipsGasFunding(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.provider.Fail(nil, errors.New("nonce too low"), nil)

	_, err := h.pipeline.Ingest(ctx, testDeposit("0xresume", "150"))
	require.Error(t, err)

	rec := h.record(t, "0xresume")
	assert.Equal(t, models.DepositStatusFailed, rec.Status)
	require.NotNil(t, rec.GasTxRef)
	assert.Contains(t, *rec.Error, StepTokenSweep)

	h.provider.Fail(nil, nil, nil)
	require.NoError(t, h.store.TransitionDeposit(ctx, rec, models.DepositStatusRetrying, func(r *models.DepositRecord) {
		r.RetryCount++
	}))
	require.NoError(t, h.pipeline.Resume(ctx, rec, h.user(t)))

	rec = h.record(t, "0xresume")
	assert.Equal(t, models.DepositStatusCompleted, rec.Status)
	assert.True(t, rec.BalanceCredited)
	assert.Nil(t, rec.Error)
	assert.Equal(t, 1, rec.RetryCount)

	// one gas funding plus one dust reclaim
	native, token := h.provider.Counts()
	assert.Equal(t, 2, native)
	assert.Equal(t, 1, token)
	assert.True(t, h.user(t).Wallet.Balance(models.LedgerCurrency).Equal(decimal.NewFromInt(150)))
}

func TestProcessSweptRecordOnlyCredits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, created, err := h.store.CreateDepositIfAbsent(ctx, &models.DepositRecord{
		TxHash: "0xalreadyswept", Address: testAddress, Chain: "ethereum", Token: "USDT",
		UserID: testUserID, Amount: decimal.NewFromInt(200), Source: models.SourcePoll,
	})
	require.NoError(t, err)
	require.True(t, created)

	gas, sweep := "0xgas", "0xsweep"
	require.NoError(t, h.store.TransitionDeposit(ctx, rec, models.DepositStatusGasFunded, func(r *models.DepositRecord) { r.GasTxRef = &gas }))
	require.NoError(t, h.store.TransitionDeposit(ctx, rec, models.DepositStatusSweeping, nil))
	require.NoError(t, h.store.TransitionDeposit(ctx, rec, models.DepositStatusSwept, func(r *models.DepositRecord) { r.SweepTxRef = &sweep }))

	require.NoError(t, h.pipeline.Resume(ctx, rec, h.user(t)))

	native, token := h.provider.Counts()
	assert.Zero(t, native)
	assert.Zero(t, token)
	assert.Equal(t, models.DepositStatusCompleted, h.record(t, "0xalreadyswept").Status)
	assert.True(t, h.user(t).Wallet.Balance(models.LedgerCurrency).Equal(decimal.NewFromInt(200)))
}

func TestDustReclaim(t *testing.T) {
	tests := []struct {
		name     string
		balance  string
		dustErr  error
		balErr   error
		wantDust bool
	}{
		{"reclaims excess", "0.002", nil, nil, true},
		{"below threshold", "0.0004", nil, nil, false},
		{"send fails", "0.002", errors.New("underpriced"), nil, false},
		{"balance query fails", "0.002", nil, errors.New("rpc down"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.provider.NativeBalance = decimal.RequireFromString(tt.balance)
			h.provider.BalanceErr = tt.balErr
			h.provider.Fail(nil, nil, tt.dustErr)

			_, err := h.pipeline.Ingest(context.Background(), testDeposit("0xdust", "150"))
			require.NoError(t, err)

			rec := h.record(t, "0xdust")
			assert.Equal(t, models.DepositStatusCompleted, rec.Status)
			assert.True(t, rec.BalanceCredited)
			assert.Equal(t, tt.wantDust, rec.DustTxRef != nil)
		})
	}
}

func TestProcessCreditMissingUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.user(t)

	rec, _, err := h.store.CreateDepositIfAbsent(ctx, &models.DepositRecord{
		TxHash: "0xorphan", Address: testAddress, Chain: "ethereum", Token: "USDT",
		UserID: testUserID, Amount: decimal.NewFromInt(10), Source: models.SourceWebhook,
	})
	require.NoError(t, err)

	h.store.DeleteUser(testUserID)

	err = h.pipeline.Resume(ctx, rec, user)
	assert.ErrorIs(t, err, ErrUserNotFound)

	rec = h.record(t, "0xorphan")
	assert.Equal(t, models.DepositStatusFailed, rec.Status)
	assert.False(t, rec.BalanceCredited)
	assert.Contains(t, *rec.Error, StepCredit)
}

func TestSimulate(t *testing.T) {
	h := newHarness(t)

	res, err := h.pipeline.Simulate(context.Background(), testUserID, decimal.NewFromInt(25), h.clock.Now())
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.Equal(t, models.SourceSimulation, res.Record.Source)
	assert.Regexp(t, `^0xsim[0-9a-f]{32}$`, res.Record.TxHash)

	_, err = h.pipeline.Simulate(context.Background(), "nobody", decimal.NewFromInt(25), h.clock.Now())
	assert.ErrorIs(t, err, ErrUserNotFound)
}
