package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/custodia/depositd/internal/blockchain/evm"
	"github.com/custodia/depositd/internal/config"
	"github.com/custodia/depositd/internal/database"
	"github.com/custodia/depositd/internal/models"
	"github.com/custodia/depositd/internal/service"
	"github.com/custodia/depositd/internal/service/servicetest"
)

const (
	testUserID  = "user-1"
	testAddress = "0x00000000000000000000000000000000000000d1"
)

// manualTicker fires only when the test says so
type manualTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }

func (m *manualTicker) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *manualTicker) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *manualTicker) tick() {
	m.ch <- time.Now()
}

// manualTickers hands out manual tickers and remembers them by period
type manualTickers struct {
	mu      sync.Mutex
	tickers []*manualTicker
}

func (f *manualTickers) factory(time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &manualTicker{ch: make(chan time.Time)}
	f.tickers = append(f.tickers, t)
	return t
}

func (f *manualTickers) last() *manualTicker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tickers) == 0 {
		return nil
	}
	return f.tickers[len(f.tickers)-1]
}

// fakeExplorer serves canned transfers per address
type fakeExplorer struct {
	mu        sync.Mutex
	transfers map[string][]evm.TokenTransfer
	err       error
	calls     int
}

func (f *fakeExplorer) IncomingTransfers(_ context.Context, address, _ string) ([]evm.TokenTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.transfers[address], nil
}

type harness struct {
	cfg      *config.Config
	store    *database.MemoryStore
	provider *servicetest.Provider
	clock    *servicetest.Clock
	tickers  *manualTickers
	ledger   *service.LedgerUpdater
	pipeline *service.Pipeline
	retry    *RetryScheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := servicetest.Config()
	logger := zap.NewNop()
	clock := servicetest.NewClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))

	store := database.NewMemoryStore()
	store.SetClock(clock.Now)
	store.PutUser(servicetest.User(testUserID, testAddress))

	provider := servicetest.NewProvider()
	policy := service.NewAmountPolicy(cfg, logger)
	ledger := service.NewLedgerUpdater(store, clock.Now, logger)
	master := service.MasterWallet{Address: servicetest.MasterAddress, Signer: servicetest.MasterSigner()}
	orchestrator := service.NewOrchestrator(store, provider, &servicetest.Keys{}, ledger, policy, master, cfg.Provider.Timeout, clock.Now, logger)
	addresses := service.NewAddressLedger(store, provider, servicetest.Encrypter{}, true, logger)
	pipeline := service.NewPipeline(store, addresses, policy, orchestrator, logger)

	tickers := &manualTickers{}

	return &harness{
		cfg:      cfg,
		store:    store,
		provider: provider,
		clock:    clock,
		tickers:  tickers,
		ledger:   ledger,
		pipeline: pipeline,
		retry:    NewRetryScheduler(store, pipeline, ledger, cfg.Retry, clock.Now, tickers.factory, logger),
	}
}

func (h *harness) reconciler(scanner Scanner) *Reconciler {
	return NewReconciler(h.store, scanner, h.ledger, ReconcilerConfig{
		Concurrency: 2,
		StaleAfter:  h.cfg.Retry.StaleAfter,
	}, h.clock.Now, h.tickers.factory, zap.NewNop())
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

func (h *harness) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	return h.user(t).Wallet.Balance(models.LedgerCurrency)
}

// createRecord inserts a detected record without running the pipeline
func (h *harness) createRecord(t *testing.T, txHash, amount string) *models.DepositRecord {
	t.Helper()
	rec, created, err := h.store.CreateDepositIfAbsent(context.Background(), &models.DepositRecord{
		TxHash:  txHash,
		Address: testAddress,
		Chain:   "ethereum",
		Token:   "USDT",
		UserID:  testUserID,
		Amount:  decimal.RequireFromString(amount),
		Source:  models.SourceWebhook,
	})
	require.NoError(t, err)
	require.True(t, created)
	return rec
}

// ingestFailing runs a deposit through the pipeline with the gas step failing
func (h *harness) ingestFailing(t *testing.T, txHash, amount string, cause error) *models.DepositRecord {
	t.Helper()
	h.provider.Fail(cause, nil, nil)
	_, err := h.pipeline.Ingest(context.Background(), testDeposit(txHash, amount))
	require.Error(t, err)
	h.provider.Fail(nil, nil, nil)

	rec := h.record(t, txHash)
	require.Equal(t, models.DepositStatusFailed, rec.Status)
	return rec
}

func testDeposit(txHash, amount string) models.Deposit {
	return models.Deposit{
		TxHash:          txHash,
		Address:         testAddress,
		Chain:           "ethereum",
		Token:           "USDT",
		ContractAddress: servicetest.TokenContract,
		Amount:          decimal.RequireFromString(amount),
		Source:          models.SourceWebhook,
	}
}
