package worker

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/custodia/depositd/internal/blockchain/evm"
	"github.com/custodia/depositd/internal/models"
	"github.com/custodia/depositd/internal/service"
	"github.com/custodia/depositd/internal/service/servicetest"
)

func TestReconcileReflectedRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ingestFailing(t, "0xcrash", "150", errors.New("rpc timeout"))

	// crash after the balance update but before the flag was written
	user := h.user(t)
	user.Wallet.ApplyCredit(models.LedgerEntry{
		Currency: models.LedgerCurrency,
		Amount:   decimal.NewFromInt(150),
		TxHash:   "0xcrash",
	})
	h.store.PutUser(user)

	report, err := h.reconciler(nil).ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.UsersScanned)
	assert.Equal(t, 1, report.Repaired)
	assert.Zero(t, report.Credited)

	rec := h.record(t, "0xcrash")
	assert.Equal(t, models.DepositStatusCompleted, rec.Status)
	assert.True(t, rec.BalanceCredited)
	assert.True(t, h.balance(t).Equal(decimal.NewFromInt(150)))
	assert.Len(t, h.user(t).Wallet.Transactions, 1)
}

func TestReconcileCreditsFailedDeposit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ingestFailing(t, "0xmissed", "150", errors.New("rpc timeout"))

	report, err := h.reconciler(nil).ReconcileUser(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Credited)

	rec := h.record(t, "0xmissed")
	assert.Equal(t, models.DepositStatusCompleted, rec.Status)
	assert.True(t, rec.BalanceCredited)
	assert.Nil(t, rec.Error)

	user := h.user(t)
	assert.True(t, user.Wallet.Balance(models.LedgerCurrency).Equal(decimal.NewFromInt(150)))
	assert.True(t, user.Wallet.UnsweptFunds.Equal(decimal.NewFromInt(150)), "unswept funds stay at the deposit address")

	// a second pass changes nothing
	report, err = h.reconciler(nil).ReconcileUser(ctx, testUserID)
	require.NoError(t, err)
	assert.Zero(t, report.Credited+report.Repaired)
	assert.True(t, h.balance(t).Equal(decimal.NewFromInt(150)))
}

func TestReconcileCompletesCreditedRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.createRecord(t, "0xhalfdone", "40")

	require.NoError(t, h.store.TransitionDeposit(ctx, rec, models.DepositStatusHeld, nil))
	_, err := h.ledger.Credit(ctx, h.user(t), rec)
	require.NoError(t, err)
	h.clock.Advance(h.cfg.Retry.StaleAfter)

	report, err := h.reconciler(nil).ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	assert.Equal(t, models.DepositStatusCompleted, h.record(t, "0xhalfdone").Status)
	assert.True(t, h.balance(t).Equal(decimal.NewFromInt(40)))
}

func TestReconcileSkipsFreshRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createRecord(t, "0xfresh", "50")
	reconciler := h.reconciler(nil)

	report, err := reconciler.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Credited)
	assert.Equal(t, models.DepositStatusDetected, h.record(t, "0xfresh").Status)

	h.clock.Advance(h.cfg.Retry.StaleAfter)

	report, err = reconciler.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Credited)
	assert.Equal(t, models.DepositStatusCompleted, h.record(t, "0xfresh").Status)
}

func TestReconcileRequeuesInterruptedSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.createRecord(t, "0xinterrupted", "150")
	gas := "0xgas"
	require.NoError(t, h.store.TransitionDeposit(ctx, rec, models.DepositStatusGasFunded, func(r *models.DepositRecord) { r.GasTxRef = &gas }))

	reconciler := h.reconciler(nil)
	report, err := reconciler.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Requeued, "a sweep in flight is left alone")

	h.clock.Advance(h.cfg.Retry.StaleAfter)

	report, err = reconciler.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)

	rec = h.record(t, "0xinterrupted")
	assert.Equal(t, models.DepositStatusFailed, rec.Status)
	assert.False(t, rec.BalanceCredited)
	require.NotNil(t, rec.Error)
	assert.Equal(t, reasonSweepInterrupted, *rec.Error)

	// the retry scheduler resumes after gas funding
	summary, err := h.retry.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)

	native, token := h.provider.Counts()
	assert.Equal(t, 1, native, "only dust reclaim, no second gas funding")
	assert.Equal(t, 1, token)
}

func TestReconcileDiscovery(t *testing.T) {
	h := newHarness(t)
	explorer := &fakeExplorer{transfers: map[string][]evm.TokenTransfer{
		testAddress: {{
			Hash:     "0xfound",
			To:       testAddress,
			Contract: servicetest.TokenContract,
			Symbol:   "USDT",
			Value:    big.NewInt(25_000_000),
			Decimals: 6,
		}},
	}}
	poller := NewPoller(h.store, explorer, h.pipeline, h.cfg, h.clock.Now, h.tickers.factory, zap.NewNop())

	report, err := h.reconciler(poller).ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Discovered)

	rec := h.record(t, "0xfound")
	assert.Equal(t, models.SourceReconcile, rec.Source)
	assert.Equal(t, models.DepositStatusCompleted, rec.Status)
	assert.True(t, h.balance(t).Equal(decimal.NewFromInt(25)))
}

func TestReconcileDiscoveryFailureIsNonFatal(t *testing.T) {
	h := newHarness(t)
	h.ingestFailing(t, "0xstuck", "150", errors.New("rpc timeout"))

	explorer := &fakeExplorer{err: errors.New("explorer down")}
	poller := NewPoller(h.store, explorer, h.pipeline, h.cfg, h.clock.Now, h.tickers.factory, zap.NewNop())

	report, err := h.reconciler(poller).ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Errors, 1)
	assert.Equal(t, 1, report.Credited)
}

func TestReconcileManyUsers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		address := "0x00000000000000000000000000000000000000e" + id
		h.store.PutUser(servicetest.User(id, address))
		_, _, err := h.store.CreateDepositIfAbsent(ctx, &models.DepositRecord{
			TxHash: "0x" + id, Address: address, Chain: "ethereum", Token: "USDT",
			UserID: id, Amount: decimal.NewFromInt(10), Source: models.SourceWebhook,
		})
		require.NoError(t, err)
	}
	h.clock.Advance(h.cfg.Retry.StaleAfter)

	report, err := h.reconciler(nil).ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, report.UsersScanned)
	assert.Equal(t, 5, report.Credited)
}

func TestRecoverDeposit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reconciler := h.reconciler(nil)

	_, _, err := reconciler.RecoverDeposit(ctx, "0xnope")
	assert.ErrorIs(t, err, service.ErrDepositNotFound)

	// forced: no need to wait for staleness
	h.createRecord(t, "0xforced", "30")
	rec, kind, err := reconciler.RecoverDeposit(ctx, "0xforced")
	require.NoError(t, err)
	assert.Equal(t, RepairCredited, kind)
	assert.Equal(t, models.DepositStatusCompleted, rec.Status)

	_, kind, err = reconciler.RecoverDeposit(ctx, "0xforced")
	require.NoError(t, err)
	assert.Equal(t, RepairSkipped, kind)

	inflight := h.createRecord(t, "0xsweeping", "150")
	gas := "0xgas"
	require.NoError(t, h.store.TransitionDeposit(ctx, inflight, models.DepositStatusGasFunded, func(r *models.DepositRecord) { r.GasTxRef = &gas }))
	_, _, err = reconciler.RecoverDeposit(ctx, "0xsweeping")
	assert.ErrorIs(t, err, service.ErrNotRetryable)

	assert.True(t, h.balance(t).Equal(decimal.NewFromInt(30)))
}

func TestScheduleStartup(t *testing.T) {
	h := newHarness(t)
	h.ingestFailing(t, "0xstartup", "150", errors.New("rpc timeout"))

	reconciler := NewReconciler(h.store, nil, h.ledger, ReconcilerConfig{
		Concurrency:  1,
		StartupDelay: 10 * time.Second,
		StaleAfter:   h.cfg.Retry.StaleAfter,
	}, h.clock.Now, h.tickers.factory, zap.NewNop())

	reconciler.ScheduleStartup(context.Background())

	var ticker *manualTicker
	require.Eventually(t, func() bool {
		ticker = h.tickers.last()
		return ticker != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.DepositStatusFailed, h.record(t, "0xstartup").Status)

	ticker.tick()

	assert.Eventually(t, func() bool {
		return h.record(t, "0xstartup").Status == models.DepositStatusCompleted
	}, time.Second, 5*time.Millisecond)

	reconciler.Stop()
	assert.True(t, ticker.isStopped())
}

func TestStartupCompletesRecordsFromPreviousProcess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	swept := h.createRecord(t, "0xquickrestart", "150")
	gas, sweep := "0xgas", "0xsweep"
	require.NoError(t, h.store.TransitionDeposit(ctx, swept, models.DepositStatusGasFunded, func(r *models.DepositRecord) { r.GasTxRef = &gas }))
	require.NoError(t, h.store.TransitionDeposit(ctx, swept, models.DepositStatusSweeping, nil))
	require.NoError(t, h.store.TransitionDeposit(ctx, swept, models.DepositStatusSwept, func(r *models.DepositRecord) { r.SweepTxRef = &sweep }))

	inFlight := h.createRecord(t, "0xmidsweep", "200")
	require.NoError(t, h.store.TransitionDeposit(ctx, inFlight, models.DepositStatusGasFunded, func(r *models.DepositRecord) { r.GasTxRef = &gas }))

	// the process restarts a minute later, well inside the staleness window
	h.clock.Advance(time.Minute)
	require.Less(t, time.Minute, h.cfg.Retry.StaleAfter)

	reconciler := NewReconciler(h.store, nil, h.ledger, ReconcilerConfig{
		Concurrency:  1,
		StartupDelay: 10 * time.Second,
		StaleAfter:   h.cfg.Retry.StaleAfter,
		ProcessStart: h.clock.Now(),
	}, h.clock.Now, h.tickers.factory, zap.NewNop())
	reconciler.ScheduleStartup(ctx)

	var ticker *manualTicker
	require.Eventually(t, func() bool {
		ticker = h.tickers.last()
		return ticker != nil
	}, time.Second, 5*time.Millisecond)
	ticker.tick()

	assert.Eventually(t, func() bool {
		return h.record(t, "0xquickrestart").Status == models.DepositStatusCompleted &&
			h.record(t, "0xmidsweep").Status == models.DepositStatusFailed
	}, time.Second, 5*time.Millisecond)
	reconciler.Stop()

	rec := h.record(t, "0xquickrestart")
	assert.True(t, rec.BalanceCredited)
	assert.True(t, h.balance(t).Equal(decimal.NewFromInt(150)))
	assert.True(t, h.user(t).Wallet.UnsweptFunds.IsZero())

	rec = h.record(t, "0xmidsweep")
	assert.False(t, rec.BalanceCredited)
	require.NotNil(t, rec.Error)
	assert.Equal(t, reasonSweepInterrupted, *rec.Error)
}

func TestRecordsTouchedSinceStartStayInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reconciler := h.reconciler(nil)

	h.clock.Advance(time.Minute)
	rec := h.createRecord(t, "0xowned", "150")
	gas := "0xgas"
	require.NoError(t, h.store.TransitionDeposit(ctx, rec, models.DepositStatusGasFunded, func(r *models.DepositRecord) { r.GasTxRef = &gas }))

	report, err := reconciler.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Requeued)
	assert.Equal(t, models.DepositStatusGasFunded, h.record(t, "0xowned").Status)
}
