package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/custodia/depositd/internal/config"
	"github.com/custodia/depositd/internal/service"
)

// WorkerManager owns the background loops: retry scheduler, startup
// reconciliation and (in test mode) the polling scanner
type WorkerManager struct {
	cfg    *config.Config
	logger *zap.Logger

	poller     *Poller
	retry      *RetryScheduler
	reconciler *Reconciler

	closers []func() error

	// Control
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorkerManager wires the workers around the shared pipeline. explorer may
// be nil, in which case neither polling nor reconciliation discovery runs.
func NewWorkerManager(
	cfg *config.Config,
	store service.Store,
	pipeline *service.Pipeline,
	ledger *service.LedgerUpdater,
	explorer TransferSource,
	now service.Clock,
	newTicker TickerFactory,
	logger *zap.Logger,
) *WorkerManager {
	logger = logger.Named("worker")

	wm := &WorkerManager{
		cfg:    cfg,
		logger: logger,
	}

	var scanner Scanner
	if explorer != nil {
		wm.poller = NewPoller(store, explorer, pipeline, cfg, now, newTicker, logger)
		scanner = wm.poller
	}

	wm.retry = NewRetryScheduler(store, pipeline, ledger, cfg.Retry, now, newTicker, logger)
	wm.reconciler = NewReconciler(store, scanner, ledger, ReconcilerConfig{
		Concurrency:  cfg.Reconciler.Concurrency,
		StartupDelay: cfg.Reconciler.StartupDelay,
		StaleAfter:   cfg.Retry.StaleAfter,
		ProcessStart: now(),
	}, now, newTicker, logger)

	wm.ctx, wm.cancel = context.WithCancel(context.Background())
	return wm
}

// Retry exposes the scheduler for the manual retry endpoint
func (wm *WorkerManager) Retry() *RetryScheduler { return wm.retry }

// Reconciler exposes the reconciler for the admin endpoints
func (wm *WorkerManager) Reconciler() *Reconciler { return wm.reconciler }

// OnShutdown registers a resource to close after the workers stop
func (wm *WorkerManager) OnShutdown(fn func() error) {
	wm.closers = append(wm.closers, fn)
}

// Start starts all worker goroutines
func (wm *WorkerManager) Start() {
	wm.logger.Info("Starting worker manager",
		zap.Bool("polling", wm.pollingEnabled()),
		zap.Duration("retry_interval", wm.cfg.Retry.Interval))

	wm.retry.Start(wm.ctx)
	if wm.pollingEnabled() {
		wm.poller.Start(wm.ctx)
	}
	wm.reconciler.ScheduleStartup(wm.ctx)

	wm.logger.Info("Worker manager started")
}

// polling is a webhook fallback and never runs against real funds
func (wm *WorkerManager) pollingEnabled() bool {
	return wm.poller != nil && !wm.cfg.IsProduction()
}

// Shutdown stops accepting new ticks, waits for in-flight work up to timeout,
// then cancels whatever is still running and closes registered resources
func (wm *WorkerManager) Shutdown(timeout time.Duration) error {
	wm.logger.Info("Shutting down worker manager")

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		stops := []func(){wm.retry.Stop, wm.reconciler.Stop}
		if wm.poller != nil {
			stops = append(stops, wm.poller.Stop)
		}
		for _, stop := range stops {
			wg.Add(1)
			go func(stop func()) {
				defer wg.Done()
				stop()
			}(stop)
		}
		wg.Wait()
		close(done)
	}()

	var errs error
	select {
	case <-done:
		wm.logger.Info("Workers stopped gracefully")
	case <-time.After(timeout):
		wm.logger.Warn("Worker shutdown timed out, cancelling in-flight work")
		errs = multierr.Append(errs, fmt.Errorf("worker shutdown timed out after %s", timeout))
	}
	wm.cancel()

	for _, closeFn := range wm.closers {
		errs = multierr.Append(errs, closeFn())
	}

	wm.logger.Info("Worker manager shutdown complete")
	return errs
}
