package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/custodia/depositd/internal/metrics"
	"github.com/custodia/depositd/internal/models"
	"github.com/custodia/depositd/internal/service"
)

// Repair kinds reported by the reconciler
const (
	RepairReflected = "reflected"
	RepairCredited  = "credited"
	RepairRequeued  = "requeued"
	RepairSkipped   = "skipped"
)

const reasonSweepInterrupted = "sweep interrupted"

// Scanner discovers deposits for a single user; implemented by Poller
type Scanner interface {
	ScanUser(ctx context.Context, user *models.User, source models.DepositSource) (int, error)
}

// ReconcileReport summarises one reconciliation pass
type ReconcileReport struct {
	UsersScanned int      `json:"usersScanned"`
	Discovered   int      `json:"discovered"`
	Repaired     int      `json:"repaired"`
	Credited     int      `json:"credited"`
	Requeued     int      `json:"requeued"`
	Errors       []string `json:"errors,omitempty"`
}

func (r *ReconcileReport) merge(o ReconcileReport) {
	r.UsersScanned += o.UsersScanned
	r.Discovered += o.Discovered
	r.Repaired += o.Repaired
	r.Credited += o.Credited
	r.Requeued += o.Requeued
	r.Errors = append(r.Errors, o.Errors...)
}

func (r *ReconcileReport) count(kind string) {
	switch kind {
	case RepairReflected:
		r.Repaired++
	case RepairCredited:
		r.Credited++
	case RepairRequeued:
		r.Requeued++
	}
}

// ReconcilerConfig bounds a reconciliation pass
type ReconcilerConfig struct {
	Concurrency  int
	StartupDelay time.Duration
	// records touched more recently than this are assumed to be in flight
	StaleAfter time.Duration
	// ProcessStart marks when this process came up. A record last touched
	// before it has no live owner, however recent. Zero means construction time.
	ProcessStart time.Time
}

// Reconciler cross-checks the deposit records against the wallet ledger and
// repairs whatever the primary path left behind
type Reconciler struct {
	store     service.Store
	scanner   Scanner
	ledger    *service.LedgerUpdater
	cfg       ReconcilerConfig
	now       service.Clock
	newTicker TickerFactory
	logger    *zap.Logger

	life lifecycle
}

// NewReconciler creates a new reconciler. scanner may be nil when no
// explorer is configured; discovery is then skipped.
func NewReconciler(
	store service.Store,
	scanner Scanner,
	ledger *service.LedgerUpdater,
	cfg ReconcilerConfig,
	now service.Clock,
	newTicker TickerFactory,
	logger *zap.Logger,
) *Reconciler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ProcessStart.IsZero() {
		cfg.ProcessStart = now()
	}
	return &Reconciler{
		store:     store,
		scanner:   scanner,
		ledger:    ledger,
		cfg:       cfg,
		now:       now,
		newTicker: newTicker,
		logger:    logger.Named("reconciler"),
	}
}

// ScheduleStartup runs one full pass after the startup delay. It is not a loop.
func (r *Reconciler) ScheduleStartup(ctx context.Context) {
	r.life.start(func(stop <-chan struct{}) {
		if r.cfg.StartupDelay > 0 {
			ticker := r.newTicker(r.cfg.StartupDelay)
			defer ticker.Stop()
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C():
			}
		}

		report, err := r.ReconcileAll(ctx)
		if err != nil {
			r.logger.Warn("Startup reconciliation finished with errors", zap.Error(err))
		}
		r.logger.Info("Startup reconciliation complete",
			zap.Int("users", report.UsersScanned),
			zap.Int("discovered", report.Discovered),
			zap.Int("repaired", report.Repaired),
			zap.Int("credited", report.Credited),
			zap.Int("requeued", report.Requeued))
	})
}

// Stop cancels a pending startup pass or waits for a running one
func (r *Reconciler) Stop() {
	r.life.halt()
}

// ReconcileAll reconciles every user with a deposit address
func (r *Reconciler) ReconcileAll(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	users, err := r.store.ListUsersWithDepositAddress(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list users: %w", err)
	}

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	g.SetLimit(r.cfg.Concurrency)

	for i := range users {
		user := &users[i]
		g.Go(func() error {
			userReport, err := r.reconcileUser(ctx, user)

			mu.Lock()
			defer mu.Unlock()
			report.merge(userReport)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("user %s: %w", user.ID, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	return report, errs
}

// ReconcileUser reconciles a single user
func (r *Reconciler) ReconcileUser(ctx context.Context, userID string) (ReconcileReport, error) {
	user, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return ReconcileReport{}, service.ErrUserNotFound
	}
	return r.reconcileUser(ctx, user)
}

func (r *Reconciler) reconcileUser(ctx context.Context, user *models.User) (ReconcileReport, error) {
	report := ReconcileReport{UsersScanned: 1}
	log := r.logger.With(zap.String("user_id", user.ID))

	if r.scanner != nil {
		n, err := r.scanner.ScanUser(ctx, user, models.SourceReconcile)
		report.Discovered += n
		if err != nil {
			// discovery is best effort; repair still runs
			log.Warn("Deposit discovery failed", zap.Error(err))
			report.Errors = append(report.Errors, err.Error())
		}
	}

	recs, err := r.store.ListOpenDeposits(ctx, user.ID)
	if err != nil {
		return report, fmt.Errorf("failed to list open deposits: %w", err)
	}
	if len(recs) == 0 {
		return report, nil
	}

	// discovery may have credited the wallet; repair against the latest state
	fresh, err := r.store.GetUser(ctx, user.ID)
	if err != nil {
		return report, fmt.Errorf("failed to reload user: %w", err)
	}
	if fresh == nil {
		return report, service.ErrUserNotFound
	}

	var errs error
	for i := range recs {
		if ctx.Err() != nil {
			return report, multierr.Append(errs, ctx.Err())
		}
		rec := recs[i]
		kind, err := r.repair(ctx, fresh, &rec, false)
		if err != nil {
			log.Error("Failed to repair deposit", zap.String("tx_hash", rec.TxHash), zap.Error(err))
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", rec.TxHash, err))
			errs = multierr.Append(errs, err)
			continue
		}
		report.count(kind)
		if kind == RepairCredited {
			// keep the in-memory wallet in step for later records
			fresh.Wallet.ApplyCredit(models.LedgerEntry{
				Currency: models.LedgerCurrency,
				Amount:   rec.Amount,
				TxHash:   rec.TxHash,
			})
		}
	}
	return report, errs
}

// RecoverDeposit repairs a single record on operator request. Unlike the
// scheduled pass it does not wait for detected or held records to go stale.
func (r *Reconciler) RecoverDeposit(ctx context.Context, txHash string) (*models.DepositRecord, string, error) {
	rec, err := r.store.GetDeposit(ctx, txHash)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get deposit: %w", err)
	}
	if rec == nil {
		return nil, "", service.ErrDepositNotFound
	}
	if rec.Status.Terminal() {
		return rec, RepairSkipped, nil
	}

	user, err := r.store.GetUser(ctx, rec.UserID)
	if err != nil {
		return rec, "", fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return rec, "", service.ErrUserNotFound
	}

	kind, err := r.repair(ctx, user, rec, true)
	if err != nil {
		return rec, "", err
	}
	if kind == RepairSkipped {
		return rec, kind, fmt.Errorf("%w: sweep of %s is in progress", service.ErrNotRetryable, models.ShortHash(txHash))
	}
	return rec, kind, nil
}

// repair settles one open record:
//   - credited already, or the wallet carries the entry: mark credited and complete
//   - interrupted mid-sweep: requeue as failed for the retry scheduler
//   - otherwise: credit and complete
func (r *Reconciler) repair(ctx context.Context, user *models.User, rec *models.DepositRecord, force bool) (string, error) {
	stale := r.stale(rec)

	switch rec.Status {
	case models.DepositStatusGasFunded, models.DepositStatusSweeping:
		if !stale {
			return RepairSkipped, nil
		}
		msg := reasonSweepInterrupted
		if err := r.store.TransitionDeposit(ctx, rec, models.DepositStatusFailed, func(rr *models.DepositRecord) {
			rr.Error = &msg
		}); err != nil {
			return "", err
		}
		metrics.ReconcileRepairs.WithLabelValues(RepairRequeued).Inc()
		r.logger.Warn("Interrupted sweep requeued for retry",
			zap.String("tx_hash", rec.TxHash),
			zap.String("user_id", user.ID))
		return RepairRequeued, nil
	case models.DepositStatusFailed:
	default:
		if !stale && !force {
			return RepairSkipped, nil
		}
	}

	if rec.BalanceCredited || r.ledger.Reflects(user, rec) {
		if err := r.ledger.MarkReflected(ctx, rec); err != nil {
			return "", err
		}
		metrics.ReconcileRepairs.WithLabelValues(RepairReflected).Inc()
		return RepairReflected, nil
	}

	// unswept funds stay at the deposit address until an operator sweeps them
	if _, err := r.ledger.Credit(ctx, user, rec); err != nil {
		return "", err
	}
	if err := r.store.TransitionDeposit(ctx, rec, models.DepositStatusCompleted, func(rr *models.DepositRecord) {
		rr.Error = nil
	}); err != nil {
		return "", err
	}

	metrics.ReconcileRepairs.WithLabelValues(RepairCredited).Inc()
	r.logger.Info("Deposit credited by reconciliation",
		zap.String("tx_hash", rec.TxHash),
		zap.String("user_id", user.ID),
		zap.String("amount", rec.Amount.String()),
		zap.Bool("unswept", rec.SweepTxRef == nil))
	return RepairCredited, nil
}

// stale reports whether no live pipeline can still own rec: it was either
// left behind by an earlier process or has not moved for StaleAfter
func (r *Reconciler) stale(rec *models.DepositRecord) bool {
	if rec.UpdatedAt.Before(r.cfg.ProcessStart) {
		return true
	}
	return r.now().Sub(rec.UpdatedAt) >= r.cfg.StaleAfter
}
