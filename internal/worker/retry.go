package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/custodia/depositd/internal/config"
	"github.com/custodia/depositd/internal/database"
	"github.com/custodia/depositd/internal/metrics"
	"github.com/custodia/depositd/internal/models"
	"github.com/custodia/depositd/internal/service"
)

const reasonUserNotFound = "user not found"

// RetrySummary counts the outcomes of one retry pass
type RetrySummary struct {
	Selected  int `json:"selected"`
	Completed int `json:"completed"`
	Repaired  int `json:"repaired"`
	Failed    int `json:"failed"`
	Terminal  int `json:"terminal"`
}

type retryOutcome int

const (
	outcomeCompleted retryOutcome = iota
	outcomeRepaired
	outcomeFailed
	outcomeTerminal
)

// RetryScheduler re-drives failed and stale detected deposits through the pipeline
type RetryScheduler struct {
	store     service.Store
	pipeline  *service.Pipeline
	ledger    *service.LedgerUpdater
	cfg       config.RetryConfig
	now       service.Clock
	newTicker TickerFactory
	logger    *zap.Logger

	life lifecycle
}

// NewRetryScheduler creates a new retry scheduler
func NewRetryScheduler(
	store service.Store,
	pipeline *service.Pipeline,
	ledger *service.LedgerUpdater,
	cfg config.RetryConfig,
	now service.Clock,
	newTicker TickerFactory,
	logger *zap.Logger,
) *RetryScheduler {
	return &RetryScheduler{
		store:     store,
		pipeline:  pipeline,
		ledger:    ledger,
		cfg:       cfg,
		now:       now,
		newTicker: newTicker,
		logger:    logger.Named("retry"),
	}
}

// Start runs a pass immediately and then every retry interval until Stop
func (s *RetryScheduler) Start(ctx context.Context) {
	started := s.life.start(func(stop <-chan struct{}) {
		loop(s.newTicker(s.cfg.Interval), stop, func() {
			summary, err := s.runOnce(ctx, stop)
			if err != nil {
				s.logger.Error("Retry pass failed", zap.Error(err))
			}
			if summary.Selected > 0 {
				s.logger.Info("Retry pass finished",
					zap.Int("selected", summary.Selected),
					zap.Int("completed", summary.Completed),
					zap.Int("repaired", summary.Repaired),
					zap.Int("failed", summary.Failed),
					zap.Int("terminal", summary.Terminal))
			}
		})
	})
	if started {
		s.logger.Info("Retry scheduler started",
			zap.Duration("interval", s.cfg.Interval),
			zap.Int("max_retries", s.cfg.MaxRetries))
	}
}

// Stop stops new ticks and waits for the in-flight pass
func (s *RetryScheduler) Stop() {
	s.life.halt()
	s.logger.Info("Retry scheduler stopped")
}

// RunOnce executes a single retry pass over at most one batch of candidates
func (s *RetryScheduler) RunOnce(ctx context.Context) (RetrySummary, error) {
	return s.runOnce(ctx, nil)
}

func (s *RetryScheduler) runOnce(ctx context.Context, stop <-chan struct{}) (RetrySummary, error) {
	var summary RetrySummary

	staleBefore := s.now().Add(-s.cfg.StaleAfter)
	candidates, err := s.store.ListRetryCandidates(ctx, staleBefore, s.cfg.MaxRetries, s.cfg.BatchSize)
	if err != nil {
		return summary, fmt.Errorf("failed to list retry candidates: %w", err)
	}
	summary.Selected = len(candidates)

	for i := range candidates {
		if stopping(stop) || ctx.Err() != nil {
			break
		}

		rec := candidates[i]
		outcome, err := s.retry(ctx, &rec)
		switch outcome {
		case outcomeCompleted:
			summary.Completed++
		case outcomeRepaired:
			summary.Repaired++
		case outcomeTerminal:
			summary.Terminal++
		default:
			summary.Failed++
		}
		if err != nil {
			// the pipeline persists its own failures; the record stays eligible
			s.logger.Warn("Retry attempt did not complete",
				zap.String("tx_hash", rec.TxHash),
				zap.Error(err))
		}
	}

	return summary, nil
}

// RetryDeposit is the operator entrypoint for a single record, bounded by the
// same retry cap as the scheduled passes
func (s *RetryScheduler) RetryDeposit(ctx context.Context, txHash string) (*models.DepositRecord, error) {
	rec, err := s.store.GetDeposit(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("failed to get deposit: %w", err)
	}
	if rec == nil {
		return nil, service.ErrDepositNotFound
	}

	if rec.Status.Terminal() || rec.BalanceCredited {
		return rec, fmt.Errorf("%w: %s is %s", service.ErrNotRetryable, models.ShortHash(txHash), rec.Status)
	}
	if rec.RetryCount >= s.cfg.MaxRetries {
		return rec, fmt.Errorf("%w: %d of %d attempts used", service.ErrMaxRetriesReached, rec.RetryCount, s.cfg.MaxRetries)
	}
	if rec.Status.InProgress() {
		return rec, fmt.Errorf("%w: %s is %s", service.ErrNotRetryable, models.ShortHash(txHash), rec.Status)
	}

	s.logger.Info("Manual retry requested",
		zap.String("tx_hash", rec.TxHash),
		zap.Int("retry_count", rec.RetryCount))

	_, err = s.retry(ctx, rec)
	return rec, err
}

func (s *RetryScheduler) retry(ctx context.Context, rec *models.DepositRecord) (retryOutcome, error) {
	log := s.logger.With(zap.String("tx_hash", rec.TxHash), zap.String("user_id", rec.UserID))

	user, err := s.store.GetUser(ctx, rec.UserID)
	if err != nil {
		return outcomeFailed, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return s.terminate(ctx, rec, log)
	}

	if s.ledger.Reflects(user, rec) {
		if err := s.ledger.MarkReflected(ctx, rec); err != nil {
			return outcomeFailed, err
		}
		metrics.RetryAttempts.WithLabelValues("repaired").Inc()
		return outcomeRepaired, nil
	}

	now := s.now()
	if err := s.store.TransitionDeposit(ctx, rec, models.DepositStatusRetrying, func(r *models.DepositRecord) {
		r.RetryCount++
		r.LastRetryAt = &now
	}); err != nil {
		if errors.Is(err, database.ErrStatusConflict) {
			log.Debug("Deposit claimed by another worker", zap.Error(err))
		}
		return outcomeFailed, err
	}

	log.Info("Retrying deposit",
		zap.Int("attempt", rec.RetryCount),
		zap.Int("max_retries", s.cfg.MaxRetries))

	if err := s.pipeline.Resume(ctx, rec, user); err != nil {
		metrics.RetryAttempts.WithLabelValues("failed").Inc()
		if rec.RetryCount >= s.cfg.MaxRetries {
			log.Warn("Deposit retries exhausted", zap.Int("retry_count", rec.RetryCount), zap.Error(err))
		}
		return outcomeFailed, err
	}

	metrics.RetryAttempts.WithLabelValues("succeeded").Inc()
	return outcomeCompleted, nil
}

// terminate marks a deposit whose owner is gone as permanently failed
func (s *RetryScheduler) terminate(ctx context.Context, rec *models.DepositRecord, log *zap.Logger) (retryOutcome, error) {
	msg := reasonUserNotFound
	if err := s.store.TransitionDeposit(ctx, rec, models.DepositStatusFailed, func(r *models.DepositRecord) {
		r.Error = &msg
		r.RetryCount = s.cfg.MaxRetries
	}); err != nil {
		return outcomeFailed, err
	}

	metrics.RetryAttempts.WithLabelValues("terminal").Inc()
	log.Warn("Deposit owner no longer exists, giving up")
	return outcomeTerminal, fmt.Errorf("deposit %s: %w", models.ShortHash(rec.TxHash), service.ErrUserNotFound)
}
