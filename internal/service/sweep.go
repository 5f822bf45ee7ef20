package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/custodia/depositd/internal/blockchain/evm"
	"github.com/custodia/depositd/internal/database"
	"github.com/custodia/depositd/internal/metrics"
	"github.com/custodia/depositd/internal/models"
)

// Sweep steps, used for error messages and metrics
const (
	StepGasFunding  = "gas_funding"
	StepTokenSweep  = "token_sweep"
	StepDustReclaim = "dust_reclaim"
	StepCredit      = "credit"
)

// MasterWallet is the treasury that funds gas and receives swept tokens
type MasterWallet struct {
	Address string
	Signer  evm.Signer
}

// Orchestrator drives a deposit record from detected to completed
type Orchestrator struct {
	store    Store
	provider ChainProvider
	keys     KeyResolver
	ledger   *LedgerUpdater
	policy   *AmountPolicy
	master   MasterWallet
	timeout  time.Duration
	now      Clock
	logger   *zap.Logger
}

// NewOrchestrator creates a new sweep orchestrator
func NewOrchestrator(
	store Store,
	provider ChainProvider,
	keys KeyResolver,
	ledger *LedgerUpdater,
	policy *AmountPolicy,
	master MasterWallet,
	timeout time.Duration,
	now Clock,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:    store,
		provider: provider,
		keys:     keys,
		ledger:   ledger,
		policy:   policy,
		master:   master,
		timeout:  timeout,
		now:      now,
		logger:   logger.Named("sweep"),
	}
}

// stepError carries the failed step for metrics and the stored error string
type stepError struct {
	step string
	err  error
}

func (e *stepError) Error() string { return fmt.Sprintf("%s failed: %v", e.step, e.err) }
func (e *stepError) Unwrap() error { return e.err }

// Process sweeps (or holds) the deposit and credits the ledger, recording each
// completed step before the next one starts. A record that already carries a
// gas or sweep reference resumes after that step. On failure the record is
// moved to failed, the wallet flag reverts to failed and the error is returned.
func (o *Orchestrator) Process(ctx context.Context, rec *models.DepositRecord, user *models.User) error {
	start := o.now()
	defer func() {
		metrics.PipelineDuration.Observe(o.now().Sub(start).Seconds())
	}()

	err := o.run(ctx, rec, user)
	if err == nil {
		return nil
	}
	return o.fail(ctx, rec, user, err)
}

func (o *Orchestrator) run(ctx context.Context, rec *models.DepositRecord, user *models.User) error {
	log := o.logger.With(zap.String("tx_hash", rec.TxHash), zap.String("user_id", user.ID))

	switch rec.Status {
	case models.DepositStatusDetected, models.DepositStatusRetrying:
		if o.policy.SweepEligible(rec.Amount) {
			if err := o.sweep(ctx, rec, user, log); err != nil {
				return err
			}
		} else {
			if err := o.store.TransitionDeposit(ctx, rec, models.DepositStatusHeld, clearError); err != nil {
				return err
			}
			log.Info("Deposit below sweep threshold, funds held at deposit address",
				zap.String("amount", rec.Amount.String()))
		}
	case models.DepositStatusHeld, models.DepositStatusSwept:
		// on-chain part already done
	default:
		return fmt.Errorf("cannot process deposit in status %s", rec.Status)
	}

	if _, err := o.ledger.Credit(ctx, user, rec); err != nil {
		return &stepError{step: StepCredit, err: err}
	}

	if err := o.store.TransitionDeposit(ctx, rec, models.DepositStatusCompleted, clearError); err != nil {
		return err
	}

	log.Info("Deposit completed",
		zap.String("amount", rec.Amount.String()),
		zap.Bool("swept", rec.SweepTxRef != nil))
	return nil
}

// sweep runs gas funding, token sweep and dust reclaim in strict order
func (o *Orchestrator) sweep(ctx context.Context, rec *models.DepositRecord, user *models.User, log *zap.Logger) error {
	contract := o.policy.TokenContract(rec)
	if contract == "" {
		return &stepError{step: StepTokenSweep, err: fmt.Errorf("no token contract configured or reported")}
	}

	signer, err := o.keys.Resolve(ctx, user)
	if err != nil {
		return &stepError{step: StepTokenSweep, err: err}
	}

	if rec.GasTxRef == nil {
		gasRef, err := o.call(ctx, func(ctx context.Context) (string, error) {
			return o.provider.SendNative(ctx, o.master.Signer, rec.Address, o.policy.GasFundingAmount())
		})
		if err != nil {
			return &stepError{step: StepGasFunding, err: err}
		}
		if err := o.store.TransitionDeposit(ctx, rec, models.DepositStatusGasFunded, func(r *models.DepositRecord) {
			r.GasTxRef = &gasRef
		}); err != nil {
			return err
		}
		log.Info("Deposit address funded with gas", zap.String("gas_tx", gasRef))
	}

	if rec.SweepTxRef == nil {
		if err := o.store.TransitionDeposit(ctx, rec, models.DepositStatusSweeping, nil); err != nil {
			return err
		}
		sweepRef, err := o.call(ctx, func(ctx context.Context) (string, error) {
			return o.provider.SendToken(ctx, signer, o.master.Address, rec.Amount, contract)
		})
		if err != nil {
			return &stepError{step: StepTokenSweep, err: err}
		}
		if err := o.store.TransitionDeposit(ctx, rec, models.DepositStatusSwept, func(r *models.DepositRecord) {
			r.SweepTxRef = &sweepRef
			r.Error = nil
		}); err != nil {
			return err
		}
		if err := o.store.RecordSweep(ctx, user.ID, rec.Amount, o.now()); err != nil {
			log.Warn("Failed to record sweep totals", zap.Error(err))
		}
		log.Info("Tokens swept to master wallet", zap.String("sweep_tx", sweepRef))
	} else if rec.Status != models.DepositStatusSwept {
		if err := o.store.TransitionDeposit(ctx, rec, models.DepositStatusSwept, nil); err != nil {
			return err
		}
	}

	o.reclaimDust(ctx, rec, signer, log)
	return nil
}

// reclaimDust returns leftover gas to the master wallet. Failures are logged
// and counted but never fail the deposit.
func (o *Orchestrator) reclaimDust(ctx context.Context, rec *models.DepositRecord, signer evm.Signer, log *zap.Logger) {
	if rec.DustTxRef != nil {
		return
	}

	balance, err := o.callBalance(ctx, rec.Address)
	if err != nil {
		metrics.SweepStepFailures.WithLabelValues(StepDustReclaim).Inc()
		log.Warn("Dust reclaim skipped: balance query failed", zap.Error(err))
		return
	}

	excess, ok := o.policy.DustExcess(balance)
	if !ok {
		return
	}

	dustRef, err := o.call(ctx, func(ctx context.Context) (string, error) {
		return o.provider.SendNative(ctx, signer, o.master.Address, excess)
	})
	if err != nil {
		metrics.SweepStepFailures.WithLabelValues(StepDustReclaim).Inc()
		log.Warn("Dust reclaim failed", zap.String("excess", excess.String()), zap.Error(err))
		return
	}

	rec.DustTxRef = &dustRef
	if err := o.store.SetDustTxRef(ctx, rec.TxHash, dustRef); err != nil {
		// the next transition of rec writes the reference again
		log.Warn("Failed to store dust reference", zap.String("dust_tx", dustRef), zap.Error(err))
	}
	log.Info("Dust reclaimed", zap.String("dust_tx", dustRef), zap.String("amount", excess.String()))
}

func (o *Orchestrator) fail(ctx context.Context, rec *models.DepositRecord, user *models.User, cause error) error {
	if errors.Is(cause, database.ErrStatusConflict) {
		// another worker owns the record now
		o.logger.Warn("Deposit changed concurrently, abandoning this run",
			zap.String("tx_hash", rec.TxHash), zap.Error(cause))
		return fmt.Errorf("process deposit %s: %w", models.ShortHash(rec.TxHash), cause)
	}

	step := "unknown"
	var se *stepError
	if errors.As(cause, &se) {
		step = se.step
	}
	metrics.SweepStepFailures.WithLabelValues(step).Inc()

	msg := cause.Error()
	// use a fresh context so a cancelled caller still persists the failure
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()

	if err := o.store.TransitionDeposit(persistCtx, rec, models.DepositStatusFailed, func(r *models.DepositRecord) {
		r.Error = &msg
	}); err != nil {
		o.logger.Error("Failed to persist deposit failure",
			zap.String("tx_hash", rec.TxHash),
			zap.NamedError("cause", cause),
			zap.Error(err))
	}

	if err := o.store.SetWalletDepositStatus(persistCtx, user.ID, models.WalletDepositFailed); err != nil {
		o.logger.Warn("Failed to mark wallet deposit failed", zap.String("user_id", user.ID), zap.Error(err))
	}

	o.logger.Error("Deposit processing failed",
		zap.String("tx_hash", rec.TxHash),
		zap.String("step", step),
		zap.Error(cause))

	return fmt.Errorf("process deposit %s: %w", models.ShortHash(rec.TxHash), cause)
}

// call bounds a provider call with the configured timeout
func (o *Orchestrator) call(ctx context.Context, fn func(ctx context.Context) (string, error)) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return fn(callCtx)
}

func (o *Orchestrator) callBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return o.provider.GetNativeBalance(callCtx, address)
}

func clearError(r *models.DepositRecord) {
	r.Error = nil
}
