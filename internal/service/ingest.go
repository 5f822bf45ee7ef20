package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/custodia/depositd/internal/metrics"
	"github.com/custodia/depositd/internal/models"
)

// IngestResult is the outcome reported back to a detector feed
type IngestResult struct {
	Ignored bool
	Reason  string
	Record  *models.DepositRecord
}

func ignored(reason string) IngestResult {
	metrics.IngestTotal.WithLabelValues("ignored").Inc()
	return IngestResult{Ignored: true, Reason: reason}
}

// Pipeline is the single ingestion entrypoint shared by the webhook and poll feeds
type Pipeline struct {
	store        Store
	addresses    *AddressLedger
	policy       *AmountPolicy
	orchestrator *Orchestrator
	logger       *zap.Logger
}

// NewPipeline creates a new ingest pipeline
func NewPipeline(store Store, addresses *AddressLedger, policy *AmountPolicy, orchestrator *Orchestrator, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:        store,
		addresses:    addresses,
		policy:       policy,
		orchestrator: orchestrator,
		logger:       logger.Named("pipeline"),
	}
}

// Ingest validates and filters a detected deposit, records it once per tx hash
// and drives a newly created record through sweep and credit. Benign outcomes
// are returned as Ignored results, never as errors.
func (p *Pipeline) Ingest(ctx context.Context, dep models.Deposit) (IngestResult, error) {
	if err := validateDeposit(dep); err != nil {
		metrics.IngestTotal.WithLabelValues("invalid").Inc()
		return IngestResult{}, err
	}

	if reason, ok := p.policy.Accepts(dep); !ok {
		p.logger.Info("Deposit ignored",
			zap.String("tx_hash", dep.TxHash),
			zap.String("reason", reason),
			zap.String("chain", dep.Chain),
			zap.String("token", dep.Token))
		return ignored(reason), nil
	}

	if p.policy.BelowMinimum(dep.Amount) {
		p.logger.Info("Deposit ignored: below minimum",
			zap.String("tx_hash", dep.TxHash),
			zap.String("amount", dep.Amount.String()))
		return ignored(ReasonBelowMinimum), nil
	}

	if err := p.policy.CheckPrecision(dep.TxHash, dep.Amount); err != nil {
		metrics.IngestTotal.WithLabelValues("invalid").Inc()
		return IngestResult{}, err
	}

	user, err := p.addresses.Resolve(ctx, dep.Address)
	if err != nil {
		metrics.IngestTotal.WithLabelValues("failed").Inc()
		return IngestResult{}, err
	}
	if user == nil {
		p.logger.Warn("Deposit to unknown address",
			zap.String("tx_hash", dep.TxHash),
			zap.String("address", dep.Address))
		return ignored(ReasonUnknownAddress), nil
	}

	var contract *string
	if dep.ContractAddress != "" {
		c := dep.ContractAddress
		contract = &c
	}

	rec, created, err := p.store.CreateDepositIfAbsent(ctx, &models.DepositRecord{
		TxHash:          dep.TxHash,
		Address:         dep.Address,
		Chain:           dep.Chain,
		Token:           strings.ToUpper(dep.Token),
		ContractAddress: contract,
		UserID:          user.ID,
		Amount:          dep.Amount,
		Source:          dep.Source,
	})
	if err != nil {
		metrics.IngestTotal.WithLabelValues("failed").Inc()
		return IngestResult{}, fmt.Errorf("failed to record deposit: %w", err)
	}

	if !created {
		// the retry scheduler owns records that already exist
		reason := ReasonInProgress
		if rec.Status.Terminal() {
			reason = ReasonAlreadyProcessed
		}
		res := ignored(reason)
		res.Record = rec
		return res, nil
	}

	p.logger.Info("Deposit detected",
		zap.String("tx_hash", rec.TxHash),
		zap.String("user_id", user.ID),
		zap.String("amount", rec.Amount.String()),
		zap.String("source", string(dep.Source)))

	if err := p.store.SetWalletDepositStatus(ctx, user.ID, models.WalletDepositPending); err != nil {
		p.logger.Warn("Failed to mark wallet deposit pending", zap.String("user_id", user.ID), zap.Error(err))
	}

	if err := p.orchestrator.Process(ctx, rec, user); err != nil {
		metrics.IngestTotal.WithLabelValues("failed").Inc()
		return IngestResult{Record: rec}, err
	}

	metrics.IngestTotal.WithLabelValues("processed").Inc()
	return IngestResult{Record: rec}, nil
}

// Resume re-drives an existing record through the orchestrator. Callers own
// the status transition that claims the record (e.g. to retrying).
func (p *Pipeline) Resume(ctx context.Context, rec *models.DepositRecord, user *models.User) error {
	return p.orchestrator.Process(ctx, rec, user)
}

// Simulate synthesizes a deposit to the user's address under a unique fake
// hash and ingests it like a real one. Only wired in test mode.
func (p *Pipeline) Simulate(ctx context.Context, userID string, amount decimal.Decimal, now time.Time) (IngestResult, error) {
	user, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return IngestResult{}, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return IngestResult{}, ErrUserNotFound
	}
	if !user.HasDepositAddress() {
		return IngestResult{}, fmt.Errorf("%w: user %s has no deposit address", ErrInvalidDeposit, userID)
	}

	txHash := "0xsim" + strings.ReplaceAll(uuid.NewString(), "-", "")
	return p.Ingest(ctx, p.policy.SyntheticDeposit(txHash, *user.DepositAddress, amount, models.SourceSimulation, now))
}

func validateDeposit(dep models.Deposit) error {
	var missing []string
	if strings.TrimSpace(dep.TxHash) == "" {
		missing = append(missing, "txHash")
	}
	if strings.TrimSpace(dep.Address) == "" {
		missing = append(missing, "address")
	}
	if strings.TrimSpace(dep.Chain) == "" {
		missing = append(missing, "chain")
	}
	if strings.TrimSpace(dep.Token) == "" {
		missing = append(missing, "token")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidDeposit, strings.Join(missing, ", "))
	}
	if !dep.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidDeposit)
	}
	return nil
}
