package worker

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/custodia/depositd/internal/blockchain/evm"
	"github.com/custodia/depositd/internal/config"
	"github.com/custodia/depositd/internal/models"
	"github.com/custodia/depositd/internal/service"
)

// TransferSource lists token transfers received by an address
type TransferSource interface {
	IncomingTransfers(ctx context.Context, address, contract string) ([]evm.TokenTransfer, error)
}

// Ingester accepts canonical deposits; implemented by service.Pipeline
type Ingester interface {
	Ingest(ctx context.Context, dep models.Deposit) (service.IngestResult, error)
}

// Poller scans deposit addresses through the explorer and feeds transfers
// into the ingest pipeline. It is the test-mode fallback for missed webhooks.
type Poller struct {
	users     service.UserStore
	source    TransferSource
	ingest    Ingester
	cfg       *config.Config
	now       service.Clock
	newTicker TickerFactory
	logger    *zap.Logger

	life lifecycle
}

// NewPoller creates a new polling scanner
func NewPoller(
	users service.UserStore,
	source TransferSource,
	ingest Ingester,
	cfg *config.Config,
	now service.Clock,
	newTicker TickerFactory,
	logger *zap.Logger,
) *Poller {
	return &Poller{
		users:     users,
		source:    source,
		ingest:    ingest,
		cfg:       cfg,
		now:       now,
		newTicker: newTicker,
		logger:    logger.Named("poller"),
	}
}

// Start scans immediately and then every poll interval until Stop
func (p *Poller) Start(ctx context.Context) {
	started := p.life.start(func(stop <-chan struct{}) {
		loop(p.newTicker(p.cfg.Poller.Interval), stop, func() {
			if _, err := p.scanAll(ctx, stop); err != nil {
				p.logger.Warn("Poll cycle finished with errors", zap.Error(err))
			}
		})
	})
	if started {
		p.logger.Info("Poller started", zap.Duration("interval", p.cfg.Poller.Interval))
	}
}

// Stop stops new ticks and waits for the in-flight scan
func (p *Poller) Stop() {
	p.life.halt()
	p.logger.Info("Poller stopped")
}

// ScanAll scans every user with a deposit address once
func (p *Poller) ScanAll(ctx context.Context) (int, error) {
	return p.scanAll(ctx, nil)
}

func (p *Poller) scanAll(ctx context.Context, stop <-chan struct{}) (int, error) {
	users, err := p.users.ListUsersWithDepositAddress(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list deposit addresses: %w", err)
	}

	p.logger.Debug("Starting poll cycle", zap.Int("addresses", len(users)))

	var (
		discovered int
		errs       error
	)
	for i := range users {
		if stopping(stop) || ctx.Err() != nil {
			break
		}
		n, err := p.ScanUser(ctx, &users[i], models.SourcePoll)
		discovered += n
		errs = multierr.Append(errs, err)
	}
	return discovered, errs
}

// ScanUser feeds every matching incoming transfer of one user through the
// pipeline and returns how many were newly processed. New records are tagged
// with source.
func (p *Poller) ScanUser(ctx context.Context, user *models.User, source models.DepositSource) (int, error) {
	if !user.HasDepositAddress() {
		return 0, nil
	}
	address := *user.DepositAddress

	transfers, err := p.source.IncomingTransfers(ctx, address, p.cfg.Token.Contract)
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", address, err)
	}

	var (
		discovered int
		errs       error
	)
	for _, t := range transfers {
		if !p.matches(address, t) {
			continue
		}

		decimals := t.Decimals
		if decimals <= 0 {
			decimals = p.cfg.Token.Decimals
		}

		res, err := p.ingest.Ingest(ctx, models.Deposit{
			TxHash:          t.Hash,
			Address:         address,
			Chain:           p.cfg.Provider.NetworkFamily,
			Token:           t.Symbol,
			ContractAddress: t.Contract,
			Amount:          evm.FromSmallestUnit(t.Value, decimals),
			Source:          source,
			ObservedAt:      p.now(),
		})
		if err != nil {
			p.logger.Warn("Discovered deposit failed",
				zap.String("tx_hash", t.Hash),
				zap.String("source", string(source)),
				zap.String("user_id", user.ID),
				zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		if !res.Ignored {
			discovered++
			p.logger.Info("Deposit discovered",
				zap.String("tx_hash", t.Hash),
				zap.String("source", string(source)),
				zap.String("user_id", user.ID))
		}
	}
	return discovered, errs
}

func (p *Poller) matches(address string, t evm.TokenTransfer) bool {
	if !strings.EqualFold(t.To, address) {
		return false
	}
	if t.Value == nil || t.Value.Sign() <= 0 {
		return false
	}
	if !strings.EqualFold(t.Symbol, p.cfg.Token.Symbol) {
		return false
	}
	if p.cfg.Token.Contract != "" && !strings.EqualFold(t.Contract, p.cfg.Token.Contract) {
		return false
	}
	return true
}
