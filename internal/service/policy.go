package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/custodia/depositd/internal/config"
	"github.com/custodia/depositd/internal/models"
)

// Reasons reported for ignored deposits
const (
	ReasonUnsupportedChain = "unsupported chain"
	ReasonUnsupportedToken = "unsupported token"
	ReasonContractMismatch = "token contract mismatch"
	ReasonBelowMinimum     = "amount below minimum"
	ReasonUnknownAddress   = "unknown deposit address"
	ReasonAlreadyProcessed = "already processed"
	ReasonInProgress       = "already in progress"
	ReasonUnparseable      = "unparseable payload"
	ReasonNotDepositEvent  = "not a deposit event"
)

// AmountPolicy holds the asset filter and the amount thresholds of the sweep path
type AmountPolicy struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewAmountPolicy creates a new amount policy
func NewAmountPolicy(cfg *config.Config, logger *zap.Logger) *AmountPolicy {
	return &AmountPolicy{
		cfg:    cfg,
		logger: logger.Named("policy"),
	}
}

// Accepts checks chain, token symbol and (when configured) the token contract.
// It returns the ignore reason when the deposit does not match.
func (p *AmountPolicy) Accepts(dep models.Deposit) (string, bool) {
	if !p.cfg.AcceptsChain(dep.Chain) {
		return ReasonUnsupportedChain, false
	}
	if !strings.EqualFold(strings.TrimSpace(dep.Token), p.cfg.Token.Symbol) {
		return ReasonUnsupportedToken, false
	}
	if p.cfg.Token.Contract != "" && !strings.EqualFold(strings.TrimSpace(dep.ContractAddress), p.cfg.Token.Contract) {
		return ReasonContractMismatch, false
	}
	return "", true
}

// CheckPrecision rejects amounts with more fractional digits than the token
// carries; such an amount cannot be converted to base units for the sweep.
func (p *AmountPolicy) CheckPrecision(txHash string, amount decimal.Decimal) error {
	decimals := p.cfg.Token.Decimals
	if amount.Truncate(decimals).Equal(amount) {
		return nil
	}
	p.logger.Warn("Deposit amount exceeds token precision",
		zap.String("tx_hash", txHash),
		zap.String("amount", amount.String()),
		zap.Int32("decimals", decimals))
	return fmt.Errorf("%w: amount %s has more than %d decimal places", ErrInvalidDeposit, amount.String(), decimals)
}

// BelowMinimum reports whether amount is under the absolute minimum of the active mode
func (p *AmountPolicy) BelowMinimum(amount decimal.Decimal) bool {
	return amount.LessThan(p.cfg.MinDeposit())
}

// SweepEligible reports whether the amount justifies paying for gas
func (p *AmountPolicy) SweepEligible(amount decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(p.cfg.Sweep.Threshold)
}

// GasFundingAmount is the native amount sent ahead of a token sweep
func (p *AmountPolicy) GasFundingAmount() decimal.Decimal {
	return p.cfg.Sweep.GasFundingAmount
}

// DustExcess returns how much native balance can be reclaimed, leaving the dust threshold behind
func (p *AmountPolicy) DustExcess(balance decimal.Decimal) (decimal.Decimal, bool) {
	if !balance.GreaterThan(p.cfg.Sweep.DustThreshold) {
		return decimal.Zero, false
	}
	return balance.Sub(p.cfg.Sweep.DustThreshold), true
}

// TokenContract returns the contract to sweep from, preferring configuration
func (p *AmountPolicy) TokenContract(rec *models.DepositRecord) string {
	if p.cfg.Token.Contract != "" {
		return p.cfg.Token.Contract
	}
	if rec.ContractAddress != nil {
		return *rec.ContractAddress
	}
	return ""
}

// SyntheticDeposit builds a deposit of the configured asset to address, as
// the detector feeds would report it
func (p *AmountPolicy) SyntheticDeposit(txHash, address string, amount decimal.Decimal, source models.DepositSource, observedAt time.Time) models.Deposit {
	return models.Deposit{
		TxHash:          txHash,
		Address:         address,
		Chain:           p.cfg.Provider.NetworkFamily,
		Token:           p.cfg.Token.Symbol,
		ContractAddress: p.cfg.Token.Contract,
		Amount:          amount,
		Source:          source,
		ObservedAt:      observedAt,
	}
}
