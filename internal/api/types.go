package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/custodia/depositd/internal/models"
)

// ==================== Webhook ====================

// WebhookResponse acknowledges a provider notification
type WebhookResponse struct {
	Success bool                 `json:"success"`
	Ignored bool                 `json:"ignored,omitempty"`
	Reason  string               `json:"reason,omitempty"`
	TxHash  string               `json:"txHash,omitempty"`
	Status  models.DepositStatus `json:"status,omitempty"`
}

// ==================== Test Deposits ====================

// SimulateDepositRequest asks for a synthetic deposit (test mode only)
type SimulateDepositRequest struct {
	UserID string          `json:"userId"`
	Amount decimal.Decimal `json:"amount"`
}

// ==================== Users ====================

// DepositAddressResponse carries a user's custodial address
type DepositAddressResponse struct {
	UserID  string `json:"userId"`
	Address string `json:"address"`
}

// DepositSummary is the public view of a deposit record
type DepositSummary struct {
	TxHash          string               `json:"txHash"`
	Address         string               `json:"address"`
	Chain           string               `json:"chain"`
	Token           string               `json:"token"`
	ContractAddress *string              `json:"contractAddress,omitempty"`
	UserID          string               `json:"userId"`
	Amount          string               `json:"amount"`
	Status          models.DepositStatus `json:"status"`
	BalanceCredited bool                 `json:"balanceCredited"`
	RetryCount      int                  `json:"retryCount"`
	LastRetryAt     *time.Time           `json:"lastRetryAt,omitempty"`
	Error           *string              `json:"error,omitempty"`
	Source          models.DepositSource `json:"source"`
	TxRefs          TxRefs               `json:"txRefs"`
	CreatedAt       time.Time            `json:"createdAt"`
	UpdatedAt       time.Time            `json:"updatedAt"`
}

// TxRefs holds the on-chain references of the sweep steps
type TxRefs struct {
	Gas   *string `json:"gas"`
	Sweep *string `json:"sweep"`
	Dust  *string `json:"dust"`
}

func toDepositSummary(rec *models.DepositRecord) DepositSummary {
	return DepositSummary{
		TxHash:          rec.TxHash,
		Address:         rec.Address,
		Chain:           rec.Chain,
		Token:           rec.Token,
		ContractAddress: rec.ContractAddress,
		UserID:          rec.UserID,
		Amount:          rec.Amount.String(),
		Status:          rec.Status,
		BalanceCredited: rec.BalanceCredited,
		RetryCount:      rec.RetryCount,
		LastRetryAt:     rec.LastRetryAt,
		Error:           rec.Error,
		Source:          rec.Source,
		TxRefs: TxRefs{
			Gas:   rec.GasTxRef,
			Sweep: rec.SweepTxRef,
			Dust:  rec.DustTxRef,
		},
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

// GetUserDepositsResponse lists a page of a user's deposits
type GetUserDepositsResponse struct {
	Deposits []DepositSummary `json:"deposits"`
}

// ==================== Admin ====================

// RetryResponse reports a manual retry
type RetryResponse struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Deposit DepositSummary `json:"deposit"`
}

// RecoverResponse reports a single-record repair
type RecoverResponse struct {
	Repair  string         `json:"repair"`
	Deposit DepositSummary `json:"deposit"`
}

// ==================== Error Response ====================

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==================== Health Check ====================

// HealthResponse represents health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Mode    string `json:"mode,omitempty"`
}
