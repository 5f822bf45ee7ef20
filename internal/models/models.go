package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DepositSource identifies which feed first observed a deposit
type DepositSource string

const (
	SourceWebhook    DepositSource = "webhook"
	SourcePoll       DepositSource = "poll"
	SourceSimulation DepositSource = "simulation"
	SourceReconcile  DepositSource = "reconcile"
)

// WalletDepositStatus is the user-facing deposit flag on the wallet sub-document
type WalletDepositStatus string

const (
	WalletDepositNone      WalletDepositStatus = "none"
	WalletDepositPending   WalletDepositStatus = "pending"
	WalletDepositConfirmed WalletDepositStatus = "confirmed"
	WalletDepositFailed    WalletDepositStatus = "failed"
)

// LedgerCurrency is the ledger balance key credited by deposits
const LedgerCurrency = "USDT"

// Deposit is the canonical shape produced by both detector feeds
type Deposit struct {
	TxHash          string
	Address         string
	Chain           string
	Token           string
	ContractAddress string
	Amount          decimal.Decimal
	Source          DepositSource
	ObservedAt      time.Time
}

// DepositRecord is the durable, tx-hash keyed record of an observed deposit
type DepositRecord struct {
	ID              int64           `db:"id"`
	TxHash          string          `db:"tx_hash"`
	Address         string          `db:"address"`
	Chain           string          `db:"chain"`
	Token           string          `db:"token"`
	ContractAddress *string         `db:"contract_address"`
	UserID          string          `db:"user_id"`
	Amount          decimal.Decimal `db:"amount"`
	Status          DepositStatus   `db:"status"`
	BalanceCredited bool            `db:"balance_credited"`
	RetryCount      int             `db:"retry_count"`
	LastRetryAt     *time.Time      `db:"last_retry_at"`
	Error           *string         `db:"error_message"`
	Source          DepositSource   `db:"source"`
	GasTxRef        *string         `db:"gas_tx_ref"`
	SweepTxRef      *string         `db:"sweep_tx_ref"`
	DustTxRef       *string         `db:"dust_tx_ref"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

// Clone returns a copy that shares no pointers with the receiver
func (r *DepositRecord) Clone() *DepositRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.ContractAddress = cloneString(r.ContractAddress)
	c.Error = cloneString(r.Error)
	c.GasTxRef = cloneString(r.GasTxRef)
	c.SweepTxRef = cloneString(r.SweepTxRef)
	c.DustTxRef = cloneString(r.DustTxRef)
	if r.LastRetryAt != nil {
		t := *r.LastRetryAt
		c.LastRetryAt = &t
	}
	return &c
}

// ShortHash returns the hash truncated for human-readable descriptions
func ShortHash(txHash string) string {
	if len(txHash) <= 10 {
		return txHash
	}
	return txHash[:10] + "..."
}

// User is the subset of the account aggregate this service reads and mutates
type User struct {
	ID                  string      `db:"id"`
	DepositAddress      *string     `db:"deposit_address"`
	EncryptedPrivateKey *string     `db:"encrypted_private_key"`
	Wallet              WalletState `db:"-"`
	CreatedAt           time.Time   `db:"created_at"`
}

// HasDepositAddress reports whether an address has been assigned
func (u *User) HasDepositAddress() bool {
	return u.DepositAddress != nil && *u.DepositAddress != ""
}

// WalletState is the wallet sub-document of the user aggregate
type WalletState struct {
	DepositStatus WalletDepositStatus `db:"deposit_status"`
	Balances      Balances            `db:"balances"`
	Transactions  LedgerEntries       `db:"transactions"`
	UnsweptFunds  decimal.Decimal     `db:"unswept_funds"`
	TotalSwept    decimal.Decimal     `db:"total_swept"`
	LastSweepAt   *time.Time          `db:"last_sweep_at"`
}

// Balance returns the ledger balance for a currency (zero when absent)
func (w *WalletState) Balance(currency string) decimal.Decimal {
	if w.Balances == nil {
		return decimal.Zero
	}
	return w.Balances[currency]
}

// HasTransaction reports whether a ledger entry already references txHash
func (w *WalletState) HasTransaction(txHash string) bool {
	for _, entry := range w.Transactions {
		if strings.EqualFold(entry.TxHash, txHash) {
			return true
		}
	}
	return false
}

// ApplyCredit increments the balance, appends the entry and confirms the deposit flag
func (w *WalletState) ApplyCredit(entry LedgerEntry) {
	if w.Balances == nil {
		w.Balances = make(Balances)
	}
	w.Balances[entry.Currency] = w.Balances[entry.Currency].Add(entry.Amount)
	w.Transactions = append(w.Transactions, entry)
	w.DepositStatus = WalletDepositConfirmed
}

// LedgerEntry is one append-only transaction-log line on the wallet
type LedgerEntry struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	TxHash      string          `json:"txHash"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Balances maps currency to ledger amount; stored as JSONB.
// Value returns a string since lib/pq would hex-encode []byte parameters.
type Balances map[string]decimal.Decimal

// Value implements driver.Valuer
func (b Balances) Value() (driver.Value, error) {
	if b == nil {
		return "{}", nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner
func (b *Balances) Scan(src interface{}) error {
	data, err := jsonBytes(src)
	if err != nil {
		return err
	}
	out := make(Balances)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("failed to decode balances: %w", err)
		}
	}
	*b = out
	return nil
}

// LedgerEntries is the JSONB transaction log
type LedgerEntries []LedgerEntry

// Value implements driver.Valuer
func (l LedgerEntries) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner
func (l *LedgerEntries) Scan(src interface{}) error {
	data, err := jsonBytes(src)
	if err != nil {
		return err
	}
	var out LedgerEntries
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("failed to decode transactions: %w", err)
		}
	}
	*l = out
	return nil
}

func jsonBytes(src interface{}) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported JSON column type %T", src)
	}
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// Clone returns a deep copy of the user and its wallet
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.DepositAddress = cloneString(u.DepositAddress)
	c.EncryptedPrivateKey = cloneString(u.EncryptedPrivateKey)
	if u.Wallet.Balances != nil {
		c.Wallet.Balances = make(Balances, len(u.Wallet.Balances))
		for k, v := range u.Wallet.Balances {
			c.Wallet.Balances[k] = v
		}
	}
	if u.Wallet.Transactions != nil {
		c.Wallet.Transactions = append(LedgerEntries(nil), u.Wallet.Transactions...)
	}
	if u.Wallet.LastSweepAt != nil {
		t := *u.Wallet.LastSweepAt
		c.Wallet.LastSweepAt = &t
	}
	return &c
}
