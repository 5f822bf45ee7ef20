package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/custodia/depositd/internal/models"
)

// EventKind tags the outcome of parsing a provider payload
type EventKind int

const (
	// EventUnparseable is anything without a recognisable deposit shape
	EventUnparseable EventKind = iota
	// EventNonDeposit is a well-formed notification about something else
	EventNonDeposit
	EventDeposit
)

// Accepted field synonyms, in priority order
var (
	addressFields  = []string{"address", "receiver", "to", "toAddress"}
	txHashFields   = []string{"txId", "txHash", "transactionId", "hash"}
	amountFields   = []string{"amount", "value"}
	chainFields    = []string{"chain", "network", "blockchain"}
	tokenFields    = []string{"token", "asset", "symbol", "currency"}
	contractFields = []string{"contractAddress", "contract", "tokenAddress"}
	typeFields     = []string{"type", "event", "subscriptionType"}

	// objects searched for the fields above
	envelopes = []string{"", "data", "payload"}

	depositTypeHints = []string{"deposit", "incoming", "receive", "transfer", "activity"}
)

// RawDepositEvent is a provider payload after synonym resolution
type RawDepositEvent struct {
	Kind     EventKind
	Reason   string
	Type     string
	TxHash   string
	Address  string
	Chain    string
	Token    string
	Contract string
	Amount   decimal.Decimal
}

// ParseRawDepositEvent resolves a webhook body into a RawDepositEvent.
// Payloads with no deposit shape fail closed as EventUnparseable. A payload that
// looks like a deposit but lacks a required field returns ErrInvalidDeposit.
func ParseRawDepositEvent(body []byte) (RawDepositEvent, error) {
	if !gjson.ValidBytes(body) {
		return RawDepositEvent{Kind: EventUnparseable, Reason: ReasonUnparseable}, nil
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return RawDepositEvent{Kind: EventUnparseable, Reason: ReasonUnparseable}, nil
	}

	evt := RawDepositEvent{
		Type:     lookup(root, typeFields),
		TxHash:   lookup(root, txHashFields),
		Address:  lookup(root, addressFields),
		Chain:    lookup(root, chainFields),
		Token:    lookup(root, tokenFields),
		Contract: lookup(root, contractFields),
	}
	rawAmount := lookup(root, amountFields)

	if evt.Type != "" && !isDepositType(evt.Type) {
		evt.Kind = EventNonDeposit
		evt.Reason = fmt.Sprintf("%s: %s", ReasonNotDepositEvent, evt.Type)
		return evt, nil
	}

	if evt.TxHash == "" && evt.Address == "" {
		evt.Kind = EventUnparseable
		evt.Reason = ReasonUnparseable
		return evt, nil
	}

	var missing []string
	if evt.TxHash == "" {
		missing = append(missing, "txHash")
	}
	if evt.Address == "" {
		missing = append(missing, "address")
	}
	if rawAmount == "" {
		missing = append(missing, "amount")
	}
	if evt.Chain == "" {
		missing = append(missing, "chain")
	}
	if evt.Token == "" {
		missing = append(missing, "token")
	}
	if len(missing) > 0 {
		return evt, fmt.Errorf("%w: missing %s", ErrInvalidDeposit, strings.Join(missing, ", "))
	}

	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return evt, fmt.Errorf("%w: amount %q is not a number", ErrInvalidDeposit, rawAmount)
	}
	if !amount.IsPositive() {
		return evt, fmt.Errorf("%w: amount must be positive", ErrInvalidDeposit)
	}

	evt.Amount = amount
	evt.Kind = EventDeposit
	return evt, nil
}

// Deposit converts a parsed event into the canonical detector output
func (e RawDepositEvent) Deposit(source models.DepositSource, observedAt time.Time) models.Deposit {
	return models.Deposit{
		TxHash:          e.TxHash,
		Address:         e.Address,
		Chain:           e.Chain,
		Token:           e.Token,
		ContractAddress: e.Contract,
		Amount:          e.Amount,
		Source:          source,
		ObservedAt:      observedAt,
	}
}

func lookup(root gjson.Result, fields []string) string {
	for _, env := range envelopes {
		obj := root
		if env != "" {
			obj = root.Get(env)
			if !obj.IsObject() {
				continue
			}
		}
		for _, field := range fields {
			v := obj.Get(field)
			if !v.Exists() || v.IsObject() || v.IsArray() {
				continue
			}
			s := v.String()
			if v.Type == gjson.Number {
				// keep full precision instead of float64 formatting
				s = v.Raw
			}
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func isDepositType(t string) bool {
	t = strings.ToLower(t)
	for _, hint := range depositTypeHints {
		if strings.Contains(t, hint) {
			return true
		}
	}
	return false
}
