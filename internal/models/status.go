package models

import "fmt"

// DepositStatus represents the state of a deposit in the sweep pipeline
type DepositStatus string

const (
	DepositStatusDetected  DepositStatus = "detected"
	DepositStatusGasFunded DepositStatus = "gas_funded"
	DepositStatusSweeping  DepositStatus = "sweeping"
	DepositStatusSwept     DepositStatus = "swept"
	DepositStatusHeld      DepositStatus = "held"
	DepositStatusCompleted DepositStatus = "completed"
	DepositStatusFailed    DepositStatus = "failed"
	DepositStatusRetrying  DepositStatus = "retrying"
)

// transitions lists the legal successors of every status.
// completed is reachable from detected and failed only through the repair path.
var transitions = map[DepositStatus][]DepositStatus{
	DepositStatusDetected: {
		DepositStatusGasFunded, DepositStatusHeld, DepositStatusFailed,
		DepositStatusRetrying, DepositStatusCompleted,
	},
	DepositStatusRetrying: {
		DepositStatusDetected, DepositStatusGasFunded, DepositStatusSweeping,
		DepositStatusSwept, DepositStatusHeld, DepositStatusFailed, DepositStatusCompleted,
	},
	DepositStatusGasFunded: {DepositStatusSweeping, DepositStatusFailed},
	DepositStatusSweeping:  {DepositStatusSwept, DepositStatusFailed},
	DepositStatusSwept:     {DepositStatusCompleted, DepositStatusFailed},
	DepositStatusHeld:      {DepositStatusCompleted, DepositStatusFailed},
	DepositStatusFailed:    {DepositStatusRetrying, DepositStatusFailed, DepositStatusCompleted},
	DepositStatusCompleted: {},
}

// Valid reports whether s is a known status
func (s DepositStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transition is possible
func (s DepositStatus) Terminal() bool {
	return s == DepositStatusCompleted
}

// InProgress reports whether a pipeline run has picked the deposit up and
// not yet finished with it
func (s DepositStatus) InProgress() bool {
	switch s {
	case DepositStatusRetrying, DepositStatusGasFunded,
		DepositStatusSweeping, DepositStatusSwept, DepositStatusHeld:
		return true
	}
	return false
}

// Scan implements sql.Scanner and rejects statuses this build does not know
func (s *DepositStatus) Scan(src any) error {
	var v string
	switch t := src.(type) {
	case string:
		v = t
	case []byte:
		v = string(t)
	default:
		return fmt.Errorf("cannot scan %T into DepositStatus", src)
	}
	if !DepositStatus(v).Valid() {
		return fmt.Errorf("unknown deposit status %q", v)
	}
	*s = DepositStatus(v)
	return nil
}

// CanTransition reports whether from -> to is a legal state change
func CanTransition(from, to DepositStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError is returned for an illegal state change
type TransitionError struct {
	From DepositStatus
	To   DepositStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal deposit transition %s -> %s", e.From, e.To)
}

// ValidateTransition returns a *TransitionError when from -> to is illegal
func ValidateTransition(from, to DepositStatus) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}
