package trading

import (
	"context"
	"errors"
	"fmt"
)

// TransientError wraps a network or timeout fault from a collaborator. It
// is retried with backoff within the invocation's budget.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: transient: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError means the collaborator refused the request. Never retried.
type RejectedError struct {
	Op     string
	Reason string
	Err    error
}

func (e *RejectedError) Error() string { return fmt.Sprintf("%s: rejected: %s", e.Op, e.Reason) }
func (e *RejectedError) Unwrap() error { return e.Err }

func Transient(op string, err error) error { return &TransientError{Op: op, Err: err} }

func Rejected(op, reason string) error { return &RejectedError{Op: op, Reason: reason} }

// RejectedBy wraps the collaborator's own error as a rejection.
func RejectedBy(op string, err error) error {
	return &RejectedError{Op: op, Reason: err.Error(), Err: err}
}

// IsTransient reports whether err should be retried. Context deadlines
// count as transient.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

type RejectReason string

const (
	RejectCooldown            RejectReason = "Cooldown"
	RejectMaxConcurrentTrades RejectReason = "MaxConcurrentTrades"
	RejectDailyLossLimit      RejectReason = "DailyLossLimit"
	RejectBelowMinNotional    RejectReason = "BelowMinNotional"
	RejectInsufficientBalance RejectReason = "InsufficientBalance"
	RejectHalted              RejectReason = "Halted"
	RejectInvalidSignal       RejectReason = "InvalidSignal"
)

// Rejection is a failed risk check. The signal is discarded.
type Rejection struct {
	Reason RejectReason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return "intent rejected: " + string(r.Reason)
	}
	return fmt.Sprintf("intent rejected: %s (%s)", r.Reason, r.Detail)
}

func reject(reason RejectReason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// RejectionReason extracts the reason of a *Rejection, or "".
func RejectionReason(err error) RejectReason {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Reason
	}
	return ""
}

const (
	eventEntryFill   = "entry fill"
	eventEntryCancel = "entry cancel"
	eventExitFill    = "exit fill"
)

// InconsistentStateError is raised when the exchange reports an event for an
// unknown or already-terminal trade. It halts approvals until reconciled.
type InconsistentStateError struct {
	TradeID string
	Event   string
	Status  Status
}

func (e *InconsistentStateError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("inconsistent state: %s for unknown trade %s", e.Event, e.TradeID)
	}
	return fmt.Sprintf("inconsistent state: %s for trade %s in status %s", e.Event, e.TradeID, e.Status)
}

func IsInconsistent(err error) bool {
	var ie *InconsistentStateError
	return errors.As(err, &ie)
}
