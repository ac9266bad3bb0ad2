package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidState           = errors.New("invalid state transition")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrMaxSplitsReached       = errors.New("max splits reached")
	ErrAmountMismatch         = errors.New("amount mismatch")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrTokenInvalid           = errors.New("claim token invalid")
	ErrTokenExpired           = errors.New("claim token expired")
	ErrIdempotencyInFlight    = errors.New("claim in progress, retry later")
	ErrIdempotencyMismatch    = errors.New("idempotency key reused with different claim")
	ErrNoMatch                = errors.New("no matching payout")
	ErrSweepInProgress        = errors.New("sweep already running")
	ErrDuplicateReference     = errors.New("reference already exists")
)

// RejectReason classifies why an allocation did not apply.
type RejectReason string

const (
	RejectInsufficientBalance RejectReason = "insufficient_balance"
	RejectConcurrent          RejectReason = "concurrent_modification"
	RejectInvalidState        RejectReason = "invalid_state"
	RejectMaxSplits           RejectReason = "max_splits"
	RejectNotFound            RejectReason = "not_found"
	RejectInvalidAmount       RejectReason = "invalid_amount"
)

// AllocationRejectedError is returned when the conditional allocation write affected no rows.
type AllocationRejectedError struct {
	PayoutID int64
	Amount   int64
	Reason   RejectReason
}

func (e *AllocationRejectedError) Error() string {
	return fmt.Sprintf("allocation of %d on payout %d rejected: %s", e.Amount, e.PayoutID, e.Reason)
}

func (e *AllocationRejectedError) Unwrap() error {
	switch e.Reason {
	case RejectInsufficientBalance:
		return ErrInsufficientBalance
	case RejectMaxSplits:
		return ErrMaxSplitsReached
	case RejectInvalidState:
		return ErrInvalidState
	case RejectNotFound:
		return ErrNotFound
	case RejectInvalidAmount:
		return ErrInvalidAmount
	default:
		return ErrConcurrentModification
	}
}

// TransitionError reports an illegal batch state transition.
type TransitionError struct {
	BatchID int64
	From    BatchState
	To      BatchState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("batch %d: cannot move %s -> %s", e.BatchID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidState }
