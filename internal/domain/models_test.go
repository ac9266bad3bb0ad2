package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionOnlyMovesForward(t *testing.T) {
	all := []BatchState{BatchPending, BatchSysConfirmed, BatchCustomerConfirmed, BatchExpired}
	allowed := map[[2]BatchState]bool{
		{BatchPending, BatchSysConfirmed}:           true,
		{BatchPending, BatchExpired}:                true,
		{BatchSysConfirmed, BatchCustomerConfirmed}: true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]BatchState{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, BatchCustomerConfirmed.Terminal())
	assert.True(t, BatchExpired.Terminal())
	assert.False(t, BatchPending.Terminal())
	assert.True(t, BatchSysConfirmed.Open())
	assert.False(t, BatchExpired.Open())
}

func TestAllocationRejectedUnwrap(t *testing.T) {
	cases := map[RejectReason]error{
		RejectInsufficientBalance: ErrInsufficientBalance,
		RejectMaxSplits:           ErrMaxSplitsReached,
		RejectInvalidState:        ErrInvalidState,
		RejectNotFound:            ErrNotFound,
		RejectConcurrent:          ErrConcurrentModification,
	}
	for reason, want := range cases {
		err := error(&AllocationRejectedError{PayoutID: 1, Amount: 10, Reason: reason})
		assert.True(t, errors.Is(err, want), "reason %s", reason)
	}
	assert.ErrorIs(t, &TransitionError{BatchID: 3, From: BatchExpired, To: BatchCustomerConfirmed}, ErrInvalidState)
}
