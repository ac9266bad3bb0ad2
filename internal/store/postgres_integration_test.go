//go:build integration

package store_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/store"
	"github.com/punchamoorthee/payflow/internal/store/storetest"
)

func TestIntegration_Postgres_ConcurrentAllocations(t *testing.T) {
	s := storetest.Postgres(t)
	ctx := context.Background()
	p := seedPayout(t, s, 100)

	var (
		wg      sync.WaitGroup
		applied int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.AllocatePayout(ctx, p.ID, 30, 5, t0)
			assert.NoError(t, err)
			atomic.AddInt64(&applied, n)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 3, applied)
	got, err := s.GetPayout(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 10, got.RemainingBalance)
	assert.Equal(t, 3, got.SplitCount)
}

func TestIntegration_Postgres_AmountsBeyondInt32(t *testing.T) {
	s := storetest.Postgres(t)
	ctx := context.Background()
	const big = int64(3_000_000_000)
	p := seedPayout(t, s, 2*big)

	n, err := s.AllocatePayout(ctx, p.ID, big, 5, t0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = s.ReleasePayout(ctx, p.ID, big, t0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = s.AddPaidTotal(ctx, p.ID, big, t0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetPayout(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2*big, got.RemainingBalance)
	assert.EqualValues(t, big, got.PaidTotal)
}

func TestIntegration_Postgres_IdempotencyFailureReason(t *testing.T) {
	s := storetest.Postgres(t)
	ctx := context.Background()
	ok, err := s.ReserveIdempotency(ctx, &domain.IdempotencyRecord{
		Key: "k-utf8", Vendor: "acme", PayoutRef: "p", Amount: 5, CreatedAt: t0, UpdatedAt: t0,
	})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.NoteIdempotencyFailure(ctx, "k-utf8", strings.Repeat("é", 200), t0))
	n, err := s.RetakeIdempotency(ctx, "k-utf8", t0, t0.Add(time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestIntegration_Postgres_OpenBatchIndex(t *testing.T) {
	s := storetest.Postgres(t)
	ctx := context.Background()
	p := seedPayout(t, s, 100)

	payin := &domain.PayinRequest{
		Reference: uuid.NewString(), Vendor: "acme", PayerHandle: "payer", Amount: 10,
		Status: domain.PayinPending, ExpiresAt: t0.Add(time.Hour), CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, s.CreatePayin(ctx, payin))

	mk := func() *domain.Batch {
		return &domain.Batch{
			Reference: uuid.NewString(), PayoutID: p.ID, PayinID: &payin.ID, Amount: 10,
			Vendor: "acme", State: domain.BatchPending, CreatedAt: t0, UpdatedAt: t0,
		}
	}
	require.NoError(t, s.CreateBatch(ctx, mk()))

	err := s.Transaction(ctx, func(tx *store.Store) error {
		return tx.CreateBatch(ctx, mk())
	})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}
