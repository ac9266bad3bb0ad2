package service

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/payflow/internal/broker"
	"github.com/punchamoorthee/payflow/internal/domain"
)

func TestFindMatchPrefersExactAmount(t *testing.T) {
	f := newFixture(t)
	wide := f.payout(500)
	_, err := f.core.Ledger.Allocate(f.ctx, wide.ID, 100)
	require.NoError(t, err)
	exact := f.payout(100)

	got, err := f.core.Matcher.FindMatch(f.ctx, 100, "acme", "payer-1")
	require.NoError(t, err)
	assert.Equal(t, exact.ID, got.ID, "exact phase runs before split-count ranking of the flexible phase")
}

func TestFindMatchFlexibleOrdering(t *testing.T) {
	f := newFixture(t)
	loose := f.payout(900)
	tight := f.payout(300)
	topped := f.payout(1000)
	_, err := f.core.Ledger.Allocate(f.ctx, topped.ID, 100)
	require.NoError(t, err)

	got, err := f.core.Matcher.FindMatch(f.ctx, 150, "acme", "payer-1")
	require.NoError(t, err)
	assert.Equal(t, topped.ID, got.ID, "partially filled payouts first")

	for _, p := range []int64{tight.ID, loose.ID} {
		_, err := f.core.Ledger.Allocate(f.ctx, p, 10)
		require.NoError(t, err)
	}
	got, err = f.core.Matcher.FindMatch(f.ctx, 150, "acme", "payer-1")
	require.NoError(t, err)
	assert.Equal(t, tight.ID, got.ID, "equal splits fall back to tightest fit")
}

func TestFindMatchWidensWindowProgressively(t *testing.T) {
	f := newFixture(t)
	old := f.payout(100)
	f.advance(40 * time.Minute)
	recent := f.payout(300)

	got, err := f.core.Matcher.FindMatch(f.ctx, 100, "acme", "payer-1")
	require.NoError(t, err)
	assert.Equal(t, recent.ID, got.ID, "the old exact payout is outside the exact window and the narrowest flexible window")

	_, err = f.core.Ledger.Allocate(f.ctx, recent.ID, 300)
	require.NoError(t, err)
	got, err = f.core.Matcher.FindMatch(f.ctx, 100, "acme", "payer-1")
	require.NoError(t, err)
	assert.Equal(t, old.ID, got.ID)

	f.advance(30 * time.Minute)
	_, err = f.core.Matcher.FindMatch(f.ctx, 100, "acme", "payer-1")
	assert.ErrorIs(t, err, domain.ErrNoMatch)
}

func TestFindMatchSkipsPairedPayouts(t *testing.T) {
	f := newFixture(t)
	first := f.payout(500)
	second := f.payout(500)

	a := f.assign("payer-1", 100)
	require.Equal(t, first.ID, a.Payout.ID)

	got, err := f.core.Matcher.FindMatch(f.ctx, 100, "acme", "payer-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	got, err = f.core.Matcher.FindMatch(f.ctx, 100, "acme", "payer-2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestFindMatchLivenessGate(t *testing.T) {
	offline := map[string]bool{}
	f := newFixture(t, WithPresence(presenceFunc(func(ref string) (bool, error) {
		return !offline[ref], nil
	})))
	abandoned := f.payout(100)
	live := f.payout(200)
	offline[abandoned.Reference] = true

	got, err := f.core.Matcher.FindMatch(f.ctx, 100, "acme", "payer-1")
	require.NoError(t, err)
	assert.Equal(t, live.ID, got.ID)
}

func TestFindMatchPagesPastFilteredCandidates(t *testing.T) {
	live := map[string]bool{}
	f := newFixture(t, WithPresence(presenceFunc(func(ref string) (bool, error) {
		return live[ref], nil
	})))
	for i := 0; i < candidatePage+10; i++ {
		f.payout(100)
	}
	exact := f.payout(100)
	live[exact.Reference] = true

	got, err := f.core.Matcher.FindMatch(f.ctx, 100, "acme", "payer-1")
	require.NoError(t, err)
	assert.Equal(t, exact.ID, got.ID, "exact phase reaches past the first page")

	delete(live, exact.Reference)
	wide := f.payout(400)
	live[wide.Reference] = true

	got, err = f.core.Matcher.FindMatch(f.ctx, 100, "acme", "payer-1")
	require.NoError(t, err)
	assert.Equal(t, wide.ID, got.ID, "flexible phase reaches past the first page")
}

func TestFindMatchPresenceErrorsFailOpen(t *testing.T) {
	f := newFixture(t, WithPresence(presenceFunc(func(string) (bool, error) {
		return false, errors.New("redis down")
	})))
	p := f.payout(100)

	got, err := f.core.Matcher.FindMatch(f.ctx, 100, "acme", "payer-1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
}

func TestFindMatchReservesBusyPayoutsForReturningPayers(t *testing.T) {
	nearlyFull := func(f *fixture) *domain.PayoutRequest {
		p := f.payout(540)
		for i := 0; i < f.policy.SplitSoftThreshold; i++ {
			_, err := f.core.Ledger.Allocate(f.ctx, p.ID, 10)
			require.NoError(t, err)
		}
		require.Equal(t, 4, f.reload(p).SplitCount)
		return p
	}

	t.Run("busy vendor, new payer", func(t *testing.T) {
		f := newFixture(t, WithUsageIndex(fixedUsage(6)))
		nearlyFull(f)
		_, err := f.core.Matcher.FindMatch(f.ctx, 100, "acme", "new-payer")
		assert.ErrorIs(t, err, domain.ErrNoMatch)
	})

	t.Run("quiet vendor, new payer", func(t *testing.T) {
		f := newFixture(t, WithUsageIndex(fixedUsage(3)))
		p := nearlyFull(f)
		got, err := f.core.Matcher.FindMatch(f.ctx, 100, "acme", "new-payer")
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ID)
	})

	t.Run("busy vendor, returning payer", func(t *testing.T) {
		f := newFixture(t, WithUsageIndex(fixedUsage(6)))
		f.payout(20)
		f.assign("regular", 20)
		p := nearlyFull(f)
		got, err := f.core.Matcher.FindMatch(f.ctx, 100, "acme", "regular")
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ID)
	})
}

func TestConfirmedVolumeUsageIndex(t *testing.T) {
	f := newFixture(t)
	f.payout(100)
	f.confirmed(f.assign("payer-1", 100))

	idx := NewConfirmedVolume(f.store, time.Hour, f.clock)
	n, err := idx.Index(f.ctx, "acme")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	f.advance(2 * time.Hour)
	n, err = idx.Index(f.ctx, "acme")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestAssignCommitsPayinBatchAndAllocation(t *testing.T) {
	f := newFixture(t)
	p := f.payout(100)

	a := f.assign("payer-1", 60)
	assert.Equal(t, p.ID, a.Payout.ID)
	assert.EqualValues(t, 40, a.Remaining)
	assert.Equal(t, domain.BatchPending, a.Batch.State)
	assert.Equal(t, domain.PayinPending, a.Payin.Status)
	assert.Equal(t, a.Payin.ID, *a.Batch.PayinID)
	assert.Equal(t, f.clock().Add(f.policy.PayinTimeout), a.Payin.ExpiresAt)
	assert.Equal(t, 1, f.events.count(broker.BatchMatched))

	_, err := f.core.Matcher.Assign(f.ctx, PayinIntent{Vendor: "acme", PayerHandle: "payer-2", Amount: 50})
	assert.ErrorIs(t, err, domain.ErrNoMatch)

	_, err = f.core.Matcher.Assign(f.ctx, PayinIntent{Vendor: "acme", PayerHandle: "payer-2", Amount: -5})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestAssignMovesToNextCandidateWhenAllocationLoses(t *testing.T) {
	var f *fixture
	var contested *domain.PayoutRequest
	raced := false
	f = newFixture(t, WithPresence(presenceFunc(func(ref string) (bool, error) {
		if contested != nil && ref == contested.Reference && !raced {
			raced = true
			// Another request drains the payout between selection and allocation.
			_, err := f.core.Ledger.Allocate(f.ctx, contested.ID, 100)
			require.NoError(t, err)
		}
		return true, nil
	})))
	contested = f.payout(100)
	fallback := f.payout(250)

	a := f.assign("payer-1", 100)
	assert.True(t, raced)
	assert.Equal(t, fallback.ID, a.Payout.ID)

	batches, err := f.store.ListBatchesForPayout(f.ctx, contested.ID)
	require.NoError(t, err)
	assert.Empty(t, batches, "the losing attempt leaves no batch behind")

	n, err := f.store.CountPayerPayins(f.ctx, "acme", "payer-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "the losing attempt leaves no payin behind")
}

func TestAssignDuplicatePayinReference(t *testing.T) {
	f := newFixture(t)
	f.payout(500)
	in := PayinIntent{Reference: "dep-1", Vendor: "acme", PayerHandle: "payer-1", Amount: 100}
	_, err := f.core.Matcher.Assign(f.ctx, in)
	require.NoError(t, err)

	in.PayerHandle = "payer-2"
	_, err = f.core.Matcher.Assign(f.ctx, in)
	assert.ErrorIs(t, err, domain.ErrDuplicateReference)
}
