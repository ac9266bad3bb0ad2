//go:build integration

package service

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/payflow/internal/config"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/store/storetest"
)

func TestIntegration_Postgres_SiblingConfirmationsSettleOnce(t *testing.T) {
	f := newFixtureOn(t, storetest.Postgres(t), config.DefaultPolicy())

	const rounds = 10
	for i := 0; i < rounds; i++ {
		p := f.payout(100)
		first := f.assign(fmt.Sprintf("payer-a-%d", i), 60)
		second := f.assign(fmt.Sprintf("payer-b-%d", i), 40)
		require.Equal(t, p.ID, first.Payout.ID)
		require.Equal(t, p.ID, second.Payout.ID)
		for _, a := range []*Assignment{first, second} {
			_, err := f.core.Settlement.RecordEvidence(f.ctx, a.Batch.ID, "ev-"+a.Batch.Reference[:8])
			require.NoError(t, err)
		}

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			start   = make(chan struct{})
			settled int
			applied int
		)
		for j := 0; j < 6; j++ {
			batchID := first.Batch.ID
			if j%2 == 1 {
				batchID = second.Batch.ID
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				c, err := f.core.Settlement.ConfirmByBeneficiary(f.ctx, batchID)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if c.Settled {
					settled++
				}
				if !c.AlreadyApplied {
					applied++
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, 1, settled, "round %d", i)
		assert.Equal(t, 2, applied, "round %d", i)
		got := f.reload(p)
		assert.Equal(t, domain.PayoutApproved, got.Status)
		assert.EqualValues(t, 100, got.PaidTotal)
		assert.NotNil(t, got.CompletedAt)
	}

	assert.Len(t, f.callbacks("payout.approved:"), rounds)
	assert.Len(t, f.callbacks("payin.approved:"), 2*rounds)
}

func TestIntegration_Postgres_ConcurrentClaimsShareOneKey(t *testing.T) {
	f := newFixtureOn(t, storetest.Postgres(t), config.DefaultPolicy())
	p := f.payout(250)
	token, _, err := f.core.Tokens.Issue("acme", p.Reference, 250, 0, "shared-key")
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		start    = make(chan struct{})
		created  int
		refs     = map[string]bool{}
		inFlight int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := f.core.Claims.Claim(f.ctx, token, "claimer", "")
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, domain.ErrIdempotencyInFlight) {
				inFlight++
				return
			}
			if !assert.NoError(t, err) {
				return
			}
			if !res.Replayed {
				created++
			}
			refs[res.Payin.Reference] = true
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, refs, 1)
	assert.Less(t, inFlight, 16)

	n, err := f.store.CountPayerPayins(f.ctx, "acme", "claimer")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	got := f.reload(p)
	assert.EqualValues(t, 0, got.RemainingBalance)
	assert.Equal(t, 1, got.SplitCount)

	res, err := f.core.Claims.Claim(f.ctx, token, "claimer", "")
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.True(t, refs[res.Payin.Reference])
}
