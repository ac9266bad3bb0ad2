package service

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/payflow/internal/broker"
	"github.com/punchamoorthee/payflow/internal/domain"
)

func TestRecordEvidenceDoesNotMoveFunds(t *testing.T) {
	f := newFixture(t)
	p := f.payout(100)
	a := f.assign("payer-1", 100)

	b, err := f.core.Settlement.RecordEvidence(f.ctx, a.Batch.ID, "utr-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchSysConfirmed, b.State)
	assert.Equal(t, "utr-1", b.EvidenceRef)
	assert.NotNil(t, b.SysConfirmedAt)
	assert.Nil(t, b.AdminConfirmedAt)

	got := f.reload(p)
	assert.EqualValues(t, 0, got.PaidTotal)
	assert.Equal(t, domain.PayoutPending, got.Status)
	assert.Equal(t, 1, f.events.count(broker.BatchEvidence))

	_, err = f.core.Settlement.RecordEvidence(f.ctx, a.Batch.ID, "utr-2")
	var terr *domain.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, domain.BatchSysConfirmed, terr.From)
}

func TestAdminConfirmIsAnAlternatePath(t *testing.T) {
	f := newFixture(t)
	f.payout(100)
	a := f.assign("payer-1", 100)

	b, err := f.core.Settlement.AdminConfirm(f.ctx, a.Batch.ID, "ops-override")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchSysConfirmed, b.State)
	assert.NotNil(t, b.AdminConfirmedAt)
	assert.Nil(t, b.SysConfirmedAt)

	c, err := f.core.Settlement.ConfirmByBeneficiary(f.ctx, a.Batch.ID)
	require.NoError(t, err)
	assert.True(t, c.Settled)
	assert.Equal(t, "ops-override", c.Payout.FinalEvidenceRef)
}

func TestSplitPayoutSettlesOnce(t *testing.T) {
	f := newFixture(t)
	p := f.payout(100)
	first := f.assign("payer-1", 60)
	second := f.assign("payer-2", 40)
	require.Equal(t, p.ID, first.Payout.ID)
	require.Equal(t, p.ID, second.Payout.ID)

	c1 := f.confirmed(first)
	assert.False(t, c1.Settled)
	assert.Equal(t, domain.PayoutPending, c1.Payout.Status)

	c2 := f.confirmed(second)
	assert.True(t, c2.Settled)
	assert.Equal(t, domain.PayoutApproved, c2.Payout.Status)

	again, err := f.core.Settlement.ConfirmByBeneficiary(f.ctx, second.Batch.ID)
	require.NoError(t, err)
	assert.True(t, again.AlreadyApplied)
	assert.False(t, again.Settled)
	assert.Equal(t, domain.PayoutApproved, again.Payout.Status)

	got := f.reload(p)
	assert.EqualValues(t, 100, got.PaidTotal)
	assert.NotNil(t, got.CompletedAt)
	assert.Len(t, f.callbacks("payout.approved:"), 1)
	assert.Len(t, f.callbacks("payin.approved:"), 2)
	assert.Equal(t, 1, f.events.count(broker.PayoutApproved))

	payin, err := f.store.GetPayin(f.ctx, first.Payin.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PayinApproved, payin.Status)
}

func TestConcurrentConfirmationsSettleExactlyOnce(t *testing.T) {
	f := newFixture(t)
	p := f.payout(100)
	first := f.assign("payer-1", 60)
	second := f.assign("payer-2", 40)
	for _, a := range []*Assignment{first, second} {
		_, err := f.core.Settlement.RecordEvidence(f.ctx, a.Batch.ID, "ev")
		require.NoError(t, err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		settled int
		applied int
	)
	for i := 0; i < 8; i++ {
		batchID := first.Batch.ID
		if i%2 == 1 {
			batchID = second.Batch.ID
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
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
	wg.Wait()

	assert.Equal(t, 1, settled)
	assert.Equal(t, 2, applied, "one effective transition per batch")
	assert.Len(t, f.callbacks("payout.approved:"), 1)
	assert.EqualValues(t, 100, f.reload(p).PaidTotal)
}

func TestConfirmRequiresEvidence(t *testing.T) {
	f := newFixture(t)
	f.payout(100)
	a := f.assign("payer-1", 100)

	_, err := f.core.Settlement.ConfirmByBeneficiary(f.ctx, a.Batch.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, domain.BatchPending, f.batch(a.Batch.ID).State)

	_, err = f.core.Settlement.ConfirmByBeneficiary(f.ctx, 424242)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExpireWaitsForPayinTimeout(t *testing.T) {
	f := newFixture(t)
	p := f.payout(100)
	a := f.assign("payer-1", 60)

	_, err := f.core.Settlement.Expire(f.ctx, a.Batch.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	f.advance(f.policy.PayinTimeout + time.Second)
	b, err := f.core.Settlement.Expire(f.ctx, a.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchExpired, b.State)

	got := f.reload(p)
	assert.EqualValues(t, 100, got.RemainingBalance)
	assert.Equal(t, 0, got.SplitCount)

	payin, err := f.store.GetPayin(f.ctx, a.Payin.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PayinExpired, payin.Status)

	_, err = f.core.Settlement.ConfirmByBeneficiary(f.ctx, a.Batch.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = f.core.Settlement.Expire(f.ctx, a.Batch.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestExpirePromotesWhenEvidenceArrived(t *testing.T) {
	f := newFixture(t)
	f.payout(100)
	a := f.assign("payer-1", 100)
	require.NoError(t, f.store.CreateEvidence(f.ctx, &domain.PaymentEvidence{
		PayinID: a.Payin.ID, Amount: 100, EvidenceRef: "sms-77", Source: domain.EvidenceSMS, CreatedAt: f.clock(),
	}))

	f.advance(time.Hour)
	b, err := f.core.Settlement.Expire(f.ctx, a.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchSysConfirmed, b.State)
	assert.Equal(t, "sms-77", b.EvidenceRef)
}

func TestConfirmedBatchNeverRegresses(t *testing.T) {
	f := newFixture(t)
	f.payout(100)
	a := f.assign("payer-1", 100)
	f.confirmed(a)

	f.advance(time.Hour)
	_, err := f.core.Settlement.Expire(f.ctx, a.Batch.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = f.core.Settlement.RecordEvidence(f.ctx, a.Batch.ID, "late")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	report, err := f.core.Scheduler.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.ExpiredBatches)
	assert.Equal(t, domain.BatchCustomerConfirmed, f.batch(a.Batch.ID).State)
}

func TestSubmitEvidence(t *testing.T) {
	f := newFixture(t)
	f.payout(100)
	a := f.assign("payer-1", 100)

	_, err := f.core.Settlement.SubmitEvidence(f.ctx, a.Payin.Reference, 90, "ocr-1", domain.EvidenceOCR)
	assert.ErrorIs(t, err, domain.ErrAmountMismatch)
	assert.Equal(t, domain.BatchPending, f.batch(a.Batch.ID).State)

	b, err := f.core.Settlement.SubmitEvidence(f.ctx, a.Payin.Reference, 100, "ocr-2", domain.EvidenceOCR)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchSysConfirmed, b.State)
	assert.Equal(t, "ocr-2", b.EvidenceRef)

	b, err = f.core.Settlement.SubmitEvidence(f.ctx, a.Payin.Reference, 100, "sms-3", domain.EvidenceSMS)
	require.NoError(t, err)
	assert.Equal(t, "ocr-2", b.EvidenceRef, "duplicate evidence keeps the first reference")

	_, err = f.core.Settlement.SubmitEvidence(f.ctx, "missing", 100, "x", domain.EvidenceSMS)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
