package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/punchamoorthee/payflow/internal/broker"
	"github.com/punchamoorthee/payflow/internal/callback"
	"github.com/punchamoorthee/payflow/internal/config"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/metrics"
	"github.com/punchamoorthee/payflow/internal/store"
	"github.com/punchamoorthee/payflow/internal/telemetry"
)

// Settlement drives batches through PENDING -> SYS_CONFIRMED -> CUSTOMER_CONFIRMED,
// or PENDING -> EXPIRED. Funds settle only on beneficiary confirmation.
type Settlement struct {
	store  *store.Store
	ledger *Ledger
	policy config.Policy
	settings
}

func NewSettlement(s *store.Store, ledger *Ledger, policy config.Policy, opts ...Option) *Settlement {
	return &Settlement{store: s, ledger: ledger, policy: policy, settings: newSettings(opts)}
}

// Confirmation is the outcome of a beneficiary confirmation.
type Confirmation struct {
	Batch  *domain.Batch
	Payout *domain.PayoutRequest
	// Settled is true when this call moved the payout to approved.
	Settled bool
	// AlreadyApplied is true when the batch was confirmed by an earlier call.
	AlreadyApplied bool
}

// RecordEvidence moves a PENDING batch to SYS_CONFIRMED. No funds move.
func (s *Settlement) RecordEvidence(ctx context.Context, batchID int64, evidenceRef string) (*domain.Batch, error) {
	return s.markSysConfirmed(ctx, batchID, evidenceRef, false)
}

// AdminConfirm is the operator override into SYS_CONFIRMED.
func (s *Settlement) AdminConfirm(ctx context.Context, batchID int64, evidenceRef string) (*domain.Batch, error) {
	return s.markSysConfirmed(ctx, batchID, evidenceRef, true)
}

func (s *Settlement) markSysConfirmed(ctx context.Context, batchID int64, evidenceRef string, admin bool) (*domain.Batch, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "batch.sys_confirm")
	defer span.End()
	span.SetAttributes(attribute.Int64("batch.id", batchID), attribute.Bool("admin", admin))

	rows, err := s.store.MarkSysConfirmed(ctx, batchID, evidenceRef, admin, s.now())
	if err != nil {
		return nil, err
	}
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, &domain.TransitionError{BatchID: batchID, From: b.State, To: domain.BatchSysConfirmed}
	}

	metrics.BatchTransitions.WithLabelValues(string(domain.BatchSysConfirmed)).Inc()
	s.log.Info("batch evidence recorded",
		zap.Int64("batch_id", batchID),
		zap.String("evidence_ref", evidenceRef),
		zap.Bool("admin", admin))
	s.publish(ctx, s.batchEvent(ctx, broker.BatchEvidence, b))
	return b, nil
}

// ConfirmByBeneficiary moves a SYS_CONFIRMED batch to CUSTOMER_CONFIRMED, approves
// its payin, and approves the payout once the confirmed batches cover its total.
// Repeating it on a confirmed batch returns the current result and enqueues nothing.
func (s *Settlement) ConfirmByBeneficiary(ctx context.Context, batchID int64) (*Confirmation, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "batch.customer_confirm")
	defer span.End()
	span.SetAttributes(attribute.Int64("batch.id", batchID))

	var (
		out    Confirmation
		payin  *domain.PayinRequest
		events []broker.Event
	)
	err := s.store.Transaction(ctx, func(tx *store.Store) error {
		now := s.now()
		rows, err := tx.MarkCustomerConfirmed(ctx, batchID, now)
		if err != nil {
			return err
		}
		b, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		out.Batch = b
		if rows == 0 {
			if b.State != domain.BatchCustomerConfirmed {
				return &domain.TransitionError{BatchID: batchID, From: b.State, To: domain.BatchCustomerConfirmed}
			}
			out.AlreadyApplied = true
			out.Payout, err = tx.GetPayout(ctx, b.PayoutID)
			return err
		}

		// The paid-total write locks the payout row, so a concurrent confirmation
		// of a sibling batch reads the sum below only after this one commits.
		if err := s.ledger.WithTx(tx).RecordSettlement(ctx, b.PayoutID, b.Amount); err != nil {
			return err
		}
		payout, err := tx.GetPayout(ctx, b.PayoutID)
		if err != nil {
			return err
		}
		out.Payout = payout

		if b.PayinID != nil {
			approved, err := tx.ApprovePayin(ctx, *b.PayinID, now)
			if err != nil {
				return err
			}
			if payin, err = tx.GetPayin(ctx, *b.PayinID); err != nil {
				return err
			}
			if approved == 1 {
				if err := enqueue(ctx, tx, payin.CallbackURL, callback.PayinApproved(payin, payout.Reference, now)); err != nil {
					return err
				}
				events = append(events, broker.Event{Kind: broker.PayinApproved, PayoutRef: payout.Reference, PayinRef: payin.Reference, Amount: payin.Amount})
			}
		}
		events = append(events, broker.Event{Kind: broker.BatchConfirmed, PayoutRef: payout.Reference, BatchRef: b.Reference, Amount: b.Amount})

		settled, err := tx.SumConfirmedAmount(ctx, payout.ID)
		if err != nil {
			return err
		}
		if settled+s.policy.BalanceEpsilon < payout.TotalAmount {
			return nil
		}
		approved, err := tx.ApprovePayout(ctx, payout.ID, b.EvidenceRef, now)
		if err != nil {
			return err
		}
		if approved == 0 {
			return nil
		}
		payout.Status, payout.FinalEvidenceRef, payout.CompletedAt = domain.PayoutApproved, b.EvidenceRef, &now
		out.Settled = true
		if err := enqueue(ctx, tx, payout.CallbackURL, callback.PayoutApproved(payout, b.EvidenceRef, now)); err != nil {
			return err
		}
		events = append(events, broker.Event{Kind: broker.PayoutApproved, PayoutRef: payout.Reference, Amount: payout.TotalAmount, EvidenceRef: b.EvidenceRef})
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if !out.AlreadyApplied {
		metrics.BatchTransitions.WithLabelValues(string(domain.BatchCustomerConfirmed)).Inc()
	}
	if out.Settled {
		metrics.PayoutsSettled.Inc()
		s.log.Info("payout settled",
			zap.String("payout_ref", out.Payout.Reference),
			zap.Int64("total", out.Payout.TotalAmount))
	}
	s.publish(ctx, events...)
	return &out, nil
}

// Expire moves a PENDING batch to EXPIRED once the payin timeout has passed and no
// matching evidence exists. Evidence found at this point promotes the batch to
// SYS_CONFIRMED instead; the returned batch shows which happened.
func (s *Settlement) Expire(ctx context.Context, batchID int64) (*domain.Batch, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "batch.expire")
	defer span.End()
	span.SetAttributes(attribute.Int64("batch.id", batchID))

	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.State != domain.BatchPending {
		return nil, &domain.TransitionError{BatchID: batchID, From: b.State, To: domain.BatchExpired}
	}
	if deadline := b.CreatedAt.Add(s.policy.PayinTimeout); s.now().Before(deadline) {
		return nil, fmt.Errorf("batch %d: payin window open until %s: %w", batchID, deadline.Format("15:04:05"), domain.ErrInvalidState)
	}

	if b.PayinID != nil {
		ev, err := s.store.LatestEvidence(ctx, *b.PayinID, b.Amount)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			s.log.Info("late evidence found, promoting instead of expiring",
				zap.Int64("batch_id", batchID),
				zap.String("evidence_ref", ev.EvidenceRef))
			return s.RecordEvidence(ctx, batchID, ev.EvidenceRef)
		}
	}

	err = s.store.Transaction(ctx, func(tx *store.Store) error {
		return s.expireIn(ctx, tx, b)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, s.batchEvent(ctx, broker.BatchExpired, b))
	return b, nil
}

// expireIn applies PENDING -> EXPIRED to b inside tx, returning its amount to the
// payout and expiring its payin.
func (s *Settlement) expireIn(ctx context.Context, tx *store.Store, b *domain.Batch) error {
	now := s.now()
	rows, err := tx.MarkExpired(ctx, b.ID, now)
	if err != nil {
		return err
	}
	if rows == 0 {
		cur, err := tx.GetBatch(ctx, b.ID)
		if err != nil {
			return err
		}
		return &domain.TransitionError{BatchID: b.ID, From: cur.State, To: domain.BatchExpired}
	}
	if err := s.ledger.WithTx(tx).Release(ctx, b.PayoutID, b.Amount); err != nil {
		return err
	}
	if b.PayinID != nil {
		if _, err := tx.ExpirePayin(ctx, *b.PayinID, now); err != nil {
			return err
		}
	}
	b.State, b.ExpiredAt, b.UpdatedAt = domain.BatchExpired, &now, now
	metrics.BatchTransitions.WithLabelValues(string(domain.BatchExpired)).Inc()
	return nil
}

// SubmitEvidence stores externally extracted evidence for a payin and, when it
// matches the payin's open batch, records it on that batch.
func (s *Settlement) SubmitEvidence(ctx context.Context, payinRef string, amount int64, evidenceRef string, source domain.EvidenceSource) (*domain.Batch, error) {
	payin, err := s.store.GetPayinByRef(ctx, payinRef)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateEvidence(ctx, &domain.PaymentEvidence{
		PayinID:     payin.ID,
		Amount:      amount,
		EvidenceRef: evidenceRef,
		Source:      source,
		CreatedAt:   s.now(),
	}); err != nil {
		return nil, err
	}

	b, err := s.store.OpenBatchForPayin(ctx, payin.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("payin %s has no open batch: %w", payinRef, domain.ErrInvalidState)
	}
	if err != nil {
		return nil, err
	}
	if b.Amount != amount {
		return nil, fmt.Errorf("evidence for %d against batch of %d: %w", amount, b.Amount, domain.ErrAmountMismatch)
	}
	if b.State == domain.BatchSysConfirmed {
		return b, nil
	}
	return s.RecordEvidence(ctx, b.ID, evidenceRef)
}

func (s *Settlement) batchEvent(ctx context.Context, kind broker.Kind, b *domain.Batch) broker.Event {
	ev := broker.Event{Kind: kind, BatchRef: b.Reference, Amount: b.Amount, EvidenceRef: b.EvidenceRef}
	if p, err := s.store.GetPayout(ctx, b.PayoutID); err == nil {
		ev.PayoutRef = p.Reference
	}
	return ev
}

// enqueue writes a callback into the outbox inside the caller's transaction. The
// event key makes a second enqueue of the same transition a no-op.
func enqueue(ctx context.Context, tx *store.Store, url string, n callback.Notification) error {
	if url == "" {
		return nil
	}
	msg, err := callback.NewMessage(url, n)
	if err != nil {
		return err
	}
	_, err = tx.EnqueueCallback(ctx, msg)
	return err
}
