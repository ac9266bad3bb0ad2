package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/punchamoorthee/payflow/internal/config"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/metrics"
	"github.com/punchamoorthee/payflow/internal/store"
	"github.com/punchamoorthee/payflow/internal/telemetry"
)

// Ledger is the only writer of payout balances. Every mutation is one conditional
// UPDATE whose affected-row count decides success.
type Ledger struct {
	store  *store.Store
	policy config.Policy
	settings
}

func NewLedger(s *store.Store, policy config.Policy, opts ...Option) *Ledger {
	return &Ledger{store: s, policy: policy, settings: newSettings(opts)}
}

// WithTx returns a copy of the ledger writing through tx.
func (l *Ledger) WithTx(tx *store.Store) *Ledger {
	c := *l
	c.store = tx
	return &c
}

// Allocate moves amount from the payout's remaining balance into a new split and
// returns the balance left. A write that does not apply yields an
// *domain.AllocationRejectedError classified from the row as it is now.
func (l *Ledger) Allocate(ctx context.Context, payoutID, amount int64) (int64, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "ledger.allocate")
	defer span.End()
	span.SetAttributes(attribute.Int64("payout.id", payoutID), attribute.Int64("amount", amount))

	if amount <= 0 {
		return 0, l.reject(payoutID, amount, domain.RejectInvalidAmount)
	}

	rows, err := l.store.AllocatePayout(ctx, payoutID, amount, l.policy.SplitHardCap, l.now())
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	// Re-read only to classify a rejection or report the new balance.
	p, err := l.store.GetPayout(ctx, payoutID)
	if rows == 0 {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, l.reject(payoutID, amount, domain.RejectNotFound)
		}
		if err != nil {
			return 0, err
		}
		return 0, l.reject(payoutID, amount, classify(p, amount, l.policy.SplitHardCap))
	}
	if err != nil {
		return 0, err
	}

	metrics.AllocationsTotal.WithLabelValues("allocated").Inc()
	l.log.Debug("allocated",
		zap.Int64("payout_id", payoutID),
		zap.Int64("amount", amount),
		zap.Int64("remaining", p.RemainingBalance),
		zap.Int("split_count", p.SplitCount))
	return p.RemainingBalance, nil
}

func classify(p *domain.PayoutRequest, amount int64, hardCap int) domain.RejectReason {
	switch {
	case p.Status != domain.PayoutUnassigned:
		return domain.RejectInvalidState
	case p.SplitCount >= hardCap:
		return domain.RejectMaxSplits
	case p.RemainingBalance < amount:
		return domain.RejectInsufficientBalance
	default:
		// The row satisfies the guard now, so it changed between write and read.
		return domain.RejectConcurrent
	}
}

func (l *Ledger) reject(payoutID, amount int64, reason domain.RejectReason) error {
	metrics.AllocationsTotal.WithLabelValues(string(reason)).Inc()
	l.log.Info("allocation rejected",
		zap.Int64("payout_id", payoutID),
		zap.Int64("amount", amount),
		zap.String("reason", string(reason)))
	return &domain.AllocationRejectedError{PayoutID: payoutID, Amount: amount, Reason: reason}
}

// Release returns an expired batch's amount to its payout.
func (l *Ledger) Release(ctx context.Context, payoutID, amount int64) error {
	rows, err := l.store.ReleasePayout(ctx, payoutID, amount, l.now())
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("release %d on payout %d exceeds its unpaid total: %w", amount, payoutID, domain.ErrInvalidState)
	}
	return nil
}

// RecordSettlement adds a beneficiary-confirmed amount to the payout's paid total.
// The row write also serialises concurrent confirmations of the same payout.
func (l *Ledger) RecordSettlement(ctx context.Context, payoutID, amount int64) error {
	rows, err := l.store.AddPaidTotal(ctx, payoutID, amount, l.now())
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("settle %d on payout %d exceeds its total: %w", amount, payoutID, domain.ErrInvalidState)
	}
	return nil
}

// OpenBatch writes the payin (when new) and a PENDING batch, then allocates against
// the payout. It must run inside a transaction: on rejection the caller's rollback
// removes the payin and batch rows written here.
func (l *Ledger) OpenBatch(ctx context.Context, payout *domain.PayoutRequest, payin *domain.PayinRequest) (*domain.Batch, int64, error) {
	now := l.now()
	if payin.ID == 0 {
		if payin.Reference == "" {
			payin.Reference = uuid.NewString()
		}
		payin.Status = domain.PayinPending
		if payin.ExpiresAt.IsZero() {
			payin.ExpiresAt = now.Add(l.policy.PayinTimeout)
		}
		payin.CreatedAt, payin.UpdatedAt = now, now
		if err := l.store.CreatePayin(ctx, payin); err != nil {
			return nil, 0, err
		}
	}

	batch := &domain.Batch{
		Reference: uuid.NewString(),
		PayoutID:  payout.ID,
		PayinID:   &payin.ID,
		Amount:    payin.Amount,
		Vendor:    payout.Vendor,
		State:     domain.BatchPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.CreateBatch(ctx, batch); err != nil {
		return nil, 0, err
	}

	remaining, err := l.Allocate(ctx, payout.ID, payin.Amount)
	if err != nil {
		return nil, 0, err
	}
	return batch, remaining, nil
}
