package service

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/payflow/internal/broker"
	"github.com/punchamoorthee/payflow/internal/callback"
	"github.com/punchamoorthee/payflow/internal/config"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/metrics"
	"github.com/punchamoorthee/payflow/internal/store"
	"github.com/punchamoorthee/payflow/internal/telemetry"
)

const sweepPage = 200

// Locker is a cross-process lease around a sweep run.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// SweepReport counts what one run did.
type SweepReport struct {
	ExpiredPayouts  int           `json:"expired_payouts"`
	ExpiredBatches  int           `json:"expired_batches"`
	PromotedBatches int           `json:"promoted_batches"`
	Reassigned      int           `json:"reassigned"`
	Unmatched       int           `json:"unmatched"`
	Failed          int           `json:"failed"`
	Duration        time.Duration `json:"duration"`
}

// Scheduler runs the payout expiry, batch timeout and reassignment sweeps.
type Scheduler struct {
	store      *store.Store
	settlement *Settlement
	matcher    *Matcher
	policy     config.Policy
	running    atomic.Bool
	settings
}

func NewScheduler(s *store.Store, settlement *Settlement, matcher *Matcher, policy config.Policy, opts ...Option) *Scheduler {
	return &Scheduler{store: s, settlement: settlement, matcher: matcher, policy: policy, settings: newSettings(opts)}
}

// Start runs a sweep every SweepInterval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.policy.SweepInterval)
	defer ticker.Stop()
	s.log.Info("sweep scheduler started", zap.Duration("interval", s.policy.SweepInterval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := s.RunOnce(ctx)
			switch {
			case errors.Is(err, domain.ErrSweepInProgress):
				s.log.Debug("sweep skipped, previous run still active")
			case err != nil:
				s.log.Warn("sweep failed", zap.Error(err))
			default:
				s.log.Info("sweep finished",
					zap.Int("expired_payouts", report.ExpiredPayouts),
					zap.Int("expired_batches", report.ExpiredBatches),
					zap.Int("promoted_batches", report.PromotedBatches),
					zap.Int("reassigned", report.Reassigned),
					zap.Int("failed", report.Failed),
					zap.Duration("took", report.Duration))
			}
		}
	}
}

// RunOnce performs all three sweeps. Overlapping calls return domain.ErrSweepInProgress.
func (s *Scheduler) RunOnce(ctx context.Context) (*SweepReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, domain.ErrSweepInProgress
	}
	defer s.running.Store(false)

	if s.locker != nil {
		ok, err := s.locker.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.ErrSweepInProgress
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("release sweep lease", zap.Error(err))
			}
		}()
	}

	ctx, span := telemetry.Tracer().Start(ctx, "sweep.run")
	defer span.End()

	start := time.Now()
	report := &SweepReport{}
	if err := s.expirePayouts(ctx, report); err != nil {
		return nil, err
	}
	if err := s.timeoutBatches(ctx, report); err != nil {
		return nil, err
	}
	if err := s.reassign(ctx, report); err != nil {
		return nil, err
	}
	report.Duration = time.Since(start)
	metrics.SweepDuration.Observe(report.Duration.Seconds())
	return report, nil
}

func (s *Scheduler) expirePayouts(ctx context.Context, report *SweepReport) error {
	payouts, err := s.store.ListExpiredPayouts(ctx, s.now(), sweepPage)
	if err != nil {
		return err
	}
	for i := range payouts {
		p := &payouts[i]
		var events []broker.Event
		err := s.store.Transaction(ctx, func(tx *store.Store) error {
			now := s.now()
			rows, err := tx.ExpirePayout(ctx, p.ID, now)
			if err != nil || rows == 0 {
				return err
			}
			events = append(events[:0], broker.Event{Kind: broker.PayoutExpired, PayoutRef: p.Reference, Amount: p.TotalAmount})

			pending, err := tx.ListPendingForPayout(ctx, p.ID)
			if err != nil {
				return err
			}
			for j := range pending {
				b := &pending[j]
				if err := s.settlement.expireIn(ctx, tx, b); err != nil {
					return err
				}
				events = append(events, broker.Event{Kind: broker.BatchExpired, PayoutRef: p.Reference, BatchRef: b.Reference, Amount: b.Amount})
			}
			p.Status = domain.PayoutExpired
			return enqueue(ctx, tx, p.CallbackURL, callback.PayoutExpired(p, now))
		})
		if err != nil {
			report.Failed++
			metrics.SweepItems.WithLabelValues("payout_expiry", "failed").Inc()
			s.log.Warn("payout expiry failed", zap.Int64("payout_id", p.ID), zap.Error(err))
			continue
		}
		if len(events) == 0 {
			continue
		}
		report.ExpiredPayouts++
		report.ExpiredBatches += len(events) - 1
		metrics.SweepItems.WithLabelValues("payout_expiry", "expired").Inc()
		s.publish(ctx, events...)
	}
	return nil
}

func (s *Scheduler) timeoutBatches(ctx context.Context, report *SweepReport) error {
	stale, err := s.store.ListStalePending(ctx, s.now().Add(-s.policy.PayinTimeout), sweepPage)
	if err != nil {
		return err
	}
	for i := range stale {
		b, err := s.settlement.Expire(ctx, stale[i].ID)
		if err != nil {
			report.Failed++
			metrics.SweepItems.WithLabelValues("batch_timeout", "failed").Inc()
			s.log.Warn("batch timeout failed", zap.Int64("batch_id", stale[i].ID), zap.Error(err))
			continue
		}
		if b.State == domain.BatchSysConfirmed {
			report.PromotedBatches++
			metrics.SweepItems.WithLabelValues("batch_timeout", "promoted").Inc()
			continue
		}
		report.ExpiredBatches++
		metrics.SweepItems.WithLabelValues("batch_timeout", "expired").Inc()
	}
	return nil
}

func (s *Scheduler) reassign(ctx context.Context, report *SweepReport) error {
	expired, err := s.store.ListReassignable(ctx, s.now().Add(-s.policy.ReassignmentMaxAge), sweepPage)
	if err != nil {
		return err
	}
	for i := range expired {
		old := &expired[i]
		a, err := s.reassignOne(ctx, old)
		switch {
		case errors.Is(err, domain.ErrNoMatch):
			report.Unmatched++
			metrics.SweepItems.WithLabelValues("reassignment", "unmatched").Inc()
		case err != nil:
			report.Failed++
			metrics.SweepItems.WithLabelValues("reassignment", "failed").Inc()
			s.log.Warn("reassignment failed", zap.Int64("batch_id", old.ID), zap.Error(err))
		default:
			report.Reassigned++
			metrics.SweepItems.WithLabelValues("reassignment", "reassigned").Inc()
			s.log.Info("batch reassigned",
				zap.Int64("from_batch_id", old.ID),
				zap.Int64("to_batch_id", a.Batch.ID),
				zap.String("payout_ref", a.Payout.Reference))
			s.publish(ctx, broker.Event{
				Kind:      broker.BatchReassigned,
				PayoutRef: a.Payout.Reference,
				PayinRef:  a.Payin.Reference,
				BatchRef:  a.Batch.Reference,
				Amount:    a.Batch.Amount,
			})
		}
	}
	return nil
}

// reassignOne re-homes the payin of an expired batch onto a different payout. The
// new payin links back to the old one, and the old batch is flagged in the same
// transaction so no later sweep processes it again.
func (s *Scheduler) reassignOne(ctx context.Context, old *domain.Batch) (*Assignment, error) {
	payin, err := s.store.GetPayin(ctx, *old.PayinID)
	if err != nil {
		return nil, err
	}
	intent := PayinIntent{
		Vendor:           payin.Vendor,
		PayerHandle:      payin.PayerHandle,
		Amount:           old.Amount,
		CallbackURL:      payin.CallbackURL,
		ReassignedFromID: &payin.ID,
	}
	exclude := map[int64]bool{old.PayoutID: true}
	return s.matcher.place(ctx, intent, exclude, func(tx *store.Store, a *Assignment) error {
		rows, err := tx.MarkReassigned(ctx, old.ID, a.Batch.ID, s.now())
		if err != nil {
			return err
		}
		if rows == 0 {
			return domain.ErrConcurrentModification
		}
		return nil
	})
}
