package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/punchamoorthee/payflow/internal/broker"
	"github.com/punchamoorthee/payflow/internal/config"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/metrics"
	"github.com/punchamoorthee/payflow/internal/store"
	"github.com/punchamoorthee/payflow/internal/telemetry"
)

const candidatePage = 50

// UsageIndex measures how busy a vendor currently is.
type UsageIndex interface {
	Index(ctx context.Context, vendor string) (int64, error)
}

// ConfirmedVolume counts the vendor's beneficiary-confirmed batches in a trailing window.
type ConfirmedVolume struct {
	store  *store.Store
	window time.Duration
	clock  func() time.Time
}

func NewConfirmedVolume(s *store.Store, window time.Duration, clock func() time.Time) *ConfirmedVolume {
	if clock == nil {
		clock = time.Now
	}
	return &ConfirmedVolume{store: s, window: window, clock: clock}
}

func (c *ConfirmedVolume) Index(ctx context.Context, vendor string) (int64, error) {
	return c.store.CountConfirmedSince(ctx, vendor, c.clock().UTC().Add(-c.window))
}

// PayinIntent describes a deposit looking for a payout.
type PayinIntent struct {
	Reference        string
	Vendor           string
	PayerHandle      string
	Amount           int64
	CallbackURL      string
	ReassignedFromID *int64
}

// Assignment is a committed match.
type Assignment struct {
	Payin     *domain.PayinRequest
	Batch     *domain.Batch
	Payout    *domain.PayoutRequest
	Remaining int64
}

// Matcher pairs deposits with open payouts.
type Matcher struct {
	store  *store.Store
	ledger *Ledger
	policy config.Policy
	settings
}

func NewMatcher(s *store.Store, ledger *Ledger, policy config.Policy, opts ...Option) *Matcher {
	m := &Matcher{store: s, ledger: ledger, policy: policy, settings: newSettings(opts)}
	if m.usage == nil {
		m.usage = NewConfirmedVolume(s, policy.UsageWindow, m.clock)
	}
	return m
}

// FindMatch selects a payout for the deposit without writing anything. Selection
// may race with other selections; the allocation decides. Returns domain.ErrNoMatch
// when no candidate survives.
func (m *Matcher) FindMatch(ctx context.Context, amount int64, vendor, payer string) (*domain.PayoutRequest, error) {
	return m.findMatch(ctx, amount, vendor, payer, nil)
}

func (m *Matcher) findMatch(ctx context.Context, amount int64, vendor, payer string, exclude map[int64]bool) (*domain.PayoutRequest, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "matching.find")
	defer span.End()
	span.SetAttributes(attribute.String("vendor", vendor), attribute.Int64("amount", amount))

	timer := prometheus.NewTimer(metrics.MatchLatency)
	defer timer.ObserveDuration()

	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	paired, err := m.store.PairedPayoutIDs(ctx, vendor, payer)
	if err != nil {
		return nil, err
	}
	for id := range exclude {
		paired = append(paired, id)
	}

	f := &filter{m: m, vendor: vendor, payer: payer, skip: make(map[int64]bool)}
	now := m.now()

	exact, err := m.scan(ctx, f, store.CandidateQuery{
		Vendor:  vendor,
		Since:   now.Add(-m.policy.ExactWindow),
		Exact:   true,
		Amount:  amount,
		HardCap: m.policy.SplitHardCap,
		Exclude: paired,
	})
	if err != nil {
		return nil, err
	}
	if exact != nil {
		metrics.MatchAttempts.WithLabelValues("exact").Inc()
		return exact, nil
	}

	for _, window := range m.policy.FlexibleWindows {
		p, err := m.scan(ctx, f, store.CandidateQuery{
			Vendor:  vendor,
			Since:   now.Add(-window),
			Amount:  amount,
			HardCap: m.policy.SplitHardCap,
			Exclude: paired,
		})
		if err != nil {
			return nil, err
		}
		if p != nil {
			metrics.MatchAttempts.WithLabelValues("flexible").Inc()
			return p, nil
		}
	}

	metrics.MatchAttempts.WithLabelValues("none").Inc()
	return nil, domain.ErrNoMatch
}

// scan pages through one phase's candidates in ranking order and returns the first
// that survives the filter, or nil once the phase is exhausted.
func (m *Matcher) scan(ctx context.Context, f *filter, q store.CandidateQuery) (*domain.PayoutRequest, error) {
	q.Limit = candidatePage
	for {
		page, err := m.store.ListCandidates(ctx, q)
		if err != nil {
			return nil, err
		}
		for i := range page {
			if f.accept(ctx, &page[i], !q.Exact) {
				return &page[i], nil
			}
		}
		if len(page) < q.Limit {
			return nil, nil
		}
		q.After = &page[len(page)-1]
	}
}

// filter applies the per-candidate rules of one findMatch call. Each payout is
// judged once, and the payer/vendor lookups are made at most once.
type filter struct {
	m      *Matcher
	vendor string
	payer  string
	skip   map[int64]bool

	newPayer *bool
	usage    *int64
}

func (f *filter) accept(ctx context.Context, p *domain.PayoutRequest, flexible bool) bool {
	if f.skip[p.ID] {
		return false
	}
	f.skip[p.ID] = true

	if flexible && p.SplitCount >= f.m.policy.SplitSoftThreshold && f.reserveForNewPayer(ctx) {
		f.m.log.Debug("candidate reserved", zap.Int64("payout_id", p.ID), zap.Int("split_count", p.SplitCount))
		return false
	}
	return f.m.live(ctx, p)
}

// reserveForNewPayer reports whether a nearly full payout must be kept away from
// this payer because the payer is new and the vendor is above its usage threshold.
func (f *filter) reserveForNewPayer(ctx context.Context) bool {
	if f.newPayer == nil {
		n, err := f.m.store.CountPayerPayins(ctx, f.vendor, f.payer)
		if err != nil {
			f.m.log.Warn("payer history lookup failed", zap.Error(err))
			n = 1
		}
		isNew := n == 0
		f.newPayer = &isNew
	}
	if !*f.newPayer {
		return false
	}
	if f.usage == nil {
		idx, err := f.m.usage.Index(ctx, f.vendor)
		if err != nil {
			f.m.log.Warn("usage index lookup failed", zap.String("vendor", f.vendor), zap.Error(err))
			idx = 0
		}
		f.usage = &idx
	}
	return *f.usage > int64(f.m.policy.UsageIndexThreshold)
}

// live is the liveness gate. Presence errors fail open.
func (m *Matcher) live(ctx context.Context, p *domain.PayoutRequest) bool {
	if !m.policy.LivenessGate || m.presence == nil {
		return true
	}
	online, err := m.presence.IsOnline(ctx, p.Reference)
	if err != nil {
		m.log.Warn("presence lookup failed", zap.String("payout_ref", p.Reference), zap.Error(err))
		return true
	}
	return online
}

// Assign matches a new deposit and commits it: payin, PENDING batch and allocation
// in one transaction. A lost allocation rolls that transaction back and the next
// surviving candidate is tried, up to MaxMatchAttempts.
func (m *Matcher) Assign(ctx context.Context, in PayinIntent) (*Assignment, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "matching.assign")
	defer span.End()
	return m.place(ctx, in, nil, nil)
}

func (m *Matcher) place(ctx context.Context, in PayinIntent, exclude map[int64]bool, within func(tx *store.Store, a *Assignment) error) (*Assignment, error) {
	if in.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if exclude == nil {
		exclude = make(map[int64]bool)
	}

	var lastErr error
	for attempt := 0; attempt < m.policy.MaxMatchAttempts; attempt++ {
		payout, err := m.findMatch(ctx, in.Amount, in.Vendor, in.PayerHandle, exclude)
		if err != nil {
			if errors.Is(err, domain.ErrNoMatch) && lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		var a *Assignment
		err = m.store.Transaction(ctx, func(tx *store.Store) error {
			payin := &domain.PayinRequest{
				Reference:        in.Reference,
				Vendor:           in.Vendor,
				PayerHandle:      in.PayerHandle,
				Amount:           in.Amount,
				CallbackURL:      in.CallbackURL,
				ReassignedFromID: in.ReassignedFromID,
			}
			batch, remaining, err := m.ledger.WithTx(tx).OpenBatch(ctx, payout, payin)
			if err != nil {
				return err
			}
			a = &Assignment{Payin: payin, Batch: batch, Payout: payout, Remaining: remaining}
			if within != nil {
				return within(tx, a)
			}
			return nil
		})

		var rejected *domain.AllocationRejectedError
		if errors.As(err, &rejected) {
			m.log.Info("candidate lost, trying next",
				zap.Int64("payout_id", payout.ID),
				zap.Int("attempt", attempt+1),
				zap.String("reason", string(rejected.Reason)))
			exclude[payout.ID] = true
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}

		a.Payout.RemainingBalance = a.Remaining
		a.Payout.SplitCount++
		if a.Remaining == 0 {
			a.Payout.Status = domain.PayoutPending
		}
		m.publish(ctx, broker.Event{
			Kind:      broker.BatchMatched,
			PayoutRef: payout.Reference,
			PayinRef:  a.Payin.Reference,
			BatchRef:  a.Batch.Reference,
			Amount:    a.Batch.Amount,
		})
		m.log.Info("payin matched",
			zap.String("payin_ref", a.Payin.Reference),
			zap.String("payout_ref", payout.Reference),
			zap.Int64("amount", in.Amount),
			zap.Int64("remaining", a.Remaining))
		return a, nil
	}
	return nil, fmt.Errorf("no candidate accepted the allocation after %d attempts: %w", m.policy.MaxMatchAttempts, lastErr)
}
