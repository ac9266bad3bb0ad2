package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/payflow/internal/broker"
	"github.com/punchamoorthee/payflow/internal/config"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/store"
	"github.com/punchamoorthee/payflow/internal/store/storetest"
)

const testKey = "0123456789abcdef0123456789abcdef"

var t0 = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []broker.Event
}

func (r *recorder) Publish(_ context.Context, ev broker.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count(kind broker.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type presenceFunc func(ref string) (bool, error)

func (f presenceFunc) IsOnline(_ context.Context, ref string) (bool, error) { return f(ref) }

type fixedUsage int64

func (u fixedUsage) Index(context.Context, string) (int64, error) { return int64(u), nil }

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *store.Store
	policy config.Policy
	core   *Core
	events *recorder

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	return newFixtureWithPolicy(t, config.DefaultPolicy(), opts...)
}

func newFixtureWithPolicy(t *testing.T, policy config.Policy, opts ...Option) *fixture {
	return newFixtureOn(t, storetest.New(t), policy, opts...)
}

func newFixtureOn(t *testing.T, s *store.Store, policy config.Policy, opts ...Option) *fixture {
	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		store:  s,
		policy: policy,
		events: &recorder{},
		now:    t0,
	}
	all := append([]Option{WithClock(f.clock), WithPublisher(f.events)}, opts...)
	f.core = New(f.store, policy, testKey, all...)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) payout(amount int64) *domain.PayoutRequest {
	f.t.Helper()
	now := f.clock()
	p := &domain.PayoutRequest{
		Reference:         uuid.NewString(),
		Vendor:            "acme",
		TotalAmount:       amount,
		RemainingBalance:  amount,
		Status:            domain.PayoutUnassigned,
		BeneficiaryHandle: "bene-" + uuid.NewString()[:8],
		CallbackURL:       "http://vendor.test/callbacks",
		ExpiresAt:         now.Add(24 * time.Hour),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(f.t, f.store.CreatePayout(f.ctx, p))
	return p
}

func (f *fixture) reload(p *domain.PayoutRequest) *domain.PayoutRequest {
	f.t.Helper()
	got, err := f.store.GetPayout(f.ctx, p.ID)
	require.NoError(f.t, err)
	return got
}

func (f *fixture) batch(id int64) *domain.Batch {
	f.t.Helper()
	b, err := f.store.GetBatch(f.ctx, id)
	require.NoError(f.t, err)
	return b
}

func (f *fixture) assign(payer string, amount int64) *Assignment {
	f.t.Helper()
	a, err := f.core.Matcher.Assign(f.ctx, PayinIntent{
		Vendor:      "acme",
		PayerHandle: payer,
		Amount:      amount,
		CallbackURL: "http://vendor.test/payins",
	})
	require.NoError(f.t, err)
	return a
}

// confirmed walks a fresh assignment through evidence to beneficiary confirmation.
func (f *fixture) confirmed(a *Assignment) *Confirmation {
	f.t.Helper()
	_, err := f.core.Settlement.RecordEvidence(f.ctx, a.Batch.ID, "ev-"+a.Batch.Reference[:8])
	require.NoError(f.t, err)
	c, err := f.core.Settlement.ConfirmByBeneficiary(f.ctx, a.Batch.ID)
	require.NoError(f.t, err)
	return c
}

func (f *fixture) callbacks(prefix string) []domain.CallbackMessage {
	f.t.Helper()
	all, err := f.store.ListCallbacks(f.ctx)
	require.NoError(f.t, err)
	var out []domain.CallbackMessage
	for _, m := range all {
		if strings.HasPrefix(m.EventKey, prefix) {
			out = append(out, m)
		}
	}
	return out
}
