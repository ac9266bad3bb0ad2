package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/payflow/internal/broker"
)

// Option configures the settlement services.
type Option func(*settings)

type settings struct {
	clock    func() time.Time
	log      *zap.Logger
	events   broker.Publisher
	presence broker.Presence
	usage    UsageIndex
	locker   Locker
}

func newSettings(opts []Option) settings {
	s := settings{
		clock:  time.Now,
		log:    zap.NewNop(),
		events: broker.NopPublisher{},
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithClock replaces time.Now. Every persisted timestamp comes from this clock.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) { s.clock = clock }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.log = l
		}
	}
}

// WithPublisher sets where settlement events go after commit.
func WithPublisher(p broker.Publisher) Option {
	return func(s *settings) {
		if p != nil {
			s.events = p
		}
	}
}

// WithPresence enables the liveness gate lookups. Without it every beneficiary counts as present.
func WithPresence(p broker.Presence) Option {
	return func(s *settings) { s.presence = p }
}

// WithUsageIndex replaces the default confirmed-volume usage index.
func WithUsageIndex(u UsageIndex) Option {
	return func(s *settings) { s.usage = u }
}

// WithLocker makes the scheduler hold a shared lease for the duration of a run.
func WithLocker(l Locker) Option {
	return func(s *settings) { s.locker = l }
}

func (s settings) now() time.Time {
	return s.clock().UTC()
}

// publish is best-effort; a lost event never undoes a committed transition.
func (s settings) publish(ctx context.Context, evs ...broker.Event) {
	for _, ev := range evs {
		if ev.At.IsZero() {
			ev.At = s.now()
		}
		if err := s.events.Publish(ctx, ev); err != nil {
			s.log.Warn("publish event failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
		}
	}
}
