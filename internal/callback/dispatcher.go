package callback

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/metrics"
	"github.com/punchamoorthee/payflow/internal/store"
)

// Deliverer sends one outbox row.
type Deliverer interface {
	Send(ctx context.Context, msg domain.CallbackMessage) error
}

// Dispatcher drains the callback outbox with at-least-once delivery. Receivers
// dedupe on the Idempotency-Key header.
type Dispatcher struct {
	store       *store.Store
	sender      Deliverer
	maxAttempts int
	lease       time.Duration
	batchSize   int
	clock       func() time.Time
	log         *zap.Logger
}

func NewDispatcher(s *store.Store, sender Deliverer, maxAttempts int, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	return &Dispatcher{
		store:       s,
		sender:      sender,
		maxAttempts: maxAttempts,
		lease:       time.Minute,
		batchSize:   50,
		clock:       time.Now,
		log:         log,
	}
}

// SetClock replaces time.Now; used by tests.
func (d *Dispatcher) SetClock(clock func() time.Time) { d.clock = clock }

// Backoff is the delay before retry number attempt (1-based).
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 20 {
		return time.Hour
	}
	delay := 5 * time.Second << (attempt - 1)
	if delay > time.Hour {
		return time.Hour
	}
	return delay
}

// Result counts one dispatch pass.
type Result struct {
	Delivered int
	Retried   int
	Dead      int
}

// RunOnce leases due rows and attempts each once.
func (d *Dispatcher) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	now := d.clock().UTC()
	due, err := d.store.ClaimDueCallbacks(ctx, now, d.lease, d.batchSize)
	if err != nil {
		return res, err
	}

	for _, msg := range due {
		attempts := msg.Attempts + 1
		sendErr := d.sender.Send(ctx, msg)
		now = d.clock().UTC()

		var perm *PermanentError
		switch {
		case sendErr == nil:
			err = d.store.MarkCallbackDelivered(ctx, msg.ID, attempts, now)
			res.Delivered++
			metrics.CallbackDeliveries.WithLabelValues("delivered").Inc()
		case errors.As(sendErr, &perm) || attempts >= d.maxAttempts:
			err = d.store.MarkCallbackDead(ctx, msg.ID, attempts, now, sendErr.Error())
			res.Dead++
			metrics.CallbackDeliveries.WithLabelValues("dead").Inc()
			d.log.Error("callback abandoned",
				zap.String("event_key", msg.EventKey),
				zap.Int("attempts", attempts),
				zap.Error(sendErr))
		default:
			err = d.store.RescheduleCallback(ctx, msg.ID, attempts, now.Add(Backoff(attempts)), sendErr.Error())
			res.Retried++
			metrics.CallbackDeliveries.WithLabelValues("retry").Inc()
			d.log.Warn("callback failed, rescheduled",
				zap.String("event_key", msg.EventKey),
				zap.Int("attempts", attempts),
				zap.Error(sendErr))
		}
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// Start polls the outbox until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
				d.log.Warn("callback dispatch failed", zap.Error(err))
			}
		}
	}
}
