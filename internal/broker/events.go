// Package broker carries settlement events and beneficiary presence over Redis.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Kind names a settlement event.
type Kind string

const (
	BatchMatched    Kind = "batch.matched"
	BatchEvidence   Kind = "batch.evidence"
	BatchConfirmed  Kind = "batch.confirmed"
	BatchExpired    Kind = "batch.expired"
	BatchReassigned Kind = "batch.reassigned"
	PayoutApproved  Kind = "payout.approved"
	PayoutExpired   Kind = "payout.expired"
	PayinApproved   Kind = "payin.approved"
)

// EventsChannel receives every event; PayoutChannel only those of one payout.
const EventsChannel = "payflow:events"

func PayoutChannel(payoutRef string) string {
	return "payflow:payout:" + payoutRef
}

// Event is the pub/sub payload.
type Event struct {
	Kind        Kind      `json:"kind"`
	PayoutRef   string    `json:"payout_ref,omitempty"`
	PayinRef    string    `json:"payin_ref,omitempty"`
	BatchRef    string    `json:"batch_ref,omitempty"`
	Amount      int64     `json:"amount,omitempty"`
	EvidenceRef string    `json:"evidence_ref,omitempty"`
	At          time.Time `json:"at"`
}

// Publisher fans events out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// RedisPublisher publishes to the shared channel and to the payout's own channel.
type RedisPublisher struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewRedisPublisher(rdb *redis.Client, log *zap.Logger) *RedisPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisPublisher{rdb: rdb, log: log}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	pipe := p.rdb.Pipeline()
	pipe.Publish(ctx, EventsChannel, body)
	if ev.PayoutRef != "" {
		pipe.Publish(ctx, PayoutChannel(ev.PayoutRef), body)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	p.log.Debug("event published", zap.String("kind", string(ev.Kind)), zap.String("payout_ref", ev.PayoutRef))
	return nil
}

// Subscribe opens a subscription to one payout's events.
func (p *RedisPublisher) Subscribe(ctx context.Context, payoutRef string) *redis.PubSub {
	return p.rdb.Subscribe(ctx, PayoutChannel(payoutRef))
}

// NopPublisher drops events. Used when Redis is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
