package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

func presenceKey(payoutRef string) string {
	return "payflow:presence:" + payoutRef
}

// Presence tracks whether a payout's beneficiary holds a live channel.
type Presence interface {
	IsOnline(ctx context.Context, payoutRef string) (bool, error)
}

// RedisPresence keeps one sorted set per payout whose members are the open
// connections, scored by the deadline of their last heartbeat. Connections call
// Touch on a heartbeat shorter than ttl.
type RedisPresence struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewRedisPresence(rdb *redis.Client, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	return &RedisPresence{rdb: rdb, ttl: ttl, now: time.Now}
}

// TTL is the heartbeat deadline for Touch.
func (p *RedisPresence) TTL() time.Duration { return p.ttl }

// Touch extends the deadline of one connection and drops members that missed theirs.
func (p *RedisPresence) Touch(ctx context.Context, payoutRef, connID string) error {
	key := presenceKey(payoutRef)
	now := p.now().UnixMilli()
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now, 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now + p.ttl.Milliseconds()), Member: connID})
		pipe.PExpire(ctx, key, p.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

// Clear removes one connection. Other connections of the same payout stay live.
func (p *RedisPresence) Clear(ctx context.Context, payoutRef, connID string) error {
	if err := p.rdb.ZRem(ctx, presenceKey(payoutRef), connID).Err(); err != nil {
		return fmt.Errorf("clear presence: %w", err)
	}
	return nil
}

func (p *RedisPresence) IsOnline(ctx context.Context, payoutRef string) (bool, error) {
	n, err := p.rdb.ZCount(ctx, presenceKey(payoutRef), "("+strconv.FormatInt(p.now().UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return false, fmt.Errorf("read presence: %w", err)
	}
	return n > 0, nil
}

// AlwaysOnline reports every beneficiary as present.
type AlwaysOnline struct{}

func (AlwaysOnline) IsOnline(context.Context, string) (bool, error) { return true, nil }
