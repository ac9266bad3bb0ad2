package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Lease is a single-holder Redis lock shared by every daemon running sweeps.
type Lease struct {
	rdb   *redis.Client
	key   string
	ttl   time.Duration
	token string
}

func NewLease(rdb *redis.Client, key string, ttl time.Duration) *Lease {
	return &Lease{rdb: rdb, key: key, ttl: ttl, token: uuid.NewString()}
}

// Acquire reports whether this holder now owns the lease.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	return ok, nil
}

// Release drops the lease if this holder still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}
