package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestPublishReachesPayoutChannel(t *testing.T) {
	_, rdb := setupRedis(t)
	ctx := context.Background()
	pub := NewRedisPublisher(rdb, nil)

	sub := pub.Subscribe(ctx, "po-1")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	ev := Event{Kind: BatchMatched, PayoutRef: "po-1", BatchRef: "b-1", Amount: 100, At: time.Unix(0, 0).UTC()}
	require.NoError(t, pub.Publish(ctx, ev))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, PayoutChannel("po-1"), msg.Channel)

	var got Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, ev, got)
}

func TestPresenceExpires(t *testing.T) {
	mr, rdb := setupRedis(t)
	ctx := context.Background()
	p := NewRedisPresence(rdb, 10*time.Second)

	online, err := p.IsOnline(ctx, "po-1")
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, p.Touch(ctx, "po-1", "conn-a"))
	online, err = p.IsOnline(ctx, "po-1")
	require.NoError(t, err)
	assert.True(t, online)

	mr.FastForward(11 * time.Second)
	online, err = p.IsOnline(ctx, "po-1")
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, p.Touch(ctx, "po-1", "conn-a"))
	require.NoError(t, p.Clear(ctx, "po-1", "conn-a"))
	online, err = p.IsOnline(ctx, "po-1")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestPresenceTracksEachConnection(t *testing.T) {
	_, rdb := setupRedis(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	p := NewRedisPresence(rdb, 10*time.Second)
	p.now = func() time.Time { return now }

	require.NoError(t, p.Touch(ctx, "po-1", "conn-a"))
	require.NoError(t, p.Touch(ctx, "po-1", "conn-b"))

	require.NoError(t, p.Clear(ctx, "po-1", "conn-a"))
	online, err := p.IsOnline(ctx, "po-1")
	require.NoError(t, err)
	assert.True(t, online, "closing one connection leaves the other live")

	// conn-c keeps the key alive while conn-b misses its heartbeat
	now = now.Add(8 * time.Second)
	require.NoError(t, p.Touch(ctx, "po-1", "conn-c"))
	require.NoError(t, p.Clear(ctx, "po-1", "conn-c"))
	now = now.Add(3 * time.Second)
	online, err = p.IsOnline(ctx, "po-1")
	require.NoError(t, err)
	assert.False(t, online, "a silent connection expires on its own deadline")

	require.NoError(t, p.Clear(ctx, "po-1", "conn-b"))
	online, err = p.IsOnline(ctx, "po-1")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestPresenceSurfacesRedisErrors(t *testing.T) {
	mr, rdb := setupRedis(t)
	mr.Close()
	_, err := NewRedisPresence(rdb, time.Second).IsOnline(context.Background(), "po-1")
	assert.Error(t, err)
}

func TestLeaseSingleHolder(t *testing.T) {
	_, rdb := setupRedis(t)
	ctx := context.Background()
	a := NewLease(rdb, "payflow:sweep", time.Minute)
	b := NewLease(rdb, "payflow:sweep", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Release(ctx), "releasing a lease you do not hold is a no-op")
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
