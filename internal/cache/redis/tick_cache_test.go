package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"kite-marketfeed/internal/types"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/gokiteconnect/v4/models"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	c, err := New(context.Background(), ClientConfig{Addr: addr, DB: 15})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func observation(symbol string) types.TickObservation {
	exch := time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC)
	return types.TickObservation{
		Symbol: symbol,
		Tick: models.Tick{
			LastPrice:          1500.25,
			LastTradedQuantity: 10,
			VolumeTraded:       123456,
			OI:                 42,
			Timestamp:          models.Time{Time: exch},
		},
		Delta:      25,
		ReceivedAt: exch.Add(40 * time.Millisecond),
	}
}

func TestTickCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	tc := NewTickCache(testClient(t), time.Minute)
	symbol := "TEST:" + t.Name()
	t.Cleanup(func() { tc.rdb.Del(ctx, tickKey(symbol)) })

	obs := observation(symbol)
	require.NoError(t, tc.SetTick(ctx, obs))

	snap, err := tc.GetTick(ctx, symbol)
	require.NoError(t, err)
	assert.Equal(t, 1500.25, snap.LastPrice)
	assert.Equal(t, uint32(10), snap.LastQty)
	assert.Equal(t, uint32(123456), snap.Volume)
	assert.Equal(t, int64(25), snap.Delta)
	assert.Equal(t, uint32(42), snap.OI)
	assert.True(t, snap.ExchangeTime.Equal(obs.Tick.Timestamp.Time))
	assert.True(t, snap.ReceivedAt.Equal(obs.ReceivedAt))

	ttl, err := tc.rdb.TTL(ctx, tickKey(symbol)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	_, err = tc.GetTick(ctx, "TEST:MISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestObserverWritesInBackground(t *testing.T) {
	ctx := context.Background()
	tc := NewTickCache(testClient(t), time.Minute)
	symbol := "TEST:" + t.Name()
	t.Cleanup(func() { tc.rdb.Del(ctx, tickKey(symbol)) })

	o := NewObserver(tc, 8)
	defer o.Close()
	o.ObserveTick(ctx, observation(symbol))

	require.Eventually(t, func() bool {
		_, err := tc.GetTick(ctx, symbol)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestObserverIgnoresTicksAfterClose(t *testing.T) {
	// Nothing listens here; writes fail and are only logged.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 50 * time.Millisecond})
	t.Cleanup(func() { _ = rdb.Close() })

	o := NewObserver(&TickCache{rdb: rdb}, 1)
	o.Close()
	o.Close()

	assert.NotPanics(t, func() {
		o.ObserveTick(context.Background(), observation("NSE:INFY"))
	})
	assert.Zero(t, o.Dropped())
}
