package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"kite-marketfeed/internal/interfaces"
	"kite-marketfeed/internal/logger"
	"kite-marketfeed/internal/types"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("redis: tick not found")

const writeTimeout = 2 * time.Second

// TickCache stores the latest tick of each symbol as a hash at
// "tick:{symbol}" with fields ltp, ltq, volume, delta, oi, exchange_ts and
// received_ts (Unix nanoseconds).
type TickCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewTickCache creates a TickCache. A positive ttl expires symbols that stop
// ticking.
func NewTickCache(c *Client, ttl time.Duration) *TickCache {
	return &TickCache{rdb: c.Underlying(), ttl: ttl}
}

func tickKey(symbol string) string {
	return "tick:" + symbol
}

// Snapshot is the cached view of a symbol's last tick.
type Snapshot struct {
	Symbol       string
	LastPrice    float64
	LastQty      uint32
	Volume       uint32
	Delta        int64
	OI           uint32
	ExchangeTime time.Time
	ReceivedAt   time.Time
}

func (tc *TickCache) SetTick(ctx context.Context, obs types.TickObservation) error {
	key := tickKey(obs.Symbol)
	fields := map[string]interface{}{
		"ltp":         strconv.FormatFloat(obs.Tick.LastPrice, 'f', -1, 64),
		"ltq":         strconv.FormatUint(uint64(obs.Tick.LastTradedQuantity), 10),
		"volume":      strconv.FormatUint(uint64(obs.Tick.VolumeTraded), 10),
		"delta":       strconv.FormatInt(obs.Delta, 10),
		"oi":          strconv.FormatUint(uint64(obs.Tick.OI), 10),
		"exchange_ts": strconv.FormatInt(unixNano(obs.Tick.Timestamp.Time), 10),
		"received_ts": strconv.FormatInt(obs.ReceivedAt.UnixNano(), 10),
	}

	pipe := tc.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if tc.ttl > 0 {
		pipe.Expire(ctx, key, tc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set tick %s: %w", obs.Symbol, err)
	}
	return nil
}

// GetTick returns ErrNotFound when nothing is cached for symbol.
func (tc *TickCache) GetTick(ctx context.Context, symbol string) (Snapshot, error) {
	vals, err := tc.rdb.HGetAll(ctx, tickKey(symbol)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("redis: get tick %s: %w", symbol, err)
	}
	if len(vals) == 0 {
		return Snapshot{}, ErrNotFound
	}

	snap := Snapshot{Symbol: symbol}
	if snap.LastPrice, err = strconv.ParseFloat(vals["ltp"], 64); err != nil {
		return Snapshot{}, fmt.Errorf("redis: parse ltp %s: %w", symbol, err)
	}
	snap.LastQty = parseUint32(vals["ltq"])
	snap.Volume = parseUint32(vals["volume"])
	snap.OI = parseUint32(vals["oi"])
	snap.Delta, _ = strconv.ParseInt(vals["delta"], 10, 64)
	snap.ExchangeTime = fromUnixNano(vals["exchange_ts"])
	snap.ReceivedAt = fromUnixNano(vals["received_ts"])
	return snap, nil
}

func parseUint32(s string) uint32 {
	v, _ := strconv.ParseUint(s, 10, 32)
	return uint32(v)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Observer feeds dispatched ticks into a TickCache from a background
// goroutine. When the buffer is full new ticks are dropped.
type Observer struct {
	cache   *TickCache
	updates chan types.TickObservation
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

var _ interfaces.TickObserver = (*Observer)(nil)

func NewObserver(cache *TickCache, buffer int) *Observer {
	if buffer <= 0 {
		buffer = 1024
	}
	o := &Observer{
		cache:   cache,
		updates: make(chan types.TickObservation, buffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *Observer) ObserveTick(_ context.Context, obs types.TickObservation) {
	select {
	case <-o.stop:
		return
	default:
	}
	select {
	case o.updates <- obs:
	default:
		o.dropped.Add(1)
	}
}

// Dropped counts ticks discarded because the writer fell behind.
func (o *Observer) Dropped() int64 {
	return o.dropped.Load()
}

func (o *Observer) run() {
	defer close(o.done)
	for {
		select {
		case <-o.stop:
			return
		case obs := <-o.updates:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			if err := o.cache.SetTick(ctx, obs); err != nil {
				logger.Debug(ctx, "Tick snapshot write failed", "symbol", obs.Symbol, "error", err.Error())
			}
			cancel()
		}
	}
}

// Close stops the writer. Buffered ticks that were not written are dropped.
func (o *Observer) Close() {
	o.once.Do(func() { close(o.stop) })
	<-o.done
}
