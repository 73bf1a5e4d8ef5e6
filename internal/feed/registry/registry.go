// Package registry keeps the per-symbol subscriptions and fans decoded ticks
// out to their callbacks.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"kite-marketfeed/internal/broker/zerodha"
	"kite-marketfeed/internal/feed/volume"
	"kite-marketfeed/internal/interfaces"
	"kite-marketfeed/internal/logger"
	"kite-marketfeed/internal/types"

	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"
)

var (
	ErrInvalidEntry  = errors.New("registry: invalid subscription entry")
	ErrTokenConflict = errors.New("registry: token already registered under another symbol")
)

// Entry describes one consumer's interest in a symbol.
type Entry struct {
	Symbol     string
	Token      uint32
	Mode       kiteticker.Mode
	Depth      bool
	ConsumerID string
	Meta       types.InstrumentMeta
	Handle     any
	Callback   types.Callback
}

// Change reports what a Subscribe did to the symbol's record.
type Change struct {
	Created      bool
	Replaced     bool
	ModeUpgraded bool
	DepthAdded   bool
	Mode         kiteticker.Mode

	prev     consumer
	prevMode kiteticker.Mode
}

type Option func(*Registry)

func WithReleaser(rel interfaces.Releaser) Option {
	return func(r *Registry) { r.releaser = rel }
}

func WithObserver(o interfaces.TickObserver) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is safe for concurrent use. Subscribe and Unsubscribe serialize on
// one mutex; Dispatch only touches the concurrent maps and never takes it.
type Registry struct {
	tracker   *volume.Tracker
	releaser  interfaces.Releaser
	observers []interfaces.TickObserver
	now       func() time.Time

	mu       sync.Mutex
	bySymbol sync.Map // string -> *subscription
	byToken  sync.Map // uint32 -> *subscription
}

func New(tracker *volume.Tracker, opts ...Option) *Registry {
	if tracker == nil {
		tracker = volume.New()
	}
	r := &Registry{
		tracker: tracker,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetReleaser wires the connection side after construction.
func (r *Registry) SetReleaser(rel interfaces.Releaser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaser = rel
}

// Subscribe registers e.Callback for e.Symbol. Subscribing the same consumer
// again replaces its callback in place.
func (r *Registry) Subscribe(e Entry) (Change, error) {
	if e.Symbol == "" || e.ConsumerID == "" || e.Callback == nil {
		return Change{}, fmt.Errorf("%w: symbol=%q consumer=%q", ErrInvalidEntry, e.Symbol, e.ConsumerID)
	}
	if e.Mode == "" {
		e.Mode = kiteticker.ModeQuote
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var change Change
	var sub *subscription

	if v, ok := r.bySymbol.Load(e.Symbol); ok {
		sub = v.(*subscription)
		if sub.token != e.Token {
			return Change{}, fmt.Errorf("%w: %s is %d, not %d", ErrTokenConflict, e.Symbol, sub.token, e.Token)
		}
		change.prevMode = sub.Mode()
		if zerodha.ModeRank(e.Mode) > zerodha.ModeRank(change.prevMode) {
			sub.mode.Store(e.Mode)
			change.ModeUpgraded = true
		}
		if e.Depth && !sub.depth.Load() {
			sub.depth.Store(true)
			change.DepthAdded = true
		}
	} else {
		if v, taken := r.byToken.Load(e.Token); taken {
			return Change{}, fmt.Errorf("%w: %d belongs to %s", ErrTokenConflict, e.Token, v.(*subscription).symbol)
		}
		sub = newSubscription(e)
		r.bySymbol.Store(e.Symbol, sub)
		r.byToken.Store(e.Token, sub)
		change.Created = true
	}

	handle := e.Handle
	if handle == nil {
		handle = e.Meta
	}
	change.prev, change.Replaced = sub.upsert(consumer{id: e.ConsumerID, callback: e.Callback, handle: handle})
	change.Mode = sub.Mode()
	return change, nil
}

// Unsubscribe removes consumerID from symbol. Removing the last consumer
// drops the record and releases the token on every purpose it used.
// Unknown symbols and consumers are ignored.
func (r *Registry) Unsubscribe(ctx context.Context, symbol, consumerID string) error {
	r.mu.Lock()

	v, ok := r.bySymbol.Load(symbol)
	if !ok {
		r.mu.Unlock()
		return nil
	}
	sub := v.(*subscription)

	remaining, removed := sub.remove(consumerID)
	if !removed || remaining > 0 {
		r.mu.Unlock()
		return nil
	}

	r.bySymbol.Delete(symbol)
	r.byToken.CompareAndDelete(sub.token, sub)
	r.tracker.Reset(symbol)
	rel := r.releaser
	r.mu.Unlock()

	if rel == nil {
		return nil
	}
	err := rel.Release(ctx, sub.token, types.PurposeTicks)
	if sub.depth.Load() {
		err = errors.Join(err, rel.Release(ctx, sub.token, types.PurposeDepth))
	}
	return err
}

// Revert undoes the Subscribe that produced c. A consumer it added is
// removed, a consumer it replaced gets its previous callback back, and any
// mode upgrade or depth it switched on is turned off again.
func (r *Registry) Revert(ctx context.Context, symbol, consumerID string, c Change) error {
	if !c.Replaced {
		if err := r.Unsubscribe(ctx, symbol, consumerID); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.bySymbol.Load(symbol)
	if !ok {
		return nil
	}
	sub := v.(*subscription)
	if c.Replaced {
		sub.upsert(c.prev)
	}
	if c.ModeUpgraded {
		sub.mode.Store(c.prevMode)
	}
	if c.DepthAdded {
		sub.depth.Store(false)
	}
	return nil
}

// Tracks reports whether any subscription wants token. It is the parser's
// interest filter.
func (r *Registry) Tracks(token uint32) bool {
	_, ok := r.byToken.Load(token)
	return ok
}

// Lookup returns the symbol and mode registered for token.
func (r *Registry) Lookup(token uint32) (symbol string, mode kiteticker.Mode, ok bool) {
	v, ok := r.byToken.Load(token)
	if !ok {
		return "", "", false
	}
	sub := v.(*subscription)
	return sub.symbol, sub.Mode(), true
}

func (r *Registry) Len() int {
	n := 0
	r.bySymbol.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Snapshot lists subscriptions ordered by symbol.
func (r *Registry) Snapshot() []types.SubscriptionStatus {
	out := make([]types.SubscriptionStatus, 0)
	r.bySymbol.Range(func(_, v any) bool {
		out = append(out, v.(*subscription).status())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// LastActivity returns when symbol last received a tick.
func (r *Registry) LastActivity(symbol string) (time.Time, bool) {
	v, ok := r.bySymbol.Load(symbol)
	if !ok {
		return time.Time{}, false
	}
	ns := v.(*subscription).lastActivity.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

func (r *Registry) invoke(ctx context.Context, symbol string, c consumer, kind types.MarketDataKind, price float64, size int64, ts time.Time, extra any) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error(ctx, "Subscriber callback panicked",
				"symbol", symbol,
				"consumer_id", c.id,
				"kind", kind.String(),
				"panic", fmt.Sprint(rec),
			)
		}
	}()
	c.callback(kind, price, size, ts, extra)
}
