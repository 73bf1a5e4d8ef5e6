package registry

import (
	"sync/atomic"
	"time"

	"kite-marketfeed/internal/types"

	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"
)

type consumer struct {
	id       string
	callback types.Callback
	handle   any
}

// subscription is the record for one symbol. Its consumer list is replaced
// wholesale on every change so dispatch can iterate a snapshot without locks.
type subscription struct {
	symbol string
	token  uint32
	meta   types.InstrumentMeta

	mode         atomic.Value // kiteticker.Mode
	depth        atomic.Bool
	consumers    atomic.Pointer[[]consumer]
	lastActivity atomic.Int64
}

func newSubscription(e Entry) *subscription {
	s := &subscription{
		symbol: e.Symbol,
		token:  e.Token,
		meta:   e.Meta,
	}
	if s.meta == nil {
		s.meta = passthrough{}
	}
	s.mode.Store(e.Mode)
	s.depth.Store(e.Depth)
	empty := []consumer{}
	s.consumers.Store(&empty)
	return s
}

func (s *subscription) Mode() kiteticker.Mode {
	return s.mode.Load().(kiteticker.Mode)
}

func (s *subscription) snapshot() []consumer {
	return *s.consumers.Load()
}

// upsert must be called with the registry lock held. An existing consumer
// keeps its position and gets the new callback; the one it replaced is
// returned.
func (s *subscription) upsert(c consumer) (prev consumer, replaced bool) {
	cur := s.snapshot()
	next := make([]consumer, len(cur), len(cur)+1)
	copy(next, cur)

	for i := range next {
		if next[i].id == c.id {
			prev = next[i]
			next[i] = c
			s.consumers.Store(&next)
			return prev, true
		}
	}
	next = append(next, c)
	s.consumers.Store(&next)
	return consumer{}, false
}

// remove must be called with the registry lock held.
func (s *subscription) remove(id string) (remaining int, removed bool) {
	cur := s.snapshot()
	next := make([]consumer, 0, len(cur))
	for _, c := range cur {
		if c.id == id {
			removed = true
			continue
		}
		next = append(next, c)
	}
	if removed {
		s.consumers.Store(&next)
	}
	return len(next), removed
}

func (s *subscription) touch(t time.Time) {
	s.lastActivity.Store(t.UnixNano())
}

func (s *subscription) status() types.SubscriptionStatus {
	cs := s.snapshot()
	ids := make([]string, len(cs))
	for i, c := range cs {
		ids[i] = c.id
	}
	return types.SubscriptionStatus{
		Symbol:    s.symbol,
		Token:     s.token,
		Mode:      string(s.Mode()),
		Depth:     s.depth.Load(),
		Consumers: ids,
	}
}

type passthrough struct{}

func (passthrough) RoundToTickSize(p float64) float64 { return p }
