// Package volume turns the exchange's cumulative day volume into per-tick
// traded quantity.
package volume

import "sync"

// Tracker remembers the last cumulative volume per symbol. Each symbol has
// its own lock, so symbols never contend with each other.
type Tracker struct {
	entries sync.Map // string -> *entry
}

type entry struct {
	mu   sync.Mutex
	last int64
	seen bool
}

func New() *Tracker {
	return &Tracker{}
}

// Delta returns the volume traded since the previous observation of symbol.
// The first observation returns 0. A cumulative value below the stored one
// (a broker counter reset) returns 0 and becomes the new baseline.
func (t *Tracker) Delta(symbol string, cumulative int64) int64 {
	v, _ := t.entries.LoadOrStore(symbol, &entry{})
	e := v.(*entry)

	e.mu.Lock()
	defer e.mu.Unlock()

	var delta int64
	if e.seen && cumulative > e.last {
		delta = cumulative - e.last
	}
	e.last = cumulative
	e.seen = true
	return delta
}

// Last returns the stored cumulative volume for symbol.
func (t *Tracker) Last(symbol string) (int64, bool) {
	v, ok := t.entries.Load(symbol)
	if !ok {
		return 0, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, e.seen
}

// Reset forgets symbol; its next observation is treated as the first.
func (t *Tracker) Reset(symbol string) {
	t.entries.Delete(symbol)
}
