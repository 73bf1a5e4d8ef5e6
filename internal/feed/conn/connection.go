package conn

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"kite-marketfeed/internal/broker/zerodha"
	"kite-marketfeed/internal/types"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"
)

// Connection is one live (or recovering) ticker socket and the token set it
// is responsible for.
type Connection struct {
	id        string
	purposes  []types.Purpose
	createdAt time.Time
	now       func() time.Time

	transport Transport
	sender    *sender
	cancel    context.CancelFunc
	loopDone  chan struct{}

	mu          sync.Mutex
	state       types.ConnState
	tokens      map[uint32]kiteticker.Mode
	lastErr     error
	tornDown    bool
	nextAttempt time.Time

	lastActivity atomic.Int64
	attempts     atomic.Int32

	// backoff is shared along a chain of repaired connections.
	backoff   *backoff.ExponentialBackOff
	successor atomic.Pointer[Connection]
}

func newConnection(purposes []types.Purpose, now func() time.Time, bo *backoff.ExponentialBackOff) *Connection {
	c := &Connection{
		id:        uuid.NewString(),
		purposes:  append([]types.Purpose(nil), purposes...),
		createdAt: now(),
		now:       now,
		loopDone:  make(chan struct{}),
		state:     types.StateConnecting,
		tokens:    make(map[uint32]kiteticker.Mode),
		backoff:   bo,
	}
	c.touch()
	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) Purposes() []types.Purpose {
	return append([]types.Purpose(nil), c.purposes...)
}

func (c *Connection) Serves(p types.Purpose) bool {
	for _, have := range c.purposes {
		if have == p {
			return true
		}
	}
	return false
}

func (c *Connection) State() types.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err is the error that faulted the connection, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) ReconnectAttempts() int {
	return int(c.attempts.Load())
}

// Successor is the connection that replaced this one after a repair.
func (c *Connection) Successor() *Connection {
	return c.successor.Load()
}

// current follows the repair chain to the newest connection.
func (c *Connection) current() *Connection {
	for {
		next := c.successor.Load()
		if next == nil {
			return c
		}
		c = next
	}
}

// Tokens returns a copy of the token set and each token's mode.
func (c *Connection) Tokens() map[uint32]kiteticker.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint32]kiteticker.Mode, len(c.tokens))
	for tok, m := range c.tokens {
		out[tok] = m
	}
	return out
}

func (c *Connection) TokenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tokens)
}

func (c *Connection) HasToken(token uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tokens[token]
	return ok
}

// Receive reads the next frame. It must only be called from the dispatch loop.
func (c *Connection) Receive() (int, []byte, error) {
	mt, data, err := c.transport.ReadMessage()
	if err == nil {
		c.touch()
	}
	return mt, data, err
}

// Interrupt unblocks a pending Receive.
func (c *Connection) Interrupt() {
	if c.transport != nil {
		_ = c.transport.SetReadDeadline(time.Now())
	}
}

func (c *Connection) Status() types.ConnectionStatus {
	c.mu.Lock()
	state, tokens := c.state, len(c.tokens)
	c.mu.Unlock()

	return types.ConnectionStatus{
		ID:                c.id,
		Purposes:          c.Purposes(),
		State:             state.String(),
		Tokens:            tokens,
		CreatedAt:         c.createdAt,
		IdleFor:           c.now().Sub(c.LastActivity()).Round(time.Millisecond).String(),
		ReconnectAttempts: c.ReconnectAttempts(),
	}
}

func (c *Connection) touch() {
	c.lastActivity.Store(c.now().UnixNano())
}

func (c *Connection) setState(s types.ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// fault marks an open connection faulted. It reports whether the state
// changed.
func (c *Connection) fault(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != types.StateOpen {
		return false
	}
	c.state = types.StateFaulted
	c.lastErr = err
	return true
}

// endStream moves an open connection to Closed after the server ended the
// stream cleanly.
func (c *Connection) endStream() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != types.StateOpen {
		return false
	}
	c.state = types.StateClosed
	return true
}

// beginClose claims the teardown. Only the first caller gets true; wasOpen
// reports whether the socket was usable at that point.
func (c *Connection) beginClose() (ok, wasOpen bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tornDown {
		return false, false
	}
	c.tornDown = true
	wasOpen = c.state == types.StateOpen
	c.state = types.StateClosing
	return true, wasOpen
}

// bind adds tokens at mode, never lowering a token's existing mode. If the
// connection has been replaced the tokens go to its successor. It returns
// the connection that now owns them and the tokens grouped by the mode that
// should be requested.
func (c *Connection) bind(tokens []uint32, mode kiteticker.Mode) (*Connection, map[kiteticker.Mode][]uint32) {
	c.mu.Lock()
	if next := c.successor.Load(); next != nil {
		c.mu.Unlock()
		return next.bind(tokens, mode)
	}
	defer c.mu.Unlock()

	groups := make(map[kiteticker.Mode][]uint32)
	for _, tok := range tokens {
		effective := mode
		if have, ok := c.tokens[tok]; ok && zerodha.ModeRank(have) > zerodha.ModeRank(mode) {
			effective = have
		}
		c.tokens[tok] = effective
		groups[effective] = append(groups[effective], tok)
	}
	return c, groups
}

// unbind removes tokens and returns the ones that were present.
func (c *Connection) unbind(tokens []uint32) (*Connection, []uint32) {
	c.mu.Lock()
	if next := c.successor.Load(); next != nil {
		c.mu.Unlock()
		return next.unbind(tokens)
	}
	defer c.mu.Unlock()

	removed := make([]uint32, 0, len(tokens))
	for _, tok := range tokens {
		if _, ok := c.tokens[tok]; ok {
			delete(c.tokens, tok)
			removed = append(removed, tok)
		}
	}
	return c, removed
}

// replaceWith links c to its successor and returns the tokens c holds at the
// moment of the swap. Later binds on c forward to next.
func (c *Connection) replaceWith(next *Connection) map[uint32]kiteticker.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successor.Store(next)
	out := make(map[uint32]kiteticker.Mode, len(c.tokens))
	for tok, m := range c.tokens {
		out[tok] = m
	}
	return out
}

// modeGroups orders a token set ltp, quote, full with sorted tokens.
func modeGroups(tokens map[uint32]kiteticker.Mode) []modeGroup {
	byMode := make(map[kiteticker.Mode][]uint32)
	for tok, m := range tokens {
		byMode[m] = append(byMode[m], tok)
	}
	return orderGroups(byMode)
}

type modeGroup struct {
	mode   kiteticker.Mode
	tokens []uint32
}

func orderGroups(byMode map[kiteticker.Mode][]uint32) []modeGroup {
	out := make([]modeGroup, 0, len(byMode))
	for _, m := range []kiteticker.Mode{kiteticker.ModeLTP, kiteticker.ModeQuote, kiteticker.ModeFull} {
		toks := byMode[m]
		if len(toks) == 0 {
			continue
		}
		sort.Slice(toks, func(i, j int) bool { return toks[i] < toks[j] })
		out = append(out, modeGroup{mode: m, tokens: toks})
	}
	return out
}
