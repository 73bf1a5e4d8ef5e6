// Package conn owns the ticker websocket connections: opening them, batching
// subscribe and mode messages, tearing them down and repairing them when they
// go stale.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"kite-marketfeed/internal/broker/zerodha"
	"kite-marketfeed/internal/logger"
	"kite-marketfeed/internal/types"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"
	"golang.org/x/time/rate"
)

var (
	ErrNotOpen       = errors.New("conn: connection not open")
	ErrManagerClosed = errors.New("conn: manager closed")
)

// Config tunes connection handling. Zero values fall back to defaults.
type Config struct {
	ShareConnections     bool
	HealthInterval       time.Duration
	IdleThreshold        time.Duration
	ModeSettleDelay      time.Duration
	MaxReconnectAttempts int
	ReconnectMaxInterval time.Duration
	SendRatePerSec       float64
	BatchSize            int
}

func (c Config) withDefaults() Config {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 5 * time.Minute
	}
	if c.ModeSettleDelay < 0 {
		c.ModeSettleDelay = 0
	}
	if c.ReconnectMaxInterval <= 0 {
		c.ReconnectMaxInterval = 2 * time.Minute
	}
	if c.SendRatePerSec <= 0 {
		c.SendRatePerSec = 10
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// RunFunc consumes a connection's inbound frames until ctx ends or the
// stream fails. A nil return means the stream ended cleanly.
type RunFunc func(ctx context.Context, c *Connection) error

type Option func(*Manager)

func WithEvents(e Events) Option {
	return func(m *Manager) { m.events = e }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager keeps at most one connection per purpose, or a single shared
// connection for every purpose when ShareConnections is set.
type Manager struct {
	cfg    Config
	dialer Dialer
	run    RunFunc
	events Events
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// dialMu serializes opening, repairing and closing.
	dialMu sync.Mutex

	mu    sync.RWMutex
	conns map[types.Purpose]*Connection

	loops sync.WaitGroup
}

func NewManager(cfg Config, dialer Dialer, run RunFunc, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg.withDefaults(),
		dialer: dialer,
		run:    run,
		events: LoggingEvents(),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[types.Purpose]*Connection),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.run == nil {
		m.run = func(ctx context.Context, _ *Connection) error {
			<-ctx.Done()
			return nil
		}
	}
	return m
}

func (m *Manager) key(p types.Purpose) types.Purpose {
	if m.cfg.ShareConnections {
		return types.PurposeTicks
	}
	return p
}

func (m *Manager) purposesFor(p types.Purpose) []types.Purpose {
	if m.cfg.ShareConnections {
		return []types.Purpose{types.PurposeTicks, types.PurposeDepth}
	}
	return []types.Purpose{p}
}

// Connection returns the connection serving p, or nil.
func (m *Manager) Connection(p types.Purpose) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[m.key(p)]
}

func (m *Manager) owns(c *Connection) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, have := range m.conns {
		if have == c {
			return true
		}
	}
	return false
}

func (m *Manager) store(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range c.purposes {
		m.conns[m.key(p)] = c
	}
}

func (m *Manager) remove(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p, have := range m.conns {
		if have == c {
			delete(m.conns, p)
		}
	}
}

// Connections lists the live connection table, oldest first.
func (m *Manager) Connections() []*Connection {
	m.mu.RLock()
	seen := make(map[*Connection]struct{}, len(m.conns))
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].id < out[j].id
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

func (m *Manager) Status() []types.ConnectionStatus {
	conns := m.Connections()
	out := make([]types.ConnectionStatus, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Status())
	}
	return out
}

// EnsureConnection returns the connection for purpose, dialing one if
// there is none.
func (m *Manager) EnsureConnection(ctx context.Context, p types.Purpose) (*Connection, error) {
	if c := m.Connection(p); c != nil {
		return c, nil
	}

	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	if m.ctx.Err() != nil {
		return nil, ErrManagerClosed
	}
	if c := m.Connection(p); c != nil {
		return c, nil
	}

	c, err := m.open(ctx, m.purposesFor(p), nil, nil)
	if err != nil {
		return nil, err
	}
	m.store(c)
	return c, nil
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = m.cfg.ReconnectMaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// open dials a new connection, starts its read loop and re-requests tokens.
func (m *Manager) open(ctx context.Context, purposes []types.Purpose, tokens map[uint32]kiteticker.Mode, bo *backoff.ExponentialBackOff) (*Connection, error) {
	if bo == nil {
		bo = m.newBackOff()
	}
	c := newConnection(purposes, m.now, bo)

	t, err := m.dialer.Dial(ctx)
	if err != nil {
		c.setState(types.StateFaulted)
		return nil, fmt.Errorf("conn: open %v: %w", purposes, err)
	}

	c.transport = t
	c.sender = newSender(t, rate.NewLimiter(rate.Limit(m.cfg.SendRatePerSec), 1), c.touch, func(err error) {
		if c.fault(err) {
			m.events.error(c, err)
		}
	})

	c.mu.Lock()
	for tok, mode := range tokens {
		c.tokens[tok] = mode
	}
	c.state = types.StateOpen
	c.mu.Unlock()
	c.touch()

	loopCtx, cancel := context.WithCancel(m.ctx)
	c.cancel = cancel
	m.loops.Add(1)
	go m.serve(loopCtx, c)

	m.events.connect(c)

	for _, g := range modeGroups(tokens) {
		if err := m.sendBatches(ctx, c, g.tokens, g.mode); err != nil {
			m.teardown(ctx, c, false, "resubscribe failed")
			return nil, fmt.Errorf("conn: resubscribe %d %s tokens: %w", len(g.tokens), g.mode, err)
		}
	}
	return c, nil
}

func (m *Manager) serve(ctx context.Context, c *Connection) {
	defer m.loops.Done()
	defer close(c.loopDone)

	err := m.run(ctx, c)
	switch {
	case err != nil:
		if c.fault(err) {
			m.events.error(c, err)
		}
	case c.endStream():
		m.events.close(c, "stream ended")
	}
}

// Send queues msg on c (or its successor) and waits for the write.
func (m *Manager) Send(ctx context.Context, c *Connection, msg []byte) error {
	c = c.current()
	if c.State() != types.StateOpen {
		return ErrNotOpen
	}
	return m.send(ctx, c, msg)
}

func (m *Manager) send(ctx context.Context, c *Connection, msg []byte) error {
	if c.sender == nil {
		return ErrNotOpen
	}
	return c.sender.enqueue(msg).Wait(ctx)
}

// sendBatches sends subscribe then mode for each chunk of tokens, pausing
// between chunks so the broker applies the mode before the next subscribe.
func (m *Manager) sendBatches(ctx context.Context, c *Connection, tokens []uint32, mode kiteticker.Mode) error {
	for start := 0; start < len(tokens); start += m.cfg.BatchSize {
		chunk := tokens[start:min(start+m.cfg.BatchSize, len(tokens))]

		sub, err := zerodha.SubscribeMessage(chunk)
		if err != nil {
			return err
		}
		if err := m.send(ctx, c, sub); err != nil {
			return err
		}

		modeMsg, err := zerodha.ModeMessage(mode, chunk)
		if err != nil {
			return err
		}
		if err := m.send(ctx, c, modeMsg); err != nil {
			return err
		}

		if err := sleepContext(ctx, m.cfg.ModeSettleDelay); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) sendUnsubscribe(ctx context.Context, c *Connection, tokens []uint32) error {
	for start := 0; start < len(tokens); start += m.cfg.BatchSize {
		chunk := tokens[start:min(start+m.cfg.BatchSize, len(tokens))]
		msg, err := zerodha.UnsubscribeMessage(chunk)
		if err != nil {
			return err
		}
		if err := m.send(ctx, c, msg); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe binds tokens to c at mode. On an open connection the subscribe
// and mode messages are sent now; otherwise the next repair sends them.
func (m *Manager) Subscribe(ctx context.Context, c *Connection, tokens []uint32, mode kiteticker.Mode) error {
	if len(tokens) == 0 {
		return nil
	}
	owner, groups := c.bind(tokens, mode)
	if owner.State() != types.StateOpen {
		logger.Debug(ctx, "Connection not open, subscription deferred to reconnect",
			"connection_id", owner.ID(),
			"tokens", len(tokens),
		)
		return nil
	}
	for _, g := range orderGroups(groups) {
		if err := m.sendBatches(ctx, owner, g.tokens, g.mode); err != nil {
			return fmt.Errorf("conn: subscribe on %s: %w", owner.ID(), err)
		}
	}
	return nil
}

// Unsubscribe unbinds tokens from c and tells the broker if c is open.
func (m *Manager) Unsubscribe(ctx context.Context, c *Connection, tokens []uint32) error {
	owner, removed := c.unbind(tokens)
	if len(removed) == 0 || owner.State() != types.StateOpen {
		return nil
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	if err := m.sendUnsubscribe(ctx, owner, removed); err != nil {
		return fmt.Errorf("conn: unsubscribe on %s: %w", owner.ID(), err)
	}
	return nil
}

// Release drops token from the connection serving purpose and closes the
// connection once it carries nothing.
func (m *Manager) Release(ctx context.Context, token uint32, purpose types.Purpose) error {
	c := m.Connection(purpose)
	if c == nil || !c.current().HasToken(token) {
		return nil
	}
	err := m.Unsubscribe(ctx, c, []uint32{token})
	if c.current().TokenCount() == 0 {
		err = errors.Join(err, m.Close(ctx, c))
	}
	return err
}

// Close unsubscribes c's tokens, closes the socket and drops c from the
// table. Closing an already closed connection is a no-op.
func (m *Manager) Close(ctx context.Context, c *Connection) error {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	c = c.current()
	m.remove(c)
	m.teardown(ctx, c, true, "closed")
	return nil
}

// teardown releases c's resources. Failures sending the unsubscribe are
// logged and do not stop the close.
func (m *Manager) teardown(ctx context.Context, c *Connection, unsubscribe bool, reason string) {
	ok, wasOpen := c.beginClose()
	if !ok {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}

	if c.transport != nil {
		if unsubscribe && wasOpen {
			tokens := make([]uint32, 0)
			for tok := range c.Tokens() {
				tokens = append(tokens, tok)
			}
			sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
			if err := m.sendUnsubscribe(ctx, c, tokens); err != nil {
				logger.Warn(ctx, "Unsubscribe before close failed",
					"connection_id", c.ID(),
					"error", err.Error(),
				)
			}
		}

		_ = c.transport.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.sender.close()
		_ = c.transport.Close()
	}

	c.setState(types.StateClosed)
	m.events.close(c, reason)
}

// CloseAll closes every connection and waits for the read loops to return.
func (m *Manager) CloseAll(ctx context.Context) error {
	for _, c := range m.Connections() {
		if err := m.Close(ctx, c); err != nil {
			logger.ErrorWithErr(ctx, "Failed to close connection", err, "connection_id", c.ID())
		}
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("conn: waiting for read loops: %w", ctx.Err())
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
