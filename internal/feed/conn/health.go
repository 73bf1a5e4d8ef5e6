package conn

import (
	"context"
	"fmt"
	"time"

	"kite-marketfeed/internal/logger"
	"kite-marketfeed/internal/types"

	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"
)

// RunHealthChecks checks every connection each HealthInterval until ctx ends.
func (m *Manager) RunHealthChecks(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.ctx.Done():
			return nil
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// CheckHealth repairs connections that are not open or have been silent
// longer than IdleThreshold.
func (m *Manager) CheckHealth(ctx context.Context) {
	for _, c := range m.Connections() {
		reason, bad := m.unhealthy(c)
		if !bad {
			continue
		}
		if err := m.repair(ctx, c, reason); err != nil {
			logger.ErrorWithErr(ctx, "Connection repair failed", err, "connection_id", c.ID())
		}
	}
}

func (m *Manager) unhealthy(c *Connection) (string, bool) {
	if s := c.State(); s != types.StateOpen {
		return "state " + s.String(), true
	}
	if idle := m.now().Sub(c.LastActivity()); idle > m.cfg.IdleThreshold {
		return fmt.Sprintf("idle for %s", idle.Round(time.Second)), true
	}
	return "", false
}

// repair replaces old with a fresh connection carrying the same tokens.
// Attempts are spaced by old's backoff; after MaxReconnectAttempts failures
// old is dropped from the table.
func (m *Manager) repair(ctx context.Context, old *Connection, reason string) error {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	if m.ctx.Err() != nil || !m.owns(old) {
		return nil
	}
	old.mu.Lock()
	next := old.nextAttempt
	old.mu.Unlock()
	if m.now().Before(next) {
		return nil
	}

	attempt := old.ReconnectAttempts() + 1
	logger.Reconnect(ctx, old.ID(), attempt, reason, "tokens", old.TokenCount())

	m.teardown(ctx, old, false, reason)

	snapshot := old.Tokens()
	nc, err := m.open(ctx, old.purposes, snapshot, old.backoff)
	if err != nil {
		n := int(old.attempts.Add(1))
		old.mu.Lock()
		old.nextAttempt = m.now().Add(old.backoff.NextBackOff())
		old.mu.Unlock()

		if m.cfg.MaxReconnectAttempts > 0 && n >= m.cfg.MaxReconnectAttempts {
			m.remove(old)
			m.events.noReconnect(old, n)
			return fmt.Errorf("conn: giving up on %s after %d attempts: %w", old.ID(), n, err)
		}
		return fmt.Errorf("conn: reconnect %s attempt %d: %w", old.ID(), n, err)
	}

	old.backoff.Reset()
	held := old.replaceWith(nc)
	m.store(nc)
	m.reconcile(ctx, nc, snapshot, held)
	m.events.reconnect(nc, attempt)
	return nil
}

// reconcile applies subscription changes made on the old connection while
// the new one was being dialed.
func (m *Manager) reconcile(ctx context.Context, nc *Connection, sent, held map[uint32]kiteticker.Mode) {
	added := make(map[uint32]kiteticker.Mode)
	for tok, mode := range held {
		if have, ok := sent[tok]; !ok || have != mode {
			added[tok] = mode
		}
	}
	var removed []uint32
	for tok := range sent {
		if _, ok := held[tok]; !ok {
			removed = append(removed, tok)
		}
	}

	for _, g := range modeGroups(added) {
		if err := m.Subscribe(ctx, nc, g.tokens, g.mode); err != nil {
			logger.Warn(ctx, "Late subscribe after reconnect failed", "connection_id", nc.ID(), "error", err.Error())
		}
	}
	if len(removed) > 0 {
		if err := m.Unsubscribe(ctx, nc, removed); err != nil {
			logger.Warn(ctx, "Late unsubscribe after reconnect failed", "connection_id", nc.ID(), "error", err.Error())
		}
	}
}
