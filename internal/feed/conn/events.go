package conn

import (
	"context"

	"kite-marketfeed/internal/logger"
)

// Events are lifecycle callbacks fired by the manager. Nil handlers are
// skipped.
type Events struct {
	OnConnect     func(c *Connection)
	OnError       func(c *Connection, err error)
	OnClose       func(c *Connection, reason string)
	OnReconnect   func(c *Connection, attempt int)
	OnNoReconnect func(c *Connection, attempts int)
}

// LoggingEvents logs every lifecycle event.
func LoggingEvents() Events {
	return Events{
		OnConnect: func(c *Connection) {
			logger.Connection(context.Background(), c.ID(), "connected", "purposes", c.Purposes())
		},
		OnError: func(c *Connection, err error) {
			logger.ErrorWithErr(context.Background(), "Ticker connection faulted", err,
				"connection_id", c.ID(),
			)
		},
		OnClose: func(c *Connection, reason string) {
			logger.Connection(context.Background(), c.ID(), "closed", "reason", reason)
		},
		OnReconnect: func(c *Connection, attempt int) {
			logger.Info(context.Background(), "Ticker reconnected",
				"connection_id", c.ID(),
				"attempt", attempt,
				"tokens", c.TokenCount(),
			)
		},
		OnNoReconnect: func(c *Connection, attempts int) {
			logger.Warn(context.Background(), "Ticker reconnection failed - giving up",
				"connection_id", c.ID(),
				"attempts", attempts,
			)
		},
	}
}

func (e Events) connect(c *Connection) {
	if e.OnConnect != nil {
		e.OnConnect(c)
	}
}

func (e Events) error(c *Connection, err error) {
	if e.OnError != nil {
		e.OnError(c, err)
	}
}

func (e Events) close(c *Connection, reason string) {
	if e.OnClose != nil {
		e.OnClose(c, reason)
	}
}

func (e Events) reconnect(c *Connection, attempt int) {
	if e.OnReconnect != nil {
		e.OnReconnect(c, attempt)
	}
}

func (e Events) noReconnect(c *Connection, attempts int) {
	if e.OnNoReconnect != nil {
		e.OnNoReconnect(c, attempts)
	}
}
