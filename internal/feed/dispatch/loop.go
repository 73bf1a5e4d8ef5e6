// Package dispatch runs the per-connection read loop: frames in, decoded
// ticks out to the subscription registry.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"kite-marketfeed/internal/broker/zerodha"
	"kite-marketfeed/internal/logger"
	"kite-marketfeed/internal/types"

	"github.com/gorilla/websocket"
	"github.com/zerodha/gokiteconnect/v4/models"
)

const defaultPollInterval = 500 * time.Millisecond

// Source is a connection the loop reads from.
type Source interface {
	Receive() (messageType int, data []byte, err error)
	// Interrupt unblocks a pending Receive.
	Interrupt()
	Purposes() []types.Purpose
}

type Parser interface {
	Parse(ctx context.Context, frame []byte, interested func(token uint32) bool) ([]models.Tick, error)
}

type Dispatcher interface {
	Tracks(token uint32) bool
	Dispatch(ctx context.Context, tick models.Tick, receivedAt time.Time, purpose types.Purpose) bool
}

// ExitPolicy stops the loop from outside the context tree.
type ExitPolicy struct {
	// ShouldExit is polled every PollInterval; true stops the loop.
	ShouldExit   func() bool
	PollInterval time.Duration
	// Timeout bounds the loop's lifetime when positive.
	Timeout time.Duration
}

type Option func(*Loop)

func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

type Loop struct {
	parser   Parser
	registry Dispatcher
	now      func() time.Time

	frames atomic.Int64
	ticks  atomic.Int64
}

func New(parser Parser, registry Dispatcher, opts ...Option) *Loop {
	l := &Loop{parser: parser, registry: registry, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Stats reports the binary frames and ticks handled so far.
func (l *Loop) Stats() (frames, ticks int64) {
	return l.frames.Load(), l.ticks.Load()
}

// Run reads from src until ctx ends, the exit policy fires, or the stream
// fails. Cancellation and a clean close from the server return nil.
func (l *Loop) Run(ctx context.Context, src Source, exit ExitPolicy) error {
	var cancel context.CancelFunc
	if exit.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, exit.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	stop := context.AfterFunc(ctx, src.Interrupt)
	defer stop()

	var wg sync.WaitGroup
	if exit.ShouldExit != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.watch(ctx, cancel, exit)
		}()
	}

	err := l.read(ctx, src)
	cancel()
	wg.Wait()
	return err
}

func (l *Loop) watch(ctx context.Context, cancel context.CancelFunc, exit ExitPolicy) {
	interval := exit.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if exit.ShouldExit() {
				logger.Info(ctx, "Exit requested, stopping read loop")
				cancel()
				return
			}
		}
	}
}

func (l *Loop) read(ctx context.Context, src Source) error {
	purposes := src.Purposes()
	for {
		mt, data, err := src.Receive()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			logger.ErrorWithErr(ctx, "Ticker read failed", err)
			return fmt.Errorf("dispatch: read: %w", err)
		}

		switch mt {
		case websocket.TextMessage:
			l.handleText(ctx, data)
		case websocket.BinaryMessage:
			l.handleBinary(ctx, data, l.now(), purposes)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (l *Loop) handleText(ctx context.Context, data []byte) {
	msg, err := zerodha.ParseServerMessage(data)
	if err != nil {
		logger.Debug(ctx, "Ignoring non-JSON text frame", "bytes", len(data))
		return
	}
	if msg.Type == "error" {
		logger.Warn(ctx, "Ticker reported an error", "data", string(msg.Data))
		return
	}
	logger.Debug(ctx, "Ignoring text frame", "type", msg.Type)
}

func (l *Loop) handleBinary(ctx context.Context, data []byte, receivedAt time.Time, purposes []types.Purpose) {
	ticks, err := l.parser.Parse(ctx, data, l.registry.Tracks)
	if err != nil {
		if errors.Is(err, zerodha.ErrTruncatedFrame) {
			logger.Warn(ctx, "Truncated ticker frame", "bytes", len(data), "ticks", len(ticks), "error", err.Error())
		} else {
			logger.Warn(ctx, "Failed to parse ticker frame", "bytes", len(data), "error", err.Error())
		}
	}
	if len(data) < 2 {
		return
	}
	l.frames.Add(1)

	for _, tick := range ticks {
		for _, p := range purposes {
			l.registry.Dispatch(ctx, tick, receivedAt, p)
		}
	}
	l.ticks.Add(int64(len(ticks)))
}
