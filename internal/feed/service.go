// Package feed is the market data service: it resolves symbols, registers
// consumers and keeps the ticker connections carrying their tokens.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"kite-marketfeed/internal/broker/zerodha"
	"kite-marketfeed/internal/feed/conn"
	"kite-marketfeed/internal/feed/dispatch"
	"kite-marketfeed/internal/feed/registry"
	"kite-marketfeed/internal/feed/volume"
	"kite-marketfeed/internal/interfaces"
	"kite-marketfeed/internal/logger"
	"kite-marketfeed/internal/store"
	"kite-marketfeed/internal/types"

	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"
	"golang.org/x/sync/errgroup"
)

var (
	ErrClosed         = errors.New("feed: service closed")
	ErrInvalidRequest = errors.New("feed: invalid subscribe request")
)

type Option func(*Service)

// WithObserver adds a sink that sees every dispatched tick.
func WithObserver(o interfaces.TickObserver) Option {
	return func(s *Service) { s.observers = append(s.observers, o) }
}

// WithExitPredicate stops the read loops once fn returns true.
func WithExitPredicate(fn func() bool) Option {
	return func(s *Service) { s.exitFn = fn }
}

// WithConnEvents replaces the connection lifecycle handlers.
func WithConnEvents(e conn.Events) Option {
	return func(s *Service) { s.connOpts = append(s.connOpts, conn.WithEvents(e)) }
}

// Service owns every piece of the feed. Nothing in it is global.
type Service struct {
	resolver interfaces.Resolver
	tracker  *volume.Tracker
	registry *registry.Registry
	manager  *conn.Manager
	loop     *dispatch.Loop
	exit     dispatch.ExitPolicy

	defaultMode kiteticker.Mode
	overrides   map[string]kiteticker.Mode

	observers []interfaces.TickObserver
	exitFn    func() bool
	connOpts  []conn.Option

	// mu serializes subscription changes.
	mu     sync.Mutex
	closed atomic.Bool
}

var _ interfaces.Feed = (*Service)(nil)

func NewService(cfg *store.Config, resolver interfaces.Resolver, dialer conn.Dialer, opts ...Option) (*Service, error) {
	defaultMode, err := zerodha.ParseMode(cfg.Feed.DefaultMode)
	if err != nil {
		return nil, fmt.Errorf("feed: default mode: %w", err)
	}
	overrides := make(map[string]kiteticker.Mode, len(cfg.Feed.ModeOverrides))
	for sym, m := range cfg.Feed.ModeOverrides {
		mode, err := zerodha.ParseMode(m)
		if err != nil {
			return nil, fmt.Errorf("feed: mode override for %s: %w", sym, err)
		}
		overrides[strings.ToUpper(sym)] = mode
	}

	s := &Service{
		resolver:    resolver,
		tracker:     volume.New(),
		defaultMode: defaultMode,
		overrides:   overrides,
	}
	for _, opt := range opts {
		opt(s)
	}

	regOpts := make([]registry.Option, 0, len(s.observers))
	for _, o := range s.observers {
		regOpts = append(regOpts, registry.WithObserver(o))
	}
	s.registry = registry.New(s.tracker, regOpts...)
	s.loop = dispatch.New(zerodha.NewParser(), s.registry)
	s.exit = dispatch.ExitPolicy{
		ShouldExit:   s.shouldExit,
		PollInterval: cfg.Feed.ExitPollInterval,
	}
	s.manager = conn.NewManager(conn.Config{
		ShareConnections:     cfg.Feed.ShareConnections,
		HealthInterval:       cfg.Feed.HealthInterval,
		IdleThreshold:        cfg.Feed.IdleThreshold,
		ModeSettleDelay:      cfg.Feed.ModeSettleDelay,
		MaxReconnectAttempts: cfg.Feed.MaxReconnectAttempts,
		ReconnectMaxInterval: cfg.Feed.ReconnectMaxInterval,
		SendRatePerSec:       cfg.Feed.SendRatePerSec,
		BatchSize:            cfg.Feed.BatchSize,
	}, dialer, s.runLoop, s.connOpts...)
	s.registry.SetReleaser(s.manager)

	return s, nil
}

func (s *Service) runLoop(ctx context.Context, c *conn.Connection) error {
	return s.loop.Run(ctx, c, s.exit)
}

func (s *Service) shouldExit() bool {
	return s.closed.Load() || (s.exitFn != nil && s.exitFn())
}

// Subscribe streams req.Symbol to req.Callback. Subscribing the same
// consumer again replaces its callback.
func (s *Service) Subscribe(ctx context.Context, req types.SubscribeRequest) error {
	return s.SubscribeMany(ctx, []types.SubscribeRequest{req})
}

type pending struct {
	req    types.SubscribeRequest
	inst   types.Instrument
	mode   kiteticker.Mode
	change registry.Change
}

type attachKey struct {
	purpose types.Purpose
	mode    kiteticker.Mode
}

// SubscribeMany registers every request and then sends one batched handshake
// per purpose and mode. Any failure reverts the registrations it made,
// restoring replaced callbacks.
func (s *Service) SubscribeMany(ctx context.Context, reqs []types.SubscribeRequest) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		batch []pending
		errs  []error
	)
	for _, req := range reqs {
		p, err := s.prepare(ctx, req)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		batch = append(batch, p)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	groups := make(map[attachKey][]uint32)
	var order []attachKey
	add := func(k attachKey, token uint32) {
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], token)
	}

	for i := range batch {
		p := &batch[i]
		meta := p.req.Meta
		if meta == nil {
			meta = p.inst
		}
		change, err := s.registry.Subscribe(registry.Entry{
			Symbol:     p.inst.Key(),
			Token:      p.inst.Token,
			Mode:       p.mode,
			Depth:      p.req.Depth,
			ConsumerID: p.req.ConsumerID,
			Meta:       meta,
			Handle:     p.req.Meta,
			Callback:   p.req.Callback,
		})
		if err != nil {
			s.rollback(ctx, batch[:i])
			return fmt.Errorf("feed: register %s: %w", p.req.Symbol, err)
		}
		p.change = change
		add(attachKey{types.PurposeTicks, change.Mode}, p.inst.Token)
		if p.req.Depth {
			add(attachKey{types.PurposeDepth, kiteticker.ModeFull}, p.inst.Token)
		}
	}

	for _, k := range order {
		if err := s.attach(ctx, k.purpose, k.mode, groups[k]); err != nil {
			s.rollback(ctx, batch)
			return err
		}
	}

	for _, p := range batch {
		logger.Subscription(ctx, p.inst.Key(), p.inst.Token, "subscribe", p.req.ConsumerID,
			"mode", string(p.mode),
			"depth", p.req.Depth,
		)
	}
	return nil
}

func (s *Service) prepare(ctx context.Context, req types.SubscribeRequest) (pending, error) {
	if strings.TrimSpace(req.Symbol) == "" || req.ConsumerID == "" || req.Callback == nil {
		return pending{}, fmt.Errorf("%w: symbol, consumer id and callback are required", ErrInvalidRequest)
	}
	inst, err := s.resolver.Resolve(ctx, req.Symbol)
	if err != nil {
		return pending{}, fmt.Errorf("feed: resolve %s: %w", req.Symbol, err)
	}
	mode, err := s.modeFor(req, inst)
	if err != nil {
		return pending{}, err
	}
	return pending{req: req, inst: inst, mode: mode}, nil
}

// modeFor picks the request's mode, else a per-symbol override, else the
// default.
func (s *Service) modeFor(req types.SubscribeRequest, inst types.Instrument) (kiteticker.Mode, error) {
	if req.Mode != "" {
		m, err := zerodha.ParseMode(req.Mode)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return m, nil
	}
	for _, key := range []string{req.Symbol, inst.Key(), inst.Symbol} {
		if m, ok := s.overrides[strings.ToUpper(strings.TrimSpace(key))]; ok {
			return m, nil
		}
	}
	return s.defaultMode, nil
}

func (s *Service) attach(ctx context.Context, purpose types.Purpose, mode kiteticker.Mode, tokens []uint32) error {
	c, err := s.manager.EnsureConnection(ctx, purpose)
	if err != nil {
		return fmt.Errorf("feed: %s connection: %w", purpose, err)
	}
	if err := s.manager.Subscribe(ctx, c, tokens, mode); err != nil {
		return fmt.Errorf("feed: subscribe %d tokens for %s: %w", len(tokens), purpose, err)
	}
	return nil
}

// rollback reverts registrations newest first so repeated entries for one
// consumer unwind to the state before the batch.
func (s *Service) rollback(ctx context.Context, batch []pending) {
	for i := len(batch) - 1; i >= 0; i-- {
		p := batch[i]
		if err := s.registry.Revert(ctx, p.inst.Key(), p.req.ConsumerID, p.change); err != nil {
			logger.Warn(ctx, "Rollback of failed subscription incomplete",
				"symbol", p.inst.Key(),
				"consumer_id", p.req.ConsumerID,
				"error", err.Error(),
			)
		}
	}
}

// Unsubscribe removes one consumer. The broker is told once the symbol has
// no consumers left.
func (s *Service) Unsubscribe(ctx context.Context, symbol, consumerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.TrimSpace(symbol)
	var token uint32
	if inst, err := s.resolver.Resolve(ctx, symbol); err == nil {
		key, token = inst.Key(), inst.Token
	}
	if err := s.registry.Unsubscribe(ctx, key, consumerID); err != nil {
		return fmt.Errorf("feed: unsubscribe %s: %w", key, err)
	}
	logger.Subscription(ctx, key, token, "unsubscribe", consumerID)
	return nil
}

// Run keeps connections healthy until ctx ends or the exit predicate fires.
// Connections stopped by the predicate are not repaired.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.manager.RunHealthChecks(ctx)
	})
	g.Go(func() error {
		s.waitForExit(ctx, cancel)
		return nil
	})
	return g.Wait()
}

func (s *Service) waitForExit(ctx context.Context, cancel context.CancelFunc) {
	interval := s.exit.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.shouldExit() {
				logger.Info(ctx, "Exit requested, stopping health checks")
				cancel()
				return
			}
		}
	}
}

// Close stops the read loops and closes every connection. It is safe to call
// more than once.
func (s *Service) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.manager.CloseAll(ctx); err != nil {
		return fmt.Errorf("feed: close: %w", err)
	}
	return nil
}

func (s *Service) Status() types.Status {
	return types.Status{
		Connections:   s.manager.Status(),
		Subscriptions: s.registry.Snapshot(),
	}
}

// Stats reports binary frames and ticks handled by the read loops.
func (s *Service) Stats() (frames, ticks int64) {
	return s.loop.Stats()
}
