package main

import (
	"context"
	"fmt"
	"os"

	"kite-marketfeed/internal/broker/brokerobs"
	"kite-marketfeed/internal/broker/zerodha"
	rediscache "kite-marketfeed/internal/cache/redis"
	"kite-marketfeed/internal/feed"
	"kite-marketfeed/internal/feed/conn"
	"kite-marketfeed/internal/interfaces"
	"kite-marketfeed/internal/logger"
	"kite-marketfeed/internal/store"
	"kite-marketfeed/internal/ticklog"
	"kite-marketfeed/internal/trace"

	"github.com/joho/godotenv"
)

// initializeSystem initializes logger and tracer
func initializeSystem() error {
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := trace.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}
	return nil
}

// loadConfig loads and returns the configuration
func loadConfig(ctx context.Context) (*store.Config, error) {
	cfg, err := store.LoadConfig(configPath)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err)
		return nil, err
	}
	return cfg, nil
}

// initializeResolver builds the instrument resolver from the kite settings
func initializeResolver(cfg *store.Config) *zerodha.Resolver {
	return zerodha.NewZerodha(zerodha.Params{
		APIKey:          cfg.Kite.APIKey,
		AccessToken:     cfg.Kite.AccessToken,
		APIURL:          cfg.Kite.APIURL,
		InstrumentsCSV:  cfg.Kite.InstrumentsCSV,
		CacheDir:        cfg.Kite.InstrumentCacheDir,
		CacheTTL:        cfg.Kite.InstrumentCacheTTL,
		SyntheticTokens: cfg.Feed.SyntheticTokens,
	})
}

// feedRuntime is the running service plus the sinks it owns.
type feedRuntime struct {
	service *feed.Service
	feed    interfaces.Feed
	closers []func()
}

func (r *feedRuntime) shutdown(ctx context.Context) error {
	err := r.feed.Close(ctx)
	r.closeSinks()
	return err
}

// initializeFeed wires resolver, dialer and the optional tick sinks into a
// feed service wrapped with observability
func initializeFeed(ctx context.Context, cfg *store.Config) (*feedRuntime, error) {
	dialer, err := conn.NewWSDialer(cfg.Kite.WSURL, cfg.Kite.APIKey, cfg.Kite.AccessToken, cfg.Feed.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	rt := &feedRuntime{}
	opts := []feed.Option{feed.WithConnEvents(conn.LoggingEvents())}

	if cfg.TickLog.Enabled {
		tl, err := ticklog.New(ticklog.Config{
			Path:       cfg.TickLog.Path,
			MaxSizeMB:  cfg.TickLog.MaxSizeMB,
			MaxAgeDays: cfg.TickLog.MaxAgeDays,
			MaxBackups: cfg.TickLog.MaxBackups,
			Compress:   cfg.TickLog.Compress,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, feed.WithObserver(tl))
		rt.closers = append(rt.closers, func() { _ = tl.Close() })
		logger.Info(ctx, "Tick volume log enabled", "path", cfg.TickLog.Path)
	}

	if cfg.Redis.Enabled {
		client, err := rediscache.New(ctx, rediscache.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			rt.closeSinks()
			return nil, err
		}
		obs := rediscache.NewObserver(rediscache.NewTickCache(client, cfg.Redis.TTL), 0)
		opts = append(opts, feed.WithObserver(obs))
		rt.closers = append(rt.closers, func() {
			obs.Close()
			if n := obs.Dropped(); n > 0 {
				logger.Warn(ctx, "Tick snapshots dropped", "count", n)
			}
			_ = client.Close()
		})
		logger.Info(ctx, "Redis tick snapshots enabled", "addr", cfg.Redis.Addr)
	}

	svc, err := feed.NewService(cfg, initializeResolver(cfg), dialer, opts...)
	if err != nil {
		rt.closeSinks()
		return nil, err
	}
	rt.service = svc
	rt.feed = brokerobs.Wrap(svc)
	return rt, nil
}

func (r *feedRuntime) closeSinks() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}
