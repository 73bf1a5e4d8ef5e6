package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"kite-marketfeed/internal/logger"
	"kite-marketfeed/internal/types"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var (
	streamMode     string
	streamDepth    bool
	streamJSON     bool
	streamStatus   time.Duration
	streamConsumer string
)

var streamCmd = &cobra.Command{
	Use:   "stream SYMBOL...",
	Short: "Stream live updates for one or more symbols",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStream,
}

func init() {
	f := streamCmd.Flags()
	f.StringVarP(&streamMode, "mode", "m", "", "ltp, quote or full (default from config)")
	f.BoolVarP(&streamDepth, "depth", "d", false, "also stream five-level market depth")
	f.BoolVar(&streamJSON, "json", false, "print updates as JSON lines")
	f.DurationVar(&streamStatus, "status-every", 0, "print the feed status at this interval")
	f.StringVar(&streamConsumer, "consumer", "cli", "consumer id used for the subscriptions")
}

// update is one printed callback invocation.
type update struct {
	Symbol string    `json:"symbol"`
	Kind   string    `json:"kind"`
	Price  float64   `json:"price"`
	Size   int64     `json:"size"`
	Time   time.Time `json:"time"`
	Level  int       `json:"level,omitempty"`
}

type printer struct {
	mu   sync.Mutex
	out  io.Writer
	json bool
}

func (p *printer) callback(symbol string) types.Callback {
	return func(kind types.MarketDataKind, price float64, size int64, ts time.Time, extra any) {
		u := update{Symbol: symbol, Kind: kind.String(), Price: price, Size: size, Time: ts}
		if lvl, ok := extra.(types.DepthLevel); ok {
			u.Level = lvl.Level + 1
		}
		p.print(u)
	}
}

func (p *printer) print(u update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		b, _ := json.Marshal(u)
		fmt.Fprintln(p.out, string(b))
		return
	}
	if u.Level > 0 {
		fmt.Fprintf(p.out, "%s %-14s %-10s L%d %12.2f x %d\n", u.Time.Format("15:04:05.000"), u.Symbol, u.Kind, u.Level, u.Price, u.Size)
		return
	}
	fmt.Fprintf(p.out, "%s %-14s %-12s %12.2f x %d\n", u.Time.Format("15:04:05.000"), u.Symbol, u.Kind, u.Price, u.Size)
}

func runStream(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	rt, err := initializeFeed(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.shutdown(closeCtx); err != nil {
			logger.ErrorWithErr(closeCtx, "Feed shutdown incomplete", err)
		}
	}()

	p := &printer{out: cmd.OutOrStdout(), json: streamJSON}
	reqs := make([]types.SubscribeRequest, 0, len(args))
	for _, sym := range args {
		reqs = append(reqs, types.SubscribeRequest{
			Symbol:     sym,
			ConsumerID: streamConsumer,
			Mode:       streamMode,
			Depth:      streamDepth,
			Callback:   p.callback(sym),
		})
	}
	if err := rt.feed.SubscribeMany(ctx, reqs); err != nil {
		return err
	}
	logger.Info(ctx, "Streaming", "symbols", args)

	if streamStatus > 0 {
		go printStatus(ctx, rt, streamStatus)
	}

	if err := rt.service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info(context.Background(), "Shutting down...")
	return nil
}

func printStatus(ctx context.Context, rt *feedRuntime, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b, err := json.Marshal(rt.feed.Status())
			if err != nil {
				continue
			}
			frames, ticks := rt.service.Stats()
			fmt.Fprintf(os.Stderr, "status frames=%d ticks=%d %s\n", frames, ticks, b)
		}
	}
}
