package brokerobs

import (
	"context"
	"fmt"

	"kite-marketfeed/internal/interfaces"
	"kite-marketfeed/internal/logger"
	"kite-marketfeed/internal/trace"
	"kite-marketfeed/internal/types"
)

// observableFeed wraps a Feed with observability (logging & tracing)
type observableFeed struct {
	feed interfaces.Feed
}

// Compile-time interface check
var _ interfaces.Feed = (*observableFeed)(nil)

// Wrap wraps a feed with observability middleware
func Wrap(feed interfaces.Feed) interfaces.Feed {
	return &observableFeed{
		feed: feed,
	}
}

// Subscribe registers a consumer with observability
func (of *observableFeed) Subscribe(ctx context.Context, req types.SubscribeRequest) error {
	ctx, span := trace.StartSpan(ctx, "feed.Subscribe")
	defer span.End()

	logger.DebugSkip(ctx, 1, "Subscribing",
		"symbol", req.Symbol,
		"consumer_id", req.ConsumerID,
		"mode", req.Mode,
		"depth", req.Depth,
	)

	if err := of.feed.Subscribe(ctx, req); err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to subscribe", err,
			"symbol", req.Symbol,
			"consumer_id", req.ConsumerID,
		)
		return err
	}

	logger.DebugSkip(ctx, 1, "Subscribed successfully", "symbol", req.Symbol, "consumer_id", req.ConsumerID)
	return nil
}

// SubscribeMany registers a batch with observability
func (of *observableFeed) SubscribeMany(ctx context.Context, reqs []types.SubscribeRequest) error {
	ctx, span := trace.StartSpan(ctx, "feed.SubscribeMany")
	defer span.End()

	symbols := make([]string, 0, len(reqs))
	for _, r := range reqs {
		symbols = append(symbols, r.Symbol)
	}
	logger.InfoSkip(ctx, 1, "Subscribing batch", "symbols", symbols, "count", len(reqs))

	if err := of.feed.SubscribeMany(ctx, reqs); err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to subscribe batch", err, "symbols", symbols)
		return fmt.Errorf("subscribe batch failed: %w", err)
	}

	logger.InfoSkip(ctx, 1, "Batch subscribed successfully", "count", len(reqs))
	return nil
}

// Unsubscribe removes a consumer with observability
func (of *observableFeed) Unsubscribe(ctx context.Context, symbol, consumerID string) error {
	ctx, span := trace.StartSpan(ctx, "feed.Unsubscribe")
	defer span.End()

	logger.DebugSkip(ctx, 1, "Unsubscribing", "symbol", symbol, "consumer_id", consumerID)

	if err := of.feed.Unsubscribe(ctx, symbol, consumerID); err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to unsubscribe", err,
			"symbol", symbol,
			"consumer_id", consumerID,
		)
		return err
	}
	return nil
}

func (of *observableFeed) Status() types.Status {
	return of.feed.Status()
}

// Close shuts down the feed with observability
func (of *observableFeed) Close(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "feed.Close")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Closing feed")
	if err := of.feed.Close(ctx); err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to close feed", err)
		return fmt.Errorf("feed close failed: %w", err)
	}

	logger.InfoSkip(ctx, 1, "Feed closed successfully")
	return nil
}
