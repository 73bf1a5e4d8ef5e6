package registry

import (
	"context"
	"time"

	"kite-marketfeed/internal/logger"
	"kite-marketfeed/internal/types"

	"github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"
)

// Dispatch delivers tick to every consumer of its token. purpose selects the
// updates: ticks produce price and volume fields, depth produces the five
// level ladder for subscriptions that asked for it. Unknown tokens are
// dropped and reported as false.
func (r *Registry) Dispatch(ctx context.Context, tick models.Tick, receivedAt time.Time, purpose types.Purpose) bool {
	v, ok := r.byToken.Load(tick.InstrumentToken)
	if !ok {
		logger.Debug(ctx, "Dropping tick for unregistered token", "token", tick.InstrumentToken)
		return false
	}
	sub := v.(*subscription)
	sub.touch(receivedAt)

	switch purpose {
	case types.PurposeDepth:
		if sub.depth.Load() {
			r.emitDepth(ctx, sub, tick, receivedAt)
		}
	default:
		r.emitTicks(ctx, sub, tick, receivedAt)
	}
	return true
}

func tickTime(tick models.Tick, receivedAt time.Time) time.Time {
	if !tick.Timestamp.Time.IsZero() {
		return tick.Timestamp.Time
	}
	return receivedAt
}

func (r *Registry) emitTicks(ctx context.Context, sub *subscription, tick models.Tick, receivedAt time.Time) {
	consumers := sub.snapshot()
	ts := tickTime(tick, receivedAt)
	round := sub.meta.RoundToTickSize

	fire := func(kind types.MarketDataKind, price float64, size int64) {
		for _, c := range consumers {
			r.invoke(ctx, sub.symbol, c, kind, price, size, ts, c.handle)
		}
	}

	var delta int64
	if tick.Mode == string(kiteticker.ModeLTP) {
		fire(types.KindLast, round(tick.LastPrice), 1)
		r.observe(ctx, sub, tick, 0, receivedAt)
		return
	}

	if !tick.IsIndex {
		delta = r.tracker.Delta(sub.symbol, int64(tick.VolumeTraded))
	}

	size := delta
	if size <= 0 {
		size = int64(tick.LastTradedQuantity)
	}
	if size <= 0 && tick.IsIndex {
		size = 1
	}
	fire(types.KindLast, round(tick.LastPrice), size)

	if bid := tick.Depth.Buy[0].Price; bid > 0 {
		fire(types.KindBid, round(bid), int64(tick.TotalBuyQuantity))
	}
	if ask := tick.Depth.Sell[0].Price; ask > 0 {
		fire(types.KindAsk, round(ask), int64(tick.TotalSellQuantity))
	}

	if !tick.IsIndex {
		fire(types.KindDailyVolume, float64(tick.VolumeTraded), int64(tick.VolumeTraded))
	}
	if tick.OHLC.High > 0 {
		fire(types.KindDailyHigh, round(tick.OHLC.High), 0)
	}
	if tick.OHLC.Low > 0 {
		fire(types.KindDailyLow, round(tick.OHLC.Low), 0)
	}
	if tick.OHLC.Open > 0 {
		fire(types.KindOpening, round(tick.OHLC.Open), 0)
	}
	if tick.OHLC.Close > 0 {
		fire(types.KindLastClose, round(tick.OHLC.Close), 0)
	}
	if tick.OI > 0 {
		fire(types.KindOpenInterest, float64(tick.OI), int64(tick.OI))
	}

	r.observe(ctx, sub, tick, delta, receivedAt)
}

func (r *Registry) emitDepth(ctx context.Context, sub *subscription, tick models.Tick, receivedAt time.Time) {
	if tick.Mode != string(kiteticker.ModeFull) {
		return
	}
	consumers := sub.snapshot()
	ts := tickTime(tick, receivedAt)
	round := sub.meta.RoundToTickSize

	for _, c := range consumers {
		for level, item := range tick.Depth.Buy {
			if item.Price <= 0 {
				continue
			}
			r.invoke(ctx, sub.symbol, c, types.KindDepthBid, round(item.Price), int64(item.Quantity), ts,
				types.DepthLevel{Handle: c.handle, Level: level, Orders: item.Orders})
		}
		for level, item := range tick.Depth.Sell {
			if item.Price <= 0 {
				continue
			}
			r.invoke(ctx, sub.symbol, c, types.KindDepthAsk, round(item.Price), int64(item.Quantity), ts,
				types.DepthLevel{Handle: c.handle, Level: level, Orders: item.Orders})
		}
	}
}

func (r *Registry) observe(ctx context.Context, sub *subscription, tick models.Tick, delta int64, receivedAt time.Time) {
	if len(r.observers) == 0 {
		return
	}
	obs := types.TickObservation{
		Symbol:     sub.symbol,
		Tick:       tick,
		Delta:      delta,
		ReceivedAt: receivedAt,
		DispatchAt: r.now(),
	}
	for _, o := range r.observers {
		o.ObserveTick(ctx, obs)
	}
}
