package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"kite-marketfeed/internal/broker/zerodha"
	"kite-marketfeed/internal/broker/zerodha/zerodhatest"
	"kite-marketfeed/internal/feed/volume"
	"kite-marketfeed/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"
)

type update struct {
	consumer string
	kind     types.MarketDataKind
	price    float64
	size     int64
	ts       time.Time
	extra    any
}

type recorder struct {
	mu      sync.Mutex
	updates []update
}

func (rec *recorder) callback(consumer string) types.Callback {
	return func(kind types.MarketDataKind, price float64, size int64, ts time.Time, extra any) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.updates = append(rec.updates, update{consumer, kind, price, size, ts, extra})
	}
}

func (rec *recorder) all() []update {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]update(nil), rec.updates...)
}

func (rec *recorder) kinds(consumer string) []types.MarketDataKind {
	var out []types.MarketDataKind
	for _, u := range rec.all() {
		if u.consumer == consumer {
			out = append(out, u.kind)
		}
	}
	return out
}

type releaseCall struct {
	token   uint32
	purpose types.Purpose
}

type fakeReleaser struct {
	mu    sync.Mutex
	calls []releaseCall
	err   error
}

func (f *fakeReleaser) Release(_ context.Context, token uint32, purpose types.Purpose) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, releaseCall{token, purpose})
	return f.err
}

type observerFunc func(ctx context.Context, obs types.TickObservation)

func (f observerFunc) ObserveTick(ctx context.Context, obs types.TickObservation) { f(ctx, obs) }

func ltpTick(token uint32, price float64) models.Tick {
	return models.Tick{Mode: string(kiteticker.ModeLTP), InstrumentToken: token, LastPrice: price}
}

func entry(symbol string, token uint32, consumer string, cb types.Callback) Entry {
	return Entry{Symbol: symbol, Token: token, Mode: kiteticker.ModeQuote, ConsumerID: consumer, Callback: cb}
}

func TestDispatchFansOutInSubscriptionOrder(t *testing.T) {
	r := New(volume.New())
	rec := &recorder{}

	_, err := r.Subscribe(entry("X", 7, "A", rec.callback("A")))
	require.NoError(t, err)
	_, err = r.Subscribe(entry("X", 7, "B", rec.callback("B")))
	require.NoError(t, err)

	require.True(t, r.Dispatch(context.Background(), ltpTick(7, 100.5), time.Now(), types.PurposeTicks))

	got := rec.all()
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].consumer)
	assert.Equal(t, "B", got[1].consumer)

	require.NoError(t, r.Unsubscribe(context.Background(), "X", "A"))
	r.Dispatch(context.Background(), ltpTick(7, 101), time.Now(), types.PurposeTicks)

	got = rec.all()
	require.Len(t, got, 3)
	assert.Equal(t, "B", got[2].consumer)
}

func TestSubscribeIsIdempotentPerConsumer(t *testing.T) {
	r := New(nil)
	first := &recorder{}
	second := &recorder{}

	c, err := r.Subscribe(entry("X", 7, "A", first.callback("A")))
	require.NoError(t, err)
	assert.True(t, c.Created)

	c, err = r.Subscribe(entry("X", 7, "A", second.callback("A")))
	require.NoError(t, err)
	assert.False(t, c.Created)
	assert.True(t, c.Replaced)

	r.Dispatch(context.Background(), ltpTick(7, 10), time.Now(), types.PurposeTicks)

	assert.Empty(t, first.all())
	assert.Len(t, second.all(), 1)
	assert.Equal(t, []string{"A"}, r.Snapshot()[0].Consumers)
}

func TestRevertRestoresReplacedConsumer(t *testing.T) {
	ctx := context.Background()
	r := New(nil)
	first := &recorder{}
	second := &recorder{}

	_, err := r.Subscribe(entry("X", 7, "A", first.callback("A")))
	require.NoError(t, err)

	e := entry("X", 7, "A", second.callback("A"))
	e.Mode = kiteticker.ModeFull
	e.Depth = true
	c, err := r.Subscribe(e)
	require.NoError(t, err)
	require.True(t, c.Replaced)
	require.True(t, c.ModeUpgraded)
	require.True(t, c.DepthAdded)

	require.NoError(t, r.Revert(ctx, "X", "A", c))

	r.Dispatch(ctx, ltpTick(7, 10), time.Now(), types.PurposeTicks)
	assert.Len(t, first.all(), 1)
	assert.Empty(t, second.all())

	st := r.Snapshot()
	require.Len(t, st, 1)
	assert.Equal(t, "quote", st[0].Mode)
	assert.False(t, st[0].Depth)
	assert.Equal(t, []string{"A"}, st[0].Consumers)
}

func TestRevertRemovesAddedConsumer(t *testing.T) {
	ctx := context.Background()
	rel := &fakeReleaser{}
	r := New(nil, WithReleaser(rel))
	noop := func(types.MarketDataKind, float64, int64, time.Time, any) {}

	c, err := r.Subscribe(entry("X", 7, "A", noop))
	require.NoError(t, err)
	require.NoError(t, r.Revert(ctx, "X", "A", c))

	assert.Empty(t, r.Snapshot())
	assert.Equal(t, []releaseCall{{7, types.PurposeTicks}}, rel.calls)
}

func TestDispatchUnknownTokenIsDropped(t *testing.T) {
	r := New(nil)
	rec := &recorder{}
	_, err := r.Subscribe(entry("X", 7, "A", rec.callback("A")))
	require.NoError(t, err)

	assert.False(t, r.Dispatch(context.Background(), ltpTick(8, 10), time.Now(), types.PurposeTicks))
	assert.Empty(t, rec.all())
}

func TestDispatchFullTickEmissionOrder(t *testing.T) {
	r := New(nil)
	rec := &recorder{}
	_, err := r.Subscribe(entry("FUT", 9, "A", rec.callback("A")))
	require.NoError(t, err)

	tick := models.Tick{
		Mode:               string(kiteticker.ModeFull),
		InstrumentToken:    9,
		LastPrice:          100,
		LastTradedQuantity: 3,
		VolumeTraded:       1000,
		TotalBuyQuantity:   400,
		TotalSellQuantity:  500,
		OI:                 77,
		OHLC:               models.OHLC{Open: 98, High: 101, Low: 97, Close: 99},
	}
	tick.Depth.Buy[0] = models.DepthItem{Price: 99.95, Quantity: 10}
	tick.Depth.Sell[0] = models.DepthItem{Price: 100.05, Quantity: 12}

	r.Dispatch(context.Background(), tick, time.Now(), types.PurposeTicks)

	assert.Equal(t, []types.MarketDataKind{
		types.KindLast,
		types.KindBid,
		types.KindAsk,
		types.KindDailyVolume,
		types.KindDailyHigh,
		types.KindDailyLow,
		types.KindOpening,
		types.KindLastClose,
		types.KindOpenInterest,
	}, rec.kinds("A"))

	got := rec.all()
	assert.Equal(t, int64(3), got[0].size, "first observation has no delta, so last qty is used")
	assert.Equal(t, int64(400), got[1].size)
	assert.Equal(t, int64(500), got[2].size)
	assert.Equal(t, int64(1000), got[3].size)
	assert.Equal(t, int64(77), got[8].size)
}

func TestDispatchQuoteOmitsAbsentFields(t *testing.T) {
	r := New(nil)
	rec := &recorder{}
	_, err := r.Subscribe(entry("EQ", 9, "A", rec.callback("A")))
	require.NoError(t, err)

	r.Dispatch(context.Background(), models.Tick{
		Mode:            string(kiteticker.ModeQuote),
		InstrumentToken: 9,
		LastPrice:       50,
		VolumeTraded:    10,
		OHLC:            models.OHLC{High: 51},
	}, time.Now(), types.PurposeTicks)

	assert.Equal(t, []types.MarketDataKind{types.KindLast, types.KindDailyVolume, types.KindDailyHigh}, rec.kinds("A"))
}

func TestDispatchLTPUsesUnitSize(t *testing.T) {
	r := New(nil)
	rec := &recorder{}
	_, err := r.Subscribe(entry("X", 7, "A", rec.callback("A")))
	require.NoError(t, err)

	r.Dispatch(context.Background(), ltpTick(7, 10), time.Now(), types.PurposeTicks)

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, types.KindLast, got[0].kind)
	assert.Equal(t, int64(1), got[0].size)
}

func TestDispatchUsesVolumeDelta(t *testing.T) {
	r := New(nil)
	rec := &recorder{}
	_, err := r.Subscribe(entry("X", 7, "A", rec.callback("A")))
	require.NoError(t, err)

	quote := func(vol, ltq uint32) models.Tick {
		return models.Tick{Mode: string(kiteticker.ModeQuote), InstrumentToken: 7, LastPrice: 10, VolumeTraded: vol, LastTradedQuantity: ltq}
	}
	for _, tk := range []models.Tick{quote(100, 5), quote(160, 5), quote(150, 4), quote(200, 4)} {
		r.Dispatch(context.Background(), tk, time.Now(), types.PurposeTicks)
	}

	var sizes []int64
	for _, u := range rec.all() {
		if u.kind == types.KindLast {
			sizes = append(sizes, u.size)
		}
	}
	assert.Equal(t, []int64{5, 60, 4, 50}, sizes)
}

func TestDispatchTimestampPrefersExchangeTime(t *testing.T) {
	r := New(nil)
	rec := &recorder{}
	_, err := r.Subscribe(entry("X", 7, "A", rec.callback("A")))
	require.NoError(t, err)

	received := time.Date(2024, 1, 2, 9, 15, 0, 0, time.UTC)
	exchange := time.Date(2024, 1, 2, 9, 14, 59, 0, time.UTC)

	r.Dispatch(context.Background(), ltpTick(7, 1), received, types.PurposeTicks)
	tk := ltpTick(7, 1)
	tk.Timestamp = models.Time{Time: exchange}
	r.Dispatch(context.Background(), tk, received, types.PurposeTicks)

	got := rec.all()
	require.Len(t, got, 2)
	assert.Equal(t, received, got[0].ts)
	assert.Equal(t, exchange, got[1].ts)
}

func TestDispatchRoundsThroughInstrumentMeta(t *testing.T) {
	r := New(nil)
	rec := &recorder{}
	e := entry("X", 7, "A", rec.callback("A"))
	e.Meta = types.Instrument{Token: 7, Symbol: "X", TickSize: 0.05}
	_, err := r.Subscribe(e)
	require.NoError(t, err)

	r.Dispatch(context.Background(), ltpTick(7, 150.27), time.Now(), types.PurposeTicks)

	got := rec.all()
	require.Len(t, got, 1)
	assert.InDelta(t, 150.25, got[0].price, 1e-9)
	assert.Equal(t, e.Meta, got[0].extra, "meta doubles as the callback handle")
}

func TestCallbackPanicDoesNotStopOthers(t *testing.T) {
	r := New(nil)
	rec := &recorder{}
	_, err := r.Subscribe(entry("X", 7, "bad", func(types.MarketDataKind, float64, int64, time.Time, any) {
		panic("boom")
	}))
	require.NoError(t, err)
	_, err = r.Subscribe(entry("X", 7, "good", rec.callback("good")))
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		r.Dispatch(context.Background(), ltpTick(7, 1), time.Now(), types.PurposeTicks)
	})
	assert.Len(t, rec.all(), 1)
}

func TestLastUnsubscribeReleasesToken(t *testing.T) {
	rel := &fakeReleaser{}
	r := New(nil, WithReleaser(rel))

	_, err := r.Subscribe(entry("X", 7, "A", func(types.MarketDataKind, float64, int64, time.Time, any) {}))
	require.NoError(t, err)
	e := entry("X", 7, "B", func(types.MarketDataKind, float64, int64, time.Time, any) {})
	e.Depth = true
	c, err := r.Subscribe(e)
	require.NoError(t, err)
	assert.True(t, c.DepthAdded)

	require.NoError(t, r.Unsubscribe(context.Background(), "X", "A"))
	assert.Empty(t, rel.calls)
	assert.True(t, r.Tracks(7))

	require.NoError(t, r.Unsubscribe(context.Background(), "X", "B"))
	assert.Equal(t, []releaseCall{{7, types.PurposeTicks}, {7, types.PurposeDepth}}, rel.calls)
	assert.False(t, r.Tracks(7))
	assert.Equal(t, 0, r.Len())
}

func TestUnsubscribeReturnsReleaseError(t *testing.T) {
	rel := &fakeReleaser{err: errors.New("socket gone")}
	r := New(nil, WithReleaser(rel))
	_, err := r.Subscribe(entry("X", 7, "A", func(types.MarketDataKind, float64, int64, time.Time, any) {}))
	require.NoError(t, err)

	err = r.Unsubscribe(context.Background(), "X", "A")
	assert.ErrorContains(t, err, "socket gone")
	assert.False(t, r.Tracks(7), "record is removed even when release fails")
}

func TestUnsubscribeUnknownIsNoop(t *testing.T) {
	r := New(nil, WithReleaser(&fakeReleaser{}))
	assert.NoError(t, r.Unsubscribe(context.Background(), "NOPE", "A"))
}

func TestUnsubscribeResetsVolumeBaseline(t *testing.T) {
	tr := volume.New()
	r := New(tr)
	_, err := r.Subscribe(entry("X", 7, "A", func(types.MarketDataKind, float64, int64, time.Time, any) {}))
	require.NoError(t, err)
	r.Dispatch(context.Background(), models.Tick{Mode: string(kiteticker.ModeQuote), InstrumentToken: 7, VolumeTraded: 10}, time.Now(), types.PurposeTicks)

	require.NoError(t, r.Unsubscribe(context.Background(), "X", "A"))
	_, ok := tr.Last("X")
	assert.False(t, ok)
}

func TestSubscribeModeUpgradeAndConflicts(t *testing.T) {
	r := New(nil)
	noop := func(types.MarketDataKind, float64, int64, time.Time, any) {}

	e := entry("X", 7, "A", noop)
	e.Mode = kiteticker.ModeLTP
	c, err := r.Subscribe(e)
	require.NoError(t, err)
	assert.Equal(t, kiteticker.ModeLTP, c.Mode)

	e = entry("X", 7, "B", noop)
	e.Mode = kiteticker.ModeFull
	c, err = r.Subscribe(e)
	require.NoError(t, err)
	assert.True(t, c.ModeUpgraded)
	assert.Equal(t, kiteticker.ModeFull, c.Mode)

	e = entry("X", 7, "C", noop)
	e.Mode = kiteticker.ModeQuote
	c, err = r.Subscribe(e)
	require.NoError(t, err)
	assert.False(t, c.ModeUpgraded, "modes never downgrade")

	_, err = r.Subscribe(entry("X", 8, "D", noop))
	assert.ErrorIs(t, err, ErrTokenConflict)
	_, err = r.Subscribe(entry("Y", 7, "D", noop))
	assert.ErrorIs(t, err, ErrTokenConflict)
	_, err = r.Subscribe(Entry{Symbol: "Z", Token: 9})
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestDepthPurposeEmitsLadderOnlyForDepthSubscribers(t *testing.T) {
	r := New(nil)
	rec := &recorder{}
	_, err := r.Subscribe(entry("X", 7, "A", rec.callback("A")))
	require.NoError(t, err)

	tick := models.Tick{Mode: string(kiteticker.ModeFull), InstrumentToken: 7}
	tick.Depth.Buy[0] = models.DepthItem{Price: 10, Quantity: 1, Orders: 1}
	tick.Depth.Buy[1] = models.DepthItem{Price: 9.95, Quantity: 2, Orders: 2}
	tick.Depth.Sell[0] = models.DepthItem{Price: 10.05, Quantity: 3, Orders: 3}

	r.Dispatch(context.Background(), tick, time.Now(), types.PurposeDepth)
	assert.Empty(t, rec.all())

	e := entry("X", 7, "A", rec.callback("A"))
	e.Depth = true
	_, err = r.Subscribe(e)
	require.NoError(t, err)

	r.Dispatch(context.Background(), tick, time.Now(), types.PurposeDepth)
	got := rec.all()
	require.Len(t, got, 3)
	assert.Equal(t, types.KindDepthBid, got[0].kind)
	assert.Equal(t, types.DepthLevel{Level: 1, Orders: 2}, got[1].extra)
	assert.Equal(t, types.KindDepthAsk, got[2].kind)
	assert.Equal(t, int64(3), got[2].size)
}

func TestObserversSeeDispatchedTicks(t *testing.T) {
	var seen []types.TickObservation
	r := New(nil, WithObserver(observerFunc(func(_ context.Context, obs types.TickObservation) {
		seen = append(seen, obs)
	})))
	_, err := r.Subscribe(entry("X", 7, "A", func(types.MarketDataKind, float64, int64, time.Time, any) {}))
	require.NoError(t, err)

	quote := models.Tick{Mode: string(kiteticker.ModeQuote), InstrumentToken: 7, VolumeTraded: 100}
	r.Dispatch(context.Background(), quote, time.Now(), types.PurposeTicks)
	quote.VolumeTraded = 130
	r.Dispatch(context.Background(), quote, time.Now(), types.PurposeTicks)

	require.Len(t, seen, 2)
	assert.Equal(t, "X", seen[0].Symbol)
	assert.Equal(t, int64(0), seen[0].Delta)
	assert.Equal(t, int64(30), seen[1].Delta)
}

func TestRoundTripFromWireFrame(t *testing.T) {
	r := New(nil)
	rec := &recorder{}
	_, err := r.Subscribe(entry("NIFTY_I", 14626050, "A", rec.callback("A")))
	require.NoError(t, err)

	frame := func(volume uint32) []byte {
		return zerodhatest.Frame(zerodhatest.FullPacket(zerodhatest.Full{
			Quote:        zerodhatest.Quote{Token: 14626050, LTP: 15025, LastQty: 25, Volume: volume},
			ExchangeTime: 1700000000,
		}))
	}

	parser := zerodha.NewParser()
	for _, vol := range []uint32{500, 575} {
		ticks, err := parser.Parse(context.Background(), frame(vol), r.Tracks)
		require.NoError(t, err)
		for _, tk := range ticks {
			r.Dispatch(context.Background(), tk, time.Now(), types.PurposeTicks)
		}
	}

	var lasts []update
	for _, u := range rec.all() {
		if u.kind == types.KindLast {
			lasts = append(lasts, u)
		}
	}
	require.Len(t, lasts, 2)
	assert.Equal(t, 150.25, lasts[0].price)
	assert.Equal(t, int64(25), lasts[0].size)
	assert.Equal(t, int64(75), lasts[1].size)
	assert.Equal(t, time.Unix(1700000000, 0), lasts[0].ts)
}

func TestDispatchNotBlockedBySubscribeChurn(t *testing.T) {
	r := New(nil)
	var delivered sync.WaitGroup
	delivered.Add(1000)
	_, err := r.Subscribe(entry("A", 1, "hot", func(types.MarketDataKind, float64, int64, time.Time, any) {
		delivered.Done()
	}))
	require.NoError(t, err)

	stop := make(chan struct{})
	go func() {
		noop := func(types.MarketDataKind, float64, int64, time.Time, any) {}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			sym := fmt.Sprintf("B%d", i%50)
			_, _ = r.Subscribe(entry(sym, uint32(1000+i%50), "churn", noop))
			_ = r.Unsubscribe(context.Background(), sym, "churn")
		}
	}()

	for i := 0; i < 1000; i++ {
		r.Dispatch(context.Background(), ltpTick(1, float64(i)), time.Now(), types.PurposeTicks)
	}
	close(stop)
	delivered.Wait()
}
