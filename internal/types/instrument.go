package types

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/zerodha/gokiteconnect/v4/models"
)

// InstrumentMeta is the host-side instrument handle. The feed only asks it
// to round prices; the value itself is handed back to callbacks untouched.
type InstrumentMeta interface {
	RoundToTickSize(price float64) float64
}

// Instrument is one row of the broker's instrument dump.
type Instrument struct {
	Token          uint32
	Symbol         string
	Exchange       string
	Segment        string
	Name           string
	InstrumentType string
	TickSize       float64
	LotSize        int
	Expiry         time.Time
}

// Key is the exchange-qualified symbol, e.g. "NSE:INFY".
func (i Instrument) Key() string {
	if i.Exchange == "" {
		return i.Symbol
	}
	return i.Exchange + ":" + i.Symbol
}

// RoundToTickSize snaps price to the nearest multiple of the tick size.
// Instruments without a tick size return price unchanged.
func (i Instrument) RoundToTickSize(price float64) float64 {
	if i.TickSize <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(i.TickSize)
	rounded := decimal.NewFromFloat(price).Div(tick).Round(0).Mul(tick)
	f, _ := rounded.Float64()
	return f
}

// SubscribeRequest asks the feed to stream symbol to Callback.
type SubscribeRequest struct {
	Symbol     string
	ConsumerID string
	// Mode is "ltp", "quote" or "full"; empty picks the configured default.
	Mode     string
	Depth    bool
	Meta     InstrumentMeta
	Callback Callback
}

// TickObservation is what observers see for every dispatched tick.
type TickObservation struct {
	Symbol     string
	Tick       models.Tick
	Delta      int64
	ReceivedAt time.Time
	DispatchAt time.Time
}
