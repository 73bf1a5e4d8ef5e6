package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundToTickSize(t *testing.T) {
	tests := []struct {
		tick, in, want float64
	}{
		{0.05, 150.25, 150.25},
		{0.05, 150.27, 150.25},
		{0.05, 150.28, 150.30},
		{0.05, 2500.123, 2500.10},
		{0.10, 99.95, 100.0},
		{1, 22450.4, 22450},
		{0, 150.27, 150.27},
	}
	for _, tt := range tests {
		got := Instrument{TickSize: tt.tick}.RoundToTickSize(tt.in)
		assert.InDelta(t, tt.want, got, 1e-9, "tick %v price %v", tt.tick, tt.in)
	}
}

func TestInstrumentKey(t *testing.T) {
	assert.Equal(t, "NSE:INFY", Instrument{Exchange: "NSE", Symbol: "INFY"}.Key())
	assert.Equal(t, "NIFTY_I", Instrument{Symbol: "NIFTY_I"}.Key())
}

func TestKindAndStateNames(t *testing.T) {
	assert.Equal(t, "last", KindLast.String())
	assert.Equal(t, "open_interest", KindOpenInterest.String())
	assert.Equal(t, "unknown", MarketDataKind(99).String())
	assert.Equal(t, "faulted", StateFaulted.String())
}
