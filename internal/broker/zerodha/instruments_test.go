package zerodha

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"kite-marketfeed/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDump = `instrument_token,exchange_token,tradingsymbol,name,last_price,expiry,strike,tick_size,lot_size,instrument_type,segment,exchange
408065,1594,INFY,INFOSYS,0,,0,0.05,1,EQ,NSE,NSE
128053508,500209,INFY,INFOSYS,0,,0,0.05,1,EQ,BSE,BSE
256265,0,NIFTY 50,,0,,0,0,0,EQ,INDICES,NSE
14626050,57133,NIFTY24MARFUT,NIFTY,0,2024-03-28,0,0.05,50,FUT,NFO-FUT,NFO
0,0,BROKEN,,0,,0,0,0,EQ,NSE,NSE
`

type countingSource struct {
	calls atomic.Int32
	fail  atomic.Bool
	list  []types.Instrument
}

func (s *countingSource) Instruments(context.Context) ([]types.Instrument, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return nil, errors.New("kite: 503 service unavailable")
	}
	return s.list, nil
}

func parsedSample(t *testing.T) []types.Instrument {
	t.Helper()
	list, err := ParseInstrumentCSV(strings.NewReader(sampleDump))
	require.NoError(t, err)
	return list
}

func TestParseInstrumentCSV(t *testing.T) {
	list := parsedSample(t)
	require.Len(t, list, 4)

	fut := list[3]
	assert.Equal(t, uint32(14626050), fut.Token)
	assert.Equal(t, "NFO:NIFTY24MARFUT", fut.Key())
	assert.Equal(t, 0.05, fut.TickSize)
	assert.Equal(t, 50, fut.LotSize)
	assert.Equal(t, time.Date(2024, 3, 28, 0, 0, 0, 0, time.UTC), fut.Expiry)
	assert.Equal(t, "NFO-FUT", fut.Segment)
}

func TestParseInstrumentCSVMissingColumns(t *testing.T) {
	_, err := ParseInstrumentCSV(strings.NewReader("instrument_token,name\n1,foo\n"))
	require.ErrorIs(t, err, ErrMissingColumns)
	assert.Contains(t, err.Error(), "tradingsymbol")
	assert.Contains(t, err.Error(), "exchange")

	_, err = ParseInstrumentCSV(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrMissingColumns)
}

func TestResolverKeys(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(&countingSource{list: parsedSample(t)})

	tests := []struct {
		symbol string
		token  uint32
	}{
		{"NSE:INFY", 408065},
		{"BSE:INFY", 128053508},
		{"INFY", 408065}, // first occurrence wins
		{"nse:infy", 408065},
		{"NIFTY 50", 256265},
		{"NFO:NIFTY24MARFUT", 14626050},
		{"NIFTY_I", 14626050},
		{"nifty_i", 14626050},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			tok, err := r.Token(ctx, tt.symbol)
			require.NoError(t, err)
			assert.Equal(t, tt.token, tok)
		})
	}

	_, err := r.Resolve(ctx, "NSE:DOESNOTEXIST")
	assert.ErrorIs(t, err, ErrTokenNotFound)
	_, err = r.Resolve(ctx, "  ")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	alias, err := r.Resolve(ctx, " nifty_i ")
	require.NoError(t, err)
	assert.Equal(t, "NIFTY_I", alias.Key(), "aliases resolve to one canonical key")

	in, ok := r.Lookup(408065)
	require.True(t, ok)
	assert.Equal(t, "NSE:INFY", in.Key())
}

func TestResolverLoadsOnceAndRetriesFailures(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{list: parsedSample(t)}
	src.fail.Store(true)
	r := NewResolver(src)

	_, err := r.Resolve(ctx, "NSE:INFY")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTokenNotFound)

	src.fail.Store(false)
	_, err = r.Resolve(ctx, "NSE:INFY")
	require.NoError(t, err)
	_, err = r.Resolve(ctx, "BSE:INFY")
	require.NoError(t, err)

	assert.Equal(t, int32(2), src.calls.Load())
}

func TestSyntheticTokensSkipTheDump(t *testing.T) {
	src := &countingSource{}
	r := NewResolver(src, WithSyntheticTokens(map[string]uint32{"banknifty_i": 260105}))

	in, err := r.Resolve(context.Background(), "BANKNIFTY_I")
	require.NoError(t, err)
	assert.Equal(t, uint32(260105), in.Token)
	assert.Equal(t, "BANKNIFTY_I", in.Key())
	assert.Zero(t, src.calls.Load())

	// Replacing the table drops the default alias.
	_, err = r.Resolve(context.Background(), "NIFTY_I")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestCSVFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instruments.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleDump), 0o644))

	r := NewResolver(NewCSVFileSource(path))
	tok, err := r.Token(context.Background(), "NSE:INFY")
	require.NoError(t, err)
	assert.Equal(t, uint32(408065), tok)

	_, err = NewCSVFileSource(filepath.Join(t.TempDir(), "missing.csv")).Instruments(context.Background())
	assert.Error(t, err)
}

func TestCachedSourceServesSameDayFromDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	inner := &countingSource{list: parsedSample(t)}
	c := NewCachedSource(inner, dir, time.Hour)

	first, err := c.Instruments(ctx)
	require.NoError(t, err)
	second, err := c.Instruments(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(1), inner.calls.Load())
	require.Len(t, second, len(first))
	assert.Equal(t, first[3].Key(), second[3].Key())
	assert.True(t, first[3].Expiry.Equal(second[3].Expiry))

	// A fresh cache over the same dir reads the file without the inner source.
	other := &countingSource{}
	cached, err := NewCachedSource(other, dir, time.Hour).Instruments(ctx)
	require.NoError(t, err)
	assert.Len(t, cached, 4)
	assert.Zero(t, other.calls.Load())
}

func TestCachedSourceExpires(t *testing.T) {
	ctx := context.Background()
	inner := &countingSource{list: parsedSample(t)}
	c := NewCachedSource(inner, t.TempDir(), time.Minute)

	_, err := c.Instruments(ctx)
	require.NoError(t, err)

	now := time.Now().Add(2 * time.Minute)
	c.now = func() time.Time { return now }

	_, err = c.Instruments(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestNewInstrumentSourcePrefersCSV(t *testing.T) {
	src := NewInstrumentSource(Params{InstrumentsCSV: "instruments.csv"})
	assert.IsType(t, &CSVSource{}, src)

	src = NewInstrumentSource(Params{APIKey: "k", AccessToken: "t", CacheDir: t.TempDir()})
	assert.IsType(t, &CachedSource{}, src)
}
