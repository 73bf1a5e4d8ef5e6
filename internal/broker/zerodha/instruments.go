package zerodha

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"kite-marketfeed/internal/interfaces"
	"kite-marketfeed/internal/logger"
	"kite-marketfeed/internal/types"
)

var ErrTokenNotFound = errors.New("zerodha: instrument token not found")

// DefaultSyntheticTokens are aliases that resolve without the instrument dump.
var DefaultSyntheticTokens = map[string]uint32{
	"NIFTY_I": 14626050,
}

type ResolverOption func(*Resolver)

// WithSyntheticTokens replaces the synthetic alias table. Keys match
// case-insensitively.
func WithSyntheticTokens(aliases map[string]uint32) ResolverOption {
	return func(r *Resolver) {
		r.synthetic = make(map[string]uint32, len(aliases))
		for sym, tok := range aliases {
			r.synthetic[strings.ToUpper(strings.TrimSpace(sym))] = tok
		}
	}
}

// Resolver turns trading symbols into instrument tokens. The instrument dump
// is fetched on first use; a failed fetch is retried on the next call.
type Resolver struct {
	source    interfaces.InstrumentSource
	synthetic map[string]uint32

	loadMu sync.Mutex
	mapper atomic.Pointer[instrumentMapper]
}

var _ interfaces.Resolver = (*Resolver)(nil)

func NewResolver(source interfaces.InstrumentSource, opts ...ResolverOption) *Resolver {
	r := &Resolver{source: source}
	WithSyntheticTokens(DefaultSyntheticTokens)(r)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve accepts "EXCHANGE:SYMBOL" or a bare symbol.
func (r *Resolver) Resolve(ctx context.Context, symbol string) (types.Instrument, error) {
	sym := strings.TrimSpace(symbol)
	if sym == "" {
		return types.Instrument{}, fmt.Errorf("%w: empty symbol", ErrTokenNotFound)
	}

	// Aliases resolve to their upper-case key so every spelling shares one
	// registry record.
	if alias := strings.ToUpper(sym); r.synthetic[alias] != 0 {
		return types.Instrument{Token: r.synthetic[alias], Symbol: alias}, nil
	}

	im, err := r.load(ctx)
	if err != nil {
		return types.Instrument{}, err
	}
	if in, ok := im.getInstrument(sym); ok {
		return in, nil
	}
	return types.Instrument{}, fmt.Errorf("%w: %s", ErrTokenNotFound, sym)
}

func (r *Resolver) Token(ctx context.Context, symbol string) (uint32, error) {
	in, err := r.Resolve(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return in.Token, nil
}

// Lookup finds an instrument by token in the loaded dump.
func (r *Resolver) Lookup(token uint32) (types.Instrument, bool) {
	im := r.mapper.Load()
	if im == nil {
		return types.Instrument{}, false
	}
	return im.getByToken(token)
}

// Load fetches the instrument dump if it has not been loaded yet.
func (r *Resolver) Load(ctx context.Context) error {
	_, err := r.load(ctx)
	return err
}

func (r *Resolver) load(ctx context.Context) (*instrumentMapper, error) {
	if im := r.mapper.Load(); im != nil {
		return im, nil
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	if im := r.mapper.Load(); im != nil {
		return im, nil
	}
	if r.source == nil {
		return nil, errors.New("zerodha: no instrument source configured")
	}

	timer := logger.StartOperation(ctx, "zerodha.load_instruments")
	list, err := r.source.Instruments(timer.GetContext())
	if err != nil {
		timer.EndWithError(err)
		return nil, fmt.Errorf("zerodha: load instruments: %w", err)
	}

	im := newInstrumentMapper(list)
	r.mapper.Store(im)
	timer.End("instruments", im.size())
	return im, nil
}
