// Package zerodha speaks Kite's ticker protocol: binary tick frames, JSON
// control messages and the instrument dump used to resolve symbols.
package zerodha

import (
	"time"

	"kite-marketfeed/internal/interfaces"
)

type Params struct {
	APIKey          string
	AccessToken     string
	APIURL          string
	InstrumentsCSV  string
	CacheDir        string
	CacheTTL        time.Duration
	SyntheticTokens map[string]uint32
}

// NewInstrumentSource uses the local CSV dump when one is configured and the
// REST API otherwise. REST dumps are cached on disk for the day.
func NewInstrumentSource(p Params) interfaces.InstrumentSource {
	if p.InstrumentsCSV != "" {
		return NewCSVFileSource(p.InstrumentsCSV)
	}
	return NewCachedSource(NewKiteSource(p.APIKey, p.AccessToken, p.APIURL), p.CacheDir, p.CacheTTL)
}

// NewZerodha builds the symbol resolver for p.
func NewZerodha(p Params) *Resolver {
	var opts []ResolverOption
	if len(p.SyntheticTokens) > 0 {
		opts = append(opts, WithSyntheticTokens(p.SyntheticTokens))
	}
	return NewResolver(NewInstrumentSource(p), opts...)
}
