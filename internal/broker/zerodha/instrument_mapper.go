package zerodha

import (
	"strings"

	"kite-marketfeed/internal/types"
)

// instrumentMapper maps symbols to instruments and back. It is built once
// from an instrument dump and never mutated afterwards.
type instrumentMapper struct {
	symbolToInstrument map[string]types.Instrument
	foldedToInstrument map[string]types.Instrument
	tokenToInstrument  map[uint32]types.Instrument
}

func newInstrumentMapper(list []types.Instrument) *instrumentMapper {
	im := &instrumentMapper{
		symbolToInstrument: make(map[string]types.Instrument, 2*len(list)),
		foldedToInstrument: make(map[string]types.Instrument, 2*len(list)),
		tokenToInstrument:  make(map[uint32]types.Instrument, len(list)),
	}
	for _, in := range list {
		im.addMapping(in)
	}
	return im
}

// addMapping indexes in under "EXCHANGE:SYMBOL" and bare "SYMBOL". The first
// instrument seen for a key keeps it.
func (im *instrumentMapper) addMapping(in types.Instrument) {
	for _, key := range []string{in.Key(), in.Symbol} {
		if _, taken := im.symbolToInstrument[key]; !taken {
			im.symbolToInstrument[key] = in
		}
		folded := strings.ToUpper(key)
		if _, taken := im.foldedToInstrument[folded]; !taken {
			im.foldedToInstrument[folded] = in
		}
	}
	if _, taken := im.tokenToInstrument[in.Token]; !taken {
		im.tokenToInstrument[in.Token] = in
	}
}

// getInstrument tries an exact match, then a case-insensitive one.
func (im *instrumentMapper) getInstrument(symbol string) (types.Instrument, bool) {
	if in, ok := im.symbolToInstrument[symbol]; ok {
		return in, true
	}
	in, ok := im.foldedToInstrument[strings.ToUpper(symbol)]
	return in, ok
}

func (im *instrumentMapper) getByToken(token uint32) (types.Instrument, bool) {
	in, ok := im.tokenToInstrument[token]
	return in, ok
}

func (im *instrumentMapper) size() int {
	return len(im.tokenToInstrument)
}
