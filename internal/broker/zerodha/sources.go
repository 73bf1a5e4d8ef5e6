package zerodha

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"kite-marketfeed/internal/interfaces"
	"kite-marketfeed/internal/logger"
	"kite-marketfeed/internal/types"

	"github.com/goccy/go-json"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
)

var ErrMissingColumns = errors.New("zerodha: instrument dump is missing required columns")

var requiredColumns = []string{"tradingsymbol", "instrument_token", "exchange"}

// CSVSource reads an instrument dump in Kite's CSV layout.
type CSVSource struct {
	name string
	open func() (io.ReadCloser, error)
}

var _ interfaces.InstrumentSource = (*CSVSource)(nil)

func NewCSVFileSource(path string) *CSVSource {
	return &CSVSource{
		name: path,
		open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

// NewCSVReaderSource reads from r. The reader is consumed by the first call.
func NewCSVReaderSource(r io.Reader) *CSVSource {
	return &CSVSource{
		name: "reader",
		open: func() (io.ReadCloser, error) { return io.NopCloser(r), nil },
	}
}

func (s *CSVSource) Instruments(ctx context.Context) ([]types.Instrument, error) {
	rc, err := s.open()
	if err != nil {
		return nil, fmt.Errorf("zerodha: open instrument dump %s: %w", s.name, err)
	}
	defer rc.Close()

	list, err := ParseInstrumentCSV(rc)
	if err != nil {
		return nil, err
	}
	logger.Debug(ctx, "Parsed instrument dump", "source", s.name, "instruments", len(list))
	return list, nil
}

// ParseInstrumentCSV decodes a Kite instrument dump. Rows without a usable
// token or symbol are skipped.
func ParseInstrumentCSV(r io.Reader) ([]types.Instrument, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty file", ErrMissingColumns)
	}
	if err != nil {
		return nil, fmt.Errorf("zerodha: read instrument header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	var missing []string
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	field := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var out []types.Instrument
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("zerodha: instrument dump line %d: %w", line, err)
		}

		tok, err := strconv.ParseUint(field(rec, "instrument_token"), 10, 32)
		symbol := field(rec, "tradingsymbol")
		if err != nil || tok == 0 || symbol == "" {
			continue
		}

		in := types.Instrument{
			Token:          uint32(tok),
			Symbol:         symbol,
			Exchange:       field(rec, "exchange"),
			Segment:        field(rec, "segment"),
			Name:           field(rec, "name"),
			InstrumentType: field(rec, "instrument_type"),
		}
		if v, err := strconv.ParseFloat(field(rec, "tick_size"), 64); err == nil {
			in.TickSize = v
		}
		if v, err := strconv.ParseFloat(field(rec, "lot_size"), 64); err == nil {
			in.LotSize = int(v)
		}
		if v := field(rec, "expiry"); v != "" {
			if t, err := time.Parse("2006-01-02", v); err == nil {
				in.Expiry = t
			}
		}
		out = append(out, in)
	}
	return out, nil
}

// KiteSource downloads the instrument dump from the Kite Connect REST API.
type KiteSource struct {
	kc *kiteconnect.Client
}

var _ interfaces.InstrumentSource = (*KiteSource)(nil)

func NewKiteSource(apiKey, accessToken, baseURI string) *KiteSource {
	kc := kiteconnect.New(apiKey)
	kc.SetAccessToken(accessToken)
	if baseURI != "" {
		kc.SetBaseURI(baseURI)
	}
	return &KiteSource{kc: kc}
}

func (s *KiteSource) Instruments(ctx context.Context) ([]types.Instrument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list, err := s.kc.GetInstruments()
	if err != nil {
		return nil, fmt.Errorf("zerodha: fetch instruments: %w", err)
	}

	out := make([]types.Instrument, 0, len(list))
	for _, in := range list {
		if in.InstrumentToken <= 0 || in.Tradingsymbol == "" {
			continue
		}
		out = append(out, types.Instrument{
			Token:          uint32(in.InstrumentToken),
			Symbol:         in.Tradingsymbol,
			Exchange:       in.Exchange,
			Segment:        in.Segment,
			Name:           in.Name,
			InstrumentType: in.InstrumentType,
			TickSize:       in.TickSize,
			LotSize:        int(in.LotSize),
			Expiry:         in.Expiry.Time,
		})
	}
	return out, nil
}

// CachedSource keeps one copy of the dump per day on disk in front of
// another source.
type CachedSource struct {
	inner interfaces.InstrumentSource
	dir   string
	ttl   time.Duration
	now   func() time.Time
	mu    sync.Mutex
}

var _ interfaces.InstrumentSource = (*CachedSource)(nil)

type cacheEntry struct {
	FetchedAt   time.Time          `json:"fetched_at"`
	Instruments []types.Instrument `json:"instruments"`
}

func NewCachedSource(inner interfaces.InstrumentSource, dir string, ttl time.Duration) *CachedSource {
	if dir == "" {
		dir = "cache/instruments"
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &CachedSource{inner: inner, dir: dir, ttl: ttl, now: time.Now}
}

func (c *CachedSource) Instruments(ctx context.Context) ([]types.Instrument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.path()
	if list, ok := c.read(path); ok {
		logger.Debug(ctx, "Instrument dump served from cache", "path", path, "instruments", len(list))
		return list, nil
	}

	list, err := c.inner.Instruments(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.write(path, list); err != nil {
		logger.Warn(ctx, "Failed to cache instrument dump", "path", path, "error", err.Error())
	}
	return list, nil
}

func (c *CachedSource) path() string {
	return filepath.Join(c.dir, "instruments-"+c.now().Format("2006-01-02")+".json")
}

func (c *CachedSource) read(path string) ([]types.Instrument, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if c.now().Sub(info.ModTime()) > c.ttl {
		_ = os.Remove(path)
		return nil, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil || len(entry.Instruments) == 0 {
		return nil, false
	}
	return entry.Instruments, true
}

func (c *CachedSource) write(path string, list []types.Instrument) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(cacheEntry{FetchedAt: c.now(), Instruments: list})
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
