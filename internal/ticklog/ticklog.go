// Package ticklog writes one JSON line per dispatched tick to a rotating
// file, for checking volume deltas and feed latency after the session.
package ticklog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"kite-marketfeed/internal/interfaces"
	"kite-marketfeed/internal/types"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var ist = time.FixedZone("IST", 19800)

type Config struct {
	Path       string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Compress   bool
}

// Logger is a TickObserver backed by zap.
type Logger struct {
	zl   *zap.Logger
	sink *lumberjack.Logger
}

var _ interfaces.TickObserver = (*Logger)(nil)

func New(cfg Config) (*Logger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("ticklog: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("ticklog: %w", err)
	}
	sink := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxAge:     cfg.MaxAgeDays,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}

	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     istTime,
		EncodeDuration: zapcore.MillisDurationEncoder,
	})
	core := zapcore.NewCore(enc, zapcore.AddSync(sink), zapcore.InfoLevel)

	return &Logger{zl: zap.New(core), sink: sink}, nil
}

func istTime(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.In(ist).Format("2006-01-02 15:04:05.000"))
}

// ObserveTick records one tick. Latency is the gap between the exchange
// timestamp and arrival, and is omitted when the tick carries no timestamp.
func (l *Logger) ObserveTick(_ context.Context, obs types.TickObservation) {
	fields := []zap.Field{
		zap.String("symbol", obs.Symbol),
		zap.Uint32("token", obs.Tick.InstrumentToken),
		zap.Time("received_time", obs.ReceivedAt),
		zap.Time("parsed_time", obs.DispatchAt),
		zap.Float64("ltp", obs.Tick.LastPrice),
		zap.Uint32("ltq", obs.Tick.LastTradedQuantity),
		zap.Uint32("volume", obs.Tick.VolumeTraded),
		zap.Int64("volume_delta", obs.Delta),
	}
	if exch := obs.Tick.Timestamp.Time; !exch.IsZero() {
		fields = append(fields,
			zap.Time("exchange_time", exch),
			zap.Float64("latency_ms", float64(obs.ReceivedAt.Sub(exch).Microseconds())/1000),
		)
	}
	l.zl.Info("tick", fields...)
}

func (l *Logger) Close() error {
	_ = l.zl.Sync()
	return l.sink.Close()
}
