package store

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Kite struct {
		WSURL              string        `yaml:"ws_url" validate:"required,url"`
		APIURL             string        `yaml:"api_url" validate:"omitempty,url"`
		InstrumentsCSV     string        `yaml:"instruments_csv"`
		InstrumentCacheDir string        `yaml:"instrument_cache_dir"`
		InstrumentCacheTTL time.Duration `yaml:"instrument_cache_ttl"`

		// Credentials are supplied through the environment only.
		APIKey      string `yaml:"-"`
		AccessToken string `yaml:"-"`
	} `yaml:"kite"`
	Feed struct {
		DefaultMode          string            `yaml:"default_mode"`
		ModeOverrides        map[string]string `yaml:"mode_overrides"`
		SyntheticTokens      map[string]uint32 `yaml:"synthetic_tokens"`
		ShareConnections     bool              `yaml:"share_connections"`
		HealthInterval       time.Duration     `yaml:"health_interval" validate:"gt=0"`
		IdleThreshold        time.Duration     `yaml:"idle_threshold" validate:"gt=0"`
		ModeSettleDelay      time.Duration     `yaml:"mode_settle_delay" validate:"gte=0"`
		ExitPollInterval     time.Duration     `yaml:"exit_poll_interval" validate:"gt=0"`
		ConnectTimeout       time.Duration     `yaml:"connect_timeout" validate:"gt=0"`
		MaxReconnectAttempts int               `yaml:"max_reconnect_attempts" validate:"gte=0"`
		ReconnectMaxInterval time.Duration     `yaml:"reconnect_max_interval" validate:"gte=0"`
		SendRatePerSec       float64           `yaml:"send_rate_per_sec" validate:"gt=0"`
		BatchSize            int               `yaml:"batch_size" validate:"gt=0,lte=3000"`
	} `yaml:"feed"`
	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		Addr     string        `yaml:"addr" validate:"required_if=Enabled true"`
		DB       int           `yaml:"db" validate:"gte=0"`
		PoolSize int           `yaml:"pool_size"`
		TTL      time.Duration `yaml:"ttl" validate:"gte=0"`
		Password string        `yaml:"-"`
	} `yaml:"redis"`
	TickLog struct {
		Enabled    bool   `yaml:"enabled"`
		Path       string `yaml:"path" validate:"required_if=Enabled true"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxAgeDays int    `yaml:"max_age_days"`
		MaxBackups int    `yaml:"max_backups"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"ticklog"`
}

var validModes = map[string]bool{"ltp": true, "quote": true, "full": true}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if !validModes[c.Feed.DefaultMode] {
		return fmt.Errorf("invalid feed.default_mode '%s': must be 'ltp', 'quote' or 'full'", c.Feed.DefaultMode)
	}
	for sym, mode := range c.Feed.ModeOverrides {
		if !validModes[mode] {
			return fmt.Errorf("invalid feed.mode_overrides[%s] '%s'", sym, mode)
		}
	}
	for sym, token := range c.Feed.SyntheticTokens {
		if token == 0 {
			return fmt.Errorf("feed.synthetic_tokens[%s] must be non-zero", sym)
		}
	}
	if c.Kite.InstrumentsCSV == "" && (c.Kite.APIKey == "" || c.Kite.AccessToken == "") {
		return errors.New("KITE_API_KEY and KITE_ACCESS_TOKEN are required unless kite.instruments_csv is set")
	}
	return nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var c Config
	applyDefaults(&c)
	return &c
}

func applyDefaults(c *Config) {
	if c.Kite.WSURL == "" {
		c.Kite.WSURL = "wss://ws.kite.trade"
	}
	if c.Kite.APIURL == "" {
		c.Kite.APIURL = "https://api.kite.trade"
	}
	if c.Kite.InstrumentCacheDir == "" {
		c.Kite.InstrumentCacheDir = "cache/instruments"
	}
	if c.Kite.InstrumentCacheTTL == 0 {
		c.Kite.InstrumentCacheTTL = 12 * time.Hour
	}

	if c.Feed.DefaultMode == "" {
		c.Feed.DefaultMode = "quote"
	}
	if c.Feed.ModeOverrides == nil {
		c.Feed.ModeOverrides = map[string]string{"NIFTY_I": "full"}
	}
	if c.Feed.SyntheticTokens == nil {
		c.Feed.SyntheticTokens = map[string]uint32{"NIFTY_I": 14626050}
	}
	if c.Feed.HealthInterval == 0 {
		c.Feed.HealthInterval = 30 * time.Second
	}
	if c.Feed.IdleThreshold == 0 {
		c.Feed.IdleThreshold = 5 * time.Minute
	}
	if c.Feed.ModeSettleDelay == 0 {
		c.Feed.ModeSettleDelay = 100 * time.Millisecond
	}
	if c.Feed.ExitPollInterval == 0 {
		c.Feed.ExitPollInterval = 500 * time.Millisecond
	}
	if c.Feed.ConnectTimeout == 0 {
		c.Feed.ConnectTimeout = 10 * time.Second
	}
	if c.Feed.ReconnectMaxInterval == 0 {
		c.Feed.ReconnectMaxInterval = 2 * time.Minute
	}
	if c.Feed.SendRatePerSec == 0 {
		c.Feed.SendRatePerSec = 10
	}
	if c.Feed.BatchSize == 0 {
		c.Feed.BatchSize = 100
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 24 * time.Hour
	}

	if c.TickLog.Path == "" {
		c.TickLog.Path = "logs/tick_volume.log"
	}
	if c.TickLog.MaxSizeMB == 0 {
		c.TickLog.MaxSizeMB = 100
	}
	if c.TickLog.MaxAgeDays == 0 {
		c.TickLog.MaxAgeDays = 7
	}
}

func applyEnvOverrides(c *Config) {
	setStr(&c.Kite.APIKey, "KITE_API_KEY")
	setStr(&c.Kite.AccessToken, "KITE_ACCESS_TOKEN")
	setStr(&c.Kite.WSURL, "KITE_WS_URL")
	setStr(&c.Kite.InstrumentsCSV, "KITE_INSTRUMENTS_CSV")

	setStr(&c.Feed.DefaultMode, "FEED_DEFAULT_MODE")
	setBool(&c.Feed.ShareConnections, "FEED_SHARE_CONNECTIONS")
	setInt(&c.Feed.MaxReconnectAttempts, "FEED_MAX_RECONNECT_ATTEMPTS")

	setBool(&c.Redis.Enabled, "REDIS_ENABLED")
	setStr(&c.Redis.Addr, "REDIS_ADDR")
	setStr(&c.Redis.Password, "REDIS_PASSWORD")

	setBool(&c.TickLog.Enabled, "TICKLOG_ENABLED")
	setStr(&c.TickLog.Path, "TICKLOG_PATH")

	c.Feed.DefaultMode = strings.ToLower(c.Feed.DefaultMode)
}

// LoadConfig reads path (a missing file falls back to defaults), applies
// environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	var c Config

	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	applyDefaults(&c)
	applyEnvOverrides(&c)

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &c, nil
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
