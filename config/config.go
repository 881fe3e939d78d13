package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"barengine/internal/model"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Angel    AngelConfig    `envPrefix:"ANGEL_"`
	Engine   EngineConfig   `envPrefix:"ENGINE_"`
	SQLite   SQLiteConfig   `envPrefix:"SQLITE_"`
	Postgres PostgresConfig `envPrefix:"POSTGRES_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	Kafka    KafkaConfig    `envPrefix:"KAFKA_"`

	TickServer TickServerConfig `envPrefix:"TICKSERVER_"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// AngelConfig holds Angel One SmartAPI credentials.
type AngelConfig struct {
	APIKey     string `env:"API_KEY"`
	ClientCode string `env:"CLIENT_CODE"`
	Password   string `env:"PASSWORD"`
	TOTPSecret string `env:"TOTP_SECRET"`
}

// EngineConfig controls what the dispatcher aggregates and where ticks come from.
type EngineConfig struct {
	// Timeframes accepts interval names or aliases, e.g. "15m,FIVE_MINUTE".
	Timeframes []string `env:"TIMEFRAMES" envSeparator:"," envDefault:"15m"`
	// Symbols defaults to the whole registry when empty.
	Symbols []string `env:"SYMBOLS" envSeparator:","`
	// Feed is "smartapi" for the live broker or "staging" for a JSON tick relay.
	Feed       string `env:"FEED" envDefault:"smartapi"`
	StagingURL string `env:"STAGING_URL" envDefault:"ws://localhost:9001/ws"`
	TickBuffer int    `env:"TICK_BUFFER" envDefault:"50000"`
	BarBuffer  int    `env:"BAR_BUFFER" envDefault:"10000"`
}

// SQLiteConfig is the primary bar store.
type SQLiteConfig struct {
	Path string `env:"PATH" envDefault:"data/bars.db"`
}

// PostgresConfig is an optional durable store; empty DSN disables it.
type PostgresConfig struct {
	DSN string `env:"DSN"`
}

// RedisConfig is an optional live bar stream; empty Addr disables it.
type RedisConfig struct {
	Addr         string `env:"ADDR"`
	Password     string `env:"PASSWORD"`
	StreamMaxLen int64  `env:"STREAM_MAXLEN" envDefault:"10000"`
}

// KafkaConfig is an optional bar event topic; no brokers disables it.
type KafkaConfig struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"bars"`
}

// TickServerConfig drives cmd/tickserver, the staging tick relay.
type TickServerConfig struct {
	Addr     string        `env:"ADDR" envDefault:":9001"`
	Interval time.Duration `env:"INTERVAL" envDefault:"100ms"`
	// File replays a JSON-lines tick file instead of generating a random walk.
	File  string  `env:"FILE"`
	Speed float64 `env:"SPEED" envDefault:"1"`
	// StartPrice seeds the random walk, in rupees.
	StartPrice float64 `env:"START_PRICE" envDefault:"1000"`
}

// Load reads an optional .env file and then parses the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// RequireAngel reports which SmartAPI credentials are missing.
func (c *Config) RequireAngel() error {
	var missing []string
	for name, v := range map[string]string{
		"ANGEL_API_KEY":     c.Angel.APIKey,
		"ANGEL_CLIENT_CODE": c.Angel.ClientCode,
		"ANGEL_PASSWORD":    c.Angel.Password,
		"ANGEL_TOTP_SECRET": c.Angel.TOTPSecret,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("config: required env vars not set: %s", strings.Join(missing, ","))
	}
	return nil
}

// ParseTimeframes resolves Engine.Timeframes. Invalid entries are an error.
func (c *Config) ParseTimeframes() ([]model.Timeframe, error) {
	var (
		out  []model.Timeframe
		errs []error
	)
	seen := map[model.Timeframe]bool{}
	for _, s := range c.Engine.Timeframes {
		if strings.TrimSpace(s) == "" {
			continue
		}
		tf, err := model.ParseTimeframe(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !seen[tf] {
			seen[tf] = true
			out = append(out, tf)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: ENGINE_TIMEFRAMES: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("config: ENGINE_TIMEFRAMES is empty")
	}
	return out, nil
}
