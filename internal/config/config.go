// Package config defines all configuration for the order lifecycle core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ORDER_* environment variables.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Bus        BusConfig        `mapstructure:"bus"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Locks      LockConfig       `mapstructure:"locks"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Autocutoff AutocutoffConfig `mapstructure:"autocutoff"`
	Audit      AuditConfig      `mapstructure:"audit"`
	API        APIConfig        `mapstructure:"api"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DatabaseConfig holds the durable (relational) store connection.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds the canonical (cache) store connection.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BusConfig controls the reconciliation message bus.
//
//   - Prefetch: consumer prefetch window (unacked messages in flight).
//   - Partitions: number of partitioned work queues; a stable user-id hash
//     pins each user to one partition so their confirmations serialize.
//   - ConsumerInstances: worker goroutines per partition queue.
type BusConfig struct {
	URL               string `mapstructure:"url"`
	Prefetch          int    `mapstructure:"prefetch"`
	Partitions        int    `mapstructure:"partitions"`
	ConsumerInstances int    `mapstructure:"consumer_instances"`
}

// EngineConfig holds the pricing/liquidation engine RPC endpoint.
// Secret is the shared internal secret sent on every request.
type EngineConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LockConfig tunes the per-user distributed lock. TTLs are short so a crashed
// holder never blocks a user for long; callers must finish before TTL.
type LockConfig struct {
	UserTTL time.Duration `mapstructure:"user_ttl"`
}

// MarketDataConfig holds the tick feed endpoint. Symbols are subscribed at
// startup in addition to any symbols with active cached orders.
// CryptoSymbols trade around the clock and skip the weekend market gate.
type MarketDataConfig struct {
	WSURL         string        `mapstructure:"ws_url"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	Symbols       []string      `mapstructure:"symbols"`
	CryptoSymbols []string      `mapstructure:"crypto_symbols"`
}

// AutocutoffConfig tunes the margin-level liquidation monitor.
//
//   - CutoffLevel: equity/margin ratio below which all of a user's open
//     orders are closed (e.g. 0.5 = 50% margin level).
//   - Cooldown: per-user hold-off after a sweep so in-flight closes settle.
type AutocutoffConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	CutoffLevel float64       `mapstructure:"cutoff_level"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
}

// AuditConfig sets where request audit logs are written and how they rotate.
type AuditConfig struct {
	Dir      string `mapstructure:"dir"`
	MaxBytes int64  `mapstructure:"max_bytes"`
	MaxFiles int    `mapstructure:"max_files"`
}

// APIConfig controls the operator HTTP surface.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ORDER_DB_DSN, ORDER_REDIS_ADDR,
// ORDER_AMQP_URL, ORDER_PROVIDER_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ORDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if dsn := os.Getenv("ORDER_DB_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if addr := os.Getenv("ORDER_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if url := os.Getenv("ORDER_AMQP_URL"); url != "" {
		cfg.Bus.URL = url
	}
	if secret := os.Getenv("ORDER_PROVIDER_SECRET"); secret != "" {
		cfg.Engine.Secret = secret
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("bus.prefetch", 25)
	v.SetDefault("bus.partitions", 4)
	v.SetDefault("bus.consumer_instances", defaultConsumerInstances())
	v.SetDefault("engine.timeout", 10*time.Second)
	v.SetDefault("locks.user_ttl", 2*time.Second)
	v.SetDefault("market_data.stale_after", 10*time.Second)
	v.SetDefault("market_data.crypto_symbols", []string{"BTCUSD", "ETHUSD"})
	v.SetDefault("autocutoff.enabled", true)
	v.SetDefault("autocutoff.cutoff_level", 0.5)
	v.SetDefault("autocutoff.cooldown", 30*time.Second)
	v.SetDefault("audit.dir", "logs")
	v.SetDefault("audit.max_bytes", int64(10*1024*1024))
	v.SetDefault("audit.max_files", 5)
	v.SetDefault("api.port", 8090)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func defaultConsumerInstances() int {
	n := runtime.NumCPU()
	if n > 8 {
		n = 8
	}
	return n
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (set ORDER_DB_DSN)")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required (set ORDER_REDIS_ADDR)")
	}
	if c.Bus.URL == "" {
		return fmt.Errorf("bus.url is required (set ORDER_AMQP_URL)")
	}
	if c.Bus.Partitions <= 0 {
		return fmt.Errorf("bus.partitions must be > 0")
	}
	if c.Bus.Prefetch <= 0 {
		return fmt.Errorf("bus.prefetch must be > 0")
	}
	if c.Engine.BaseURL == "" {
		return fmt.Errorf("engine.base_url is required")
	}
	if c.Engine.Secret == "" {
		return fmt.Errorf("engine.secret is required (set ORDER_PROVIDER_SECRET)")
	}
	if c.Locks.UserTTL < time.Second || c.Locks.UserTTL > 15*time.Second {
		return fmt.Errorf("locks.user_ttl must be between 1s and 15s")
	}
	if c.Autocutoff.Enabled && (c.Autocutoff.CutoffLevel <= 0 || c.Autocutoff.CutoffLevel >= 1) {
		return fmt.Errorf("autocutoff.cutoff_level must be in (0, 1)")
	}
	return nil
}
