// Package config provides Viper-based configuration loading for the arena server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig holds PostgreSQL connection settings for the durable store.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// RedisConfig holds connection settings for the volatile session store.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// PoolSize is the connection pool size; zero uses the client default.
	PoolSize int `mapstructure:"pool_size"`
}

// Addr returns the "host:port" Redis address.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// WebSocketConfig holds the client-facing WebSocket listener settings.
type WebSocketConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// HeartbeatInterval is the expected client ping cadence. A connection
	// silent for twice this interval is disconnected.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// WriteTimeout is the per-frame write deadline.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the "host:port" listen address.
func (w WebSocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// BusConfig holds event bus delivery tuning.
type BusConfig struct {
	// RetryCeiling is the maximum delivery attempts for at-least-once events.
	RetryCeiling int `mapstructure:"retry_ceiling"`
	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	// BackoffMultiplier scales the delay between successive retries.
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
	// DefaultTTL applies to events carrying no TTL of their own.
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	// QueueSize bounds each subscription's pending delivery queue.
	QueueSize int `mapstructure:"queue_size"`
}

// GameConfig holds bomb subsystem settings.
type GameConfig struct {
	// FuseDelayMs is the fixed bomb fuse duration in milliseconds.
	FuseDelayMs int `mapstructure:"fuse_delay_ms"`
	// EffectRadius is the blast walk distance in each cardinal direction.
	EffectRadius int `mapstructure:"effect_radius"`
	// MaxActivePerOwner caps concurrent active bombs per owner per session.
	MaxActivePerOwner int `mapstructure:"max_active_per_owner"`
	// ZoneDisplayMs is the effect zone display duration in milliseconds.
	ZoneDisplayMs int `mapstructure:"zone_display_ms"`
	// PlacementPolicy is "reject" or "stack" for occupied-cell placements.
	PlacementPolicy string `mapstructure:"placement_policy"`
	// DefaultArena is the layout ID assigned to new sessions.
	DefaultArena string `mapstructure:"default_arena"`
	// SessionTTL is the volatile session entry expiry, refreshed on mutation.
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

// BridgeConfig holds connection bridge limits and batching settings.
type BridgeConfig struct {
	// MaxSubscriptionsPerConn caps bus subscriptions per connection.
	MaxSubscriptionsPerConn int `mapstructure:"max_subscriptions_per_conn"`
	// BatchWindow is how long outbound events accumulate before a flush.
	BatchWindow time.Duration `mapstructure:"batch_window"`
	// BatchMaxSize forces an immediate flush once a batch reaches this size.
	BatchMaxSize int `mapstructure:"batch_max_size"`
	// ViolationThreshold is the number of protocol violations tolerated
	// before a connection is force-disconnected.
	ViolationThreshold int `mapstructure:"violation_threshold"`
	// SendBufferSize bounds each connection's outbound event queue.
	SendBufferSize int `mapstructure:"send_buffer_size"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Database DatabaseConfig  `mapstructure:"database"`
	Redis    RedisConfig     `mapstructure:"redis"`
	WS       WebSocketConfig `mapstructure:"ws"`
	Bus      BusConfig       `mapstructure:"bus"`
	Game     GameConfig      `mapstructure:"game"`
	Bridge   BridgeConfig    `mapstructure:"bridge"`
	Logging  LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, check := range []error{
		validateDatabase(c.Database),
		validateRedis(c.Redis),
		validateWS(c.WS),
		validateBus(c.Bus),
		validateGame(c.Game),
		validateBridge(c.Bridge),
		validateLogging(c.Logging),
	} {
		if check != nil {
			errs = append(errs, check.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateRedis(r RedisConfig) error {
	var errs []string
	if r.Host == "" {
		errs = append(errs, "redis.host must not be empty")
	}
	if r.Port < 1 || r.Port > 65535 {
		errs = append(errs, fmt.Sprintf("redis.port must be 1-65535, got %d", r.Port))
	}
	if r.DB < 0 {
		errs = append(errs, fmt.Sprintf("redis.db must be >= 0, got %d", r.DB))
	}
	if r.PoolSize < 0 {
		errs = append(errs, fmt.Sprintf("redis.pool_size must be >= 0, got %d", r.PoolSize))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateWS(w WebSocketConfig) error {
	var errs []string
	if w.Port < 1 || w.Port > 65535 {
		errs = append(errs, fmt.Sprintf("ws.port must be 1-65535, got %d", w.Port))
	}
	if w.HeartbeatInterval <= 0 {
		errs = append(errs, "ws.heartbeat_interval must be positive")
	}
	if w.WriteTimeout < 0 {
		errs = append(errs, "ws.write_timeout must not be negative")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateBus(b BusConfig) error {
	var errs []string
	if b.RetryCeiling < 1 {
		errs = append(errs, fmt.Sprintf("bus.retry_ceiling must be >= 1, got %d", b.RetryCeiling))
	}
	if b.BackoffBase <= 0 {
		errs = append(errs, "bus.backoff_base must be positive")
	}
	if b.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Sprintf("bus.backoff_multiplier must be >= 1, got %g", b.BackoffMultiplier))
	}
	if b.DefaultTTL < 0 {
		errs = append(errs, "bus.default_ttl must not be negative")
	}
	if b.QueueSize < 1 {
		errs = append(errs, fmt.Sprintf("bus.queue_size must be >= 1, got %d", b.QueueSize))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateGame(g GameConfig) error {
	var errs []string
	if g.FuseDelayMs <= 0 {
		errs = append(errs, fmt.Sprintf("game.fuse_delay_ms must be positive, got %d", g.FuseDelayMs))
	}
	if g.EffectRadius < 1 {
		errs = append(errs, fmt.Sprintf("game.effect_radius must be >= 1, got %d", g.EffectRadius))
	}
	if g.MaxActivePerOwner < 1 {
		errs = append(errs, fmt.Sprintf("game.max_active_per_owner must be >= 1, got %d", g.MaxActivePerOwner))
	}
	if g.ZoneDisplayMs <= 0 {
		errs = append(errs, fmt.Sprintf("game.zone_display_ms must be positive, got %d", g.ZoneDisplayMs))
	}
	if g.PlacementPolicy != "reject" && g.PlacementPolicy != "stack" {
		errs = append(errs, fmt.Sprintf("game.placement_policy must be one of [reject, stack], got %q", g.PlacementPolicy))
	}
	if g.SessionTTL <= 0 {
		errs = append(errs, "game.session_ttl must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateBridge(b BridgeConfig) error {
	var errs []string
	if b.MaxSubscriptionsPerConn < 1 {
		errs = append(errs, fmt.Sprintf("bridge.max_subscriptions_per_conn must be >= 1, got %d", b.MaxSubscriptionsPerConn))
	}
	if b.BatchWindow <= 0 {
		errs = append(errs, "bridge.batch_window must be positive")
	}
	if b.BatchMaxSize < 1 {
		errs = append(errs, fmt.Sprintf("bridge.batch_max_size must be >= 1, got %d", b.BatchMaxSize))
	}
	if b.ViolationThreshold < 1 {
		errs = append(errs, fmt.Sprintf("bridge.violation_threshold must be >= 1, got %d", b.ViolationThreshold))
	}
	if b.SendBufferSize < 1 {
		errs = append(errs, fmt.Sprintf("bridge.send_buffer_size must be >= 1, got %d", b.SendBufferSize))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with BLAST_ prefix
	v.SetEnvPrefix("BLAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "blastarena")
	v.SetDefault("database.password", "blastarena")
	v.SetDefault("database.name", "blastarena")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("ws.host", "0.0.0.0")
	v.SetDefault("ws.port", 8080)
	v.SetDefault("ws.heartbeat_interval", "30s")
	v.SetDefault("ws.write_timeout", "10s")

	v.SetDefault("bus.retry_ceiling", 3)
	v.SetDefault("bus.backoff_base", "50ms")
	v.SetDefault("bus.backoff_multiplier", 2.0)
	v.SetDefault("bus.default_ttl", "30s")
	v.SetDefault("bus.queue_size", 256)

	v.SetDefault("game.fuse_delay_ms", 3000)
	v.SetDefault("game.effect_radius", 2)
	v.SetDefault("game.max_active_per_owner", 1)
	v.SetDefault("game.zone_display_ms", 500)
	v.SetDefault("game.placement_policy", "reject")
	v.SetDefault("game.default_arena", "classic")
	v.SetDefault("game.session_ttl", "10m")

	v.SetDefault("bridge.max_subscriptions_per_conn", 8)
	v.SetDefault("bridge.batch_window", "16ms")
	v.SetDefault("bridge.batch_max_size", 32)
	v.SetDefault("bridge.violation_threshold", 5)
	v.SetDefault("bridge.send_buffer_size", 64)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
