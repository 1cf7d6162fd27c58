// Package config loads radard settings from defaults, an optional YAML file
// and RADAR_* environment variables (e.g. RADAR_REDIS_ADDR,
// RADAR_RADAR_BEST_MATCH_THRESHOLD).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/whisper/radar/internal/position"
)

// Config is the full radard configuration.
type Config struct {
	Radar    RadarConfig    `mapstructure:"radar"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	WS       WSConfig       `mapstructure:"ws"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Gemini   GeminiConfig   `mapstructure:"gemini"`
	Log      LogConfig      `mapstructure:"log"`
}

// RadarConfig holds the recognized options of the matching core.
type RadarConfig struct {
	DefaultVisibilityRange float64            `mapstructure:"default_visibility_range"`
	AutoExpireWindow       time.Duration      `mapstructure:"auto_expire_window"`
	SweepInterval          time.Duration      `mapstructure:"sweep_interval"`
	CategoryWeights        map[string]float64 `mapstructure:"category_weights"`
	BestMatchThreshold     float64            `mapstructure:"best_match_threshold"`
	HighlightCount         int                `mapstructure:"highlight_count"`
	PageSize               int                `mapstructure:"page_size"`
	RequireDiscoverable    bool               `mapstructure:"require_discoverable"`
	DistanceMetric         string             `mapstructure:"distance_metric"` // planar | haversine
	Timezone               string             `mapstructure:"timezone"`
	CacheSize              int                `mapstructure:"cache_size"`
	Workers                int                `mapstructure:"workers"`
	ScreenContent          bool               `mapstructure:"screen_content"`
}

// HTTPConfig configures the HTTP API listener.
type HTTPConfig struct {
	ListenAddr     string   `mapstructure:"listen_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// WSConfig configures the WebSocket radar gateway.
type WSConfig struct {
	WorkerPoolSize int           `mapstructure:"worker_pool_size"`
	MaxConnections int           `mapstructure:"max_connections"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// RedisConfig configures Redis. An empty Addr disables the Redis-backed best
// match table and rate limiting.
type RedisConfig struct {
	Addr string `mapstructure:"addr"`
	DB   int    `mapstructure:"db"`
}

// NATSConfig configures NATS ingestion. An empty URL disables it.
type NATSConfig struct {
	URL  string `mapstructure:"url"`
	Name string `mapstructure:"name"`
}

// PostgresConfig configures the question catalog database. An empty DSN
// falls back to the built-in catalog.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// GeminiConfig configures the conversation-starter generator.
type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// LogConfig selects the log encoding and level.
type LogConfig struct {
	JSON  bool `mapstructure:"json"`
	Debug bool `mapstructure:"debug"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("radar.default_visibility_range", 20.0)
	v.SetDefault("radar.auto_expire_window", 2*time.Minute)
	v.SetDefault("radar.sweep_interval", 15*time.Second)
	v.SetDefault("radar.category_weights", map[string]float64{})
	v.SetDefault("radar.best_match_threshold", 70.0)
	v.SetDefault("radar.highlight_count", 3)
	v.SetDefault("radar.page_size", 20)
	v.SetDefault("radar.require_discoverable", false)
	v.SetDefault("radar.distance_metric", "planar")
	v.SetDefault("radar.timezone", "UTC")
	v.SetDefault("radar.cache_size", 10000)
	v.SetDefault("radar.workers", 8)
	v.SetDefault("radar.screen_content", true)

	v.SetDefault("http.listen_addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{"*"})

	v.SetDefault("ws.worker_pool_size", 256)
	v.SetDefault("ws.max_connections", 100000)
	v.SetDefault("ws.read_timeout", 10*time.Second)
	v.SetDefault("ws.write_timeout", 10*time.Second)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.name", "radard")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model", "")
	v.SetDefault("log.json", false)
	v.SetDefault("log.debug", false)
}

// New returns a viper instance with defaults and RADAR_ env binding applied.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("RADAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file into v and decodes the result.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges of the radar options.
func (c *Config) Validate() error {
	r := c.Radar
	var errs []error

	if r.DefaultVisibilityRange < position.MinRadius || r.DefaultVisibilityRange > position.MaxRadius {
		errs = append(errs, fmt.Errorf("radar.default_visibility_range must be within [%v,%v], got %v",
			position.MinRadius, position.MaxRadius, r.DefaultVisibilityRange))
	}
	if r.AutoExpireWindow <= 0 {
		errs = append(errs, errors.New("radar.auto_expire_window must be positive"))
	}
	if r.SweepInterval <= 0 {
		errs = append(errs, errors.New("radar.sweep_interval must be positive"))
	}
	if r.BestMatchThreshold < 0 || r.BestMatchThreshold > 100 {
		errs = append(errs, fmt.Errorf("radar.best_match_threshold must be within [0,100], got %v", r.BestMatchThreshold))
	}
	if r.HighlightCount < 0 {
		errs = append(errs, errors.New("radar.highlight_count must not be negative"))
	}
	if r.PageSize <= 0 {
		errs = append(errs, errors.New("radar.page_size must be positive"))
	}
	if r.CacheSize <= 0 {
		errs = append(errs, errors.New("radar.cache_size must be positive"))
	}
	if r.Workers <= 0 {
		errs = append(errs, errors.New("radar.workers must be positive"))
	}
	for cat, w := range r.CategoryWeights {
		if w < 0 {
			errs = append(errs, fmt.Errorf("radar.category_weights[%s] must not be negative", cat))
		}
	}
	if _, err := position.ParseMetric(r.DistanceMetric); err != nil {
		errs = append(errs, err)
	}
	if _, err := time.LoadLocation(r.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("radar.timezone: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Location returns the configured time zone, defaulting to UTC.
func (r RadarConfig) Location() *time.Location {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
