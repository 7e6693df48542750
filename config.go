package metabase

import (
	"strings"
	"time"

	"github.com/ambiyansyah-risyal/metabase/internal/confloader"
	"github.com/ambiyansyah-risyal/metabase/redisstore"
)

// Config is the file and environment form of the client options.
type Config struct {
	BaseURL        string        `koanf:"base_url"`
	UserAgent      string        `koanf:"user_agent"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	AttemptTimeout time.Duration `koanf:"attempt_timeout"`

	Retry   RetryConfig   `koanf:"retry"`
	Cache   CacheConfig   `koanf:"cache"`
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// RetryConfig mirrors RetryPolicy.
type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay"`
	Jitter      bool          `koanf:"jitter"`
	// Strategy is exponential or decorrelated.
	Strategy string `koanf:"strategy"`
}

// CacheConfig selects and sizes the response cache.
type CacheConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Capacity int           `koanf:"capacity"`
	TTL      time.Duration `koanf:"ttl"`
	Queries  bool          `koanf:"queries"`
	Coalesce bool          `koanf:"coalesce"`
	// Backend is memory or redis.
	Backend string      `koanf:"backend"`
	Redis   RedisConfig `koanf:"redis"`
}

// RedisConfig locates the shared cache.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

// LogConfig enables debug logging. An empty level leaves logging off.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig toggles Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// DefaultConfig returns the settings New uses without options.
func DefaultConfig() Config {
	policy := DefaultRetryPolicy()
	return Config{
		RequestTimeout: 2 * time.Minute,
		AttemptTimeout: 30 * time.Second,
		Retry: RetryConfig{
			MaxAttempts: policy.MaxAttempts,
			BaseDelay:   policy.BaseDelay,
			MaxDelay:    policy.MaxDelay,
			Jitter:      policy.Jitter,
			Strategy:    policy.Strategy.String(),
		},
		Cache: CacheConfig{
			Enabled:  true,
			Capacity: DefaultCacheCapacity,
			TTL:      DefaultCacheTTL,
			Backend:  "memory",
			Redis: RedisConfig{
				Prefix: redisstore.DefaultPrefix,
			},
		},
		Log: LogConfig{
			Format: "json",
		},
	}
}

// LoadConfig reads path (optional) and environment variables starting with
// envPrefix over DefaultConfig. Sections are separated by a double
// underscore: METABASE_RETRY__MAX_ATTEMPTS sets retry.max_attempts.
func LoadConfig(path, envPrefix string) (Config, error) {
	cfg := DefaultConfig()
	loader := confloader.NewLoader(
		confloader.WithConfigFile(path),
		confloader.WithEnvPrefix(envPrefix),
	)
	if err := loader.Load(&cfg); err != nil {
		ce := newValidationError("load configuration: %v", err)
		ce.Cause = err
		return Config{}, ce
	}
	return cfg, nil
}

// Options converts the configuration into client options.
func (cfg Config) Options() ([]Option, error) {
	strategy, err := ParseBackoffStrategy(strings.ToLower(cfg.Retry.Strategy))
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithTimeout(cfg.AttemptTimeout),
		WithRequestTimeout(cfg.RequestTimeout),
		WithRetryPolicy(RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Jitter:      cfg.Retry.Jitter,
			Strategy:    strategy,
		}),
		WithQueryCaching(cfg.Cache.Queries),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, WithUserAgent(cfg.UserAgent))
	}

	switch {
	case !cfg.Cache.Enabled:
		opts = append(opts, WithoutCache())
	case strings.EqualFold(cfg.Cache.Backend, "redis"):
		if cfg.Cache.Redis.Addr == "" {
			return nil, newValidationError("cache.redis.addr is required for the redis backend")
		}
		store := redisstore.New(cfg.Cache.Redis.Addr, cfg.Cache.Redis.Password, cfg.Cache.Redis.DB,
			redisstore.WithPrefix(cfg.Cache.Redis.Prefix),
			redisstore.WithTTL(cfg.Cache.TTL),
		)
		opts = append(opts, WithCacheStore(store, cfg.Cache.TTL))
	case cfg.Cache.Backend == "" || strings.EqualFold(cfg.Cache.Backend, "memory"):
		opts = append(opts, WithCache(cfg.Cache.Capacity, cfg.Cache.TTL))
	default:
		return nil, newValidationError("unknown cache backend %q", cfg.Cache.Backend)
	}
	if cfg.Cache.Coalesce {
		opts = append(opts, WithDeduplication())
	}

	if cfg.Log.Level != "" {
		opts = append(opts,
			WithLogger(NewLogger(LoggerConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})),
			WithDebugConfig(DefaultDebugConfig()),
		)
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, WithMetrics())
	}
	return opts, nil
}

// NewFromConfig builds a client from cfg, then applies extra options.
func NewFromConfig(cfg Config, extra ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, newValidationError("base_url is required")
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	return New(cfg.BaseURL, append(opts, extra...)...)
}
