package metabase

import (
	"fmt"
	"net/http"
	"time"
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the http.Client used by the default transport.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTransport replaces the HTTP transport entirely, e.g. for tests.
func WithTransport(t Transport) Option {
	return func(c *Client) {
		c.transport = t
	}
}

// WithMiddleware appends middleware around every outbound attempt.
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithMaxResponseSize caps reply bodies read by the built-in transport.
func WithMaxResponseSize(n int64) Option {
	return func(c *Client) {
		c.maxResponse = n
	}
}

// WithTimeout bounds each individual attempt, logins included.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.attemptTimeout = d
	}
}

// WithRequestTimeout bounds a whole operation across all its attempts.
// Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// WithMaxAttempts sets the total number of attempts, the first included.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		c.policy.MaxAttempts = n
	}
}

// WithBaseDelay sets the delay after the first failed attempt.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) {
		c.policy.BaseDelay = d
	}
}

// WithMaxDelay caps any single backoff delay, Retry-After included.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Client) {
		c.policy.MaxDelay = d
	}
}

// WithJitter toggles randomized backoff.
func WithJitter(enabled bool) Option {
	return func(c *Client) {
		c.policy.Jitter = enabled
	}
}

// WithBackoffStrategy selects the backoff curve.
func WithBackoffStrategy(strategy BackoffStrategy) Option {
	return func(c *Client) {
		c.policy.Strategy = strategy
	}
}

// WithRetryPolicy replaces the whole retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.policy = policy
	}
}

// WithClassifier overrides how attempt results are classified.
func WithClassifier(classifier Classifier) Option {
	return func(c *Client) {
		c.policy.Classifier = classifier
	}
}

// WithRandSource injects the jitter random source, returning [0, 1).
func WithRandSource(rnd func() float64) Option {
	return func(c *Client) {
		c.rnd = rnd
	}
}

// WithSleepFunc injects the suspension used between retries.
func WithSleepFunc(sleep SleepFunc) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// WithClock injects the clock used for sessions and cache expiry.
func WithClock(clock Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithCache enables the in-memory LRU cache.
func WithCache(capacity int, ttl time.Duration) Option {
	return func(c *Client) {
		c.cacheEnabled = true
		c.cacheCapacity = capacity
		c.cacheTTL = ttl
	}
}

// WithCacheStore enables caching on a caller supplied store.
func WithCacheStore(store Store, ttl time.Duration) Option {
	return func(c *Client) {
		c.cacheEnabled = true
		c.cacheStore = store
		c.cacheTTL = ttl
	}
}

// WithoutCache starts the client with response caching disabled.
// SetCacheEnabled(true) turns it back on with an in-memory store.
func WithoutCache() Option {
	return func(c *Client) {
		c.cacheEnabled = false
		c.cacheStore = nil
	}
}

// WithQueryCaching caches query results too. Off by default because
// query results usually change independently of any client write.
func WithQueryCaching(enabled bool) Option {
	return func(c *Client) {
		c.cacheQueries = enabled
	}
}

// WithDeduplication coalesces identical concurrent reads.
func WithDeduplication() Option {
	return func(c *Client) {
		c.coalesce = true
	}
}

// WithMetrics enables Prometheus metrics on a private registry.
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector.
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithDebug enables debug logging with default settings. Without a
// logger, output goes to a simple stderr logger.
func WithDebug() Option {
	return func(c *Client) {
		c.debug = DefaultDebugConfig()
		if c.logger == nil {
			c.logger = NewSimpleLogger()
		}
	}
}

// WithDebugConfig sets custom debug configuration.
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		c.debug = config
	}
}

// WithLogger sets the logger for debug output.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSimpleLogger enables debug logging to stderr.
func WithSimpleLogger() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.logger = NewSimpleLogger()
	}
}

// WithRequestIDGenerator sets the function that tags each operation.
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
			c.debug.Enabled = false
		}
		c.debug.RequestIDGen = gen
	}
}

// ValidateConfiguration reports every invalid setting at once.
func (c *Client) ValidateConfiguration() error {
	var errs []string

	errs = append(errs, c.validateRetryConfig()...)
	errs = append(errs, c.validateCacheConfig()...)
	errs = append(errs, c.validateDebugConfig()...)
	errs = append(errs, c.validateMiddlewareConfig()...)
	errs = append(errs, c.validateExtremeValues()...)

	if len(errs) > 0 {
		return &ClientError{
			Type:      ErrorTypeValidation,
			Message:   "configuration validation failed",
			Timestamp: time.Now(),
			Cause:     fmt.Errorf("validation errors: %v", errs),
		}
	}
	return nil
}

func (c *Client) validateRetryConfig() []string {
	var errs []string

	if c.policy.MaxAttempts < 1 {
		errs = append(errs, "maxAttempts must be at least 1")
	}
	if c.policy.BaseDelay < 0 {
		errs = append(errs, "baseDelay must be non-negative")
	}
	if c.policy.MaxDelay < c.policy.BaseDelay {
		errs = append(errs, "maxDelay must be greater than or equal to baseDelay")
	}
	if c.policy.Strategy != ExponentialJitter && c.policy.Strategy != DecorrelatedJitter {
		errs = append(errs, "unknown backoff strategy")
	}
	if c.attemptTimeout < 0 {
		errs = append(errs, "timeout must be non-negative")
	}
	if c.requestTimeout < 0 {
		errs = append(errs, "requestTimeout must be non-negative")
	}
	if c.requestTimeout > 0 && c.attemptTimeout > c.requestTimeout {
		errs = append(errs, "timeout must not exceed requestTimeout")
	}

	return errs
}

func (c *Client) validateCacheConfig() []string {
	var errs []string

	if c.cacheEnabled {
		if c.cacheTTL < 0 {
			errs = append(errs, "cacheTTL must be non-negative")
		}
		if c.cacheStore == nil && c.cacheCapacity < 0 {
			errs = append(errs, "cache capacity must be non-negative")
		}
	}

	return errs
}

func (c *Client) validateDebugConfig() []string {
	var errs []string

	if c.debug != nil && c.debug.Enabled && c.logger == nil {
		errs = append(errs, "logger must be set when debug is enabled")
	}

	return errs
}

func (c *Client) validateMiddlewareConfig() []string {
	var errs []string

	for i, mw := range c.middleware {
		if mw == nil {
			errs = append(errs, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}

	return errs
}

func (c *Client) validateExtremeValues() []string {
	var errs []string

	if c.policy.MaxAttempts > 100 {
		errs = append(errs, "maxAttempts > 100 may cause excessive resource usage")
	}
	if c.policy.MaxDelay > time.Hour {
		errs = append(errs, "maxDelay > 1h may cause extremely long delays")
	}
	if c.cacheCapacity > 10_000_000 {
		errs = append(errs, "cache capacity > 10M may cause memory issues")
	}
	if c.maxResponse <= 0 {
		errs = append(errs, "max response size must be positive")
	}

	return errs
}
