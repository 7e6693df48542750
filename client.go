package metabase

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// Client talks to a Metabase instance. It owns one session, one response
// cache and one retry policy, and is safe for concurrent use.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	transport      Transport
	middleware     []Middleware
	userAgent      string
	maxResponse    int64
	attemptTimeout time.Duration
	requestTimeout time.Duration
	policy         RetryPolicy
	rnd            func() float64
	sleep          SleepFunc
	clock          Clock
	cacheEnabled   bool
	cacheCapacity  int
	cacheTTL       time.Duration
	cacheStore     Store
	cacheQueries   bool
	coalesce       bool
	metrics        *MetricsCollector
	debug          *DebugConfig
	logger         Logger

	memory     *MemoryStore
	sessions   *SessionManager
	dispatcher *Dispatcher
}

// New constructs a Client for the Metabase instance at baseURL, which must
// be an http or https URL. Options are validated together.
func New(baseURL string, options ...Option) (*Client, error) {
	c := &Client{
		baseURL:        baseURL,
		userAgent:      "metabase-go/" + Version,
		maxResponse:    DefaultMaxResponseBytes,
		attemptTimeout: 30 * time.Second,
		requestTimeout: 2 * time.Minute,
		policy:         DefaultRetryPolicy(),
		clock:          SystemClock,
		sleep:          SleepContext,
		cacheEnabled:   true,
		cacheCapacity:  DefaultCacheCapacity,
		cacheTTL:       DefaultCacheTTL,
	}

	for _, option := range options {
		option(c)
	}

	if err := c.ValidateConfiguration(); err != nil {
		return nil, err
	}

	base := c.transport
	if base == nil {
		ht, err := NewHTTPTransport(baseURL, c.httpClient, c.userAgent, WithResponseLimit(c.maxResponse))
		if err != nil {
			return nil, err
		}
		c.baseURL = ht.BaseURL()
		base = ht
	} else if _, err := parseBaseURL(baseURL); err != nil {
		return nil, err
	}
	transport := chainTransport(base, c.middleware)

	logger := c.logger
	if logger == nil {
		logger = NopLogger()
	}

	// The store exists even when caching starts disabled so that
	// SetCacheEnabled can turn it on later.
	store := c.cacheStore
	if store == nil {
		c.memory = NewMemoryStore(c.cacheCapacity, c.cacheTTL, WithStoreClock(c.clock))
		store = c.memory
	}

	c.sessions = NewSessionManager(transport,
		WithSessionClock(c.clock),
		WithSessionLogger(logger, c.debug),
		WithSessionMetrics(c.metrics),
		WithSessionTimeout(c.attemptTimeout),
	)

	executor := NewRetryExecutor(c.policy,
		WithRetryRand(c.rnd),
		WithRetrySleep(c.sleep),
		WithAttemptTimeout(c.attemptTimeout),
		WithRetryClock(c.clock),
		WithRetryObserver(retryObserver(logger, c.debug, c.metrics)),
	)

	c.dispatcher = NewDispatcher(transport, c.sessions, executor, DispatcherConfig{
		Cache:          store,
		CacheEnabled:   c.cacheEnabled,
		CacheTTL:       c.cacheTTL,
		RequestTimeout: c.requestTimeout,
		Coalesce:       c.coalesce,
		Logger:         logger,
		Debug:          c.debug,
		Metrics:        c.metrics,
	})

	return c, nil
}

// BaseURL returns the origin the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Sessions exposes the session manager.
func (c *Client) Sessions() *SessionManager { return c.sessions }

// Dispatcher exposes the request dispatcher for calls not covered by the
// typed helpers.
func (c *Client) Dispatcher() *Dispatcher { return c.dispatcher }

// Metrics returns the metrics collector, nil when metrics are disabled.
func (c *Client) Metrics() *MetricsCollector { return c.metrics }

// Authenticate establishes a session. When the session belongs to a
// different user than the previous one the cache is cleared, since cached
// reads reflect the previous user's permissions.
func (c *Client) Authenticate(ctx context.Context, cred Credential) (*Session, error) {
	prev, hadPrev := c.sessions.Current()
	sess, err := c.sessions.Authenticate(ctx, cred)
	if err != nil {
		return nil, err
	}
	if hadPrev && !strings.EqualFold(prev.User.Email, sess.User.Email) {
		c.dispatcher.ClearCache(ctx)
	}
	return sess, nil
}

// Logout ends the session and clears the cache.
func (c *Client) Logout(ctx context.Context) error {
	err := c.sessions.Logout(ctx)
	c.dispatcher.ClearCache(context.WithoutCancel(ctx))
	return err
}

// IsAuthenticated reports whether a session is installed.
func (c *Client) IsAuthenticated() bool {
	return c.sessions.IsAuthenticated()
}

// Session returns a copy of the active session.
func (c *Client) Session() (*Session, bool) {
	return c.sessions.Current()
}

// CurrentUser fetches the user behind the session.
func (c *Client) CurrentUser(ctx context.Context) (*Identity, error) {
	raw, err := c.dispatcher.Read(ctx, Call{
		Operation: "user.current",
		Method:    http.MethodGet,
		Path:      "/api/user/current",
		NoCache:   true,
	})
	if err != nil {
		return nil, err
	}
	user, err := DecodeJSON[Identity](raw)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// HealthCheck calls the unauthenticated health endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	raw, err := c.dispatcher.Read(ctx, Call{
		Operation: "health",
		Method:    http.MethodGet,
		Path:      "/api/health",
		NoCache:   true,
		Anonymous: true,
	})
	if err != nil {
		return err
	}
	var status struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &status); err != nil || status.Status != "ok" {
		return &ClientError{
			Type:      ErrorTypeTransient,
			Message:   "origin reports unhealthy: " + string(raw),
			Operation: "health",
			Timestamp: time.Now(),
		}
	}
	return nil
}

// Read runs an arbitrary idempotent call.
func (c *Client) Read(ctx context.Context, call Call) (json.RawMessage, error) {
	return c.dispatcher.Read(ctx, call)
}

// Write runs an arbitrary non-idempotent call.
func (c *Client) Write(ctx context.Context, call Call) (json.RawMessage, error) {
	return c.dispatcher.Write(ctx, call)
}

// SetCacheEnabled toggles cached reads at runtime.
func (c *Client) SetCacheEnabled(enabled bool) {
	c.dispatcher.SetCacheEnabled(enabled)
}

// CacheEnabled reports whether reads consult the cache.
func (c *Client) CacheEnabled() bool {
	return c.dispatcher.CacheEnabled()
}

// ClearCache drops every cached response.
func (c *Client) ClearCache(ctx context.Context) {
	c.dispatcher.ClearCache(ctx)
}

// InvalidateCache drops cached responses under namespace.
func (c *Client) InvalidateCache(ctx context.Context, namespace string) int {
	return c.dispatcher.InvalidateNamespace(ctx, namespace)
}

// CacheStats reports in-memory cache counters. ok is false when the cache
// is disabled or backed by another store.
func (c *Client) CacheStats() (stats CacheStats, ok bool) {
	if c.memory == nil || !c.CacheEnabled() {
		return CacheStats{}, false
	}
	return c.memory.Stats(), true
}
