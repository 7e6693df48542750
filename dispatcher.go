package metabase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Call describes one logical operation against the origin.
type Call struct {
	// Operation is a stable name such as "card.get", used for cache keys,
	// metrics and errors.
	Operation string
	Method    string
	Path      string
	Query     url.Values
	Body      []byte

	// Namespace is where a read's result is cached. Reads without a
	// namespace are never cached.
	Namespace string
	// Invalidates lists the namespaces a successful write makes stale.
	Invalidates []string
	// TTL overrides the cache default for this read.
	TTL time.Duration
	// NoCache bypasses the cache for this read.
	NoCache bool
	// Anonymous calls carry no session and never trigger a refresh.
	Anonymous bool
}

func (c Call) fingerprint() string {
	params := make(url.Values, len(c.Query)+3)
	for k, v := range c.Query {
		params[k] = v
	}
	params.Set("_method", c.Method)
	params.Set("_path", c.Path)
	if len(c.Body) > 0 {
		params.Set("_body", fingerprintBody(c.Body))
	}
	return Fingerprint(c.Namespace, c.Operation, params)
}

// DispatcherConfig wires the optional parts of a Dispatcher.
type DispatcherConfig struct {
	Cache          Store
	CacheEnabled   bool
	CacheTTL       time.Duration
	RequestTimeout time.Duration
	Coalesce       bool
	Logger         Logger
	Debug          *DebugConfig
	Metrics        *MetricsCollector
}

// Dispatcher runs reads and writes through the cache, the retry executor
// and the session manager. A rejected session is refreshed once and the
// request replayed once.
type Dispatcher struct {
	transport      Transport
	sessions       *SessionManager
	retry          *RetryExecutor
	cache          Store
	cacheEnabled   atomic.Bool
	cacheTTL       time.Duration
	requestTimeout time.Duration
	dedup          *DeduplicationTracker
	generations    generations
	logger         Logger
	debug          *DebugConfig
	metrics        *MetricsCollector
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(transport Transport, sessions *SessionManager, retry *RetryExecutor, cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		transport:      transport,
		sessions:       sessions,
		retry:          retry,
		cache:          cfg.Cache,
		cacheTTL:       cfg.CacheTTL,
		requestTimeout: cfg.RequestTimeout,
		logger:         cfg.Logger,
		debug:          cfg.Debug,
		metrics:        cfg.Metrics,
	}
	if d.logger == nil {
		d.logger = NopLogger()
	}
	if d.cacheTTL <= 0 {
		d.cacheTTL = DefaultCacheTTL
	}
	if cfg.Coalesce {
		d.dedup = NewDeduplicationTracker()
	}
	d.cacheEnabled.Store(cfg.Cache != nil && cfg.CacheEnabled)
	return d
}

// SetCacheEnabled toggles cached reads. Writes keep invalidating either way.
func (d *Dispatcher) SetCacheEnabled(enabled bool) {
	d.cacheEnabled.Store(enabled && d.cache != nil)
}

// CacheEnabled reports whether reads consult the cache.
func (d *Dispatcher) CacheEnabled() bool {
	return d.cacheEnabled.Load()
}

// Read performs an idempotent call, serving and filling the cache.
func (d *Dispatcher) Read(ctx context.Context, call Call) ([]byte, error) {
	start := time.Now()
	requestID := d.requestID()
	d.metrics.RecordRequestStart(call.Operation)
	defer d.metrics.RecordRequestEnd(call.Operation)

	if d.debug.logRequests() {
		d.logger.Debug("Starting read", "requestID", requestID, "operation", call.Operation, "path", call.Path)
	}

	key := call.fingerprint()
	cacheable, ttl := d.cachePolicy(ctx, call)
	if cacheable {
		if payload, ok := d.cache.Get(ctx, key); ok {
			d.metrics.RecordCacheHit(call.Operation)
			if d.debug.logCache() {
				d.logger.Debug("Cache hit", "requestID", requestID, "key", key)
			}
			return payload, d.finish(call, requestID, start, nil)
		}
		d.metrics.RecordCacheMiss(call.Operation)
		if d.debug.logCache() {
			d.logger.Debug("Cache miss", "requestID", requestID, "key", key)
		}
	}

	// An invalidation that lands while the fetch is in flight bumps the
	// generation, and the stale result is then returned but not stored.
	gen := d.generations.current(call.Namespace)
	fetch := func(ctx context.Context) ([]byte, error) {
		ctx, cancel := d.withTimeout(ctx)
		defer cancel()

		resp, err := d.execute(ctx, call, true, requestID)
		if err != nil {
			return nil, err
		}
		if cacheable {
			stored := d.generations.ifCurrent(call.Namespace, gen, func() {
				d.cache.Put(context.WithoutCancel(ctx), key, resp.Body, ttl)
			})
			d.recordCacheSize()
			if d.debug.logCache() {
				if stored {
					d.logger.Debug("Cached response", "requestID", requestID, "key", key, "ttl", ttl)
				} else {
					d.logger.Debug("Skipped caching invalidated response", "requestID", requestID, "key", key)
				}
			}
		}
		return resp.Body, nil
	}

	var (
		payload []byte
		err     error
	)
	if d.dedup != nil {
		var shared bool
		// Reads that start after an invalidation never join an older flight.
		flight := key + "#" + strconv.FormatUint(gen, 10)
		payload, shared, err = d.dedup.Do(ctx, flight, fetch)
		if shared {
			d.metrics.RecordDeduplicationHit(call.Operation)
		}
	} else {
		payload, err = fetch(ctx)
	}
	if err != nil {
		return nil, d.finish(call, requestID, start, err)
	}
	return payload, d.finish(call, requestID, start, nil)
}

// Write performs a non-idempotent call and, on success, invalidates the
// namespaces it touches. A failed write, ambiguous or not, invalidates
// nothing.
func (d *Dispatcher) Write(ctx context.Context, call Call) ([]byte, error) {
	start := time.Now()
	requestID := d.requestID()
	d.metrics.RecordRequestStart(call.Operation)
	defer d.metrics.RecordRequestEnd(call.Operation)

	if d.debug.logRequests() {
		d.logger.Debug("Starting write", "requestID", requestID, "operation", call.Operation, "path", call.Path)
	}

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	resp, err := d.execute(ctx, call, false, requestID)
	if err != nil {
		return nil, d.finish(call, requestID, start, err)
	}
	d.invalidate(context.WithoutCancel(ctx), call, requestID)
	return resp.Body, d.finish(call, requestID, start, nil)
}

// replayPhase tracks the refresh-and-replay state of one call.
type replayPhase int

const (
	phaseNormal replayPhase = iota
	phaseRefreshing
	phaseReplaying
	phaseFailed
)

func (d *Dispatcher) execute(ctx context.Context, call Call, idempotent bool, requestID string) (*Response, error) {
	var token Token
	if !call.Anonymous {
		tok, err := d.sessions.AcquireToken(ctx)
		if err != nil {
			return nil, err
		}
		token = tok
	}

	op := Operation{
		Name:       call.Operation,
		Idempotent: idempotent,
		Call: func(ctx context.Context) (*Response, error) {
			req := &Request{
				Method: call.Method,
				Path:   call.Path,
				Query:  call.Query,
				Header: make(http.Header),
				Body:   call.Body,
			}
			token.Apply(req.Header)
			return d.transport.Send(ctx, req)
		},
	}

	var (
		resp    *Response
		outcome Outcome
		err     error
		phase   = phaseNormal
	)
	for {
		switch phase {
		case phaseNormal, phaseReplaying:
			resp, outcome = d.retry.Execute(ctx, op)
			switch {
			case outcome.Kind == OutcomeSuccess:
				return resp, nil
			case outcome.Kind == OutcomeAuthFailure && !call.Anonymous && phase == phaseNormal:
				phase = phaseRefreshing
			default:
				err = d.failure(call, outcome, resp, requestID)
				phase = phaseFailed
			}

		case phaseRefreshing:
			if d.debug.logSession() {
				d.logger.Info("Session rejected, refreshing", "requestID", requestID, "operation", call.Operation, "epoch", token.Epoch)
			}
			tok, rerr := d.sessions.Refresh(ctx, token.Epoch)
			if rerr != nil {
				err = rerr
				phase = phaseFailed
				continue
			}
			token = tok
			phase = phaseReplaying

		case phaseFailed:
			return nil, err
		}
	}
}

func (d *Dispatcher) failure(call Call, outcome Outcome, resp *Response, requestID string) *ClientError {
	ce := &ClientError{
		Operation:   call.Operation,
		Method:      call.Method,
		Path:        call.Path,
		StatusCode:  outcome.StatusCode,
		Attempt:     outcome.Attempts,
		MaxAttempts: d.retry.Policy().MaxAttempts,
		Ambiguous:   outcome.Ambiguous,
		RequestID:   requestID,
		Timestamp:   time.Now(),
		Cause:       outcome.Err,
	}

	switch outcome.Kind {
	case OutcomeTransient:
		ce.Type = ErrorTypeTransient
		ce.Message = "retries exhausted: " + outcome.Reason
	case OutcomeAuthFailure:
		ce.Type = ErrorTypeAuthFailure
		ce.Message = "request rejected after session refresh"
		if call.Anonymous {
			ce.Message = "request rejected"
		}
	default:
		ce.Type = ErrorTypePermanent
		ce.Message = outcome.Reason
	}

	if resp != nil && outcome.StatusCode >= 400 {
		if msg := serverMessage(resp.Body); msg != "" {
			ce.Message += ": " + msg
		}
	}
	return ce
}

// finish records metrics and normalizes err into a *ClientError owned by
// this caller.
func (d *Dispatcher) finish(call Call, requestID string, start time.Time, err error) error {
	duration := time.Since(start)
	if err == nil {
		d.metrics.RecordRequest(call.Operation, OutcomeSuccess, duration)
		if d.debug.logRequests() {
			d.logger.Debug("Request completed", "requestID", requestID, "operation", call.Operation, "duration", duration)
		}
		return nil
	}

	var out ClientError
	var ce *ClientError
	if errors.As(err, &ce) {
		out = *ce
	} else {
		out = ClientError{
			Type:      ErrorTypePermanent,
			Message:   "request failed",
			Method:    call.Method,
			Path:      call.Path,
			Timestamp: time.Now(),
			Cause:     err,
		}
		if IsCanceled(err) {
			out.Message = "canceled"
		}
	}
	if out.Operation == "" {
		out.Operation = call.Operation
	}
	if out.RequestID == "" {
		out.RequestID = requestID
	}
	out.Duration = duration

	d.metrics.RecordError(out.Type, call.Operation)
	d.metrics.RecordRequest(call.Operation, outcomeKindOf(out.Type), duration)
	if d.debug.logRequests() {
		d.logger.Warn("Request failed", "requestID", requestID, "operation", call.Operation, "type", out.Type, "error", out.Message)
	}
	return &out
}

func outcomeKindOf(errorType string) OutcomeKind {
	switch errorType {
	case ErrorTypeTransient:
		return OutcomeTransient
	case ErrorTypeAuthFailure, ErrorTypeUnauthenticated:
		return OutcomeAuthFailure
	default:
		return OutcomePermanent
	}
}

func (d *Dispatcher) cachePolicy(ctx context.Context, call Call) (bool, time.Duration) {
	if d.cache == nil || call.NoCache || call.Namespace == "" {
		return false, 0
	}
	ttl := call.TTL
	if ttl <= 0 {
		ttl = d.cacheTTL
	}
	if cc, ok := cacheControlFrom(ctx); ok {
		if !cc.Enabled {
			return false, 0
		}
		if cc.TTL > 0 {
			ttl = cc.TTL
		}
		return true, ttl
	}
	return d.cacheEnabled.Load(), ttl
}

func (d *Dispatcher) invalidate(ctx context.Context, call Call, requestID string) {
	if d.cache == nil {
		return
	}
	for _, ns := range call.Invalidates {
		d.generations.bump(ns)
		removed := d.cache.InvalidatePrefix(ctx, NamespacePrefix(ns))
		d.metrics.RecordCacheInvalidation(ns, removed)
		if d.debug.logCache() {
			d.logger.Debug("Invalidated cache namespace", "requestID", requestID, "namespace", ns, "removed", removed)
		}
	}
	d.recordCacheSize()
}

// InvalidateNamespace drops every cached entry under namespace.
func (d *Dispatcher) InvalidateNamespace(ctx context.Context, namespace string) int {
	if d.cache == nil {
		return 0
	}
	d.generations.bump(namespace)
	removed := d.cache.InvalidatePrefix(ctx, NamespacePrefix(namespace))
	d.metrics.RecordCacheInvalidation(namespace, removed)
	d.recordCacheSize()
	return removed
}

// ClearCache drops every cached entry.
func (d *Dispatcher) ClearCache(ctx context.Context) {
	if d.cache == nil {
		return
	}
	d.generations.bumpAll()
	d.cache.Clear(ctx)
	d.recordCacheSize()
}

// generations counts invalidations per namespace. Both counters only grow,
// so their sum changes whenever either does.
type generations struct {
	mu     sync.RWMutex
	all    uint64
	byName map[string]uint64
}

func (g *generations) current(namespace string) uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.all + g.byName[namespace]
}

func (g *generations) bump(namespace string) {
	g.mu.Lock()
	if g.byName == nil {
		g.byName = make(map[string]uint64)
	}
	g.byName[namespace]++
	g.mu.Unlock()
}

func (g *generations) bumpAll() {
	g.mu.Lock()
	g.all++
	g.mu.Unlock()
}

// ifCurrent runs fn only while no invalidation of namespace happened since
// gen was read. Invalidations wait for fn to return, so a stored entry is
// always removed by any invalidation that follows it.
func (g *generations) ifCurrent(namespace string, gen uint64, fn func()) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.all+g.byName[namespace] != gen {
		return false
	}
	fn()
	return true
}

func (d *Dispatcher) recordCacheSize() {
	if sized, ok := d.cache.(interface{ Len() int }); ok {
		d.metrics.RecordCacheSize("memory", sized.Len())
	}
}

func (d *Dispatcher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.requestTimeout > 0 {
		return context.WithTimeout(ctx, d.requestTimeout)
	}
	return ctx, func() {}
}

func (d *Dispatcher) requestID() string {
	if d.debug != nil && d.debug.RequestIDGen != nil {
		return d.debug.RequestIDGen()
	}
	return generateRequestID()
}

// retryObserver reports scheduled retries to metrics and the logger.
func retryObserver(logger Logger, debug *DebugConfig, metrics *MetricsCollector) RetryObserver {
	return func(ev RetryEvent) {
		switch ev.State {
		case RetryBackoff:
			metrics.RecordRetry(ev.Operation, ev.Attempt+1)
			if debug.logRetries() {
				logger.Info("Scheduling retry", "operation", ev.Operation, "attempt", ev.Attempt+1, "backoff", ev.Delay, "reason", ev.Outcome.Reason)
			}
		case RetryExhausted:
			if debug.logRetries() {
				logger.Warn("Retries exhausted", "operation", ev.Operation, "attempts", ev.Attempt, "reason", ev.Outcome.Reason)
			}
		}
	}
}

const maxServerMessage = 256

// serverMessage extracts a short error text from a Metabase error body,
// which is either {"message": ...}, {"errors": ...} or a bare string.
func serverMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var obj struct {
		Message string          `json:"message"`
		Errors  json.RawMessage `json:"errors"`
	}
	var msg string
	switch {
	case json.Unmarshal(body, &obj) == nil && obj.Message != "":
		msg = obj.Message
	case obj.Errors != nil:
		msg = string(obj.Errors)
	default:
		var s string
		if json.Unmarshal(body, &s) == nil {
			msg = s
		} else {
			msg = string(body)
		}
	}
	msg = strings.TrimSpace(msg)
	if len(msg) > maxServerMessage {
		msg = msg[:maxServerMessage] + "..."
	}
	return msg
}
