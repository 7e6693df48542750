package metabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ambiyansyah-risyal/metabase/internal/singleflight"
)

// refreshKey names the flight that replaces the session of epoch.
func refreshKey(epoch uint64) string {
	return "refresh:" + strconv.FormatUint(epoch, 10)
}

// Identity is the user a session acts as.
type Identity struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	IsSuperuser bool   `json:"is_superuser"`
}

// Token is what a request needs to authenticate. Epoch identifies the
// session it came from so a rejected request can ask for a refresh of
// exactly that session.
type Token struct {
	Value  string
	Header string
	Epoch  uint64
}

// Apply sets the authentication header on h.
func (t Token) Apply(h http.Header) {
	if t.Value != "" {
		h.Set(t.Header, t.Value)
	}
}

func (t Token) String() string {
	return fmt.Sprintf("Token{header: %s, epoch: %d, value: %s}", t.Header, t.Epoch, redacted)
}

// Session is an established authentication with the origin.
type Session struct {
	token      string
	header     string
	Method     string
	ObtainedAt time.Time
	User       Identity
	Epoch      uint64
}

// Token returns the request token for this session.
func (s *Session) Token() Token {
	return Token{Value: s.token, Header: s.header, Epoch: s.Epoch}
}

func (s *Session) String() string {
	return fmt.Sprintf("Session{method: %s, user: %d, epoch: %d, obtained: %s, token: %s}",
		s.Method, s.User.ID, s.Epoch, s.ObtainedAt.Format(time.RFC3339), redacted)
}

// snapshot returns a copy safe to hand to callers.
func (s *Session) snapshot() *Session {
	cp := *s
	return &cp
}

// SessionManager owns the current session. Reads are lock-light; at most
// one refresh runs per stale session no matter how many requests observe
// the rejection.
type SessionManager struct {
	transport Transport
	clock     Clock
	logger    Logger
	debug     *DebugConfig
	metrics   *MetricsCollector
	timeout   time.Duration

	mu         sync.RWMutex
	current    *Session
	credential Credential
	epoch      uint64
	// failedEpoch remembers a refresh that already failed so callers still
	// holding that epoch get the same error without another login.
	failedEpoch uint64
	failedErr   error
	// refreshing is closed when the running refresh ends, nil otherwise.
	refreshing chan struct{}

	flights singleflight.Group[Token]
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithSessionClock sets the clock used to stamp sessions.
func WithSessionClock(clock Clock) SessionOption {
	return func(m *SessionManager) { m.clock = clock }
}

// WithSessionLogger sets the logger and debug flags.
func WithSessionLogger(logger Logger, debug *DebugConfig) SessionOption {
	return func(m *SessionManager) {
		m.logger = logger
		m.debug = debug
	}
}

// WithSessionMetrics sets the metrics collector.
func WithSessionMetrics(metrics *MetricsCollector) SessionOption {
	return func(m *SessionManager) { m.metrics = metrics }
}

// WithSessionTimeout bounds each login request. Refreshes run detached
// from the callers that triggered them, so this is their only deadline.
func WithSessionTimeout(d time.Duration) SessionOption {
	return func(m *SessionManager) { m.timeout = d }
}

// NewSessionManager creates a manager with no session.
func NewSessionManager(transport Transport, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		transport: transport,
		clock:     SystemClock,
		logger:    NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.clock == nil {
		m.clock = SystemClock
	}
	if m.logger == nil {
		m.logger = NopLogger()
	}
	return m
}

// Authenticate logs in with cred and installs the new session, replacing
// any existing one. The manager keeps its own copy of cred for refreshes;
// the caller may Destroy theirs afterwards.
func (m *SessionManager) Authenticate(ctx context.Context, cred Credential) (*Session, error) {
	if cred == nil {
		return nil, newValidationError("credential is required")
	}
	own := cred.clone()

	sess, err := m.login(ctx, own)
	m.metrics.RecordAuthentication(own.Kind(), err)
	if err != nil {
		own.Destroy()
		return nil, err
	}

	m.mu.Lock()
	old := m.install(sess, own)
	out := sess.snapshot()
	m.mu.Unlock()

	if old != nil {
		old.Destroy()
	}
	if m.debug.logSession() {
		m.logger.Info("Session established", "method", sess.Method, "user", maskEmail(sess.User.Email), "epoch", sess.Epoch)
	}
	return out, nil
}

// install must be called with mu held. It returns the replaced credential.
func (m *SessionManager) install(sess *Session, cred Credential) Credential {
	m.epoch++
	sess.Epoch = m.epoch
	m.current = sess
	old := m.credential
	m.credential = cred
	m.failedErr = nil
	if old == cred {
		return nil
	}
	return old
}

// Current returns a copy of the active session.
func (m *SessionManager) Current() (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, false
	}
	return m.current.snapshot(), true
}

// CurrentToken returns the active token without any network call.
func (m *SessionManager) CurrentToken() (Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Token{}, newUnauthenticatedError("")
	}
	return m.current.Token(), nil
}

// IsAuthenticated reports whether a session is installed.
func (m *SessionManager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current != nil
}

// Epoch returns the generation of the latest installed session.
func (m *SessionManager) Epoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

// AcquireToken returns the active token. While a refresh is running it
// waits for the refresh instead of failing; it never starts one. After a
// failed refresh it reports that failure until the session changes.
func (m *SessionManager) AcquireToken(ctx context.Context) (Token, error) {
	for {
		m.mu.RLock()
		cur, wait := m.current, m.refreshing
		var failed error
		if m.failedErr != nil && m.failedEpoch == m.epoch {
			failed = m.failedErr
		}
		m.mu.RUnlock()

		switch {
		case cur != nil:
			return cur.Token(), nil
		case wait != nil:
			select {
			case <-wait:
			case <-ctx.Done():
				return Token{}, ctx.Err()
			}
		case failed != nil:
			return Token{}, failed
		default:
			return Token{}, newUnauthenticatedError("")
		}
	}
}

// Invalidate drops the active session but keeps the credential, so a later
// Refresh can log in again.
func (m *SessionManager) Invalidate() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
}

// Refresh replaces the session identified by staleEpoch. If a newer
// session is already installed it is returned without a network call.
// Concurrent callers share one login. A failed refresh is reported as an
// AuthFailure to every caller holding staleEpoch.
func (m *SessionManager) Refresh(ctx context.Context, staleEpoch uint64) (Token, error) {
	m.mu.RLock()
	tok, done, err := m.resolveLocked(staleEpoch)
	m.mu.RUnlock()
	if done {
		return tok, err
	}

	tok, err, shared := m.flights.Do(ctx, refreshKey(staleEpoch), func(fctx context.Context) (Token, error) {
		return m.refresh(fctx, staleEpoch)
	})
	if shared && m.debug.logSession() {
		m.logger.Debug("Joined in-flight session refresh", "epoch", staleEpoch)
	}
	return tok, err
}

// resolveLocked answers a refresh request from state alone when possible.
func (m *SessionManager) resolveLocked(staleEpoch uint64) (Token, bool, error) {
	if m.epoch != staleEpoch {
		if m.current != nil {
			return m.current.Token(), true, nil
		}
		return Token{}, true, newUnauthenticatedError("")
	}
	if m.failedErr != nil && m.failedEpoch == staleEpoch {
		return Token{}, true, m.failedErr
	}
	return Token{}, false, nil
}

func (m *SessionManager) refresh(ctx context.Context, staleEpoch uint64) (Token, error) {
	m.mu.Lock()
	if tok, done, err := m.resolveLocked(staleEpoch); done {
		m.mu.Unlock()
		return tok, err
	}
	if m.credential == nil {
		m.current = nil
		m.mu.Unlock()
		return Token{}, newUnauthenticatedError("")
	}
	m.current = nil
	cred := m.credential.clone()
	done := make(chan struct{})
	m.refreshing = done
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.refreshing == done {
			m.refreshing = nil
		}
		m.mu.Unlock()
		close(done)
	}()

	if m.debug.logSession() {
		m.logger.Info("Refreshing session", "epoch", staleEpoch, "method", cred.Kind())
	}

	sess, err := m.login(ctx, cred)
	m.metrics.RecordSessionRefresh(err)
	if err != nil {
		cred.Destroy()
		authErr := &ClientError{
			Type:      ErrorTypeAuthFailure,
			Message:   "session refresh failed",
			Operation: "session.refresh",
			Timestamp: m.clock.Now(),
			Cause:     err,
		}
		m.mu.Lock()
		if m.epoch == staleEpoch {
			m.failedEpoch = staleEpoch
			m.failedErr = authErr
		}
		m.mu.Unlock()
		if m.debug.logSession() {
			m.logger.Warn("Session refresh failed", "epoch", staleEpoch, "error", err)
		}
		return Token{}, authErr
	}

	m.mu.Lock()
	if m.epoch != staleEpoch {
		// Authenticate or Logout ran while we were logging in.
		tok, _, rerr := m.resolveLocked(staleEpoch)
		m.mu.Unlock()
		cred.Destroy()
		return tok, rerr
	}
	old := m.install(sess, cred)
	tok := sess.Token()
	m.mu.Unlock()

	if old != nil {
		old.Destroy()
	}
	if m.debug.logSession() {
		m.logger.Info("Session refreshed", "epoch", tok.Epoch)
	}
	return tok, nil
}

// Logout clears the session and credential, then tells the origin. The
// local state is cleared even when the notification fails.
func (m *SessionManager) Logout(ctx context.Context) error {
	m.mu.Lock()
	sess := m.current
	cred := m.credential
	m.current = nil
	m.credential = nil
	m.failedErr = nil
	m.epoch++
	m.mu.Unlock()

	if cred != nil {
		cred.Destroy()
	}
	if sess == nil || sess.header != HeaderSession {
		return nil
	}

	req := &Request{Method: http.MethodDelete, Path: "/api/session", Header: make(http.Header)}
	sess.Token().Apply(req.Header)
	resp, err := m.transport.Send(ctx, req)
	if err != nil {
		return &ClientError{
			Type:      ErrorTypeTransient,
			Message:   "logout notification failed",
			Operation: "session.logout",
			Method:    req.Method,
			Path:      req.Path,
			Timestamp: m.clock.Now(),
			Cause:     err,
		}
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusUnauthorized {
		return &ClientError{
			Type:       ErrorTypePermanent,
			Message:    "logout rejected: " + statusReason(resp.StatusCode),
			Operation:  "session.logout",
			Method:     req.Method,
			Path:       req.Path,
			StatusCode: resp.StatusCode,
			Timestamp:  m.clock.Now(),
		}
	}
	if m.debug.logSession() {
		m.logger.Info("Session closed", "epoch", sess.Epoch)
	}
	return nil
}

type loginResponse struct {
	ID string `json:"id"`
}

func (m *SessionManager) login(ctx context.Context, cred Credential) (*Session, error) {
	if cred.destroyed() {
		return nil, newValidationError("credential has been destroyed")
	}
	parent := ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	switch c := cred.(type) {
	case *EmailPassword:
		body := c.loginBody()
		req := &Request{
			Method: http.MethodPost,
			Path:   "/api/session",
			Header: http.Header{"Content-Type": []string{"application/json"}},
			Body:   body,
		}
		resp, err := m.transport.Send(ctx, req)
		zero(body)
		if err := m.checkLogin(parent, req, resp, err); err != nil {
			return nil, err
		}

		var lr loginResponse
		if err := json.Unmarshal(resp.Body, &lr); err != nil || lr.ID == "" {
			return nil, m.loginError(ErrorTypePermanent, req, resp.StatusCode, "login response has no session id", err)
		}
		// The login reply carries only the session id.
		return &Session{
			token:      lr.ID,
			header:     HeaderSession,
			Method:     c.Kind(),
			ObtainedAt: m.clock.Now(),
			User:       Identity{Email: c.Email()},
		}, nil

	case *APIKey:
		key := c.value()
		req := &Request{Method: http.MethodGet, Path: "/api/user/current", Header: make(http.Header)}
		req.Header.Set(HeaderAPIKey, key)
		resp, err := m.transport.Send(ctx, req)
		if err := m.checkLogin(parent, req, resp, err); err != nil {
			return nil, err
		}

		var user Identity
		if err := json.Unmarshal(resp.Body, &user); err != nil {
			return nil, m.loginError(ErrorTypePermanent, req, resp.StatusCode, "invalid user response", err)
		}
		return &Session{
			token:      key,
			header:     HeaderAPIKey,
			Method:     c.Kind(),
			ObtainedAt: m.clock.Now(),
			User:       user,
		}, nil

	default:
		return nil, newValidationError("unsupported credential %T", cred)
	}
}

// checkLogin maps a login reply to an error. Rejected credentials are an
// AuthFailure and unreachable or overloaded origins are transient. ctx is
// the caller's context, not the one bounded by the login timeout.
func (m *SessionManager) checkLogin(ctx context.Context, req *Request, resp *Response, err error) error {
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return m.loginError(ErrorTypePermanent, req, 0, "login canceled", ctxErr)
		}
		return m.loginError(ErrorTypeTransient, req, 0, "login request failed", err)
	}

	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusBadRequest || code == http.StatusUnauthorized || code == http.StatusForbidden:
		return m.loginError(ErrorTypeAuthFailure, req, code, "credentials rejected", nil)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return m.loginError(ErrorTypeTransient, req, code, "login unavailable: "+statusReason(code), nil)
	default:
		return m.loginError(ErrorTypePermanent, req, code, "unexpected login reply: "+statusReason(code), nil)
	}
}

func (m *SessionManager) loginError(typ string, req *Request, code int, msg string, cause error) *ClientError {
	return &ClientError{
		Type:       typ,
		Message:    msg,
		Operation:  "session.login",
		Method:     req.Method,
		Path:       req.Path,
		StatusCode: code,
		Timestamp:  m.clock.Now(),
		Cause:      cause,
	}
}
