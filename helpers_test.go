package metabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultWait  = 2 * time.Second
	pollInterval = time.Millisecond
)

// fakeOrigin is an in-memory stand-in for a Metabase server.
type fakeOrigin struct {
	email    string
	password string
	apiKey   string

	logins  atomic.Int32
	logouts atomic.Int32
	calls   atomic.Int32

	mu          sync.Mutex
	issued      int
	valid       map[string]bool
	paths       map[string]int
	loginStatus int
	loginGate   chan struct{}
	handler     func(ctx context.Context, req *Request) (*Response, error)
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{
		email:    "alice@example.com",
		password: "s3cret",
		apiKey:   "mb_test_key",
		valid:    make(map[string]bool),
		paths:    make(map[string]int),
	}
}

func jsonResponse(code int, v any) *Response {
	body, _ := json.Marshal(v)
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &Response{StatusCode: code, Header: h, Body: body}
}

// expire invalidates every issued session token.
func (f *fakeOrigin) expire() {
	f.mu.Lock()
	f.valid = make(map[string]bool)
	f.mu.Unlock()
}

func (f *fakeOrigin) setLoginStatus(code int) {
	f.mu.Lock()
	f.loginStatus = code
	f.mu.Unlock()
}

func (f *fakeOrigin) setHandler(h func(ctx context.Context, req *Request) (*Response, error)) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

// pathCalls counts authorized calls that reached the handler for
// "METHOD /path".
func (f *fakeOrigin) pathCalls(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paths[route]
}

func (f *fakeOrigin) authorized(req *Request) bool {
	if req.Header.Get(HeaderAPIKey) == f.apiKey {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valid[req.Header.Get(HeaderSession)]
}

func (f *fakeOrigin) Send(ctx context.Context, req *Request) (*Response, error) {
	switch {
	case req.Method == http.MethodPost && req.Path == "/api/session":
		return f.login(ctx, req)
	case req.Method == http.MethodDelete && req.Path == "/api/session":
		f.logouts.Add(1)
		f.mu.Lock()
		delete(f.valid, req.Header.Get(HeaderSession))
		f.mu.Unlock()
		return &Response{StatusCode: http.StatusNoContent, Header: make(http.Header)}, nil
	case req.Path == "/api/health":
		return jsonResponse(200, map[string]string{"status": "ok"}), nil
	}

	if !f.authorized(req) {
		return jsonResponse(http.StatusUnauthorized, "Unauthenticated"), nil
	}
	if req.Method == http.MethodGet && req.Path == "/api/user/current" {
		return jsonResponse(200, Identity{ID: 1, Email: f.email, FirstName: "Alice"}), nil
	}

	f.calls.Add(1)
	f.mu.Lock()
	f.paths[req.Method+" "+req.Path]++
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		return h(ctx, req)
	}
	return jsonResponse(200, map[string]any{"path": req.Path}), nil
}

func (f *fakeOrigin) login(ctx context.Context, req *Request) (*Response, error) {
	f.logins.Add(1)

	f.mu.Lock()
	gate := f.loginGate
	status := f.loginStatus
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &SendError{Method: req.Method, Path: req.Path, Sent: true, Err: ctx.Err()}
		}
	}
	if status != 0 {
		return jsonResponse(status, map[string]string{"error": "status"}), nil
	}

	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return jsonResponse(http.StatusBadRequest, map[string]string{"error": err.Error()}), nil
	}
	if body.Username != f.email || body.Password != f.password {
		return jsonResponse(http.StatusUnauthorized, map[string]string{"errors": "password did not match"}), nil
	}

	f.mu.Lock()
	f.issued++
	token := fmt.Sprintf("session-%d", f.issued)
	f.valid[token] = true
	f.mu.Unlock()
	return jsonResponse(200, map[string]string{"id": token}), nil
}

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
