package metabase

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Request is a single call against the configured origin. Path is relative
// to the base URL (for example "/api/card/7").
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Clone returns a deep copy so middleware can modify headers freely.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := &Request{
		Method: r.Method,
		Path:   r.Path,
		Header: r.Header.Clone(),
	}
	if r.Query != nil {
		out.Query = make(url.Values, len(r.Query))
		for k, v := range r.Query {
			out.Query[k] = append([]string(nil), v...)
		}
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	return out
}

// Response is a fully read reply from the origin.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport sends one request to the origin and returns the raw reply.
// Non-2xx statuses are returned as responses, not errors.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Middleware wraps every outbound attempt, including logins.
type Middleware func(ctx context.Context, req *Request, next Transport) (*Response, error)

// chainTransport applies middleware so that the first element is outermost.
func chainTransport(base Transport, middleware []Middleware) Transport {
	current := base
	for i := len(middleware) - 1; i >= 0; i-- {
		mw := middleware[i]
		next := current
		current = TransportFunc(func(ctx context.Context, req *Request) (*Response, error) {
			return mw(ctx, req, next)
		})
	}
	return current
}

// Clock supplies the current time to the session manager and the cache.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// SleepFunc suspends for d or until ctx is done, whichever comes first.
type SleepFunc func(ctx context.Context, d time.Duration) error

// SleepContext is the default SleepFunc.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
