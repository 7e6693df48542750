package metabase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync/atomic"
)

const (
	// HeaderSession carries a session token obtained from POST /api/session.
	HeaderSession = "X-Metabase-Session"
	// HeaderAPIKey carries a static API key.
	HeaderAPIKey = "X-API-Key"

	// DefaultMaxResponseBytes bounds how much of a reply body is buffered.
	DefaultMaxResponseBytes int64 = 64 << 20
)

// SendError reports a transport failure. Sent tells whether the request
// was fully written before the failure, which makes a write ambiguous.
type SendError struct {
	Method string
	Path   string
	Sent   bool
	Err    error
}

// Error implements error.
func (e *SendError) Error() string {
	state := "before send"
	if e.Sent {
		state = "after send"
	}
	return fmt.Sprintf("%s %s failed %s: %v", e.Method, e.Path, state, e.Err)
}

// Unwrap returns the underlying network error.
func (e *SendError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline.
func (e *SendError) Timeout() bool { return isTimeout(e.Err) }

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// HTTPTransport sends requests with net/http.
type HTTPTransport struct {
	baseURL   *url.URL
	client    *http.Client
	userAgent string
	maxBody   int64
}

// HTTPTransportOption configures an HTTPTransport.
type HTTPTransportOption func(*HTTPTransport)

// WithResponseLimit caps the size of a reply body. Larger replies fail
// with ErrResponseTooLarge instead of being truncated.
func WithResponseLimit(n int64) HTTPTransportOption {
	return func(t *HTTPTransport) {
		if n > 0 {
			t.maxBody = n
		}
	}
}

// NewHTTPTransport validates baseURL and returns a transport for it.
// A nil client uses a fresh http.Client without a global timeout; deadlines
// come from the per-attempt context.
func NewHTTPTransport(baseURL string, client *http.Client, userAgent string, opts ...HTTPTransportOption) (*HTTPTransport, error) {
	u, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{}
	}
	t := &HTTPTransport{
		baseURL:   u,
		client:    client,
		userAgent: userAgent,
		maxBody:   DefaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, newValidationError("base URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, newValidationError("invalid base URL %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, newValidationError("base URL %q must use http or https", raw)
	}
	if u.Host == "" {
		return nil, newValidationError("base URL %q has no host", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// BaseURL returns the normalized origin.
func (t *HTTPTransport) BaseURL() string { return t.baseURL.String() }

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	target := *t.baseURL
	target.Path = t.baseURL.Path + req.Path
	if len(req.Query) > 0 {
		target.RawQuery = req.Query.Encode()
	}

	var wrote atomic.Bool
	trace := &httptrace.ClientTrace{
		WroteRequest: func(httptrace.WroteRequestInfo) { wrote.Store(true) },
	}
	ctx = httptrace.WithClientTrace(ctx, trace)

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, &SendError{Method: req.Method, Path: req.Path, Err: err}
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if t.userAgent != "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &SendError{Method: req.Method, Path: req.Path, Sent: wrote.Load(), Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody+1))
	if err != nil {
		return nil, &SendError{Method: req.Method, Path: req.Path, Sent: true, Err: err}
	}
	if int64(len(payload)) > t.maxBody {
		return nil, &SendError{
			Method: req.Method,
			Path:   req.Path,
			Sent:   true,
			Err:    fmt.Errorf("%w: status %d body larger than %d bytes", ErrResponseTooLarge, resp.StatusCode, t.maxBody),
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       payload,
	}, nil
}
