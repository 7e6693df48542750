package metabase

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBaseURL(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "https", raw: "https://mb.example.com", want: "https://mb.example.com"},
		{name: "trailing slash", raw: "http://localhost:3000/", want: "http://localhost:3000"},
		{name: "sub path", raw: "https://example.com/metabase/", want: "https://example.com/metabase"},
		{name: "query dropped", raw: "https://example.com?x=1#frag", want: "https://example.com"},
		{name: "empty", raw: "  ", wantErr: true},
		{name: "ftp scheme", raw: "ftp://example.com", wantErr: true},
		{name: "no scheme", raw: "example.com", wantErr: true},
		{name: "no host", raw: "https://", wantErr: true},
		{name: "javascript", raw: "javascript:alert(1)", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := parseBaseURL(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
		})
	}
}

func TestHTTPTransportSend(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":7}`))
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(srv.URL+"/metabase/", nil, "metabase-go/test")
	require.NoError(t, err)

	header := make(http.Header)
	header.Set(HeaderSession, "tok")
	resp, err := tr.Send(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/api/card",
		Query:  url.Values{"f": {"mine"}},
		Header: header,
		Body:   []byte(`{"name":"x"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"id":7}`, string(resp.Body))
	assert.Equal(t, "/metabase/api/card", got.URL.Path)
	assert.Equal(t, "f=mine", got.URL.RawQuery)
	assert.Equal(t, "tok", got.Header.Get(HeaderSession))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "application/json", got.Header.Get("Accept"))
	assert.Equal(t, "metabase-go/test", got.Header.Get("User-Agent"))
	assert.Equal(t, `{"name":"x"}`, string(gotBody))
}

func TestHTTPTransportNotSent(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	tr, err := NewHTTPTransport(addr, nil, "")
	require.NoError(t, err)

	_, err = tr.Send(context.Background(), &Request{Method: http.MethodPost, Path: "/api/card", Body: []byte(`{}`)})

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.False(t, sendErr.Sent)
	assert.Contains(t, sendErr.Error(), "before send")
}

func TestHTTPTransportConnectionDroppedAfterSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(srv.URL, nil, "")
	require.NoError(t, err)

	_, err = tr.Send(context.Background(), &Request{Method: http.MethodPost, Path: "/api/card", Body: []byte(`{"name":"x"}`)})

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.True(t, sendErr.Sent)
	assert.Equal(t, http.MethodPost, sendErr.Method)

	outcome := DefaultClassifier(nil, err, false)
	assert.Equal(t, OutcomePermanent, outcome.Kind)
	assert.True(t, outcome.Ambiguous)
}

func TestHTTPTransportTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	tr, err := NewHTTPTransport(srv.URL, nil, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tr.Send(ctx, &Request{Method: http.MethodGet, Path: "/api/card/1"})

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.True(t, sendErr.Timeout())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestHTTPTransportResponseLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(strings.Repeat("x", 32)))
	}))
	defer srv.Close()

	exact, err := NewHTTPTransport(srv.URL, nil, "", WithResponseLimit(32))
	require.NoError(t, err)
	resp, err := exact.Send(context.Background(), &Request{Method: http.MethodGet, Path: "/api/dataset"})
	require.NoError(t, err)
	assert.Len(t, resp.Body, 32)

	small, err := NewHTTPTransport(srv.URL, nil, "", WithResponseLimit(31))
	require.NoError(t, err)
	resp, err = small.Send(context.Background(), &Request{Method: http.MethodGet, Path: "/api/dataset"})
	assert.Nil(t, resp)
	require.ErrorIs(t, err, ErrResponseTooLarge)

	outcome := DefaultClassifier(nil, err, true)
	assert.Equal(t, OutcomePermanent, outcome.Kind)
	assert.False(t, outcome.Ambiguous)
	assert.True(t, DefaultClassifier(nil, err, false).Ambiguous)
}

func TestOversizedReplyIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"status":"ok","padding":"` + strings.Repeat("x", 64) + `"}`))
	}))
	defer srv.Close()

	client, err := New(srv.URL, WithMaxResponseSize(16), WithSleepFunc(noSleep))
	require.NoError(t, err)

	err = client.HealthCheck(context.Background())
	assert.ErrorIs(t, err, ErrPermanent)
	assert.ErrorIs(t, err, ErrResponseTooLarge)
	assert.Equal(t, int32(1), hits.Load())
}

func TestChainTransportOrder(t *testing.T) {
	var order []string
	base := TransportFunc(func(ctx context.Context, req *Request) (*Response, error) {
		order = append(order, "base:"+req.Header.Get("X-Trace"))
		return &Response{StatusCode: http.StatusOK}, nil
	})
	mw := func(name string) Middleware {
		return func(ctx context.Context, req *Request, next Transport) (*Response, error) {
			order = append(order, name)
			req.Header.Add("X-Trace", name)
			return next.Send(ctx, req)
		}
	}

	tr := chainTransport(base, []Middleware{mw("outer"), mw("inner")})
	_, err := tr.Send(context.Background(), &Request{Method: http.MethodGet, Path: "/", Header: make(http.Header)})
	require.NoError(t, err)

	assert.Equal(t, []string{"outer", "inner", "base:outer"}, order)
}
