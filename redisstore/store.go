// Package redisstore is a response cache backed by Redis, for clients that
// share cached reads across processes.
package redisstore

import (
	"context"
	"errors"
	"strings"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "metabase:cache:"

const scanBatch = 256

// Store keeps payloads as plain Redis strings with a server-side TTL.
// Redis errors are reported to the error handler and otherwise treated as
// misses, so a Redis outage degrades the cache instead of the client.
type Store struct {
	client  *backend.Client
	prefix  string
	ttl     time.Duration
	onError func(op string, err error)
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithTTL sets the TTL used when Put is called without one.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithErrorHandler receives every Redis error the store absorbs.
func WithErrorHandler(fn func(op string, err error)) Option {
	return func(s *Store) {
		s.onError = fn
	}
}

// New creates a store that dials address.
func New(address, password string, db int, opts ...Option) *Store {
	return NewFromClient(backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	}), opts...)
}

// NewFromClient creates a store on an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: DefaultPrefix,
		ttl:    5 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

func (s *Store) report(op string, err error) {
	if s.onError != nil && err != nil {
		s.onError(op, err)
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Get returns the payload stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, backend.Nil) {
			s.report("get", err)
		}
		return nil, false
	}
	return val, true
}

// Put stores payload under key for ttl, or the store default when ttl is
// not positive.
func (s *Store) Put(ctx context.Context, key string, payload []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	s.report("put", s.client.Set(ctx, s.key(key), payload, ttl).Err())
}

// Invalidate removes key.
func (s *Store) Invalidate(ctx context.Context, key string) {
	s.report("invalidate", s.client.Del(ctx, s.key(key)).Err())
}

// InvalidatePrefix removes every key starting with prefix.
func (s *Store) InvalidatePrefix(ctx context.Context, prefix string) int {
	return s.deleteMatching(ctx, escapeGlob(s.key(prefix))+"*")
}

// Clear removes every key under the store prefix.
func (s *Store) Clear(ctx context.Context) {
	s.deleteMatching(ctx, escapeGlob(s.prefix)+"*")
}

func (s *Store) deleteMatching(ctx context.Context, pattern string) int {
	removed := 0
	iter := s.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		n, err := s.client.Del(ctx, batch...).Result()
		if err != nil {
			s.report("delete", err)
		}
		removed += int(n)
		batch = batch[:0]
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			flush()
		}
	}
	flush()
	s.report("scan", iter.Err())
	return removed
}

// escapeGlob quotes the characters Redis MATCH patterns treat specially.
func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
