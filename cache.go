package metabase

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Default cache sizing.
const (
	DefaultCacheCapacity = 1000
	DefaultCacheTTL      = 5 * time.Minute
)

// Store is a response cache. Implementations must be safe for concurrent
// use and must never hand out a buffer that a later Put or Get can alter.
// Errors from remote stores are absorbed: a failed Get is a miss.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Put(ctx context.Context, key string, payload []byte, ttl time.Duration)
	Invalidate(ctx context.Context, key string)
	// InvalidatePrefix removes every key starting with prefix and returns
	// how many were removed.
	InvalidatePrefix(ctx context.Context, prefix string) int
	Clear(ctx context.Context)
}

// CacheEntry is a stored payload.
type CacheEntry struct {
	Key        string
	Value      []byte
	InsertedAt time.Time
	TTL        time.Duration
}

// ExpiresAt returns the instant the entry stops being served.
func (e *CacheEntry) ExpiresAt() time.Time {
	return e.InsertedAt.Add(e.TTL)
}

// Expired reports whether the TTL has elapsed at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// CacheStats is a snapshot of MemoryStore counters.
type CacheStats struct {
	Entries   int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Expired   uint64
}

// MemoryStore is a bounded LRU cache with per-entry TTL. Reads promote
// entries; inserts beyond capacity evict the least recently used one.
type MemoryStore struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, *CacheEntry]
	clock    Clock
	capacity int
	ttl      time.Duration

	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithStoreClock sets the clock used for TTL checks.
func WithStoreClock(clock Clock) MemoryStoreOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewMemoryStore creates a store holding at most capacity entries. A
// non-positive capacity or ttl uses the package default.
func NewMemoryStore(capacity int, ttl time.Duration, opts ...MemoryStoreOption) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	s := &MemoryStore{
		clock:    SystemClock,
		capacity: capacity,
		ttl:      ttl,
	}
	for _, opt := range opts {
		opt(s)
	}

	// NewLRU only fails for a non-positive size.
	s.lru, _ = simplelru.NewLRU[string, *CacheEntry](capacity, nil)
	return s
}

// Get returns a copy of the payload stored under key.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.lru.Get(key)
	if !ok {
		s.misses++
		return nil, false
	}
	if entry.Expired(s.clock.Now()) {
		s.lru.Remove(key)
		s.expired++
		s.misses++
		return nil, false
	}
	s.hits++
	return clonePayload(entry.Value), true
}

// Put stores a copy of payload. A non-positive ttl uses the store default.
func (s *MemoryStore) Put(_ context.Context, key string, payload []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	entry := &CacheEntry{
		Key:        key,
		Value:      clonePayload(payload),
		InsertedAt: s.clock.Now(),
		TTL:        ttl,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lru.Add(key, entry) {
		s.evictions++
	}
}

// Invalidate removes key.
func (s *MemoryStore) Invalidate(_ context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(key)
}

// InvalidatePrefix removes every key starting with prefix.
func (s *MemoryStore) InvalidatePrefix(_ context.Context, prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range s.lru.Keys() {
		if strings.HasPrefix(key, prefix) && s.lru.Remove(key) {
			removed++
		}
	}
	return removed
}

// Clear removes everything.
func (s *MemoryStore) Clear(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Purge()
}

// Len returns the number of stored entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Peek returns the entry under key without promoting it or checking expiry.
func (s *MemoryStore) Peek(key string) (CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.lru.Peek(key)
	if !ok {
		return CacheEntry{}, false
	}
	out := *entry
	out.Value = clonePayload(entry.Value)
	return out, true
}

// Stats returns a snapshot of the store counters.
func (s *MemoryStore) Stats() CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CacheStats{
		Entries:   s.lru.Len(),
		Capacity:  s.capacity,
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
		Expired:   s.expired,
	}
}

func clonePayload(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

type cacheControlKey struct{}

// CacheControl overrides caching for a single call.
type CacheControl struct {
	Enabled bool
	TTL     time.Duration
}

// WithContextCacheDisabled bypasses the cache for reads made with ctx.
func WithContextCacheDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheControlKey{}, &CacheControl{Enabled: false})
}

// WithContextCacheTTL caches reads made with ctx for ttl.
func WithContextCacheTTL(ctx context.Context, ttl time.Duration) context.Context {
	return context.WithValue(ctx, cacheControlKey{}, &CacheControl{Enabled: true, TTL: ttl})
}

func cacheControlFrom(ctx context.Context) (*CacheControl, bool) {
	cc, ok := ctx.Value(cacheControlKey{}).(*CacheControl)
	return cc, ok
}
