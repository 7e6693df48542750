package metabase

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetPut(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10, time.Minute)

	_, ok := store.Get(ctx, "missing")
	assert.False(t, ok)

	payload := []byte(`{"id":1}`)
	store.Put(ctx, "card:1|card.get|0", payload, 0)

	got, ok := store.Get(ctx, "card:1|card.get|0")
	require.True(t, ok)
	assert.Equal(t, payload, got)

	// Neither the caller's buffer nor a returned copy can alter the entry.
	payload[0] = 'X'
	got[1] = 'Y'
	again, ok := store.Get(ctx, "card:1|card.get|0")
	require.True(t, ok)
	assert.Equal(t, `{"id":1}`, string(again))
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryStore(10, time.Minute, WithStoreClock(clock))

	store.Put(ctx, "k", []byte("v"), 30*time.Second)
	entry, ok := store.Peek("k")
	require.True(t, ok)
	assert.Equal(t, clock.Now(), entry.InsertedAt)
	assert.Equal(t, 30*time.Second, entry.TTL)

	clock.Advance(30*time.Second - time.Nanosecond)
	_, ok = store.Get(ctx, "k")
	assert.True(t, ok)

	clock.Advance(time.Nanosecond)
	_, ok = store.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len(), "expired entries are dropped on read")
	assert.Equal(t, uint64(1), store.Stats().Expired)
}

func TestMemoryStoreDefaultTTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryStore(10, 0, WithStoreClock(clock))

	store.Put(ctx, "k", []byte("v"), 0)
	clock.Advance(DefaultCacheTTL - time.Second)
	_, ok := store.Get(ctx, "k")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = store.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryStoreLRUEviction(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(2, time.Minute)

	store.Put(ctx, "a", []byte("1"), 0)
	store.Put(ctx, "b", []byte("2"), 0)
	_, ok := store.Get(ctx, "a")
	require.True(t, ok)

	store.Put(ctx, "c", []byte("3"), 0)

	_, ok = store.Get(ctx, "b")
	assert.False(t, ok, "least recently used entry is evicted")
	_, ok = store.Get(ctx, "a")
	assert.True(t, ok)
	_, ok = store.Get(ctx, "c")
	assert.True(t, ok)

	stats := store.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, 2, stats.Capacity)
	assert.Equal(t, uint64(1), stats.Evictions)
}

func TestMemoryStoreOverwriteIsNotEviction(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(2, time.Minute)

	store.Put(ctx, "a", []byte("1"), 0)
	store.Put(ctx, "a", []byte("2"), 0)

	got, ok := store.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, "2", string(got))
	assert.Equal(t, uint64(0), store.Stats().Evictions)
}

func TestMemoryStoreInvalidatePrefix(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10, time.Minute)

	store.Put(ctx, Fingerprint("card:7", "card.get", nil), []byte("7"), 0)
	store.Put(ctx, Fingerprint("card:7", "card.query", url.Values{"p": {"1"}}), []byte("q"), 0)
	store.Put(ctx, Fingerprint("card:70", "card.get", nil), []byte("70"), 0)
	store.Put(ctx, Fingerprint("card:list", "card.list", nil), []byte("[]"), 0)

	removed := store.InvalidatePrefix(ctx, NamespacePrefix("card:7"))
	assert.Equal(t, 2, removed)
	assert.Equal(t, 2, store.Len())

	_, ok := store.Get(ctx, Fingerprint("card:70", "card.get", nil))
	assert.True(t, ok, "sibling namespace with a shared prefix survives")

	store.Invalidate(ctx, Fingerprint("card:list", "card.list", nil))
	assert.Equal(t, 1, store.Len())

	store.Clear(ctx)
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(50, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := EntityNamespace("card", (n+j)%80)
				store.Put(ctx, key+KeySeparator, []byte(key), 0)
				store.Get(ctx, key+KeySeparator)
				if j%10 == 0 {
					store.InvalidatePrefix(ctx, "card:1")
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, store.Len(), 50)
}

func TestFingerprint(t *testing.T) {
	a := url.Values{}
	a.Add("f", "mine")
	a.Add("archived", "false")

	b := url.Values{}
	b.Add("archived", "false")
	b.Add("f", "mine")

	k1 := Fingerprint(ListNamespace("card"), "card.list", a)
	k2 := Fingerprint(ListNamespace("card"), "card.list", b)
	assert.Equal(t, k1, k2)
	assert.True(t, strings.HasPrefix(k1, "card:list|card.list|"))

	b.Set("f", "all")
	assert.NotEqual(t, k1, Fingerprint(ListNamespace("card"), "card.list", b))
	assert.NotEqual(t, k1, Fingerprint(ListNamespace("card"), "card.search", a))
	assert.Equal(t, Fingerprint("x", "op", nil), Fingerprint("x", "op", url.Values{}))
}

func TestNamespaces(t *testing.T) {
	assert.Equal(t, "card:7", EntityNamespace("card", 7))
	assert.Equal(t, "collection:root", EntityNamespace("collection", "root"))
	assert.Equal(t, "dashboard:list", ListNamespace("dashboard"))
	assert.Equal(t, "card:7|", NamespacePrefix("card:7"))
}

func TestCacheControlFromContext(t *testing.T) {
	_, ok := cacheControlFrom(context.Background())
	assert.False(t, ok)

	cc, ok := cacheControlFrom(WithContextCacheDisabled(context.Background()))
	require.True(t, ok)
	assert.False(t, cc.Enabled)

	cc, ok = cacheControlFrom(WithContextCacheTTL(context.Background(), time.Second))
	require.True(t, ok)
	assert.True(t, cc.Enabled)
	assert.Equal(t, time.Second, cc.TTL)
}
