package metabase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeduplicationTracker(t *testing.T) {
	dt := NewDeduplicationTracker()
	release := make(chan struct{})
	var calls int32

	fn := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("payload"), nil
	}

	const n = 8
	results := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _, _ = dt.Do(context.Background(), "card:1|card.get|0", fn)
		}()
	}

	require.Eventually(t, func() bool { return dt.InFlight("card:1|card.get|0") }, defaultWait, pollInterval)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(n))
	for _, r := range results {
		assert.Equal(t, "payload", string(r))
	}

	// Copies are independent.
	results[0][0] = 'X'
	assert.Equal(t, "payload", string(results[1]))
	assert.False(t, dt.InFlight("card:1|card.get|0"))
}

func TestDeduplicationTrackerError(t *testing.T) {
	dt := NewDeduplicationTracker()
	boom := errors.New("boom")

	payload, shared, err := dt.Do(context.Background(), "k", func(context.Context) ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, payload)
	assert.False(t, shared)
}

func TestDeduplicationTrackerSharesSingleCall(t *testing.T) {
	dt := NewDeduplicationTracker()
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32

	leader := make(chan []byte, 1)
	go func() {
		p, _, _ := dt.Do(context.Background(), "k", func(context.Context) ([]byte, error) {
			atomic.AddInt32(&calls, 1)
			close(started)
			<-release
			return []byte("v"), nil
		})
		leader <- p
	}()
	<-started

	follower := make(chan bool, 1)
	go func() {
		_, shared, _ := dt.Do(context.Background(), "k", func(context.Context) ([]byte, error) {
			atomic.AddInt32(&calls, 1)
			return []byte("other"), nil
		})
		follower <- shared
	}()

	// The follower either joins the in-flight call or, if scheduled late,
	// runs its own; give it the chance to join first.
	require.Eventually(t, func() bool { return dt.InFlight("k") }, defaultWait, pollInterval)
	close(release)

	assert.Equal(t, "v", string(<-leader))
	if <-follower {
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	}
}
