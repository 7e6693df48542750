package metabase

import (
	"context"

	"github.com/ambiyansyah-risyal/metabase/internal/singleflight"
)

// DeduplicationTracker coalesces identical concurrent reads so only one
// request reaches the origin. Every caller receives its own copy of the
// payload. The shared read keeps running if the first caller gives up.
type DeduplicationTracker struct {
	group singleflight.Group[[]byte]
}

// NewDeduplicationTracker returns an empty tracker.
func NewDeduplicationTracker() *DeduplicationTracker {
	return &DeduplicationTracker{}
}

// Do runs fn once per key among concurrent callers. shared is true when
// the result came from another caller's read.
func (dt *DeduplicationTracker) Do(ctx context.Context, key string, fn func(context.Context) ([]byte, error)) (payload []byte, shared bool, err error) {
	payload, err, shared = dt.group.Do(ctx, key, fn)
	return clonePayload(payload), shared, err
}

// InFlight reports whether a read for key is running.
func (dt *DeduplicationTracker) InFlight(key string) bool {
	return dt.group.InFlight(key)
}
