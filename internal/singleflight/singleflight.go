package singleflight

import (
	"context"
	"fmt"
	"sync"
)

// Group runs at most one function per key at a time. Callers arriving while
// a call is in flight wait for it and receive its result. The zero value is
// ready to use.
type Group[T any] struct {
	mu sync.Mutex
	m  map[string]*call[T]
}

type call[T any] struct {
	done chan struct{}
	val  T
	err  error
	dups int
}

// Do executes fn for key unless a call for key is already in flight, in which
// case it waits for that call. shared reports whether the result was
// delivered to more than one caller.
//
// fn runs on its own goroutine with a context that carries ctx's values but
// not its cancellation, so one caller giving up does not fail the others.
// A caller whose ctx is done stops waiting and gets ctx.Err().
func (g *Group[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (v T, err error, shared bool) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[string]*call[T])
	}
	c, ok := g.m[key]
	if ok {
		c.dups++
		g.mu.Unlock()
		return g.wait(ctx, c, true)
	}

	c = &call[T]{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	go g.run(context.WithoutCancel(ctx), key, c, fn)

	return g.wait(ctx, c, false)
}

func (g *Group[T]) wait(ctx context.Context, c *call[T], dup bool) (T, error, bool) {
	select {
	case <-c.done:
		g.mu.Lock()
		shared := dup || c.dups > 0
		g.mu.Unlock()
		return c.val, c.err, shared
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err(), dup
	}
}

func (g *Group[T]) run(ctx context.Context, key string, c *call[T], fn func(context.Context) (T, error)) {
	defer func() {
		if r := recover(); r != nil {
			c.err = fmt.Errorf("%w: %v", ErrPanicked, r)
		}
		g.mu.Lock()
		if g.m[key] == c {
			delete(g.m, key)
		}
		g.mu.Unlock()
		close(c.done)
	}()

	c.val, c.err = fn(ctx)
}

// InFlight reports whether a call for key is currently running.
func (g *Group[T]) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.m[key]
	return ok
}
