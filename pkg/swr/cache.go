// Package swr is a stale-while-revalidate cache placed in front of each feed
// source. Only the first request for a key waits on the upstream; later
// requests get the stored value immediately, and a stale value triggers one
// background refresh.
package swr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type State int

const (
	Fresh State = iota
	Stale
	Revalidating
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Revalidating:
		return "revalidating"
	}
	return "unknown"
}

type Options struct {
	FreshFor time.Duration
	// Timeout bounds every upstream fetch; fetches run detached from the
	// requesting caller.
	Timeout time.Duration
	Logger  *zap.Logger
	Now     func() time.Time
	// OnRevalidate is called after every background refresh (metrics hook).
	OnRevalidate func(key string, err error)
}

func (o Options) withDefaults() Options {
	if o.FreshFor <= 0 {
		o.FreshFor = 2 * time.Minute
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type entry[V any] struct {
	value        V
	fetchedAt    time.Time
	revalidating bool
}

type Cache[V any] struct {
	opts Options

	mu sync.Mutex
	m  map[string]*entry[V]

	cold singleflight.Group
	bg   sync.WaitGroup
}

func New[V any](opts Options) *Cache[V] {
	return &Cache[V]{opts: opts.withDefaults(), m: make(map[string]*entry[V])}
}

// Get returns the value for key. A miss waits on fetch (concurrent misses
// share one call, which a departing caller does not cancel); a stale hit returns the stored value and schedules
// at most one refresh for the key.
func (c *Cache[V]) Get(ctx context.Context, key string, fetch func(context.Context) (V, error)) (V, error) {
	c.mu.Lock()
	if e, ok := c.m[key]; ok {
		v := e.value
		if e.revalidating || c.opts.Now().Sub(e.fetchedAt) < c.opts.FreshFor {
			c.mu.Unlock()
			return v, nil
		}
		e.revalidating = true
		c.mu.Unlock()
		c.revalidate(key, fetch)
		return v, nil
	}
	c.mu.Unlock()

	// The shared fetch outlives any single waiter; each waiter still honors
	// its own ctx.
	ch := c.cold.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.Timeout)
		defer cancel()
		v, err := fetch(fctx)
		if err != nil {
			return nil, err
		}
		c.set(key, v)
		return v, nil
	})
	var zero V
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (c *Cache[V]) revalidate(key string, fetch func(context.Context) (V, error)) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()

		var (
			v   V
			err error
			ok  bool
		)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("swr: revalidate panic: %v", r)
			}
			if !ok {
				c.mu.Lock()
				if e, exists := c.m[key]; exists {
					e.revalidating = false
				}
				c.mu.Unlock()
				c.opts.Logger.Warn("revalidate failed, keeping stale value", zap.String("key", key), zap.Error(err))
			}
			if c.opts.OnRevalidate != nil {
				c.opts.OnRevalidate(key, err)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
		defer cancel()
		v, err = fetch(ctx)
		if err != nil {
			return
		}
		c.set(key, v)
		ok = true
	}()
}

func (c *Cache[V]) set(key string, v V) {
	c.mu.Lock()
	c.m[key] = &entry[V]{value: v, fetchedAt: c.opts.Now()}
	c.mu.Unlock()
}

func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}

func (c *Cache[V]) State(key string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok {
		return 0, false
	}
	switch {
	case e.revalidating:
		return Revalidating, true
	case c.opts.Now().Sub(e.fetchedAt) < c.opts.FreshFor:
		return Fresh, true
	default:
		return Stale, true
	}
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

// Wait blocks until in-flight background revalidations finish.
func (c *Cache[V]) Wait() { c.bg.Wait() }
