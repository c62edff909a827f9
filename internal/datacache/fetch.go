package datacache

import (
	"context"
	"time"
)

// Loader produces a fresh value for a key, usually by calling the backend.
type Loader[V any] func(ctx context.Context) (V, error)

type fetchOptions struct {
	ttl   time.Duration
	force bool
}

type FetchOption func(*fetchOptions)

// WithTTL overrides the default TTL for the value written by Fetch.
func WithTTL(ttl time.Duration) FetchOption {
	return func(o *fetchOptions) { o.ttl = ttl }
}

// ForceRefresh skips the cache read. The loaded value is still written back.
func ForceRefresh() FetchOption {
	return func(o *fetchOptions) { o.force = true }
}

// Fetch returns the cached value for key when fresh, otherwise runs load and
// stores its result. A load error is returned unchanged and nothing is stored.
// Concurrent misses on the same key share a single load. The shared load is
// not cancelled with any one caller; a caller whose ctx ends gets ctx.Err()
// while the others keep waiting for the result.
func (c *Cache[V]) Fetch(ctx context.Context, key string, load Loader[V], opts ...FetchOption) (V, error) {
	var o fetchOptions
	for _, opt := range opts {
		opt(&o)
	}

	if !o.force {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := c.sf.DoChan(key, func() (any, error) {
		v, err := load(loadCtx)
		if err != nil {
			return v, err
		}
		c.SetWithTTL(key, v, o.ttl)
		return v, nil
	})

	var zero V
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
