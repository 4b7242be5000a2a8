// Package singleflight coalesces concurrent construction of per-key
// resources. The backend map uses it so that a burst of requests for a
// brand-new destination dials one connection pool, not one per request.
package singleflight

import (
	"context"
	"sync"
)

// Group runs fn at most once per in-flight key K. The first caller for a
// key becomes the leader and executes fn; concurrent callers for the same
// key wait for the leader's result.
//
// Publishing (val, err) happens-before close(f.done), so a follower that
// returns after <-done observes the final values. Cancelling a follower's
// ctx unblocks only that follower; the leader's fn keeps running. Thread
// ctx into fn itself when the work must be cancellable.
type Group[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*flight[V]
}

type flight[V any] struct {
	done chan struct{} // closed once val/err are published
	val  V
	err  error
}

// Do returns the result of fn for key, executing it once even under
// concurrent calls. A follower whose ctx is cancelled returns ctx.Err()
// without affecting the leader.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) (V, error) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*flight[V])
	}
	if f, ok := g.m[key]; ok {
		done := f.done
		g.mu.Unlock()

		select {
		case <-done:
			return f.val, f.err
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}

	f := &flight[V]{done: make(chan struct{})}
	g.m[key] = f
	g.mu.Unlock()

	// Leader path: run fn outside the lock, publish, wake followers.
	v, err := fn()
	f.val, f.err = v, err
	close(f.done)

	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()

	return v, err
}
