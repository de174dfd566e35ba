package token

import (
	"context"
	"sync"
)

// InflightCoordinator coalesces concurrent refresh operations per credential:
// a burst of 403s triggers exactly one upstream refresh, and every waiter
// shares its outcome.
type InflightCoordinator struct {
	mu       sync.Mutex
	inflight map[string]*flight
}

type flight struct {
	wg  sync.WaitGroup
	err error
}

// NewInflightCoordinator returns an empty coordinator.
func NewInflightCoordinator() *InflightCoordinator {
	return &InflightCoordinator{inflight: make(map[string]*flight)}
}

// Do runs fn unless a flight for key is already in progress, in which case it
// waits for that flight and returns its error.
func (c *InflightCoordinator) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if key == "" {
		return fn(ctx)
	}
	c.mu.Lock()
	if f := c.inflight[key]; f != nil {
		c.mu.Unlock()
		done := make(chan struct{})
		go func() { f.wg.Wait(); close(done) }()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return f.err
		}
	}
	f := &flight{}
	f.wg.Add(1)
	c.inflight[key] = f
	c.mu.Unlock()

	err := fn(ctx)
	f.err = err
	f.wg.Done()

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	return err
}
