// internal/guard/guard.go

// Package guard rejects a call while an identical call is already in flight.
package guard

import (
	"context"
	"fmt"
	"sync"

	"chainflow-wallet/internal/util"
)

// Guard hands out at most one lease per key at a time.
type Guard interface {
	// Acquire claims key. It returns util.ErrOperationInFlight when key is already held.
	// The returned release func must be called exactly once on every exit path.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Local is a process-local keyed guard.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal creates an empty process-local guard.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// Acquire implements Guard.
func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, fmt.Errorf("%w: %s", util.ErrOperationInFlight, key)
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether key is currently claimed.
func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

// Chain acquires every guard in order and releases them in reverse.
// The local guard goes first so a duplicate in this process never touches Redis.
type Chain []Guard

// Acquire implements Guard.
func (c Chain) Acquire(ctx context.Context, key string) (func(), error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, g := range c {
		release, err := g.Acquire(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}
