// Package lock provides the mutual exclusion used around task evaluation:
// an in-process keyed mutex, and cross-process lockers backed by flock or
// Redis.
package lock

import (
	"context"
	"sync"
)

// Unlock releases a held lock.
type Unlock func() error

// Locker acquires exclusive ownership of a key. Lock blocks until the key
// is acquired or ctx is done.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// Nop is a Locker that never blocks.
type Nop struct{}

func (Nop) Lock(context.Context, string) (Unlock, error) {
	return func() error { return nil }, nil
}

// Keyed is an in-process mutex per key. Idle keys are freed. The zero
// value is ready to use.
type Keyed struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// Lock acquires key, honoring ctx cancellation while waiting.
func (k *Keyed) Lock(ctx context.Context, key string) (Unlock, error) {
	k.mu.Lock()
	if k.slots == nil {
		k.slots = make(map[string]*slot)
	}
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() error {
		once.Do(func() {
			<-s.ch
			k.release(key, s)
		})
		return nil
	}, nil
}

func (k *Keyed) release(key string, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}
