package ledger

import (
	"context"
	"sync"
)

// KeyedMutex serializes work per user. Different users never block each
// other. Waiters on the same key are served in arrival order.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[UserID]*keyLock
}

type keyLock struct {
	held    bool
	waiters []chan struct{}
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[UserID]*keyLock)}
}

// Lock acquires the lock for id or returns ctx.Err() if ctx ends first.
// On success the returned func releases the lock and must be called once.
func (k *KeyedMutex) Lock(ctx context.Context, id UserID) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &keyLock{}
		k.locks[id] = l
	}
	if !l.held {
		l.held = true
		k.mu.Unlock()
		return k.unlocker(id), nil
	}
	ready := make(chan struct{})
	l.waiters = append(l.waiters, ready)
	k.mu.Unlock()

	select {
	case <-ready:
		return k.unlocker(id), nil
	case <-ctx.Done():
		k.mu.Lock()
		defer k.mu.Unlock()
		for i, w := range l.waiters {
			if w == ready {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				return nil, ctx.Err()
			}
		}
		// Handed the lock between ctx ending and re-acquiring k.mu; pass it on.
		k.releaseLocked(id, l)
		return nil, ctx.Err()
	}
}

func (k *KeyedMutex) unlocker(id UserID) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Lock()
			defer k.mu.Unlock()
			k.releaseLocked(id, k.locks[id])
		})
	}
}

func (k *KeyedMutex) releaseLocked(id UserID, l *keyLock) {
	if len(l.waiters) == 0 {
		delete(k.locks, id)
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	// held stays true: ownership moves to the next waiter.
	close(next)
}
