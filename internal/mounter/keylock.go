package mounter

import (
	"context"
	"sync"
)

// keyedMutex serializes operations per mountpoint. Different keys never
// block each other.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// Lock takes the lock for key. With failFast a held lock returns
// ErrContention immediately; otherwise Lock waits until ctx ends.
func (k *keyedMutex) Lock(ctx context.Context, key string, failFast bool) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	if failFast {
		select {
		case l.ch <- struct{}{}:
		default:
			k.release(key, l)
			return nil, ErrContention
		}
	} else {
		select {
		case l.ch <- struct{}{}:
		case <-ctx.Done():
			k.release(key, l)
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.release(key, l)
		})
	}, nil
}

func (k *keyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *keyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
