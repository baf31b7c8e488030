package artifacts

import (
	"context"
	"sync"
)

// Locker serialises uploads to the same project. Lock blocks until the key is
// held or ctx is done, and returns the function that releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// NopLocker performs no locking. Two concurrent uploads to one project may
// both pass the version check.
type NopLocker struct{}

func (NopLocker) Lock(context.Context, string) (func(), error) {
	return func() {}, nil
}

type localLock struct {
	ch   chan struct{}
	refs int
}

// LocalLocker serialises uploads within one process.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

// NewLocalLocker creates an in-process Locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &localLock{ch: make(chan struct{}, 1)}
		l.locks[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, lk, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, lk, true) })
	}, nil
}

func (l *LocalLocker) release(key string, lk *localLock, held bool) {
	if held {
		<-lk.ch
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, key)
	}
}
