// Package accountlock serialises balance-changing operations per user within
// a process. Different users never contend with each other.
package accountlock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when a lock could not be acquired before the
// configured wait elapsed. Callers surface it as a retryable failure.
var ErrTimeout = errors.New("accountlock: timed out waiting for account lock")

type waitObserver interface {
	ObserveLockWait(wait time.Duration)
	IncLockTimeout()
}

type entry struct {
	sem  chan struct{}
	refs int
}

// Locker is a keyed mutex with bounded waits.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
	metrics waitObserver
}

// New returns a Locker that waits at most timeout for each acquisition. A
// non-positive timeout waits until the context ends.
func New(timeout time.Duration, metrics waitObserver) *Locker {
	return &Locker{
		entries: make(map[string]*entry),
		timeout: timeout,
		metrics: metrics,
	}
}

// Acquire blocks until the user's lock is held and returns its release func.
// The release func is safe to call more than once.
func (l *Locker) Acquire(ctx context.Context, userID string) (func(), error) {
	e := l.ref(userID)
	started := time.Now()

	var timer <-chan time.Time
	if l.timeout > 0 {
		t := time.NewTimer(l.timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case e.sem <- struct{}{}:
	case <-timer:
		l.unref(userID)
		l.observeTimeout()
		return nil, ErrTimeout
	case <-ctx.Done():
		l.unref(userID)
		return nil, ctx.Err()
	}
	l.observeWait(time.Since(started))

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.unref(userID)
		})
	}, nil
}

// WithLock runs fn while holding the user's lock.
func (l *Locker) WithLock(ctx context.Context, userID string, fn func() error) error {
	release, err := l.Acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Held reports how many users currently have a holder or waiter.
func (l *Locker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Locker) ref(userID string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[userID]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[userID] = e
	}
	e.refs++
	return e
}

func (l *Locker) unref(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[userID]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(l.entries, userID)
	}
}

func (l *Locker) observeWait(wait time.Duration) {
	if l.metrics != nil {
		l.metrics.ObserveLockWait(wait)
	}
}

func (l *Locker) observeTimeout() {
	if l.metrics != nil {
		l.metrics.IncLockTimeout()
	}
}
