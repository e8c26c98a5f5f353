package reliability

import (
	"container/list"
	"context"
	"sync"
	"time"

	pkgerrors "github.com/runplane/runplane/pkg/errors"
)

// ErrMutexTimeout indicates a lock acquisition exceeded its deadline.
var ErrMutexTimeout = pkgerrors.New("mutex acquisition timed out")

// Mutex is a FIFO-fair lock with timeout support. Waiters are granted the
// lock in arrival order. It is used to serialise operations that cannot be
// expressed as a store-level compare-and-swap, such as lazy resource
// initialisation.
type Mutex struct {
	mu      sync.Mutex
	locked  bool
	waiters *list.List // of chan struct{}
}

// NewMutex creates a timed mutex.
func NewMutex() *Mutex {
	return &Mutex{waiters: list.New()}
}

// Acquire blocks until the lock is held or ctx is done. On success it
// returns a release function that must be called exactly once.
func (m *Mutex) Acquire(ctx context.Context) (func(), error) {
	m.mu.Lock()
	if !m.locked && m.waiters.Len() == 0 {
		m.locked = true
		m.mu.Unlock()
		return m.release, nil
	}

	grant := make(chan struct{})
	elem := m.waiters.PushBack(grant)
	m.mu.Unlock()

	select {
	case <-grant:
		return m.release, nil
	case <-ctx.Done():
		m.mu.Lock()
		select {
		case <-grant:
			// Granted while we were cancelling; pass the lock on.
			m.mu.Unlock()
			m.release()
		default:
			m.waiters.Remove(elem)
			m.mu.Unlock()
		}
		return nil, ctx.Err()
	}
}

// AcquireWithTimeout acquires the lock, failing with ErrMutexTimeout after d.
func (m *Mutex) AcquireWithTimeout(d time.Duration) (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	release, err := m.Acquire(ctx)
	if err != nil {
		return nil, pkgerrors.Wrapf(ErrMutexTimeout, "after %v", d)
	}
	return release, nil
}

// RunExclusive acquires the lock, runs fn, and releases on all exit paths.
func (m *Mutex) RunExclusive(ctx context.Context, fn func() error) error {
	release, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// release hands the lock to the oldest waiter, or unlocks if none remain.
func (m *Mutex) release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if front := m.waiters.Front(); front != nil {
		m.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	m.locked = false
}
