package dispatch

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// SlotLocks serializes work per key. Waiters are served strictly in arrival
// order and slots with no holder and no waiters are dropped from the map.
type SlotLocks struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	held    bool
	waiters *list.List // of chan struct{}
}

// NewSlotLocks creates an empty lock table.
func NewSlotLocks() *SlotLocks {
	return &SlotLocks{slots: make(map[string]*slot)}
}

// Acquire takes the slot for key, waiting at most wait. A non-positive wait
// only succeeds when the slot is free. It returns ErrBusy on timeout and the
// context error when ctx ends first. The returned release is idempotent.
func (l *SlotLocks) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{waiters: list.New()}
		l.slots[key] = s
	}
	if !s.held && s.waiters.Len() == 0 {
		s.held = true
		l.mu.Unlock()
		return l.releaser(key), nil
	}
	if wait <= 0 {
		l.mu.Unlock()
		return nil, ErrBusy
	}
	ch := make(chan struct{})
	elem := s.waiters.PushBack(ch)
	l.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var cause error
	select {
	case <-ch:
		return l.releaser(key), nil
	case <-timer.C:
		cause = ErrBusy
	case <-ctx.Done():
		cause = ctx.Err()
	}

	l.mu.Lock()
	select {
	case <-ch:
		// Handed over while timing out: pass it on.
		l.mu.Unlock()
		l.release(key)
		return nil, cause
	default:
	}
	s.waiters.Remove(elem)
	if !s.held && s.waiters.Len() == 0 {
		delete(l.slots, key)
	}
	l.mu.Unlock()
	return nil, cause
}

// TryAcquire takes the slot only if it is free.
func (l *SlotLocks) TryAcquire(key string) (func(), bool) {
	release, err := l.Acquire(context.Background(), key, 0)
	return release, err == nil
}

func (l *SlotLocks) releaser(key string) func() {
	var once sync.Once
	return func() { once.Do(func() { l.release(key) }) }
}

func (l *SlotLocks) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		return
	}
	if front := s.waiters.Front(); front != nil {
		s.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	s.held = false
	delete(l.slots, key)
}

// Len is the number of keys currently held or waited on.
func (l *SlotLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
