package link

import (
	"context"
	"sync"
	"time"
)

const idSpace = 256

// idAllocator hands out 8-bit msg_ids in increasing order, skipping 0. An id
// is fenced while any of its fragments is in flight and for quarantine after
// the last one settles, so the peer has expired every trace of the previous
// message before the id is seen again.
type idAllocator struct {
	mu         sync.Mutex
	last       uint8
	busy       [idSpace]bool
	retiredAt  [idSpace]time.Time
	quarantine time.Duration
	now        func() time.Time

	wake chan struct{}
}

func newIDAllocator(quarantine time.Duration) *idAllocator {
	return &idAllocator{
		quarantine: quarantine,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
	}
}

// acquire blocks until an id is eligible.
func (a *idAllocator) acquire(ctx context.Context) (uint8, error) {
	for {
		id, wait, ok := a.tryAcquire()
		if ok {
			return id, nil
		}

		var timer *time.Timer
		var timeout <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		select {
		case <-a.wake:
		case <-timeout:
		case <-ctx.Done():
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return 0, context.Cause(ctx)
		}
	}
}

// tryAcquire returns the next eligible id, or how long until the earliest
// quarantined id frees up (0 when every id is in flight).
func (a *idAllocator) tryAcquire() (uint8, time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	var wait time.Duration
	id := a.last
	for i := 0; i < idSpace-1; i++ {
		id++
		if id == 0 {
			id = 1
		}
		if a.busy[id] {
			continue
		}
		retired := a.retiredAt[id]
		if retired.IsZero() || now.Sub(retired) >= a.quarantine {
			a.busy[id] = true
			a.last = id
			return id, 0, true
		}
		if left := a.quarantine - now.Sub(retired); wait == 0 || left < wait {
			wait = left
		}
	}
	return 0, wait, false
}

// release marks id settled and starts its quarantine.
func (a *idAllocator) release(id uint8) {
	a.mu.Lock()
	a.busy[id] = false
	a.retiredAt[id] = a.now()
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *idAllocator) inFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, b := range a.busy {
		if b {
			n++
		}
	}
	return n
}
