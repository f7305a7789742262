package device

import (
	"context"
	"sync"
)

// Owner identifies who holds the camera.
type Owner string

const (
	OwnerNone     Owner = ""
	OwnerStream   Owner = "stream"
	OwnerRecorder Owner = "recorder"
)

// Arbiter grants exclusive use of the camera. The stream pipeline only ever
// tries (it never waits); the recorder waits for the pipeline to finish its
// current acquire step.
type Arbiter struct {
	slot chan struct{}

	mu    sync.Mutex
	owner Owner
}

func NewArbiter() *Arbiter {
	return &Arbiter{slot: make(chan struct{}, 1)}
}

// TryAcquire takes the camera if it is free.
func (a *Arbiter) TryAcquire(o Owner) bool {
	select {
	case a.slot <- struct{}{}:
		a.setOwner(o)
		return true
	default:
		return false
	}
}

// Acquire waits for the camera or for ctx to end.
func (a *Arbiter) Acquire(ctx context.Context, o Owner) error {
	select {
	case a.slot <- struct{}{}:
		a.setOwner(o)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release hands the camera back. Releasing a camera held by someone else is
// a no-op.
func (a *Arbiter) Release(o Owner) {
	a.mu.Lock()
	if a.owner != o {
		a.mu.Unlock()
		return
	}
	a.owner = OwnerNone
	a.mu.Unlock()
	<-a.slot
}

// Owner reports the current holder.
func (a *Arbiter) Owner() Owner {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner
}

func (a *Arbiter) setOwner(o Owner) {
	a.mu.Lock()
	a.owner = o
	a.mu.Unlock()
}
