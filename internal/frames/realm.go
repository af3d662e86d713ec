package frames

import (
	"context"
	"sync"

	"github.com/ysmood/gson"
)

// Realm is a script world slot of a frame. It holds at most one live
// execution context; the context is replaced as the frame navigates.
type Realm struct {
	frame *Frame
	world World

	mu    sync.Mutex
	ec    *ExecutionContext
	ready bool
	wake  chan struct{}
}

func newRealm(f *Frame, w World) *Realm {
	return &Realm{frame: f, world: w, wake: make(chan struct{})}
}

// Frame owning the realm.
func (r *Realm) Frame() *Frame { return r.frame }

// World of the realm.
func (r *Realm) World() World { return r.world }

// Current returns the live context without waiting, or nil.
func (r *Realm) Current() *ExecutionContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return nil
	}
	return r.ec
}

// Context waits until the realm has a ready execution context.
func (r *Realm) Context(ctx context.Context) (*ExecutionContext, error) {
	for {
		r.mu.Lock()
		ec, ready, wake := r.ec, r.ready, r.wake
		r.mu.Unlock()

		if ready && ec != nil && !ec.isGone() {
			return ec, nil
		}
		select {
		case <-wake:
		case <-r.frame.detachedCh:
			return nil, ErrFrameDetached
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Evaluate runs fn in the realm's current context.
func (r *Realm) Evaluate(ctx context.Context, fn string, args ...interface{}) (gson.JSON, error) {
	ec, err := r.Context(ctx)
	if err != nil {
		return gson.JSON{}, err
	}
	return ec.Evaluate(ctx, fn, args...)
}

// EvaluateHandle runs fn in the realm's current context and returns a handle.
func (r *Realm) EvaluateHandle(ctx context.Context, fn string, args ...interface{}) (*Handle, error) {
	ec, err := r.Context(ctx)
	if err != nil {
		return nil, err
	}
	return ec.EvaluateHandle(ctx, fn, args...)
}

// slot returns the occupying context whether or not it is ready.
func (r *Realm) slot() *ExecutionContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ec
}

// set occupies the slot with ec and returns the previous occupant.
func (r *Realm) set(ec *ExecutionContext) *ExecutionContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.ec
	r.ec = ec
	r.ready = false
	return prev
}

// markReady publishes ec to waiters if it still occupies the slot.
func (r *Realm) markReady(ec *ExecutionContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ec != ec || r.ready {
		return
	}
	r.ready = true
	close(r.wake)
	r.wake = make(chan struct{})
}

// clear empties the slot if it holds ec, or unconditionally when ec is nil.
func (r *Realm) clear(ec *ExecutionContext) *ExecutionContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ec == nil || (ec != nil && r.ec != ec) {
		return nil
	}
	prev := r.ec
	r.ec = nil
	r.ready = false
	return prev
}
