package frames

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/proto"
)

// FrameTree indexes the frames of one target by id. Child order follows
// attachment order.
type FrameTree struct {
	mu       sync.RWMutex
	byID     map[proto.PageFrameID]*Frame
	children map[proto.PageFrameID][]*Frame
	main     *Frame
	waiters  map[proto.PageFrameID][]chan *Frame
}

// NewFrameTree returns an empty tree.
func NewFrameTree() *FrameTree {
	return &FrameTree{
		byID:     make(map[proto.PageFrameID]*Frame),
		children: make(map[proto.PageFrameID][]*Frame),
		waiters:  make(map[proto.PageFrameID][]chan *Frame),
	}
}

// Add inserts f. A parentless frame becomes the main frame when there is
// none. Waiters for f's id are released.
func (t *FrameTree) Add(f *Frame) error {
	id, parentID := f.ID(), f.ParentID()

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[id]; ok {
		return fmt.Errorf("frame %s already in tree", id)
	}
	t.byID[id] = f
	if parentID == "" {
		if t.main == nil {
			t.main = f
		}
	} else {
		t.children[parentID] = append(t.children[parentID], f)
	}
	t.resolve(id, f)
	return nil
}

// Remove drops f from the tree. Its children must already be removed.
func (t *FrameTree) Remove(f *Frame) {
	id, parentID := f.ID(), f.ParentID()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byID[id] == f {
		delete(t.byID, id)
	}
	if parentID != "" {
		t.children[parentID] = without(t.children[parentID], f)
		if len(t.children[parentID]) == 0 {
			delete(t.children, parentID)
		}
	}
	delete(t.children, id)
	if t.main == f {
		t.main = nil
	}
}

// Rekey moves f to a new id while keeping its children attached.
func (t *FrameTree) Rekey(f *Frame, id proto.PageFrameID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := f.ID()
	if old == id {
		return
	}
	if t.byID[old] == f {
		delete(t.byID, old)
	}
	f.setID(id)
	t.byID[id] = f

	if kids, ok := t.children[old]; ok {
		delete(t.children, old)
		t.children[id] = kids
		for _, c := range kids {
			c.setParentID(id)
		}
	}
	t.resolve(id, f)
}

// ByID returns the frame with id, or nil.
func (t *FrameTree) ByID(id proto.PageFrameID) *Frame {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byID[id]
}

// Main returns the main frame, or nil.
func (t *FrameTree) Main() *Frame {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.main
}

// Children returns the children of the frame with id.
func (t *FrameTree) Children(id proto.PageFrameID) []*Frame {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Frame(nil), t.children[id]...)
}

// Parent returns f's parent, or nil when f is the main frame or its parent
// has not been attached yet.
func (t *FrameTree) Parent(f *Frame) *Frame {
	parentID := f.ParentID()
	if parentID == "" {
		return nil
	}
	return t.ByID(parentID)
}

// All returns every frame in the tree.
func (t *FrameTree) All() []*Frame {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Frame, 0, len(t.byID))
	for _, f := range t.byID {
		out = append(out, f)
	}
	return out
}

// Len is the number of frames in the tree.
func (t *FrameTree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// WaitFor blocks until a frame with id is in the tree, timeout elapses or ctx
// is done.
func (t *FrameTree) WaitFor(ctx context.Context, id proto.PageFrameID, timeout time.Duration) (*Frame, error) {
	t.mu.Lock()
	if f, ok := t.byID[id]; ok {
		t.mu.Unlock()
		return f, nil
	}
	ch := make(chan *Frame, 1)
	t.waiters[id] = append(t.waiters[id], ch)
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-ch:
		return f, nil
	case <-timer.C:
		t.cancelWait(id, ch)
		return nil, fmt.Errorf("frame %s: %w", id, ErrFrameWaitTimeout)
	case <-ctx.Done():
		t.cancelWait(id, ch)
		return nil, ctx.Err()
	}
}

func (t *FrameTree) cancelWait(id proto.PageFrameID, ch chan *Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(t.waiters, id)
	} else {
		t.waiters[id] = list
	}
}

// resolve must be called with t.mu held.
func (t *FrameTree) resolve(id proto.PageFrameID, f *Frame) {
	for _, ch := range t.waiters[id] {
		ch <- f
	}
	delete(t.waiters, id)
}

func without(list []*Frame, f *Frame) []*Frame {
	out := list[:0]
	for _, c := range list {
		if c != f {
			out = append(out, c)
		}
	}
	return out
}
