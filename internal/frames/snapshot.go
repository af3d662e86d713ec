package frames

import (
	"github.com/go-rod/rod/lib/proto"
)

// FrameSnapshot is a point-in-time, serializable view of a frame subtree.
type FrameSnapshot struct {
	ID        string           `json:"id"`
	ParentID  string           `json:"parentId,omitempty"`
	Name      string           `json:"name,omitempty"`
	URL       string           `json:"url"`
	LoaderID  string           `json:"loaderId,omitempty"`
	SessionID string           `json:"sessionId,omitempty"`
	OOP       bool             `json:"oop,omitempty"`
	Loading   bool             `json:"loading"`
	Lifecycle []string         `json:"lifecycle,omitempty"`
	Contexts  map[World]int    `json:"contexts,omitempty"`
	Children  []*FrameSnapshot `json:"children,omitempty"`
}

// Snapshot returns the tree under the main frame, or nil before the first
// navigation.
func (m *Manager) Snapshot() *FrameSnapshot {
	main := m.tree.Main()
	if main == nil {
		return nil
	}
	return main.Snapshot()
}

// SnapshotFrame returns the subtree rooted at id.
func (m *Manager) SnapshotFrame(id proto.PageFrameID) (*FrameSnapshot, error) {
	f := m.tree.ByID(id)
	if f == nil {
		return nil, ErrFrameNotFound
	}
	return f.Snapshot(), nil
}

// Snapshot returns the subtree rooted at f.
func (f *Frame) Snapshot() *FrameSnapshot {
	f.mu.RLock()
	s := &FrameSnapshot{
		ID:        string(f.id),
		ParentID:  string(f.parentID),
		Name:      f.name,
		URL:       f.url,
		LoaderID:  string(f.loaderID),
		SessionID: string(f.session.GetSessionID()),
		Loading:   f.loading,
		Lifecycle: append([]string(nil), f.lifecycle...),
	}
	f.mu.RUnlock()

	s.OOP = f.IsOOPFrame()
	for w, r := range f.realms {
		if ec := r.Current(); ec != nil {
			if s.Contexts == nil {
				s.Contexts = make(map[World]int)
			}
			s.Contexts[w] = int(ec.id)
		}
	}
	for _, c := range f.ChildFrames() {
		s.Children = append(s.Children, c.Snapshot())
	}
	return s
}
