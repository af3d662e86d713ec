package frames

import (
	"context"
	"sync"

	"framekeeper/internal/protocol"

	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
	"go.uber.org/zap"
)

// World names a realm slot of a frame.
type World string

const (
	// MainWorld is the page's default realm.
	MainWorld World = "main"
	// UtilityWorld is the isolated realm used for internal tooling.
	UtilityWorld World = "utility"
)

// Navigation is the most recent cross-document navigation of a frame.
type Navigation struct {
	URL      string
	Type     proto.PageNavigationType
	LoaderID proto.NetworkLoaderID
}

// Frame is one node of the frame tree. Its id can change when the main frame
// navigates across processes; the *Frame stays the same.
type Frame struct {
	m   *Manager
	log *zap.Logger

	mu             sync.RWMutex
	id             proto.PageFrameID
	parentID       proto.PageFrameID
	session        protocol.Session
	name           string
	url            string
	loaderID       proto.NetworkLoaderID
	nav            Navigation
	loading        bool
	startedLoading bool
	lifecycle      []string
	detached       bool

	detachedCh chan struct{}
	realms     map[World]*Realm
	bindings   []*Binding
}

func newFrame(m *Manager, s protocol.Session, id, parentID proto.PageFrameID) *Frame {
	f := &Frame{
		m:          m,
		log:        m.log,
		id:         id,
		parentID:   parentID,
		session:    s,
		detachedCh: make(chan struct{}),
	}
	f.realms = map[World]*Realm{
		MainWorld:    newRealm(f, MainWorld),
		UtilityWorld: newRealm(f, UtilityWorld),
	}
	f.log.Debug("Frame:new",
		zap.String("sid", string(s.GetSessionID())),
		zap.String("fid", string(id)),
		zap.String("pfid", string(parentID)))
	return f
}

// ID is the protocol frame id.
func (f *Frame) ID() proto.PageFrameID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.id
}

// ParentID is the parent's frame id, empty for the main frame.
func (f *Frame) ParentID() proto.PageFrameID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.parentID
}

// ParentFrame returns the parent, or nil for the main frame.
func (f *Frame) ParentFrame() *Frame {
	return f.m.tree.Parent(f)
}

// ChildFrames returns the attached children in attachment order.
func (f *Frame) ChildFrames() []*Frame {
	return f.m.tree.Children(f.ID())
}

// URL of the current document.
func (f *Frame) URL() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.url
}

// Name from the frame's name attribute.
func (f *Frame) Name() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.name
}

// LoaderID of the current document.
func (f *Frame) LoaderID() proto.NetworkLoaderID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.loaderID
}

// Navigation returns the last cross-document navigation record.
func (f *Frame) Navigation() Navigation {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.nav
}

// IsLoading reports whether the frame is between started and stopped loading.
func (f *Frame) IsLoading() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.loading
}

// HasStartedLoading reports whether the frame ever started loading.
func (f *Frame) HasStartedLoading() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.startedLoading
}

// LifecycleEvents returns the lifecycle events fired since the current loader.
func (f *Frame) LifecycleEvents() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.lifecycle...)
}

// HasLifecycleEvent reports whether name fired for the current document.
func (f *Frame) HasLifecycleEvent(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, n := range f.lifecycle {
		if n == name {
			return true
		}
	}
	return false
}

// IsDetached reports whether the frame left the tree.
func (f *Frame) IsDetached() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.detached
}

// Detached is closed when the frame leaves the tree.
func (f *Frame) Detached() <-chan struct{} { return f.detachedCh }

// IsOOPFrame reports whether the frame is served by a session other than the
// page's primary session.
func (f *Frame) IsOOPFrame() bool {
	return !protocol.SameSession(f.Session(), f.m.primarySession())
}

// Session is the protocol session currently serving the frame.
func (f *Frame) Session() protocol.Session {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.session
}

// MainRealm is the page's default realm.
func (f *Frame) MainRealm() *Realm { return f.realms[MainWorld] }

// IsolatedRealm is the utility realm.
func (f *Frame) IsolatedRealm() *Realm { return f.realms[UtilityWorld] }

// Realm returns the realm for w, or nil.
func (f *Frame) Realm(w World) *Realm { return f.realms[w] }

// Evaluate runs fn in the main realm and returns its JSON value.
func (f *Frame) Evaluate(ctx context.Context, fn string, args ...interface{}) (gson.JSON, error) {
	return f.MainRealm().Evaluate(ctx, fn, args...)
}

// EvaluateHandle runs fn in the main realm and returns a handle to the result.
func (f *Frame) EvaluateHandle(ctx context.Context, fn string, args ...interface{}) (*Handle, error) {
	return f.MainRealm().EvaluateHandle(ctx, fn, args...)
}

// AddBinding exposes b in this frame's main realm only.
func (f *Frame) AddBinding(ctx context.Context, b *Binding) error {
	return f.m.addFrameBinding(ctx, f, b)
}

// RemoveBinding removes a frame-scoped binding.
func (f *Frame) RemoveBinding(ctx context.Context, name string) error {
	return f.m.removeFrameBinding(ctx, f, name)
}

// frameBindings must be called with m.mu held.
func (f *Frame) frameBindings() []*Binding {
	return append([]*Binding(nil), f.bindings...)
}

func (f *Frame) setID(id proto.PageFrameID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.Debug("Frame:setID", zap.String("fid", string(f.id)), zap.String("nfid", string(id)))
	f.id = id
}

func (f *Frame) setParentID(id proto.PageFrameID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parentID = id
}

func (f *Frame) setSession(s protocol.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = s
}

func (f *Frame) navigated(p *proto.PageFrame, typ proto.PageNavigationType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.Debug("Frame:navigated",
		zap.String("fid", string(f.id)),
		zap.String("furl", f.url),
		zap.String("lid", string(p.LoaderID)),
		zap.String("url", p.URL))

	f.name = p.Name
	f.url = p.URL
	if p.URLFragment != "" {
		f.url += p.URLFragment
	}
	f.loaderID = p.LoaderID
	f.nav = Navigation{URL: f.url, Type: typ, LoaderID: p.LoaderID}
}

func (f *Frame) navigatedWithinDocument(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.Debug("Frame:navigatedWithinDocument", zap.String("fid", string(f.id)), zap.String("url", url))
	f.url = url
}

func (f *Frame) onLoadingStarted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loading = true
	f.startedLoading = true
}

func (f *Frame) onLoadingStopped(limit int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loading = false
	f.addLifecycle("DOMContentLoaded", limit)
	f.addLifecycle("load", limit)
}

func (f *Frame) onLifecycleEvent(loaderID proto.NetworkLoaderID, name string, limit int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.Debug("Frame:onLifecycleEvent", zap.String("fid", string(f.id)), zap.String("event", name))
	if name == "init" {
		f.loaderID = loaderID
		f.lifecycle = f.lifecycle[:0]
	}
	f.addLifecycle(name, limit)
}

// addLifecycle must be called with f.mu held.
func (f *Frame) addLifecycle(name string, limit int) {
	for _, n := range f.lifecycle {
		if n == name {
			return
		}
	}
	f.lifecycle = append(f.lifecycle, name)
	if over := len(f.lifecycle) - limit; limit > 0 && over > 0 {
		f.lifecycle = append(f.lifecycle[:0], f.lifecycle[over:]...)
	}
}

// detach marks the frame gone. It returns the contexts that were live in its
// realms.
func (f *Frame) detach() []*ExecutionContext {
	f.mu.Lock()
	if f.detached {
		f.mu.Unlock()
		return nil
	}
	f.detached = true
	close(f.detachedCh)
	f.log.Debug("Frame:detach", zap.String("fid", string(f.id)), zap.String("furl", f.url))
	f.mu.Unlock()

	return f.clearRealms()
}

func (f *Frame) clearRealms() []*ExecutionContext {
	var out []*ExecutionContext
	for _, w := range []World{MainWorld, UtilityWorld} {
		if ec := f.realms[w].clear(nil); ec != nil {
			out = append(out, ec)
		}
	}
	return out
}
