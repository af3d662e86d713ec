package frames

import (
	"errors"

	"framekeeper/internal/protocol"

	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
	"go.uber.org/zap"
)

const navigationTypeNavigation = proto.PageNavigationType("Navigation")

// dispatch applies one protocol event from st's session.
// Buffered events were held back by the initialization barrier.
func (m *Manager) dispatch(st *sessionState, msg *protocol.Message, buffered bool) {
	var (
		attached      proto.PageFrameAttached
		navigated     proto.PageFrameNavigated
		withinDoc     proto.PageNavigatedWithinDocument
		detached      proto.PageFrameDetached
		started       proto.PageFrameStartedLoading
		stopped       proto.PageFrameStoppedLoading
		lifecycle     proto.PageLifecycleEvent
		ctxCreated    proto.RuntimeExecutionContextCreated
		ctxDestroyed  proto.RuntimeExecutionContextDestroyed
		ctxCleared    proto.RuntimeExecutionContextsCleared
		bindingCalled proto.RuntimeBindingCalled
	)

	var err error
	switch {
	case msg.Load(&attached):
		err = m.locked(func(b *batch) error {
			m.frameAttached(st, attached.FrameID, attached.ParentFrameID, b)
			return nil
		})
	case msg.Load(&navigated):
		err = m.locked(func(b *batch) error {
			if buffered && m.appliedBySnapshot(st, navigated.Frame) {
				return nil
			}
			m.frameNavigated(st, navigated.Frame, navigated.Type, b)
			return nil
		})
	case msg.Load(&withinDoc):
		err = m.locked(func(b *batch) error {
			m.navigatedWithinDocument(withinDoc.FrameID, withinDoc.URL, b)
			return nil
		})
	case msg.Load(&detached):
		err = m.locked(func(b *batch) error {
			m.frameDetached(detached.FrameID, string(detached.Reason), b)
			return nil
		})
	case msg.Load(&started):
		err = m.locked(func(b *batch) error {
			if f := m.tree.ByID(started.FrameID); f != nil {
				f.onLoadingStarted()
			}
			return nil
		})
	case msg.Load(&stopped):
		err = m.locked(func(b *batch) error {
			if f := m.tree.ByID(stopped.FrameID); f != nil {
				f.onLoadingStopped(m.opts.LifecycleLogLimit)
				b.add(LifecycleEvent, f).Lifecycle = "load"
			}
			return nil
		})
	case msg.Load(&lifecycle):
		err = m.locked(func(b *batch) error {
			if f := m.tree.ByID(lifecycle.FrameID); f != nil {
				name := string(lifecycle.Name)
				f.onLifecycleEvent(lifecycle.LoaderID, name, m.opts.LifecycleLogLimit)
				b.add(LifecycleEvent, f).Lifecycle = name
			}
			return nil
		})
	case msg.Load(&ctxCreated):
		m.contextCreated(st, ctxCreated.Context)
	case msg.Load(&ctxDestroyed):
		err = m.locked(func(b *batch) error {
			k := ctxKey{st.session.GetSessionID(), ctxDestroyed.ExecutionContextID}
			if ec := m.contexts[k]; ec != nil {
				ec.realm.clear(ec)
				m.dropContext(ec)
			}
			return nil
		})
	case msg.Load(&ctxCleared):
		err = m.locked(func(b *batch) error {
			m.dropSessionContexts(st.session.GetSessionID())
			return nil
		})
	case msg.Load(&bindingCalled):
		m.bindingCalled(st, &bindingCalled)
	}
	if err != nil && !errors.Is(err, ErrClosed) {
		m.log.Warn("apply event", zap.String("method", msg.Method), zap.Error(err))
	}
}

// appliedBySnapshot reports whether p was buffered for a frame the snapshot
// walk already navigated. Buffered events predate the snapshot response, so
// the snapshot document supersedes them. Must be called with m.mu held.
func (m *Manager) appliedBySnapshot(st *sessionState, p *proto.PageFrame) bool {
	return p != nil && st.seen[p.ID]
}

// frameAttached must be called with m.mu held.
func (m *Manager) frameAttached(st *sessionState, id, parentID proto.PageFrameID, b *batch) {
	if f := m.tree.ByID(id); f != nil {
		if !protocol.SameSession(f.Session(), st.session) {
			m.rehome(f, st.session)
		}
		return
	}
	m.addFrame(newFrame(m, st.session, id, parentID), b)
}

func (m *Manager) addFrame(f *Frame, b *batch) bool {
	if err := m.tree.Add(f); err != nil {
		m.log.Debug("Manager:addFrame", zap.Error(err))
		return false
	}
	metricFramesAttached.Inc()
	metricFramesActive.Inc()
	b.add(FrameAttached, f)
	return true
}

// frameNavigated must be called with m.mu held.
func (m *Manager) frameNavigated(st *sessionState, p *proto.PageFrame, typ proto.PageNavigationType, b *batch) {
	if p == nil {
		return
	}
	if typ == "" {
		typ = navigationTypeNavigation
	}
	isMain := p.ParentID == ""

	var f *Frame
	if isMain {
		f = m.tree.Main()
	} else {
		f = m.tree.ByID(p.ID)
	}
	if f == nil && !isMain {
		m.navigateWhenAttached(p, typ)
		return
	}

	if f != nil {
		m.removeChildren(f, b)
	}
	if isMain {
		if f == nil {
			f = newFrame(m, st.session, p.ID, "")
			if !m.addFrame(f, b) {
				return
			}
		} else if f.ID() != p.ID {
			m.tree.Rekey(f, p.ID)
		}
	}
	f.navigated(p, typ)
	b.add(FrameNavigated, f).Navigation = typ
}

// navigateWhenAttached defers a navigation until its frame is attached,
// which may happen on another session. Must be called with m.mu held.
func (m *Manager) navigateWhenAttached(p *proto.PageFrame, typ proto.PageNavigationType) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		f, err := m.tree.WaitFor(m.ctx, p.ID, m.opts.FrameWaitTimeout)
		if err != nil {
			if errors.Is(err, ErrFrameWaitTimeout) {
				metricFrameWaitTimeouts.Inc()
				m.log.Warn("dropping navigation of unknown frame", zap.String("fid", string(p.ID)), zap.Error(err))
			}
			return
		}
		_ = m.locked(func(b *batch) error {
			if f.IsDetached() {
				return nil
			}
			m.removeChildren(f, b)
			f.navigated(p, typ)
			b.add(FrameNavigated, f).Navigation = typ
			return nil
		})
	}()
}

// navigatedWithinDocument must be called with m.mu held.
func (m *Manager) navigatedWithinDocument(id proto.PageFrameID, url string, b *batch) {
	f := m.tree.ByID(id)
	if f == nil {
		return
	}
	f.navigatedWithinDocument(url)
	b.add(FrameNavigatedWithinDocument, f)
	b.add(FrameNavigated, f)
}

// frameDetached must be called with m.mu held.
func (m *Manager) frameDetached(id proto.PageFrameID, reason string, b *batch) {
	f := m.tree.ByID(id)
	if f == nil {
		return
	}
	switch reason {
	case "remove":
		m.removeRecursively(f, b)
	case "swap":
		metricFramesSwapped.Inc()
		b.add(FrameSwapped, f)
	}
}

// contextCreated binds a new execution context to its realm, installs the
// registered bindings into main realms and then publishes it.
func (m *Manager) contextCreated(st *sessionState, desc *proto.RuntimeExecutionContextDescription) {
	var (
		ec      *ExecutionContext
		install []*Binding
	)
	err := m.locked(func(b *batch) error {
		ec, install = m.bindContext(st, desc)
		return nil
	})
	if err != nil || ec == nil {
		return
	}
	for _, bd := range install {
		if err := ec.addBinding(m.ctx, bd); err != nil && !errors.Is(err, ErrContextGone) {
			ec.log.Warn("replay binding", zap.String("binding", bd.name), zap.Error(err))
		}
	}
	ec.realm.markReady(ec)
}

// bindContext must be called with m.mu held.
func (m *Manager) bindContext(st *sessionState, desc *proto.RuntimeExecutionContextDescription) (*ExecutionContext, []*Binding) {
	if desc == nil {
		return nil, nil
	}
	f := m.tree.ByID(proto.PageFrameID(auxString(desc.AuxData, "frameId")))
	if f == nil {
		return nil, nil
	}
	if !protocol.SameSession(f.Session(), st.session) {
		m.log.Debug("ignoring context from superseded session",
			zap.String("sid", string(st.session.GetSessionID())),
			zap.String("fid", string(f.ID())),
			zap.Int("ectxid", int(desc.ID)))
		return nil, nil
	}

	var w World
	switch {
	case auxBool(desc.AuxData, "isDefault"):
		w = MainWorld
	case desc.Name == m.opts.UtilityWorldName:
		w = UtilityWorld
	default:
		return nil, nil
	}

	r := f.Realm(w)
	ec := newExecutionContext(m, st.session, desc, r)
	if prev := r.set(ec); prev != nil {
		m.dropContext(prev)
	}
	k := ctxKey{st.session.GetSessionID(), desc.ID}
	if old := m.contexts[k]; old != nil {
		old.realm.clear(old)
		m.dropContext(old)
	}
	m.contexts[k] = ec
	metricContextsActive.Inc()
	ec.log.Debug("Manager:bindContext", zap.String("fid", string(f.ID())))

	if w != MainWorld {
		return ec, nil
	}
	install := append([]*Binding(nil), m.bindings...)
	return ec, append(install, f.frameBindings()...)
}

// dropSessionContexts must be called with m.mu held.
func (m *Manager) dropSessionContexts(sid proto.TargetSessionID) {
	for k, ec := range m.contexts {
		if k.sid == sid {
			ec.realm.clear(ec)
			m.dropContext(ec)
		}
	}
}

func (m *Manager) bindingCalled(st *sessionState, ev *proto.RuntimeBindingCalled) {
	m.mu.Lock()
	ec := m.contexts[ctxKey{st.session.GetSessionID(), ev.ExecutionContextID}]
	m.mu.Unlock()

	if ec != nil && ec.onBindingCalled(ev) {
		return
	}
	_ = m.locked(func(b *batch) error {
		var f *Frame
		if ec != nil {
			f = ec.Frame()
		}
		b.add(BindingCalled, f).Binding = ev
		return nil
	})
}

func auxString(aux map[string]gson.JSON, key string) string {
	v, ok := aux[key]
	if !ok {
		return ""
	}
	return v.Str()
}

func auxBool(aux map[string]gson.JSON, key string) bool {
	v, ok := aux[key]
	if !ok {
		return false
	}
	return v.Bool()
}
