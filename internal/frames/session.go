package frames

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"framekeeper/internal/protocol"

	"github.com/go-rod/rod/lib/proto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// sessionState is the per-session event loop state. Events are held back
// until ready is closed, which happens once the frame tree snapshot of the
// session has been applied.
type sessionState struct {
	session   protocol.Session
	ready     chan struct{}
	readyOnce sync.Once

	// seen lists frames navigated by the snapshot walk. The snapshot holds
	// their latest document, so buffered navigations for them are dropped.
	// skip lists frames whose snapshot navigation is not applied at all. Both
	// are guarded by Manager.mu and reset once buffered events are flushed.
	seen map[proto.PageFrameID]bool
	skip map[proto.PageFrameID]bool
}

func (st *sessionState) release() {
	st.readyOnce.Do(func() { close(st.ready) })
}

func (st *sessionState) released() bool {
	select {
	case <-st.ready:
		return true
	default:
		return false
	}
}

// register must be called with m.mu held.
func (m *Manager) register(s protocol.Session) *sessionState {
	sid := s.GetSessionID()
	if st, ok := m.sessions[sid]; ok {
		return st
	}
	st := &sessionState{
		session: s,
		ready:   make(chan struct{}),
		seen:    make(map[proto.PageFrameID]bool),
		skip:    make(map[proto.PageFrameID]bool),
	}
	m.sessions[sid] = st
	m.wg.Add(1)
	go m.loop(st)
	return st
}

func (m *Manager) loop(st *sessionState) {
	defer m.wg.Done()

	var pending []*protocol.Message
	ready := st.ready
	msgs := st.session.Messages()

	// drain moves whatever is already queued into pending.
	drain := func() {
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					msgs = nil
					return
				}
				pending = append(pending, msg)
			default:
				return
			}
		}
	}
	flush := func(buffered bool) {
		for _, msg := range pending {
			m.dispatch(st, msg, buffered)
		}
		pending = nil
		if buffered {
			m.mu.Lock()
			st.seen = make(map[proto.PageFrameID]bool)
			st.skip = make(map[proto.PageFrameID]bool)
			m.mu.Unlock()
		}
	}

	for {
		if ready != nil && st.released() {
			ready = nil
			drain()
			flush(true)
		}
		select {
		case <-m.ctx.Done():
			return
		case <-ready:
			continue
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			if ready != nil {
				pending = append(pending, msg)
				continue
			}
			m.dispatch(st, msg, false)
		case <-st.session.Disconnected():
			// the transport closes msgs once the session's last events are handed over
			for msgs != nil {
				select {
				case msg, ok := <-msgs:
					if !ok {
						msgs = nil
						continue
					}
					pending = append(pending, msg)
				case <-m.ctx.Done():
					return
				}
			}
			switch {
			case ready == nil:
				flush(false)
			case st.released():
				flush(true)
			}
			m.disconnected(st)
			return
		}
	}
}

// initialize brings a session up: page and runtime domains, the frame tree
// snapshot, lifecycle events, the utility world, auto-attach and preload
// scripts. The event barrier is released once the snapshot is applied, or
// when initialization fails.
func (m *Manager) initialize(ctx context.Context, st *sessionState) error {
	ctx, span := tracer.Start(ctx, "frames.initialize")
	defer span.End()
	sid := st.session.GetSessionID()
	span.SetAttributes(attribute.String("sid", string(sid)))
	defer st.release()

	g, gctx := errgroup.WithContext(ctx)
	s := protocol.WithContext(st.session, gctx)

	g.Go(func() error {
		if err := (proto.PageEnable{}).Call(s); err != nil {
			return fmt.Errorf("enable page domain: %w", err)
		}
		res, err := proto.PageGetFrameTree{}.Call(s)
		if err != nil {
			return fmt.Errorf("get frame tree: %w", err)
		}
		m.applySnapshot(st, res.FrameTree)
		st.release()
		return nil
	})
	g.Go(func() error {
		if err := (proto.PageSetLifecycleEventsEnabled{Enabled: true}).Call(s); err != nil {
			return fmt.Errorf("enable lifecycle events: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := (proto.RuntimeEnable{}).Call(s); err != nil {
			return fmt.Errorf("enable runtime domain: %w", err)
		}
		select {
		case <-st.ready:
		case <-gctx.Done():
			return gctx.Err()
		}
		return m.ensureIsolatedWorld(gctx, st.session)
	})
	if m.opts.AutoAttach {
		g.Go(func() error {
			err := proto.TargetSetAutoAttach{
				AutoAttach:             true,
				WaitForDebuggerOnStart: true,
				Flatten:                true,
			}.Call(s)
			if err != nil {
				return fmt.Errorf("set auto attach: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return m.replayScripts(gctx, st.session)
	})

	err := g.Wait()
	if err == nil {
		m.log.Debug("Manager:initialize", zap.String("sid", string(sid)))
		return nil
	}
	select {
	case <-st.session.Disconnected():
		// the session went away under us; its disconnect handling owns cleanup
		m.log.Debug("initialize on detached session", zap.String("sid", string(sid)), zap.Error(err))
		return nil
	default:
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return fmt.Errorf("initialize session %s: %w", sid, err)
}

func (m *Manager) applySnapshot(st *sessionState, tree *proto.PageFrameTree) {
	_ = m.locked(func(b *batch) error {
		m.walkSnapshot(st, tree, b)
		return nil
	})
}

// walkSnapshot must be called with m.mu held.
func (m *Manager) walkSnapshot(st *sessionState, tree *proto.PageFrameTree, b *batch) {
	if tree == nil || tree.Frame == nil {
		return
	}
	fr := tree.Frame
	if fr.ParentID != "" {
		m.frameAttached(st, fr.ID, fr.ParentID, b)
	}
	if !st.skip[fr.ID] {
		m.frameNavigated(st, fr, navigationTypeNavigation, b)
		st.seen[fr.ID] = true
	}
	for _, child := range tree.ChildFrames {
		m.walkSnapshot(st, child, b)
	}
}

// disconnected tears down what the lost session served. Frames of an
// out-of-process session go at once, as do children of the main frame; the
// main frame waits out the swap grace period unless the browser itself is
// gone.
func (m *Manager) disconnected(st *sessionState) {
	s := st.session
	sid := s.GetSessionID()

	var (
		main      *Frame
		activated chan struct{}
	)
	err := m.locked(func(b *batch) error {
		if m.sessions[sid] == st {
			delete(m.sessions, sid)
		}
		delete(m.worlds, sid)
		m.dropSessionContexts(sid)

		if !protocol.SameSession(s, m.primarySession()) {
			// frames re-homed onto another session keep living there
			for _, f := range m.tree.All() {
				if !f.IsDetached() && protocol.SameSession(f.Session(), s) {
					m.removeRecursively(f, b)
				}
			}
			return nil
		}
		f := m.tree.Main()
		if f == nil || !protocol.SameSession(f.Session(), s) {
			return nil
		}
		if !s.Reachable() {
			m.log.Debug("browser unreachable, tearing down", zap.String("sid", string(sid)))
			m.removeRecursively(f, b)
			return nil
		}
		m.removeChildren(f, b)
		main, activated = f, m.activated
		return nil
	})
	if err != nil || main == nil {
		return
	}

	timer := time.NewTimer(m.SwapGracePeriod())
	defer timer.Stop()
	select {
	case <-activated:
		return
	case <-m.ctx.Done():
		return
	case <-timer.C:
	}

	_ = m.locked(func(b *batch) error {
		if main.IsDetached() || !protocol.SameSession(main.Session(), s) {
			return nil
		}
		m.log.Info("tearing down main frame",
			zap.String("sid", string(sid)),
			zap.String("fid", string(main.ID())),
			zap.Error(ErrSwapTimeout))
		metricSwapGraceExpired.Inc()
		m.removeRecursively(main, b)
		return nil
	})
}

// ensureIsolatedWorld registers the utility world on s and creates it in
// every frame s serves. Per-frame failures are ignored.
func (m *Manager) ensureIsolatedWorld(ctx context.Context, s protocol.Session) error {
	sid := s.GetSessionID()
	name := m.opts.UtilityWorldName

	var frames []*Frame
	err := m.locked(func(b *batch) error {
		if m.worlds[sid] {
			return errWorldReady
		}
		m.worlds[sid] = true
		for _, f := range m.tree.All() {
			if protocol.SameSession(f.Session(), s) {
				frames = append(frames, f)
			}
		}
		return nil
	})
	if errors.Is(err, errWorldReady) || errors.Is(err, ErrClosed) {
		return nil
	}

	c := protocol.WithContext(s, ctx)
	_, err = proto.PageAddScriptToEvaluateOnNewDocument{
		Source:    "//# sourceURL=" + evaluationSourceURL,
		WorldName: name,
	}.Call(c)
	if err != nil {
		m.mu.Lock()
		delete(m.worlds, sid)
		m.mu.Unlock()
		return fmt.Errorf("register utility world: %w", err)
	}
	for _, f := range frames {
		_, err := proto.PageCreateIsolatedWorld{
			FrameID:             f.ID(),
			WorldName:           name,
			GrantUniveralAccess: true,
		}.Call(c)
		if err != nil {
			m.log.Debug("create isolated world", zap.String("fid", string(f.ID())), zap.Error(err))
		}
	}
	return nil
}

var errWorldReady = errors.New("utility world already provisioned")
