// Package frames tracks the frame tree of a browser page and the script
// realms living in each frame, reconciling the protocol's asynchronous event
// streams into a consistent model.
package frames

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"framekeeper/internal/protocol"

	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

type ctxKey struct {
	sid proto.TargetSessionID
	id  proto.RuntimeExecutionContextID
}

type sessionRef struct{ s protocol.Session }

// Manager owns the frame tree of one page target. It consumes the events of
// the page's primary session and of every out-of-process frame session
// attached to it.
type Manager struct {
	opts   Options
	log    *zap.Logger
	tree   *FrameTree
	events *dispatcher
	grace  atomic.Int64

	primary atomic.Pointer[sessionRef]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards everything below as well as frame-scoped binding lists.
	// Order: mu before tree, frame, realm and context locks.
	mu        sync.Mutex
	sessions  map[proto.TargetSessionID]*sessionState
	contexts  map[ctxKey]*ExecutionContext
	bindings  []*Binding
	scripts   []*preloadScript
	worlds    map[proto.TargetSessionID]bool
	activated chan struct{}
	closed    bool
}

// New starts tracking s. Events are buffered until Initialize has fetched the
// current frame tree.
func New(s protocol.Session, opts Options) *Manager {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:      opts,
		log:       opts.Logger.Named("frames"),
		tree:      NewFrameTree(),
		events:    newDispatcher(),
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[proto.TargetSessionID]*sessionState),
		contexts:  make(map[ctxKey]*ExecutionContext),
		worlds:    make(map[proto.TargetSessionID]bool),
		activated: make(chan struct{}),
	}
	m.grace.Store(int64(opts.SwapGracePeriod))
	m.primary.Store(&sessionRef{s})

	m.mu.Lock()
	m.register(s)
	m.mu.Unlock()
	return m
}

// Initialize enables the page and runtime domains on the primary session,
// applies the current frame tree and replays registered instrumentation.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	st := m.sessions[m.primarySession().GetSessionID()]
	m.mu.Unlock()
	if st == nil {
		return ErrClosed
	}
	return m.initialize(ctx, st)
}

// Close tears down the frame tree and stops all session loops. Sessions are
// left open.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var b batch
	if main := m.tree.Main(); main != nil {
		m.removeRecursively(main, &b)
	}
	for _, f := range m.tree.All() {
		m.removeRecursively(f, &b)
	}
	for _, ec := range m.contexts {
		ec.realm.clear(ec)
		m.dropContext(ec)
	}
	m.events.push(b)
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.events.close()
	m.log.Debug("Manager:close")
	return nil
}

// MainFrame returns the main frame, or nil before the first navigation.
func (m *Manager) MainFrame() *Frame {
	return m.tree.Main()
}

// Frame returns the frame with id, or nil.
func (m *Manager) Frame(id proto.PageFrameID) *Frame {
	return m.tree.ByID(id)
}

// Frames returns every tracked frame, main frame first, parents before
// children.
func (m *Manager) Frames() []*Frame {
	seen := make(map[*Frame]bool)
	var out []*Frame
	var walk func(f *Frame)
	walk = func(f *Frame) {
		if seen[f] {
			return
		}
		seen[f] = true
		out = append(out, f)
		for _, c := range f.ChildFrames() {
			walk(c)
		}
	}
	if main := m.tree.Main(); main != nil {
		walk(main)
	}
	for _, f := range m.tree.All() {
		walk(f)
	}
	return out
}

// WaitForFrame blocks until a frame with id is attached or the frame wait
// timeout elapses.
func (m *Manager) WaitForFrame(ctx context.Context, id proto.PageFrameID) (*Frame, error) {
	return m.tree.WaitFor(ctx, id, m.opts.FrameWaitTimeout)
}

// SwapGracePeriod is how long a disconnected main frame waits for activation.
func (m *Manager) SwapGracePeriod() time.Duration {
	return time.Duration(m.grace.Load())
}

// SetSwapGracePeriod changes the grace period for later disconnects.
func (m *Manager) SetSwapGracePeriod(d time.Duration) {
	if d <= 0 {
		d = DefaultOptions().SwapGracePeriod
	}
	m.grace.Store(int64(d))
	m.log.Info("swap grace period changed", zap.Duration("grace", d))
}

// UtilityWorldName is the name of the isolated world.
func (m *Manager) UtilityWorldName() string { return m.opts.UtilityWorldName }

// AttachSession adopts the session of an out-of-process frame. The frame
// whose id equals the session's target id moves to s.
func (m *Manager) AttachSession(ctx context.Context, s protocol.Session) error {
	var st *sessionState
	err := m.locked(func(b *batch) error {
		if f := m.tree.ByID(proto.PageFrameID(s.TargetID())); f != nil {
			m.rehome(f, s)
		}
		st = m.register(s)
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Debug("Manager:attachSession",
		zap.String("sid", string(s.GetSessionID())), zap.String("target", string(s.TargetID())))
	return m.initialize(ctx, st)
}

// SwapSession replaces the primary session after an activation, such as a
// prerendered page becoming the visible one. The main frame keeps its
// identity and takes the new target id.
func (m *Manager) SwapSession(ctx context.Context, s protocol.Session) error {
	var (
		st   *sessionState
		main *Frame
	)
	err := m.locked(func(b *batch) error {
		m.primary.Store(&sessionRef{s})
		st = m.register(s)
		main = m.tree.Main()
		if main == nil {
			return nil
		}
		if id := proto.PageFrameID(s.TargetID()); id != "" && id != main.ID() {
			m.tree.Rekey(main, id)
		}
		m.rehome(main, s)
		st.skip[main.ID()] = true
		return nil
	})
	if err != nil {
		return err
	}
	if err := m.initialize(ctx, st); err != nil {
		return err
	}
	return m.locked(func(b *batch) error {
		close(m.activated)
		m.activated = make(chan struct{})
		if main != nil && !main.IsDetached() {
			metricFramesSwapped.Inc()
			b.add(FrameSwappedByActivation, main)
		}
		return nil
	})
}

func (m *Manager) primarySession() protocol.Session {
	return m.primary.Load().s
}

// locked runs fn under the manager lock and queues the events it produced.
func (m *Manager) locked(fn func(b *batch) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	var b batch
	err := fn(&b)
	m.events.push(b)
	return err
}

// rehome moves f to session s. Contexts from the previous session are dropped.
func (m *Manager) rehome(f *Frame, s protocol.Session) {
	m.log.Debug("Manager:rehome",
		zap.String("fid", string(f.ID())),
		zap.String("sid", string(s.GetSessionID())))
	f.setSession(s)
	for _, ec := range f.clearRealms() {
		m.dropContext(ec)
	}
}

// removeChildren detaches the subtree below f.
func (m *Manager) removeChildren(f *Frame, b *batch) {
	for _, c := range f.ChildFrames() {
		m.removeRecursively(c, b)
	}
}

func (m *Manager) removeRecursively(f *Frame, b *batch) {
	if f.IsDetached() {
		return
	}
	m.removeChildren(f, b)
	for _, ec := range f.detach() {
		m.dropContext(ec)
	}
	m.tree.Remove(f)
	metricFramesDetached.Inc()
	metricFramesActive.Dec()
	b.add(FrameDetached, f)
}

// dropContext forgets ec and makes it terminal.
func (m *Manager) dropContext(ec *ExecutionContext) {
	k := ctxKey{ec.session.GetSessionID(), ec.id}
	if m.contexts[k] == ec {
		delete(m.contexts, k)
	}
	if ec.dispose() {
		metricContextsActive.Dec()
	}
}
