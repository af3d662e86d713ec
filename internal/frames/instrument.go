package frames

import (
	"context"
	"errors"
	"fmt"

	"framekeeper/internal/protocol"

	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type preloadScript struct {
	id     string
	source string
	// applied maps a session to the identifier the browser assigned; an
	// empty identifier means the registration is in flight.
	applied map[proto.TargetSessionID]proto.PageScriptIdentifier
}

// AddBinding exposes b in the main realm of every current and future frame.
func (m *Manager) AddBinding(ctx context.Context, b *Binding) error {
	var targets []*ExecutionContext
	err := m.locked(func(*batch) error {
		for _, x := range m.bindings {
			if x.name == b.name {
				return fmt.Errorf("%s: %w", b.name, ErrBindingExists)
			}
		}
		m.bindings = append(m.bindings, b)
		targets = m.mainContexts(m.tree.All())
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Debug("Manager:addBinding", zap.Stringer("binding", b), zap.Int("contexts", len(targets)))
	return installAll(ctx, b, targets)
}

// RemoveBinding removes a manager-wide binding from every frame. Page-side
// effects already executed are not undone.
func (m *Manager) RemoveBinding(ctx context.Context, name string) error {
	var targets []*ExecutionContext
	err := m.locked(func(*batch) error {
		idx := -1
		for i, x := range m.bindings {
			if x.name == name {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%s: %w", name, ErrBindingNotFound)
		}
		m.bindings = append(m.bindings[:idx], m.bindings[idx+1:]...)
		var frames []*Frame
		for _, f := range m.tree.All() {
			if !hasNamed(f.bindings, name) {
				frames = append(frames, f)
			}
		}
		targets = m.mainContexts(frames)
		return nil
	})
	if err != nil {
		return err
	}
	return removeAll(ctx, name, targets)
}

// Bindings lists the names of manager-wide bindings in registration order.
func (m *Manager) Bindings() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.bindings))
	for _, b := range m.bindings {
		out = append(out, b.name)
	}
	return out
}

func (m *Manager) addFrameBinding(ctx context.Context, f *Frame, b *Binding) error {
	var targets []*ExecutionContext
	err := m.locked(func(*batch) error {
		if f.IsDetached() {
			return ErrFrameDetached
		}
		if hasNamed(m.bindings, b.name) || hasNamed(f.bindings, b.name) {
			return fmt.Errorf("%s: %w", b.name, ErrBindingExists)
		}
		f.bindings = append(f.bindings, b)
		targets = m.mainContexts([]*Frame{f})
		return nil
	})
	if err != nil {
		return err
	}
	return installAll(ctx, b, targets)
}

func (m *Manager) removeFrameBinding(ctx context.Context, f *Frame, name string) error {
	var targets []*ExecutionContext
	err := m.locked(func(*batch) error {
		idx := -1
		for i, x := range f.bindings {
			if x.name == name {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%s: %w", name, ErrBindingNotFound)
		}
		f.bindings = append(f.bindings[:idx], f.bindings[idx+1:]...)
		targets = m.mainContexts([]*Frame{f})
		return nil
	})
	if err != nil {
		return err
	}
	return removeAll(ctx, name, targets)
}

// mainContexts returns the live main realm contexts of frames, including
// ones still being set up. Must be called with m.mu held.
func (m *Manager) mainContexts(frames []*Frame) []*ExecutionContext {
	var out []*ExecutionContext
	for _, f := range frames {
		if ec := f.MainRealm().slot(); ec != nil && !ec.isGone() {
			out = append(out, ec)
		}
	}
	return out
}

func installAll(ctx context.Context, b *Binding, targets []*ExecutionContext) error {
	var errs []error
	for _, ec := range targets {
		if err := ec.addBinding(ctx, b); err != nil && !errors.Is(err, ErrContextGone) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func removeAll(ctx context.Context, name string, targets []*ExecutionContext) error {
	var errs []error
	for _, ec := range targets {
		if err := ec.removeBinding(ctx, name); err != nil && !errors.Is(err, ErrContextGone) {
			errs = append(errs, fmt.Errorf("remove binding %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func hasNamed(list []*Binding, name string) bool {
	for _, b := range list {
		if b.name == name {
			return true
		}
	}
	return false
}

// dispatchBinding runs an internal binding call on its own goroutine.
func (m *Manager) dispatchBinding(ec *ExecutionContext, b *Binding, p *bindingPayload) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return true
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.runBinding(ec, b, p)
	}()
	return true
}

func (m *Manager) runBinding(ec *ExecutionContext, b *Binding, p *bindingPayload) {
	ctx, span := tracer.Start(m.ctx, "frames.binding")
	defer span.End()
	span.SetAttributes(attribute.String("binding", b.name), attribute.Int64("seq", p.Seq))
	if d := m.opts.CommandTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	log := m.log.Named("binding").With(zap.String("binding", b.name), zap.Int64("seq", p.Seq))

	result, err := callBinding(ctx, b, BindingCall{
		Name:    p.Name,
		Seq:     p.Seq,
		Args:    p.Args,
		Trivial: p.IsTrivial,
		Context: ec,
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
		var pe *panicError
		if errors.As(err, &pe) {
			outcome = "panic"
		}
		log.Warn("binding handler failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metricBindingCalls.WithLabelValues(outcome).Inc()

	if err := deliver(ctx, ec, b.name, p.Seq, result, err); err != nil && !errors.Is(err, ErrContextGone) {
		log.Debug("deliver binding result", zap.Error(err))
	}
}

type panicError struct{ value interface{} }

func (e *panicError) Error() string {
	return fmt.Sprintf("binding handler panicked: %v", e.value)
}

func callBinding(ctx context.Context, b *Binding, call BindingCall) (res interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return b.fn(ctx, call)
}

// deliver settles the page-side promise of call seq.
func deliver(ctx context.Context, ec *ExecutionContext, name string, seq int64, result interface{}, callErr error) error {
	if callErr != nil {
		_, err := ec.Evaluate(ctx, deliverBindingResult, name, seq, false, callErr.Error())
		return err
	}
	_, err := ec.Evaluate(ctx, deliverBindingResult, name, seq, true, result)
	if err == nil || errors.Is(err, ErrContextGone) {
		return err
	}
	if errors.Is(err, ErrCircularValue) || errors.Is(err, ErrHandleDisposed) || errors.Is(err, ErrHandleRealmMismatch) {
		_, err = ec.Evaluate(ctx, deliverBindingResult, name, seq, false, err.Error())
	}
	return err
}

// EvaluateOnNewDocument registers source to run in every new document of
// every session, now and later. It returns the script's identifier.
func (m *Manager) EvaluateOnNewDocument(ctx context.Context, source string) (string, error) {
	sc := &preloadScript{
		id:      uuid.NewString(),
		source:  source,
		applied: make(map[proto.TargetSessionID]proto.PageScriptIdentifier),
	}
	var sessions []protocol.Session
	err := m.locked(func(*batch) error {
		m.scripts = append(m.scripts, sc)
		for sid, st := range m.sessions {
			sc.applied[sid] = ""
			sessions = append(sessions, st.session)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	var errs []error
	for _, s := range sessions {
		if err := m.applyScript(ctx, s, sc); err != nil {
			errs = append(errs, err)
		}
	}
	return sc.id, errors.Join(errs...)
}

// RemoveScript unregisters a preload script from every session. Documents
// that already ran it are unaffected.
func (m *Manager) RemoveScript(ctx context.Context, id string) error {
	var (
		applied  map[proto.TargetSessionID]proto.PageScriptIdentifier
		sessions = make(map[proto.TargetSessionID]protocol.Session)
	)
	err := m.locked(func(*batch) error {
		idx := -1
		for i, sc := range m.scripts {
			if sc.id == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%s: %w", id, ErrScriptNotFound)
		}
		sc := m.scripts[idx]
		m.scripts = append(m.scripts[:idx], m.scripts[idx+1:]...)
		applied = make(map[proto.TargetSessionID]proto.PageScriptIdentifier, len(sc.applied))
		for sid, ident := range sc.applied {
			applied[sid] = ident
			if st := m.sessions[sid]; st != nil {
				sessions[sid] = st.session
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	var errs []error
	for sid, ident := range applied {
		s := sessions[sid]
		if s == nil || ident == "" {
			continue
		}
		err := proto.PageRemoveScriptToEvaluateOnNewDocument{Identifier: ident}.Call(protocol.WithContext(s, ctx))
		if err != nil && !contextGone(err) {
			errs = append(errs, fmt.Errorf("remove preload script on %s: %w", sid, err))
		}
	}
	return errors.Join(errs...)
}

// Scripts lists the identifiers of registered preload scripts in order.
func (m *Manager) Scripts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.scripts))
	for _, sc := range m.scripts {
		out = append(out, sc.id)
	}
	return out
}

// replayScripts applies every registered script not yet applied on s.
func (m *Manager) replayScripts(ctx context.Context, s protocol.Session) error {
	sid := s.GetSessionID()
	var todo []*preloadScript
	m.mu.Lock()
	for _, sc := range m.scripts {
		if _, ok := sc.applied[sid]; !ok {
			sc.applied[sid] = ""
			todo = append(todo, sc)
		}
	}
	m.mu.Unlock()

	for _, sc := range todo {
		if err := m.applyScript(ctx, s, sc); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) applyScript(ctx context.Context, s protocol.Session, sc *preloadScript) error {
	sid := s.GetSessionID()
	res, err := proto.PageAddScriptToEvaluateOnNewDocument{Source: sc.source}.Call(protocol.WithContext(s, ctx))
	if err != nil {
		m.mu.Lock()
		delete(sc.applied, sid)
		m.mu.Unlock()
		return fmt.Errorf("add preload script on %s: %w", sid, err)
	}

	m.mu.Lock()
	removed := !hasScript(m.scripts, sc)
	if !removed {
		sc.applied[sid] = res.Identifier
	}
	m.mu.Unlock()

	if removed {
		// removed while the registration was in flight
		return proto.PageRemoveScriptToEvaluateOnNewDocument{Identifier: res.Identifier}.Call(protocol.WithContext(s, ctx))
	}
	return nil
}

func hasScript(list []*preloadScript, sc *preloadScript) bool {
	for _, x := range list {
		if x == sc {
			return true
		}
	}
	return false
}
