package frames

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"framekeeper/internal/protocol"

	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const evaluationSourceURL = "__framekeeper_evaluation_script__"

var functionSource = regexp.MustCompile(`^\s*(async\s+)?(function\b|\([^)]*\)\s*=>|[A-Za-z_$][\w$]*\s*=>)`)

// ExecutionContext is one live instance of a realm. It becomes terminal when
// the page destroys it, when contexts are cleared, or when its session is
// lost; every pending and later operation on it then fails with
// ErrContextGone.
type ExecutionContext struct {
	m       *Manager
	id      proto.RuntimeExecutionContextID
	name    string
	session protocol.Session
	realm   *Realm
	log     *zap.Logger

	mu       sync.Mutex
	bindings map[string]*Binding
	handles  map[*Handle]struct{}

	done chan struct{}
	once sync.Once
}

func newExecutionContext(m *Manager, s protocol.Session, desc *proto.RuntimeExecutionContextDescription, r *Realm) *ExecutionContext {
	ec := &ExecutionContext{
		m:        m,
		id:       desc.ID,
		name:     desc.Name,
		session:  s,
		realm:    r,
		bindings: make(map[string]*Binding),
		handles:  make(map[*Handle]struct{}),
		done:     make(chan struct{}),
	}
	ec.log = m.log.Named("realm").With(
		zap.String("sid", string(s.GetSessionID())),
		zap.Int("ectxid", int(desc.ID)),
		zap.String("world", string(r.world)))
	return ec
}

// ID is the protocol execution context id.
func (ec *ExecutionContext) ID() proto.RuntimeExecutionContextID { return ec.id }

// Realm the context belongs to.
func (ec *ExecutionContext) Realm() *Realm { return ec.realm }

// Frame the context belongs to.
func (ec *ExecutionContext) Frame() *Frame { return ec.realm.frame }

// Done is closed when the context becomes terminal.
func (ec *ExecutionContext) Done() <-chan struct{} { return ec.done }

// Bindings returns the names installed in this context.
func (ec *ExecutionContext) Bindings() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]string, 0, len(ec.bindings))
	for name := range ec.bindings {
		out = append(out, name)
	}
	return out
}

func (ec *ExecutionContext) isGone() bool {
	select {
	case <-ec.done:
		return true
	default:
		return false
	}
}

// Evaluate runs fn and returns its value. fn is either an expression or a
// function source; args are only accepted with a function.
func (ec *ExecutionContext) Evaluate(ctx context.Context, fn string, args ...interface{}) (gson.JSON, error) {
	obj, err := ec.evaluate(ctx, true, fn, args)
	if err != nil {
		return gson.JSON{}, err
	}
	return remoteValue(obj)
}

// EvaluateHandle runs fn and returns a handle to the result.
func (ec *ExecutionContext) EvaluateHandle(ctx context.Context, fn string, args ...interface{}) (*Handle, error) {
	obj, err := ec.evaluate(ctx, false, fn, args)
	if err != nil {
		return nil, err
	}
	return ec.adopt(obj)
}

func (ec *ExecutionContext) evaluate(ctx context.Context, byValue bool, fn string, args []interface{}) (*proto.RuntimeRemoteObject, error) {
	ctx, span := tracer.Start(ctx, "frames.evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.Int("ectxid", int(ec.id)),
		attribute.String("world", string(ec.realm.world)),
		attribute.Bool("by_value", byValue))

	obj, err := ec.send(ctx, func(s protocol.Session) (*proto.RuntimeRemoteObject, *proto.RuntimeExceptionDetails, error) {
		if !functionSource.MatchString(fn) {
			if len(args) > 0 {
				return nil, nil, fmt.Errorf("arguments require a function, got expression %q", fn)
			}
			res, err := proto.RuntimeEvaluate{
				Expression:    fn + "\n//# sourceURL=" + evaluationSourceURL,
				ContextID:     ec.id,
				ReturnByValue: byValue,
				AwaitPromise:  true,
				UserGesture:   true,
			}.Call(s)
			if err != nil {
				return nil, nil, err
			}
			return res.Result, res.ExceptionDetails, nil
		}

		encoded, err := encodeArgs(ec, args)
		if err != nil {
			return nil, nil, err
		}
		res, err := proto.RuntimeCallFunctionOn{
			FunctionDeclaration: fn + "\n//# sourceURL=" + evaluationSourceURL,
			ExecutionContextID:  ec.id,
			Arguments:           encoded,
			ReturnByValue:       byValue,
			AwaitPromise:        true,
			UserGesture:         true,
		}.Call(s)
		if err != nil {
			return nil, nil, err
		}
		return res.Result, res.ExceptionDetails, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return obj, err
}

type sendFunc func(s protocol.Session) (*proto.RuntimeRemoteObject, *proto.RuntimeExceptionDetails, error)

// send issues one command against the context. It returns ErrContextGone as
// soon as the context becomes terminal, even if the command is still pending.
func (ec *ExecutionContext) send(ctx context.Context, fn sendFunc) (*proto.RuntimeRemoteObject, error) {
	if ec.isGone() {
		return nil, ErrContextGone
	}
	if d := ec.m.opts.CommandTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		obj *proto.RuntimeRemoteObject
		exc *proto.RuntimeExceptionDetails
		err error
	}
	ch := make(chan result, 1)
	go func() {
		obj, exc, err := fn(protocol.WithContext(ec.session, callCtx))
		ch <- result{obj, exc, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, wrapGone(r.err)
		}
		if r.exc != nil {
			return nil, evaluationError(r.exc)
		}
		if r.obj == nil {
			return nil, errors.New("empty evaluation result")
		}
		return r.obj, nil
	case <-ec.done:
		return nil, ErrContextGone
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ec *ExecutionContext) adopt(obj *proto.RuntimeRemoteObject) (*Handle, error) {
	h := &Handle{ec: ec, obj: obj}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.isGone() {
		return nil, ErrContextGone
	}
	ec.handles[h] = struct{}{}
	return h, nil
}

func (ec *ExecutionContext) forget(h *Handle) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	delete(ec.handles, h)
}

func (ec *ExecutionContext) hasBinding(name string) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	_, ok := ec.bindings[name]
	return ok
}

func (ec *ExecutionContext) binding(name string) *Binding {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.bindings[name]
}

// addBinding installs b once per context. Concurrent installs of the same
// name issue a single Runtime.addBinding.
func (ec *ExecutionContext) addBinding(ctx context.Context, b *Binding) error {
	ec.mu.Lock()
	if _, ok := ec.bindings[b.name]; ok {
		ec.mu.Unlock()
		return nil
	}
	ec.bindings[b.name] = b
	ec.mu.Unlock()

	err := ec.installBinding(ctx, b)
	if err != nil {
		ec.mu.Lock()
		if ec.bindings[b.name] == b {
			delete(ec.bindings, b.name)
		}
		ec.mu.Unlock()
		return fmt.Errorf("add binding %s: %w", b.name, err)
	}
	ec.log.Debug("ExecutionContext:addBinding", zap.String("binding", b.name))
	return nil
}

func (ec *ExecutionContext) installBinding(ctx context.Context, b *Binding) error {
	_, err := ec.send(ctx, func(s protocol.Session) (*proto.RuntimeRemoteObject, *proto.RuntimeExceptionDetails, error) {
		if err := (proto.RuntimeAddBinding{Name: b.name, ExecutionContextID: ec.id}).Call(s); err != nil {
			return nil, nil, err
		}
		if !b.internal {
			return &proto.RuntimeRemoteObject{Type: proto.RuntimeRemoteObjectTypeUndefined}, nil, nil
		}
		res, err := proto.RuntimeEvaluate{
			Expression: bindingInitSource(b.name),
			ContextID:  ec.id,
		}.Call(s)
		if err != nil {
			return nil, nil, err
		}
		return &proto.RuntimeRemoteObject{Type: proto.RuntimeRemoteObjectTypeUndefined}, res.ExceptionDetails, nil
	})
	return err
}

func (ec *ExecutionContext) removeBinding(ctx context.Context, name string) error {
	ec.mu.Lock()
	_, ok := ec.bindings[name]
	delete(ec.bindings, name)
	ec.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := ec.send(ctx, func(s protocol.Session) (*proto.RuntimeRemoteObject, *proto.RuntimeExceptionDetails, error) {
		if err := (proto.RuntimeRemoveBinding{Name: name}).Call(s); err != nil {
			return nil, nil, err
		}
		return &proto.RuntimeRemoteObject{Type: proto.RuntimeRemoteObjectTypeUndefined}, nil, nil
	})
	return err
}

// onBindingCalled dispatches an internal binding call. It returns false when
// the call is not for an internal binding installed here, in which case the
// caller re-emits it.
func (ec *ExecutionContext) onBindingCalled(ev *proto.RuntimeBindingCalled) bool {
	p, ok := parseBindingPayload(ev.Payload)
	if !ok || p.Type != bindingTypeInternal {
		return false
	}
	b := ec.binding(p.Name)
	if b == nil || !b.internal {
		return false
	}
	return ec.m.dispatchBinding(ec, b, p)
}

// dispose makes the context terminal. Handles it created are disposed.
func (ec *ExecutionContext) dispose() bool {
	disposed := false
	ec.once.Do(func() {
		disposed = true
		ec.mu.Lock()
		close(ec.done)
		handles := ec.handles
		ec.handles = make(map[*Handle]struct{})
		ec.mu.Unlock()
		for h := range handles {
			h.markDisposed()
		}
		ec.log.Debug("ExecutionContext:dispose")
	})
	return disposed
}
