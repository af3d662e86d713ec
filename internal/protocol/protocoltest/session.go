// Package protocoltest provides a scripted, in-memory protocol.Session for
// tests of components that consume protocol events.
package protocoltest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"framekeeper/internal/protocol"

	"github.com/go-rod/rod/lib/proto"
)

// Handler answers one command. The returned value is JSON encoded as the
// command result.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Call is one recorded command.
type Call struct {
	Method string
	Params json.RawMessage
}

// Decode unmarshals the recorded params into v.
func (c Call) Decode(v interface{}) error {
	return json.Unmarshal(c.Params, v)
}

// Session is a fake protocol.Session. Commands without a handler succeed
// with an empty result.
type Session struct {
	id     proto.TargetSessionID
	target proto.TargetTargetID
	ctx    context.Context

	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call

	emitMu       sync.Mutex
	gone         bool
	msgs         chan *protocol.Message
	disconnected chan struct{}
	once         sync.Once
	unreachable  atomic.Bool
}

// NewSession returns a session with the given session and target ids.
func NewSession(id, target string) *Session {
	return &Session{
		id:           proto.TargetSessionID(id),
		target:       proto.TargetTargetID(target),
		ctx:          context.Background(),
		handlers:     make(map[string]Handler),
		msgs:         make(chan *protocol.Message, 1024),
		disconnected: make(chan struct{}),
	}
}

// Handle installs h for method.
func (s *Session) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Respond makes method always succeed with result.
func (s *Session) Respond(method string, result interface{}) {
	s.Handle(method, func(context.Context, json.RawMessage) (interface{}, error) {
		return result, nil
	})
}

// Fail makes method always fail with err.
func (s *Session) Fail(method string, err error) {
	s.Handle(method, func(context.Context, json.RawMessage) (interface{}, error) {
		return nil, err
	})
}

// Emit queues a typed event for delivery. Events emitted after Disconnect
// are dropped.
func (s *Session) Emit(e proto.Event) {
	msg, err := protocol.NewMessage(s.id, e)
	if err != nil {
		panic(fmt.Sprintf("protocoltest: encode %s: %v", e.ProtoEvent(), err))
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.gone {
		return
	}
	s.msgs <- msg
}

// Disconnect detaches the session. Events already emitted are still
// delivered, then Messages is closed.
func (s *Session) Disconnect() {
	s.once.Do(func() {
		close(s.disconnected)
		s.emitMu.Lock()
		s.gone = true
		close(s.msgs)
		s.emitMu.Unlock()
	})
}

// SetReachable toggles whether the owning browser is considered connected.
func (s *Session) SetReachable(ok bool) {
	s.unreachable.Store(!ok)
}

// Calls returns the recorded commands for method, or all commands when
// method is empty.
func (s *Session) Calls(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Call implements protocol.Session.
func (s *Session) Call(ctx context.Context, _ string, method string, params interface{}) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: method, Params: raw})
	h := s.handlers[method]
	s.mu.Unlock()

	select {
	case <-s.disconnected:
		return nil, fmt.Errorf("protocoltest: session %s detached", s.id)
	default:
	}
	if h == nil {
		return []byte("{}"), nil
	}
	res, err := h(ctx, raw)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(res)
}

// GetSessionID implements protocol.Session.
func (s *Session) GetSessionID() proto.TargetSessionID { return s.id }

// GetContext implements protocol.Session.
func (s *Session) GetContext() context.Context { return s.ctx }

// TargetID implements protocol.Session.
func (s *Session) TargetID() proto.TargetTargetID { return s.target }

// Messages implements protocol.Session.
func (s *Session) Messages() <-chan *protocol.Message { return s.msgs }

// Disconnected implements protocol.Session.
func (s *Session) Disconnected() <-chan struct{} { return s.disconnected }

// Reachable implements protocol.Session.
func (s *Session) Reachable() bool { return !s.unreachable.Load() }
