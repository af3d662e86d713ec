// Package protocol adapts a Chrome DevTools Protocol connection into ordered,
// per-session message streams that the frame tracking layer consumes.
//
// A Session satisfies the rod proto.Client contract, so typed commands from
// github.com/go-rod/rod/lib/proto can be issued directly against it:
//
//	res, err := proto.PageGetFrameTree{}.Call(session)
package protocol

import (
	"context"
	"encoding/json"

	"github.com/go-rod/rod/lib/proto"
)

// Session is one protocol session: the primary page session or the session
// of an out-of-process frame. Messages are delivered in arrival order.
type Session interface {
	// Call sends a command on the session. It matches proto.Client.
	Call(ctx context.Context, sessionID, method string, params interface{}) ([]byte, error)
	// GetSessionID matches proto.Sessionable.
	GetSessionID() proto.TargetSessionID
	// GetContext matches proto.Contextable.
	GetContext() context.Context
	// TargetID is the target this session is attached to. For frame targets
	// it equals the frame id.
	TargetID() proto.TargetTargetID
	// Messages streams the session's events in order.
	Messages() <-chan *Message
	// Disconnected is closed once the session is detached.
	Disconnected() <-chan struct{}
	// Reachable reports whether the browser connection that owns this
	// session is still open.
	Reachable() bool
}

// Message is a raw protocol event routed to a session.
type Message struct {
	SessionID proto.TargetSessionID
	Method    string
	Params    json.RawMessage
}

// Load decodes the message into e if the method matches.
func (m *Message) Load(e proto.Event) bool {
	if m == nil || m.Method != e.ProtoEvent() {
		return false
	}
	if len(m.Params) == 0 {
		return true
	}
	return json.Unmarshal(m.Params, e) == nil
}

// NewMessage encodes a typed event as a Message for the given session.
func NewMessage(sessionID proto.TargetSessionID, e proto.Event) (*Message, error) {
	params, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return &Message{SessionID: sessionID, Method: e.ProtoEvent(), Params: params}, nil
}

type scoped struct {
	Session
	ctx context.Context
}

func (s scoped) GetContext() context.Context { return s.ctx }

// WithContext returns a view of s whose commands run under ctx.
func WithContext(s Session, ctx context.Context) Session {
	if sc, ok := s.(scoped); ok {
		s = sc.Session
	}
	return scoped{Session: s, ctx: ctx}
}

// SameSession reports whether a and b refer to the same protocol session.
func SameSession(a, b Session) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.GetSessionID() == b.GetSessionID()
}
