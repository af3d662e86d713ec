package protocol

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// AttachFunc is called for every target the browser auto-attaches.
type AttachFunc func(s Session, info *proto.TargetTargetInfo)

// Conn multiplexes one CDP websocket into sessions. Events carrying a
// session id are queued on that session in arrival order; Target attach and
// detach events are consumed by the connection itself.
type Conn struct {
	client *cdp.Client
	ws     *cdp.WebSocket
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[proto.TargetSessionID]*session
	onAttach []AttachFunc
	root     *session

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens a websocket to the browser's debugger URL.
func Dial(ctx context.Context, wsURL string, log *zap.Logger) (*Conn, error) {
	ws := &cdp.WebSocket{}
	if err := ws.Connect(ctx, wsURL, nil); err != nil {
		return nil, fmt.Errorf("connect %s: %w", wsURL, err)
	}
	c := newConn(log)
	c.ws = ws
	c.client = cdp.New().Start(ws)
	go c.pump(c.client.Event())
	return c, nil
}

func newConn(log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		log:      log.Named("session"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[proto.TargetSessionID]*session),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.root = &session{conn: c, detached: make(chan struct{})}
	return c
}

// Root is the browser-level session (empty session id).
func (c *Conn) Root() Session { return c.root }

// OnAttach registers fn for auto-attached targets. Callbacks run on their own
// goroutine so they may issue commands.
func (c *Conn) OnAttach(fn AttachFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAttach = append(c.onAttach, fn)
}

// AttachToTarget attaches to a target in flat mode and returns its session.
func (c *Conn) AttachToTarget(ctx context.Context, targetID proto.TargetTargetID) (Session, error) {
	res, err := proto.TargetAttachToTarget{TargetID: targetID, Flatten: true}.Call(WithContext(c.root, ctx))
	if err != nil {
		return nil, fmt.Errorf("attach to target %s: %w", targetID, err)
	}
	return c.sessionFor(res.SessionID, targetID), nil
}

// Closed is closed once the websocket is gone.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// Close tears down every session and the websocket.
func (c *Conn) Close() error {
	c.shutdown()
	if c.ws == nil {
		return nil
	}
	return c.ws.Close()
}

func (c *Conn) call(ctx context.Context, sessionID, method string, params interface{}) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, cdp.ErrSessionNotFound
	default:
	}
	return c.client.Call(ctx, sessionID, method, params)
}

func (c *Conn) pump(events <-chan *cdp.Event) {
	defer close(c.done)
	defer c.shutdown()
	for ev := range events {
		c.route(&Message{
			SessionID: proto.TargetSessionID(ev.SessionID),
			Method:    ev.Method,
			Params:    ev.Params,
		})
	}
	c.log.Debug("event stream closed")
}

func (c *Conn) route(msg *Message) {
	var attached proto.TargetAttachedToTarget
	var detached proto.TargetDetachedFromTarget
	switch {
	case msg.Load(&attached):
		c.adopt(&attached)
		return
	case msg.Load(&detached):
		c.detach(detached.SessionID)
		return
	}

	c.mu.Lock()
	s := c.sessions[msg.SessionID]
	c.mu.Unlock()
	if s == nil || s.q == nil {
		c.log.Debug("dropping event for unknown session",
			zap.String("sid", string(msg.SessionID)), zap.String("method", msg.Method))
		return
	}
	s.q.push(msg)
}

func (c *Conn) adopt(ev *proto.TargetAttachedToTarget) {
	if ev.TargetInfo == nil {
		return
	}
	s := c.sessionFor(ev.SessionID, ev.TargetInfo.TargetID)
	c.log.Debug("target attached",
		zap.String("sid", string(ev.SessionID)),
		zap.String("target", string(ev.TargetInfo.TargetID)),
		zap.String("type", string(ev.TargetInfo.Type)))

	c.mu.Lock()
	handlers := append([]AttachFunc(nil), c.onAttach...)
	c.mu.Unlock()
	for _, h := range handlers {
		go h(s, ev.TargetInfo)
	}
	if ev.WaitingForDebugger {
		go func() {
			if err := (proto.RuntimeRunIfWaitingForDebugger{}).Call(s); err != nil {
				c.log.Debug("resume target", zap.String("sid", string(s.id)), zap.Error(err))
			}
		}()
	}
}

func (c *Conn) detach(id proto.TargetSessionID) {
	c.mu.Lock()
	s := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()
	if s != nil {
		c.log.Debug("target detached", zap.String("sid", string(id)))
		s.close()
	}
}

func (c *Conn) sessionFor(id proto.TargetSessionID, target proto.TargetTargetID) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[id]; ok {
		return s
	}
	s := &session{
		conn:     c,
		id:       id,
		target:   target,
		q:        newQueue(c.ctx),
		detached: make(chan struct{}),
	}
	c.sessions[id] = s
	return s
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		c.mu.Lock()
		sessions := make([]*session, 0, len(c.sessions))
		for id, s := range c.sessions {
			sessions = append(sessions, s)
			delete(c.sessions, id)
		}
		c.mu.Unlock()
		for _, s := range sessions {
			s.close()
		}
		c.root.close()
	})
}

type session struct {
	conn     *Conn
	id       proto.TargetSessionID
	target   proto.TargetTargetID
	q        *queue
	detached chan struct{}
	once     sync.Once
}

func (s *session) Call(ctx context.Context, sessionID, method string, params interface{}) ([]byte, error) {
	return s.conn.call(ctx, sessionID, method, params)
}

func (s *session) GetSessionID() proto.TargetSessionID { return s.id }

func (s *session) GetContext() context.Context { return s.conn.ctx }

func (s *session) TargetID() proto.TargetTargetID { return s.target }

func (s *session) Messages() <-chan *Message {
	if s.q == nil {
		return nil
	}
	return s.q.out
}

func (s *session) Disconnected() <-chan struct{} { return s.detached }

func (s *session) Reachable() bool {
	select {
	case <-s.conn.closed:
		return false
	default:
		return true
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.detached)
		if s.q != nil {
			s.q.close()
		}
	})
}
