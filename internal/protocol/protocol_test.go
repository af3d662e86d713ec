package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMessageLoad(t *testing.T) {
	msg, err := NewMessage("S1", &proto.PageFrameAttached{FrameID: "B", ParentFrameID: "A"})
	require.NoError(t, err)
	assert.Equal(t, "Page.frameAttached", msg.Method)

	var attached proto.PageFrameAttached
	require.True(t, msg.Load(&attached))
	assert.Equal(t, proto.PageFrameID("B"), attached.FrameID)
	assert.Equal(t, proto.PageFrameID("A"), attached.ParentFrameID)

	var detached proto.PageFrameDetached
	assert.False(t, msg.Load(&detached), "method mismatch must not decode")

	var nilMsg *Message
	assert.False(t, nilMsg.Load(&attached))
}

func TestQueuePreservesOrder(t *testing.T) {
	q := newQueue(context.Background())
	defer q.close()

	for i := 0; i < 100; i++ {
		q.push(&Message{Method: string(rune('a' + i%26)), Params: []byte{byte(i)}})
	}
	for i := 0; i < 100; i++ {
		select {
		case m := <-q.out:
			require.Equal(t, byte(i), m.Params[0])
		case <-time.After(time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}
	assert.Zero(t, q.len())
}

func TestQueueCloseDeliversBacklog(t *testing.T) {
	q := newQueue(context.Background())
	for i := 0; i < 50; i++ {
		q.push(&Message{Method: "Page.frameDetached", Params: []byte{byte(i)}})
	}
	q.close()
	q.push(&Message{Method: "Page.frameAttached"})

	var got []byte
	deadline := time.After(time.Second)
	for {
		select {
		case m, ok := <-q.out:
			if !ok {
				require.Len(t, got, 50, "every message queued before close is delivered")
				for i, b := range got {
					assert.Equal(t, byte(i), b)
				}
				return
			}
			assert.Equal(t, "Page.frameDetached", m.Method)
			got = append(got, m.Params[0])
		case <-deadline:
			t.Fatal("queue did not close")
		}
	}
}

func TestQueueCancelAbandonsBacklog(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := newQueue(ctx)
	q.push(&Message{Method: "Page.frameAttached"})
	q.push(&Message{Method: "Page.frameAttached"})
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-q.out:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("queue did not close")
		}
	}
}

func TestConnRoutesBySession(t *testing.T) {
	c := newConn(nil)
	defer c.shutdown()

	s := c.sessionFor("S1", "T1")

	msg, err := NewMessage("S1", &proto.PageFrameStartedLoading{FrameID: "A"})
	require.NoError(t, err)
	c.route(msg)

	orphan, err := NewMessage("S9", &proto.PageFrameStartedLoading{FrameID: "Z"})
	require.NoError(t, err)
	c.route(orphan)

	select {
	case got := <-s.Messages():
		var ev proto.PageFrameStartedLoading
		require.True(t, got.Load(&ev))
		assert.Equal(t, proto.PageFrameID("A"), ev.FrameID)
	case <-time.After(time.Second):
		t.Fatal("event not routed")
	}
	assert.Same(t, s, c.sessionFor("S1", "T1"))
	assert.True(t, s.Reachable())
}

func TestConnAdoptAndDetach(t *testing.T) {
	c := newConn(nil)

	adopted := make(chan Session, 1)
	c.OnAttach(func(s Session, info *proto.TargetTargetInfo) {
		if string(info.Type) == "iframe" {
			adopted <- s
		}
	})

	attach, err := NewMessage("S1", &proto.TargetAttachedToTarget{
		SessionID:  "S2",
		TargetInfo: &proto.TargetTargetInfo{TargetID: "B", Type: "iframe"},
	})
	require.NoError(t, err)
	c.route(attach)

	var s Session
	select {
	case s = <-adopted:
	case <-time.After(time.Second):
		t.Fatal("attach callback not invoked")
	}
	assert.Equal(t, proto.TargetSessionID("S2"), s.GetSessionID())
	assert.Equal(t, proto.TargetTargetID("B"), s.TargetID())

	last, err := NewMessage("S2", &proto.PageFrameDetached{FrameID: "C"})
	require.NoError(t, err)
	c.route(last)

	detach, err := NewMessage("S1", &proto.TargetDetachedFromTarget{SessionID: "S2"})
	require.NoError(t, err)
	c.route(detach)

	select {
	case <-s.Disconnected():
	case <-time.After(time.Second):
		t.Fatal("session not detached")
	}

	// events routed before the detach are still handed over
	select {
	case got, ok := <-s.Messages():
		require.True(t, ok)
		assert.Equal(t, "Page.frameDetached", got.Method)
	case <-time.After(time.Second):
		t.Fatal("last event lost")
	}
	select {
	case _, ok := <-s.Messages():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("messages not closed after detach")
	}

	c.shutdown()
	assert.False(t, s.Reachable())
	<-c.Closed()
}
