package frames

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"framekeeper/internal/protocol/protocoltest"

	"github.com/go-rod/rod/lib/proto"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachAndNavigateSingleFrame(t *testing.T) {
	e := newEnv(t)
	e.init(nil)

	e.s.Emit(&proto.PageFrameAttached{FrameID: "A"})
	e.s.Emit(&proto.PageFrameNavigated{Frame: pf("A", "", "https://a.test/", "L1"), Type: "Navigation"})
	e.settle()

	assert.Equal(t, 1, e.m.tree.Len())
	main := e.m.MainFrame()
	require.NotNil(t, main)
	assert.Equal(t, proto.PageFrameID("A"), main.ID())
	assert.Equal(t, "https://a.test/", main.URL())
	assert.Equal(t, proto.NetworkLoaderID("L1"), main.LoaderID())
	assert.Equal(t, Navigation{URL: "https://a.test/", Type: "Navigation", LoaderID: "L1"}, main.Navigation())
	assert.Equal(t, []string{"FrameAttached:A", "FrameNavigated:A"}, e.rec.strings())
}

func TestNavigationDetachesChildrenFirst(t *testing.T) {
	e := newEnv(t)
	e.init(nil)

	e.s.Emit(&proto.PageFrameAttached{FrameID: "A"})
	e.s.Emit(&proto.PageFrameAttached{FrameID: "B", ParentFrameID: "A"})
	e.settle()
	b := e.frame("B")
	assert.Same(t, e.frame("A"), b.ParentFrame())

	e.s.Emit(&proto.PageFrameNavigated{Frame: pf("A", "", "https://a.test/next", "L2")})
	e.settle()

	assert.Equal(t, []string{
		"FrameAttached:A",
		"FrameAttached:B",
		"FrameDetached:B",
		"FrameNavigated:A",
	}, e.rec.strings())
	assert.True(t, b.IsDetached())
	assert.Nil(t, e.m.Frame("B"))
	assert.Empty(t, e.frame("A").ChildFrames())
	assert.Equal(t, 1, e.m.tree.Len())
}

func TestMainFrameCrossProcessNavigationKeepsIdentity(t *testing.T) {
	e := newEnv(t)
	e.init(node(pf("A", "", "https://a.test/", "L1"), node(pf("B", "A", "https://b.test/", "LB"))))

	main := e.m.MainFrame()
	b := e.frame("B")

	e.s.Emit(&proto.PageFrameNavigated{Frame: pf("A2", "", "https://other.test/", "L2")})
	e.settle()

	assert.Same(t, main, e.m.MainFrame())
	assert.Equal(t, proto.PageFrameID("A2"), main.ID())
	assert.Nil(t, e.m.Frame("A"))
	assert.Same(t, main, e.m.Frame("A2"))
	assert.True(t, b.IsDetached())
	assert.Equal(t, 1, e.m.tree.Len())
	assert.Equal(t, "https://other.test/", main.URL())

	var detachedAt, navigatedAt int = -1, -1
	for i, ev := range e.rec.list() {
		switch {
		case ev.Type == FrameDetached && ev.Frame == b:
			detachedAt = i
		case ev.Type == FrameNavigated && ev.Frame == main && ev.ID == "A2":
			navigatedAt = i
		}
	}
	require.NotEqual(t, -1, detachedAt)
	assert.Less(t, detachedAt, navigatedAt)
}

func TestSameDocumentNavigationKeepsChildren(t *testing.T) {
	e := newEnv(t)
	e.init(node(pf("A", "", "https://a.test/", "L1"), node(pf("B", "A", "https://b.test/", "LB"))))

	e.s.Emit(&proto.PageNavigatedWithinDocument{FrameID: "A", URL: "https://a.test/#section"})
	e.settle()

	assert.Equal(t, "https://a.test/#section", e.frame("A").URL())
	assert.False(t, e.frame("B").IsDetached())
	events := e.rec.strings()
	i := e.rec.index("FrameNavigatedWithinDocument:A")
	require.NotEqual(t, -1, i)
	assert.Equal(t, "FrameNavigated:A", events[i+1])
}

func TestFrameDetachReasons(t *testing.T) {
	e := newEnv(t)
	e.init(node(pf("A", "", "https://a.test/", "L1"),
		node(pf("B", "A", "https://b.test/", "LB"),
			node(pf("C", "B", "https://c.test/", "LC")))))
	b, c := e.frame("B"), e.frame("C")

	e.s.Emit(&proto.PageFrameDetached{FrameID: "B", Reason: "swap"})
	e.settle()
	assert.True(t, e.rec.has("FrameSwapped:B"))
	assert.False(t, b.IsDetached())
	assert.Same(t, b, e.m.Frame("B"))

	e.s.Emit(&proto.PageFrameDetached{FrameID: "B", Reason: "remove"})
	e.settle()
	assert.True(t, b.IsDetached())
	assert.True(t, c.IsDetached())
	assert.Less(t, e.rec.index("FrameDetached:C"), e.rec.index("FrameDetached:B"))
	assert.Equal(t, 1, e.m.tree.Len())

	e.s.Emit(&proto.PageFrameDetached{FrameID: "missing", Reason: "remove"})
	e.settle()
}

func TestDisconnectTearsDownAfterGracePeriod(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.SwapGracePeriod = 20 * time.Millisecond })
	e.init(node(pf("A", "", "https://a.test/", "L1"), node(pf("B", "A", "https://b.test/", "LB"))))
	a, b := e.frame("A"), e.frame("B")

	e.s.Disconnect()

	require.Eventually(t, a.IsDetached, 2*time.Second, time.Millisecond)
	assert.True(t, b.IsDetached())
	assert.Nil(t, e.m.MainFrame())
	require.Eventually(t, func() bool { return e.rec.has("FrameDetached:A") }, time.Second, time.Millisecond)
	assert.Less(t, e.rec.index("FrameDetached:B"), e.rec.index("FrameDetached:A"))
}

func TestDisconnectOfUnreachableBrowserSkipsGracePeriod(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.SwapGracePeriod = time.Hour })
	e.init(node(pf("A", "", "https://a.test/", "L1")))
	a := e.frame("A")

	e.s.SetReachable(false)
	e.s.Disconnect()

	require.Eventually(t, a.IsDetached, 2*time.Second, time.Millisecond)
}

func TestActivationSwapCancelsTeardown(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.SwapGracePeriod = 50 * time.Millisecond })
	e.init(node(pf("A", "", "https://a.test/", "L1")))
	a := e.frame("A")

	next := protocoltest.NewSession("S2", "A2")
	e.s.Disconnect()
	require.NoError(t, e.m.SwapSession(testCtx(t), next))

	time.Sleep(150 * time.Millisecond)
	assert.False(t, a.IsDetached())
	assert.Same(t, a, e.m.MainFrame())
	assert.Equal(t, proto.PageFrameID("A2"), a.ID())
	assert.Equal(t, proto.TargetSessionID("S2"), a.Session().GetSessionID())
	assert.False(t, a.IsOOPFrame())
	assert.Equal(t, "https://a.test/", a.URL(), "the activated document is not re-navigated")
	require.Eventually(t, func() bool { return e.rec.has("FrameSwappedByActivation:A2") }, time.Second, time.Millisecond)
}

func TestStaleSessionContextIsIgnored(t *testing.T) {
	e := newEnv(t)
	e.init(node(pf("A", "", "https://a.test/", "L1"), node(pf("B", "A", "https://b.test/", "LB"))))
	b := e.frame("B")

	oop := protocoltest.NewSession("S2", "B")
	require.NoError(t, e.m.AttachSession(testCtx(t), oop))
	assert.Equal(t, proto.TargetSessionID("S2"), b.Session().GetSessionID())
	assert.True(t, b.IsOOPFrame())

	e.s.Emit(ctxCreated(5, "B", true, ""))
	e.settle()
	assert.Nil(t, b.MainRealm().slot(), "context from the superseded session must be ignored")

	oop.Emit(ctxCreated(7, "B", true, ""))
	ec := e.context(b.MainRealm())
	assert.Equal(t, proto.RuntimeExecutionContextID(7), ec.ID())
}

func TestAttachOnOtherSessionRehomesFrame(t *testing.T) {
	e := newEnv(t)
	e.init(node(pf("A", "", "https://a.test/", "L1"), node(pf("B", "A", "https://b.test/", "LB"))))
	b := e.frame("B")

	oop := protocoltest.NewSession("S2", "B")
	require.NoError(t, e.m.AttachSession(testCtx(t), oop))
	oop.Emit(ctxCreated(3, "B", true, ""))
	oopCtx := e.context(b.MainRealm())

	e.s.Emit(&proto.PageFrameAttached{FrameID: "B", ParentFrameID: "A"})
	e.settle()

	assert.Same(t, b, e.m.Frame("B"), "re-home must not create a second frame")
	assert.Equal(t, proto.TargetSessionID("S1"), b.Session().GetSessionID())
	assert.False(t, b.IsOOPFrame())
	assert.Nil(t, b.MainRealm().slot())
	select {
	case <-oopCtx.Done():
	default:
		t.Fatal("context of the previous session must be terminal")
	}
	assert.Equal(t, 1, e.rec.count("FrameAttached:B"))
}

func TestLostFrameSessionDetachesItsFrames(t *testing.T) {
	e := newEnv(t)
	e.init(node(pf("A", "", "https://a.test/", "L1"),
		node(pf("B", "A", "https://b.test/", "LB")),
		node(pf("D", "A", "https://d.test/", "LD"))))
	b, d := e.frame("B"), e.frame("D")

	oop := protocoltest.NewSession("S2", "B")
	oop.Respond("Page.getFrameTree", &proto.PageGetFrameTreeResult{
		FrameTree: node(pf("B", "A", "https://b.test/", "LB"), node(pf("C", "B", "https://c.test/", "LC"))),
	})
	require.NoError(t, e.m.AttachSession(testCtx(t), oop))
	e.settleOn(oop)
	c := e.frame("C")
	require.True(t, b.IsOOPFrame())

	oop.Disconnect()
	require.Eventually(t, b.IsDetached, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return e.rec.has("FrameDetached:B") }, time.Second, time.Millisecond)

	assert.True(t, c.IsDetached())
	assert.Nil(t, e.m.Frame("B"))
	assert.Nil(t, e.m.Frame("C"))
	assert.False(t, d.IsDetached())
	assert.Same(t, d, e.m.Frame("D"))
	assert.Less(t, e.rec.index("FrameDetached:C"), e.rec.index("FrameDetached:B"))
}

func TestLostFrameSessionSparesRehomedFrames(t *testing.T) {
	e := newEnv(t)
	e.init(node(pf("A", "", "https://a.test/", "L1"), node(pf("B", "A", "https://b.test/", "LB"))))
	b := e.frame("B")

	oop := protocoltest.NewSession("S2", "B")
	require.NoError(t, e.m.AttachSession(testCtx(t), oop))
	e.s.Emit(&proto.PageFrameAttached{FrameID: "B", ParentFrameID: "A"})
	e.settle()
	require.False(t, b.IsOOPFrame())

	oop.Disconnect()
	assert.Never(t, b.IsDetached, 100*time.Millisecond, 5*time.Millisecond)
	e.settle()
	assert.Same(t, b, e.m.Frame("B"))
	assert.False(t, e.rec.has("FrameDetached:B"))
}

func TestDeferredNavigationAcrossSessions(t *testing.T) {
	e := newEnv(t)
	e.init(node(pf("A", "", "https://a.test/", "L1")))

	oop := protocoltest.NewSession("S2", "Y")
	require.NoError(t, e.m.AttachSession(testCtx(t), oop))

	oop.Emit(&proto.PageFrameNavigated{Frame: pf("X", "A", "https://x.test/", "LX")})
	e.settleOn(oop)
	assert.Nil(t, e.m.Frame("X"))

	e.s.Emit(&proto.PageFrameAttached{FrameID: "X", ParentFrameID: "A"})
	require.Eventually(t, func() bool {
		f := e.m.Frame("X")
		return f != nil && f.URL() == "https://x.test/"
	}, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return e.rec.has("FrameNavigated:X") }, time.Second, time.Millisecond)
	assert.Less(t, e.rec.index("FrameAttached:X"), e.rec.index("FrameNavigated:X"))
}

func TestDeferredNavigationTimesOut(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.FrameWaitTimeout = 20 * time.Millisecond })
	e.init(node(pf("A", "", "https://a.test/", "L1")))

	e.s.Emit(&proto.PageFrameNavigated{Frame: pf("Q", "A", "https://q.test/", "LQ")})
	e.settle()
	time.Sleep(80 * time.Millisecond)

	e.s.Emit(&proto.PageFrameAttached{FrameID: "Q", ParentFrameID: "A"})
	e.settle()
	assert.Empty(t, e.frame("Q").URL(), "the timed out navigation is dropped")
	assert.False(t, e.rec.has("FrameNavigated:Q"))
}

func TestSnapshotThenLiveOrdering(t *testing.T) {
	tree := node(pf("A", "", "https://snap.test/", "L1"), node(pf("B", "A", "https://b.test/", "LB")))
	live := []proto.Event{
		&proto.PageNavigatedWithinDocument{FrameID: "A", URL: "https://snap.test/#live"},
		&proto.PageFrameAttached{FrameID: "C", ParentFrameID: "A"},
		&proto.PageFrameNavigated{Frame: pf("C", "A", "https://c.test/", "LC")},
		&proto.PageLifecycleEvent{FrameID: "C", LoaderID: "LC", Name: "init"},
	}

	racing := newEnv(t)
	racing.s.Handle("Page.getFrameTree", func(context.Context, json.RawMessage) (interface{}, error) {
		for _, ev := range live {
			racing.s.Emit(ev)
		}
		return &proto.PageGetFrameTreeResult{FrameTree: tree}, nil
	})
	require.NoError(t, racing.m.Initialize(testCtx(t)))
	racing.settle()

	ordered := newEnv(t)
	ordered.init(tree)
	for _, ev := range live {
		ordered.s.Emit(ev)
	}
	ordered.settle()

	want := ordered.m.Snapshot()
	require.NotNil(t, want)
	assert.Equal(t, "https://snap.test/#live", want.URL)
	require.Len(t, want.Children, 2)
	assert.Equal(t, "B", want.Children[0].ID)
	assert.Equal(t, "C", want.Children[1].ID)
	if diff := cmp.Diff(want, racing.m.Snapshot()); diff != "" {
		t.Errorf("frame tree mismatch (-snapshot first +racing):\n%s", diff)
	}
}

func TestBufferedNavigationOfSnapshotDocumentIsNotReapplied(t *testing.T) {
	tree := node(pf("A", "", "https://a.test/", "L1"), node(pf("B", "A", "https://b.test/", "LB")))

	e := newEnv(t)
	e.s.Handle("Page.getFrameTree", func(context.Context, json.RawMessage) (interface{}, error) {
		e.s.Emit(&proto.PageFrameNavigated{Frame: pf("A", "", "https://a.test/", "L1")})
		return &proto.PageGetFrameTreeResult{FrameTree: tree}, nil
	})
	require.NoError(t, e.m.Initialize(testCtx(t)))
	e.settle()

	assert.Equal(t, 1, e.rec.count("FrameNavigated:A"))
	assert.False(t, e.frame("B").IsDetached())
}

func TestStaleBufferedNavigationsAreSuperseded(t *testing.T) {
	tree := node(pf("A", "", "https://two.test/", "L2"), node(pf("B", "A", "https://b.test/", "LB")))

	e := newEnv(t)
	e.s.Handle("Page.getFrameTree", func(context.Context, json.RawMessage) (interface{}, error) {
		e.s.Emit(&proto.PageFrameNavigated{Frame: pf("A", "", "https://one.test/", "L1")})
		e.s.Emit(&proto.PageFrameNavigated{Frame: pf("A", "", "https://two.test/", "L2")})
		return &proto.PageGetFrameTreeResult{FrameTree: tree}, nil
	})
	require.NoError(t, e.m.Initialize(testCtx(t)))
	e.settle()

	main := e.m.MainFrame()
	require.NotNil(t, main)
	assert.Equal(t, "https://two.test/", main.URL())
	assert.Equal(t, proto.NetworkLoaderID("L2"), main.LoaderID())
	assert.False(t, e.frame("B").IsDetached())
	assert.Equal(t, 1, e.rec.count("FrameNavigated:A"))
	assert.False(t, e.rec.has("FrameDetached:B"))

	// live navigations after the barrier still apply
	e.s.Emit(&proto.PageFrameNavigated{Frame: pf("A", "", "https://three.test/", "L3")})
	e.settle()
	assert.Equal(t, "https://three.test/", main.URL())
	assert.True(t, e.rec.has("FrameDetached:B"))
}

func TestInitializeFailureReleasesBarrier(t *testing.T) {
	e := newEnv(t)
	e.s.Fail("Page.getFrameTree", errors.New("boom"))

	err := e.m.Initialize(testCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	e.s.Emit(&proto.PageFrameAttached{FrameID: "A"})
	e.settle()
	assert.NotNil(t, e.m.Frame("A"))
}

func TestInitializeEnablesDomains(t *testing.T) {
	e := newEnv(t)
	e.init(nil)

	for _, method := range []string{
		"Page.enable",
		"Page.getFrameTree",
		"Page.setLifecycleEventsEnabled",
		"Runtime.enable",
		"Target.setAutoAttach",
	} {
		assert.Len(t, e.s.Calls(method), 1, method)
	}
	auto := decodeCalls[proto.TargetSetAutoAttach](t, e.s, "Target.setAutoAttach")
	assert.True(t, auto[0].Flatten)
}

func TestLifecycleLog(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.LifecycleLogLimit = 3 })
	e.init(node(pf("A", "", "https://a.test/", "L1")))
	a := e.frame("A")

	e.s.Emit(&proto.PageFrameStartedLoading{FrameID: "A"})
	e.settle()
	assert.True(t, a.IsLoading())
	assert.True(t, a.HasStartedLoading())

	e.s.Emit(&proto.PageLifecycleEvent{FrameID: "A", LoaderID: "L2", Name: "init"})
	e.s.Emit(&proto.PageLifecycleEvent{FrameID: "A", LoaderID: "L2", Name: "DOMContentLoaded"})
	e.s.Emit(&proto.PageLifecycleEvent{FrameID: "A", LoaderID: "L2", Name: "firstPaint"})
	e.settle()
	assert.Equal(t, proto.NetworkLoaderID("L2"), a.LoaderID())
	assert.Equal(t, []string{"init", "DOMContentLoaded", "firstPaint"}, a.LifecycleEvents())

	e.s.Emit(&proto.PageFrameStoppedLoading{FrameID: "A"})
	e.settle()
	assert.False(t, a.IsLoading())
	assert.Equal(t, []string{"DOMContentLoaded", "firstPaint", "load"}, a.LifecycleEvents())
	assert.True(t, a.HasLifecycleEvent("load"))

	e.s.Emit(&proto.PageLifecycleEvent{FrameID: "A", LoaderID: "L3", Name: "init"})
	e.settle()
	assert.Equal(t, []string{"init"}, a.LifecycleEvents())
	assert.True(t, e.rec.has("LifecycleEvent:A:firstPaint"))
	assert.True(t, e.rec.has("LifecycleEvent:A:load"))
}

func TestFramesOrderAndSnapshot(t *testing.T) {
	e := newEnv(t)
	e.init(node(pf("A", "", "https://a.test/", "L1"),
		node(pf("B", "A", "https://b.test/", "LB"), node(pf("D", "B", "https://d.test/", "LD"))),
		node(pf("C", "A", "https://c.test/", "LC"))))

	var ids []proto.PageFrameID
	for _, f := range e.m.Frames() {
		ids = append(ids, f.ID())
	}
	assert.Equal(t, []proto.PageFrameID{"A", "B", "D", "C"}, ids)

	snap, err := e.m.SnapshotFrame("B")
	require.NoError(t, err)
	assert.Equal(t, "https://b.test/", snap.URL)
	require.Len(t, snap.Children, 1)
	assert.Equal(t, "D", snap.Children[0].ID)

	_, err = e.m.SnapshotFrame("nope")
	assert.ErrorIs(t, err, ErrFrameNotFound)
}

func TestWaitForFrame(t *testing.T) {
	e := newEnv(t)
	e.init(node(pf("A", "", "https://a.test/", "L1")))

	ctx := testCtx(t)
	got := make(chan *Frame, 1)
	go func() {
		f, err := e.m.WaitForFrame(ctx, "B")
		assert.NoError(t, err)
		got <- f
	}()
	e.s.Emit(&proto.PageFrameAttached{FrameID: "B", ParentFrameID: "A"})

	select {
	case f := <-got:
		assert.Equal(t, proto.PageFrameID("B"), f.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForFrame did not return")
	}
}

func TestSwapGracePeriodIsAdjustable(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, 100*time.Millisecond, e.m.SwapGracePeriod())
	e.m.SetSwapGracePeriod(time.Second)
	assert.Equal(t, time.Second, e.m.SwapGracePeriod())
	e.m.SetSwapGracePeriod(0)
	assert.Equal(t, 100*time.Millisecond, e.m.SwapGracePeriod())
}

func TestCloseTearsDownTree(t *testing.T) {
	e := newEnv(t)
	e.init(node(pf("A", "", "https://a.test/", "L1"), node(pf("B", "A", "https://b.test/", "LB"))))
	a, b := e.frame("A"), e.frame("B")
	e.s.Emit(ctxCreated(1, "A", true, ""))
	ec := e.context(a.MainRealm())

	require.NoError(t, e.m.Close())

	assert.True(t, a.IsDetached())
	assert.True(t, b.IsDetached())
	assert.Empty(t, e.m.Frames())
	assert.Nil(t, e.m.MainFrame())
	assert.Less(t, e.rec.index("FrameDetached:B"), e.rec.index("FrameDetached:A"))
	select {
	case <-ec.Done():
	default:
		t.Fatal("context must be terminal after close")
	}

	_, err := a.MainRealm().Context(testCtx(t))
	assert.ErrorIs(t, err, ErrFrameDetached)
	assert.ErrorIs(t, e.m.AddBinding(testCtx(t), NewExternalBinding("x")), ErrClosed)
	_, err = e.m.EvaluateOnNewDocument(testCtx(t), "1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.m.Initialize(testCtx(t)), ErrClosed)
}
