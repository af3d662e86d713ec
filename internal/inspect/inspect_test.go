package inspect

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"framekeeper/internal/frames"

	"github.com/go-rod/rod/lib/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSource struct {
	tree *frames.FrameSnapshot
}

func (f *fakeSource) Snapshot() *frames.FrameSnapshot { return f.tree }

func (f *fakeSource) SnapshotFrame(id proto.PageFrameID) (*frames.FrameSnapshot, error) {
	var find func(s *frames.FrameSnapshot) *frames.FrameSnapshot
	find = func(s *frames.FrameSnapshot) *frames.FrameSnapshot {
		if s == nil {
			return nil
		}
		if s.ID == string(id) {
			return s
		}
		for _, c := range s.Children {
			if got := find(c); got != nil {
				return got
			}
		}
		return nil
	}
	if got := find(f.tree); got != nil {
		return got, nil
	}
	return nil, frames.ErrFrameNotFound
}

func (f *fakeSource) Bindings() []string { return []string{"ping"} }
func (f *fakeSource) Scripts() []string  { return []string{"script-1"} }

func newServer(t *testing.T, src Source) *httptest.Server {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "framekeeper_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	srv := httptest.NewServer(New(src, reg, zaptest.NewLogger(t)))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	res, err := http.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, body
}

func TestFramesEndpoints(t *testing.T) {
	src := &fakeSource{tree: &frames.FrameSnapshot{
		ID:  "A",
		URL: "https://a.test/",
		Children: []*frames.FrameSnapshot{
			{ID: "B", ParentID: "A", URL: "https://b.test/"},
		},
	}}
	srv := newServer(t, src)

	res, body := get(t, srv.URL+"/frames/")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
	var tree frames.FrameSnapshot
	require.NoError(t, json.Unmarshal(body, &tree))
	assert.Equal(t, "A", tree.ID)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, "https://b.test/", tree.Children[0].URL)

	res, body = get(t, srv.URL+"/frames/B")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	var one frames.FrameSnapshot
	require.NoError(t, json.Unmarshal(body, &one))
	assert.Equal(t, "A", one.ParentID)

	res, body = get(t, srv.URL+"/frames/nope")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Contains(t, string(body), "frame nope not found")
}

func TestFramesBeforeFirstNavigation(t *testing.T) {
	srv := newServer(t, &fakeSource{})
	res, _ := get(t, srv.URL+"/frames/")
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestHealthzInstrumentationAndMetrics(t *testing.T) {
	srv := newServer(t, &fakeSource{})

	res, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	res, body = get(t, srv.URL+"/instrumentation")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"bindings":["ping"],"scripts":["script-1"]}`, string(body))

	res, body = get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "framekeeper_test_total 1")
}

func TestServeStopsWithContext(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, New(&fakeSource{}, prometheus.NewRegistry(), nil), zaptest.NewLogger(t)) }()

	require.Eventually(t, func() bool {
		res, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		res.Body.Close()
		return res.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
