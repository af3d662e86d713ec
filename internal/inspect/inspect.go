// Package inspect serves a read-only HTTP view of a tracked page: the frame
// tree, registered instrumentation and Prometheus metrics.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"framekeeper/internal/frames"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-rod/rod/lib/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Source is what the server reads from. *frames.Manager implements it.
type Source interface {
	Snapshot() *frames.FrameSnapshot
	SnapshotFrame(id proto.PageFrameID) (*frames.FrameSnapshot, error)
	Bindings() []string
	Scripts() []string
}

// New constructs the HTTP handler. A nil gatherer serves the default
// Prometheus registry.
func New(src Source, gatherer prometheus.Gatherer, log *zap.Logger) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = zap.NewNop()
	}
	h := &handlers{src: src, log: log.Named("inspect")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", h.healthz)
	r.Route("/frames", func(fr chi.Router) {
		fr.Get("/", h.frames)
		fr.Get("/{id}", h.frame)
	})
	r.Get("/instrumentation", h.instrumentation)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

type handlers struct {
	src Source
	log *zap.Logger
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) frames(w http.ResponseWriter, _ *http.Request) {
	snap := h.src.Snapshot()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, "no main frame yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) frame(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := h.src.SnapshotFrame(proto.PageFrameID(id))
	switch {
	case errors.Is(err, frames.ErrFrameNotFound):
		writeError(w, http.StatusNotFound, "frame "+id+" not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, snap)
	}
}

type instrumentation struct {
	Bindings []string `json:"bindings"`
	Scripts  []string `json:"scripts"`
}

func (h *handlers) instrumentation(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, instrumentation{Bindings: h.src.Bindings(), Scripts: h.src.Scripts()})
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Serve runs handler on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("inspect server listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
