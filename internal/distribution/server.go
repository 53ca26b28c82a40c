package distribution

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/logging"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/manager"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/metrics"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/state"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/target"
)

// DefaultKeepAlive is the idle interval between KeepAlive frames.
const DefaultKeepAlive = 5 * time.Second

// Backend is what the server needs from the build side.
type Backend interface {
	Targets() []target.Target
	WatchTarget(t target.Target) (state.Snapshot, *state.Subscription, error)
	Open(ctx context.Context, t target.Target, relativePath string) (*manager.Artifact, error)
}

// Server exposes a Backend over HTTP.
type Server struct {
	backend   Backend
	keepAlive time.Duration
	log       *slog.Logger
	metrics   *metrics.Metrics
	mux       *http.ServeMux
}

// NewServer creates the HTTP handler tree. keepAlive <= 0 uses
// DefaultKeepAlive.
func NewServer(b Backend, keepAlive time.Duration) *Server {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	s := &Server{
		backend:   b,
		keepAlive: keepAlive,
		log:       logging.Component("distribution"),
		metrics:   metrics.Get(),
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /v1/targets", s.handleTargets)
	s.mux.HandleFunc("GET /v1/targets/{target}/subscribe", s.handleSubscribe)
	s.mux.HandleFunc("GET /v1/targets/{target}/artifacts/{path...}", s.handleArtifact)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down. Request
// contexts derive from ctx, so open subscription streams end with it.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("distribution server listening", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
		}
		return nil
	}
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	ids := make([]string, 0)
	for _, t := range s.backend.Targets() {
		ids = append(ids, t.String())
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ids)
}

func (s *Server) parseTarget(w http.ResponseWriter, r *http.Request) (target.Target, bool) {
	t, err := target.Parse(r.PathValue("target"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return "", false
	}
	return t, true
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	t, ok := s.parseTarget(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	snap, sub, err := s.backend.WatchTarget(t)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, manager.ErrUnknownTarget) {
			status = http.StatusNotFound
		}
		s.log.Warn("subscribe failed", "target", t, "error", err)
		http.Error(w, err.Error(), status)
		return
	}
	defer sub.Close()

	log := logging.TargetLogger(t.String()).With("subscriber", sub.ID, "remote", r.RemoteAddr)
	log.Info("subscriber connected", "completed", snap.MostRecentCompleted)

	w.Header().Set("Content-Type", StreamContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	enc := gob.NewEncoder(w)
	send := func(frames ...Frame) bool {
		for _, f := range frames {
			if err := enc.Encode(f); err != nil {
				log.Info("subscriber gone", "error", err)
				return false
			}
		}
		flusher.Flush()
		return true
	}

	if !send(InitialFrame(snap)) {
		return
	}

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			log.Info("subscriber disconnected")
			return

		case out, ok := <-sub.C():
			if !ok {
				return
			}
			if !send(Frames(out)...) {
				return
			}
			ticker.Reset(s.keepAlive)

		case <-ticker.C:
			if !send(Frame{Kind: KindKeepAlive, Dropped: sub.Dropped()}) {
				return
			}
		}
	}
}

func acceptsZstd(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		enc, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(enc, "zstd") {
			return true
		}
	}
	return false
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	t, ok := s.parseTarget(w, r)
	if !ok {
		return
	}
	rel := r.PathValue("path")

	a, err := s.backend.Open(r.Context(), t, rel)
	if err != nil {
		// Any failure is local to this request.
		s.log.Info("artifact unavailable", "target", t, "path", rel, "error", err)
		http.NotFound(w, r)
		return
	}
	defer a.Body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(HashHeader, a.Record.Hash.String())
	w.Header().Set("Vary", "Accept-Encoding")

	var written int64
	if acceptsZstd(r) {
		w.Header().Set("Content-Encoding", "zstd")
		zw, err := zstd.NewWriter(w)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		written, err = io.Copy(zw, a.Body)
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			s.log.Info("artifact transfer aborted", "target", t, "path", rel, "error", err)
			return
		}
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(a.Size, 10))
		written, err = io.Copy(w, a.Body)
		if err != nil {
			s.log.Info("artifact transfer aborted", "target", t, "path", rel, "error", err)
			return
		}
	}
	s.metrics.ObserveFetch(t.String(), a.Source, written)
}
