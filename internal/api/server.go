// Package api implements ekaci's HTTP surface (§6): status/log endpoints
// complementing the control socket, a health probe, Prometheus exposition,
// and an optional static-file fallback for a single-page-application
// bundle.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nwimmer/ekaci/internal/drv"
	"github.com/nwimmer/ekaci/internal/logfields"
	"github.com/nwimmer/ekaci/internal/metrics"

	"log/slog"
)

// Store is the subset of *store.Store the HTTP API reads from.
type Store interface {
	LatestBuildEvent(ctx context.Context, id drv.Id) (*drv.Event, error)
	DrvsInState(ctx context.Context, state drv.State) ([]drv.Event, error)
}

// stateByName maps the §6 state names accepted on ?state= to their integer
// encoding, so a caller never has to know the on-disk codec.
var stateByName = map[string]drv.State{
	"Queued":                       drv.StateQueued,
	"Buildable":                    drv.StateBuildable,
	"Building":                     drv.StateBuilding,
	"Completed(Success)":          drv.StateCompletedSuccess,
	"Completed(Failure)":          drv.StateCompletedFailure,
	"TransitiveFailure":           drv.StateTransitiveFailure,
	"Interrupted(OutOfMemory)":    drv.StateInterruptedOutOfMemory,
	"Interrupted(Timeout)":        drv.StateInterruptedTimeout,
	"Interrupted(Cancelled)":      drv.StateInterruptedCancelled,
	"Interrupted(ProcessDeath)":   drv.StateInterruptedProcessDeath,
	"Interrupted(SchedulerDeath)": drv.StateInterruptedSchedulerDeath,
	"Blocked":                     drv.StateBlocked,
}

// Server is the HTTP API's listener and router.
type Server struct {
	Addr       string
	Store      Store
	BundlePath string // optional SPA bundle directory; empty disables the fallback
	Recorder   metrics.Recorder

	server *http.Server
}

// NewServer builds a Server bound to address:port and wires its routes.
// reg may be nil, which disables the /metrics route (returning 404)
// instead of exposing an empty registry.
func NewServer(address string, port int, store Store, bundlePath string, recorder metrics.Recorder, reg *prometheus.Registry) *Server {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	s := &Server{
		Addr:       net.JoinHostPort(address, strconv.Itoa(port)),
		Store:      store,
		BundlePath: bundlePath,
		Recorder:   recorder,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/logs/{drv}", s.handleLogs)
	mux.HandleFunc("GET /api/v1/drvs/{drv}/status", s.handleDrvStatus)
	mux.HandleFunc("GET /api/v1/drvs", s.handleDrvsInState)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if reg != nil {
		mux.Handle("GET /metrics", metrics.HTTPHandler(reg))
	}
	mux.HandleFunc("/", s.handleStaticFallback)

	s.server = &http.Server{
		Addr:         s.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// handleLogs is a stub per §6: it reports that build log capture is not
// implemented rather than fabricating output, since no component in this
// pipeline captures build stdout/stderr today.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := drv.Id(r.PathValue("drv"))
	ev, err := s.Store.LatestBuildEvent(r.Context(), id)
	if err != nil {
		slog.Warn("api: logs lookup failed", logfields.DrvID(string(id)), logfields.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if ev == nil {
		http.Error(w, "no build recorded for this derivation", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("log capture is not implemented; latest recorded state is " + ev.State.String() + "\n"))
}

func (s *Server) handleDrvStatus(w http.ResponseWriter, r *http.Request) {
	id := drv.Id(r.PathValue("drv"))
	ev, err := s.Store.LatestBuildEvent(r.Context(), id)
	if err != nil {
		slog.Warn("api: status lookup failed", logfields.DrvID(string(id)), logfields.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if ev == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no build recorded for this derivation"})
		return
	}
	writeJSON(w, http.StatusOK, eventJSON{
		DrvID:     string(ev.BuildID.DrvID),
		Attempt:   ev.BuildID.Attempt,
		State:     ev.State.String(),
		Timestamp: ev.Timestamp,
	})
}

type eventJSON struct {
	DrvID     string    `json:"drv_id"`
	Attempt   int       `json:"build_attempt"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleDrvsInState(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("state")
	state, ok := stateByName[name]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown or missing state parameter"})
		return
	}
	events, err := s.Store.DrvsInState(r.Context(), state)
	if err != nil {
		slog.Warn("api: drvs_in_state lookup failed", logfields.State(name), logfields.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	out := make([]eventJSON, 0, len(events))
	for _, ev := range events {
		out = append(out, eventJSON{
			DrvID:     string(ev.BuildID.DrvID),
			Attempt:   ev.BuildID.Attempt,
			State:     ev.State.String(),
			Timestamp: ev.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleStaticFallback serves BundlePath as a single-page-application
// bundle, returning index.html for any path the bundle doesn't contain. It
// 404s with an explanation when no bundle is configured rather than
// silently serving nothing.
func (s *Server) handleStaticFallback(w http.ResponseWriter, r *http.Request) {
	if s.BundlePath == "" {
		http.Error(w, "no SPA bundle configured", http.StatusNotFound)
		return
	}
	requested := filepath.Join(s.BundlePath, filepath.Clean(r.URL.Path))
	if info, err := os.Stat(requested); err == nil && !info.IsDir() {
		http.ServeFile(w, r, requested)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.BundlePath, "index.html"))
}
