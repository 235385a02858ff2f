// Package services implements the HTTP API over goa's HTTP runtime: health
// probes, snapshots, event history, host information and source control, plus
// the MJPEG and WebSocket surfaces.
package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	goahttp "goa.design/goa/v3/http"

	"watchpost/internal/pipeline"
	"watchpost/internal/stream"
	"watchpost/internal/system"
	"watchpost/internal/ws"
)

const (
	defaultEventLimit = 16
	maxEventLimit     = 1000
)

// EventStore serves event history beyond the in-memory window
type EventStore interface {
	ListEvents(source string, limit int) ([]pipeline.Event, error)
}

// Options wires the server's collaborators. Aggregator is required; the rest
// disable their routes when nil.
type Options struct {
	Aggregator *pipeline.Aggregator
	Controller pipeline.Controller
	Events     EventStore
	System     *system.Reporter
	Stream     *stream.MJPEGHandler
	WebSocket  *ws.Handler
	Logger     *log.Logger
}

// Server answers API requests from the aggregator's snapshots
type Server struct {
	aggregator *pipeline.Aggregator
	controller pipeline.Controller
	events     EventStore
	system     *system.Reporter
	stream     *stream.MJPEGHandler
	websocket  *ws.Handler
	logger     *log.Logger

	Mounts []*MountPoint
}

// MountPoint describes a mounted route
type MountPoint struct {
	Method  string
	Verb    string
	Pattern string
}

// New creates the API server
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		aggregator: opts.Aggregator,
		controller: opts.Controller,
		events:     opts.Events,
		system:     opts.System,
		stream:     opts.Stream,
		websocket:  opts.WebSocket,
		logger:     logger,
	}
}

// Mount registers every route on mux
func (s *Server) Mount(mux goahttp.Muxer) {
	handle := func(name, verb, pattern string, h func(http.ResponseWriter, *http.Request, map[string]string)) {
		mux.Handle(verb, pattern, func(w http.ResponseWriter, r *http.Request) {
			h(w, r, mux.Vars(r))
		})
		s.Mounts = append(s.Mounts, &MountPoint{Method: name, Verb: verb, Pattern: pattern})
	}

	handle("healthz", "GET", "/healthz", s.healthz)
	handle("readyz", "GET", "/readyz", s.readyz)
	handle("snapshots", "GET", "/snapshot", s.snapshots)
	handle("snapshot", "GET", "/snapshot/{source}", s.snapshot)
	handle("frame", "GET", "/snapshot/{source}/frame.jpg", s.frame)
	handle("events", "GET", "/events/{source}", s.listEvents)
	if s.system != nil {
		handle("system", "GET", "/system", s.systemInfo)
	}
	if s.controller != nil {
		handle("control", "POST", "/sources/{source}/{action}", s.control)
	}
	if s.stream != nil {
		handle("stream", "GET", "/stream/{source}", func(w http.ResponseWriter, r *http.Request, vars map[string]string) {
			s.stream.Serve(w, r, vars["source"])
		})
	}
	if s.websocket != nil {
		handle("ws", "GET", "/ws/sources/{source}", func(w http.ResponseWriter, r *http.Request, vars map[string]string) {
			s.websocket.Serve(w, r, vars["source"])
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("encoding response: %v", err)
	}
}

// healthz is the liveness probe
func (s *Server) healthz(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Up"))
}

// Readiness is the body of /readyz
type Readiness struct {
	Ready   bool                            `json:"ready"`
	Running int                             `json:"running"`
	Sources map[string]pipeline.HealthState `json:"sources"`
}

// readyz is ready when at least one source is Running, or none are configured
func (s *Server) readyz(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	snaps := s.aggregator.SnapshotAll()
	res := Readiness{Sources: make(map[string]pipeline.HealthState, len(snaps))}
	for id, snap := range snaps {
		res.Sources[id] = snap.Health.State
		if snap.Health.State == pipeline.StateRunning {
			res.Running++
		}
	}
	res.Ready = len(snaps) == 0 || res.Running > 0

	status := http.StatusOK
	if !res.Ready {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, res)
}

func (s *Server) snapshots(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.writeJSON(w, http.StatusOK, s.aggregator.SnapshotAll())
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request, vars map[string]string) {
	source := vars["source"]
	snap, ok := s.aggregator.Snapshot(source)
	if !ok {
		writeError(s.logger, w, r, http.StatusNotFound, ErrNameNotFound, fmt.Errorf("%w: %q", pipeline.ErrUnknownSource, source))
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) frame(w http.ResponseWriter, r *http.Request, vars map[string]string) {
	source := vars["source"]
	if _, ok := s.aggregator.Snapshot(source); !ok {
		writeError(s.logger, w, r, http.StatusNotFound, ErrNameNotFound, fmt.Errorf("%w: %q", pipeline.ErrUnknownSource, source))
		return
	}
	h := s.stream
	if h == nil {
		h = stream.NewMJPEGHandler(s.aggregator, true, s.logger)
	}
	h.ServeFrame(w, source)
}

// EventList is the body of /events/{source}, newest first
type EventList struct {
	Source string           `json:"source"`
	Events []pipeline.Event `json:"events"`
	From   string           `json:"from"` // "memory" or "journal"
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request, vars map[string]string) {
	source := vars["source"]
	snap, ok := s.aggregator.Snapshot(source)
	if !ok {
		writeError(s.logger, w, r, http.StatusNotFound, ErrNameNotFound, fmt.Errorf("%w: %q", pipeline.ErrUnknownSource, source))
		return
	}

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxEventLimit {
			writeError(s.logger, w, r, http.StatusBadRequest, ErrNameBadRequest, fmt.Errorf("limit must be an integer in [1,%d], got %q", maxEventLimit, v))
			return
		}
		limit = n
	}

	res := EventList{Source: source, Events: newestFirst(snap.Recent, limit), From: "memory"}
	if s.events != nil && len(res.Events) < limit {
		stored, err := s.events.ListEvents(source, limit)
		switch {
		case err != nil:
			s.logger.Printf("[Journal] %s: %v", source, err)
		case len(stored) > len(res.Events):
			res.Events, res.From = stored, "journal"
		}
	}
	s.writeJSON(w, http.StatusOK, res)
}

// newestFirst returns up to limit events of an oldest-first slice in
// reverse order
func newestFirst(events []pipeline.Event, limit int) []pipeline.Event {
	n := min(limit, len(events))
	out := make([]pipeline.Event, 0, n)
	for i := len(events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, events[i])
	}
	return out
}

// SystemInfo is the body of /system
type SystemInfo struct {
	system.Info
	Sources []pipeline.DeviceHealth `json:"sources"`
}

func (s *Server) systemInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	res := SystemInfo{Info: s.system.Info()}
	for _, id := range s.aggregator.Sources() {
		if snap, ok := s.aggregator.Snapshot(id); ok {
			res.Sources = append(res.Sources, snap.Health)
		}
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, vars map[string]string) {
	source, action := vars["source"], vars["action"]

	var err error
	switch action {
	case "restart":
		err = s.controller.Restart(source)
	case "start":
		err = s.controller.StartSource(source)
	case "stop":
		err = s.controller.StopSource(source)
	default:
		writeError(s.logger, w, r, http.StatusBadRequest, ErrNameBadRequest, fmt.Errorf("unknown action %q (valid actions: restart|start|stop)", action))
		return
	}

	switch {
	case errors.Is(err, pipeline.ErrUnknownSource):
		writeError(s.logger, w, r, http.StatusNotFound, ErrNameNotFound, err)
		return
	case err != nil:
		writeError(s.logger, w, r, http.StatusConflict, ErrNameConflict, err)
		return
	}

	s.logger.Printf("[API] %s: %s requested", source, action)
	snap, _ := s.aggregator.Snapshot(source)
	s.writeJSON(w, http.StatusAccepted, snap.Health)
}
