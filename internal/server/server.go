// Package server exposes the daemon's HTTP surface: read-only views of the
// drive state, the mutation and feedback intake, and a live event stream.
//
// Reads are served from a snapshot the daemon publishes each loop. Writes
// are routed through a command channel and applied by the daemon loop, so
// handlers never share mutable state with the engine.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pulsedaemon/pulse/internal/audit"
	"github.com/pulsedaemon/pulse/internal/bus"
	"github.com/pulsedaemon/pulse/internal/chronicle"
	"github.com/pulsedaemon/pulse/internal/config"
)

// commandTimeout bounds how long a handler waits for the daemon loop to
// pick up and answer a command.
const commandTimeout = 15 * time.Second

// Version is stamped at build time.
var Version = "dev"

// Server is the daemon's HTTP API.
type Server struct {
	snapshot  *SnapshotHolder
	commands  chan<- Command
	cfgLoader *config.Loader
	trail     *audit.Trail
	archive   *chronicle.Chronicle
	metrics   http.Handler
	hub       *EventHub
	startedAt time.Time

	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates the API server. metricsHandler serves GET /metrics; pass nil
// to disable the endpoint.
func New(
	snapshot *SnapshotHolder,
	commands chan<- Command,
	cfgLoader *config.Loader,
	trail *audit.Trail,
	archive *chronicle.Chronicle,
	metricsHandler http.Handler,
	events *bus.Bus,
	logger *slog.Logger,
) *Server {
	s := &Server{
		snapshot:  snapshot,
		commands:  commands,
		cfgLoader: cfgLoader,
		trail:     trail,
		archive:   archive,
		metrics:   metricsHandler,
		hub:       NewEventHub(events, logger),
		startedAt: time.Now(),
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "server"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /state", s.handleState)
	s.mux.HandleFunc("GET /config", s.handleGetConfig)
	s.mux.HandleFunc("POST /config", s.handlePostConfig)
	s.mux.HandleFunc("POST /trigger", s.handleTrigger)
	s.mux.HandleFunc("POST /feedback", s.handleFeedback)
	s.mux.HandleFunc("GET /mutations", s.handleListMutations)
	s.mux.HandleFunc("POST /mutations", s.handlePostMutation)
	s.mux.HandleFunc("GET /history", s.handleHistory)
	s.mux.HandleFunc("GET /events", s.hub.HandleWebSocket)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves on addr until Shutdown. Blocks.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("api listening", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// --- Read endpoints ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot.Load()
	writeJSON(w, map[string]any{
		"status":         "ok",
		"version":        Version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"loop_count":     snap.LoopCount,
		"drives":         len(snap.Drives),
		"evaluator":      snap.Evaluator.Mode,
		"degraded":       snap.Evaluator.Degraded || snap.Degraded,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.snapshot.Load())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cfgLoader.Get())
}

func (s *Server) handleListMutations(w http.ResponseWriter, r *http.Request) {
	n := clampLimit(queryInt(r, "n", 20))
	entries, err := s.trail.Recent(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"mutations": entries})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	n := clampLimit(queryInt(r, "n", 20))
	triggers, err := s.archive.RecentTriggers(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	feedback, err := s.archive.RecentFeedback(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"triggers": triggers,
		"feedback": feedback,
	})
}

// --- Write endpoints ---

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid trigger request: %v", err))
			return
		}
	}
	s.dispatch(w, r, Command{Kind: CmdTrigger, Trigger: &req})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid feedback request: %v", err))
		return
	}
	switch req.Outcome {
	case "success", "partial", "failure", "ignored":
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown outcome %q", req.Outcome))
		return
	}
	s.dispatch(w, r, Command{Kind: CmdFeedback, Feedback: &req})
}

func (s *Server) handlePostMutation(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid mutation: %v", err))
		return
	}
	s.dispatch(w, r, Command{Kind: CmdMutate, Mutation: raw})
}

// handlePostConfig accepts either a mutation object (kind/type
// discriminator), which takes the same path as /mutations, or a flat
// tunables shorthand.
func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid config update: %v", err))
		return
	}
	if _, ok := raw["kind"]; !ok {
		if _, ok := raw["type"]; !ok {
			data, _ := json.Marshal(raw)
			var upd ConfigUpdate
			if err := json.Unmarshal(data, &upd); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid config update: %v", err))
				return
			}
			s.dispatch(w, r, Command{Kind: CmdConfig, Config: &upd})
			return
		}
	}
	s.dispatch(w, r, Command{Kind: CmdMutate, Mutation: raw})
}

// dispatch hands a command to the daemon loop and relays its reply. The
// channel is bounded; a full channel means the loop is wedged and the
// client gets a 503 rather than an unbounded wait.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, cmd Command) {
	cmd.Reply = make(chan Reply, 1)

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	select {
	case s.commands <- cmd:
	case <-ctx.Done():
		writeError(w, http.StatusServiceUnavailable, "daemon busy")
		return
	}

	select {
	case reply := <-cmd.Reply:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(reply.Status)
		json.NewEncoder(w).Encode(reply.Body)
	case <-ctx.Done():
		writeError(w, http.StatusServiceUnavailable, "daemon did not answer")
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

func clampLimit(n int) int {
	if n < 1 {
		return 1
	}
	if n > 1000 {
		return 1000
	}
	return n
}
