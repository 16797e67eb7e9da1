// Package httpapi exposes the race director's REST control surface and the
// read-only snapshot endpoints consumed by the race committee UI.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/audit"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/circuitbreaker"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/procedure"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/replay"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/uwbhub"
)

// Server exposes the director control surface over REST/JSON.
type Server struct {
	engine       *procedure.Engine
	hub          *uwbhub.Hub
	auditLog     *audit.Logger
	scheduler    procedure.Scheduler
	mirrors      *circuitbreaker.MirrorBreakers
	replayEngine *replay.Engine
	allowOrigins []string
	log          *slog.Logger
}

func NewServer(engine *procedure.Engine, hub *uwbhub.Hub, auditLog *audit.Logger, sched procedure.Scheduler, allowOrigins []string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine:       engine,
		hub:          hub,
		auditLog:     auditLog,
		scheduler:    sched,
		allowOrigins: allowOrigins,
		log:          log.With("component", "httpapi"),
	}
}

// SetMirrorBreakers attaches the circuit breakers guarding the optional
// external audit mirrors, so /healthz can report when one is tripped open.
func (s *Server) SetMirrorBreakers(b *circuitbreaker.MirrorBreakers) {
	s.mirrors = b
}

// SetReplayEngine attaches the protest replay engine backing
// /api/audit/replay.
func (s *Server) SetReplayEngine(e *replay.Engine) {
	s.replayEngine = e
}

// Router builds the mux router; callers embed it in their own http.Server so
// read/write/idle timeouts stay under the caller's control.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)

	r.HandleFunc("/api/procedure/start", s.handleStartSequence).Methods("POST")
	r.HandleFunc("/api/procedure/resume", s.handleResumeSequence).Methods("POST")
	r.HandleFunc("/api/procedure/trigger/{node_id}", s.handleTriggerNode).Methods("POST")
	r.HandleFunc("/api/procedure/action", s.handleDirectorAction).Methods("POST")
	r.HandleFunc("/api/procedure/node/{node_id}/duration", s.handleSetNodeDuration).Methods("POST")
	r.HandleFunc("/api/procedure/save", s.handleSaveProcedure).Methods("POST")
	r.HandleFunc("/api/procedure/status", s.handleStatus).Methods("GET")

	r.HandleFunc("/api/positions", s.handlePositions).Methods("GET")
	r.HandleFunc("/api/audit/tail", s.handleAuditTail).Methods("GET")
	r.HandleFunc("/api/audit/replay", s.handleAuditReplay).Methods("GET")
	r.HandleFunc("/api/snapshot", s.handleSnapshot).Methods("GET")

	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(s.allowOrigins) > 0 {
			origin = s.allowOrigins[0]
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleStartSequence(w http.ResponseWriter, r *http.Request) {
	update, ok := s.engine.Start()
	if !ok {
		writeError(w, http.StatusConflict, "no procedure graph loaded")
		return
	}
	s.logSessionEvent("sequence_started", update)
	writeJSON(w, http.StatusOK, update)
}

func (s *Server) handleResumeSequence(w http.ResponseWriter, r *http.Request) {
	update, ok := s.engine.Resume()
	if !ok {
		writeError(w, http.StatusConflict, "no node waiting for a trigger")
		return
	}
	writeJSON(w, http.StatusOK, update)
}

func (s *Server) handleTriggerNode(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]
	update, ok := s.engine.JumpTo(nodeID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown node %q", nodeID))
		return
	}
	s.logSessionEvent("node_triggered", update)
	writeJSON(w, http.StatusOK, update)
}

type directorActionRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleDirectorAction(w http.ResponseWriter, r *http.Request) {
	var req directorActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	action := procedure.DirectorAction(req.Action)
	switch action {
	case procedure.ActionPostpone, procedure.ActionIndividualRecall, procedure.ActionGeneralRecall, procedure.ActionAbandon:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown director action %q", req.Action))
		return
	}
	previous := s.engine.CurrentRaceStatus()
	result := s.engine.Director(action, s.scheduler)
	if s.auditLog != nil {
		s.auditLog.LogRaceStatusChange(string(previous), string(result.Status))
	}
	writeJSON(w, http.StatusOK, result)
}

type setDurationRequest struct {
	Seconds float64 `json:"seconds"`
}

func (s *Server) handleSetNodeDuration(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]
	var req setDurationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if ok := s.engine.SetNodeDuration(nodeID, req.Seconds); !ok {
		writeError(w, http.StatusConflict, "node is active or unknown; only future nodes may be mutated")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleSaveProcedure(w http.ResponseWriter, r *http.Request) {
	var g procedure.Graph
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeError(w, http.StatusBadRequest, "malformed procedure graph")
		return
	}
	s.engine.Load(g)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"race_status": s.engine.CurrentRaceStatus(),
		"time":        time.Now().UTC(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.hub.Snapshot())
}

func (s *Server) handleAuditTail(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"block_seq": 0, "last_hash": ""})
		return
	}
	seq, hash := s.auditLog.Tail()
	writeJSON(w, http.StatusOK, map[string]interface{}{"block_seq": seq, "last_hash": hash})
}

// handleSnapshot reports the full read-only race/procedure/position
// snapshot in one call, for committee UI clients that don't hold a
// Socket.IO connection.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"race_status": s.engine.CurrentRaceStatus(),
		"time":        time.Now().UTC(),
		"positions":   []interface{}{},
	}
	if update, ok := s.engine.Snapshot(); ok {
		resp["sequence"] = update
	}
	if s.hub != nil {
		resp["positions"] = s.hub.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAuditReplay answers a protest replay query: given a session and a
// block range, it reports the blocks in that range and the sequence
// number of the first hash-chain break, if any.
func (s *Server) handleAuditReplay(w http.ResponseWriter, r *http.Request) {
	if s.replayEngine == nil {
		writeError(w, http.StatusServiceUnavailable, "replay engine not configured")
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	fromSeq, _ := strconv.ParseUint(r.URL.Query().Get("from_seq"), 10, 64)
	toSeq := uint64(math.MaxUint64)
	if raw := r.URL.Query().Get("to_seq"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to_seq must be a non-negative integer")
			return
		}
		toSeq = parsed
	}

	result, err := s.replayEngine.Query(r.Context(), sessionID, fromSeq, toSeq)
	if err != nil {
		s.log.Warn("replay query failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "replay query failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	if s.mirrors != nil {
		status, breakers := s.mirrors.HealthStatus()
		resp["mirrors"] = status
		resp["mirror_breakers"] = breakers
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) logSessionEvent(event string, update procedure.SequenceUpdate) {
	if s.auditLog == nil {
		return
	}
	s.auditLog.LogSessionEvent(event, map[string]any{"node_id": update.CurrentNodeID})
}
