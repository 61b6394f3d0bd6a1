// Package httpapi exposes the daemon over a small moonraker-flavored
// HTTP+WebSocket surface (SPEC_FULL.md §4.14), adapted from the
// teacher's moonraker package: the same mux/CORS/JSON-RPC shape, but
// serving PrusaLink's actual object model (printer status, job
// history, gcode directory) instead of proxying an arbitrary Klipper
// backend.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prusa3d/prusalink-go/internal/database"
	"github.com/prusa3d/prusalink-go/internal/files"
	"github.com/prusa3d/prusalink-go/internal/job"
	"github.com/prusa3d/prusalink-go/internal/model"
	"github.com/prusa3d/prusalink-go/internal/profile"
	"github.com/prusa3d/prusalink-go/internal/state"
	"github.com/prusa3d/prusalink-go/internal/xlog"
)

// CommandSubmitter is the narrow slice of command.Runner the API needs,
// kept as an interface so httpapi does not import command directly.
type CommandSubmitter interface {
	SubmitStartPrint(path string) <-chan Result
	SubmitStopPrint() <-chan Result
	SubmitPausePrint() <-chan Result
	SubmitResumePrint() <-chan Result
	SubmitGcode(line string) <-chan Result
}

// Result mirrors command.Result without importing the package.
type Result struct {
	Accepted bool
	Message  string
	Err      error
}

// Server is the HTTP+WebSocket front door described in §4.14.
type Server struct {
	addr string
	log  *xlog.Logger

	mux        *http.ServeMux
	httpServer *http.Server

	model   *model.Model
	state   *state.Manager
	jobs    *job.Tracker
	files   *files.Manager
	db      *database.Database
	runner  CommandSubmitter
	profile *profile.Profile

	hub *wsHub
}

func New(addr string, m *model.Model, sm *state.Manager, jobs *job.Tracker, fm *files.Manager, db *database.Database, runner CommandSubmitter, p *profile.Profile) *Server {
	s := &Server{
		addr:    addr,
		log:     xlog.For("httpapi"),
		mux:     http.NewServeMux(),
		model:   m,
		state:   sm,
		jobs:    jobs,
		files:   fm,
		db:      db,
		runner:  runner,
		profile: p,
	}
	s.hub = newWSHub(s)
	s.registerRoutes()
	s.httpServer = &http.Server{Addr: addr, Handler: corsMiddleware(s.mux)}
	return s
}

// BroadcastState pushes a status notification to subscribed websocket
// clients; wired to state.Manager.OnStateChanged.
func (s *Server) BroadcastState(tr state.Transition) {
	s.hub.broadcastNotification("notify_status_update", map[string]interface{}{
		"print_stats": map[string]interface{}{"state": string(tr.To)},
	})
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/printer/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/printer/objects/query", s.handleObjectsQuery)
	s.mux.HandleFunc("POST /api/printer/command", s.handleCommand)
	s.mux.HandleFunc("GET /api/history/jobs", s.handleHistoryJobs)
	s.mux.HandleFunc("GET /api/server/database/item", s.handleDatabaseGet)
	s.mux.HandleFunc("POST /api/server/database/item", s.handleDatabaseSet)
	s.mux.HandleFunc("GET /api/server/files/list", s.handleFilesList)
	s.mux.HandleFunc("GET /api/server/files/gcode_dir", s.handleFilesGcodeDir)
	s.mux.HandleFunc("GET /websocket", s.hub.handleWebSocket)
}

func (s *Server) Start() error {
	s.log.Infof("http api listening on %s", s.addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Api-Key, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	t := s.model.GetTelemetry()
	writeJSON(w, map[string]interface{}{
		"result": map[string]interface{}{
			"state":     string(s.state.External()),
			"telemetry": t,
			"job_id":    s.jobs.JobID(),
			"job_phase": s.jobs.Phase().String(),
			"printer":   s.profile,
		},
	})
}

func (s *Server) handleObjectsQuery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"result": buildObjects(s.model, s.state, s.jobs, s.profile)})
}

type commandRequest struct {
	Action string `json:"action"`
	Path   string `json:"path,omitempty"`
	Gcode  string `json:"gcode,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	var ch <-chan Result
	switch req.Action {
	case "start_print":
		ch = s.runner.SubmitStartPrint(req.Path)
	case "stop_print":
		ch = s.runner.SubmitStopPrint()
	case "pause_print":
		ch = s.runner.SubmitPausePrint()
	case "resume_print":
		ch = s.runner.SubmitResumePrint()
	case "gcode":
		ch = s.runner.SubmitGcode(req.Gcode)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
		return
	}

	res := <-ch
	if res.Err != nil {
		writeError(w, http.StatusConflict, res.Err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"result": res.Message})
}

func (s *Server) handleHistoryJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"result": map[string]interface{}{"jobs": s.jobs.History()}})
}

func (s *Server) handleDatabaseGet(w http.ResponseWriter, r *http.Request) {
	ns := r.URL.Query().Get("namespace")
	key := r.URL.Query().Get("key")
	v, ok := s.db.GetItem(ns, key)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, map[string]interface{}{"result": map[string]interface{}{"namespace": ns, "key": key, "value": v}})
}

func (s *Server) handleDatabaseSet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Namespace string      `json:"namespace"`
		Key       string      `json:"key"`
		Value     interface{} `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.db.SetItem(body.Namespace, body.Key, body.Value); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"result": "ok"})
}

func (s *Server) handleFilesList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"result": s.files.ListFiles()})
}

func (s *Server) handleFilesGcodeDir(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"result": s.files.GetRootPath()})
}
