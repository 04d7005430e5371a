package controlplane

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/armctl/internal/models"
	"github.com/fentz26/armctl/internal/store"
)

// Version is reported by the health endpoint. Set at build time.
var Version = "dev"

// awaitLimit caps how long a single HTTP request may wait for a result.
const awaitLimit = 5 * time.Minute

// Server provides the HTTP API for armctl.
type Server struct {
	service *Service
	store   *store.Store
	addr    string
	server  *http.Server
	log     *slog.Logger
}

// NewServer creates a new HTTP server. The store is only used for health
// checks and may be nil.
func NewServer(service *Service, st *store.Store, addr string) *Server {
	return &Server{
		service: service,
		store:   st,
		addr:    addr,
		log:     service.log,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Robot endpoints
	mux.HandleFunc("/robots", s.handleRobots)
	mux.HandleFunc("/robots/", s.handleRobotByName)

	// Health check
	mux.HandleFunc("/health", s.handleHealth)

	return mux
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
	}

	s.log.Info("starting armctl daemon", "addr", s.addr, "version", Version)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Robots  int    `json:"robots"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := HealthResponse{
		OK:      true,
		DB:      "ok",
		Robots:  len(s.service.Robots()),
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if s.store == nil {
		health.DB = "disabled"
	} else if err := s.store.Ping(r.Context()); err != nil {
		health.OK = false
		health.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// handleRobots handles GET /robots
func (s *Server) handleRobots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Robots())
}

// handleRobotByName handles /robots/{name}/*
func (s *Server) handleRobotByName(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/robots/")
	parts := strings.SplitN(path, "/", 3)

	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "robot name required", http.StatusBadRequest)
		return
	}

	name := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	arg := ""
	if len(parts) > 2 {
		arg = parts[2]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getRobot(w, r, name)
	case action == "arm" && r.Method == http.MethodPost:
		s.safetyAction(w, r, name, s.service.Arm)
	case action == "disarm" && r.Method == http.MethodPost:
		s.safetyAction(w, r, name, s.service.Disarm)
	case action == "force_disarm" && r.Method == http.MethodPost:
		s.safetyAction(w, r, name, s.service.ForceDisarm)
	case action == "cancel" && r.Method == http.MethodPost:
		s.safetyAction(w, r, name, s.service.Cancel)
	case action == "report_error" && r.Method == http.MethodPost:
		s.reportError(w, r, name)
	case action == "fault" && r.Method == http.MethodPost:
		s.setFault(w, r, name)
	case action == "commands" && arg == "" && r.Method == http.MethodGet:
		s.listCommands(w, r, name)
	case action == "commands" && arg != "" && r.Method == http.MethodPost:
		s.executeCommand(w, r, name, arg)
	case action == "executions" && arg != "" && r.Method == http.MethodGet:
		s.awaitExecution(w, r, name, arg)
	case action == "params" && r.Method == http.MethodGet:
		s.listParams(w, r, name)
	case action == "params" && r.Method == http.MethodPut:
		s.setParam(w, r, name)
	case action == "events" && r.Method == http.MethodGet:
		s.listJournal(w, r, name, func(robot string, limit int) (interface{}, error) {
			events, err := s.service.Events(robot, limit)
			if events == nil {
				events = []models.Event{}
			}
			return events, err
		})
	case action == "runs" && r.Method == http.MethodGet:
		s.listJournal(w, r, name, func(robot string, limit int) (interface{}, error) {
			runs, err := s.service.Runs(robot, limit)
			if runs == nil {
				runs = []models.CommandRun{}
			}
			return runs, err
		})
	case action == "decisions" && r.Method == http.MethodGet:
		s.listJournal(w, r, name, func(robot string, limit int) (interface{}, error) {
			entries, err := s.service.Decisions(robot, limit)
			if entries == nil {
				entries = []models.PDREntry{}
			}
			return entries, err
		})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// --- Robot Handlers ---

func (s *Server) getRobot(w http.ResponseWriter, r *http.Request, name string) {
	st, err := s.service.State(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) safetyAction(w http.ResponseWriter, r *http.Request, name string, fn func(context.Context, string) error) {
	if err := fn(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	s.getRobot(w, r, name)
}

type reportErrorRequest struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (s *Server) reportError(w http.ResponseWriter, r *http.Request, name string) {
	var req reportErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.service.ReportError(name, req.Path, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reported"})
}

type faultRequest struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
}

func (s *Server) setFault(w http.ResponseWriter, r *http.Request, name string) {
	var req faultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.service.SetFailMode(name, req.Path, req.Mode); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Command Handlers ---

func (s *Server) listCommands(w http.ResponseWriter, r *http.Request, name string) {
	names, err := s.service.Commands(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

type executeRequest struct {
	Goal map[string]interface{} `json:"goal"`
}

func (s *Server) executeCommand(w http.ResponseWriter, r *http.Request, name, cmd string) {
	var req executeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}

	h, err := s.service.Execute(r.Context(), name, cmd, req.Goal)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
		writeJSON(w, http.StatusAccepted, h)
		return
	}
	s.awaitExecution(w, r, name, h.ExecutionID)
}

func (s *Server) awaitExecution(w http.ResponseWriter, r *http.Request, name, id string) {
	var timeout time.Duration
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		timeout = min(d, awaitLimit)
	}

	res, err := s.service.Await(r.Context(), name, id, timeout)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Parameter Handlers ---

func (s *Server) listParams(w http.ResponseWriter, r *http.Request, name string) {
	params, err := s.service.Parameters(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, params)
}

type setParamRequest struct {
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

func (s *Server) setParam(w http.ResponseWriter, r *http.Request, name string) {
	var req setParamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.service.SetParameter(name, req.Path, req.Value); err != nil {
		s.writeError(w, err)
		return
	}
	s.listParams(w, r, name)
}

// --- Journal Handlers ---

func (s *Server) listJournal(w http.ResponseWriter, r *http.Request, name string, list func(string, int) (interface{}, error)) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if _, err := s.service.State(name); err != nil {
		s.writeError(w, err)
		return
	}
	items, err := list(name, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse(err))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
