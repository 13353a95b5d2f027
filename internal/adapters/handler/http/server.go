package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"a2a.mesh/internal/core/domain"
	"a2a.mesh/internal/core/logger"
	"a2a.mesh/internal/core/ports"
	"a2a.mesh/internal/core/services"
)

const defaultEventLimit = 50

// Services bundles what the management API serves.
type Services struct {
	Supervisor  *services.Supervisor
	Registry    *services.Registry
	Router      *services.Router
	Workflows   *services.WorkflowService
	Events      *services.EventLog
	History     *services.HistoryService
	DeadLetters ports.DeadLetterQueue
	Health      *services.HealthService
	Hub         *Hub

	// DisableMetrics drops the /metrics scrape endpoint.
	DisableMetrics bool
}

// Server is the orchestrator management API.
type Server struct {
	router    *chi.Mux
	svc       Services
	stats     *services.RequestStats
	metrics   *prometheus.Registry
	startedAt time.Time
}

func NewServer(svc Services) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		svc:       svc,
		stats:     services.NewRequestStats(),
		metrics:   NewOrchestratorMetrics(svc.Router, svc.Registry, svc.Supervisor),
		startedAt: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(MetricsMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !s.svc.DisableMetrics {
		s.router.Handle("/metrics", MetricsHandler(s.metrics))
	}

	// Kubernetes probes
	s.router.Get("/health/live", s.handleLiveness)
	s.router.Get("/health/ready", s.handleReadiness)
	s.router.Get("/api/ws", s.handleWS)

	s.router.Group(func(r chi.Router) {
		r.Use(StatsMiddleware(s.stats))

		r.Get("/api/health", s.handleHealth)
		r.Get("/api/system/status", s.handleSystemStatus)
		r.Post("/api/system/start-all", s.handleStartAll)
		r.Post("/api/system/stop-all", s.handleStopAll)
		r.Get("/api/metrics", s.handleMetrics)
		r.Get("/api/events", s.handleEvents)
		r.Get("/api/history/events", s.handleHistoryEvents)
		r.Get("/api/delegations", s.handleDelegations)
		r.Get("/api/capabilities", s.handleCapabilities)
		r.Post("/api/tasks/execute", s.handleExecuteTask)

		r.Route("/api/agents", func(r chi.Router) {
			r.Get("/", s.handleListAgents)
			r.Get("/{id}", s.handleGetAgent)
			r.Post("/{id}/start", s.handleStartAgent)
			r.Post("/{id}/stop", s.handleStopAgent)
			r.Post("/{id}/restart", s.handleRestartAgent)
		})

		r.Route("/api/discovery", func(r chi.Router) {
			r.Get("/agents", s.handleDiscoveredAgents)
			r.Delete("/agents/{id}", s.handleUnregister)
			r.Post("/register", s.handleRegister)
			r.Post("/refresh", s.handleRefresh)
		})

		r.Route("/api/workflows", func(r chi.Router) {
			r.Get("/", s.handleListWorkflows)
			r.Get("/runs", s.handleWorkflowRuns)
			r.Post("/{name}/execute", s.handleExecuteWorkflow)
		})

		r.Route("/api/dlq", func(r chi.Router) {
			r.Get("/", s.handleListDeadLetters)
			r.Post("/{id}/retry", s.handleRetryDeadLetter)
			r.Delete("/{id}", s.handleRemoveDeadLetter)
		})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Stats returns the management API request counters.
func (s *Server) Stats() services.RequestStatsSnapshot {
	return s.stats.Snapshot()
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	// Liveness probe - just check if server is running
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status, code := s.svc.Health.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.svc.Health.CheckHealth(r.Context())

	statusCode := http.StatusOK
	if report.Status == services.HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, report)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.svc.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "websocket hub not running")
		return
	}
	ServeWs(s.svc.Hub, s.svc.Events.Recent(defaultEventLimit), w, r)
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	counts := s.svc.Supervisor.CountByStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"timestamp":      time.Now().UTC(),
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"system_health":  s.svc.Supervisor.Health(),
		"agents": map[string]any{
			"total":    s.svc.Supervisor.Len(),
			"running":  counts[domain.ProcessStatusRunning],
			"starting": counts[domain.ProcessStatusStarting],
			"stopped":  counts[domain.ProcessStatusStopped],
			"restarts": s.svc.Supervisor.Restarts(),
		},
		"discovery": map[string]any{
			"agents":    s.svc.Registry.Len(),
			"passes":    s.svc.Registry.Passes(),
			"last_pass": s.svc.Registry.LastPass(),
		},
		"delegation": s.svc.Router.Stats(),
		"requests":   s.stats.Snapshot(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"requests":         s.stats.Snapshot(),
		"delegation":       s.svc.Router.Stats(),
		"circuit_breakers": s.svc.Router.BreakerStates(),
		"system_health":    s.svc.Supervisor.Health(),
		"agents_by_status": s.svc.Supervisor.CountByStatus(),
		"agent_restarts":   s.svc.Supervisor.Restarts(),
		"discovered":       s.svc.Registry.Len(),
	}
	if s.svc.DeadLetters != nil {
		if n, err := s.svc.DeadLetters.Count(r.Context()); err == nil {
			out["dead_letters"] = n
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"results": s.svc.Supervisor.StartAll(r.Context())})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"results": s.svc.Supervisor.StopAll(r.Context())})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.svc.Supervisor.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	state, err := s.svc.Supervisor.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, supervisorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleStartAgent(w http.ResponseWriter, r *http.Request) {
	s.agentOp(w, r, s.svc.Supervisor.StartAgent)
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	s.agentOp(w, r, s.svc.Supervisor.StopAgent)
}

func (s *Server) handleRestartAgent(w http.ResponseWriter, r *http.Request) {
	s.agentOp(w, r, s.svc.Supervisor.RestartAgent)
}

func (s *Server) agentOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	if err := op(r.Context(), id); err != nil {
		logger.WarnContext(r.Context(), "Agent operation failed", "agent_id", id, "path", r.URL.Path, "error", err)
		writeError(w, supervisorStatus(err), err.Error())
		return
	}
	state, _ := s.svc.Supervisor.Get(id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "agent": state})
}

func supervisorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrAgentNotConfigured):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyRunning), errors.Is(err, domain.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStartTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleDiscoveredAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.svc.Registry.List()
	if t := r.URL.Query().Get("type"); t != "" {
		agents = s.svc.Registry.ByType(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents":    agents,
		"count":     len(agents),
		"last_pass": s.svc.Registry.LastPass(),
	})
}

type registerRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	d, err := s.svc.Registry.Register(r.Context(), req.Address)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if !s.svc.Registry.Unregister(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, domain.ErrAgentNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	found := s.svc.Registry.Refresh(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"discovered": found,
		"count":      len(found),
		"agents":     s.svc.Registry.List(),
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	routes := s.svc.Router.Methods()
	methods := make([]map[string]any, 0, len(routes))
	for method, agentType := range routes {
		methods = append(methods, map[string]any{
			"method":       method,
			"agent_type":   agentType,
			"has_fallback": s.svc.Router.HasFallback(method),
			"available":    len(s.svc.Registry.ByType(agentType)) > 0,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"capabilities": s.svc.Registry.Capabilities(),
		"methods":      methods,
	})
}

type executeRequest struct {
	Method string          `json:"method"`
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Method == "" {
		req.Method = req.Type
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, "method is required")
		return
	}

	res, err := s.svc.Router.Route(r.Context(), req.Method, req.Params)
	if err != nil {
		writeError(w, routeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func routeStatus(err error) int {
	var herr *domain.HandlerError
	switch {
	case errors.Is(err, domain.ErrUnknownMethod):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownCapability):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrDelegationTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &herr), errors.Is(err, domain.ErrRemoteUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultEventLimit)
	events := s.svc.Events.Recent(limit)
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleHistoryEvents(w http.ResponseWriter, r *http.Request) {
	page, err := s.svc.History.ListEvents(r.Context(), queryInt(r, "offset", 0), queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, dependencyStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleDelegations(w http.ResponseWriter, r *http.Request) {
	page, err := s.svc.History.ListDelegations(r.Context(), queryInt(r, "offset", 0), queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, dependencyStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workflows": s.svc.Workflows.Templates()})
}

func (s *Server) handleWorkflowRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.svc.Workflows.Runs()})
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	input := map[string]any{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}
	run, err := s.svc.Workflows.Execute(r.Context(), chi.URLParam(r, "name"), input)
	if err != nil {
		if errors.Is(err, domain.ErrWorkflowNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.svc.DeadLetters == nil {
		writeError(w, http.StatusServiceUnavailable, domain.ErrDependencyUnavailable.Error())
		return
	}
	offset := int64(queryInt(r, "offset", 0))
	limit := int64(queryInt(r, "limit", 20))
	letters, err := s.svc.DeadLetters.List(r.Context(), offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.svc.DeadLetters.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters, "total": total})
}

func (s *Server) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Router.RetryDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrDeadLetterNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, domain.ErrDependencyUnavailable):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, routeStatus(err), err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRemoveDeadLetter(w http.ResponseWriter, r *http.Request) {
	if s.svc.DeadLetters == nil {
		writeError(w, http.StatusServiceUnavailable, domain.ErrDependencyUnavailable.Error())
		return
	}
	if err := s.svc.DeadLetters.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, dependencyStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func dependencyStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrDependencyUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrDeadLetterNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
