package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"a2a.mesh/internal/capabilities"
	"a2a.mesh/internal/core/domain"
	"a2a.mesh/internal/core/logger"
	"a2a.mesh/internal/core/services"
)

const (
	rpcRateWindow   = time.Minute
	defaultTaskList = 50
	maxRPCBodyBytes = 1 << 20

	eventBuffer    = 64
	eventKeepAlive = 15 * time.Second
)

// AgentServer serves the A2A wire protocol of one leaf agent.
type AgentServer struct {
	router    *chi.Mux
	profile   *capabilities.Profile
	card      domain.AgentCard
	tasks     *services.TaskService
	limiter   *rate.Limiter
	metrics   *prometheus.Registry
	startedAt time.Time
}

// NewAgentServer builds the leaf routes. rpcLimit is the number of /rpc
// requests accepted per minute; zero or less disables limiting.
func NewAgentServer(profile *capabilities.Profile, baseURL string, tasks *services.TaskService, rpcLimit int) *AgentServer {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if rpcLimit > 0 {
		limiter = rate.NewLimiter(rate.Every(rpcRateWindow/time.Duration(rpcLimit)), rpcLimit)
	}
	s := &AgentServer{
		router:    chi.NewRouter(),
		profile:   profile,
		card:      profile.Card(baseURL),
		tasks:     tasks,
		limiter:   limiter,
		metrics:   NewAgentMetrics(tasks),
		startedAt: time.Now(),
	}
	s.routes()
	return s
}

func (s *AgentServer) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(MetricsMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Handle("/metrics", MetricsHandler(s.metrics))

	s.router.Get("/status", s.handleStatus)
	s.router.Get("/agent-card", s.handleAgentCard)
	s.router.Get("/.well-known/agent.json", s.handleAgentCard)
	s.router.Post("/rpc", s.handleRPC)
	s.router.Get("/task/{taskId}", s.handleGetTask)
	s.router.Get("/tasks", s.handleListTasks)
	s.router.Get("/events", s.handleEvents)
}

func (s *AgentServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *AgentServer) Card() domain.AgentCard {
	return s.card
}

func (s *AgentServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, domain.StatusReport{
		Status:      "ok",
		Timestamp:   time.Now().UTC(),
		AgentID:     s.card.ID,
		Name:        s.card.Name,
		Type:        s.card.Type,
		Version:     s.card.Version,
		Uptime:      time.Since(s.startedAt).Seconds(),
		ActiveTasks: s.tasks.Running(),
		TotalTasks:  s.tasks.Stats().Accepted,
	})
}

func (s *AgentServer) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.card)
}

func (s *AgentServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req domain.RPCRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)).Decode(&req); err != nil {
		RecordRPC("invalid", "protocol_error")
		writeRPCError(w, http.StatusBadRequest, nil, domain.NewInvalidRequest().RPCErr())
		return
	}

	method := req.Method
	if _, ok := s.profile.Handlers[method]; !ok && method != domain.MethodGetCapabilities {
		method = "unknown"
	}

	if !s.limiter.Allow() {
		RecordRPC(method, "rate_limited")
		writeRPCError(w, http.StatusTooManyRequests, req.ID, &domain.RPCError{
			Code:    domain.CodeRateLimited,
			Message: "Rate limit exceeded",
		})
		return
	}

	if req.JSONRPC == domain.JSONRPCVersion && req.Method == domain.MethodGetCapabilities {
		RecordRPC(method, "ok")
		writeJSON(w, http.StatusOK, domain.RPCResponse{
			JSONRPC: domain.JSONRPCVersion,
			Result: map[string]any{
				"agent_id":     s.card.ID,
				"capabilities": s.card.Capabilities,
				"methods":      s.tasks.Methods(),
			},
			ID: req.ID,
		})
		return
	}

	accepted, err := s.tasks.Submit(r.Context(), &req)
	if err != nil {
		var perr *domain.ProtocolError
		if errors.As(err, &perr) {
			RecordRPC(method, "protocol_error")
			writeRPCError(w, http.StatusBadRequest, req.ID, perr.RPCErr())
			return
		}
		RecordRPC(method, "internal_error")
		logger.ErrorContext(r.Context(), "Task acceptance failed", "method", req.Method, "error", err)
		writeRPCError(w, http.StatusInternalServerError, req.ID, &domain.RPCError{
			Code:    domain.CodeInternalError,
			Message: "Internal error",
			Data:    err.Error(),
		})
		return
	}

	RecordRPC(method, "accepted")
	writeJSON(w, http.StatusOK, domain.RPCResponse{
		JSONRPC: domain.JSONRPCVersion,
		Result:  accepted,
		ID:      req.ID,
	})
}

func (s *AgentServer) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(chi.URLParam(r, "taskId"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *AgentServer) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := defaultTaskList
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = val
		}
	}
	tasks := s.tasks.List(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": s.card.ID,
		"tasks":    tasks,
		"count":    len(tasks),
		"stats":    s.tasks.Stats(),
	})
}

// handleEvents streams task transitions as server-sent events until the
// client goes away.
func (s *AgentServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	updates, cancel := s.tasks.Subscribe(eventBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			logger.ErrorContext(r.Context(), "Failed to encode event", "agent_id", s.card.ID, "error", err)
			return true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	send(map[string]any{
		"type":      "connected",
		"agent_id":  s.card.ID,
		"agent":     s.card.Name,
		"timestamp": time.Now().UTC(),
	})

	keepAlive := time.NewTicker(eventKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case task, ok := <-updates:
			if !ok {
				return
			}
			if !send(map[string]any{"type": "task_update", "task_id": task.ID, "task": task}) {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		logger.Error("Failed to encode response", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"failed to encode response"}` + "\n"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeRPCError(w http.ResponseWriter, code int, id any, rpcErr *domain.RPCError) {
	writeJSON(w, code, domain.RPCResponse{
		JSONRPC: domain.JSONRPCVersion,
		Error:   rpcErr,
		ID:      id,
	})
}
