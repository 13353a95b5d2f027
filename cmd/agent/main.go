package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	httpHandler "a2a.mesh/internal/adapters/handler/http"
	"a2a.mesh/internal/capabilities"
	"a2a.mesh/internal/config"
	"a2a.mesh/internal/core/logger"
	"a2a.mesh/internal/core/services"
	"a2a.mesh/internal/core/tracing"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)

	profile, err := capabilities.ProfileFor(cfg.Kind)
	if err != nil {
		log.Fatalf("%v (known kinds: %v)", err, capabilities.Kinds())
	}
	if cfg.ID != "" {
		profile.ID = cfg.ID
	}
	port := cfg.Port
	if port == 0 {
		port = profile.DefaultPort
	}

	if cfg.EnableTracing {
		shutdownTracing, err := tracing.Init(cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("Failed to initialize tracing", "error", err)
		} else {
			defer shutdownTracing(context.Background())
		}
	}

	tasks := services.NewTaskService(profile.ID, services.NewTaskStore(cfg.TaskStoreCapacity), profile.Handlers, cfg.Workers)
	baseURL := fmt.Sprintf("http://%s:%d", cfg.Host, port)
	agent := httpHandler.NewAgentServer(profile, baseURL, tasks, cfg.RPCRateLimit)

	bind := cfg.Bind
	if bind == "" {
		bind = "localhost"
	}
	srv := &http.Server{
		Addr:              net.JoinHostPort(bind, strconv.Itoa(port)),
		Handler:           agent,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("Agent listening",
			"agent_id", profile.ID,
			"type", profile.Type,
			"addr", srv.Addr,
			"base_url", baseURL,
			"workers", cfg.Workers,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Agent server failed", "agent_id", profile.ID, "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down agent...", "agent_id", profile.ID)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}
	if err := tasks.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Tasks still running at shutdown", "error", err)
	}
}
