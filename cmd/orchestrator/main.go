package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"a2a.mesh/internal/adapters/agentclient"
	httpHandler "a2a.mesh/internal/adapters/handler/http"
	"a2a.mesh/internal/adapters/handler/mqtt"
	"a2a.mesh/internal/adapters/launcher"
	natsAdapter "a2a.mesh/internal/adapters/queue/nats"
	redisAdapter "a2a.mesh/internal/adapters/queue/redis"
	"a2a.mesh/internal/adapters/repository/pg"
	"a2a.mesh/internal/capabilities"
	"a2a.mesh/internal/config"
	"a2a.mesh/internal/core/domain"
	"a2a.mesh/internal/core/logger"
	"a2a.mesh/internal/core/ports"
	"a2a.mesh/internal/core/services"
	"a2a.mesh/internal/core/tracing"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 15 * time.Second
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Initialize structured logger
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Starting A2A orchestrator", "version", version)

	if cfg.EnableTracing {
		shutdownTracing, err := tracing.Init(cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("Failed to initialize tracing", "error", err)
		} else {
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					logger.Error("Failed to shutdown tracing", "error", err)
				}
			}()
		}
	}

	roster, err := config.LoadRoster(cfg.AgentsFile)
	if err != nil {
		log.Fatalf("failed to load agent roster: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := services.NewEventLog(services.DefaultEventLogSize)
	hub := httpHandler.NewHub()

	// Optional backends
	var (
		history     ports.HistoryRepository
		db          *gorm.DB
		redisClient *redis.Client
		deadLetters ports.DeadLetterQueue
		bus         *redisAdapter.EventBus
	)

	if cfg.DatabaseURL != "" {
		repo, err := pg.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to init postgres: %v", err)
		}
		defer repo.Close()
		history = repo
		db = repo.DB()
		logger.Info("Delegation history enabled")
	}

	if cfg.RedisURL != "" {
		redisClient, err = redisAdapter.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to init redis: %v", err)
		}
		defer redisClient.Close()
		bus = redisAdapter.NewEventBus(redisClient)
		deadLetters = redisAdapter.NewDeadLetterQueue(redisClient)
		logger.Info("Redis event bus and dead letter queue enabled")
	}

	// With a bus, local consumers read events back from redis so every
	// orchestrator replica sees the same stream.
	if bus != nil {
		events.AddSink(bus)
		go hub.EventConsumer(ctx, bus)
	} else {
		events.AddSink(hub)
	}

	if cfg.MQTTBroker != "" {
		publisher, err := mqtt.NewPublisher(cfg.MQTTBroker)
		if err != nil {
			logger.Error("Failed to init MQTT publisher", "error", err)
		} else {
			defer publisher.Close()
			if bus != nil {
				publisher.Start(ctx, bus)
			} else {
				events.AddSink(publisher)
			}
			logger.Info("MQTT publisher started", "broker", cfg.MQTTBroker)
		}
	}

	if cfg.NATSURL != "" {
		publisher, err := natsAdapter.Connect(cfg.NATSURL)
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
		} else {
			defer publisher.Close()
			events.AddSink(publisher)
		}
	}

	historyService := services.NewHistoryService(history)
	if historyService.Enabled() {
		events.AddSink(historyService.Sink())
	}

	// Discovery and routing
	client := agentclient.NewClient(cfg.DelegationTimeout)
	registry := services.NewRegistry(client, events, services.RegistryOptions{
		Addresses:    cfg.DiscoveryAddresses(),
		ProbeTimeout: cfg.ProbeTimeout,
		Interval:     cfg.DiscoveryInterval,
	})
	router := services.NewRouter(registry, client, events, services.RouterOptions{
		Routes:            capabilities.MethodTypes(),
		Fallbacks:         services.DefaultFallbacks(),
		DelegationTimeout: cfg.DelegationTimeout,
		PollInterval:      cfg.PollInterval,
		DeadLetters:       deadLetters,
		History:           history,
	})
	workflows := services.NewWorkflowService(router.Route, events, nil)

	// Supervision
	launchers := launcher.ByRuntime{domain.RuntimeExec: launcher.NewExecLauncher("")}
	if needsDocker(roster) {
		docker, err := launcher.NewDockerLauncher(cfg.DockerNetwork)
		if err != nil {
			logger.Error("Docker unavailable, docker agents cannot start", "error", err)
		} else {
			defer docker.Close()
			launchers[domain.RuntimeDocker] = docker
		}
	}
	supervisor := services.NewSupervisor(roster, launchers, agentclient.NewProber(cfg.ProbeTimeout), events, services.SupervisorOptions{
		HealthInterval:   cfg.HealthInterval,
		StartTimeout:     cfg.StartTimeout,
		StopGrace:        cfg.StopGrace,
		RestartCooldown:  cfg.RestartCooldown,
		ProbeTimeout:     cfg.ProbeTimeout,
		FailureThreshold: cfg.FailureThreshold,
	})

	health := services.NewHealthService(registry, supervisor, db, redisClient, version)

	go events.Run(ctx)
	go hub.Run(ctx)
	go registry.Run(ctx)
	go supervisor.Run(ctx)

	if cfg.AutoStart {
		go func() {
			for _, res := range supervisor.StartAll(ctx) {
				if !res.Success {
					logger.Warn("Auto start failed", "agent_id", res.AgentID, "error", res.Error)
				}
			}
			registry.Refresh(ctx)
		}()
	}

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: httpHandler.NewServer(httpHandler.Services{
			Supervisor:     supervisor,
			Registry:       registry,
			Router:         router,
			Workflows:      workflows,
			Events:         events,
			History:        historyService,
			DeadLetters:    deadLetters,
			Health:         health,
			Hub:            hub,
			DisableMetrics: !cfg.EnableMetrics,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP Server starting", "port", cfg.HTTPPort, "supervised_agents", len(roster))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}
	supervisor.Shutdown(shutdownCtx)
}

func needsDocker(roster []domain.AgentSpec) bool {
	for _, spec := range roster {
		if spec.Runtime == domain.RuntimeDocker {
			return true
		}
	}
	return false
}
