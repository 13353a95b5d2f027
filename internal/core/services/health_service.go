package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusDisabled  HealthStatus = "disabled"
)

// ComponentHealth represents the health of a specific component
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	Latency   string       `json:"latency,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

// HealthReport represents the overall health report
type HealthReport struct {
	Status     HealthStatus               `json:"status"`
	Version    string                     `json:"version"`
	CheckedAt  time.Time                  `json:"checked_at"`
	Components map[string]ComponentHealth `json:"components"`
}

type HealthService struct {
	registry   *Registry
	supervisor *Supervisor
	db         *gorm.DB
	redis      *redis.Client
	version    string
}

// NewHealthService builds the orchestrator health report. db and redisClient
// are optional.
func NewHealthService(registry *Registry, supervisor *Supervisor, db *gorm.DB, redisClient *redis.Client, version string) *HealthService {
	if version == "" {
		version = "1.0.0"
	}
	return &HealthService{
		registry:   registry,
		supervisor: supervisor,
		db:         db,
		redis:      redisClient,
		version:    version,
	}
}

func (s *HealthService) CheckHealth(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     HealthStatusHealthy,
		Version:    s.version,
		CheckedAt:  time.Now(),
		Components: make(map[string]ComponentHealth),
	}

	degrade := func(name string, h ComponentHealth) {
		report.Components[name] = h
		if h.Status == HealthStatusUnhealthy || h.Status == HealthStatusDegraded {
			if report.Status == HealthStatusHealthy {
				report.Status = HealthStatusDegraded
			}
		}
	}

	degrade("supervisor", s.checkSupervisor())
	degrade("registry", s.checkRegistry())

	// Storage outages make the orchestrator unhealthy, not just degraded.
	dbHealth := s.checkDatabase(ctx)
	report.Components["database"] = dbHealth
	if dbHealth.Status == HealthStatusUnhealthy {
		report.Status = HealthStatusUnhealthy
	}

	degrade("redis", s.checkRedis(ctx))

	return report
}

func (s *HealthService) checkSupervisor() ComponentHealth {
	if s.supervisor == nil || s.supervisor.Len() == 0 {
		return ComponentHealth{Status: HealthStatusDisabled, Message: "No supervised agents", CheckedAt: time.Now()}
	}
	fraction := s.supervisor.Health()
	status := HealthStatusHealthy
	switch {
	case fraction == 0:
		status = HealthStatusUnhealthy
	case fraction < 1:
		status = HealthStatusDegraded
	}
	return ComponentHealth{
		Status:    status,
		Message:   fmt.Sprintf("%.0f%% of agents running", fraction*100),
		CheckedAt: time.Now(),
	}
}

func (s *HealthService) checkRegistry() ComponentHealth {
	if s.registry == nil {
		return ComponentHealth{Status: HealthStatusDisabled, CheckedAt: time.Now()}
	}
	n := s.registry.Len()
	status := HealthStatusHealthy
	if n == 0 {
		status = HealthStatusDegraded
	}
	msg := fmt.Sprintf("%d agents discovered", n)
	if last := s.registry.LastPass(); !last.IsZero() {
		msg += fmt.Sprintf(", last pass %s ago", time.Since(last).Round(time.Second))
	}
	return ComponentHealth{Status: status, Message: msg, CheckedAt: time.Now()}
}

func (s *HealthService) checkDatabase(ctx context.Context) ComponentHealth {
	if s.db == nil {
		return ComponentHealth{Status: HealthStatusDisabled, Message: "Database not configured", CheckedAt: time.Now()}
	}
	start := time.Now()

	sqlDB, err := s.db.DB()
	if err != nil {
		return ComponentHealth{
			Status:    HealthStatusUnhealthy,
			Message:   fmt.Sprintf("Failed to get database instance: %v", err),
			CheckedAt: time.Now(),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		return ComponentHealth{
			Status:    HealthStatusUnhealthy,
			Message:   fmt.Sprintf("Database ping failed: %v", err),
			Latency:   time.Since(start).String(),
			CheckedAt: time.Now(),
		}
	}

	var result int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&result).Error; err != nil {
		return ComponentHealth{
			Status:    HealthStatusUnhealthy,
			Message:   fmt.Sprintf("Database query failed: %v", err),
			Latency:   time.Since(start).String(),
			CheckedAt: time.Now(),
		}
	}

	return ComponentHealth{
		Status:    HealthStatusHealthy,
		Latency:   time.Since(start).String(),
		CheckedAt: time.Now(),
	}
}

func (s *HealthService) checkRedis(ctx context.Context) ComponentHealth {
	if s.redis == nil {
		return ComponentHealth{Status: HealthStatusDisabled, Message: "Redis not configured", CheckedAt: time.Now()}
	}
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.redis.Ping(ctx).Err(); err != nil {
		return ComponentHealth{
			Status:    HealthStatusUnhealthy,
			Message:   fmt.Sprintf("Redis ping failed: %v", err),
			Latency:   time.Since(start).String(),
			CheckedAt: time.Now(),
		}
	}

	return ComponentHealth{
		Status:    HealthStatusHealthy,
		Latency:   time.Since(start).String(),
		CheckedAt: time.Now(),
	}
}

// SimpleHealthCheck returns a simple health status for load balancers
func (s *HealthService) SimpleHealthCheck(ctx context.Context) (string, int) {
	report := s.CheckHealth(ctx)

	switch report.Status {
	case HealthStatusHealthy:
		return "ok", http.StatusOK
	case HealthStatusDegraded:
		return "degraded", http.StatusOK
	default:
		return "unhealthy", http.StatusServiceUnavailable
	}
}
