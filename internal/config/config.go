package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	HTTPPort string

	// Discovery
	DiscoveryHost      string
	DiscoveryPortStart int
	DiscoveryPortEnd   int
	DiscoveryInterval  time.Duration
	ProbeTimeout       time.Duration

	// Routing
	DelegationTimeout time.Duration
	PollInterval      time.Duration

	// Supervision
	AgentsFile       string
	AutoStart        bool
	HealthInterval   time.Duration
	FailureThreshold int
	StartTimeout     time.Duration
	StopGrace        time.Duration
	RestartCooldown  time.Duration
	DockerNetwork    string

	// Optional backends, empty disables
	DatabaseURL string
	RedisURL    string
	MQTTBroker  string
	NATSURL     string

	Logging
	Tracing

	EnableMetrics bool
}

type Logging struct {
	LogLevel  slog.Level
	LogFormat string // "json" or "text"
}

type Tracing struct {
	OTLPEndpoint  string
	ServiceName   string
	EnableTracing bool
}

// AgentConfig configures a leaf agent process.
type AgentConfig struct {
	Kind              string
	ID                string // overrides the profile's card id when set
	Host              string
	Bind              string // listen address, empty means localhost only
	Port              int
	Workers           int
	TaskStoreCapacity int
	RPCRateLimit      int
	ShutdownTimeout   time.Duration

	Logging
	Tracing
}

func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:           getEnv("HTTP_PORT", "3000"),
		DiscoveryHost:      getEnv("DISCOVERY_HOST", "localhost"),
		DiscoveryPortStart: getEnvInt("DISCOVERY_PORT_START", 3001),
		DiscoveryPortEnd:   getEnvInt("DISCOVERY_PORT_END", 3010),
		DiscoveryInterval:  getEnvDuration("DISCOVERY_INTERVAL", 30*time.Second),
		ProbeTimeout:       getEnvDuration("PROBE_TIMEOUT", 2*time.Second),
		DelegationTimeout:  getEnvDuration("DELEGATION_TIMEOUT", 10*time.Second),
		PollInterval:       getEnvDuration("POLL_INTERVAL", 500*time.Millisecond),
		AgentsFile:         getEnv("AGENTS_FILE", ""),
		AutoStart:          getEnvBool("AUTO_START", false),
		HealthInterval:     getEnvDuration("HEALTH_INTERVAL", 15*time.Second),
		FailureThreshold:   getEnvInt("FAILURE_THRESHOLD", 3),
		StartTimeout:       getEnvDuration("START_TIMEOUT", 10*time.Second),
		StopGrace:          getEnvDuration("STOP_GRACE", 5*time.Second),
		RestartCooldown:    getEnvDuration("RESTART_COOLDOWN", 2*time.Second),
		DockerNetwork:      getEnv("DOCKER_NETWORK", ""),
		DatabaseURL:        getEnv("DB_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		MQTTBroker:         getEnv("MQTT_BROKER", ""),
		NATSURL:            getEnv("NATS_URL", ""),
		Logging:            loadLogging(),
		Tracing:            loadTracing("a2a-orchestrator"),
		EnableMetrics:      getEnvBool("ENABLE_METRICS", true),
	}

	if cfg.DiscoveryPortStart <= 0 || cfg.DiscoveryPortEnd < cfg.DiscoveryPortStart {
		return nil, fmt.Errorf("invalid discovery port range %d-%d", cfg.DiscoveryPortStart, cfg.DiscoveryPortEnd)
	}
	if cfg.FailureThreshold < 1 {
		return nil, fmt.Errorf("FAILURE_THRESHOLD must be positive, got %d", cfg.FailureThreshold)
	}

	return cfg, nil
}

// DiscoveryAddresses expands the configured port range into host:port candidates.
func (c *Config) DiscoveryAddresses() []string {
	addrs := make([]string, 0, c.DiscoveryPortEnd-c.DiscoveryPortStart+1)
	for port := c.DiscoveryPortStart; port <= c.DiscoveryPortEnd; port++ {
		addrs = append(addrs, fmt.Sprintf("%s:%d", c.DiscoveryHost, port))
	}
	return addrs
}

func LoadAgent() (*AgentConfig, error) {
	kind := strings.ToLower(getEnv("AGENT_KIND", ""))
	if kind == "" {
		return nil, fmt.Errorf("AGENT_KIND is required (text, math, sentiment, language)")
	}

	cfg := &AgentConfig{
		Kind:              kind,
		ID:                getEnv("AGENT_ID", ""),
		Host:              getEnv("AGENT_HOST", "localhost"),
		Bind:              getEnv("AGENT_BIND", ""),
		Port:              getEnvInt("PORT", 0),
		Workers:           getEnvInt("WORKERS", 4),
		TaskStoreCapacity: getEnvInt("TASK_STORE_CAPACITY", 1000),
		RPCRateLimit:      getEnvInt("RPC_RATE_LIMIT", 100),
		ShutdownTimeout:   getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		Logging:           loadLogging(),
		Tracing:           loadTracing("a2a-agent-" + kind),
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return cfg, nil
}

func loadLogging() Logging {
	l := Logging{LogFormat: getEnv("LOG_FORMAT", "text")}

	switch getEnv("LOG_LEVEL", "info") {
	case "debug":
		l.LogLevel = slog.LevelDebug
	case "info":
		l.LogLevel = slog.LevelInfo
	case "warn":
		l.LogLevel = slog.LevelWarn
	case "error":
		l.LogLevel = slog.LevelError
	default:
		l.LogLevel = slog.LevelInfo
	}
	return l
}

func loadTracing(defaultService string) Tracing {
	return Tracing{
		OTLPEndpoint:  getEnv("OTLP_ENDPOINT", ""),
		ServiceName:   getEnv("SERVICE_NAME", defaultService),
		EnableTracing: getEnvBool("ENABLE_TRACING", false),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return defaultValue
		}
		return parsed
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return defaultValue
		}
		return parsed
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return defaultValue
		}
		return parsed
	}
	return defaultValue
}
