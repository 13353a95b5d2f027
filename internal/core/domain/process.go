package domain

import (
	"fmt"
	"time"
)

type ProcessStatus string

const (
	ProcessStatusStarting ProcessStatus = "starting"
	ProcessStatusRunning  ProcessStatus = "running"
	ProcessStatusStopping ProcessStatus = "stopping"
	ProcessStatusStopped  ProcessStatus = "stopped"
)

type Runtime string

const (
	RuntimeExec   Runtime = "exec"
	RuntimeDocker Runtime = "docker"
)

// AgentSpec is the static configuration of a supervised leaf agent.
type AgentSpec struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	Type         string            `json:"type" yaml:"type"`
	Host         string            `json:"host" yaml:"host"`
	Port         int               `json:"port" yaml:"port"`
	Runtime      Runtime           `json:"runtime" yaml:"runtime"`
	Command      []string          `json:"command,omitempty" yaml:"command"`
	Image        string            `json:"image,omitempty" yaml:"image"`
	Env          map[string]string `json:"env,omitempty" yaml:"env"`
	HealthPath   string            `json:"health_path" yaml:"health_path"`
	Capabilities []string          `json:"capabilities,omitempty" yaml:"capabilities"`
}

// BaseURL returns the http base address of the agent.
func (s AgentSpec) BaseURL() string {
	host := s.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, s.Port)
}

// HealthURL returns the liveness endpoint probed by the supervisor.
func (s AgentSpec) HealthURL() string {
	path := s.HealthPath
	if path == "" {
		path = "/status"
	}
	return s.BaseURL() + path
}

// SupervisedProcess is the supervisor's view of one agent process.
type SupervisedProcess struct {
	AgentID         string        `json:"agent_id"`
	Name            string        `json:"name"`
	Type            string        `json:"type"`
	Port            int           `json:"port"`
	PID             string        `json:"pid,omitempty"`
	Status          ProcessStatus `json:"status"`
	StartTime       *time.Time    `json:"start_time,omitempty"`
	LastHealthCheck *time.Time    `json:"last_health_check,omitempty"`
	ResponseTime    time.Duration `json:"response_time_ns"`
	ErrorCount      int           `json:"error_count"`
	Restarts        int           `json:"restarts"`
	LastError       string        `json:"last_error,omitempty"`
}

// OperationResult is the per-agent outcome of a bulk supervisor operation.
type OperationResult struct {
	AgentID string `json:"agent_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
