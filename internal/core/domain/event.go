package domain

import "time"

type EventType string

const (
	EventAgentDiscovered     EventType = "agent_discovered"
	EventAgentLost           EventType = "agent_lost"
	EventAgentRegistered     EventType = "agent_registered"
	EventAgentUnregistered   EventType = "agent_unregistered"
	EventAgentStarted        EventType = "agent_started"
	EventAgentStopped        EventType = "agent_stopped"
	EventAgentRestarted      EventType = "agent_restarted"
	EventAgentUnhealthy      EventType = "agent_unhealthy"
	EventAgentExited         EventType = "agent_exited"
	EventDelegationSucceeded EventType = "delegation_succeeded"
	EventDelegationFailed    EventType = "delegation_failed"
	EventFallbackUsed        EventType = "fallback_used"
	EventWorkflowCompleted   EventType = "workflow_completed"
)

// Event is one entry of the orchestrator event log.
type Event struct {
	ID        string         `json:"id" gorm:"primaryKey"`
	Type      EventType      `json:"type" gorm:"index"`
	AgentID   string         `json:"agent_id,omitempty" gorm:"index"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty" gorm:"serializer:json"`
	Timestamp time.Time      `json:"timestamp" gorm:"index"`
}

func (Event) TableName() string {
	return "events"
}

type DelegationOutcome string

const (
	OutcomeDelegated DelegationOutcome = "delegated"
	OutcomeFallback  DelegationOutcome = "fallback"
	OutcomeFailed    DelegationOutcome = "failed"
)

// DelegationRecord is the persisted history row of one routed request.
type DelegationRecord struct {
	ID         string            `json:"id" gorm:"primaryKey"`
	Method     string            `json:"method" gorm:"index"`
	AgentID    string            `json:"agent_id,omitempty" gorm:"index"`
	AgentType  string            `json:"agent_type"`
	Outcome    DelegationOutcome `json:"outcome" gorm:"index"`
	DurationMs int64             `json:"duration_ms"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (DelegationRecord) TableName() string {
	return "delegations"
}

// DeadLetter is a routed request whose delegation failed.
type DeadLetter struct {
	ID          string         `json:"id"`
	Method      string         `json:"method"`
	Params      map[string]any `json:"params"`
	AgentID     string         `json:"agent_id,omitempty"`
	Reason      string         `json:"reason"`
	FailureTime time.Time      `json:"failure_time"`
	RetryCount  int            `json:"retry_count"`
}
