package domain

import "time"

type DelegationMode string

const (
	DelegationAutomatic   DelegationMode = "automatic"
	DelegationConditional DelegationMode = "conditional"
	DelegationNone        DelegationMode = "none"
)

// Capability is one typed operation published in an agent card.
type Capability struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputFormat  string         `json:"input_format"`
	OutputFormat string         `json:"output_format"`
	Delegation   DelegationMode `json:"delegation,omitempty"`
}

type Endpoints struct {
	Status     string `json:"status"`
	RPC        string `json:"rpc"`
	TaskStatus string `json:"task_status"`
	AgentCard  string `json:"agent_card"`
}

type Authentication struct {
	Type string `json:"type"`
}

type DiscoveryInfo struct {
	Discoverable bool     `json:"discoverable"`
	Category     string   `json:"category"`
	Tags         []string `json:"tags"`
}

// AgentCard is the capability manifest served read-only by every leaf agent.
type AgentCard struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Version        string         `json:"version"`
	Type           string         `json:"type"`
	Endpoints      Endpoints      `json:"endpoints"`
	Capabilities   []Capability   `json:"capabilities"`
	Authentication Authentication `json:"authentication"`
	DiscoveryInfo  DiscoveryInfo  `json:"discovery_info"`
}

// HasCapability reports whether the card declares the capability id.
func (c *AgentCard) HasCapability(id string) bool {
	for _, capability := range c.Capabilities {
		if capability.ID == id {
			return true
		}
	}
	return false
}

// StatusReport is the liveness payload served on /status.
type StatusReport struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	AgentID     string    `json:"agentId"`
	Name        string    `json:"name,omitempty"`
	Type        string    `json:"type,omitempty"`
	Version     string    `json:"version,omitempty"`
	Uptime      float64   `json:"uptime_seconds"`
	ActiveTasks int       `json:"active_tasks"`
	TotalTasks  int64     `json:"total_tasks"`
}
