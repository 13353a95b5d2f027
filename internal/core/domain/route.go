package domain

// RouteResult is the annotated outcome of routing one request.
type RouteResult struct {
	Method         string         `json:"method"`
	Result         map[string]any `json:"result"`
	DelegationUsed bool           `json:"delegation_used"`
	FallbackUsed   bool           `json:"fallback_used"`
	AgentsCalled   []string       `json:"agents_called"`
	FallbackReason string         `json:"fallback_reason,omitempty"`
	RemoteTaskID   string         `json:"remote_task_id,omitempty"`
	DurationMs     int64          `json:"duration_ms"`
}

// DelegationStats are the running router counters.
type DelegationStats struct {
	Delegations    int64   `json:"delegations"`
	Fallbacks      int64   `json:"fallbacks"`
	Failures       int64   `json:"failures"`
	DelegationRate float64 `json:"delegation_rate"`
}
