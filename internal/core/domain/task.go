package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task is one unit of asynchronous work accepted by a leaf agent.
// Result and Error are mutually exclusive and only set in a terminal state.
type Task struct {
	ID          string          `json:"id"`
	Method      string          `json:"method"`
	Params      json.RawMessage `json:"params,omitempty"`
	Status      TaskStatus      `json:"status"`
	Result      any             `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// TaskStats summarizes a task store.
type TaskStats struct {
	Processing int   `json:"processing"`
	Completed  int   `json:"completed"`
	Failed     int   `json:"failed"`
	Accepted   int64 `json:"accepted_total"`
	Evicted    int64 `json:"evicted_total"`
}
