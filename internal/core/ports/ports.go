package ports

import (
	"context"
	"encoding/json"

	"a2a.mesh/internal/core/domain"
)

// AgentClient talks to leaf agents over their HTTP endpoints.
type AgentClient interface {
	Status(ctx context.Context, baseURL string) (*domain.StatusReport, error)
	AgentCard(ctx context.Context, baseURL string) (*domain.AgentCard, error)
	SendTask(ctx context.Context, baseURL, method string, params any) (*domain.TaskAccepted, error)
	GetTask(ctx context.Context, baseURL, taskID string) (*domain.Task, error)
}

// LivenessProber checks a single health URL.
type LivenessProber interface {
	Probe(ctx context.Context, url string) error
}

// LogFunc receives one line of process output.
type LogFunc func(stream, line string)

// ProcessHandle is a launched agent process or container.
type ProcessHandle interface {
	ID() string
	// Terminate asks the process to exit gracefully.
	Terminate() error
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	Err() error
}

// Launcher spawns supervised agents.
type Launcher interface {
	Launch(ctx context.Context, spec domain.AgentSpec, logf LogFunc) (ProcessHandle, error)
}

// EventSink receives orchestrator events.
type EventSink interface {
	Publish(ctx context.Context, event domain.Event) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event domain.Event) error

func (f EventSinkFunc) Publish(ctx context.Context, event domain.Event) error {
	return f(ctx, event)
}

// EventSubscriber streams events published on a bus.
type EventSubscriber interface {
	Subscribe(ctx context.Context) (<-chan domain.Event, error)
}

type DeadLetterQueue interface {
	Add(ctx context.Context, letter *domain.DeadLetter) error
	Get(ctx context.Context, id string) (*domain.DeadLetter, error)
	List(ctx context.Context, offset, limit int64) ([]*domain.DeadLetter, error)
	Remove(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)
	Retry(ctx context.Context, id string) (*domain.DeadLetter, error)
}

type HistoryRepository interface {
	SaveEvent(ctx context.Context, event domain.Event) error
	ListEvents(ctx context.Context, offset, limit int) ([]*domain.Event, error)
	CountEvents(ctx context.Context) (int64, error)
	RecordDelegation(ctx context.Context, record *domain.DelegationRecord) error
	ListDelegations(ctx context.Context, offset, limit int) ([]*domain.DelegationRecord, error)
	CountDelegations(ctx context.Context) (map[domain.DelegationOutcome]int64, error)
	Ping(ctx context.Context) error
}

// Handler executes one capability on raw params.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)
