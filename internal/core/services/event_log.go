package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"a2a.mesh/internal/core/domain"
	"a2a.mesh/internal/core/logger"
	"a2a.mesh/internal/core/ports"
)

const (
	DefaultEventLogSize = 100
	sinkTimeout         = 5 * time.Second
)

// EventLog keeps the most recent orchestrator events in a ring and fans
// them out to the configured sinks. A nil *EventLog discards events.
type EventLog struct {
	mu    sync.RWMutex
	ring  []domain.Event
	next  int
	full  bool
	sinks []ports.EventSink

	pending chan domain.Event
	now     func() time.Time
}

func NewEventLog(size int, sinks ...ports.EventSink) *EventLog {
	if size <= 0 {
		size = DefaultEventLogSize
	}
	return &EventLog{
		ring:    make([]domain.Event, size),
		sinks:   sinks,
		pending: make(chan domain.Event, 256),
		now:     time.Now,
	}
}

// AddSink registers another event consumer. Call before Run.
func (l *EventLog) AddSink(sink ports.EventSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, sink)
}

// Record appends an event to the ring and queues it for the sinks.
func (l *EventLog) Record(typ domain.EventType, agentID, message string, data map[string]any) domain.Event {
	if l == nil {
		return domain.Event{}
	}
	event := domain.Event{
		ID:        uuid.New().String(),
		Type:      typ,
		AgentID:   agentID,
		Message:   message,
		Data:      data,
		Timestamp: l.now().UTC(),
	}

	l.mu.Lock()
	l.ring[l.next] = event
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.full = true
	}
	hasSinks := len(l.sinks) > 0
	l.mu.Unlock()

	if hasSinks {
		select {
		case l.pending <- event:
		default:
			logger.Warn("Event queue full, dropping event for sinks", "type", typ, "agent_id", agentID)
		}
	}
	return event
}

// Recent returns up to limit events, newest first.
func (l *EventLog) Recent(limit int) []domain.Event {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	size := l.next
	if l.full {
		size = len(l.ring)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]domain.Event, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.next - 1 - i + len(l.ring)) % len(l.ring)
		out = append(out, l.ring[idx])
	}
	return out
}

// Run delivers queued events to the sinks until ctx is done.
func (l *EventLog) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-l.pending:
			l.deliver(event)
		}
	}
}

func (l *EventLog) deliver(event domain.Event) {
	l.mu.RLock()
	sinks := l.sinks
	l.mu.RUnlock()

	for _, sink := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := sink.Publish(ctx, event); err != nil {
			logger.Warn("Event sink publish failed", "type", event.Type, "error", err)
		}
		cancel()
	}
}
