package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"a2a.mesh/internal/core/circuitbreaker"
	"a2a.mesh/internal/core/domain"
	"a2a.mesh/internal/core/logger"
	"a2a.mesh/internal/core/ports"
	"a2a.mesh/internal/core/tracing"
)

const (
	DefaultDelegationTimeout = 10 * time.Second
	DefaultPollInterval      = 500 * time.Millisecond
	pollAttemptTimeout       = 2 * time.Second
	recordTimeout            = 3 * time.Second
)

type RouterOptions struct {
	// Routes maps a method to the agent type that serves it.
	Routes            map[string]string
	Fallbacks         map[string]FallbackFunc
	DelegationTimeout time.Duration
	PollInterval      time.Duration
	Breakers          *circuitbreaker.Set
	DeadLetters       ports.DeadLetterQueue
	History           ports.HistoryRepository
}

// Router picks an agent for a method, delegates to it and falls back to a
// local handler when delegation is not possible.
type Router struct {
	registry    *Registry
	client      ports.AgentClient
	events      *EventLog
	routes      map[string]string
	fallbacks   map[string]FallbackFunc
	timeout     time.Duration
	poll        time.Duration
	breakers    *circuitbreaker.Set
	deadLetters ports.DeadLetterQueue
	history     ports.HistoryRepository

	delegations atomic.Int64
	fallbackCnt atomic.Int64
	failures    atomic.Int64

	log *slog.Logger
}

func NewRouter(registry *Registry, client ports.AgentClient, events *EventLog, opts RouterOptions) *Router {
	if opts.DelegationTimeout <= 0 {
		opts.DelegationTimeout = DefaultDelegationTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Fallbacks == nil {
		opts.Fallbacks = map[string]FallbackFunc{}
	}
	if opts.Breakers == nil {
		settings := circuitbreaker.DefaultSettings()
		settings.IsSuccessful = breakerSuccess
		opts.Breakers = circuitbreaker.NewSet(settings)
	}
	return &Router{
		registry:    registry,
		client:      client,
		events:      events,
		routes:      opts.Routes,
		fallbacks:   opts.Fallbacks,
		timeout:     opts.DelegationTimeout,
		poll:        opts.PollInterval,
		breakers:    opts.Breakers,
		deadLetters: opts.DeadLetters,
		history:     opts.History,
		log:         logger.With("component", "router"),
	}
}

// breakerSuccess keeps remote handler failures from tripping the breaker:
// the agent answered, the task itself failed.
func breakerSuccess(err error) bool {
	var herr *domain.HandlerError
	return err == nil || errors.As(err, &herr)
}

// Route serves method through the first matching agent or a fallback.
func (r *Router) Route(ctx context.Context, method string, params json.RawMessage) (result *domain.RouteResult, err error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "router.route", attribute.String("a2a.method", method))
	defer func() { tracing.EndSpan(span, err) }()

	agentType, ok := r.routes[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownMethod, method)
	}

	candidates := r.registry.ByType(agentType)
	if len(candidates) == 0 {
		r.log.DebugContext(ctx, "No candidates, running on-demand discovery", "method", method, "type", agentType)
		r.registry.Refresh(ctx)
		candidates = r.registry.ByType(agentType)
	}

	called := []string{}
	var cause error
	var agent domain.AgentDescriptor
	if len(candidates) > 0 {
		agent = candidates[0]
		called = append(called, agent.ID)

		out, remoteTaskID, derr := r.delegate(ctx, agent, method, params)
		if derr == nil {
			r.delegations.Add(1)
			elapsed := time.Since(start)
			r.events.Record(domain.EventDelegationSucceeded, agent.ID, fmt.Sprintf("%s delegated to %s", method, agent.ID),
				map[string]any{"method": method, "duration_ms": elapsed.Milliseconds()})
			r.record(ctx, method, agentType, agent.ID, domain.OutcomeDelegated, elapsed, nil)
			return &domain.RouteResult{
				Method:         method,
				Result:         out,
				DelegationUsed: true,
				AgentsCalled:   called,
				RemoteTaskID:   remoteTaskID,
				DurationMs:     elapsed.Milliseconds(),
			}, nil
		}
		cause = derr
		if errors.Is(derr, domain.ErrRemoteUnavailable) {
			r.registry.Prune(agent.Address, derr)
		}
		r.log.WarnContext(ctx, "Delegation failed", "method", method, "agent_id", agent.ID, "error", derr)
	} else {
		cause = fmt.Errorf("%w: no %s agent available", domain.ErrUnknownCapability, agentType)
	}

	r.deadLetter(ctx, method, params, agent.ID, cause)

	fallback, ok := r.fallbacks[method]
	if !ok {
		r.failures.Add(1)
		elapsed := time.Since(start)
		r.events.Record(domain.EventDelegationFailed, agent.ID, fmt.Sprintf("%s failed without fallback: %v", method, cause),
			map[string]any{"method": method})
		r.record(ctx, method, agentType, agent.ID, domain.OutcomeFailed, elapsed, cause)
		return nil, cause
	}

	r.fallbackCnt.Add(1)
	out := fallback(params)
	elapsed := time.Since(start)
	r.events.Record(domain.EventFallbackUsed, agent.ID, fmt.Sprintf("%s served by local fallback", method),
		map[string]any{"method": method, "reason": cause.Error()})
	r.record(ctx, method, agentType, agent.ID, domain.OutcomeFallback, elapsed, cause)

	return &domain.RouteResult{
		Method:         method,
		Result:         out,
		FallbackUsed:   true,
		AgentsCalled:   called,
		FallbackReason: cause.Error(),
		DurationMs:     elapsed.Milliseconds(),
	}, nil
}

// delegate sends the task and polls until it is terminal or the delegation
// timeout elapses.
func (r *Router) delegate(ctx context.Context, agent domain.AgentDescriptor, method string, params json.RawMessage) (map[string]any, string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "router.delegate",
		attribute.String("a2a.agent_id", agent.ID),
		attribute.String("a2a.method", method))

	var (
		out    map[string]any
		taskID string
	)
	err := r.breakers.Get(agent.ID).Execute(ctx, func() error {
		accepted, err := r.client.SendTask(ctx, agent.BaseURL, method, params)
		if err != nil {
			return err
		}
		taskID = accepted.TaskID

		task, err := r.await(ctx, agent, taskID)
		if err != nil {
			return err
		}
		if task.Status == domain.TaskStatusFailed {
			return &domain.HandlerError{Method: method, AgentID: agent.ID, Message: task.Error}
		}
		out = resultMap(task.Result)
		return nil
	})
	tracing.EndSpan(span, err)
	return out, taskID, err
}

func (r *Router) await(ctx context.Context, agent domain.AgentDescriptor, taskID string) (*domain.Task, error) {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: task %s on %s after %s", domain.ErrDelegationTimeout, taskID, agent.ID, r.timeout)
		case <-ticker.C:
		}

		attemptCtx, cancel := context.WithTimeout(ctx, pollAttemptTimeout)
		task, err := r.client.GetTask(attemptCtx, agent.BaseURL, taskID)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: task %s on %s after %s", domain.ErrDelegationTimeout, taskID, agent.ID, r.timeout)
			}
			return nil, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
	}
}

func resultMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}

// retryingKey marks a context routing an existing dead letter.
type retryingKey struct{}

func (r *Router) deadLetter(ctx context.Context, method string, params json.RawMessage, agentID string, cause error) {
	if r.deadLetters == nil || ctx.Value(retryingKey{}) != nil {
		return
	}
	var p map[string]any
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	letter := &domain.DeadLetter{
		ID:          uuid.New().String(),
		Method:      method,
		Params:      p,
		AgentID:     agentID,
		Reason:      cause.Error(),
		FailureTime: time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := r.deadLetters.Add(ctx, letter); err != nil {
		r.log.Warn("Failed to add dead letter", "method", method, "error", err)
	}
}

func (r *Router) record(ctx context.Context, method, agentType, agentID string, outcome domain.DelegationOutcome, elapsed time.Duration, cause error) {
	if r.history == nil {
		return
	}
	rec := &domain.DelegationRecord{
		ID:         uuid.New().String(),
		Method:     method,
		AgentID:    agentID,
		AgentType:  agentType,
		Outcome:    outcome,
		DurationMs: elapsed.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := r.history.RecordDelegation(ctx, rec); err != nil {
		r.log.Warn("Failed to record delegation", "method", method, "error", err)
	}
}

// RetryDeadLetter routes a dead letter again and drops it once an agent
// handles it.
func (r *Router) RetryDeadLetter(ctx context.Context, id string) (*domain.RouteResult, error) {
	if r.deadLetters == nil {
		return nil, domain.ErrDependencyUnavailable
	}
	letter, err := r.deadLetters.Retry(ctx, id)
	if err != nil {
		return nil, err
	}
	params, err := json.Marshal(letter.Params)
	if err != nil {
		return nil, fmt.Errorf("encode dead letter params: %w", err)
	}

	res, err := r.Route(context.WithValue(ctx, retryingKey{}, id), letter.Method, params)
	if err != nil {
		return nil, err
	}
	if res.DelegationUsed {
		if err := r.deadLetters.Remove(ctx, id); err != nil {
			r.log.Warn("Failed to remove retried dead letter", "id", id, "error", err)
		}
	}
	return res, nil
}

// Methods returns the routable methods and their agent types.
func (r *Router) Methods() map[string]string {
	out := make(map[string]string, len(r.routes))
	for m, t := range r.routes {
		out[m] = t
	}
	return out
}

func (r *Router) HasFallback(method string) bool {
	_, ok := r.fallbacks[method]
	return ok
}

func (r *Router) Stats() domain.DelegationStats {
	d := r.delegations.Load()
	f := r.fallbackCnt.Load()
	stats := domain.DelegationStats{
		Delegations: d,
		Fallbacks:   f,
		Failures:    r.failures.Load(),
	}
	if total := d + f; total > 0 {
		stats.DelegationRate = float64(d) / float64(total)
	}
	return stats
}

// BreakerStates reports the circuit state per agent id.
func (r *Router) BreakerStates() map[string]string {
	return r.breakers.States()
}
