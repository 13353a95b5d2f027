package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"a2a.mesh/internal/core/domain"
	"a2a.mesh/internal/core/logger"
	"a2a.mesh/internal/core/ports"
)

const (
	DefaultHealthInterval   = 15 * time.Second
	DefaultStartTimeout     = 10 * time.Second
	DefaultStopGrace        = 5 * time.Second
	DefaultRestartCooldown  = 2 * time.Second
	DefaultFailureThreshold = 3
	defaultLivenessPoll     = 500 * time.Millisecond
)

type SupervisorOptions struct {
	HealthInterval   time.Duration
	StartTimeout     time.Duration
	StopGrace        time.Duration
	RestartCooldown  time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
	LivenessPoll     time.Duration
}

func (o *SupervisorOptions) setDefaults() {
	if o.HealthInterval <= 0 {
		o.HealthInterval = DefaultHealthInterval
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
	if o.RestartCooldown < 0 {
		o.RestartCooldown = 0
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.LivenessPoll <= 0 {
		o.LivenessPoll = defaultLivenessPoll
	}
}

type managedAgent struct {
	spec domain.AgentSpec
	// opMu serializes start, stop and restart of one agent.
	opMu   sync.Mutex
	state  domain.SupervisedProcess
	handle ports.ProcessHandle
}

// Supervisor owns the lifecycle of the configured leaf agent processes.
type Supervisor struct {
	launcher ports.Launcher
	prober   ports.LivenessProber
	events   *EventLog
	opts     SupervisorOptions

	mu     sync.RWMutex // guards agent state and handles
	agents map[string]*managedAgent
	order  []string

	restarts atomic.Int64
	log      *slog.Logger
}

func NewSupervisor(specs []domain.AgentSpec, launcher ports.Launcher, prober ports.LivenessProber, events *EventLog, opts SupervisorOptions) *Supervisor {
	opts.setDefaults()
	s := &Supervisor{
		launcher: launcher,
		prober:   prober,
		events:   events,
		opts:     opts,
		agents:   make(map[string]*managedAgent, len(specs)),
		log:      logger.With("component", "supervisor"),
	}
	for _, spec := range specs {
		s.agents[spec.ID] = &managedAgent{
			spec: spec,
			state: domain.SupervisedProcess{
				AgentID: spec.ID,
				Name:    spec.Name,
				Type:    spec.Type,
				Port:    spec.Port,
				Status:  domain.ProcessStatusStopped,
			},
		}
		s.order = append(s.order, spec.ID)
	}
	return s
}

func (s *Supervisor) lookup(id, op string) (*managedAgent, error) {
	s.mu.RLock()
	a, ok := s.agents[id]
	s.mu.RUnlock()
	if !ok {
		return nil, &domain.SupervisorError{AgentID: id, Op: op, Err: domain.ErrAgentNotConfigured}
	}
	return a, nil
}

// StartAgent spawns the agent and waits until its liveness endpoint answers.
func (s *Supervisor) StartAgent(ctx context.Context, id string) error {
	a, err := s.lookup(id, "start")
	if err != nil {
		return err
	}
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if err := s.start(ctx, a); err != nil {
		return err
	}
	s.events.Record(domain.EventAgentStarted, id, fmt.Sprintf("Started %s on port %d", id, a.spec.Port), nil)
	return nil
}

func (s *Supervisor) start(ctx context.Context, a *managedAgent) error {
	id := a.spec.ID

	s.mu.Lock()
	if a.state.Status == domain.ProcessStatusRunning || a.state.Status == domain.ProcessStatusStarting {
		s.mu.Unlock()
		return &domain.SupervisorError{AgentID: id, Op: "start", Err: domain.ErrAlreadyRunning}
	}
	a.state.Status = domain.ProcessStatusStarting
	a.state.LastError = ""
	s.mu.Unlock()

	s.log.Info("Starting agent", "agent_id", id, "port", a.spec.Port, "runtime", a.spec.Runtime)

	logf := func(stream, line string) {
		s.log.Info("Agent output", "agent_id", id, "stream", stream, "line", line)
	}
	handle, err := s.launcher.Launch(ctx, a.spec, logf)
	if err != nil {
		s.mu.Lock()
		a.state.Status = domain.ProcessStatusStopped
		a.state.LastError = err.Error()
		s.mu.Unlock()
		return &domain.SupervisorError{AgentID: id, Op: "start", Err: err}
	}

	now := time.Now().UTC()
	s.mu.Lock()
	a.handle = handle
	a.state.PID = handle.ID()
	a.state.StartTime = &now
	s.mu.Unlock()

	go s.watch(a, handle)

	if err := s.waitLive(ctx, a.spec, handle); err != nil {
		// A process that is still attached is handed to the health loop with
		// one failure counted, so it is promoted or restarted from there.
		s.mu.Lock()
		a.state.LastError = err.Error()
		if a.handle == handle && a.state.Status == domain.ProcessStatusStarting &&
			!errors.Is(err, domain.ErrProcessExitedEarly) {
			a.state.Status = domain.ProcessStatusRunning
			a.state.ErrorCount = 1
		}
		s.mu.Unlock()
		s.log.Error("Agent did not become live", "agent_id", id, "error", err)
		return &domain.SupervisorError{AgentID: id, Op: "start", Err: err}
	}

	s.mu.Lock()
	a.state.Status = domain.ProcessStatusRunning
	a.state.ErrorCount = 0
	s.mu.Unlock()

	s.log.Info("Agent running", "agent_id", id, "pid", handle.ID())
	return nil
}

// waitLive polls the health URL until it answers, the process exits or the
// start timeout elapses.
func (s *Supervisor) waitLive(ctx context.Context, spec domain.AgentSpec, handle ports.ProcessHandle) error {
	url := spec.HealthURL()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		select {
		case <-handle.Done():
			return struct{}{}, backoff.Permanent(domain.ErrProcessExitedEarly)
		default:
		}
		probeCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
		defer cancel()
		return struct{}{}, s.prober.Probe(probeCtx, url)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.opts.LivenessPoll)),
		backoff.WithMaxElapsedTime(s.opts.StartTimeout),
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrProcessExitedEarly):
		if herr := handle.Err(); herr != nil {
			return fmt.Errorf("%w: %v", domain.ErrProcessExitedEarly, herr)
		}
		return domain.ErrProcessExitedEarly
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w after %s: %v", domain.ErrStartTimeout, s.opts.StartTimeout, err)
	}
}

// watch marks the agent stopped when its process exits on its own.
func (s *Supervisor) watch(a *managedAgent, handle ports.ProcessHandle) {
	<-handle.Done()

	s.mu.Lock()
	if a.handle != handle || a.state.Status == domain.ProcessStatusStopping {
		s.mu.Unlock()
		return
	}
	a.handle = nil
	a.state.Status = domain.ProcessStatusStopped
	a.state.PID = ""
	msg := "process exited"
	if err := handle.Err(); err != nil {
		msg = err.Error()
	}
	a.state.LastError = msg
	s.mu.Unlock()

	s.log.Warn("Agent exited unexpectedly", "agent_id", a.spec.ID, "error", msg)
	s.events.Record(domain.EventAgentExited, a.spec.ID, fmt.Sprintf("Agent %s exited: %s", a.spec.ID, msg), nil)
}

// StopAgent terminates the agent, killing it after the grace period.
func (s *Supervisor) StopAgent(ctx context.Context, id string) error {
	a, err := s.lookup(id, "stop")
	if err != nil {
		return err
	}
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if err := s.stop(ctx, a); err != nil {
		return err
	}
	s.events.Record(domain.EventAgentStopped, id, fmt.Sprintf("Stopped %s", id), nil)
	return nil
}

func (s *Supervisor) stop(ctx context.Context, a *managedAgent) error {
	id := a.spec.ID

	s.mu.Lock()
	handle := a.handle
	if handle == nil {
		a.state.Status = domain.ProcessStatusStopped
		s.mu.Unlock()
		return &domain.SupervisorError{AgentID: id, Op: "stop", Err: domain.ErrNotRunning}
	}
	a.state.Status = domain.ProcessStatusStopping
	s.mu.Unlock()

	s.log.Info("Stopping agent", "agent_id", id, "pid", handle.ID())

	if err := handle.Terminate(); err != nil {
		s.log.Warn("Terminate failed", "agent_id", id, "error", err)
	}

	grace := time.NewTimer(s.opts.StopGrace)
	defer grace.Stop()

	select {
	case <-handle.Done():
	case <-grace.C:
		s.log.Warn("Agent did not exit in time, killing", "agent_id", id, "grace", s.opts.StopGrace)
		s.kill(id, handle)
	case <-ctx.Done():
		s.kill(id, handle)
	}

	s.mu.Lock()
	if a.handle == handle {
		a.handle = nil
	}
	a.state.Status = domain.ProcessStatusStopped
	a.state.PID = ""
	s.mu.Unlock()

	s.log.Info("Agent stopped", "agent_id", id)
	return nil
}

func (s *Supervisor) kill(id string, handle ports.ProcessHandle) {
	if err := handle.Kill(); err != nil {
		s.log.Error("Kill failed", "agent_id", id, "error", err)
	}
	select {
	case <-handle.Done():
	case <-time.After(s.opts.StopGrace):
		s.log.Error("Agent still alive after kill", "agent_id", id)
	}
}

// RestartAgent stops the agent if needed, waits the cooldown and starts it.
func (s *Supervisor) RestartAgent(ctx context.Context, id string) error {
	a, err := s.lookup(id, "restart")
	if err != nil {
		return err
	}
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if err := s.stop(ctx, a); err != nil && !errors.Is(err, domain.ErrNotRunning) {
		return err
	}

	if s.opts.RestartCooldown > 0 {
		cooldown := time.NewTimer(s.opts.RestartCooldown)
		select {
		case <-cooldown.C:
		case <-ctx.Done():
			cooldown.Stop()
			return &domain.SupervisorError{AgentID: id, Op: "restart", Err: ctx.Err()}
		}
	}

	if err := s.start(ctx, a); err != nil {
		return err
	}

	s.restarts.Add(1)
	s.mu.Lock()
	a.state.Restarts++
	s.mu.Unlock()
	s.events.Record(domain.EventAgentRestarted, id, fmt.Sprintf("Restarted %s", id), nil)
	return nil
}

// StartAll starts every configured agent and reports each outcome.
func (s *Supervisor) StartAll(ctx context.Context) []domain.OperationResult {
	return s.forEach(ctx, s.StartAgent)
}

// StopAll stops every running agent and reports each outcome.
func (s *Supervisor) StopAll(ctx context.Context) []domain.OperationResult {
	return s.forEach(ctx, s.StopAgent)
}

func (s *Supervisor) forEach(ctx context.Context, op func(context.Context, string) error) []domain.OperationResult {
	ids := s.ids()
	results := make([]domain.OperationResult, len(ids))

	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			res := domain.OperationResult{AgentID: id, Success: true}
			if err := op(ctx, id); err != nil {
				res.Success = false
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Shutdown stops every agent that still has a process attached.
func (s *Supervisor) Shutdown(ctx context.Context) {
	for _, res := range s.StopAll(ctx) {
		if !res.Success && res.Error != "" {
			s.log.Debug("Shutdown stop skipped", "agent_id", res.AgentID, "error", res.Error)
		}
	}
}

// Run checks agent health on every interval until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckHealth(ctx)
		}
	}
}

// CheckHealth probes every running agent once. Agents whose consecutive
// failures exceed the threshold are restarted.
func (s *Supervisor) CheckHealth(ctx context.Context) {
	var g errgroup.Group
	for _, id := range s.ids() {
		s.mu.RLock()
		a := s.agents[id]
		running := a.state.Status == domain.ProcessStatusRunning
		s.mu.RUnlock()
		if !running {
			continue
		}
		g.Go(func() error {
			if s.probe(ctx, a) {
				s.log.Warn("Failure threshold exceeded, restarting agent", "agent_id", id)
				if err := s.RestartAgent(ctx, id); err != nil {
					s.log.Error("Automatic restart failed", "agent_id", id, "error", err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// probe records one health check and reports whether a restart is due.
func (s *Supervisor) probe(ctx context.Context, a *managedAgent) bool {
	probeCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := s.prober.Probe(probeCtx, a.spec.HealthURL())
	elapsed := time.Since(start)
	now := time.Now().UTC()

	s.mu.Lock()
	a.state.LastHealthCheck = &now
	if err == nil {
		a.state.ResponseTime = elapsed
		a.state.ErrorCount = 0
		s.mu.Unlock()
		return false
	}
	a.state.ErrorCount++
	a.state.LastError = err.Error()
	count := a.state.ErrorCount
	s.mu.Unlock()

	s.log.Warn("Health check failed", "agent_id", a.spec.ID, "error_count", count, "error", err)
	s.events.Record(domain.EventAgentUnhealthy, a.spec.ID, fmt.Sprintf("Health check failed for %s (%d)", a.spec.ID, count),
		map[string]any{"error_count": count, "error": err.Error()})
	return count > s.opts.FailureThreshold
}

func (s *Supervisor) ids() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	return ids
}

// Get returns the state of one agent.
func (s *Supervisor) Get(id string) (domain.SupervisedProcess, error) {
	a, err := s.lookup(id, "get")
	if err != nil {
		return domain.SupervisedProcess{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return a.state, nil
}

// Spec returns the static configuration of one agent.
func (s *Supervisor) Spec(id string) (domain.AgentSpec, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return domain.AgentSpec{}, false
	}
	return a.spec, true
}

// Snapshot returns all agents in configuration order.
func (s *Supervisor) Snapshot() []domain.SupervisedProcess {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SupervisedProcess, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.agents[id].state)
	}
	return out
}

// CountByStatus counts agents per process status.
func (s *Supervisor) CountByStatus() map[domain.ProcessStatus]int {
	counts := map[domain.ProcessStatus]int{
		domain.ProcessStatusStarting: 0,
		domain.ProcessStatusRunning:  0,
		domain.ProcessStatusStopping: 0,
		domain.ProcessStatusStopped:  0,
	}
	for _, p := range s.Snapshot() {
		counts[p.Status]++
	}
	return counts
}

// Health is the fraction of configured agents currently running.
func (s *Supervisor) Health() float64 {
	snap := s.Snapshot()
	if len(snap) == 0 {
		return 0
	}
	running := 0
	for _, p := range snap {
		if p.Status == domain.ProcessStatusRunning {
			running++
		}
	}
	return float64(running) / float64(len(snap))
}

func (s *Supervisor) Restarts() int64 {
	return s.restarts.Load()
}

func (s *Supervisor) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
