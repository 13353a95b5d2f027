package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a2a.mesh/internal/core/domain"
	"a2a.mesh/internal/core/ports"
)

type fakeHandle struct {
	id         string
	done       chan struct{}
	once       sync.Once
	ignoreTerm bool
	killed     atomic.Bool
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) exit() { h.once.Do(func() { close(h.done) }) }

func (h *fakeHandle) Terminate() error {
	if !h.ignoreTerm {
		h.exit()
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.killed.Store(true)
	h.exit()
	return nil
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) Err() error            { return nil }

type fakeLauncher struct {
	mu         sync.Mutex
	launches   map[string]int
	handles    map[string]*fakeHandle
	fail       map[string]error
	ignoreTerm bool
	exitAtOnce bool
	pid        int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		launches: make(map[string]int),
		handles:  make(map[string]*fakeHandle),
		fail:     make(map[string]error),
	}
}

func (l *fakeLauncher) Launch(ctx context.Context, spec domain.AgentSpec, logf ports.LogFunc) (ports.ProcessHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail[spec.ID]; err != nil {
		return nil, err
	}
	l.launches[spec.ID]++
	l.pid++
	h := &fakeHandle{id: fmt.Sprint(l.pid), done: make(chan struct{}), ignoreTerm: l.ignoreTerm}
	if l.exitAtOnce {
		h.exit()
	}
	l.handles[spec.ID] = h
	logf("stdout", "listening on "+spec.BaseURL())
	return h, nil
}

func (l *fakeLauncher) count(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches[id]
}

func (l *fakeLauncher) handle(id string) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[id]
}

// fakeProber answers per health URL.
type fakeProber struct {
	mu      sync.Mutex
	healthy map[string]bool
	probes  map[string]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{healthy: make(map[string]bool), probes: make(map[string]int)}
}

func (p *fakeProber) set(url string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy[url] = ok
}

func (p *fakeProber) Probe(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes[url]++
	if !p.healthy[url] {
		return errors.New("connection refused")
	}
	return nil
}

func testSpecs() []domain.AgentSpec {
	return []domain.AgentSpec{
		{ID: "agent-a", Name: "A", Type: "text-processor", Port: 4001, Runtime: domain.RuntimeExec, Command: []string{"agent"}},
		{ID: "agent-b", Name: "B", Type: "math-calculator", Port: 4002, Runtime: domain.RuntimeExec, Command: []string{"agent"}},
	}
}

func fastOptions() SupervisorOptions {
	return SupervisorOptions{
		StartTimeout:     100 * time.Millisecond,
		StopGrace:        50 * time.Millisecond,
		RestartCooldown:  time.Millisecond,
		ProbeTimeout:     50 * time.Millisecond,
		FailureThreshold: 3,
		LivenessPoll:     5 * time.Millisecond,
	}
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeLauncher, *fakeProber, *EventLog) {
	t.Helper()
	launcher := newFakeLauncher()
	prober := newFakeProber()
	for _, s := range testSpecs() {
		prober.set(s.HealthURL(), true)
	}
	events := NewEventLog(100)
	return NewSupervisor(testSpecs(), launcher, prober, events, fastOptions()), launcher, prober, events
}

func TestSupervisor_StartStop(t *testing.T) {
	sup, launcher, _, events := newTestSupervisor(t)
	ctx := context.Background()

	require.NoError(t, sup.StartAgent(ctx, "agent-a"))
	state, err := sup.Get("agent-a")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessStatusRunning, state.Status)
	assert.NotEmpty(t, state.PID)
	assert.NotNil(t, state.StartTime)
	assert.Equal(t, domain.EventAgentStarted, events.Recent(1)[0].Type)

	err = sup.StartAgent(ctx, "agent-a")
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
	var serr *domain.SupervisorError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "agent-a", serr.AgentID)

	require.NoError(t, sup.StopAgent(ctx, "agent-a"))
	state, _ = sup.Get("agent-a")
	assert.Equal(t, domain.ProcessStatusStopped, state.Status)
	assert.False(t, launcher.handle("agent-a").killed.Load())

	assert.ErrorIs(t, sup.StopAgent(ctx, "agent-a"), domain.ErrNotRunning)
	assert.ErrorIs(t, sup.StartAgent(ctx, "agent-z"), domain.ErrAgentNotConfigured)
}

func TestSupervisor_StopKillsAfterGrace(t *testing.T) {
	sup, launcher, _, _ := newTestSupervisor(t)
	launcher.ignoreTerm = true
	ctx := context.Background()

	require.NoError(t, sup.StartAgent(ctx, "agent-a"))
	require.NoError(t, sup.StopAgent(ctx, "agent-a"))

	assert.True(t, launcher.handle("agent-a").killed.Load())
	state, _ := sup.Get("agent-a")
	assert.Equal(t, domain.ProcessStatusStopped, state.Status)
}

func TestSupervisor_StartTimeoutHandsOverToHealthLoop(t *testing.T) {
	sup, launcher, prober, _ := newTestSupervisor(t)
	ctx := context.Background()
	url := testSpecs()[0].HealthURL()
	prober.set(url, false)

	err := sup.StartAgent(ctx, "agent-a")
	assert.ErrorIs(t, err, domain.ErrStartTimeout)

	state, _ := sup.Get("agent-a")
	assert.Equal(t, domain.ProcessStatusRunning, state.Status)
	assert.Equal(t, 1, state.ErrorCount)
	assert.NotEmpty(t, state.PID)
	assert.NotEmpty(t, state.LastError)
	assert.ErrorIs(t, sup.StartAgent(ctx, "agent-a"), domain.ErrAlreadyRunning)

	// A late answer clears the seeded failure.
	prober.set(url, true)
	sup.CheckHealth(ctx)
	state, _ = sup.Get("agent-a")
	assert.Equal(t, 0, state.ErrorCount)
	assert.NotNil(t, state.LastHealthCheck)
	assert.Equal(t, 1, launcher.count("agent-a"))

	// Still failing after a timed out restart keeps the agent supervised.
	prober.set(url, false)
	for i := 0; i < 4; i++ {
		sup.CheckHealth(ctx)
	}
	assert.Equal(t, 2, launcher.count("agent-a"))
	state, _ = sup.Get("agent-a")
	assert.Equal(t, domain.ProcessStatusRunning, state.Status)
	assert.Equal(t, 1, state.ErrorCount)

	for i := 0; i < 3; i++ {
		sup.CheckHealth(ctx)
	}
	assert.Equal(t, 3, launcher.count("agent-a"))

	require.NoError(t, sup.StopAgent(ctx, "agent-a"))
}

func TestSupervisor_ProcessExitsDuringStart(t *testing.T) {
	sup, launcher, prober, _ := newTestSupervisor(t)
	launcher.exitAtOnce = true
	prober.set(testSpecs()[0].HealthURL(), false)

	err := sup.StartAgent(context.Background(), "agent-a")
	assert.ErrorIs(t, err, domain.ErrProcessExitedEarly)

	require.Eventually(t, func() bool {
		state, _ := sup.Get("agent-a")
		return state.Status == domain.ProcessStatusStopped
	}, time.Second, 5*time.Millisecond)
}

func TestSupervisor_StartAllCollectsResults(t *testing.T) {
	sup, launcher, _, _ := newTestSupervisor(t)
	launcher.fail["agent-b"] = errors.New("exec: \"agent\": executable file not found")

	results := sup.StartAll(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, domain.OperationResult{AgentID: "agent-a", Success: true}, results[0])
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Error, "executable file not found")

	assert.InDelta(t, 0.5, sup.Health(), 1e-9)
	counts := sup.CountByStatus()
	assert.Equal(t, 1, counts[domain.ProcessStatusRunning])
	assert.Equal(t, 1, counts[domain.ProcessStatusStopped])

	results = sup.StopAll(context.Background())
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
}

func TestSupervisor_RestartAfterConsecutiveFailures(t *testing.T) {
	sup, launcher, prober, events := newTestSupervisor(t)
	ctx := context.Background()
	url := testSpecs()[0].HealthURL()

	require.NoError(t, sup.StartAgent(ctx, "agent-a"))
	prober.set(url, false)

	for i := 1; i <= 3; i++ {
		sup.CheckHealth(ctx)
		state, _ := sup.Get("agent-a")
		assert.Equal(t, i, state.ErrorCount)
		assert.Equal(t, 1, launcher.count("agent-a"), "no restart at or below the threshold")
	}

	// The fourth failure exceeds the threshold; the agent comes back healthy.
	go func() {
		time.Sleep(20 * time.Millisecond)
		prober.set(url, true)
	}()
	sup.CheckHealth(ctx)

	assert.Equal(t, 2, launcher.count("agent-a"))
	state, _ := sup.Get("agent-a")
	assert.Equal(t, domain.ProcessStatusRunning, state.Status)
	assert.Equal(t, 0, state.ErrorCount)
	assert.Equal(t, 1, state.Restarts)
	assert.Equal(t, int64(1), sup.Restarts())
	assert.Equal(t, domain.EventAgentRestarted, events.Recent(1)[0].Type)

	sup.CheckHealth(ctx)
	state, _ = sup.Get("agent-a")
	assert.Equal(t, 0, state.ErrorCount)
	assert.NotNil(t, state.LastHealthCheck)
}

func TestSupervisor_RestartNeverLeavesStopping(t *testing.T) {
	sup, _, prober, _ := newTestSupervisor(t)
	ctx := context.Background()

	require.NoError(t, sup.StartAgent(ctx, "agent-b"))
	prober.set(testSpecs()[1].HealthURL(), false)

	err := sup.RestartAgent(ctx, "agent-b")
	assert.ErrorIs(t, err, domain.ErrStartTimeout)
	state, _ := sup.Get("agent-b")
	assert.NotEqual(t, domain.ProcessStatusStopping, state.Status)

	// Restarting a stopped agent just starts it.
	require.NoError(t, sup.StopAgent(ctx, "agent-b"))
	prober.set(testSpecs()[1].HealthURL(), true)
	require.NoError(t, sup.RestartAgent(ctx, "agent-b"))
	state, _ = sup.Get("agent-b")
	assert.Equal(t, domain.ProcessStatusRunning, state.Status)
}

func TestSupervisor_UnexpectedExit(t *testing.T) {
	sup, launcher, _, events := newTestSupervisor(t)
	require.NoError(t, sup.StartAgent(context.Background(), "agent-a"))

	launcher.handle("agent-a").exit()

	require.Eventually(t, func() bool {
		state, _ := sup.Get("agent-a")
		return state.Status == domain.ProcessStatusStopped
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.EventAgentExited, events.Recent(1)[0].Type)
}
