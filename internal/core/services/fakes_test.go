package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"a2a.mesh/internal/capabilities"
	"a2a.mesh/internal/core/domain"
	"a2a.mesh/internal/core/ports"
)

var errConnRefused = errors.New("connection refused")

// fakeAgent is a remote agent served by fakeClient.
type fakeAgent struct {
	card     domain.AgentCard
	down     bool
	hang     bool // tasks never leave processing
	failWith string
	result   map[string]any
	polls    int // processing responses before the terminal one
}

type fakeTask struct {
	agent *fakeAgent
	polls int
}

type fakeClient struct {
	mu     sync.Mutex
	agents map[string]*fakeAgent // keyed by base url
	tasks  map[string]*fakeTask
	seq    int
	sends  atomic.Int64
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		agents: make(map[string]*fakeAgent),
		tasks:  make(map[string]*fakeTask),
	}
}

func (c *fakeClient) add(baseURL, kind string) *fakeAgent {
	p, err := capabilities.ProfileFor(kind)
	if err != nil {
		panic(err)
	}
	a := &fakeAgent{card: p.Card(baseURL), result: map[string]any{"sentiment": "positive", "confidence": 0.9}}
	c.mu.Lock()
	c.agents[baseURL] = a
	c.mu.Unlock()
	return a
}

func (c *fakeClient) setDown(baseURL string, down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[baseURL].down = down
}

func (c *fakeClient) agent(baseURL, op string) (*fakeAgent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.agents[baseURL]
	if !ok || a.down {
		return nil, &domain.RemoteError{Address: baseURL, Op: op, Err: errConnRefused}
	}
	return a, nil
}

func (c *fakeClient) Status(ctx context.Context, baseURL string) (*domain.StatusReport, error) {
	a, err := c.agent(baseURL, "status")
	if err != nil {
		return nil, err
	}
	return &domain.StatusReport{Status: "ok", AgentID: a.card.ID}, nil
}

func (c *fakeClient) AgentCard(ctx context.Context, baseURL string) (*domain.AgentCard, error) {
	a, err := c.agent(baseURL, "agent-card")
	if err != nil {
		return nil, err
	}
	card := a.card
	return &card, nil
}

func (c *fakeClient) SendTask(ctx context.Context, baseURL, method string, params any) (*domain.TaskAccepted, error) {
	a, err := c.agent(baseURL, "rpc")
	if err != nil {
		return nil, err
	}
	c.sends.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := fmt.Sprintf("task-%d", c.seq)
	c.tasks[id] = &fakeTask{agent: a}
	return &domain.TaskAccepted{TaskID: id, Status: "accepted"}, nil
}

func (c *fakeClient) GetTask(ctx context.Context, baseURL, taskID string) (*domain.Task, error) {
	if _, err := c.agent(baseURL, "task"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[taskID]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	task := &domain.Task{ID: taskID, Status: domain.TaskStatusProcessing}
	if t.agent.hang || t.polls < t.agent.polls {
		t.polls++
		return task, nil
	}
	if t.agent.failWith != "" {
		task.Status = domain.TaskStatusFailed
		task.Error = t.agent.failWith
		return task, nil
	}
	task.Status = domain.TaskStatusCompleted
	task.Result = t.agent.result
	return task, nil
}

var _ ports.AgentClient = (*fakeClient)(nil)

// fakeDLQ keeps dead letters in memory.
type fakeDLQ struct {
	mu      sync.Mutex
	letters map[string]*domain.DeadLetter
	order   []string
}

func newFakeDLQ() *fakeDLQ {
	return &fakeDLQ{letters: make(map[string]*domain.DeadLetter)}
}

func (q *fakeDLQ) Add(ctx context.Context, letter *domain.DeadLetter) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.letters[letter.ID] = letter
	q.order = append(q.order, letter.ID)
	return nil
}

func (q *fakeDLQ) Get(ctx context.Context, id string) (*domain.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.letters[id]
	if !ok {
		return nil, domain.ErrDeadLetterNotFound
	}
	return l, nil
}

func (q *fakeDLQ) List(ctx context.Context, offset, limit int64) ([]*domain.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*domain.DeadLetter
	for _, id := range q.order {
		if l, ok := q.letters[id]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

func (q *fakeDLQ) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.letters, id)
	return nil
}

func (q *fakeDLQ) Count(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.letters)), nil
}

func (q *fakeDLQ) Retry(ctx context.Context, id string) (*domain.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.letters[id]
	if !ok {
		return nil, domain.ErrDeadLetterNotFound
	}
	l.RetryCount++
	return l, nil
}

// fakeHistory records delegations in memory.
type fakeHistory struct {
	mu          sync.Mutex
	events      []domain.Event
	delegations []*domain.DelegationRecord
}

func (h *fakeHistory) SaveEvent(ctx context.Context, event domain.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return nil
}

func (h *fakeHistory) ListEvents(ctx context.Context, offset, limit int) ([]*domain.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*domain.Event
	for i := offset; i < len(h.events) && len(out) < limit; i++ {
		e := h.events[i]
		out = append(out, &e)
	}
	return out, nil
}

func (h *fakeHistory) CountEvents(ctx context.Context) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(len(h.events)), nil
}

func (h *fakeHistory) RecordDelegation(ctx context.Context, record *domain.DelegationRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delegations = append(h.delegations, record)
	return nil
}

func (h *fakeHistory) ListDelegations(ctx context.Context, offset, limit int) ([]*domain.DelegationRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*domain.DelegationRecord
	for i := offset; i < len(h.delegations) && len(out) < limit; i++ {
		out = append(out, h.delegations[i])
	}
	return out, nil
}

func (h *fakeHistory) CountDelegations(ctx context.Context) (map[domain.DelegationOutcome]int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[domain.DelegationOutcome]int64)
	for _, d := range h.delegations {
		out[d.Outcome]++
	}
	return out, nil
}

func (h *fakeHistory) Ping(ctx context.Context) error { return nil }

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
