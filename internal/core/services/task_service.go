package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"a2a.mesh/internal/core/domain"
	"a2a.mesh/internal/core/logger"
	"a2a.mesh/internal/core/ports"
)

// TaskService accepts JSON-RPC task requests for a leaf agent and runs the
// matching handler on a bounded pool of goroutines.
type TaskService struct {
	agentID  string
	store    *TaskStore
	handlers map[string]ports.Handler

	// Concurrency control
	semaphore chan struct{}
	wg        sync.WaitGroup
	running   atomic.Int64

	mu     sync.Mutex // guards closed and wg.Add against Shutdown
	closed bool

	baseCtx context.Context
	cancel  context.CancelFunc
	log     *slog.Logger
}

func NewTaskService(agentID string, store *TaskStore, handlers map[string]ports.Handler, workers int) *TaskService {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskService{
		agentID:   agentID,
		store:     store,
		handlers:  handlers,
		semaphore: make(chan struct{}, workers),
		baseCtx:   ctx,
		cancel:    cancel,
		log:       logger.With("component", "tasks", "agent_id", agentID),
	}
}

// Validate checks the envelope without creating a task.
func (s *TaskService) Validate(req *domain.RPCRequest) *domain.ProtocolError {
	if req.JSONRPC != domain.JSONRPCVersion {
		return domain.NewInvalidRequest()
	}
	if _, ok := s.handlers[req.Method]; !ok {
		return domain.NewMethodNotFound(req.Method)
	}
	return nil
}

// Submit stores a processing task and schedules its handler. The task is
// resolvable through Get before Submit returns.
func (s *TaskService) Submit(ctx context.Context, req *domain.RPCRequest) (*domain.TaskAccepted, error) {
	if perr := s.Validate(req); perr != nil {
		return nil, perr
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("agent shutting down: %w", context.Canceled)
	}
	handler := s.handlers[req.Method]
	task := s.store.Create(req.Method, req.Params)
	s.wg.Add(1)
	s.mu.Unlock()

	logger.DebugContext(ctx, "Task accepted", "agent_id", s.agentID, "task_id", task.ID, "method", req.Method)
	go func() {
		defer s.wg.Done()
		select {
		case s.semaphore <- struct{}{}:
			defer func() { <-s.semaphore }()
		case <-s.baseCtx.Done():
			s.finish(task, nil, fmt.Errorf("agent shutting down"))
			return
		}
		s.execute(task, handler)
	}()

	return &domain.TaskAccepted{
		TaskID:  task.ID,
		Status:  "accepted",
		Message: fmt.Sprintf("Task %s accepted for processing", req.Method),
	}, nil
}

func (s *TaskService) execute(task domain.Task, handler ports.Handler) {
	s.running.Add(1)
	defer s.running.Add(-1)

	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		result, err = handler(s.baseCtx, task.Params)
	}()

	s.finish(task, result, err)
}

func (s *TaskService) finish(task domain.Task, result any, err error) {
	if err != nil {
		herr := &domain.HandlerError{Method: task.Method, Message: err.Error()}
		s.log.Warn("Task failed", "task_id", task.ID, "method", task.Method, "error", herr.Message)
		if ferr := s.store.Fail(task.ID, herr.Message); ferr != nil {
			s.log.Error("Failed to record task failure", "task_id", task.ID, "error", ferr)
		}
		return
	}
	if cerr := s.store.Complete(task.ID, result); cerr != nil {
		s.log.Error("Failed to record task result", "task_id", task.ID, "error", cerr)
		return
	}
	s.log.Debug("Task completed", "task_id", task.ID, "method", task.Method)
}

func (s *TaskService) Get(id string) (domain.Task, error) {
	return s.store.Get(id)
}

func (s *TaskService) List(limit int) []domain.Task {
	return s.store.List(limit)
}

// Subscribe streams task transitions of this agent. See TaskStore.Subscribe.
func (s *TaskService) Subscribe(buffer int) (<-chan domain.Task, func()) {
	return s.store.Subscribe(buffer)
}

func (s *TaskService) Stats() domain.TaskStats {
	return s.store.Stats()
}

// Running returns the number of handlers currently executing.
func (s *TaskService) Running() int {
	return int(s.running.Load())
}

// Methods lists the accepted methods in stable order.
func (s *TaskService) Methods() []string {
	methods := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// Shutdown stops scheduling queued tasks and waits for running handlers.
func (s *TaskService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("All tasks finished")
		return nil
	case <-ctx.Done():
		s.log.Warn("Shutdown timeout reached, some tasks may still be running")
		return ctx.Err()
	}
}
