package services

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"a2a.mesh/internal/core/domain"
)

const DefaultTaskStoreCapacity = 1000

// TaskStore owns the task records of one agent process. Every transition
// happens under the store lock and readers only ever receive copies, so a
// completed task is never observed without its result.
type TaskStore struct {
	mu       sync.RWMutex
	tasks    map[string]*domain.Task
	order    []string // insertion order, oldest first
	capacity int
	accepted int64
	evicted  int64
	now      func() time.Time

	subs map[chan domain.Task]struct{}
}

func NewTaskStore(capacity int) *TaskStore {
	if capacity <= 0 {
		capacity = DefaultTaskStoreCapacity
	}
	return &TaskStore{
		tasks:    make(map[string]*domain.Task),
		capacity: capacity,
		now:      time.Now,
		subs:     make(map[chan domain.Task]struct{}),
	}
}

// Create stores a new processing task and returns a copy of it.
func (s *TaskStore) Create(method string, params json.RawMessage) domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := &domain.Task{
		ID:        uuid.New().String(),
		Method:    method,
		Params:    params,
		Status:    domain.TaskStatusProcessing,
		CreatedAt: s.now().UTC(),
	}
	s.tasks[task.ID] = task
	s.order = append(s.order, task.ID)
	s.accepted++
	s.evictLocked()
	s.notifyLocked(*task)

	return *task
}

// evictLocked drops terminal tasks, earliest completion first, while over
// capacity. Processing tasks are never evicted. Only Create calls it so a
// result stays readable at least until the next task arrives.
func (s *TaskStore) evictLocked() {
	if len(s.tasks) <= s.capacity {
		return
	}
	var terminal []*domain.Task
	for _, id := range s.order {
		if task, ok := s.tasks[id]; ok && task.Status.Terminal() {
			terminal = append(terminal, task)
		}
	}
	sort.SliceStable(terminal, func(i, j int) bool {
		return terminal[i].CompletedAt.Before(*terminal[j].CompletedAt)
	})
	for _, task := range terminal {
		if len(s.tasks) <= s.capacity {
			break
		}
		delete(s.tasks, task.ID)
		s.evicted++
	}

	kept := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.tasks[id]; ok {
			kept = append(kept, id)
		}
	}
	s.order = kept
}

// Subscribe returns a channel that receives a copy of the task on every
// transition, and a func that ends the subscription. Updates that do not fit
// in the buffer are dropped for that subscriber.
func (s *TaskStore) Subscribe(buffer int) (<-chan domain.Task, func()) {
	ch := make(chan domain.Task, buffer)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *TaskStore) notifyLocked(task domain.Task) {
	for ch := range s.subs {
		select {
		case ch <- task:
		default:
		}
	}
}

func (s *TaskStore) Get(id string) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	return *task, nil
}

// Complete moves a processing task to completed with its result.
func (s *TaskStore) Complete(id string, result any) error {
	return s.finish(id, domain.TaskStatusCompleted, result, "")
}

// Fail moves a processing task to failed with an error message.
func (s *TaskStore) Fail(id string, message string) error {
	if message == "" {
		message = "task failed"
	}
	return s.finish(id, domain.TaskStatusFailed, nil, message)
}

func (s *TaskStore) finish(id string, status domain.TaskStatus, result any, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return domain.ErrInvalidTransition
	}

	completedAt := s.now().UTC()
	task.Status = status
	task.Result = result
	task.Error = message
	task.CompletedAt = &completedAt
	s.notifyLocked(*task)
	return nil
}

// List returns up to limit tasks, newest first. A non-positive limit returns all.
func (s *TaskStore) List(limit int) []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]domain.Task, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		if task, ok := s.tasks[s.order[i]]; ok {
			out = append(out, *task)
		}
	}
	return out
}

func (s *TaskStore) Stats() domain.TaskStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.TaskStats{Accepted: s.accepted, Evicted: s.evicted}
	for _, task := range s.tasks {
		switch task.Status {
		case domain.TaskStatusProcessing:
			stats.Processing++
		case domain.TaskStatusCompleted:
			stats.Completed++
		case domain.TaskStatusFailed:
			stats.Failed++
		}
	}
	return stats
}

func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}
