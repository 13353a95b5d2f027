package services

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"a2a.mesh/internal/core/domain"
)

func TestTaskStore_CreateAndGet(t *testing.T) {
	store := NewTaskStore(10)
	task := store.Create("basic_math", []byte(`{"a":1}`))

	got, err := store.Get(task.ID)
	if err != nil {
		t.Fatalf("Get(%s) error: %v", task.ID, err)
	}
	if got.Status != domain.TaskStatusProcessing {
		t.Errorf("Expected status processing, got %s", got.Status)
	}
	if got.CompletedAt != nil {
		t.Errorf("Expected no completion time for a processing task")
	}

	if _, err := store.Get("missing"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound, got %v", err)
	}
}

func TestTaskStore_TerminalOnce(t *testing.T) {
	store := NewTaskStore(10)
	task := store.Create("text_processing", nil)

	if err := store.Complete(task.ID, map[string]any{"result": "OK"}); err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if err := store.Fail(task.ID, "late failure"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}

	got, _ := store.Get(task.ID)
	if got.Status != domain.TaskStatusCompleted || got.Error != "" || got.Result == nil {
		t.Errorf("Unexpected task after double transition: %+v", got)
	}
}

func TestTaskStore_EvictsOldestTerminal(t *testing.T) {
	store := NewTaskStore(2)

	a := store.Create("m", nil)
	b := store.Create("m", nil)
	if err := store.Complete(b.ID, "done"); err != nil {
		t.Fatal(err)
	}
	c := store.Create("m", nil)

	// b is the only terminal task, a is still processing.
	if _, err := store.Get(b.ID); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("Expected %s to be evicted", b.ID)
	}
	for _, id := range []string{a.ID, c.ID} {
		if _, err := store.Get(id); err != nil {
			t.Errorf("Expected %s to be kept: %v", id, err)
		}
	}

	// Everything processing: the store grows past capacity.
	d := store.Create("m", nil)
	if store.Len() != 3 {
		t.Errorf("Expected 3 tasks, got %d", store.Len())
	}
	if _, err := store.Get(d.ID); err != nil {
		t.Errorf("Expected %s to be present", d.ID)
	}

	stats := store.Stats()
	if stats.Evicted != 1 || stats.Accepted != 4 || stats.Processing != 3 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestTaskStore_FinishKeepsResultOverCapacity(t *testing.T) {
	store := NewTaskStore(2)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { clock = clock.Add(time.Second); return clock }
	a := store.Create("m", nil)
	b := store.Create("m", nil)
	c := store.Create("m", nil)

	if err := store.Complete(c.ID, "done"); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(c.ID)
	if err != nil {
		t.Fatalf("Expected fresh result to be readable: %v", err)
	}
	if got.Status != domain.TaskStatusCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}
	if store.Len() != 3 {
		t.Errorf("Expected 3 tasks, got %d", store.Len())
	}

	// The next Create evicts the earliest completions, not the oldest insertions.
	if err := store.Complete(b.ID, "done"); err != nil {
		t.Fatal(err)
	}
	if err := store.Complete(a.ID, "done"); err != nil {
		t.Fatal(err)
	}
	store.Create("m", nil)

	for _, id := range []string{c.ID, b.ID} {
		if _, err := store.Get(id); !errors.Is(err, domain.ErrTaskNotFound) {
			t.Errorf("Expected %s to be evicted", id)
		}
	}
	if _, err := store.Get(a.ID); err != nil {
		t.Errorf("Expected most recent completion to be kept: %v", err)
	}
}

func TestTaskStore_Subscribe(t *testing.T) {
	store := NewTaskStore(10)
	updates, cancel := store.Subscribe(4)

	task := store.Create("m", nil)
	if err := store.Fail(task.ID, "boom"); err != nil {
		t.Fatal(err)
	}

	first, second := <-updates, <-updates
	if first.ID != task.ID || first.Status != domain.TaskStatusProcessing {
		t.Errorf("Unexpected first update %+v", first)
	}
	if second.Status != domain.TaskStatusFailed || second.Error != "boom" {
		t.Errorf("Unexpected second update %+v", second)
	}

	cancel()
	cancel()
	store.Create("m", nil)
	if _, ok := <-updates; ok {
		t.Errorf("Expected channel to be closed after cancel")
	}

	// A full buffer drops updates instead of blocking the store.
	slow, stop := store.Subscribe(1)
	defer stop()
	store.Create("m", nil)
	store.Create("m", nil)
	if len(slow) != 1 {
		t.Errorf("Expected 1 buffered update, got %d", len(slow))
	}
}

func TestTaskStore_ListNewestFirst(t *testing.T) {
	store := NewTaskStore(10)
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, store.Create(fmt.Sprintf("m%d", i), nil).ID)
	}

	list := store.List(3)
	if len(list) != 3 {
		t.Fatalf("Expected 3 tasks, got %d", len(list))
	}
	if list[0].ID != ids[4] || list[2].ID != ids[2] {
		t.Errorf("Unexpected order: %s, %s", list[0].ID, list[2].ID)
	}
}

func TestTaskStore_TransitionProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 20).Draw(t, "capacity")
		store := NewTaskStore(capacity)

		seen := make(map[string]bool)
		terminal := make(map[string]domain.TaskStatus)
		var ids []string

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch op := rapid.IntRange(0, 2).Draw(t, "op"); {
			case op == 0 || len(ids) == 0:
				task := store.Create("m", nil)
				if seen[task.ID] {
					t.Fatalf("duplicate task id %s", task.ID)
				}
				seen[task.ID] = true
				ids = append(ids, task.ID)
			default:
				id := rapid.SampledFrom(ids).Draw(t, "id")
				var err error
				want := domain.TaskStatusCompleted
				if op == 1 {
					err = store.Complete(id, map[string]any{"i": i})
				} else {
					want = domain.TaskStatusFailed
					err = store.Fail(id, "boom")
				}
				if errors.Is(err, domain.ErrTaskNotFound) {
					continue // evicted
				}
				if _, done := terminal[id]; done {
					if !errors.Is(err, domain.ErrInvalidTransition) {
						t.Fatalf("second transition of %s returned %v", id, err)
					}
					continue
				}
				if err != nil {
					t.Fatalf("first transition of %s returned %v", id, err)
				}
				terminal[id] = want
			}
		}

		for _, id := range ids {
			task, err := store.Get(id)
			if err != nil {
				if _, done := terminal[id]; !done {
					t.Fatalf("processing task %s was evicted", id)
				}
				continue
			}
			if task.Result != nil && task.Error != "" {
				t.Fatalf("task %s has both result and error", id)
			}
			if want, done := terminal[id]; done {
				if task.Status != want || task.CompletedAt == nil {
					t.Fatalf("task %s: status %s, want %s", id, task.Status, want)
				}
			} else if task.Status != domain.TaskStatusProcessing {
				t.Fatalf("task %s left processing without a transition", id)
			}
		}
	})
}
