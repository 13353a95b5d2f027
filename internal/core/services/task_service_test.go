package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a2a.mesh/internal/capabilities"
	"a2a.mesh/internal/core/domain"
	"a2a.mesh/internal/core/ports"
)

func newMathService(t *testing.T) *TaskService {
	t.Helper()
	p, err := capabilities.ProfileFor("math")
	require.NoError(t, err)
	svc := NewTaskService(p.ID, NewTaskStore(100), p.Handlers, 2)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return svc
}

func waitTerminal(t *testing.T, svc *TaskService, id string) domain.Task {
	t.Helper()
	var task domain.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = svc.Get(id)
		return err == nil && task.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)
	return task
}

func TestTaskService_AcceptedTaskIsImmediatelyResolvable(t *testing.T) {
	svc := newMathService(t)

	accepted, err := svc.Submit(context.Background(), &domain.RPCRequest{
		JSONRPC: "2.0",
		Method:  capabilities.MethodBasicMath,
		Params:  json.RawMessage(`{"operation":"add","numbers":[1,2,3]}`),
		ID:      1,
	})
	require.NoError(t, err)
	assert.Equal(t, "accepted", accepted.Status)

	_, err = svc.Get(accepted.TaskID)
	require.NoError(t, err)

	task := waitTerminal(t, svc, accepted.TaskID)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
	calc, ok := task.Result.(*capabilities.Calculation)
	require.True(t, ok)
	assert.InDelta(t, 6, calc.Result, 1e-9)
}

func TestTaskService_DivisionByZeroFailsTask(t *testing.T) {
	svc := newMathService(t)

	accepted, err := svc.Submit(context.Background(), &domain.RPCRequest{
		JSONRPC: "2.0",
		Method:  capabilities.MethodBasicMath,
		Params:  json.RawMessage(`{"operation":"divide","a":10,"b":0}`),
	})
	require.NoError(t, err, "acceptance succeeds even though the handler will fail")
	assert.Equal(t, "accepted", accepted.Status)

	task := waitTerminal(t, svc, accepted.TaskID)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	assert.Contains(t, task.Error, "division by zero")
	assert.Nil(t, task.Result)
	assert.NotNil(t, task.CompletedAt)
}

func TestTaskService_ProtocolErrors(t *testing.T) {
	svc := newMathService(t)

	_, err := svc.Submit(context.Background(), &domain.RPCRequest{JSONRPC: "1.0", Method: capabilities.MethodBasicMath})
	var perr *domain.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, domain.CodeInvalidRequest, perr.Code)

	_, err = svc.Submit(context.Background(), &domain.RPCRequest{JSONRPC: "2.0", Method: "translate"})
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, domain.CodeMethodNotFound, perr.Code)
	assert.Equal(t, "Method not found: translate", perr.Message)

	assert.Equal(t, 0, svc.store.Len(), "rejected requests never create tasks")
}

func TestTaskService_RecoversHandlerPanic(t *testing.T) {
	handlers := map[string]ports.Handler{
		"explode": func(ctx context.Context, params json.RawMessage) (any, error) {
			panic("kaboom")
		},
	}
	svc := NewTaskService("agent-x", NewTaskStore(10), handlers, 1)
	defer svc.Shutdown(context.Background())

	accepted, err := svc.Submit(context.Background(), &domain.RPCRequest{JSONRPC: "2.0", Method: "explode"})
	require.NoError(t, err)

	task := waitTerminal(t, svc, accepted.TaskID)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	assert.True(t, strings.Contains(task.Error, "kaboom"))
}

func TestTaskService_ShutdownRejectsNewTasks(t *testing.T) {
	release := make(chan struct{})
	handlers := map[string]ports.Handler{
		"slow": func(ctx context.Context, params json.RawMessage) (any, error) {
			<-release
			return "done", nil
		},
	}
	svc := NewTaskService("agent-x", NewTaskStore(10), handlers, 1)

	accepted, err := svc.Submit(context.Background(), &domain.RPCRequest{JSONRPC: "2.0", Method: "slow"})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, svc.Shutdown(context.Background()))

	task, err := svc.Get(accepted.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)

	_, err = svc.Submit(context.Background(), &domain.RPCRequest{JSONRPC: "2.0", Method: "slow"})
	assert.Error(t, err)
}

func TestTaskService_SubmitRacingShutdown(t *testing.T) {
	handlers := map[string]ports.Handler{
		"noop": func(ctx context.Context, params json.RawMessage) (any, error) { return "ok", nil },
	}
	svc := NewTaskService("agent-x", NewTaskStore(1000), handlers, 2)

	var (
		mu       sync.Mutex
		accepted []string
		wg       sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				out, err := svc.Submit(context.Background(), &domain.RPCRequest{JSONRPC: "2.0", Method: "noop"})
				if err != nil {
					return
				}
				mu.Lock()
				accepted = append(accepted, out.TaskID)
				mu.Unlock()
			}
		}()
	}
	require.NoError(t, svc.Shutdown(context.Background()))
	wg.Wait()

	_, err := svc.Submit(context.Background(), &domain.RPCRequest{JSONRPC: "2.0", Method: "noop"})
	assert.ErrorIs(t, err, context.Canceled)

	// Every task admitted before shutdown reached a terminal state.
	for _, id := range accepted {
		task, err := svc.Get(id)
		require.NoError(t, err)
		if !task.Status.Terminal() {
			t.Errorf("task %s left %s after shutdown", id, task.Status)
		}
	}
}
