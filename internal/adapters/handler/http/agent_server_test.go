package http

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a2a.mesh/internal/adapters/agentclient"
	"a2a.mesh/internal/capabilities"
	"a2a.mesh/internal/core/domain"
	"a2a.mesh/internal/core/services"
)

func newTestAgent(t *testing.T, kind string, rpcLimit int) (*AgentServer, *services.TaskService) {
	t.Helper()
	profile, err := capabilities.ProfileFor(kind)
	require.NoError(t, err)
	tasks := services.NewTaskService(profile.ID, services.NewTaskStore(10), profile.Handlers, 2)
	t.Cleanup(func() { tasks.Shutdown(context.Background()) })
	return NewAgentServer(profile, "http://localhost:3002", tasks, rpcLimit), tasks
}

func postRPC(t *testing.T, h http.Handler, body string) (*httptest.ResponseRecorder, domain.RPCResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp domain.RPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func TestAgentServer_RPCEnvelope(t *testing.T) {
	srv, _ := newTestAgent(t, "math", 0)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  int
		wantMsg  string
	}{
		{"wrong version", `{"jsonrpc":"1.0","method":"basic_math","id":1}`, http.StatusBadRequest, domain.CodeInvalidRequest, "Invalid Request"},
		{"not json", `{`, http.StatusBadRequest, domain.CodeInvalidRequest, "Invalid Request"},
		{"unknown method", `{"jsonrpc":"2.0","method":"translate","id":2}`, http.StatusBadRequest, domain.CodeMethodNotFound, "Method not found: translate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := postRPC(t, srv, tt.body)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantErr, resp.Error.Code)
			assert.Equal(t, tt.wantMsg, resp.Error.Message)
			assert.Equal(t, domain.JSONRPCVersion, resp.JSONRPC)
		})
	}
}

func TestAgentServer_AcceptThenPoll(t *testing.T) {
	srv, _ := newTestAgent(t, "math", 0)

	rec, resp := postRPC(t, srv, `{"jsonrpc":"2.0","method":"basic_math","params":{"operation":"divide","a":1,"b":0},"id":"x"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, resp.Error)
	assert.Equal(t, "x", resp.ID)

	result := resp.Result.(map[string]any)
	assert.Equal(t, "accepted", result["status"])
	taskID := result["task_id"].(string)

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/task/"+taskID, nil))
		var task domain.Task
		json.Unmarshal(rec.Body.Bytes(), &task)
		return rec.Code == http.StatusOK && task.Status == domain.TaskStatusFailed && task.Error == "division by zero"
	}, time.Second, 5*time.Millisecond)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/task/does-not-exist", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Task not found"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks?limit=5", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), taskID)
}

func TestAgentServer_GetCapabilities(t *testing.T) {
	srv, _ := newTestAgent(t, "language", 0)

	rec, resp := postRPC(t, srv, `{"jsonrpc":"2.0","method":"agent.getCapabilities","id":7}`)
	require.Equal(t, http.StatusOK, rec.Code)
	result := resp.Result.(map[string]any)
	assert.Equal(t, "agent-d-language-detector", result["agent_id"])
	assert.Len(t, result["capabilities"], 1)
}

func TestAgentServer_CardAndStatus(t *testing.T) {
	srv, _ := newTestAgent(t, "sentiment", 0)

	for _, path := range []string{"/agent-card", "/.well-known/agent.json"} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)

		var card domain.AgentCard
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &card))
		assert.Equal(t, "agent-c-sentiment-analyzer", card.ID)
		assert.Equal(t, "http://localhost:3002/task/{taskId}", card.Endpoints.TaskStatus)
		assert.True(t, card.DiscoveryInfo.Discoverable)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	var status domain.StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "agent-c-sentiment-analyzer", status.AgentID)
}

func TestAgentServer_RateLimit(t *testing.T) {
	srv, _ := newTestAgent(t, "text", 2)
	body := `{"jsonrpc":"2.0","method":"text_processing","params":{"text":"a","operation":"uppercase"},"id":1}`

	for i := 0; i < 2; i++ {
		rec, _ := postRPC(t, srv, body)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	rec, resp := postRPC(t, srv, body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeRateLimited, resp.Error.Code)
}

func TestAgentServer_Metrics(t *testing.T) {
	srv, _ := newTestAgent(t, "text", 0)
	postRPC(t, srv, `{"jsonrpc":"2.0","method":"text_processing","params":{"text":"a"},"id":1}`)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "a2a_tasks_accepted_total 1")
	assert.Contains(t, string(body), "a2a_rpc_requests_total")
}

func TestAgentServer_OverflowFailsTaskAndKeepsAgent(t *testing.T) {
	profile, err := capabilities.ProfileFor("math")
	require.NoError(t, err)
	tasks := services.NewTaskService(profile.ID, services.NewTaskStore(10), profile.Handlers, 1)
	t.Cleanup(func() { tasks.Shutdown(context.Background()) })
	leaf := httptest.NewUnstartedServer(nil)
	leaf.Config.Handler = NewAgentServer(profile, "http://"+leaf.Listener.Addr().String(), tasks, 0)
	leaf.Start()
	t.Cleanup(leaf.Close)

	events := services.NewEventLog(100)
	client := agentclient.NewClient(time.Second)
	registry := services.NewRegistry(client, events, services.RegistryOptions{})
	router := services.NewRouter(registry, client, events, services.RouterOptions{
		Routes:       capabilities.MethodTypes(),
		PollInterval: 10 * time.Millisecond,
	})
	_, err = registry.Register(context.Background(), leaf.URL)
	require.NoError(t, err)
	require.Equal(t, 1, registry.Len())

	_, err = router.Route(context.Background(), "basic_math", json.RawMessage(`{"operation":"power","a":10,"b":400}`))
	require.Error(t, err)
	var herr *domain.HandlerError
	assert.True(t, errors.As(err, &herr), "got %v", err)
	assert.Contains(t, err.Error(), "not a finite number")
	assert.Equal(t, 1, registry.Len(), "agent must stay registered")

	resp, err := http.Get(leaf.URL + "/tasks")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var listing map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	listed := listing["tasks"].([]any)
	require.Len(t, listed, 1)
	assert.Equal(t, string(domain.TaskStatusFailed), listed[0].(map[string]any)["status"])
}

func TestWriteJSON_EncodeFailureAnswers500(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]any{"bad": func() {}})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"failed to encode response"}`, rec.Body.String())
}

func TestAgentServer_EventStream(t *testing.T) {
	srv, tasks := newTestAgent(t, "math", 0)
	leaf := httptest.NewServer(srv)
	t.Cleanup(leaf.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, leaf.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	next := func() map[string]any {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev map[string]any
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			return ev
		}
	}

	hello := next()
	assert.Equal(t, "connected", hello["type"])
	assert.Equal(t, srv.Card().ID, hello["agent_id"])

	accepted, err := tasks.Submit(context.Background(), &domain.RPCRequest{
		JSONRPC: "2.0",
		Method:  capabilities.MethodBasicMath,
		Params:  json.RawMessage(`{"operation":"add","a":2,"b":3}`),
	})
	require.NoError(t, err)

	var statuses []string
	for len(statuses) < 2 {
		ev := next()
		if ev["type"] != "task_update" || ev["task_id"] != accepted.TaskID {
			continue
		}
		statuses = append(statuses, ev["task"].(map[string]any)["status"].(string))
	}
	assert.Equal(t, []string{string(domain.TaskStatusProcessing), string(domain.TaskStatusCompleted)}, statuses)
}
