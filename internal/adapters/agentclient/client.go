// Package agentclient talks to leaf agents over their HTTP endpoints.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"a2a.mesh/internal/core/domain"
	"a2a.mesh/internal/core/tracing"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseBody = 4 << 20
)

// Client implements ports.AgentClient. Every call is bounded by the caller's
// context and by the http client timeout.
type Client struct {
	httpClient *http.Client
	seq        atomic.Int64
}

// NewClient creates a client whose transport propagates trace context.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: tracing.Transport(nil),
		},
	}
}

// NewClientWith uses an existing http client, mainly for tests.
func NewClientWith(httpClient *http.Client) *Client {
	return &Client{httpClient: httpClient}
}

func (c *Client) Status(ctx context.Context, baseURL string) (*domain.StatusReport, error) {
	var report domain.StatusReport
	if err := c.getJSON(ctx, baseURL, "/status", "status", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *Client) AgentCard(ctx context.Context, baseURL string) (*domain.AgentCard, error) {
	var card domain.AgentCard
	if err := c.getJSON(ctx, baseURL, "/agent-card", "agent-card", &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// SendTask submits a JSON-RPC task request. A JSON-RPC error object in the
// reply comes back as *domain.ProtocolError.
func (c *Client) SendTask(ctx context.Context, baseURL, method string, params any) (*domain.TaskAccepted, error) {
	rawParams, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(domain.RPCRequest{
		JSONRPC: domain.JSONRPCVersion,
		Method:  method,
		Params:  rawParams,
		ID:      fmt.Sprintf("%s-%d", uuid.NewString()[:8], c.seq.Add(1)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(baseURL, "/rpc"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, remote(baseURL, "rpc", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		JSONRPC string               `json:"jsonrpc"`
		Result  *domain.TaskAccepted `json:"result"`
		Error   *domain.RPCError     `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&envelope); err != nil {
		return nil, remote(baseURL, "rpc", fmt.Errorf("status %d: undecodable reply: %w", resp.StatusCode, err))
	}
	if envelope.Error != nil {
		return nil, &domain.ProtocolError{Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	if envelope.Result == nil || envelope.Result.TaskID == "" {
		return nil, remote(baseURL, "rpc", fmt.Errorf("status %d: reply carries no task id", resp.StatusCode))
	}
	return envelope.Result, nil
}

// GetTask reads a task record; an unknown id wraps domain.ErrTaskNotFound.
func (c *Client) GetTask(ctx context.Context, baseURL, taskID string) (*domain.Task, error) {
	var task domain.Task
	err := c.getJSON(ctx, baseURL, "/task/"+taskID, "task", &task)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) getJSON(ctx context.Context, baseURL, path, op string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(baseURL, path), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return remote(baseURL, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && op == "task" {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, path)
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return remote(baseURL, op, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes))))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(out); err != nil {
		return remote(baseURL, op, fmt.Errorf("failed to decode %s: %w", op, err))
	}
	return nil
}

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		return raw, nil
	}
}

func endpoint(baseURL, path string) string {
	return strings.TrimSuffix(baseURL, "/") + path
}

func remote(baseURL, op string, err error) error {
	return &domain.RemoteError{Address: baseURL, Op: op, Err: err}
}

// Prober checks a liveness URL with a plain GET.
type Prober struct {
	httpClient *http.Client
}

func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Prober{httpClient: &http.Client{Timeout: timeout, Transport: tracing.Transport(nil)}}
}

// Probe succeeds on any 2xx answer.
func (p *Prober) Probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &domain.RemoteError{Address: url, Op: "probe", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &domain.RemoteError{Address: url, Op: "probe", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}
