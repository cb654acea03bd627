// Package agentclient is the HTTP client main and sub agents use to talk to
// the controller: register and heartbeat calls (a sub agent's final status
// travels on its last heartbeat), with a
// circuit breaker suppressing log spam while the controller is unreachable.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/taskctl/taskctl/internal/model"
	"github.com/taskctl/taskctl/internal/state"
)

// Client wraps an *http.Client pointed at one controller base URL.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *state.CircuitBreaker
	log     *slog.Logger
}

// New constructs a Client against baseURL (e.g. "http://controller:8080").
func New(baseURL string, log *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		breaker: state.NewCircuitBreaker(0.8, time.Minute),
		log:     log,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure(c.baseURL)
		if !c.breaker.IsTripped(c.baseURL) {
			c.log.Warn("controller request failed", "path", path, "error", err)
		}
		return fmt.Errorf("posting %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.RecordFailure(c.baseURL)
		return fmt.Errorf("reading response body: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.breaker.RecordFailure(c.baseURL)
		return fmt.Errorf("decoding response envelope: %w", err)
	}
	if !env.Success {
		c.breaker.RecordFailure(c.baseURL)
		return fmt.Errorf("controller rejected %s: %s", path, env.Message)
	}
	c.breaker.RecordSuccess(c.baseURL)

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding response data: %w", err)
		}
	}
	return nil
}

// RegisterMainRequest is the body of POST /api/agents/main.
type RegisterMainRequest struct {
	Name     string   `json:"name"`
	CPUCores int      `json:"cpu_cores"`
	GPUIDs   []string `json:"gpu_ids"`
}

// RegisterResponse carries the controller-assigned agent id.
type RegisterResponse struct {
	ID string `json:"id"`
}

// RegisterMain registers a main agent and returns its assigned id.
func (c *Client) RegisterMain(ctx context.Context, req RegisterMainRequest) (string, error) {
	var resp RegisterResponse
	if err := c.post(ctx, "/api/agents/main", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// RegisterSubRequest is the body of POST /api/agents/sub.
type RegisterSubRequest struct {
	Name        string `json:"name"`
	MainAgentID string `json:"main_agent_id"`
	TaskID      int64  `json:"task_id"`
}

// RegisterSub registers a sub agent and returns its assigned id.
func (c *Client) RegisterSub(ctx context.Context, req RegisterSubRequest) (string, error) {
	var resp RegisterResponse
	if err := c.post(ctx, "/api/agents/sub", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// HeartbeatRequest is the body of POST /api/agents/<id>/heartbeat.
type HeartbeatRequest struct {
	ResourceInfo ResourceInfo `json:"resource_info"`
	TaskInfo     *TaskInfo    `json:"task_info,omitempty"`
}

// ResourceInfo mirrors the heartbeat's resource_info object (spec §6).
type ResourceInfo struct {
	CPUCores          int       `json:"cpu_cores"`
	CPUUsage          float64   `json:"cpu_usage"`
	MemoryTotal       int64     `json:"memory_total"`
	MemoryUsed        int64     `json:"memory_used"`
	GPUInfo           []GPUInfo `json:"gpu_info"`
	GPUIDs            []string  `json:"gpu_ids"`
	AvailableCPUCores int       `json:"available_cpu_cores"`
	RejectNewTask     bool      `json:"reject_new_task"`
}

// GPUInfo mirrors one entry of resource_info.gpu_info.
type GPUInfo struct {
	GPUID       string  `json:"gpu_id"`
	Usage       float64 `json:"usage"`
	MemoryUsed  int64   `json:"memory_used"`
	MemoryTotal int64   `json:"memory_total"`
	IsAvailable bool    `json:"is_available"`
}

// TaskInfo mirrors the heartbeat's task_info object (spec §6).
type TaskInfo struct {
	Status model.TaskStatus `json:"status"`
	Log    string           `json:"log"`
}

// HeartbeatResponse mirrors the heartbeat response (spec §6).
type HeartbeatResponse struct {
	Action model.HeartbeatAction `json:"action"`
	Task   *TaskPayload          `json:"task,omitempty"`
}

// TaskPayload is the task a new_task action carries.
type TaskPayload struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	ScriptContent string  `json:"script_content"`
	CPUCores      int     `json:"cpu_cores"`
	GPUCount      int     `json:"gpu_count"`
	GPUMemory     int64   `json:"gpu_memory"`
	GPUIDs        []string `json:"gpu_ids"`
	Priority      int     `json:"priority"`
	DependsOn     []int64 `json:"depends_on"`
}

// Heartbeat posts a heartbeat for agentID and returns the controller's
// directive.
func (c *Client) Heartbeat(ctx context.Context, agentID string, req HeartbeatRequest) (*HeartbeatResponse, error) {
	var resp HeartbeatResponse
	if err := c.post(ctx, fmt.Sprintf("/api/agents/%s/heartbeat", agentID), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
