package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nidhogg/crewnexus/internal/orchestrator"
	"gopkg.in/yaml.v3"
)

// apiClient talks to a running crewd serve.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is a non-2xx response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.Status, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

type submitted struct {
	ExecutionID string              `json:"execution_id"`
	WorkflowID  string              `json:"workflow_id"`
	Status      orchestrator.Status `json:"status"`
	CreatedAt   time.Time           `json:"created_at"`
}

func (c *apiClient) Submit(ctx context.Context, sub *orchestrator.Submission) (*submitted, error) {
	body := map[string]any{
		"crew":    sub.Crew,
		"tasks":   sub.Tasks,
		"inputs":  sub.Inputs,
		"options": sub.Options,
	}
	var out submitted
	if err := c.do(ctx, http.MethodPost, "/api/workflows/"+url.PathEscape(sub.WorkflowID)+"/execute", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Status(ctx context.Context, workflowID string) (*orchestrator.ExecutionRecord, error) {
	var rec orchestrator.ExecutionRecord
	if err := c.do(ctx, http.MethodGet, "/api/workflows/"+url.PathEscape(workflowID)+"/status", nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *apiClient) Cancel(ctx context.Context, executionID string) error {
	return c.do(ctx, http.MethodPost, "/api/executions/"+url.PathEscape(executionID)+"/cancel", nil, nil)
}

// Watch streams monitoring frames for workflowID to fn until the server
// closes the socket or ctx is done.
func (c *apiClient) Watch(ctx context.Context, workflowID string, fn func(frame map[string]any)) error {
	u, err := url.Parse(c.base)
	if err != nil {
		return fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/monitoring/" + url.PathEscape(workflowID)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		fn(frame)
	}
}

// loadSubmission reads a workflow file (YAML or JSON).
func loadSubmission(path string) (*orchestrator.Submission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	var sub orchestrator.Submission
	if err := yaml.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", path, err)
	}
	return &sub, nil
}
