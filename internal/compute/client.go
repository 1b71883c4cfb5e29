package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/latentworks/studio-be/internal/domain"
)

// Task states reported by sidecar services.
const (
	taskStateRunning = "running"
	taskStateDone    = "done"
	taskStateFailed  = "failed"
)

const defaultPollInterval = 500 * time.Millisecond

// Client talks to a compute sidecar that exposes an async task API:
// POST a task, poll its state, interrupt it on cancellation. The diffusion
// runtime and the scraper service both speak this shape.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewClient creates a sidecar client.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: timeout},
		pollInterval: defaultPollInterval,
		logger:       logger,
	}
}

type taskRef struct {
	TaskID string `json:"task_id"`
}

type taskStatus struct {
	State      string          `json:"state"`
	Step       int             `json:"step"`
	TotalSteps int             `json:"total_steps"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// submitTask posts a payload and returns the sidecar task id.
func (c *Client) submitTask(ctx context.Context, path string, payload interface{}) (string, error) {
	var ref taskRef
	if err := c.postJSON(ctx, path, payload, &ref); err != nil {
		return "", err
	}
	if ref.TaskID == "" {
		return "", fmt.Errorf("sidecar returned empty task id")
	}
	return ref.TaskID, nil
}

// pollTask polls the task until it resolves, reporting progress and checking
// cancellation at every poll. On cancellation it interrupts the sidecar task
// and returns domain.ErrCancelled; interruption happens between steps on the
// sidecar side, never mid-step.
func (c *Client) pollTask(ctx context.Context, taskID string, progress ProgressFunc, cancelled CancelCheckFunc, result interface{}) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.interrupt(taskID)
			return ctx.Err()
		case <-ticker.C:
		}

		if cancelled != nil && cancelled() {
			c.interrupt(taskID)
			return domain.ErrCancelled
		}

		var status taskStatus
		if err := c.getJSON(ctx, "/v1/tasks/"+taskID, &status); err != nil {
			return err
		}

		if progress != nil && status.TotalSteps > 0 {
			progress(status.Step, status.TotalSteps)
		}

		switch status.State {
		case taskStateDone:
			if result != nil && len(status.Result) > 0 {
				if err := json.Unmarshal(status.Result, result); err != nil {
					return fmt.Errorf("failed to decode task result: %w", err)
				}
			}
			return nil
		case taskStateFailed:
			return fmt.Errorf("compute task failed: %s", status.Error)
		case taskStateRunning:
			// keep polling
		default:
			return fmt.Errorf("unknown task state %q", status.State)
		}
	}
}

// interrupt asks the sidecar to stop a task at its next step boundary.
// Best-effort: the caller is already on its way out.
func (c *Client) interrupt(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.postJSON(ctx, "/v1/tasks/"+taskID+"/interrupt", nil, nil); err != nil {
		c.logger.Warn("Failed to interrupt sidecar task",
			slog.String("task_id", taskID),
			slog.Any("error", err),
		)
	}
}

func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sidecar request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sidecar returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode sidecar response: %w", err)
	}
	return nil
}
