package taskgridsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal TaskGrid HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   int64
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string, projectID int64) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	TaskID      int64  `json:"task_id"`
	ProjectID   int64  `json:"project_id"`
	X           int    `json:"x"`
	Y           int    `json:"y"`
	Zoom        int    `json:"zoom"`
	IsSquare    bool   `json:"is_square"`
	Status      string `json:"status"`
	LockedBy    *int64 `json:"locked_by,omitempty"`
	MappedBy    *int64 `json:"mapped_by,omitempty"`
	ValidatedBy *int64 `json:"validated_by,omitempty"`
}

// Project represents the API project model.
type Project struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	Status           string `json:"status"`
	TotalTasks       int    `json:"total_tasks"`
	TasksMapped      int    `json:"tasks_mapped"`
	TasksValidated   int    `json:"tasks_validated"`
	TasksBadImagery  int    `json:"tasks_bad_imagery"`
	PercentMapped    int    `json:"percent_mapped"`
	PercentValidated int    `json:"percent_validated"`
}

// HistoryEntry is one row of a task's action log.
type HistoryEntry struct {
	ID         int64  `json:"id"`
	UserID     int64  `json:"user_id"`
	Action     string `json:"action"`
	ActionText string `json:"action_text,omitempty"`
	ActionDate string `json:"action_date"`
	Duration   *int64 `json:"duration_seconds,omitempty"`
}

// VerdictTask is one validator verdict for UnlockAfterValidation.
type VerdictTask struct {
	TaskID  int64  `json:"task_id"`
	Status  string `json:"status"`
	Comment string `json:"comment,omitempty"`
}

// APIError wraps non-2xx responses carrying the error envelope.
type APIError struct {
	StatusCode int
	Message    string `json:"Error"`
	SubCode    string `json:"SubCode"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d subcode=%s message=%s", e.StatusCode, e.SubCode, e.Message)
}

// GetProject fetches the project with its counters.
func (c *Client) GetProject(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(""), nil, &resp)
	return resp, err
}

// LockTaskForMapping takes the mapping lease on a task.
func (c *Client) LockTaskForMapping(ctx context.Context, taskID int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "lock-for-mapping"), nil, &resp)
	return resp, err
}

// StopMapping releases a mapping lock without an outcome.
func (c *Client) StopMapping(ctx context.Context, taskID int64, comment string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "stop-mapping"), map[string]any{"comment": comment}, &resp)
	return resp, err
}

// UnlockAfterMapping releases a mapping lock with an outcome status.
func (c *Client) UnlockAfterMapping(ctx context.Context, taskID int64, status, comment string) (Task, error) {
	body := map[string]any{"status": status}
	if comment != "" {
		body["comment"] = comment
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "unlock-after-mapping"), body, &resp)
	return resp, err
}

// LockTasksForValidation locks a batch of tasks for validation.
func (c *Client) LockTasksForValidation(ctx context.Context, taskIDs []int64) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodPost, c.projectPath("lock-for-validation"), map[string]any{"task_ids": taskIDs}, &resp)
	return resp, err
}

// UnlockAfterValidation applies validator verdicts.
func (c *Client) UnlockAfterValidation(ctx context.Context, verdicts []VerdictTask) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodPost, c.projectPath("unlock-after-validation"), map[string]any{"tasks": verdicts}, &resp)
	return resp, err
}

// SplitTask splits a locked square task into four children.
func (c *Client) SplitTask(ctx context.Context, taskID int64) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "split"), nil, &resp)
	return resp, err
}

// UndoTask reverts a task's most recent state change.
func (c *Client) UndoTask(ctx context.Context, taskID int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "undo-mapping"), nil, &resp)
	return resp, err
}

// TaskHistory fetches a task's action log, newest first.
func (c *Client) TaskHistory(ctx context.Context, taskID int64) ([]HistoryEntry, error) {
	var resp []HistoryEntry
	err := c.do(ctx, http.MethodGet, c.taskPath(taskID, "history"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(b, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(b))
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	base := fmt.Sprintf("api/v2/projects/%d", c.ProjectID)
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) taskPath(taskID int64, p string) string {
	return c.projectPath(fmt.Sprintf("tasks/%d/%s", taskID, strings.TrimLeft(p, "/")))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
