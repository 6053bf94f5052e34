package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// ErrNoCredential is returned when a protected call is made before a
// credential has been configured.
var ErrNoCredential = errors.New("agentclient: credential is not set")

// Client wraps the HTTP interactions with the agent server REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu         sync.RWMutex
	credential string
}

// TaskRequest creates a task or resumes an existing one.
type TaskRequest struct {
	TaskID   string            `json:"taskId,omitempty"`
	Goal     string            `json:"goal"`
	Message  string            `json:"message,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Task mirrors the server side snapshot of an execution context.
type Task struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	Goal       string `json:"goal"`
	Message    string `json:"message,omitempty"`
	Thought    string `json:"thought,omitempty"`
	Reply      string `json:"reply,omitempty"`
	Error      string `json:"error,omitempty"`
	Step       int    `json:"step"`
	TotalSteps int    `json:"totalSteps"`
	Runs       int    `json:"runs"`
	CreatedAt  int64  `json:"createdAt"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// Submitted is returned when input has been accepted for a task.
type Submitted struct {
	TaskID  string `json:"taskId"`
	Created bool   `json:"created"`
	Task    Task   `json:"task"`
}

// Slot describes a task that currently holds a pool slot.
type Slot struct {
	TaskID       string `json:"taskId"`
	CreatedAt    int64  `json:"createdAt"`
	LastAccessAt int64  `json:"lastAccessAt"`
	Task         Task   `json:"task"`
}

// TaskList is the response of ListTasks.
type TaskList struct {
	Tasks []Slot `json:"tasks"`
	Size  int    `json:"size"`
	Max   int    `json:"max"`
}

// HistoryRecord is one finished run.
type HistoryRecord struct {
	ID         int64  `json:"id"`
	TaskID     string `json:"taskId"`
	Goal       string `json:"goal"`
	Message    string `json:"message,omitempty"`
	Thought    string `json:"thought,omitempty"`
	Reply      string `json:"reply,omitempty"`
	State      string `json:"state"`
	Error      string `json:"error,omitempty"`
	Steps      int    `json:"steps"`
	CreatedAt  int64  `json:"createdAt"`
	FinishedAt int64  `json:"finishedAt"`
}

// TaskDetail is the response of GetTask. Slot is nil once the task has
// left the pool, in which case State comes from the latest history record.
type TaskDetail struct {
	TaskID  string          `json:"taskId"`
	Pooled  bool            `json:"pooled"`
	Slot    *Slot           `json:"slot,omitempty"`
	State   string          `json:"state,omitempty"`
	History []HistoryRecord `json:"history"`
}

// Status reports runtime counters.
type Status struct {
	Version       string `json:"version"`
	StartedAt     int64  `json:"startedAt"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	PoolSize      int    `json:"poolSize"`
	PoolMax       int    `json:"poolMax"`
	Connections   int    `json:"connections"`
	Observers     int    `json:"observers"`
}

// APIError is the uniform error body returned by the server.
type APIError struct {
	StatusCode int    `json:"statusCode"`
	Kind       string `json:"error"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agent server error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agent server error (%d): %s", e.StatusCode, e.Message)
}

// IsKind reports whether err is an APIError of the given kind, e.g.
// "Conflict" or "NotFound".
func IsKind(err error, kind string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// NewClient instantiates a client for the agent server. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL, credential string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url scheme %q", parsed.Scheme)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, credential: credential}, nil
}

// Credential returns the currently configured credential.
func (c *Client) Credential() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.credential
}

// SetCredential overrides the stored credential.
func (c *Client) SetCredential(credential string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credential = credential
}

// Version returns the server build version. It needs no credential.
func (c *Client) Version(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	if err := c.get(ctx, "/version", nil, &out, false); err != nil {
		return "", err
	}
	return out.Version, nil
}

// Status returns runtime counters.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	if err := c.get(ctx, "/api/status", nil, &out, true); err != nil {
		return Status{}, err
	}
	return out, nil
}

// History returns the latest finished runs across all tasks.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryRecord, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		History []HistoryRecord `json:"history"`
	}
	if err := c.get(ctx, "/api/history", query, &out, true); err != nil {
		return nil, err
	}
	return out.History, nil
}

// CreateTask submits a goal. An empty TaskID lets the server assign one.
func (c *Client) CreateTask(ctx context.Context, req TaskRequest) (Submitted, error) {
	var out Submitted
	if err := c.send(ctx, http.MethodPost, "/api/tasks", req, &out); err != nil {
		return Submitted{}, err
	}
	return out, nil
}

// SendMessage submits a follow-up message to an existing task.
func (c *Client) SendMessage(ctx context.Context, taskID, message string) (Submitted, error) {
	var out Submitted
	body := map[string]string{"message": message}
	if err := c.send(ctx, http.MethodPost, taskPath(taskID, "messages"), body, &out); err != nil {
		return Submitted{}, err
	}
	return out, nil
}

// ListTasks lists the tasks currently holding pool slots.
func (c *Client) ListTasks(ctx context.Context) (TaskList, error) {
	var out TaskList
	if err := c.get(ctx, "/api/tasks", nil, &out, true); err != nil {
		return TaskList{}, err
	}
	return out, nil
}

// GetTask fetches a task from the pool, falling back to its history.
func (c *Client) GetTask(ctx context.Context, taskID string) (TaskDetail, error) {
	var out TaskDetail
	if err := c.get(ctx, taskPath(taskID), nil, &out, true); err != nil {
		return TaskDetail{}, err
	}
	return out, nil
}

// AbortTask requests cancellation of the running step of a task.
func (c *Client) AbortTask(ctx context.Context, taskID string) error {
	return c.send(ctx, http.MethodPost, taskPath(taskID, "abort"), nil, nil)
}

// ReleaseTask frees the pool slot held by a task.
func (c *Client) ReleaseTask(ctx context.Context, taskID string) error {
	return c.send(ctx, http.MethodDelete, taskPath(taskID), nil, nil)
}

func taskPath(taskID string, rest ...string) string {
	return path.Join(append([]string{"/api/tasks", url.PathEscape(taskID)}, rest...)...)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, nil, body, true)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any, withAuth bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil, withAuth)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// endpoint joins an already escaped path onto the base URL.
func (c *Client) endpoint(escaped string, query url.Values) *url.URL {
	u := *c.baseURL
	raw := path.Join("/", c.baseURL.EscapedPath(), escaped)
	unescaped, err := url.PathUnescape(raw)
	if err != nil {
		unescaped = raw
	}
	u.Path = unescaped
	u.RawPath = raw
	u.RawQuery = query.Encode()
	return &u
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, withAuth bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(endpoint, query).String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		credential := c.Credential()
		if credential == "" {
			return nil, ErrNoCredential
		}
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		apiErr.StatusCode = resp.StatusCode
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
