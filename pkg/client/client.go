package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/drover/pkg/api"
	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/types"
	"github.com/goccy/go-json"
)

// DefaultTimeout bounds every call made through a Client
const DefaultTimeout = 10 * time.Second

// Client talks to the drover controller's HTTP API
type Client struct {
	base    string
	http    *http.Client
	timeout time.Duration
}

// NewClient creates a client for the controller at addr. A bare host:port is
// treated as plain http.
func NewClient(addr string) (*Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("controller address is required")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid controller address %q: %w", addr, err)
	}
	return &Client{
		base:    strings.TrimRight(u.String(), "/"),
		http:    &http.Client{},
		timeout: DefaultTimeout,
	}, nil
}

// Close releases idle connections
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Error is a non-2xx reply. It unwraps to errdefs.ErrNotFound on 404 so
// callers can use errdefs.IsNotFound.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("controller returned %d: %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return errdefs.ErrNotFound
	}
	return nil
}

// StartJob registers a job and schedules its workers
func (c *Client) StartJob(req types.JobResourceRequest) (*types.JobRecord, error) {
	var rec types.JobRecord
	if err := c.do(http.MethodPost, "/v1/jobs", req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ScaleJob changes a job's parallelism
func (c *Client) ScaleJob(jobID string, parallelism int) (*types.JobRecord, error) {
	var rec types.JobRecord
	if err := c.do(http.MethodPut, "/v1/jobs/"+url.PathEscape(jobID)+"/scale", api.ScaleRequest{Parallelism: parallelism}, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CompleteJob marks a job finished and drains its workers
func (c *Client) CompleteJob(jobID string) (*types.JobRecord, error) {
	var rec types.JobRecord
	if err := c.do(http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/complete", nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CancelJob aborts a job and drains its workers
func (c *Client) CancelJob(jobID string) (*types.JobRecord, error) {
	var rec types.JobRecord
	if err := c.do(http.MethodDelete, "/v1/jobs/"+url.PathEscape(jobID), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetJob fetches one registered job
func (c *Client) GetJob(jobID string) (*types.JobRecord, error) {
	var rec types.JobRecord
	if err := c.do(http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListJobs lists every registered job
func (c *Client) ListJobs() ([]*types.JobRecord, error) {
	var out []*types.JobRecord
	err := c.do(http.MethodGet, "/v1/jobs", nil, &out)
	return out, err
}

// ListGroups lists the worker group snapshots
func (c *Client) ListGroups() ([]types.GroupStatus, error) {
	var out []types.GroupStatus
	err := c.do(http.MethodGet, "/v1/groups", nil, &out)
	return out, err
}

// GetGroup fetches one job's worker group snapshot
func (c *Client) GetGroup(jobID string) (*types.GroupStatus, error) {
	var g types.GroupStatus
	if err := c.do(http.MethodGet, "/v1/groups/"+url.PathEscape(jobID), nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Stats reports slot occupancy
func (c *Client) Stats() (*types.SlotStats, error) {
	var s types.SlotStats
	if err := c.do(http.MethodGet, "/v1/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// AssignTask places a task on a free slot. The returned assignment is nil when
// the controller queued the task.
func (c *Client) AssignTask(task types.Task) (*types.SlotAssignment, error) {
	var resp api.AssignResponse
	if err := c.do(http.MethodPost, "/v1/tasks", task, &resp); err != nil {
		return nil, err
	}
	return resp.Assignment, nil
}

// ReleaseTask frees an assignment's slot
func (c *Client) ReleaseTask(assignmentID string) error {
	return c.do(http.MethodDelete, "/v1/tasks/"+url.PathEscape(assignmentID), nil, nil)
}

// ListAssignments lists a job's live slot assignments
func (c *Client) ListAssignments(jobID string) ([]*types.SlotAssignment, error) {
	var out []*types.SlotAssignment
	err := c.do(http.MethodGet, "/v1/tasks?job="+url.QueryEscape(jobID), nil, &out)
	return out, err
}

// ReportLiveness pushes one probe result for a worker
func (c *Client) ReportLiveness(r types.LivenessResult) error {
	return c.do(http.MethodPost, "/v1/liveness", r, nil)
}

func (c *Client) do(method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &Error{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
