// Package client is the HTTP client used by the CLI and embedders to talk to
// a running sentinel daemon.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/loykin/sentinel/internal/apperr"
	"github.com/loykin/sentinel/internal/coordinator"
	"github.com/loykin/sentinel/internal/workload"
)

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8420/api",
		Timeout: 30 * time.Second,
	}
}

// Client speaks the daemon's REST control surface.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		var e struct {
			Kind    apperr.Kind `json:"kind"`
			Message string      `json:"message"`
			Hint    string      `json:"hint"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Kind != "" {
			ae := apperr.New(e.Kind, "%s", e.Message)
			if e.Hint != "" {
				return ae.WithHint(e.Hint)
			}
			return ae
		}
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// CreateWorkload declares a new workload and returns its id.
func (c *Client) CreateWorkload(ctx context.Context, req coordinator.CreateRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/workloads", nil, req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// UpdateWorkload applies a partial update.
func (c *Client) UpdateWorkload(ctx context.Context, ref string, patch coordinator.UpdatePatch) error {
	return c.do(ctx, http.MethodPatch, "/workloads/"+url.PathEscape(ref), nil, patch, nil)
}

// DeleteWorkload removes a workload; force stops a running one first.
func (c *Client) DeleteWorkload(ctx context.Context, ref string, force bool, grace string) error {
	q := url.Values{}
	if force {
		q.Set("force", "true")
	}
	if grace != "" {
		q.Set("grace", grace)
	}
	return c.do(ctx, http.MethodDelete, "/workloads/"+url.PathEscape(ref), q, nil, nil)
}

// Start requests a start; acceptance is synchronous, the spawn outcome
// arrives on the event stream.
func (c *Client) Start(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodPost, "/workloads/"+url.PathEscape(ref)+"/start", nil, nil, nil)
}

// Stop requests a stop with an optional wire-format grace period.
func (c *Client) Stop(ctx context.Context, ref, grace string, force bool) error {
	q := url.Values{}
	if grace != "" {
		q.Set("grace", grace)
	}
	if force {
		q.Set("force", "true")
	}
	return c.do(ctx, http.MethodPost, "/workloads/"+url.PathEscape(ref)+"/stop", q, nil, nil)
}

// Restart stop-then-starts atomically, with an optional delay between.
func (c *Client) Restart(ctx context.Context, ref, delay string) error {
	q := url.Values{}
	if delay != "" {
		q.Set("delay", delay)
	}
	return c.do(ctx, http.MethodPost, "/workloads/"+url.PathEscape(ref)+"/restart", q, nil, nil)
}

// List returns workload summaries.
func (c *Client) List(ctx context.Context, pattern, group string) ([]coordinator.Summary, error) {
	q := url.Values{}
	if pattern != "" {
		q.Set("pattern", pattern)
	}
	if group != "" {
		q.Set("group", group)
	}
	var out []coordinator.Summary
	if err := c.do(ctx, http.MethodGet, "/workloads", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Describe returns the declared workload and its runtime state.
func (c *Client) Describe(ctx context.Context, ref string) (workload.Workload, workload.RuntimeState, error) {
	var out struct {
		Workload workload.Workload     `json:"workload"`
		State    workload.RuntimeState `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, "/workloads/"+url.PathEscape(ref), nil, nil, &out); err != nil {
		return workload.Workload{}, workload.RuntimeState{}, err
	}
	return out.Workload, out.State, nil
}

// Logs queries persisted log records.
func (c *Client) Logs(ctx context.Context, ref string, q url.Values) ([]workload.LogRecord, error) {
	var out []workload.LogRecord
	if err := c.do(ctx, http.MethodGet, "/workloads/"+url.PathEscape(ref)+"/logs", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Metrics queries persisted samples.
func (c *Client) Metrics(ctx context.Context, ref string, q url.Values) ([]workload.MetricSample, error) {
	var out []workload.MetricSample
	if err := c.do(ctx, http.MethodGet, "/workloads/"+url.PathEscape(ref)+"/metrics", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PutPolicy declares or replaces a restart policy. Delay fields use the wire
// duration format.
func (c *Client) PutPolicy(ctx context.Context, body map[string]any) error {
	return c.do(ctx, http.MethodPost, "/policies", nil, body, nil)
}

// PutSchedule declares a schedule and returns its id.
func (c *Client) PutSchedule(ctx context.Context, workloadRef, kind, expression string, enabled bool) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]any{
		"workload": workloadRef, "kind": kind, "expression": expression, "enabled": enabled,
	}
	if err := c.do(ctx, http.MethodPost, "/schedules", nil, body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Schedules lists schedules, optionally for one workload.
func (c *Client) Schedules(ctx context.Context, workloadRef string) ([]workload.Schedule, error) {
	q := url.Values{}
	if workloadRef != "" {
		q.Set("workload", workloadRef)
	}
	var out []workload.Schedule
	if err := c.do(ctx, http.MethodGet, "/schedules", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EnableSchedule re-arms a schedule.
func (c *Client) EnableSchedule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/schedules/"+url.PathEscape(id)+"/enable", nil, nil, nil)
}

// DisableSchedule removes a schedule from the queue.
func (c *Client) DisableSchedule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/schedules/"+url.PathEscape(id)+"/disable", nil, nil, nil)
}

// Health returns the daemon health snapshot.
func (c *Client) Health(ctx context.Context) (coordinator.Health, error) {
	var out coordinator.Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out); err != nil {
		return coordinator.Health{}, err
	}
	return out, nil
}
