// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tombee/flowbench/pkg/flow"
	"github.com/tombee/flowbench/pkg/httpclient"
)

// ErrRunNotFound marks a run ID the server does not know.
var ErrRunNotFound = errors.New("run not found")

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// RunState mirrors the server's view of a submitted run.
type RunState struct {
	RunID       string     `json:"run_id"`
	BenchmarkID string     `json:"benchmark_id,omitempty"`
	Agent       string     `json:"agent,omitempty"`
	Status      string     `json:"status"`
	Score       float64    `json:"score,omitempty"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Run is the detailed view of one run, including its result once the
// run finished.
type Run struct {
	RunState
	Result      *flow.FlowResult `json:"result,omitempty"`
	SessionPath string           `json:"session_path,omitempty"`
}

// Health is the server's liveness report.
type Health struct {
	Status     string `json:"status"`
	QueueDepth int    `json:"queue_depth"`
	ActiveRuns int    `json:"active_runs"`
}

// Client talks to one flowbench execution API server.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) error {
		if client == nil {
			return fmt.Errorf("http client cannot be nil")
		}
		c.httpClient = client
		return nil
	}
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", baseURL, err)
	}

	c := &Client{baseURL: strings.TrimRight(baseURL, "/")}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.httpClient == nil {
		// Submissions stay single-shot so a retry cannot enqueue the
		// same benchmark twice; reads retry.
		client, err := httpclient.New(httpclient.Config{
			Timeout:       30 * time.Second,
			RetryAttempts: 2,
			RetryBackoff:  200 * time.Millisecond,
			MaxBackoff:    2 * time.Second,
			UserAgent:     "flowbench-api-client/1.0",
		})
		if err != nil {
			return nil, err
		}
		c.httpClient = client
	}

	return c, nil
}

// Health reports server liveness and queue occupancy.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit enqueues a run of a benchmark from the server's library. The
// agent kind overrides the server default when non-empty.
func (c *Client) Submit(ctx context.Context, benchmarkID, agent string) (*RunState, error) {
	if benchmarkID == "" {
		return nil, fmt.Errorf("benchmark ID is required")
	}

	body, err := json.Marshal(map[string]string{
		"benchmark_id": benchmarkID,
		"agent":        agent,
	})
	if err != nil {
		return nil, err
	}

	var out RunState
	if err := c.do(ctx, http.MethodPost, "/v1/runs", body, "application/json", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitDocument enqueues a run of an inline benchmark document.
func (c *Client) SubmitDocument(ctx context.Context, doc []byte, agent string) (*RunState, error) {
	if len(doc) == 0 {
		return nil, fmt.Errorf("benchmark document is required")
	}

	path := "/v1/runs"
	if agent != "" {
		path += "?agent=" + url.QueryEscape(agent)
	}

	var out RunState
	if err := c.do(ctx, http.MethodPost, path, doc, "application/x-yaml", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns returns the server's runs, newest first. A non-empty status
// filters to that state.
func (c *Client) ListRuns(ctx context.Context, status string) ([]RunState, error) {
	path := "/v1/runs"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}

	var out struct {
		Runs  []RunState `json:"runs"`
		Count int        `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// GetRun returns one run with its result when available. A missing ID
// reports ErrRunNotFound.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	var out Run
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelRun cancels a queued or running run.
func (c *Client) CancelRun(ctx context.Context, runID string) (*RunState, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	var out RunState
	if err := c.do(ctx, http.MethodDelete, "/v1/runs/"+url.PathEscape(runID), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do performs one request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.apiError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// apiError maps an error response to an *APIError, wrapping
// ErrRunNotFound for 404s so callers can errors.Is on it.
func (c *Client) apiError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	message := resp.Status
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		message = payload.Error
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: message}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrRunNotFound, message)
	}
	return apiErr
}
