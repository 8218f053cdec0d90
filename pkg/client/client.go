package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tendant/simple-snapshot-pipeline/pkg/pipeline"
)

// ErrBusy is returned by Capture when the agent is already running a cycle
var ErrBusy = errors.New("agent busy: capture cycle in progress")

// Client is an HTTP client for the snapshot agent's control API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new control API client. Capture waits for a full cycle, so
// the timeout is generous.
func New(baseURL string) *Client {
	return NewWithHTTPClient(baseURL, &http.Client{
		Timeout: 2 * time.Minute,
	})
}

// NewWithHTTPClient creates a new control API client with a custom HTTP client
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Capture asks the agent to run one cycle now and returns its report.
// When the agent is busy the skipped report is returned together with ErrBusy.
func (c *Client) Capture(ctx context.Context) (*pipeline.CycleReport, error) {
	var report pipeline.CycleReport
	status, err := c.do(ctx, http.MethodPost, "/v1/capture", &report, http.StatusOK, http.StatusConflict)
	if err != nil {
		return nil, err
	}
	if status == http.StatusConflict {
		return &report, ErrBusy
	}
	return &report, nil
}

// Status returns the agent's current state
func (c *Client) Status(ctx context.Context) (*pipeline.Status, error) {
	var status pipeline.Status
	if _, err := c.do(ctx, http.MethodGet, "/v1/status", &status, http.StatusOK); err != nil {
		return nil, err
	}
	return &status, nil
}

// Health checks that the agent is serving
func (c *Client) Health(ctx context.Context) error {
	var body map[string]string
	if _, err := c.do(ctx, http.MethodGet, "/health", &body, http.StatusOK); err != nil {
		return err
	}
	if body["status"] != "healthy" {
		return fmt.Errorf("unexpected health status %q", body["status"])
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, out any, accept ...int) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}
