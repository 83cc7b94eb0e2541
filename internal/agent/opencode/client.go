// Package opencode provides the OpenCode engine runtime.
//
// client.go - HTTP client for a running `opencode serve` instance
//
// OpenCode uses HTTP REST for commands and SSE for event streaming.
// The server is reached at a configured base URL; its lifecycle is
// managed outside kumiai.

package opencode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	requestTimeout = 30 * time.Second
	maxErrorBody   = 4096
)

// Client talks to the OpenCode REST and SSE endpoints
type Client struct {
	baseURL string

	// http is used for request/response calls and carries a timeout
	http *http.Client
	// stream has no timeout and is used for the long-lived /event connection
	stream *http.Client
}

// NewClient creates a client for the server at baseURL
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		stream:  &http.Client{},
	}
}

// CheckHealth checks if the OpenCode server is responding
func (c *Client) CheckHealth(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/global/health", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// CreateSession creates a new OpenCode session and returns its id
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/session", map[string]any{})
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create session failed: %s", readErrorBody(resp))
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode session response: %w", err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("create session returned empty id")
	}
	return result.ID, nil
}

// readErrorBody returns a bounded snippet of an error response body
func readErrorBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
