// Package opencode provides the OpenCode engine runtime.
//
// protocol.go - HTTP communication layer
//
// This file contains:
// - Prompt submission (SendMessageAsync)
// - Abort (AbortSession)
// - SSE event subscription (SubscribeEvents)
// - The shared request helper (doRequest)

package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SendMessageAsync sends a message asynchronously (returns immediately, events via SSE)
// model format: "providerID/modelID" (e.g., "anthropic/claude-sonnet-4-5")
func (c *Client) SendMessageAsync(ctx context.Context, sessionID, message, model string) error {
	body := map[string]any{
		"parts": []map[string]string{
			{"type": PartTypeText, "text": message},
		},
	}

	if model != "" {
		parts := strings.SplitN(model, "/", 2)
		if len(parts) == 2 {
			body["model"] = map[string]string{
				"providerID": parts[0],
				"modelID":    parts[1],
			}
		}
	}

	resp, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/session/%s/prompt_async", sessionID), body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	// prompt_async returns 204 No Content on success
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("send message async failed: %s", readErrorBody(resp))
	}
	return nil
}

// AbortSession sends an abort request to stop the current operation
func (c *Client) AbortSession(ctx context.Context, sessionID string) error {
	resp, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/session/%s/abort", sessionID), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("abort failed: %s", readErrorBody(resp))
	}
	return nil
}

// SubscribeEvents connects to the SSE event stream. The returned reader
// streams events until ctx is cancelled or it is closed.
func (c *Client) SubscribeEvents(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to start SSE stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, fmt.Errorf("event stream failed: %s", readErrorBody(resp))
	}
	return resp.Body, nil
}

// doRequest executes a JSON HTTP request against the server
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}
