package opencode

import (
	"context"
	"fmt"

	"github.com/dizzyvn/kumiai/internal/agent"
)

// Runtime implements agent.Runtime for OpenCode
type Runtime struct {
	client *Client
	model  string
}

var _ agent.Runtime = (*Runtime)(nil)

// NewRuntime creates a runtime for the OpenCode server at baseURL
func NewRuntime(baseURL, model string) *Runtime {
	return &Runtime{
		client: NewClient(baseURL),
		model:  model,
	}
}

// New is the agent.Constructor for OpenCode
func New(cfg agent.FactoryConfig) (agent.Runtime, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("opencode runtime requires a base URL")
	}
	return NewRuntime(cfg.BaseURL, cfg.Model), nil
}

// Open creates or resumes an OpenCode session and attaches an executor
func (r *Runtime) Open(ctx context.Context, req *agent.OpenRequest) (agent.StreamingExecutor, error) {
	sessionID := req.ConversationHandle
	if sessionID == "" {
		var err error
		sessionID, err = r.client.CreateSession(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
	}

	open := *req
	if open.Model == "" {
		open.Model = r.model
	}

	executor, err := NewStreamingExecutor(ctx, r.client, sessionID, &open)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}
	return executor, nil
}

// Ping checks if the OpenCode server is reachable
func (r *Runtime) Ping(ctx context.Context) error {
	return r.client.CheckHealth(ctx)
}

// Close releases runtime resources
func (r *Runtime) Close() error {
	return nil
}

// Name returns the runtime identifier
func (r *Runtime) Name() string {
	return string(agent.RuntimeTypeOpenCode)
}
