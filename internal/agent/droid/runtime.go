package droid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/dizzyvn/kumiai/internal/agent"
	"github.com/dizzyvn/kumiai/internal/logger"
)

const (
	defaultCommand = "droid"
	defaultModel   = "claude-opus-4-5-20251101"
	apiKeyEnv      = "FACTORY_API_KEY"
)

var errNoAPIKey = errors.New(apiKeyEnv + " not configured")

// startFunc launches the droid CLI
type startFunc func(ctx context.Context, name string, args, env []string, dir string) (*process, error)

// Runtime implements agent.Runtime by running the droid CLI locally, one
// process per session execution
type Runtime struct {
	command   string
	model     string
	autonomy  string
	reasoning string
	apiKey    string
	workDir   string
	logger    *slog.Logger
	start     startFunc
}

var _ agent.Runtime = (*Runtime)(nil)

// NewRuntime creates a droid runtime, filling unset values with defaults.
// The API key falls back to $FACTORY_API_KEY.
func NewRuntime(cfg agent.FactoryConfig) *Runtime {
	r := &Runtime{
		command:   cfg.Command,
		model:     cfg.Model,
		autonomy:  cfg.Autonomy,
		reasoning: cfg.Reasoning,
		apiKey:    cfg.APIKey,
		workDir:   cfg.WorkDir,
		logger:    logger.Component("droid"),
		start:     startProcess,
	}
	if r.command == "" {
		r.command = defaultCommand
	}
	if r.model == "" {
		r.model = defaultModel
	}
	if r.apiKey == "" {
		r.apiKey = os.Getenv(apiKeyEnv)
	}
	return r
}

// New is the agent.Constructor for droid
func New(cfg agent.FactoryConfig) (agent.Runtime, error) {
	return NewRuntime(cfg), nil
}

// Open starts a droid process for the session and initializes it. A
// conversation handle resumes the droid session it names.
func (r *Runtime) Open(ctx context.Context, req *agent.OpenRequest) (agent.StreamingExecutor, error) {
	if r.apiKey == "" {
		return nil, errNoAPIKey
	}

	model := req.Model
	if model == "" {
		model = r.model
	}
	args := buildArgs(commandOptions{
		Model:     model,
		Autonomy:  r.autonomy,
		Reasoning: r.reasoning,
		SessionID: req.ConversationHandle,
		WorkDir:   r.workDir,
	})
	env := append(os.Environ(),
		apiKeyEnv+"="+r.apiKey,
		"KUMIAI_SESSION_ID="+req.SessionID,
	)

	proc, err := r.start(ctx, r.command, args, env, r.workDir)
	if err != nil {
		return nil, fmt.Errorf("failed to start droid: %w", err)
	}

	executor := newStreamingExecutor(ctx, proc, req, r.logger.With("session_id", req.SessionID))
	if err := executor.initialize(ctx, r.workDir, req.SessionID); err != nil {
		_ = executor.Close()
		return nil, fmt.Errorf("failed to initialize session: %w", err)
	}
	return executor, nil
}

// Ping checks that the API key is set and the droid binary can be found
func (r *Runtime) Ping(ctx context.Context) error {
	if r.apiKey == "" {
		return errNoAPIKey
	}
	if _, err := exec.LookPath(r.command); err != nil {
		return fmt.Errorf("droid CLI not found: %w", err)
	}
	return nil
}

// Close releases runtime resources
func (r *Runtime) Close() error {
	return nil
}

// Name returns the runtime identifier
func (r *Runtime) Name() string {
	return string(agent.RuntimeTypeDroid)
}

func startProcess(ctx context.Context, name string, args, env []string, dir string) (*process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	cmd.Dir = dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &process{
		stdin:  stdin,
		stdout: stdout,
		wait:   cmd.Wait,
		kill: func() error {
			return cmd.Process.Kill()
		},
	}, nil
}
