// Package agent provides the upstream engine abstraction layer.
//
// runtime.go - Runtime interface definition

package agent

import "context"

// Runtime is the interface for upstream engine backends. A runtime lazily
// produces one StreamingExecutor per session execution.
type Runtime interface {
	// Open starts or resumes the engine conversation for a session
	Open(ctx context.Context, request *OpenRequest) (StreamingExecutor, error)

	// Ping checks if the runtime is available and responsive
	Ping(ctx context.Context) error

	// Close releases any resources held by the runtime
	Close() error

	// Name returns the runtime identifier
	Name() string
}
