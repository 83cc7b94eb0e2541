// Package agent provides the upstream engine abstraction layer.
//
// executor.go - StreamingExecutor interface definition
//
// StreamingExecutor accepts a stream of turns and produces an asynchronous
// stream of typed events. Cancel aborts the in-flight turn; Close tears the
// handle down and closes Done.

package agent

import "context"

// StreamingExecutor manages a bidirectional streaming engine execution
type StreamingExecutor interface {
	// SendTurn hands one turn of input to the engine
	SendTurn(ctx context.Context, turn Turn) error

	// Cancel requests termination of the current operation
	Cancel() error

	// Events returns a channel for receiving stream events
	Events() <-chan *StreamEvent

	// Errors returns a channel for receiving errors
	Errors() <-chan error

	// Done returns a channel that closes when execution finishes
	Done() <-chan struct{}

	// Close gracefully shuts down the executor
	Close() error

	// ConversationHandle returns the engine's resumable conversation identifier
	ConversationHandle() string

	// IsClosed returns whether the executor has been closed
	IsClosed() bool
}
