package mcp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dizzyvn/kumiai/internal/executor"
	"github.com/dizzyvn/kumiai/internal/queue"
	"github.com/dizzyvn/kumiai/internal/ratelimit"
	"github.com/dizzyvn/kumiai/internal/session"
	"github.com/dizzyvn/kumiai/internal/store"
)

// internalErrorPatterns contains substrings that indicate internal errors
var internalErrorPatterns = []string{
	"failed to exec",
	"connection refused",
	"no such file",
	"permission denied",
	"database is locked",
	"context canceled",
	"EOF",
}

// SanitizeError returns a client-safe error message. Internal details are
// logged but not exposed to clients.
func SanitizeError(logger *slog.Logger, err error, operation string) error {
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}

	errStr := err.Error()
	lower := strings.ToLower(errStr)
	for _, pattern := range internalErrorPatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			logger.Error("operation failed", "operation", operation, "error", err)
			return fmt.Errorf("%s failed: internal error", operation)
		}
	}

	if isUserFacingError(errStr) {
		return err
	}

	logger.Error("operation failed", "operation", operation, "error", err)
	return fmt.Errorf("%s failed: %s", operation, genericErrorMessage(errStr))
}

// StatusCode maps an error to the HTTP status it is surfaced with
func StatusCode(err error) int {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrSessionExists), errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, executor.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, executor.ErrClosed), errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func isDomainError(err error) bool {
	return StatusCode(err) != http.StatusInternalServerError
}

// isUserFacingError returns true if the error message is safe to show to users
func isUserFacingError(errStr string) bool {
	userFacingPatterns := []string{
		"not found",
		"already exists",
		"invalid",
		"required",
		"must be",
		"cannot",
	}

	lower := strings.ToLower(errStr)
	for _, pattern := range userFacingPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// genericErrorMessage extracts a safe portion of the error or returns generic text
func genericErrorMessage(errStr string) string {
	if len(errStr) < 50 {
		return errStr
	}
	return "an unexpected error occurred"
}
