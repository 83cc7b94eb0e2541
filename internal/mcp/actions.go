package mcp

import (
	"fmt"
	"strings"
)

// actionError returns a formatted error for invalid actions
func actionError(tool, action string, valid []string) error {
	return fmt.Errorf("unknown action '%s' for %s tool; valid actions: %s", action, tool, strings.Join(valid, ", "))
}

// missingActionError returns an error for missing action parameter
func missingActionError(tool string, valid []string) error {
	return fmt.Errorf("action parameter is required for %s tool; valid actions: %s", tool, strings.Join(valid, ", "))
}

// requireSessionID returns an error naming the action when id is empty
func requireSessionID(action, id string) error {
	if id == "" {
		return fmt.Errorf("session_id is required for %s", action)
	}
	return nil
}
