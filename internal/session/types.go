package session

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change is not permitted.
// Callers surface it as a conflict.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status represents the execution state of a session
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusWorking      Status = "working"
	StatusIdle         Status = "idle"
	StatusError        Status = "error"
	StatusDone         Status = "done"
	StatusInterrupted  Status = "interrupted"
)

// Stage is the coarse workflow column derived from Status
type Stage string

const (
	StageBacklog Stage = "backlog"
	StageActive  Stage = "active"
	StageWaiting Stage = "waiting"
	StageDone    Stage = "done"
)

// ContextKeyStage is the session context key holding the derived stage
const ContextKeyStage = "stage"

var transitions = map[Status][]Status{
	StatusInitializing: {StatusWorking, StatusError},
	StatusWorking:      {StatusIdle, StatusError, StatusDone, StatusInterrupted},
	StatusIdle:         {StatusWorking, StatusError, StatusDone},
	StatusError:        {StatusIdle},
	StatusDone:         {StatusWorking},
	StatusInterrupted:  {StatusIdle},
}

// CanTransition reports whether from -> to is permitted
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StageFor returns the stage a status maps to
func StageFor(s Status) Stage {
	switch s {
	case StatusInitializing:
		return StageBacklog
	case StatusWorking:
		return StageActive
	case StatusDone:
		return StageDone
	default:
		return StageWaiting
	}
}

// ParseStatus validates a persisted status string
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown session status %q", s)
	}
	return st, nil
}

// IsValid reports whether s is a known status
func (s Status) IsValid() bool {
	_, ok := transitions[s]
	return ok
}
