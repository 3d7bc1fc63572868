package session

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a session.
type Status string

const (
	// StatusStarting means a process is being spawned for a turn and the
	// engine has not produced output yet.
	StatusStarting Status = "starting"
	// StatusActive means an engine process is producing output for a turn.
	StatusActive Status = "active"
	// StatusCompleted means the most recent turn finished successfully.
	StatusCompleted Status = "completed"
	// StatusError means the most recent turn failed.
	StatusError Status = "error"
	// StatusStopped means the session was explicitly stopped. Terminal.
	StatusStopped Status = "stopped"
)

// Statuses lists every valid status, in lifecycle order.
var Statuses = []Status{StatusStarting, StatusActive, StatusCompleted, StatusError, StatusStopped}

// ValidStatus reports whether s is one of the five lifecycle states.
func ValidStatus(s Status) bool {
	return slices.Contains(Statuses, s)
}

// validTransitions lists the allowed successor states for each status.
// stopped has no successors: once stopped, a session stays stopped.
var validTransitions = map[Status][]Status{
	StatusStarting:  {StatusActive, StatusError, StatusStopped},
	StatusActive:    {StatusCompleted, StatusError, StatusStopped},
	StatusCompleted: {StatusStarting, StatusStopped},
	StatusError:     {StatusStarting, StatusStopped},
	StatusStopped:   {},
}

// CanTransition reports whether the state machine allows moving from one
// status to another.
func CanTransition(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Live reports whether the status implies a running engine process.
func (s Status) Live() bool {
	return s == StatusStarting || s == StatusActive
}

// MaxLastOutput bounds the stored tail of a session's most recent output.
const MaxLastOutput = 4096

// TruncateOutput trims text to the stored output bound, keeping the tail,
// since the end of a response is what a status check usually wants.
func TruncateOutput(text string) string {
	if len(text) <= MaxLastOutput {
		return text
	}
	return text[len(text)-MaxLastOutput:]
}

// Session is the tracked record of one conversational session.
type Session struct {
	ID             string    `json:"id"`
	EngineID       string    `json:"engineId,omitempty"` // Identifier most recently reported by the engine, used for resume
	Status         Status    `json:"status"`
	WorkingDir     string    `json:"workingDirectory"`
	BranchedFrom   string    `json:"branchedFrom,omitempty"` // Parent session ID if this session was forked
	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	MessageCount   int       `json:"messageCount"`         // Completed prompt/response exchanges
	LastOutput     string    `json:"lastOutput,omitempty"` // Tail of the most recent final text
	LastError      string    `json:"lastError,omitempty"`  // Kind and message of the most recent failed turn
}

// New creates a session record in the starting state with a locally generated
// UUID handle for an ID. The handle is replaced via the store's Rekey once the
// engine reports its own identifier.
func New(workingDir string) *Session {
	now := time.Now()
	return &Session{
		ID:             uuid.New().String(),
		Status:         StatusStarting,
		WorkingDir:     workingDir,
		StartedAt:      now,
		LastActivityAt: now,
	}
}

// Fork creates a new session record branched from parent. The fork is an
// independent session with its own identity and lifecycle; BranchedFrom is a
// weak reference and stays valid even after the parent is deleted.
func Fork(parent *Session) *Session {
	child := New(parent.WorkingDir)
	child.BranchedFrom = parent.ID
	return child
}

// Transition moves the session to a new status. Moves the state machine does
// not allow are rejected with ErrInvalidTransition and leave the session
// unchanged.
func (s *Session) Transition(to Status) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	return nil
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.LastActivityAt = time.Now()
}
