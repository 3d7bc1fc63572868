package manager

import (
	"time"

	"github.com/bobmatnyc/sessiond/session"
	"github.com/bobmatnyc/sessiond/stream"
)

// StartRequest describes a new session's first turn.
type StartRequest struct {
	Prompt         string
	WorkingDir     string // empty means the service's current directory
	DisableHooks   bool
	DisableTickets bool
	Timeout        time.Duration // 0 means the configured default
}

// ContinueRequest describes a follow-up turn on an existing session.
type ContinueRequest struct {
	SessionID string
	Prompt    string
	Fork      bool // branch into a new session instead of extending this one
	Timeout   time.Duration
}

// ErrorInfo is the wire form of a failed operation.
type ErrorInfo struct {
	Kind          string  `json:"kind"`
	Message       string  `json:"message"`
	RetryAfterSec float64 `json:"retryAfter,omitempty"` // rate limit hint, in seconds
}

// ErrorInfoOf converts an error into its wire form, or nil for a nil error.
func ErrorInfoOf(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Kind: session.KindOf(err), Message: err.Error()}
	if ra := session.RetryAfterOf(err); ra > 0 {
		info.RetryAfterSec = ra.Seconds()
	}
	return info
}

// TurnResult is the outcome of a Start or Continue operation. Failures are
// reported in-band through Error rather than as a transport failure.
type TurnResult struct {
	Success   bool            `json:"success"`
	SessionID string          `json:"sessionId,omitempty"`
	Output    string          `json:"output,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`
	Records   []stream.Record `json:"records,omitempty"`
}

// StatusResult reports one session's registry entry. Found is false when the
// id is unknown, in which case the embedded fields are absent.
type StatusResult struct {
	Found bool `json:"found"`
	*session.Session
}

// ListResult is the registry snapshot returned by List.
type ListResult struct {
	Sessions    []*session.Session `json:"sessions"`
	Count       int                `json:"count"`
	ActiveCount int                `json:"activeCount"` // sessions currently starting or active
}

// StopResult reports a stop request's effect. A stop that could not take
// effect, such as one naming an unknown session, reports the cause in-band
// through Error.
type StopResult struct {
	SessionID string     `json:"sessionId"`
	Stopped   bool       `json:"stopped"`
	Force     bool       `json:"force"`
	Error     *ErrorInfo `json:"error,omitempty"`
}
