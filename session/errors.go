package session

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds are the stable wire identifiers reported to remote callers.
const (
	KindLaunch           = "launch_error"
	KindIncompleteStream = "incomplete_stream"
	KindTimeout          = "timeout"
	KindRateLimit        = "rate_limit"
	KindContextLimit     = "context_limit"
	KindNotFound         = "not_found"
	KindEngine           = "engine_error"
	KindStopped          = "session_stopped"
	KindInvalidRequest   = "invalid_request"
	KindInternal         = "internal_error"
)

// ErrInvalidTransition is returned by Transition for moves the lifecycle
// state machine does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// LaunchError indicates the engine process could not be started: missing
// binary, missing credentials, or a spawn failure.
type LaunchError struct {
	Reason string
	Err    error
}

func (e *LaunchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine launch failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("engine launch failed: %s", e.Reason)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// IncompleteStreamError indicates the engine's output stream ended without a
// terminal record.
type IncompleteStreamError struct {
	Records int // Records decoded before the stream ended
}

func (e *IncompleteStreamError) Error() string {
	return fmt.Sprintf("engine stream ended without a terminal record after %d records", e.Records)
}

// TimeoutError indicates a turn exceeded its time limit and the engine
// process was killed.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("turn timed out after %s", e.After)
}

// RateLimitError indicates the engine reported upstream throttling.
// RetryAfter is a hint parsed from the failure text; zero when the engine
// gave none.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: %s (retry after %s)", e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited: %s", e.Message)
}

// ContextLimitError indicates the conversation exceeded the engine's context
// window. The session is still continuable; recovery (a fresh session or a
// summarized restart) is the caller's decision.
type ContextLimitError struct {
	Message string
}

func (e *ContextLimitError) Error() string {
	return fmt.Sprintf("context limit exceeded: %s", e.Message)
}

// NotFoundError indicates the referenced session does not exist.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.ID)
}

// EngineError indicates the engine reported a failed turn that is neither
// throttling nor context exhaustion.
type EngineError struct {
	Subtype string // Engine-reported failure subtype, when present
	Message string
}

func (e *EngineError) Error() string {
	if e.Subtype != "" {
		return fmt.Sprintf("engine error (%s): %s", e.Subtype, e.Message)
	}
	return fmt.Sprintf("engine error: %s", e.Message)
}

// StoppedError indicates a turn was interrupted by an explicit stop, or that
// an operation was attempted against a stopped session.
type StoppedError struct {
	ID string
}

func (e *StoppedError) Error() string {
	return fmt.Sprintf("session %s is stopped", e.ID)
}

// InvalidRequestError indicates the caller's arguments were rejected before
// any work started.
type InvalidRequestError struct {
	Message string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Message)
}

// KindOf maps an error to its wire kind. Unrecognized errors report
// internal_error.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	var (
		launch     *LaunchError
		incomplete *IncompleteStreamError
		timeout    *TimeoutError
		rateLimit  *RateLimitError
		ctxLimit   *ContextLimitError
		notFound   *NotFoundError
		engine     *EngineError
		stopped    *StoppedError
		invalid    *InvalidRequestError
	)
	switch {
	case errors.As(err, &launch):
		return KindLaunch
	case errors.As(err, &incomplete):
		return KindIncompleteStream
	case errors.As(err, &timeout):
		return KindTimeout
	case errors.As(err, &rateLimit):
		return KindRateLimit
	case errors.As(err, &ctxLimit):
		return KindContextLimit
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &engine):
		return KindEngine
	case errors.As(err, &stopped):
		return KindStopped
	case errors.As(err, &invalid):
		return KindInvalidRequest
	default:
		return KindInternal
	}
}

// RetryAfterOf returns the retry-after hint carried by a rate-limit error,
// or zero for any other error.
func RetryAfterOf(err error) time.Duration {
	var rateLimit *RateLimitError
	if errors.As(err, &rateLimit) {
		return rateLimit.RetryAfter
	}
	return 0
}
