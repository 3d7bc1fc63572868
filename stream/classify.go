package stream

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bobmatnyc/sessiond/session"
)

// Failure phrase patterns. The engine reports throttling and context
// exhaustion as free text in the terminal record or on stderr, so
// classification is by phrase, case-insensitively.
var (
	rateLimitPattern    = regexp.MustCompile(`(?i)rate limit|usage limit|too many requests|quota exceeded|overloaded|\b429\b`)
	contextLimitPattern = regexp.MustCompile(`(?i)prompt is too long|context (?:window|limit)|input (?:is )?too long|maximum context length`)
	retryAfterPattern   = regexp.MustCompile(`(?i)(?:retry[- ]after|try again in|retry in|resets? in)[:\s]+(\d+)\s*(seconds?|secs?|minutes?|mins?|hours?|hrs?|[smh])?`)
)

// Classify maps a failed turn's terminal text and stderr tail onto the error
// taxonomy. Throttling wins over context exhaustion when both phrases appear,
// since retrying is the cheaper recovery. Failures matching neither become
// EngineError.
func Classify(subtype, text, stderrTail string) error {
	combined := text
	if stderrTail != "" {
		combined = combined + "\n" + stderrTail
	}

	if rateLimitPattern.MatchString(combined) {
		return &session.RateLimitError{
			Message:    failureMessage(text, stderrTail),
			RetryAfter: parseRetryAfter(combined),
		}
	}
	if contextLimitPattern.MatchString(combined) {
		return &session.ContextLimitError{Message: failureMessage(text, stderrTail)}
	}
	return &session.EngineError{Subtype: subtype, Message: failureMessage(text, stderrTail)}
}

// failureMessage picks the most useful description of a failure: the terminal
// record's text when present, otherwise the stderr tail.
func failureMessage(text, stderrTail string) string {
	if msg := strings.TrimSpace(text); msg != "" {
		return truncateString(msg, 500)
	}
	if msg := strings.TrimSpace(stderrTail); msg != "" {
		return truncateString(msg, 500)
	}
	return "turn failed without a reported reason"
}

// parseRetryAfter extracts a retry hint like "try again in 5 minutes" or
// "retry-after: 60". Returns 0 when no hint is found. A bare number is
// treated as seconds.
func parseRetryAfter(text string) time.Duration {
	m := retryAfterPattern.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0
	}
	unit := strings.ToLower(m[2])
	switch {
	case strings.HasPrefix(unit, "h"):
		return time.Duration(n) * time.Hour
	case strings.HasPrefix(unit, "m"):
		return time.Duration(n) * time.Minute
	default:
		return time.Duration(n) * time.Second
	}
}
