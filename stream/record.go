package stream

import "encoding/json"

// Kind discriminates decoded stream records.
type Kind string

const (
	// KindInit is the engine's opening record announcing the assigned
	// session identifier.
	KindInit Kind = "init"
	// KindText is an incremental chunk of assistant text.
	KindText Kind = "text"
	// KindToolUse marks an engine tool invocation.
	KindToolUse Kind = "tool_use"
	// KindResult is the terminal record carrying the final response text.
	KindResult Kind = "result"
	// KindError is a non-terminal error marker emitted mid-stream.
	KindError Kind = "error"
)

// Usage carries the engine's token accounting for a turn.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Record is one decoded event from an engine's output stream.
type Record struct {
	Kind      Kind   `json:"kind"`
	Text      string `json:"text,omitempty"`
	ToolName  string `json:"toolName,omitempty"`
	ToolInput string `json:"toolInput,omitempty"` // Short description of the tool call's input
	SessionID string `json:"sessionId,omitempty"`
	Subtype   string `json:"subtype,omitempty"` // Engine-reported result subtype, e.g. "success"
	IsError   bool   `json:"isError,omitempty"`
	Usage     *Usage `json:"usage,omitempty"`
}

// Terminal reports whether the record ends the turn.
func (r Record) Terminal() bool {
	return r.Kind == KindResult
}

// maxToolSummary bounds the tool input description stored on a record.
const maxToolSummary = 80

// toolSummaryFields maps tool names to the input field that best describes
// the call. Tools without an entry fall back to the first string field.
var toolSummaryFields = map[string]string{
	"Read":      "file_path",
	"Edit":      "file_path",
	"Write":     "file_path",
	"Glob":      "pattern",
	"Grep":      "pattern",
	"Bash":      "command",
	"Task":      "description",
	"WebFetch":  "url",
	"WebSearch": "query",
}

// summarizeToolInput extracts a short human-readable description of a tool
// call from its input payload. Returns "" when nothing useful is found.
func summarizeToolInput(name string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}
	if field, ok := toolSummaryFields[name]; ok {
		if v, ok := fields[field].(string); ok && v != "" {
			return truncateString(v, maxToolSummary)
		}
	}
	for _, v := range fields {
		if s, ok := v.(string); ok && s != "" {
			return truncateString(s, maxToolSummary)
		}
	}
	return ""
}

// truncateString truncates s to maxLen characters, including a "..." suffix.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// truncateForLog truncates long lines quoted in log messages.
func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
