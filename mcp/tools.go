package mcp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
)

// Tool names exposed over tools/list
const (
	ToolSessionStart    = "session_start"
	ToolSessionContinue = "session_continue"
	ToolSessionStatus   = "session_status"
	ToolSessionList     = "session_list"
	ToolSessionStop     = "session_stop"
)

// StartParams are the arguments for the session_start tool.
type StartParams struct {
	Prompt           string  `json:"prompt" jsonschema:"description=Instruction for the session's first turn"`
	WorkingDirectory string  `json:"workingDirectory,omitempty" jsonschema:"description=Absolute path the engine runs in. Defaults to the service's working directory"`
	DisableHooks     bool    `json:"disableHooks,omitempty" jsonschema:"description=Launch the engine without its hook integrations"`
	DisableTickets   bool    `json:"disableTickets,omitempty" jsonschema:"description=Launch the engine without ticket extraction"`
	TimeoutSec       float64 `json:"timeout,omitempty" jsonschema:"description=Turn timeout in seconds. Defaults to the configured timeout"`
}

// ContinueParams are the arguments for the session_continue tool.
type ContinueParams struct {
	SessionID  string  `json:"sessionId" jsonschema:"description=Identifier of the session to continue"`
	Prompt     string  `json:"prompt" jsonschema:"description=Follow-up instruction for the session"`
	Fork       bool    `json:"fork,omitempty" jsonschema:"description=Branch into a new session that shares history instead of extending this one"`
	TimeoutSec float64 `json:"timeout,omitempty" jsonschema:"description=Turn timeout in seconds. Defaults to the configured timeout"`
}

// StatusParams are the arguments for the session_status tool.
type StatusParams struct {
	SessionID string `json:"sessionId" jsonschema:"description=Identifier of the session to inspect"`
}

// ListParams are the arguments for the session_list tool.
type ListParams struct {
	StatusFilter string `json:"statusFilter,omitempty" jsonschema:"description=Restrict the listing to one lifecycle status,enum=starting,enum=active,enum=completed,enum=error,enum=stopped"`
}

// StopParams are the arguments for the session_stop tool.
type StopParams struct {
	SessionID string `json:"sessionId" jsonschema:"description=Identifier of the session to stop"`
	Force     bool   `json:"force,omitempty" jsonschema:"description=Kill the engine process immediately instead of giving it a grace period"`
}

// sessionTools describes the tools exposed over tools/list.
func sessionTools() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        ToolSessionStart,
			Description: "Start a new conversational engine session and run its first turn. Blocks until the turn finishes and returns the session id together with the engine's output.",
			InputSchema: toolSchema(&StartParams{}),
		},
		{
			Name:        ToolSessionContinue,
			Description: "Send a follow-up prompt to an existing session, resuming the engine's conversation history. Set fork to branch into a new session instead of extending this one.",
			InputSchema: toolSchema(&ContinueParams{}),
		},
		{
			Name:        ToolSessionStatus,
			Description: "Look up one session's lifecycle status and activity metadata. Never changes any state.",
			InputSchema: toolSchema(&StatusParams{}),
		},
		{
			Name:        ToolSessionList,
			Description: "List tracked sessions newest first, optionally filtered to one lifecycle status.",
			InputSchema: toolSchema(&ListParams{}),
		},
		{
			Name:        ToolSessionStop,
			Description: "Stop a session, terminating its engine process if a turn is running. A stopped session cannot be continued.",
			InputSchema: toolSchema(&StopParams{}),
		},
	}
}

// toolSchema derives a tool's input schema from its parameter struct. The
// reflector inlines every definition, so the result is a single object schema
// with the struct's json fields as properties and its non-optional fields
// marked required.
func toolSchema(params any) InputSchema {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(params)
	schema.Version = ""

	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("mcp: marshal schema for %T: %v", params, err))
	}
	var in InputSchema
	if err := json.Unmarshal(data, &in); err != nil {
		panic(fmt.Sprintf("mcp: translate schema for %T: %v", params, err))
	}
	return in
}

// secondsToDuration converts a tool's timeout argument to a duration.
// Zero stays zero, which downstream reads as "use the configured default".
func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
