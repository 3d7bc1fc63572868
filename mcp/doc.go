// Package mcp exposes session orchestration as Model Context Protocol tools.
//
// # Overview
//
// The server speaks JSON-RPC 2.0 over line-delimited messages, normally on
// stdin/stdout of the sessiond process. An MCP client (typically an LLM
// host) drives it with the standard handshake:
//
//	initialize            → server capabilities and instructions
//	initialized           → notification, no response
//	tools/list            → the five session tools with their input schemas
//	tools/call            → one session operation per call
//
// # Tools
//
// Five tools map one-to-one onto manager operations:
//
//	session_start     begin a session and run its first turn
//	session_continue  run a follow-up turn, optionally forking
//	session_status    read one session's lifecycle state
//	session_list      snapshot all tracked sessions
//	session_stop      terminate a session
//
// Input schemas are reflected from the typed parameter structs in tools.go,
// so the schema a client sees always matches what the handlers decode.
//
// # Results and Errors
//
// Protocol failures (unparseable JSON, unknown methods or tools, malformed
// arguments) surface as JSON-RPC errors. Operation outcomes, including
// failures such as an unknown session id or an engine fault, are reported
// in-band: every tool call returns a single JSON text content item carrying
// the operation's result shape, with failures described by an embedded
// error object of kind and message. A client can always parse the text
// content as JSON regardless of outcome.
//
// # Concurrency
//
// session_start and session_continue block until the engine turn finishes,
// which can take minutes. Each tools/call therefore runs on its own
// goroutine, keeping session_status and session_stop responsive while turns
// are in flight. Response writes are serialized by a mutex, so concurrent
// completions never interleave on the wire.
package mcp
