// Package engine spawns engine CLI processes and supervises their lifetime.
//
// # Invocation Model
//
// Every turn is one process. The launcher composes the argv from an engine
// profile's mode flags plus the per-turn options (prompt, resume target,
// fork), starts the binary in its own process group, and hands back a Handle.
// The process streams newline-delimited JSON records on stdout and exits when
// the turn completes. Stderr is drained into a bounded tail for diagnostics
// and is never parsed as records.
//
// # Credentials
//
// Engines authenticate through environment variables. Spawn refuses to start
// a process unless at least one of the profile's credential variables is set,
// returning a session.LaunchError instead of letting the engine fail with a
// login prompt deep inside the turn.
//
// # Termination
//
// Terminate signals the whole process group so helper processes spawned by
// the engine die with it. A graceful terminate sends SIGTERM and escalates to
// SIGKILL after a short grace period; a forced terminate kills immediately.
// Wait reaps the process exactly once and reports its exit code.
package engine
