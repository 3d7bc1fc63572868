// Package manager orchestrates engine turns against the session registry.
//
// # Operations
//
// The manager exposes the service's five operations. Start creates a session
// and runs its first turn. Continue runs another turn on an existing session,
// optionally forking it into a new branch. Status and List read the registry.
// Stop interrupts an in-flight turn or freezes an idle session; a stopped
// session never runs again.
//
// # Concurrency
//
// A counting limiter bounds how many engine processes run at once; callers
// queue in arrival order when all slots are busy. Turns on the same session
// serialize on a per-session lock so an engine session only ever runs one
// turn at a time. Stop bypasses that lock: it cancels the live turn's context
// and terminates the engine process, and the turn's own goroutine unwinds and
// records the stopped state. The session record in the store has exactly one
// writer while a turn is live, which is the turn itself.
//
// # Identity
//
// A session starts under a provisional id and is re-keyed to the engine's id
// when the first record arrives. The public id never changes after that;
// later turns track the engine's latest id separately for resuming.
//
// # Background Work
//
// Reconcile runs at startup and fails over sessions left live by a previous
// process. Janitor prunes terminal sessions past the retention window.
// Shutdown interrupts live turns and waits for them to land.
package manager
