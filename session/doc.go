// Package session defines the session entity, its lifecycle state machine,
// and the error taxonomy shared by every layer of the service.
//
// # Sessions
//
// A Session is the durable record of one conversation with the engine. It
// carries identity, status, and the small amount of activity metadata that
// status and list calls report. Transcripts are not stored; resuming a
// conversation relies on the engine's own resume mechanism.
//
// # Identity
//
// A session's ID is assigned locally (a UUID handle) when the session is
// created, and re-keyed to the engine-assigned identifier the first time the
// engine reports one. After that the ID never changes, even across later
// turns. EngineID separately tracks the identifier most recently reported by
// the engine, which is what gets passed back on resume; it usually equals ID
// but may rotate if the engine issues a fresh identifier for a resumed
// conversation.
//
// # Lifecycle
//
// Status moves through a fixed state machine:
//
//	starting  -> active, error, stopped
//	active    -> completed, error, stopped
//	completed -> starting, stopped
//	error     -> starting, stopped
//	stopped   -> (none)
//
// stopped is terminal. Transition enforces the table and rejects anything
// else, which is how racing writers (a failing turn versus an explicit stop)
// resolve deterministically: the loser's transition is refused.
//
// # Errors
//
// The typed errors in this package (LaunchError, TimeoutError, RateLimitError,
// and the rest) carry a stable wire kind so callers can react to categories
// rather than message text. KindOf maps any error to its kind, falling back to
// internal_error for unrecognized ones.
package session
