// Package store persists session records across service restarts.
//
// Two backends implement Store: MemoryStore for tests and ephemeral runs,
// SQLiteStore for durable deployments. Both return copies so callers never
// alias the stored record, and both report absent sessions with
// session.NotFoundError.
package store

import (
	"time"

	"github.com/bobmatnyc/sessiond/session"
)

// Store is the session persistence interface.
type Store interface {
	// Put inserts or replaces the record under its current ID.
	Put(s *session.Session) error

	// Get returns a copy of the record, or session.NotFoundError.
	Get(id string) (*session.Session, error)

	// Rekey moves a record from its provisional id to the engine-assigned
	// one. It fails if oldID is absent or newID is already taken.
	Rekey(oldID, newID string) error

	// Delete removes the record, or returns session.NotFoundError.
	Delete(id string) error

	// List returns records newest-first by start time. An empty filter
	// returns everything; otherwise only sessions with that status.
	List(filter session.Status) ([]*session.Session, error)

	// PruneTerminated deletes terminal sessions whose last activity is
	// older than cutoff and reports how many went away. Live sessions
	// are never pruned.
	PruneTerminated(cutoff time.Time) (int, error)

	Close() error
}
