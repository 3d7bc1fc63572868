package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bobmatnyc/sessiond/session"
)

// MemoryStore keeps session records in a mutex-protected map. Records are
// copied on the way in and out.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*session.Session)}
}

func clone(s *session.Session) *session.Session {
	c := *s
	return &c
}

func (m *MemoryStore) Put(s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = clone(s)
	return nil
}

func (m *MemoryStore) Get(id string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &session.NotFoundError{ID: id}
	}
	return clone(s), nil
}

func (m *MemoryStore) Rekey(oldID, newID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[oldID]
	if !ok {
		return &session.NotFoundError{ID: oldID}
	}
	if _, taken := m.sessions[newID]; taken {
		return fmt.Errorf("rekey session: id %s already exists", newID)
	}

	s.ID = newID
	m.sessions[newID] = s
	delete(m.sessions, oldID)
	return nil
}

func (m *MemoryStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return &session.NotFoundError{ID: id}
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) List(filter session.Status) ([]*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if filter != "" && s.Status != filter {
			continue
		}
		out = append(out, clone(s))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (m *MemoryStore) PruneTerminated(cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for id, s := range m.sessions {
		if s.Status.Live() {
			continue
		}
		if s.LastActivityAt.Before(cutoff) {
			delete(m.sessions, id)
			pruned++
		}
	}
	return pruned, nil
}

func (m *MemoryStore) Close() error { return nil }
