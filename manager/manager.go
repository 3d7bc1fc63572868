package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bobmatnyc/sessiond/config"
	"github.com/bobmatnyc/sessiond/engine"
	"github.com/bobmatnyc/sessiond/logger"
	"github.com/bobmatnyc/sessiond/session"
	"github.com/bobmatnyc/sessiond/store"
)

// Compile-time interface satisfaction check.
var _ Config = (*config.Config)(nil)

const (
	// janitorInterval is how often the retention sweep runs.
	janitorInterval = 5 * time.Minute

	// stopUnwindWait bounds how long Stop waits for an interrupted turn to
	// record its final state.
	stopUnwindWait = 5 * time.Second

	// restartError is recorded on sessions found live at startup.
	restartError = "interrupted by service restart"
)

// errShutdown interrupts live turns during shutdown. It is deliberately not
// a stop: the sessions land in the error state and stay continuable after
// the service comes back.
var errShutdown = errors.New("service shutting down")

// Config defines the configuration surface the manager needs. *config.Config
// satisfies it implicitly.
type Config interface {
	GetEngineBinary() string
	GetModeFlags() []string
	GetCredentialEnv() []string
	GetMaxConcurrent() int
	GetDefaultTimeout() time.Duration
	GetRetention() time.Duration
}

// Manager orchestrates engine turns against the session registry.
type Manager struct {
	cfg      Config
	store    store.Store
	launcher engine.Launcher
	profile  engine.Profile
	log      *slog.Logger

	// slots bounds concurrently running turns. Blocked senders are served
	// in arrival order.
	slots chan struct{}

	mu    sync.Mutex
	turns map[string]*liveTurn
	locks map[string]*sync.Mutex

	turnWG  sync.WaitGroup
	closing atomic.Bool
}

// liveTurn tracks an in-flight turn so Stop and Shutdown can reach it.
type liveTurn struct {
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu     sync.Mutex
	handle engine.Handle // nil until the process is spawned
}

func (t *liveTurn) setHandle(h engine.Handle) {
	t.mu.Lock()
	t.handle = h
	t.mu.Unlock()
}

// interrupt cancels the turn and terminates its process if one is running.
// The turn's own goroutine records the resulting state.
func (t *liveTurn) interrupt(cause error, force bool) {
	t.cancel(cause)
	t.mu.Lock()
	h := t.handle
	t.mu.Unlock()
	if h != nil {
		_ = h.Terminate(force)
	}
}

// New creates a manager using the given persistence backend, process
// launcher, and engine profile.
func New(cfg Config, st store.Store, launcher engine.Launcher, profile engine.Profile) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    st,
		launcher: launcher,
		profile:  profile,
		log:      logger.WithComponent("manager"),
		slots:    make(chan struct{}, cfg.GetMaxConcurrent()),
		turns:    make(map[string]*liveTurn),
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-session lock, creating it on first use. The same
// mutex follows a session through a rekey.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) registerTurn(id string, t *liveTurn) {
	m.mu.Lock()
	m.turns[id] = t
	m.mu.Unlock()
}

func (m *Manager) unregisterTurn(id string) {
	m.mu.Lock()
	delete(m.turns, id)
	m.mu.Unlock()
}

// rekeyTurn moves the live turn and the session lock to the engine-assigned
// id. This runs before the store rekey so a caller racing on the new id
// either misses the record entirely or serializes on the moved lock.
func (m *Manager) rekeyTurn(oldID, newID string) {
	m.mu.Lock()
	if t, ok := m.turns[oldID]; ok {
		delete(m.turns, oldID)
		m.turns[newID] = t
	}
	if l, ok := m.locks[oldID]; ok {
		delete(m.locks, oldID)
		m.locks[newID] = l
	}
	m.mu.Unlock()
}

func (m *Manager) liveTurnFor(id string) *liveTurn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turns[id]
}

// Status reports one session. An unknown id is not an error; Found is false.
func (m *Manager) Status(id string) (*StatusResult, error) {
	sess, err := m.store.Get(id)
	if err != nil {
		var notFound *session.NotFoundError
		if errors.As(err, &notFound) {
			return &StatusResult{Found: false}, nil
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &StatusResult{Found: true, Session: sess}, nil
}

// List returns the registry snapshot, optionally filtered by status. The
// active count always reflects the whole registry.
func (m *Manager) List(filter string) (*ListResult, error) {
	status := session.Status(filter)
	if filter != "" && !session.ValidStatus(status) {
		return nil, &session.InvalidRequestError{
			Message: fmt.Sprintf("unknown status filter %q", filter),
		}
	}

	sessions, err := m.store.List(status)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	counted := sessions
	if filter != "" {
		counted, err = m.store.List("")
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
	}
	active := 0
	for _, s := range counted {
		if s.Status.Live() {
			active++
		}
	}

	return &ListResult{Sessions: sessions, Count: len(sessions), ActiveCount: active}, nil
}

// Stop halts a session. A live turn is interrupted and reports a stopped
// error to its caller; an idle session is frozen in place. Stopping an
// already-stopped session is a no-op that still reports success.
func (m *Manager) Stop(id string, force bool) (*StopResult, error) {
	if _, err := m.store.Get(id); err != nil {
		return nil, err
	}

	if turn := m.liveTurnFor(id); turn != nil {
		m.log.Info("stopping in-flight turn", "session", id, "force", force)
		turn.interrupt(&session.StoppedError{ID: id}, force)
		// Wait for the turn to record the stopped state so a follow-up
		// status call sees it.
		select {
		case <-turn.done:
		case <-time.After(stopUnwindWait):
			m.log.Warn("stopped turn did not unwind in time", "session", id)
		}
		return &StopResult{SessionID: id, Stopped: true, Force: force}, nil
	}

	// No live turn. Taking the session lock means a turn that is between
	// its lock acquisition and its registration cannot overwrite the stop.
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if sess.Status == session.StatusStopped {
		return &StopResult{SessionID: id, Stopped: true, Force: force}, nil
	}
	if err := sess.Transition(session.StatusStopped); err != nil {
		return nil, err
	}
	sess.Touch()
	if err := m.store.Put(sess); err != nil {
		return nil, fmt.Errorf("persist stop: %w", err)
	}
	m.log.Info("session stopped", "session", id, "force", force)
	return &StopResult{SessionID: id, Stopped: true, Force: force}, nil
}

// Reconcile fails over sessions a previous process left live. It runs once
// at startup before the service accepts requests.
func (m *Manager) Reconcile() (int, error) {
	sessions, err := m.store.List("")
	if err != nil {
		return 0, fmt.Errorf("reconcile: %w", err)
	}

	fixed := 0
	for _, sess := range sessions {
		if !sess.Status.Live() {
			continue
		}
		if err := sess.Transition(session.StatusError); err != nil {
			continue
		}
		sess.LastError = restartError
		sess.Touch()
		if err := m.store.Put(sess); err != nil {
			return fixed, fmt.Errorf("reconcile %s: %w", sess.ID, err)
		}
		fixed++
	}
	if fixed > 0 {
		m.log.Info("reconciled sessions from previous run", "count", fixed)
	}
	return fixed, nil
}

// PruneNow removes terminal sessions past the retention window and drops
// their per-session locks.
func (m *Manager) PruneNow() (int, error) {
	cutoff := time.Now().Add(-m.cfg.GetRetention())
	pruned, err := m.store.PruneTerminated(cutoff)
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		m.dropOrphanedLocks()
		m.log.Info("pruned expired sessions", "count", pruned)
	}
	return pruned, nil
}

// dropOrphanedLocks removes lock entries for sessions no longer stored.
func (m *Manager) dropOrphanedLocks() {
	sessions, err := m.store.List("")
	if err != nil {
		return
	}
	known := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		known[s.ID] = true
	}

	m.mu.Lock()
	for id := range m.locks {
		if !known[id] && m.turns[id] == nil {
			delete(m.locks, id)
		}
	}
	m.mu.Unlock()
}

// Janitor runs the retention sweep until ctx is cancelled. Run it in a
// goroutine.
func (m *Manager) Janitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.PruneNow(); err != nil {
				m.log.Warn("retention sweep failed", "error", err)
			}
		}
	}
}

// Shutdown refuses new turns, interrupts live ones, and waits for them to
// record their final state. The ctx bounds the wait.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closing.Store(true)

	m.mu.Lock()
	turns := make([]*liveTurn, 0, len(m.turns))
	for _, t := range m.turns {
		turns = append(turns, t)
	}
	m.mu.Unlock()

	if len(turns) > 0 {
		m.log.Info("interrupting live turns for shutdown", "count", len(turns))
	}
	for _, t := range turns {
		t.interrupt(errShutdown, false)
	}

	done := make(chan struct{})
	go func() {
		m.turnWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %d turns still unwinding: %w", len(turns), ctx.Err())
	}
}
