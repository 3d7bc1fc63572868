package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bobmatnyc/sessiond/engine"
	"github.com/bobmatnyc/sessiond/session"
	"github.com/bobmatnyc/sessiond/stream"
)

// Start creates a session and runs its first turn to completion. The
// returned result carries the turn's outcome; a non-nil error means the
// request was rejected before any session existed.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*TurnResult, error) {
	if m.closing.Load() {
		return nil, &session.InvalidRequestError{Message: "service is shutting down"}
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, &session.InvalidRequestError{Message: "prompt must not be empty"}
	}

	workingDir := req.WorkingDir
	if workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		workingDir = wd
	}
	if info, err := os.Stat(workingDir); err != nil {
		return nil, &session.InvalidRequestError{
			Message: fmt.Sprintf("working directory %s does not exist", workingDir),
		}
	} else if !info.IsDir() {
		return nil, &session.InvalidRequestError{
			Message: fmt.Sprintf("working directory %s is not a directory", workingDir),
		}
	}

	sess := session.New(workingDir)
	opts := engine.TurnOptions{
		Prompt:         prompt,
		DisableHooks:   req.DisableHooks,
		DisableTickets: req.DisableTickets,
	}

	lock := m.lockFor(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	return m.runTurn(ctx, sess, opts, m.timeoutFor(req.Timeout), true), nil
}

// Continue runs another turn on an existing session, or forks a new session
// from it when req.Fork is set.
func (m *Manager) Continue(ctx context.Context, req ContinueRequest) (*TurnResult, error) {
	if m.closing.Load() {
		return nil, &session.InvalidRequestError{Message: "service is shutting down"}
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, &session.InvalidRequestError{Message: "prompt must not be empty"}
	}
	if req.SessionID == "" {
		return nil, &session.InvalidRequestError{Message: "session id must not be empty"}
	}

	// Existence check before queueing on the session lock.
	sess, err := m.store.Get(req.SessionID)
	if err != nil {
		return nil, err
	}

	if req.Fork {
		return m.forkTurn(ctx, sess, prompt, req.Timeout)
	}

	lock := m.lockFor(req.SessionID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: the record may have changed while a prior
	// turn held it.
	sess, err = m.store.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == session.StatusStopped {
		return nil, &session.StoppedError{ID: sess.ID}
	}
	if sess.EngineID == "" {
		return nil, &session.InvalidRequestError{
			Message: fmt.Sprintf("session %s has no engine identity to resume", sess.ID),
		}
	}

	opts := engine.TurnOptions{Prompt: prompt, ResumeID: sess.EngineID}
	return m.runTurn(ctx, sess, opts, m.timeoutFor(req.Timeout), false), nil
}

// forkTurn branches a new session off the parent's conversation. The fork
// serializes on its own identity, not the parent's, so a live parent turn
// does not block it and the parent record is never touched.
func (m *Manager) forkTurn(ctx context.Context, parent *session.Session, prompt string, timeout time.Duration) (*TurnResult, error) {
	if parent.EngineID == "" {
		return nil, &session.InvalidRequestError{
			Message: fmt.Sprintf("session %s has no engine identity to fork from", parent.ID),
		}
	}

	child := session.Fork(parent)
	opts := engine.TurnOptions{
		Prompt:   prompt,
		ResumeID: parent.EngineID,
		Fork:     true,
	}

	lock := m.lockFor(child.ID)
	lock.Lock()
	defer lock.Unlock()

	return m.runTurn(ctx, child, opts, m.timeoutFor(timeout), true), nil
}

// timeoutFor resolves a per-request timeout against the configured default.
func (m *Manager) timeoutFor(requested time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	return m.cfg.GetDefaultTimeout()
}

// runTurn executes one engine turn against sess. The caller holds the
// session lock for the whole call. fresh marks a session created for this
// turn, whose id is provisional until the engine reports one.
func (m *Manager) runTurn(ctx context.Context, sess *session.Session, opts engine.TurnOptions, timeout time.Duration, fresh bool) *TurnResult {
	m.turnWG.Add(1)
	defer m.turnWG.Done()

	base, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	turnCtx, cancelTimeout := context.WithTimeout(base, timeout)
	defer cancelTimeout()

	turn := &liveTurn{cancel: cancel, done: make(chan struct{})}
	m.registerTurn(sess.ID, turn)
	defer func() {
		// sess.ID is the rekeyed id by the time the defer runs.
		m.unregisterTurn(sess.ID)
		close(turn.done)
	}()

	m.log.Info("turn starting",
		"session", sess.ID, "resume", opts.ResumeID != "", "fork", opts.Fork, "timeout", timeout)

	// Concurrency slot. Waiters are admitted in arrival order.
	select {
	case m.slots <- struct{}{}:
	case <-turnCtx.Done():
		return m.failBeforeSpawn(sess, turnCtx, timeout, !fresh)
	}
	defer func() { <-m.slots }()

	// Record the turn's starting state. A fresh session is already
	// starting; a resumed one re-enters the lifecycle from its prior
	// terminal state.
	if sess.Status != session.StatusStarting {
		if err := sess.Transition(session.StatusStarting); err != nil {
			return &TurnResult{SessionID: sess.ID, Error: ErrorInfoOf(fmt.Errorf("begin turn: %w", err))}
		}
	}
	sess.Touch()
	if err := m.store.Put(sess); err != nil {
		return &TurnResult{SessionID: sess.ID, Error: ErrorInfoOf(fmt.Errorf("persist session: %w", err))}
	}

	handle, err := m.launcher.Spawn(turnCtx, m.buildSpec(sess.WorkingDir, opts))
	if err != nil {
		if turnCtx.Err() != nil {
			err = m.turnCause(turnCtx, timeout)
		}
		return m.recordFailure(sess, nil, err)
	}
	turn.setHandle(handle)

	dec := stream.NewDecoder(handle.Output())
	defer dec.Close()

	var (
		records   []stream.Record
		terminal  *stream.Record
		decodeErr error
	)
	for {
		rec, err := dec.Next(turnCtx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			decodeErr = err
			break
		}
		records = append(records, rec)
		m.onRecord(sess, rec, fresh)
		if rec.Terminal() {
			t := rec
			terminal = &t
		}
	}

	var cause error
	switch {
	case decodeErr != nil:
		cause = m.turnCause(turnCtx, timeout)
	case terminal == nil:
		// A killed process truncates its stream, so EOF can arrive before
		// the decoder notices the cancellation. The cancellation is the
		// real cause.
		if turnCtx.Err() != nil {
			cause = m.turnCause(turnCtx, timeout)
		} else {
			cause = classifyIncomplete(records, handle.StderrTail())
		}
	case terminal.IsError:
		cause = stream.Classify(terminal.Subtype, terminal.Text, handle.StderrTail())
	}

	if cause != nil {
		var timeoutErr *session.TimeoutError
		_ = handle.Terminate(errors.As(cause, &timeoutErr))
		_, _ = handle.Wait()
		return m.recordFailure(sess, records, cause)
	}

	// Reap the process; the turn's outcome comes from the terminal record,
	// not the exit code.
	if code, _ := handle.Wait(); code != 0 {
		m.log.Debug("engine exited nonzero after a successful turn", "session", sess.ID, "code", code)
	}

	output := turnOutput(records, terminal)
	sess.MessageCount++
	sess.LastOutput = session.TruncateOutput(output)
	sess.LastError = ""
	sess.Touch()

	// A stop that lands just as the turn finishes still wins: the caller
	// asked for a stopped session and gets one, with the output kept.
	final := session.StatusCompleted
	var stoppedErr *session.StoppedError
	if errors.As(context.Cause(turnCtx), &stoppedErr) {
		final = session.StatusStopped
	}
	if err := sess.Transition(final); err != nil {
		m.log.Warn("record turn completion", "session", sess.ID, "error", err)
	}
	if err := m.store.Put(sess); err != nil {
		m.log.Warn("persist completed turn", "session", sess.ID, "error", err)
	}

	m.log.Info("turn completed",
		"session", sess.ID, "records", len(records), "malformed", dec.Malformed())
	return &TurnResult{Success: true, SessionID: sess.ID, Output: output, Records: records}
}

// buildSpec assembles the launch spec for one turn. Config overrides take
// precedence over the engine profile.
func (m *Manager) buildSpec(workingDir string, opts engine.TurnOptions) engine.Spec {
	binary := m.cfg.GetEngineBinary()
	if binary == "" {
		binary = m.profile.Binary
	}
	modeFlags := m.cfg.GetModeFlags()
	if len(modeFlags) == 0 {
		modeFlags = m.profile.ModeFlags
	}
	credentials := m.cfg.GetCredentialEnv()
	if len(credentials) == 0 {
		credentials = m.profile.CredentialEnv
	}
	return engine.Spec{
		Binary:        binary,
		Args:          engine.BuildArgs(modeFlags, opts),
		WorkingDir:    workingDir,
		ExtraEnv:      m.profile.EnvList(),
		CredentialEnv: credentials,
	}
}

// onRecord folds one stream record into the session: activity, the engine's
// session identifier, and the starting-to-active move on first output.
func (m *Manager) onRecord(sess *session.Session, rec stream.Record, fresh bool) {
	sess.Touch()

	if rec.SessionID != "" && rec.SessionID != sess.EngineID {
		first := sess.EngineID == ""
		sess.EngineID = rec.SessionID
		if fresh && first {
			m.rekeySession(sess, rec.SessionID)
		}
	}

	if sess.Status == session.StatusStarting {
		if err := sess.Transition(session.StatusActive); err != nil {
			m.log.Warn("mark session active", "session", sess.ID, "error", err)
		}
	}

	if err := m.store.Put(sess); err != nil {
		m.log.Warn("persist session progress", "session", sess.ID, "error", err)
	}
}

// rekeySession replaces a fresh session's provisional id with the engine's.
// The turn and lock registries move first so a caller racing on the new id
// serializes on the moved lock instead of a fresh one.
func (m *Manager) rekeySession(sess *session.Session, engineID string) {
	oldID := sess.ID
	if oldID == engineID {
		return
	}
	m.rekeyTurn(oldID, engineID)
	if err := m.store.Rekey(oldID, engineID); err != nil {
		m.log.Warn("session rekey failed", "session", oldID, "engine", engineID, "error", err)
		m.rekeyTurn(engineID, oldID)
		return
	}
	sess.ID = engineID
	m.log.Info("session adopted engine id", "session", engineID, "provisional", oldID)
}

// failBeforeSpawn reports a turn cancelled while still queued for a slot. No
// engine process ran. A stop still freezes a persisted session; a queue
// timeout leaves the record exactly as it was.
func (m *Manager) failBeforeSpawn(sess *session.Session, turnCtx context.Context, timeout time.Duration, persisted bool) *TurnResult {
	cause := m.turnCause(turnCtx, timeout)
	var stopped *session.StoppedError
	if persisted && errors.As(cause, &stopped) {
		if err := sess.Transition(session.StatusStopped); err == nil {
			sess.Touch()
			if err := m.store.Put(sess); err != nil {
				m.log.Warn("persist stopped session", "session", sess.ID, "error", err)
			}
		}
	}
	m.log.Info("turn cancelled while queued", "session", sess.ID, "kind", session.KindOf(cause))
	return &TurnResult{SessionID: sess.ID, Error: ErrorInfoOf(cause), Records: nil}
}

// recordFailure records a failed turn. A stop lands in the stopped state
// with no error remembered; everything else lands in error with the failure
// preserved for status queries.
func (m *Manager) recordFailure(sess *session.Session, records []stream.Record, cause error) *TurnResult {
	var stopped *session.StoppedError
	target := session.StatusError
	if errors.As(cause, &stopped) {
		target = session.StatusStopped
	} else {
		sess.LastError = fmt.Sprintf("%s: %s", session.KindOf(cause), cause.Error())
	}
	sess.Touch()
	if err := sess.Transition(target); err != nil {
		m.log.Warn("record turn failure", "session", sess.ID, "error", err)
	}
	if err := m.store.Put(sess); err != nil {
		m.log.Warn("persist failed turn", "session", sess.ID, "error", err)
	}

	m.log.Info("turn failed", "session", sess.ID, "kind", session.KindOf(cause))
	return &TurnResult{SessionID: sess.ID, Error: ErrorInfoOf(cause), Records: records}
}

// turnCause translates a cancelled turn context into the error taxonomy:
// the stop that interrupted it, the deadline, or the raw cancellation.
func (m *Manager) turnCause(turnCtx context.Context, timeout time.Duration) error {
	cause := context.Cause(turnCtx)
	var stopped *session.StoppedError
	switch {
	case errors.As(cause, &stopped):
		return cause
	case errors.Is(cause, context.DeadlineExceeded):
		return &session.TimeoutError{After: timeout}
	default:
		return fmt.Errorf("turn cancelled: %w", cause)
	}
}

// classifyIncomplete maps a stream that ended without a terminal record.
// A mid-stream error record or the stderr tail sometimes names a throttling
// or context failure outright; those classifications are more actionable
// than the generic incomplete error and win when they match.
func classifyIncomplete(records []stream.Record, stderrTail string) error {
	text := ""
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Kind == stream.KindError {
			text = records[i].Text
			break
		}
	}
	err := stream.Classify("", text, stderrTail)
	var rateLimit *session.RateLimitError
	var ctxLimit *session.ContextLimitError
	if errors.As(err, &rateLimit) || errors.As(err, &ctxLimit) {
		return err
	}
	return &session.IncompleteStreamError{Records: len(records)}
}

// turnOutput assembles the response text: the terminal record's text when
// present, otherwise the assistant text chunks joined in order.
func turnOutput(records []stream.Record, terminal *stream.Record) string {
	if terminal != nil && terminal.Text != "" {
		return terminal.Text
	}
	var parts []string
	for _, rec := range records {
		if rec.Kind == stream.KindText && rec.Text != "" {
			parts = append(parts, rec.Text)
		}
	}
	return strings.Join(parts, "\n")
}
