package manager

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bobmatnyc/sessiond/engine"
	"github.com/bobmatnyc/sessiond/logger"
	"github.com/bobmatnyc/sessiond/store"
)

func setupTestLogger(t *testing.T) {
	t.Helper()
	logger.Reset()
	if err := logger.Init(filepath.Join(t.TempDir(), "test.log")); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	t.Cleanup(logger.Reset)
}

// testConfig satisfies Config without touching the filesystem.
type testConfig struct {
	maxConcurrent int
	timeout       time.Duration
	retention     time.Duration
}

func (c *testConfig) GetEngineBinary() string    { return "" }
func (c *testConfig) GetModeFlags() []string     { return nil }
func (c *testConfig) GetCredentialEnv() []string { return nil }

func (c *testConfig) GetMaxConcurrent() int {
	if c.maxConcurrent > 0 {
		return c.maxConcurrent
	}
	return 5
}

func (c *testConfig) GetDefaultTimeout() time.Duration {
	if c.timeout > 0 {
		return c.timeout
	}
	return 30 * time.Second
}

func (c *testConfig) GetRetention() time.Duration {
	if c.retention > 0 {
		return c.retention
	}
	return 24 * time.Hour
}

// fakeLauncher hands turns to a test-provided handler instead of spawning
// real processes, and records every launch spec it sees.
type fakeLauncher struct {
	handler func(spec engine.Spec) (engine.Handle, error)

	mu    sync.Mutex
	specs []engine.Spec
}

var _ engine.Launcher = (*fakeLauncher)(nil)

func (l *fakeLauncher) Spawn(ctx context.Context, spec engine.Spec) (engine.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.specs = append(l.specs, spec)
	l.mu.Unlock()
	return l.handler(spec)
}

func (l *fakeLauncher) spawned() []engine.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]engine.Spec(nil), l.specs...)
}

func (l *fakeLauncher) spawnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

func newTestManager(t *testing.T, cfg *testConfig, handler func(engine.Spec) (engine.Handle, error)) (*Manager, *fakeLauncher) {
	t.Helper()
	setupTestLogger(t)
	launcher := &fakeLauncher{handler: handler}
	profile := engine.Profile{Binary: "engine-under-test", ModeFlags: []string{"--batch"}}
	return New(cfg, store.NewMemoryStore(), launcher, profile), launcher
}

// scriptedHandle plays back a fixed stdout stream, like an engine process
// that runs to completion on its own.
type scriptedHandle struct {
	out  io.Reader
	tail string
	code int
}

var _ engine.Handle = (*scriptedHandle)(nil)

func scripted(lines ...string) *scriptedHandle {
	return &scriptedHandle{out: strings.NewReader(strings.Join(lines, "\n") + "\n")}
}

func (h *scriptedHandle) Output() io.Reader    { return h.out }
func (h *scriptedHandle) StderrTail() string   { return h.tail }
func (h *scriptedHandle) PID() int             { return 4242 }
func (h *scriptedHandle) Terminate(bool) error { return nil }
func (h *scriptedHandle) Wait() (int, error)   { return h.code, nil }

// blockingHandle keeps its stream open until the test feeds it or the
// manager terminates it, like a long-running engine process.
type blockingHandle struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu         sync.Mutex
	terminated []bool // force flag of each Terminate call
	exited     chan struct{}
	exitOnce   sync.Once
}

var _ engine.Handle = (*blockingHandle)(nil)

func newBlockingHandle() *blockingHandle {
	pr, pw := io.Pipe()
	return &blockingHandle{pr: pr, pw: pw, exited: make(chan struct{})}
}

// writeLine feeds one stream line. It blocks until the decoder consumes it,
// so returning means the turn has seen the line.
func (h *blockingHandle) writeLine(line string) {
	_, _ = h.pw.Write([]byte(line + "\n"))
}

// finish ends the stream the way a cleanly exiting process would.
func (h *blockingHandle) finish() {
	h.exitOnce.Do(func() {
		_ = h.pw.Close()
		close(h.exited)
	})
}

func (h *blockingHandle) Output() io.Reader  { return h.pr }
func (h *blockingHandle) StderrTail() string { return "" }
func (h *blockingHandle) PID() int           { return 4242 }

func (h *blockingHandle) Terminate(force bool) error {
	h.mu.Lock()
	h.terminated = append(h.terminated, force)
	h.mu.Unlock()
	h.finish()
	return nil
}

func (h *blockingHandle) Wait() (int, error) {
	<-h.exited
	return 0, nil
}

func (h *blockingHandle) terminateCalls() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.terminated...)
}

// Stream line builders in the engine's wire format.

func initLine(id string) string {
	return fmt.Sprintf(`{"type":"system","subtype":"init","session_id":%q}`, id)
}

func textLine(text string) string {
	return fmt.Sprintf(`{"type":"assistant","message":{"content":[{"type":"text","text":%q}]}}`, text)
}

func resultLine(id, text string) string {
	return fmt.Sprintf(`{"type":"result","subtype":"success","result":%q,"session_id":%q}`, text, id)
}

func errorResultLine(id, text string) string {
	return fmt.Sprintf(`{"type":"result","subtype":"error_during_execution","is_error":true,"error":%q,"session_id":%q}`, text, id)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

// containsArg reports whether args contains value.
func containsArg(args []string, value string) bool {
	for _, a := range args {
		if a == value {
			return true
		}
	}
	return false
}
