package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bobmatnyc/sessiond/logger"
	"github.com/bobmatnyc/sessiond/session"
)

func setupTestLogger(t *testing.T) {
	t.Helper()
	logger.Reset()
	if err := logger.Init(filepath.Join(t.TempDir(), "test.log")); err != nil {
		t.Fatalf("logger init: %v", err)
	}
	t.Cleanup(logger.Reset)
}

// spawnShell runs a shell snippet through the real launcher.
func spawnShell(t *testing.T, script string, spec Spec) Handle {
	t.Helper()
	spec.Binary = "/bin/sh"
	spec.Args = []string{"-c", script}
	h, err := NewCLILauncher().Spawn(context.Background(), spec)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	return h
}

func TestSpawn_StreamsStdout(t *testing.T) {
	setupTestLogger(t)

	h := spawnShell(t, `printf '{"type":"system"}\n{"type":"result"}\n'`, Spec{})
	out, err := io.ReadAll(h.Output())
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if want := "{\"type\":\"system\"}\n{\"type\":\"result\"}\n"; string(out) != want {
		t.Errorf("output = %q, want %q", out, want)
	}

	code, err := h.Wait()
	if err != nil {
		t.Errorf("Wait: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if h.PID() <= 0 {
		t.Errorf("PID = %d, want positive", h.PID())
	}
}

func TestSpawn_StderrTail(t *testing.T) {
	setupTestLogger(t)

	h := spawnShell(t, `echo one >&2; echo two >&2`, Spec{})
	if _, err := h.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := h.StderrTail(); got != "one\ntwo" {
		t.Errorf("StderrTail() = %q, want %q", got, "one\ntwo")
	}
}

func TestSpawn_WorkingDir(t *testing.T) {
	setupTestLogger(t)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	h := spawnShell(t, "ls", Spec{WorkingDir: dir})
	out, err := io.ReadAll(h.Output())
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	h.Wait()

	if !strings.Contains(string(out), "marker.txt") {
		t.Errorf("output = %q, want marker.txt listed", out)
	}
}

func TestSpawn_ExtraEnv(t *testing.T) {
	setupTestLogger(t)

	h := spawnShell(t, `printf '%s' "$SESSIOND_TEST_VALUE"`, Spec{
		ExtraEnv: []string{"SESSIOND_TEST_VALUE=from-extra-env"},
	})
	out, err := io.ReadAll(h.Output())
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	h.Wait()

	if string(out) != "from-extra-env" {
		t.Errorf("output = %q, want %q", out, "from-extra-env")
	}
}

func TestSpawn_MissingCredential(t *testing.T) {
	setupTestLogger(t)

	_, err := NewCLILauncher().Spawn(context.Background(), Spec{
		Binary:        "/bin/sh",
		Args:          []string{"-c", "true"},
		CredentialEnv: []string{"SESSIOND_TEST_CRED_NEVER_SET"},
	})
	var launchErr *session.LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("Spawn error = %v, want LaunchError", err)
	}
}

func TestSpawn_BinaryNotFound(t *testing.T) {
	setupTestLogger(t)

	_, err := NewCLILauncher().Spawn(context.Background(), Spec{Binary: "sessiond-no-such-engine"})
	var launchErr *session.LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("Spawn error = %v, want LaunchError", err)
	}
	if !strings.Contains(launchErr.Reason, "sessiond-no-such-engine") {
		t.Errorf("Reason = %q, want binary name", launchErr.Reason)
	}
}

func TestSpawn_EmptyBinary(t *testing.T) {
	setupTestLogger(t)

	_, err := NewCLILauncher().Spawn(context.Background(), Spec{})
	var launchErr *session.LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("Spawn error = %v, want LaunchError", err)
	}
}

func TestSpawn_ContextCanceled(t *testing.T) {
	setupTestLogger(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewCLILauncher().Spawn(ctx, Spec{Binary: "/bin/sh"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Spawn error = %v, want context.Canceled", err)
	}
}

func TestTerminate_Graceful(t *testing.T) {
	setupTestLogger(t)

	h := spawnShell(t, "sleep 30", Spec{})

	start := time.Now()
	if err := h.Terminate(false); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if elapsed := time.Since(start); elapsed > terminateGrace {
		t.Errorf("graceful terminate took %v, want under the grace period", elapsed)
	}

	code, err := h.Wait()
	if err == nil {
		t.Error("Wait error = nil, want exit error after terminate")
	}
	if code == 0 {
		t.Errorf("exit code = %d, want nonzero", code)
	}
}

func TestTerminate_Force(t *testing.T) {
	setupTestLogger(t)

	h := spawnShell(t, "sleep 30", Spec{})
	if err := h.Terminate(true); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	code, _ := h.Wait()
	if code == 0 {
		t.Errorf("exit code = %d, want nonzero", code)
	}
}

func TestTerminate_AfterExit(t *testing.T) {
	setupTestLogger(t)

	h := spawnShell(t, "true", Spec{})
	if _, err := h.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if err := h.Terminate(false); err != nil {
		t.Errorf("Terminate after exit = %v, want nil", err)
	}
	if err := h.Terminate(true); err != nil {
		t.Errorf("forced Terminate after exit = %v, want nil", err)
	}
}

func TestWait_Reusable(t *testing.T) {
	setupTestLogger(t)

	h := spawnShell(t, "exit 3", Spec{})
	for i := 0; i < 3; i++ {
		code, err := h.Wait()
		if err == nil {
			t.Fatal("Wait error = nil, want exit error for status 3")
		}
		if code != 3 {
			t.Errorf("exit code = %d, want 3", code)
		}
	}
}
