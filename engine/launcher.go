package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bobmatnyc/sessiond/logger"
	"github.com/bobmatnyc/sessiond/session"
)

const (
	// terminateGrace is how long a graceful Terminate waits between
	// SIGTERM and SIGKILL.
	terminateGrace = 2 * time.Second

	// stderrTailLines bounds the retained stderr tail.
	stderrTailLines = 40
)

// CLILauncher spawns engine processes with os/exec.
type CLILauncher struct {
	log *slog.Logger
}

// NewCLILauncher returns a launcher that logs through the shared logger.
func NewCLILauncher() *CLILauncher {
	return &CLILauncher{log: logger.WithComponent("engine")}
}

// Verify interface compliance at compile time.
var _ Launcher = (*CLILauncher)(nil)

// Spawn verifies credentials, starts the engine binary in its own process
// group, and returns a Handle supervising it. Failures before and during
// process creation come back as *session.LaunchError.
func (l *CLILauncher) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Binary == "" {
		return nil, &session.LaunchError{Reason: "no engine binary configured"}
	}
	if err := checkCredentials(spec.CredentialEnv, spec.ExtraEnv); err != nil {
		return nil, err
	}

	binPath, err := exec.LookPath(spec.Binary)
	if err != nil {
		return nil, &session.LaunchError{Reason: fmt.Sprintf("engine binary %q not found", spec.Binary), Err: err}
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &session.LaunchError{Reason: "create stdout pipe", Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, &session.LaunchError{Reason: "create stderr pipe", Err: err}
	}

	cmd := exec.Command(binPath, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = append(os.Environ(), spec.ExtraEnv...)
	cmd.Stdin = nil // the instruction travels in argv, the engine reads nothing
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	// A dedicated process group lets Terminate reach helper processes the
	// engine spawns, not just the engine itself.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, &session.LaunchError{Reason: "start engine process", Err: err}
	}

	// The child owns the write ends now. Closing the parent copies makes
	// EOF reach the readers as soon as the process exits.
	stdoutW.Close()
	stderrW.Close()

	h := &processHandle{
		cmd:        cmd,
		stdout:     stdoutR,
		stderr:     stderrR,
		log:        l.log.With("pid", cmd.Process.Pid),
		stderrDone: make(chan struct{}),
		waitDone:   make(chan struct{}),
	}
	h.log.Debug("engine process started", "binary", binPath, "dir", spec.WorkingDir)

	go h.drainStderr()
	go h.monitorExit()

	return h, nil
}

// checkCredentials requires at least one credential variable to be non-empty,
// either in the process environment or in the extra environment.
func checkCredentials(names, extraEnv []string) error {
	if len(names) == 0 {
		return nil
	}
	for _, name := range names {
		if os.Getenv(name) != "" {
			return nil
		}
		for _, kv := range extraEnv {
			if v, ok := strings.CutPrefix(kv, name+"="); ok && v != "" {
				return nil
			}
		}
	}
	return &session.LaunchError{
		Reason: fmt.Sprintf("no engine credential set, export one of %s", strings.Join(names, ", ")),
	}
}

// processHandle supervises one spawned engine process.
type processHandle struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
	log    *slog.Logger

	mu       sync.Mutex
	tail     []string
	exitCode int
	exitErr  error

	stderrDone chan struct{}
	waitDone   chan struct{}
	closeOnce  sync.Once
}

var _ Handle = (*processHandle)(nil)

func (h *processHandle) Output() io.Reader { return h.stdout }

func (h *processHandle) PID() int { return h.cmd.Process.Pid }

// drainStderr keeps the child's stderr pipe empty and retains a bounded tail
// of recent lines for error reporting.
func (h *processHandle) drainStderr() {
	defer close(h.stderrDone)

	scanner := bufio.NewScanner(h.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		h.log.Debug("engine stderr", "line", line)
		h.mu.Lock()
		h.tail = append(h.tail, line)
		if len(h.tail) > stderrTailLines {
			h.tail = h.tail[1:]
		}
		h.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		h.log.Debug("stderr drain stopped", "error", err)
		// Keep consuming so the child never blocks on a full pipe.
		io.Copy(io.Discard, h.stderr)
	}
}

// StderrTail returns the retained stderr lines, newline-joined.
func (h *processHandle) StderrTail() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return strings.Join(h.tail, "\n")
}

// monitorExit is the only caller of cmd.Wait. It records the exit outcome
// once stderr is fully drained, then releases anyone blocked in Wait.
func (h *processHandle) monitorExit() {
	err := h.cmd.Wait()
	<-h.stderrDone

	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}

	h.mu.Lock()
	h.exitCode = code
	h.exitErr = err
	h.mu.Unlock()
	close(h.waitDone)

	h.log.Debug("engine process exited", "code", code)
}

// Wait blocks until the process has exited, releases the pipe read ends, and
// returns the recorded exit code.
func (h *processHandle) Wait() (int, error) {
	<-h.waitDone
	h.closeOnce.Do(func() {
		h.stdout.Close()
		h.stderr.Close()
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.exitErr
}

// Terminate stops the engine's process group. A graceful terminate sends
// SIGTERM and escalates to SIGKILL after the grace period; force kills
// immediately. Safe to call repeatedly and after exit.
func (h *processHandle) Terminate(force bool) error {
	select {
	case <-h.waitDone:
		return nil
	default:
	}

	pgid := -h.cmd.Process.Pid
	if force {
		h.log.Debug("killing engine process group")
		if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("kill engine process: %w", err)
		}
		<-h.waitDone
		return nil
	}

	h.log.Debug("terminating engine process group")
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			<-h.waitDone
			return nil
		}
		return fmt.Errorf("terminate engine process: %w", err)
	}

	select {
	case <-h.waitDone:
		return nil
	case <-time.After(terminateGrace):
	}

	h.log.Warn("engine ignored SIGTERM, killing process group")
	if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill engine process: %w", err)
	}
	<-h.waitDone
	return nil
}
