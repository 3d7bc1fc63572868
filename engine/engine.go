package engine

import (
	"context"
	"io"
)

// Spec describes a single engine process invocation.
type Spec struct {
	// Binary is the engine executable, resolved against PATH.
	Binary string

	// Args is the full argument list, typically built with BuildArgs.
	Args []string

	// WorkingDir is the directory the process runs in. Empty means the
	// service's current directory.
	WorkingDir string

	// ExtraEnv holds KEY=VALUE pairs appended to the inherited environment.
	ExtraEnv []string

	// CredentialEnv lists environment variables that can satisfy the
	// engine's authentication. At least one must be non-empty for Spawn to
	// proceed; an empty list skips the check.
	CredentialEnv []string
}

// Handle supervises one running engine process.
type Handle interface {
	// Output returns the process's stdout stream. Reads observe the
	// engine's newline-delimited records as they are produced and see EOF
	// once the process exits and the pipe drains.
	Output() io.Reader

	// StderrTail returns the most recent stderr lines, newline-joined.
	StderrTail() string

	// PID returns the operating system process id.
	PID() int

	// Terminate stops the process group. With force it kills immediately;
	// otherwise it sends SIGTERM and escalates to SIGKILL after a grace
	// period. Terminate is idempotent and returns nil if the process has
	// already exited.
	Terminate(force bool) error

	// Wait blocks until the process has exited and stderr is fully
	// drained, then returns the exit code. It is safe to call from
	// multiple goroutines and after Terminate.
	Wait() (int, error)
}

// Launcher starts engine processes. The production implementation is
// CLILauncher; tests substitute fakes.
type Launcher interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
}

// TurnOptions carries the per-turn argv parameters.
type TurnOptions struct {
	Prompt         string
	ResumeID       string // engine session id to resume, empty for a fresh session
	Fork           bool   // branch the resumed session instead of extending it
	DisableHooks   bool
	DisableTickets bool
}

// BuildArgs composes the engine argv for one turn: the profile's mode flags,
// then the behavior toggles, then the instruction and resume directives.
// Fork is only meaningful with a resume target and is dropped otherwise.
// Exported for testing.
func BuildArgs(modeFlags []string, opts TurnOptions) []string {
	args := make([]string, 0, len(modeFlags)+8)
	args = append(args, modeFlags...)
	if opts.DisableHooks {
		args = append(args, "--no-hooks")
	}
	if opts.DisableTickets {
		args = append(args, "--no-tickets")
	}
	args = append(args, "--instruction", opts.Prompt)
	if opts.ResumeID != "" {
		args = append(args, "--resume", opts.ResumeID)
		if opts.Fork {
			args = append(args, "--fork")
		}
	}
	return args
}
