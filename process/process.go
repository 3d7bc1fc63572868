// Package process finds and reaps engine processes abandoned by an earlier
// run of the service.
package process

import (
	"context"
	"errors"
	osexec "os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/bobmatnyc/sessiond/exec"
	"github.com/bobmatnyc/sessiond/logger"
)

// EngineProcess represents a running engine process found on the system.
type EngineProcess struct {
	PID      int    // Process ID
	Command  string // Full command line
	ResumeID string // Session identifier from --resume, empty for a fresh turn
}

// FindEngineProcesses finds running engine processes spawned with the
// service's invocation pattern. The service launches one engine process per
// turn and always passes --instruction, so a match that survives a service
// restart has lost its reader and will never be collected.
func FindEngineProcesses(ctx context.Context, executor exec.CommandExecutor, binary string) ([]EngineProcess, error) {
	var processes []EngineProcess
	log := logger.WithComponent("process")

	switch runtime.GOOS {
	case "darwin", "linux":
		pattern := filepath.Base(binary) + ".*--instruction"
		output, err := executor.Output(ctx, "", "pgrep", "-f", pattern)
		if err != nil {
			// pgrep exits 1 when nothing matches
			var exitErr *osexec.ExitError
			if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
				return processes, nil
			}
			return nil, err
		}

		for _, pidStr := range strings.Fields(string(output)) {
			pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
			if err != nil {
				continue
			}

			psOutput, err := executor.Output(ctx, "", "ps", "-p", pidStr, "-o", "args=")
			if err != nil {
				continue
			}

			command := strings.TrimSpace(string(psOutput))
			processes = append(processes, EngineProcess{
				PID:      pid,
				Command:  command,
				ResumeID: extractResumeID(command),
			})
		}

	default:
		log.Debug("engine process discovery not supported on this platform", "os", runtime.GOOS)
	}

	log.Debug("found engine processes", "count", len(processes))
	return processes, nil
}

// extractResumeID pulls the --resume identifier out of an engine command
// line. Fresh turns carry no --resume flag and yield "".
func extractResumeID(cmdLine string) string {
	_, after, ok := strings.Cut(cmdLine, "--resume")
	if !ok {
		return ""
	}

	rest := strings.TrimLeft(after, " =")
	fields := strings.Fields(rest)
	if len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// KillProcess kills a process by PID.
func KillProcess(ctx context.Context, executor exec.CommandExecutor, pid int) error {
	switch runtime.GOOS {
	case "darwin", "linux":
		_, _, err := executor.Run(ctx, "", "kill", "-9", strconv.Itoa(pid))
		return err
	case "windows":
		_, _, err := executor.Run(ctx, "", "taskkill", "/F", "/PID", strconv.Itoa(pid))
		return err
	}
	return nil
}

// CleanupOrphanedProcesses kills engine processes left behind by a crashed
// run. It runs at startup, before the service has spawned anything of its
// own, so every process matching the invocation pattern is an orphan.
// Returns the number of processes killed.
func CleanupOrphanedProcesses(ctx context.Context, executor exec.CommandExecutor, binary string) (int, error) {
	orphans, err := FindEngineProcesses(ctx, executor, binary)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("process")
	killed := 0
	for _, proc := range orphans {
		log.Info("killing orphaned engine process", "pid", proc.PID, "resumeID", proc.ResumeID)
		if err := KillProcess(ctx, executor, proc.PID); err != nil {
			log.Error("failed to kill process", "pid", proc.PID, "error", err)
			continue
		}
		killed++
	}

	return killed, nil
}
