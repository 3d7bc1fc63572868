package process

import (
	"context"
	"errors"
	osexec "os/exec"
	"runtime"
	"testing"

	"github.com/bobmatnyc/sessiond/exec"
)

func skipUnlessUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "darwin" && runtime.GOOS != "linux" {
		t.Skipf("engine reaping is not supported on %s", runtime.GOOS)
	}
}

func TestExtractResumeID(t *testing.T) {
	tests := []struct {
		name     string
		cmdLine  string
		expected string
	}{
		{
			name:     "resume flag",
			cmdLine:  "claude --print --resume eng-456 --verbose",
			expected: "eng-456",
		},
		{
			name:     "resume with equals",
			cmdLine:  "claude --resume=eng-001",
			expected: "eng-001",
		},
		{
			name:     "full command line",
			cmdLine:  "/usr/local/bin/claude --print --output-format stream-json --verbose --instruction keep going --resume 550e8400-e29b-41d4-a716-446655440000 --fork",
			expected: "550e8400-e29b-41d4-a716-446655440000",
		},
		{
			name:     "fresh turn has no resume flag",
			cmdLine:  "claude --print --output-format stream-json --verbose --instruction say hello",
			expected: "",
		},
		{
			name:     "empty command",
			cmdLine:  "",
			expected: "",
		},
		{
			name:     "resume at end",
			cmdLine:  "claude --verbose --resume last-session",
			expected: "last-session",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := extractResumeID(tt.cmdLine)
			if result != tt.expected {
				t.Errorf("extractResumeID(%q) = %q, want %q", tt.cmdLine, result, tt.expected)
			}
		})
	}
}

func TestFindEngineProcesses(t *testing.T) {
	skipUnlessUnix(t)

	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("pgrep", []string{"-f", "claude.*--instruction"}, exec.MockResponse{
		Stdout: []byte("101\n102\n103\n"),
	})
	mock.AddExactMatch("ps", []string{"-p", "101", "-o", "args="}, exec.MockResponse{
		Stdout: []byte("claude --print --instruction say hello\n"),
	})
	mock.AddExactMatch("ps", []string{"-p", "102", "-o", "args="}, exec.MockResponse{
		Stdout: []byte("claude --print --instruction keep going --resume eng-2\n"),
	})
	mock.AddExactMatch("ps", []string{"-p", "103", "-o", "args="}, exec.MockResponse{
		Err: errors.New("process exited"),
	})

	processes, err := FindEngineProcesses(context.Background(), mock, "/usr/local/bin/claude")
	if err != nil {
		t.Fatalf("FindEngineProcesses: %v", err)
	}

	if len(processes) != 2 {
		t.Fatalf("got %d processes, want 2: %+v", len(processes), processes)
	}
	if processes[0].PID != 101 || processes[0].ResumeID != "" {
		t.Errorf("unexpected first process: %+v", processes[0])
	}
	if processes[1].PID != 102 || processes[1].ResumeID != "eng-2" {
		t.Errorf("unexpected second process: %+v", processes[1])
	}
}

func TestFindEngineProcesses_PatternUsesBinaryBase(t *testing.T) {
	skipUnlessUnix(t)

	mock := exec.NewMockExecutor(nil)
	_, err := FindEngineProcesses(context.Background(), mock, "/opt/engines/my-engine")
	if err != nil {
		t.Fatalf("FindEngineProcesses: %v", err)
	}

	calls := mock.GetCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "pgrep" || calls[0].Args[1] != "my-engine.*--instruction" {
		t.Errorf("unexpected pgrep invocation: %+v", calls[0])
	}
}

func TestFindEngineProcesses_NoMatches(t *testing.T) {
	skipUnlessUnix(t)
	if _, err := osexec.LookPath("pgrep"); err != nil {
		t.Skip("pgrep not available")
	}

	// Real pgrep exits 1 when nothing matches the pattern; that must read
	// as "no processes", not as a failure.
	processes, err := FindEngineProcesses(context.Background(), exec.NewRealExecutor(), "no-such-engine-zzz")
	if err != nil {
		t.Fatalf("FindEngineProcesses: %v", err)
	}
	if len(processes) != 0 {
		t.Errorf("expected no processes, got %+v", processes)
	}
}

func TestCleanupOrphanedProcesses(t *testing.T) {
	skipUnlessUnix(t)

	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("pgrep", []string{"-f", "claude.*--instruction"}, exec.MockResponse{
		Stdout: []byte("101\n102\n"),
	})
	mock.AddPrefixMatch("ps", []string{"-p"}, exec.MockResponse{
		Stdout: []byte("claude --instruction x --resume eng-1\n"),
	})

	killed, err := CleanupOrphanedProcesses(context.Background(), mock, "claude")
	if err != nil {
		t.Fatalf("CleanupOrphanedProcesses: %v", err)
	}
	if killed != 2 {
		t.Errorf("killed = %d, want 2", killed)
	}

	var killCalls [][]string
	for _, call := range mock.GetCalls() {
		if call.Name == "kill" {
			killCalls = append(killCalls, call.Args)
		}
	}
	if len(killCalls) != 2 {
		t.Fatalf("expected 2 kill invocations, got %v", killCalls)
	}
	if killCalls[0][0] != "-9" || killCalls[0][1] != "101" {
		t.Errorf("unexpected first kill: %v", killCalls[0])
	}
	if killCalls[1][1] != "102" {
		t.Errorf("unexpected second kill: %v", killCalls[1])
	}
}

func TestCleanupOrphanedProcesses_KillFailureSkips(t *testing.T) {
	skipUnlessUnix(t)

	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("pgrep", []string{"-f", "claude.*--instruction"}, exec.MockResponse{
		Stdout: []byte("101\n102\n"),
	})
	mock.AddPrefixMatch("ps", []string{"-p"}, exec.MockResponse{
		Stdout: []byte("claude --instruction x\n"),
	})
	mock.AddExactMatch("kill", []string{"-9", "101"}, exec.MockResponse{
		Err: errors.New("operation not permitted"),
	})

	killed, err := CleanupOrphanedProcesses(context.Background(), mock, "claude")
	if err != nil {
		t.Fatalf("CleanupOrphanedProcesses: %v", err)
	}
	if killed != 1 {
		t.Errorf("killed = %d, want 1 after one failure", killed)
	}
}

func TestCleanupOrphanedProcesses_FindFailure(t *testing.T) {
	skipUnlessUnix(t)

	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("pgrep", []string{"-f", "claude.*--instruction"}, exec.MockResponse{
		Err: errors.New("pgrep not installed"),
	})

	_, err := CleanupOrphanedProcesses(context.Background(), mock, "claude")
	if err == nil {
		t.Fatal("expected discovery failure to propagate")
	}
}
