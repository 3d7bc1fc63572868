package engine

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestLoadProfiles_MissingFileYieldsBuiltins(t *testing.T) {
	profiles, err := LoadProfiles(filepath.Join(t.TempDir(), "engines.toml"))
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}

	p, ok := profiles[DefaultProfileName]
	if !ok {
		t.Fatalf("profiles missing %q", DefaultProfileName)
	}
	if p.Binary != "claude" {
		t.Errorf("Binary = %q, want claude", p.Binary)
	}
	wantFlags := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if !slices.Equal(p.ModeFlags, wantFlags) {
		t.Errorf("ModeFlags = %v, want %v", p.ModeFlags, wantFlags)
	}
	wantCreds := []string{"ANTHROPIC_API_KEY", "CLAUDE_CODE_OAUTH_TOKEN"}
	if !slices.Equal(p.CredentialEnv, wantCreds) {
		t.Errorf("CredentialEnv = %v, want %v", p.CredentialEnv, wantCreds)
	}
}

func TestLoadProfiles_FileAddsAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engines.toml")
	content := `
[engines.claude]
binary = "/opt/claude/bin/claude"
mode_flags = ["--print"]
credential_env = ["ANTHROPIC_API_KEY"]

[engines.mock]
binary = "mock-engine"
mode_flags = ["--stream"]

[engines.mock.env]
MOCK_MODE = "replay"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	profiles, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}

	if got := profiles["claude"].Binary; got != "/opt/claude/bin/claude" {
		t.Errorf("claude binary = %q, want override", got)
	}
	mock, ok := profiles["mock"]
	if !ok {
		t.Fatal("profiles missing mock")
	}
	if !slices.Equal(mock.ModeFlags, []string{"--stream"}) {
		t.Errorf("mock ModeFlags = %v", mock.ModeFlags)
	}
	if !slices.Equal(mock.EnvList(), []string{"MOCK_MODE=replay"}) {
		t.Errorf("mock EnvList() = %v", mock.EnvList())
	}
}

func TestLoadProfiles_MissingBinary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engines.toml")
	content := `
[engines.broken]
mode_flags = ["--print"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadProfiles(path)
	if err == nil {
		t.Fatal("LoadProfiles error = nil, want missing binary error")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("error = %v, want profile name", err)
	}
}

func TestLoadProfiles_BadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engines.toml")
	if err := os.WriteFile(path, []byte("[engines.claude\nbinary ="), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadProfiles(path); err == nil {
		t.Fatal("LoadProfiles error = nil, want parse error")
	}
}

func TestProfile_EnvList(t *testing.T) {
	p := Profile{Env: map[string]string{"B_KEY": "2", "A_KEY": "1"}}
	want := []string{"A_KEY=1", "B_KEY=2"}
	if got := p.EnvList(); !slices.Equal(got, want) {
		t.Errorf("EnvList() = %v, want %v", got, want)
	}

	var empty Profile
	if got := empty.EnvList(); got != nil {
		t.Errorf("EnvList() = %v, want nil", got)
	}
}
