package engine

import (
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
)

// DefaultProfileName selects the built-in profile when the configuration
// names none.
const DefaultProfileName = "claude"

// Profile names an engine binary together with the flags and credentials it
// needs to run a non-interactive streaming turn.
type Profile struct {
	// Binary is the executable to spawn.
	Binary string `toml:"binary"`

	// ModeFlags put the engine into non-interactive streaming mode.
	ModeFlags []string `toml:"mode_flags"`

	// CredentialEnv lists environment variables accepted as credentials.
	CredentialEnv []string `toml:"credential_env"`

	// Env holds extra environment entries for the process.
	Env map[string]string `toml:"env"`
}

// EnvList flattens the profile's extra environment into sorted KEY=VALUE
// form, ready for Spec.ExtraEnv.
func (p Profile) EnvList() []string {
	if len(p.Env) == 0 {
		return nil
	}
	entries := make([]string, 0, len(p.Env))
	for k, v := range p.Env {
		entries = append(entries, k+"="+v)
	}
	sort.Strings(entries)
	return entries
}

// builtinProfiles cover the engines known out of the box. Entries in
// engines.toml override them by name.
func builtinProfiles() map[string]Profile {
	return map[string]Profile{
		"claude": {
			Binary:        "claude",
			ModeFlags:     []string{"--print", "--output-format", "stream-json", "--verbose"},
			CredentialEnv: []string{"ANTHROPIC_API_KEY", "CLAUDE_CODE_OAUTH_TOKEN"},
		},
	}
}

// profileFile mirrors the engines.toml layout:
//
//	[engines.claude]
//	binary = "claude"
//	mode_flags = ["--print", "--output-format", "stream-json", "--verbose"]
//	credential_env = ["ANTHROPIC_API_KEY"]
type profileFile struct {
	Engines map[string]Profile `toml:"engines"`
}

// LoadProfiles reads engines.toml from path and merges it over the built-in
// profiles. A missing file yields just the built-ins.
func LoadProfiles(path string) (map[string]Profile, error) {
	profiles := builtinProfiles()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return profiles, nil
	}

	var file profileFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("parse engine profiles %s: %w", path, err)
	}
	for name, p := range file.Engines {
		if p.Binary == "" {
			return nil, fmt.Errorf("engine profile %q has no binary", name)
		}
		profiles[name] = p
	}
	return profiles, nil
}
