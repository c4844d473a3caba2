package config

import (
	"os"
	"path/filepath"
	"strings"

	"editor-bridge/internal/discovery"
)

// TokenSource names where the bearer token came from.
type TokenSource string

const (
	TokenNone     TokenSource = ""
	TokenOverride TokenSource = "override"
	TokenEnv      TokenSource = "env"
	TokenProject  TokenSource = "project-file"
	TokenLegacy   TokenSource = "legacy-file"
)

// ProjectTokenPath is the per-project token file for projectPath.
func ProjectTokenPath(home, projectPath string) string {
	return filepath.Join(home, dirName, "tokens", discovery.ProjectKey(projectPath)+".token")
}

// LegacyTokenPath is the single shared token file.
func LegacyTokenPath(home string) string {
	return filepath.Join(home, dirName, "token")
}

// ResolveToken returns the first non-empty token from: override, the
// EDITOR_BRIDGE_TOKEN environment variable, the per-project token file and
// the legacy token file. getenv is usually os.Getenv.
func ResolveToken(override, projectPath, home string, getenv func(string) string) (string, TokenSource) {
	if t := strings.TrimSpace(override); t != "" {
		return t, TokenOverride
	}
	if getenv != nil {
		if t := strings.TrimSpace(getenv(EnvToken)); t != "" {
			return t, TokenEnv
		}
	}
	if home == "" {
		return "", TokenNone
	}
	if t := readToken(ProjectTokenPath(home, projectPath)); t != "" {
		return t, TokenProject
	}
	if t := readToken(LegacyTokenPath(home)); t != "" {
		return t, TokenLegacy
	}
	return "", TokenNone
}

func readToken(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
