// Package discovery locates the port an editor instance is listening on for a
// given project, using the records the editor publishes in a shared directory.
package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	keyLength  = 16
	recordExt  = ".port"
	dirName    = "editor-bridge"
	maxTCPPort = 65535
)

// Record is the document an editor instance writes on startup.
type Record struct {
	Port        int    `json:"port"`
	PID         int    `json:"pid"`
	ProjectPath string `json:"projectPath"`
	Timestamp   string `json:"timestamp"`
}

// DefaultDir returns the shared discovery directory under the OS temp dir.
func DefaultDir() string {
	return filepath.Join(os.TempDir(), dirName)
}

// NormalizePath converts a project path to the canonical form that is hashed:
// forward slashes, lowercase, no trailing separator. Roots are stripped too,
// so "/" becomes "" and `C:\` becomes "c:", matching the editor's hashing.
func NormalizePath(projectPath string) string {
	p := strings.ReplaceAll(projectPath, "\\", "/")
	return strings.TrimRight(strings.ToLower(p), "/")
}

// ProjectKey returns the first 16 hex characters of the SHA-256 digest of the
// normalized project path.
func ProjectKey(projectPath string) string {
	sum := sha256.Sum256([]byte(NormalizePath(projectPath)))
	return hex.EncodeToString(sum[:])[:keyLength]
}

// RecordPath returns the record file for projectPath inside dir.
func RecordPath(dir, projectPath string) string {
	return filepath.Join(dir, ProjectKey(projectPath)+recordExt)
}

// Resolver reads and prunes discovery records.
type Resolver struct {
	dir    string
	logger *slog.Logger
	alive  func(pid int) bool
}

// NewResolver creates a resolver for records stored in dir.
func NewResolver(dir string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		dir:    dir,
		logger: logger.With("component", "discovery"),
		alive:  ProcessAlive,
	}
}

// Dir returns the directory the resolver reads from.
func (r *Resolver) Dir() string {
	return r.dir
}

// Lookup returns the port recorded for projectPath. Every failure reports
// not found; the caller falls back to its configured default port.
func (r *Resolver) Lookup(projectPath string) (int, bool) {
	path := RecordPath(r.dir, projectPath)

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("read discovery record", "path", path, "error", err)
		}
		return 0, false
	}

	rec, err := parseRecord(data)
	if err != nil {
		// Left in place: the editor may still be writing it.
		r.logger.Warn("unparseable discovery record", "path", path, "error", err)
		return 0, false
	}

	if !r.alive(rec.PID) {
		r.logger.Info("removing stale discovery record", "path", path, "pid", rec.PID)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("remove stale discovery record", "path", path, "error", err)
		}
		return 0, false
	}

	return rec.Port, true
}

func parseRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.Port <= 0 || rec.Port > maxTCPPort {
		return nil, errors.New("port out of range")
	}
	if rec.PID <= 0 {
		return nil, errors.New("missing pid")
	}
	return &rec, nil
}
