package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrCorruptState is returned when the persisted record cannot be decoded.
var ErrCorruptState = errors.New("corrupt batch state")

// Operation is one tool invocation in a batch.
type Operation struct {
	Tool   string         `json:"tool" yaml:"tool"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// State is the persisted batch record. CurrentIndex is the next operation to
// run and never exceeds len(Operations). Skipped lists, in ascending order,
// the indices below CurrentIndex that failed and were passed over.
type State struct {
	Operations     []Operation `json:"operations"`
	CurrentIndex   int         `json:"current_index"`
	LastError      *string     `json:"last_error"`
	LastErrorIndex *int        `json:"last_error_index"`
	StartedAt      *time.Time  `json:"started_at"`
	LastUpdated    *time.Time  `json:"last_updated"`
	Skipped        []int       `json:"skipped_indices,omitempty"`
}

// Empty reports whether no batch is recorded.
func (s State) Empty() bool { return len(s.Operations) == 0 }

// Exhausted reports whether every operation has run.
func (s State) Exhausted() bool { return s.CurrentIndex >= len(s.Operations) }

// Succeeded counts the operations below CurrentIndex that completed.
func (s State) Succeeded() int { return s.CurrentIndex - len(s.Skipped) }

func (s State) clone() State {
	out := s
	out.Operations = append([]Operation(nil), s.Operations...)
	if s.Skipped != nil {
		out.Skipped = append([]int(nil), s.Skipped...)
	}
	if s.LastError != nil {
		msg := *s.LastError
		out.LastError = &msg
	}
	if s.LastErrorIndex != nil {
		idx := *s.LastErrorIndex
		out.LastErrorIndex = &idx
	}
	return out
}

// Marshal encodes s in the on-disk format.
func (s State) Marshal() ([]byte, error) {
	if s.Operations == nil {
		s.Operations = []Operation{}
	}
	return json.MarshalIndent(s, "", "  ")
}

// UnmarshalState decodes a persisted record and checks its invariants.
func UnmarshalState(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if s.CurrentIndex < 0 || s.CurrentIndex > len(s.Operations) {
		return State{}, fmt.Errorf("%w: current_index %d out of range for %d operations", ErrCorruptState, s.CurrentIndex, len(s.Operations))
	}
	for i, op := range s.Operations {
		if op.Tool == "" {
			return State{}, fmt.Errorf("%w: operation %d has no tool", ErrCorruptState, i)
		}
	}
	prev := -1
	for _, idx := range s.Skipped {
		if idx <= prev || idx >= s.CurrentIndex {
			return State{}, fmt.Errorf("%w: skipped index %d out of order or not yet run", ErrCorruptState, idx)
		}
		prev = idx
	}
	return s, nil
}

// LoadState reads the record at path. A missing file is an empty state.
func LoadState(path string) (State, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read batch state: %w", err)
	}
	s, err := UnmarshalState(data)
	if err != nil {
		return State{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// saveState writes s to path atomically: a crash leaves either the old or
// the new record, never a partial one.
func saveState(path string, s State) error {
	data, err := s.Marshal()
	if err != nil {
		return fmt.Errorf("encode batch state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write batch state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync batch state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close batch state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace batch state: %w", err)
	}
	return nil
}

// Discard removes the record at path. A missing file is not an error.
func Discard(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove batch state: %w", err)
	}
	return nil
}
