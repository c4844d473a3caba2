package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when no connection is attached.
	ErrNotConnected = errors.New("not connected to editor")
	// ErrConnectionLost resolves commands still pending when their connection ends.
	ErrConnectionLost = errors.New("connection to editor lost")
	// ErrCommandTimeout is returned when no result arrives before the deadline.
	ErrCommandTimeout = errors.New("command timed out")
	// ErrAwaitTimeout is returned when an awaited condition does not arrive in time.
	ErrAwaitTimeout = errors.New("await timed out")
)

// CommandError is a failure explicitly reported by the editor for a command.
type CommandError struct {
	Tool    string
	Message string
}

func (e *CommandError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed", e.Tool)
	}
	return fmt.Sprintf("%s failed: %s", e.Tool, e.Message)
}
