package session

import (
	"encoding/json"
	"sync"
	"time"

	"editor-bridge/internal/protocol"
)

// outcome is the single resolution of a pending command.
type outcome struct {
	result json.RawMessage
	err    error
}

type pendingCommand struct {
	toolName string
	issuedAt time.Time
	done     chan outcome // buffered(1), written exactly once
}

// correlator tracks in-flight commands by correlation id. Whoever removes an
// entry from the table owns its resolution, so a reply and a timeout racing
// for the same command can never both take effect.
type correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingCommand
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]*pendingCommand)}
}

func (c *correlator) register(id, toolName string) *pendingCommand {
	pc := &pendingCommand{
		toolName: toolName,
		issuedAt: time.Now(),
		done:     make(chan outcome, 1),
	}
	c.mu.Lock()
	c.pending[id] = pc
	c.mu.Unlock()
	return pc
}

// take removes and returns the entry for id, or nil if it is gone already.
func (c *correlator) take(id string) *pendingCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return pc
}

// resolve completes the command a result frame refers to. It reports false
// for late or duplicate replies.
func (c *correlator) resolve(r protocol.CommandResult) bool {
	pc := c.take(r.CommandID)
	if pc == nil {
		return false
	}
	out := outcome{result: r.Result}
	if !r.OK {
		out.result = nil
		out.err = &CommandError{Tool: pc.toolName, Message: r.ErrorMessage}
	}
	pc.done <- out
	return true
}

// cancel drops the entry for id without resolving it. It reports false if the
// command was already resolved.
func (c *correlator) cancel(id string) bool {
	return c.take(id) != nil
}

// failAll resolves every pending command with err and empties the table.
func (c *correlator) failAll(err error) int {
	c.mu.Lock()
	drained := c.pending
	c.pending = make(map[string]*pendingCommand)
	c.mu.Unlock()

	for _, pc := range drained {
		pc.done <- outcome{err: err}
	}
	return len(drained)
}

func (c *correlator) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
