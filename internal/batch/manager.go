// Package batch runs an ordered list of tool invocations against the editor
// one at a time, persisting progress after every step so a stopped or
// crashed batch can be resumed.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"editor-bridge/internal/session"
)

var (
	// ErrNoBatch is returned when resuming with nothing left to run.
	ErrNoBatch = errors.New("no batch in progress")
	// ErrToolDenied is returned when an operation names a filtered tool.
	ErrToolDenied = errors.New("tool not permitted")
	// ErrBatchRunning is returned by Reset while a batch executes.
	ErrBatchRunning = errors.New("batch is running")
	// ErrEmptyBatch is returned when a new batch has no operations.
	ErrEmptyBatch = errors.New("batch has no operations")
)

// Executor sends one command to the editor.
type Executor interface {
	SendCommand(ctx context.Context, toolName string, payload any, timeout time.Duration) (json.RawMessage, error)
}

// ToolFilter decides whether a tool may be invoked.
type ToolFilter interface {
	Permits(tool string) bool
}

// FailureKind distinguishes a failure the editor reported from an error
// raised while making the call.
type FailureKind string

const (
	KindFailed    FailureKind = "failed"
	KindException FailureKind = "exception"
)

// Completed is a successful operation in a Summary.
type Completed struct {
	Index  int    `json:"index"`
	Tool   string `json:"tool"`
	Result any    `json:"result,omitempty"`
}

// Failure is a failed operation in a Summary.
type Failure struct {
	Index   int         `json:"index"`
	Tool    string      `json:"tool"`
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Summary reports one Execute call.
type Summary struct {
	Success      bool        `json:"success"`
	Total        int         `json:"total"`
	StartIndex   int         `json:"start_index"`
	CurrentIndex int         `json:"current_index"`
	Completed    []Completed `json:"completed"`
	Errors       []Failure   `json:"errors"`
	StoppedAt    *int        `json:"stopped_at,omitempty"`
	Remaining    int         `json:"remaining,omitempty"`
	Interrupted  bool        `json:"interrupted,omitempty"`
	ResumeHint   string      `json:"resume_hint,omitempty"`
}

// ExecuteOptions control one Execute call.
type ExecuteOptions struct {
	// Resume continues the persisted batch and ignores the operations argument.
	Resume bool
	// StopOnError halts at the first failure without advancing past it.
	StopOnError bool
}

// Options configure a Manager.
type Options struct {
	Filter         ToolFilter
	CommandTimeout time.Duration
	Logger         *slog.Logger
}

// Manager owns the persisted batch record. One batch runs at a time; the
// state lock is held only around reads and mutations of the record, so
// Status never waits on a running batch.
type Manager struct {
	path    string
	exec    Executor
	filter  ToolFilter
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	run chan struct{}

	mu    sync.Mutex
	state State
}

// NewManager loads the record at path and returns a manager that runs
// operations through exec. exec may be nil for read-only use.
func NewManager(path string, exec Executor, opts Options) (*Manager, error) {
	state, err := LoadState(path)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		path:    path,
		exec:    exec,
		filter:  opts.Filter,
		timeout: opts.CommandTimeout,
		logger:  logger.With("component", "batch"),
		now:     func() time.Time { return time.Now().UTC() },
		run:     make(chan struct{}, 1),
		state:   state,
	}
	if !state.Empty() {
		m.logger.Info("loaded unfinished batch", "path", path, "current_index", state.CurrentIndex, "total", len(state.Operations))
	}
	return m, nil
}

// Path returns the location of the persisted record.
func (m *Manager) Path() string { return m.path }

// Execute runs operations in order, or continues the persisted batch when
// opts.Resume is set. Operation failures are reported in the Summary; the
// returned error covers only conditions that prevented the batch from
// running or being recorded.
func (m *Manager) Execute(ctx context.Context, ops []Operation, opts ExecuteOptions) (*Summary, error) {
	if m.exec == nil {
		return nil, errors.New("batch manager has no executor")
	}
	select {
	case m.run <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-m.run }()

	m.mu.Lock()
	if err := m.begin(ops, opts.Resume); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	planned := append([]Operation(nil), m.state.Operations...)
	start := m.state.CurrentIndex
	m.mu.Unlock()

	summary := &Summary{
		Total:      len(planned),
		StartIndex: start,
		Completed:  []Completed{},
		Errors:     []Failure{},
	}
	m.logger.Info("batch started", "resume", opts.Resume, "start_index", start, "total", len(planned))

	stopped := false
	i := start
	for ; i < len(planned); i++ {
		if ctx.Err() != nil {
			summary.Interrupted = true
			break
		}
		op := planned[i]
		raw, err := m.exec.SendCommand(ctx, op.Tool, op.Params, m.timeout)
		if err != nil && ctx.Err() != nil {
			// Cancelled mid-call: leave the index on this operation.
			summary.Interrupted = true
			break
		}
		failure := classify(i, op.Tool, raw, err)

		m.mu.Lock()
		next := m.state.clone()
		if failure == nil {
			next.CurrentIndex = i + 1
		} else {
			idx, msg := i, failure.Message
			next.LastError = &msg
			next.LastErrorIndex = &idx
			if !opts.StopOnError {
				next.CurrentIndex = i + 1
				next.Skipped = append(next.Skipped, i)
			}
		}
		err = m.commitLocked(next)
		m.mu.Unlock()
		if failure == nil {
			summary.Completed = append(summary.Completed, Completed{Index: i, Tool: op.Tool, Result: decodeResult(raw)})
		} else {
			summary.Errors = append(summary.Errors, *failure)
			m.logger.Warn("batch operation failed", "index", i, "tool", op.Tool, "kind", failure.Kind, "error", failure.Message)
		}
		if err != nil {
			return summary, err
		}

		if failure != nil && opts.StopOnError {
			stopped = true
			break
		}
	}

	summary.CurrentIndex = i
	if i < len(planned) {
		at := i
		summary.StoppedAt = &at
		summary.Remaining = len(planned) - i
		summary.ResumeHint = resumeHint(i, len(planned), planned[i].Tool)
	} else {
		m.mu.Lock()
		err := m.clearLocked()
		m.mu.Unlock()
		if err != nil {
			return summary, err
		}
	}
	summary.Success = len(summary.Errors) == 0 && !stopped && !summary.Interrupted

	m.logger.Info("batch finished",
		"success", summary.Success,
		"completed", len(summary.Completed),
		"errors", len(summary.Errors),
		"current_index", summary.CurrentIndex,
	)
	return summary, nil
}

// begin prepares the state for a run. Called with the state lock held.
func (m *Manager) begin(ops []Operation, resume bool) error {
	if resume {
		if m.state.Empty() || m.state.Exhausted() {
			return ErrNoBatch
		}
		return m.checkPermitted(m.state.Operations[m.state.CurrentIndex:])
	}

	if len(ops) == 0 {
		return ErrEmptyBatch
	}
	for i, op := range ops {
		if strings.TrimSpace(op.Tool) == "" {
			return fmt.Errorf("operation %d: missing tool name", i)
		}
	}
	if err := m.checkPermitted(ops); err != nil {
		return err
	}

	now := m.now()
	return m.commitLocked(State{
		Operations: append([]Operation(nil), ops...),
		StartedAt:  &now,
	})
}

func (m *Manager) checkPermitted(ops []Operation) error {
	if m.filter == nil {
		return nil
	}
	for _, op := range ops {
		if !m.filter.Permits(op.Tool) {
			return fmt.Errorf("%w: %s", ErrToolDenied, op.Tool)
		}
	}
	return nil
}

// commitLocked saves next and only then makes it the in-memory record, so
// Status never reports progress that is not on disk.
func (m *Manager) commitLocked(next State) error {
	now := m.now()
	next.LastUpdated = &now
	if err := saveState(m.path, next); err != nil {
		m.logger.Error("failed to persist batch state", "path", m.path, "error", err)
		return err
	}
	m.state = next
	return nil
}

func (m *Manager) clearLocked() error {
	m.state = State{}
	return Discard(m.path)
}

// Reset discards the persisted batch. It fails with ErrBatchRunning while a
// batch executes.
func (m *Manager) Reset() error {
	select {
	case m.run <- struct{}{}:
	default:
		return ErrBatchRunning
	}
	defer func() { <-m.run }()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.Info("batch reset", "path", m.path)
	return m.clearLocked()
}

// Status is the read-only view of the batch record.
type Status struct {
	State
	Running        bool       `json:"running"`
	TotalCount     int        `json:"total_count"`
	CompletedCount int        `json:"completed_count"`
	SkippedCount   int        `json:"skipped_count"`
	RemainingCount int        `json:"remaining_count"`
	CanResume      bool       `json:"can_resume"`
	ResumeHint     string     `json:"resume_hint"`
	Next           *Operation `json:"next_operation,omitempty"`
}

// Status returns a consistent snapshot of the record.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := m.state.clone()
	m.mu.Unlock()

	running := len(m.run) > 0
	total := len(st.Operations)
	out := Status{
		State:          st,
		Running:        running,
		TotalCount:     total,
		CompletedCount: st.Succeeded(),
		SkippedCount:   len(st.Skipped),
		RemainingCount: total - st.CurrentIndex,
		CanResume:      total > 0 && st.CurrentIndex < total && !running,
	}
	if out.Operations == nil {
		out.Operations = []Operation{}
	}

	switch {
	case total == 0:
		out.ResumeHint = "No batch in progress."
	case st.CurrentIndex >= total:
		out.ResumeHint = "All operations have run."
	case running:
		next := st.Operations[st.CurrentIndex]
		out.Next = &next
		out.ResumeHint = fmt.Sprintf("Batch is running: operation %d of %d (%s).", st.CurrentIndex+1, total, next.Tool)
	default:
		next := st.Operations[st.CurrentIndex]
		out.Next = &next
		out.ResumeHint = resumeHint(st.CurrentIndex, total, next.Tool)
		if st.LastError != nil && st.LastErrorIndex != nil {
			out.ResumeHint += fmt.Sprintf(" Last error at operation %d: %s", *st.LastErrorIndex, *st.LastError)
		}
	}
	return out
}

func resumeHint(index, total int, tool string) string {
	return fmt.Sprintf("%d of %d operations remain. Run batch_execute with resume=true to continue from operation %d (%s), or batch_reset to discard.",
		total-index, total, index, tool)
}

// classify turns a command outcome into a Failure, or nil on success. A
// result object carrying "success": false counts as a reported failure.
func classify(index int, tool string, raw json.RawMessage, err error) *Failure {
	if err != nil {
		kind := KindException
		msg := err.Error()
		var cmdErr *session.CommandError
		if errors.As(err, &cmdErr) {
			kind = KindFailed
			msg = cmdErr.Message
		}
		return &Failure{Index: index, Tool: tool, Kind: kind, Message: msg}
	}

	var body struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) != nil || body.Success == nil || *body.Success {
		return nil
	}
	msg := body.Error
	if msg == "" {
		msg = body.Message
	}
	if msg == "" {
		msg = "tool reported success=false"
	}
	return &Failure{Index: index, Tool: tool, Kind: KindFailed, Message: msg}
}

func decodeResult(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
