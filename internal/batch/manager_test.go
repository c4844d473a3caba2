package batch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"editor-bridge/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	result json.RawMessage
	err    error
}

// fakeExecutor answers each tool from a per-tool script; once a script is
// exhausted the tool succeeds with {"ok":true}.
type fakeExecutor struct {
	mu      sync.Mutex
	scripts map[string][]reply
	calls   []string
	onCall  func(tool string)
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{scripts: make(map[string][]reply)}
}

func (f *fakeExecutor) script(tool string, replies ...reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[tool] = append(f.scripts[tool], replies...)
}

func (f *fakeExecutor) SendCommand(ctx context.Context, tool string, payload any, timeout time.Duration) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tool)
	var r reply
	if s := f.scripts[tool]; len(s) > 0 {
		r, f.scripts[tool] = s[0], s[1:]
	} else {
		r = reply{result: json.RawMessage(`{"ok":true}`)}
	}
	onCall := f.onCall
	f.mu.Unlock()

	if onCall != nil {
		onCall(tool)
	}
	return r.result, r.err
}

func (f *fakeExecutor) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type denyList []string

func (g denyList) Permits(tool string) bool {
	for _, denied := range g {
		if denied == tool {
			return false
		}
	}
	return true
}

func abc() []Operation {
	return []Operation{
		{Tool: "A", Params: map[string]any{"n": 1}},
		{Tool: "B"},
		{Tool: "C"},
	}
}

func newTestManager(t *testing.T, exec Executor, opts Options) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "batch_state.json")
	m, err := NewManager(path, exec, opts)
	require.NoError(t, err)
	return m, path
}

func failed(msg string) reply {
	return reply{err: &session.CommandError{Tool: "B", Message: msg}}
}

func TestExecuteStopOnErrorThenResume(t *testing.T) {
	exec := newFakeExecutor()
	exec.script("B", failed("compile error"))
	m, path := newTestManager(t, exec, Options{})

	summary, err := m.Execute(context.Background(), abc(), ExecuteOptions{StopOnError: true})
	require.NoError(t, err)
	assert.False(t, summary.Success)
	assert.Len(t, summary.Completed, 1)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, KindFailed, summary.Errors[0].Kind)
	assert.Equal(t, "compile error", summary.Errors[0].Message)
	require.NotNil(t, summary.StoppedAt)
	assert.Equal(t, 1, *summary.StoppedAt)
	assert.Equal(t, 2, summary.Remaining)
	assert.Contains(t, summary.ResumeHint, "resume=true")

	persisted, err := LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, 1, persisted.CurrentIndex)
	require.NotNil(t, persisted.LastError)
	assert.Equal(t, "compile error", *persisted.LastError)
	require.NotNil(t, persisted.LastErrorIndex)
	assert.Equal(t, 1, *persisted.LastErrorIndex)

	summary, err = m.Execute(context.Background(), nil, ExecuteOptions{Resume: true, StopOnError: true})
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.StartIndex)
	assert.Equal(t, 3, summary.CurrentIndex)
	assert.Len(t, summary.Completed, 2)
	assert.Empty(t, summary.Errors)

	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "state file should be removed, got %v", err)
	assert.Equal(t, []string{"A", "B", "B", "C"}, exec.called())
	assert.Equal(t, "No batch in progress.", m.Status().ResumeHint)
}

func TestExecuteContinuesPastFailures(t *testing.T) {
	exec := newFakeExecutor()
	exec.script("B", reply{err: errors.New("socket reset")})
	m, path := newTestManager(t, exec, Options{})

	summary, err := m.Execute(context.Background(), abc(), ExecuteOptions{})
	require.NoError(t, err)
	assert.False(t, summary.Success)
	assert.Len(t, summary.Completed, 2)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, KindException, summary.Errors[0].Kind)
	assert.Equal(t, 1, summary.Errors[0].Index)
	assert.Nil(t, summary.StoppedAt)
	assert.Equal(t, 3, summary.CurrentIndex)

	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestStatusCountsSkippedFailuresSeparately(t *testing.T) {
	exec := newFakeExecutor()
	exec.script("B", failed("missing prefab"))
	m, path := newTestManager(t, exec, Options{})

	var during Status
	var persisted State
	exec.onCall = func(tool string) {
		if tool == "C" {
			during = m.Status()
			persisted, _ = LoadState(path)
		}
	}

	_, err := m.Execute(context.Background(), abc(), ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, during.CurrentIndex)
	assert.Equal(t, 1, during.CompletedCount)
	assert.Equal(t, 1, during.SkippedCount)
	assert.Equal(t, []int{1}, during.Skipped)
	assert.Equal(t, []int{1}, persisted.Skipped)
}

func TestFailedSaveLeavesStatusUnchanged(t *testing.T) {
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state")
	exec := newFakeExecutor()
	m, err := NewManager(filepath.Join(stateDir, "batch_state.json"), exec, Options{})
	require.NoError(t, err)

	exec.onCall = func(tool string) {
		if tool == "A" {
			require.NoError(t, os.RemoveAll(stateDir))
			require.NoError(t, os.WriteFile(stateDir, []byte("x"), 0o644))
		}
	}
	_, err = m.Execute(context.Background(), abc(), ExecuteOptions{})
	require.Error(t, err)

	status := m.Status()
	assert.Equal(t, 3, status.TotalCount)
	assert.Equal(t, 0, status.CurrentIndex, "progress that was not saved must not be reported")

	exec.onCall = nil
	_, err = m.Execute(context.Background(), []Operation{{Tool: "D"}}, ExecuteOptions{})
	require.Error(t, err)
	status = m.Status()
	assert.Equal(t, 3, status.TotalCount, "a batch that was never saved must not replace the record")
	assert.Equal(t, "A", status.Operations[0].Tool)
}

func TestExecuteTreatsSuccessFalseResultAsFailure(t *testing.T) {
	exec := newFakeExecutor()
	exec.script("B", reply{result: json.RawMessage(`{"success":false,"error":"scene not found"}`)})
	m, _ := newTestManager(t, exec, Options{})

	summary, err := m.Execute(context.Background(), abc(), ExecuteOptions{StopOnError: true})
	require.NoError(t, err)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, KindFailed, summary.Errors[0].Kind)
	assert.Equal(t, "scene not found", summary.Errors[0].Message)
}

func TestExecuteRecordsResults(t *testing.T) {
	exec := newFakeExecutor()
	exec.script("A", reply{result: json.RawMessage(`{"success":true,"count":2}`)})
	m, _ := newTestManager(t, exec, Options{})

	summary, err := m.Execute(context.Background(), abc(), ExecuteOptions{})
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.Equal(t, map[string]any{"success": true, "count": float64(2)}, summary.Completed[0].Result)
}

func TestProgressIsPersistedBeforeEachOperation(t *testing.T) {
	exec := newFakeExecutor()
	m, path := newTestManager(t, exec, Options{})

	seen := map[string]int{}
	exec.onCall = func(tool string) {
		st, err := LoadState(path)
		if err == nil {
			seen[tool] = st.CurrentIndex
		}
	}

	_, err := m.Execute(context.Background(), abc(), ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 0, "B": 1, "C": 2}, seen)
}

func TestResumeWithoutBatch(t *testing.T) {
	m, _ := newTestManager(t, newFakeExecutor(), Options{})
	_, err := m.Execute(context.Background(), nil, ExecuteOptions{Resume: true})
	assert.ErrorIs(t, err, ErrNoBatch)
}

func TestExecuteRejectsEmptyAndUnnamedOperations(t *testing.T) {
	m, _ := newTestManager(t, newFakeExecutor(), Options{})

	_, err := m.Execute(context.Background(), nil, ExecuteOptions{})
	assert.ErrorIs(t, err, ErrEmptyBatch)

	_, err = m.Execute(context.Background(), []Operation{{Tool: "A"}, {Tool: " "}}, ExecuteOptions{})
	assert.ErrorContains(t, err, "operation 1")
}

func TestExecuteRejectsDeniedToolBeforeRunning(t *testing.T) {
	exec := newFakeExecutor()
	m, path := newTestManager(t, exec, Options{Filter: denyList{"C"}})

	_, err := m.Execute(context.Background(), abc(), ExecuteOptions{})
	require.ErrorIs(t, err, ErrToolDenied)
	assert.Empty(t, exec.called())

	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestNewManagerResumesPersistedBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch_state.json")
	msg, idx := "timeout", 1
	st := State{Operations: abc(), CurrentIndex: 1, LastError: &msg, LastErrorIndex: &idx}
	data, err := st.Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	exec := newFakeExecutor()
	m, err := NewManager(path, exec, Options{})
	require.NoError(t, err)

	status := m.Status()
	assert.True(t, status.CanResume)
	assert.Equal(t, 3, status.TotalCount)
	assert.Equal(t, 1, status.CompletedCount)
	assert.Equal(t, 2, status.RemainingCount)
	require.NotNil(t, status.Next)
	assert.Equal(t, "B", status.Next.Tool)
	assert.Contains(t, status.ResumeHint, "Last error at operation 1: timeout")

	summary, err := m.Execute(context.Background(), nil, ExecuteOptions{Resume: true})
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.Equal(t, []string{"B", "C"}, exec.called())
}

func TestNewManagerRejectsCorruptState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch_state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"operations": [`), 0o644))

	_, err := NewManager(path, nil, Options{})
	assert.ErrorIs(t, err, ErrCorruptState)
}

func TestStatusDoesNotWaitForRunningBatch(t *testing.T) {
	exec := newFakeExecutor()
	release := make(chan struct{})
	started := make(chan struct{})
	exec.onCall = func(tool string) {
		if tool == "B" {
			close(started)
			<-release
		}
	}
	m, _ := newTestManager(t, exec, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := m.Execute(context.Background(), abc(), ExecuteOptions{})
		done <- err
	}()
	<-started

	status := m.Status()
	assert.True(t, status.Running)
	assert.False(t, status.CanResume)
	assert.Equal(t, 1, status.CurrentIndex)
	assert.True(t, strings.HasPrefix(status.ResumeHint, "Batch is running"))

	assert.ErrorIs(t, m.Reset(), ErrBatchRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Execute(ctx, abc(), ExecuteOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, m.Status().Running)
}

func TestExecuteInterruptedLeavesIndex(t *testing.T) {
	exec := newFakeExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	exec.script("B", reply{err: context.Canceled})
	exec.onCall = func(tool string) {
		if tool == "B" {
			cancel()
		}
	}
	m, path := newTestManager(t, exec, Options{})

	summary, err := m.Execute(ctx, abc(), ExecuteOptions{})
	require.NoError(t, err)
	assert.True(t, summary.Interrupted)
	assert.False(t, summary.Success)
	assert.Empty(t, summary.Errors)
	require.NotNil(t, summary.StoppedAt)
	assert.Equal(t, 1, *summary.StoppedAt)

	st, err := LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, 1, st.CurrentIndex)
}

func TestReset(t *testing.T) {
	exec := newFakeExecutor()
	exec.script("B", failed("nope"))
	m, path := newTestManager(t, exec, Options{})

	_, err := m.Execute(context.Background(), abc(), ExecuteOptions{StopOnError: true})
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, m.Reset())
	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.False(t, m.Status().CanResume)

	// Resetting an empty manager is fine.
	assert.NoError(t, m.Reset())
}

func TestExecuteWithoutExecutor(t *testing.T) {
	m, _ := newTestManager(t, nil, Options{})
	_, err := m.Execute(context.Background(), abc(), ExecuteOptions{})
	assert.Error(t, err)
}
