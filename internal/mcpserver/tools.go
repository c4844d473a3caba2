package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"editor-bridge/internal/batch"
	"editor-bridge/internal/session"
	"editor-bridge/internal/supervisor"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ExecuteToolArgs is the input of execute_tool.
type ExecuteToolArgs struct {
	Tool      string         `json:"tool" jsonschema:"Editor tool name, e.g. scene_open"`
	Params    map[string]any `json:"params,omitempty" jsonschema:"Arguments passed to the tool"`
	TimeoutMs int            `json:"timeout_ms,omitempty" jsonschema:"How long to wait for the result in milliseconds (default: configured command timeout)"`
}

// ExecuteToolResult is the output of execute_tool.
type ExecuteToolResult struct {
	Tool      string `json:"tool"`
	Result    any    `json:"result"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

func (s *Server) handleExecuteTool(ctx context.Context, req *mcp.CallToolRequest, args ExecuteToolArgs) (*mcp.CallToolResult, any, error) {
	tool := strings.TrimSpace(args.Tool)
	if tool == "" {
		return nil, nil, fmt.Errorf("tool is required")
	}
	if s.deps.Filter != nil && !s.deps.Filter.Permits(tool) {
		return nil, nil, fmt.Errorf("%w: %s", batch.ErrToolDenied, tool)
	}

	timeout := s.deps.CommandTimeout
	if args.TimeoutMs > 0 {
		timeout = time.Duration(args.TimeoutMs) * time.Millisecond
	}

	start := time.Now()
	raw, err := s.deps.Editor.SendCommand(ctx, tool, args.Params, timeout)
	if err != nil {
		s.logger.Debug("execute_tool failed", "tool", tool, "error", err)
		return nil, nil, err
	}
	return nil, ExecuteToolResult{
		Tool:      tool,
		Result:    decodeJSON(raw),
		ElapsedMs: time.Since(start).Milliseconds(),
	}, nil
}

// BatchExecuteArgs is the input of batch_execute.
type BatchExecuteArgs struct {
	Operations  []batch.Operation `json:"operations,omitempty" jsonschema:"Tools to run in order; ignored when resume is true"`
	Resume      bool              `json:"resume,omitempty" jsonschema:"Continue the persisted batch from where it stopped"`
	StopOnError bool              `json:"stop_on_error,omitempty" jsonschema:"Stop at the first failure so it can be retried with resume"`
}

func (s *Server) handleBatchExecute(ctx context.Context, req *mcp.CallToolRequest, args BatchExecuteArgs) (*mcp.CallToolResult, any, error) {
	summary, err := s.deps.Batches.Execute(ctx, args.Operations, batch.ExecuteOptions{
		Resume:      args.Resume,
		StopOnError: args.StopOnError,
	})
	if err != nil {
		return nil, nil, err
	}
	return nil, summary, nil
}

func (s *Server) handleBatchStatus(ctx context.Context, req *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
	return nil, s.deps.Batches.Status(), nil
}

// BatchResetResult is the output of batch_reset.
type BatchResetResult struct {
	Reset   bool   `json:"reset"`
	Message string `json:"message"`
}

func (s *Server) handleBatchReset(ctx context.Context, req *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
	if err := s.deps.Batches.Reset(); err != nil {
		return nil, nil, err
	}
	return nil, BatchResetResult{Reset: true, Message: "Batch state cleared."}, nil
}

// PingResult is the output of bridge_ping.
type PingResult struct {
	Connected bool      `json:"connected"`
	Sent      bool      `json:"sent"`
	SessionID string    `json:"session_id,omitempty"`
	LastSeen  time.Time `json:"last_seen,omitzero"`
	Message   string    `json:"message,omitempty"`
}

func (s *Server) handleBridgePing(ctx context.Context, req *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
	info := s.deps.Editor.Info()
	out := PingResult{Connected: info.Connected, SessionID: info.SessionID, LastSeen: info.LastSeen}
	if !info.Connected {
		out.Message = "Editor is not connected; the bridge keeps retrying in the background."
		return nil, out, nil
	}
	if err := s.deps.Editor.SendPing(); err != nil {
		out.Message = fmt.Sprintf("ping failed: %v", err)
		return nil, out, nil
	}
	out.Sent = true
	return nil, out, nil
}

// BridgeStatusResult is the output of bridge_status.
type BridgeStatusResult struct {
	Connection *supervisor.Status `json:"connection,omitempty"`
	Session    session.Info       `json:"session"`
	Batch      BatchBrief         `json:"batch"`
}

// BatchBrief summarizes the batch inside bridge_status.
type BatchBrief struct {
	Running        bool `json:"running"`
	TotalCount     int  `json:"total_count"`
	RemainingCount int  `json:"remaining_count"`
	CanResume      bool `json:"can_resume"`
}

func (s *Server) handleBridgeStatus(ctx context.Context, req *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
	bs := s.deps.Batches.Status()
	out := BridgeStatusResult{
		Session: s.deps.Editor.Info(),
		Batch: BatchBrief{
			Running:        bs.Running,
			TotalCount:     bs.TotalCount,
			RemainingCount: bs.RemainingCount,
			CanResume:      bs.CanResume,
		},
	}
	if s.deps.Connection != nil {
		st := s.deps.Connection.Status()
		out.Connection = &st
	}
	return nil, out, nil
}

// AwaitCompilationArgs is the input of await_compilation.
type AwaitCompilationArgs struct {
	TimeoutMs int `json:"timeout_ms,omitempty" jsonschema:"How long to wait in milliseconds (default 60000)"`
}

func (s *Server) handleAwaitCompilation(ctx context.Context, req *mcp.CallToolRequest, args AwaitCompilationArgs) (*mcp.CallToolResult, any, error) {
	timeout := defaultAwaitTimeout
	if args.TimeoutMs > 0 {
		timeout = time.Duration(args.TimeoutMs) * time.Millisecond
	}
	cond, err := s.deps.Editor.AwaitCondition(ctx, timeout)
	if err != nil {
		return nil, nil, err
	}
	return nil, cond, nil
}

func decodeJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
