// Package mcpserver exposes the bridge to an assistant as MCP tools and
// resources over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"editor-bridge/internal/batch"
	"editor-bridge/internal/session"
	"editor-bridge/internal/supervisor"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	ServerName = "editor-bridge"

	defaultAwaitTimeout = 60 * time.Second
)

// Editor is the session surface the tools drive.
type Editor interface {
	SendCommand(ctx context.Context, toolName string, payload any, timeout time.Duration) (json.RawMessage, error)
	SendPing() error
	AwaitCondition(ctx context.Context, timeout time.Duration) (session.Condition, error)
	Context() json.RawMessage
	Info() session.Info
}

// Connection reports the supervisor's view of the link.
type Connection interface {
	Status() supervisor.Status
}

// Batches runs and inspects the persisted batch.
type Batches interface {
	Execute(ctx context.Context, ops []batch.Operation, opts batch.ExecuteOptions) (*batch.Summary, error)
	Status() batch.Status
	Reset() error
}

// Dependencies are the components the server is wired to.
type Dependencies struct {
	Editor     Editor
	Connection Connection
	Batches    Batches
	Filter     batch.ToolFilter
	// CommandTimeout applies when a call does not set timeout_ms.
	CommandTimeout time.Duration
	Version        string
	Logger         *slog.Logger
}

// Server is the MCP server for one bridge process.
type Server struct {
	deps   Dependencies
	logger *slog.Logger
	mcp    *mcp.Server
}

// New creates the server and registers every tool and resource.
func New(deps Dependencies) (*Server, error) {
	if deps.Editor == nil || deps.Batches == nil {
		return nil, errors.New("mcpserver: editor and batches are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}

	s := &Server{
		deps:   deps,
		logger: logger.With("component", "mcp"),
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    ServerName,
			Version: deps.Version,
		}, nil),
	}
	s.registerTools()
	s.registerResources()
	return s, nil
}

// Run serves MCP on stdin/stdout until the client disconnects or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server started", "transport", "stdio")
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.logger.Info("mcp server stopped")
	return nil
}

// Connect serves MCP over transport and returns the session. Used by tests
// and embedders that bring their own transport.
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, transport, nil)
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "execute_tool",
		Description: "Run one editor tool by name and wait for its result. Fails fast when the editor is not connected.",
	}, s.handleExecuteTool)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "batch_execute",
		Description: "Run a list of editor tools in order, one at a time, persisting progress after each step. Use resume=true to continue a stopped batch.",
	}, s.handleBatchExecute)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "batch_status",
		Description: "Show the persisted batch: counts, the next operation and how to resume.",
	}, s.handleBatchStatus)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "batch_reset",
		Description: "Discard the persisted batch so a new one can start.",
	}, s.handleBatchReset)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "bridge_ping",
		Description: "Send a ping to the editor and report when it was last heard from.",
	}, s.handleBridgePing)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "bridge_status",
		Description: "Report connection state, reconnect attempts and recent connection events.",
	}, s.handleBridgeStatus)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "await_compilation",
		Description: "Wait until the editor reports a finished compilation or a restart of its bridge.",
	}, s.handleAwaitCompilation)
}
