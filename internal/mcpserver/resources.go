package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	BatchStatusURI   = "editor-bridge://batch/status"
	EditorContextURI = "editor-bridge://editor/context"
)

func (s *Server) registerResources() {
	s.mcp.AddResource(&mcp.Resource{
		URI:         BatchStatusURI,
		Name:        "batch_status",
		Description: "Live batch state with total_count, remaining_count, completed_count, can_resume and resume_hint",
		MIMEType:    "application/json",
	}, s.readBatchStatus)

	s.mcp.AddResource(&mcp.Resource{
		URI:         EditorContextURI,
		Name:        "editor_context",
		Description: "Most recent context snapshot reported by the editor",
		MIMEType:    "application/json",
	}, s.readEditorContext)
}

func (s *Server) readBatchStatus(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(s.deps.Batches.Status(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode batch status: %w", err)
	}
	return jsonResource(BatchStatusURI, data), nil
}

func (s *Server) readEditorContext(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	snapshot := s.deps.Editor.Context()
	if len(snapshot) == 0 {
		snapshot = json.RawMessage("null")
	}
	return jsonResource(EditorContextURI, snapshot), nil
}

func jsonResource(uri string, data []byte) *mcp.ReadResourceResult {
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}
}
