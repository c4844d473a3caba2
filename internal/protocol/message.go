package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Peer → bridge message types.
const (
	TypeHello               = "hello"
	TypeHeartbeat           = "heartbeat"
	TypePong                = "pong"
	TypeContextUpdate       = "context:update"
	TypeCommandResult       = "command:result"
	TypeBridgeRestarted     = "bridge:restarted"
	TypeCompilationComplete = "compilation:complete"
)

// Bridge → peer message types.
const (
	TypeCommandExecute = "command:execute"
	TypePing           = "ping"
)

// Envelope is a parsed inbound frame. Raw holds the sanitized frame so it can
// be decoded into the concrete type selected by Type.
type Envelope struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the whole frame into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("decode %s frame: %w", e.Type, err)
	}
	return nil
}

// Peer → bridge frames.

type Hello struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"sessionId"`
	PeerVersion string          `json:"peerVersion,omitempty"`
	ProjectName string          `json:"projectName,omitempty"`
	ClientInfo  json.RawMessage `json:"clientInfo,omitempty"`
}

type Heartbeat struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

type ContextUpdate struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type CommandResult struct {
	Type         string          `json:"type"`
	CommandID    string          `json:"commandId"`
	OK           bool            `json:"ok"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

type BridgeRestarted struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// CompilationResult is the summary attached to compilation:complete.
type CompilationResult struct {
	Success    bool    `json:"success"`
	ErrorCount int     `json:"errorCount"`
	Elapsed    float64 `json:"elapsed"`
}

type CompilationComplete struct {
	Type   string            `json:"type"`
	Result CompilationResult `json:"result"`
}

// Bridge → peer frames.

type CommandExecute struct {
	Type      string `json:"type"`
	CommandID string `json:"commandId"`
	ToolName  string `json:"toolName"`
	Payload   any    `json:"payload"`
}

type Ping struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// NewCommandExecute builds an encoded command:execute frame.
func NewCommandExecute(commandID, toolName string, payload any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(CommandExecute{
		Type:      TypeCommandExecute,
		CommandID: commandID,
		ToolName:  toolName,
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", TypeCommandExecute, err)
	}
	return data, nil
}

// NewPing builds an encoded ping frame stamped with t in unix milliseconds.
func NewPing(t time.Time) ([]byte, error) {
	data, err := json.Marshal(Ping{Type: TypePing, Timestamp: t.UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", TypePing, err)
	}
	return data, nil
}
