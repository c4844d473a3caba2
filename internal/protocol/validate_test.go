package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNewCommandExecute(t *testing.T) {
	data, err := NewCommandExecute("cmd-1", "scene_create", map[string]any{"name": "Main"})
	if err != nil {
		t.Fatalf("NewCommandExecute failed: %v", err)
	}

	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame["type"] != TypeCommandExecute {
		t.Errorf("expected type %s, got %v", TypeCommandExecute, frame["type"])
	}
	if frame["commandId"] != "cmd-1" {
		t.Errorf("expected commandId 'cmd-1', got %v", frame["commandId"])
	}
	if frame["toolName"] != "scene_create" {
		t.Errorf("expected toolName 'scene_create', got %v", frame["toolName"])
	}
	payload, ok := frame["payload"].(map[string]any)
	if !ok || payload["name"] != "Main" {
		t.Errorf("unexpected payload: %v", frame["payload"])
	}
}

func TestNewCommandExecute_NilPayloadIsEmptyObject(t *testing.T) {
	data, err := NewCommandExecute("cmd-2", "editor_state", nil)
	if err != nil {
		t.Fatalf("NewCommandExecute failed: %v", err)
	}
	var frame struct {
		Payload json.RawMessage `json:"payload"`
	}
	json.Unmarshal(data, &frame)
	if string(frame.Payload) != "{}" {
		t.Errorf("expected empty object payload, got %s", frame.Payload)
	}
}

func TestNewPing(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	data, err := NewPing(now)
	if err != nil {
		t.Fatalf("NewPing failed: %v", err)
	}
	var p Ping
	json.Unmarshal(data, &p)
	if p.Type != TypePing {
		t.Errorf("expected type %s, got %s", TypePing, p.Type)
	}
	if p.Timestamp != 1700000000123 {
		t.Errorf("expected timestamp 1700000000123, got %d", p.Timestamp)
	}
}

func TestParseFrame_Hello(t *testing.T) {
	env, err := ParseFrame([]byte(`{"type":"hello","sessionId":"s-1","peerVersion":"2.1","projectName":"Demo"}`))
	if err != nil {
		t.Fatalf("expected valid frame, got error: %v", err)
	}
	if env.Type != TypeHello {
		t.Errorf("expected type %s, got %s", TypeHello, env.Type)
	}
	var h Hello
	if err := env.Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.SessionID != "s-1" || h.ProjectName != "Demo" {
		t.Errorf("unexpected hello: %+v", h)
	}
}

func TestParseFrame_HelloMissingSessionID(t *testing.T) {
	_, err := ParseFrame([]byte(`{"type":"hello"}`))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestParseFrame_CommandResult(t *testing.T) {
	env, err := ParseFrame([]byte(`{"type":"command:result","commandId":"c-9","ok":false,"errorMessage":"boom"}`))
	if err != nil {
		t.Fatalf("expected valid frame, got error: %v", err)
	}
	var r CommandResult
	env.Decode(&r)
	if r.CommandID != "c-9" || r.OK || r.ErrorMessage != "boom" {
		t.Errorf("unexpected result: %+v", r)
	}
}

func TestParseFrame_CommandResultMissingID(t *testing.T) {
	_, err := ParseFrame([]byte(`{"type":"command:result","ok":true}`))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestParseFrame_InvalidJSON(t *testing.T) {
	_, err := ParseFrame([]byte("not json"))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestParseFrame_MissingType(t *testing.T) {
	_, err := ParseFrame([]byte(`{"sessionId":"x"}`))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestParseFrame_UnknownType(t *testing.T) {
	env, err := ParseFrame([]byte(`{"type":"editor:selection","ids":[1,2]}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if env == nil || env.Type != "editor:selection" {
		t.Errorf("expected envelope with the unknown type, got %+v", env)
	}
}

func TestParseFrame_ContextUpdateWithNonFinite(t *testing.T) {
	raw := `{"type":"context:update","payload":{"fps":NaN,"bounds":[1,Infinity,-Infinity],"label":"NaN stays"}}`
	env, err := ParseFrame([]byte(raw))
	if err != nil {
		t.Fatalf("expected frame to parse after sanitizing, got: %v", err)
	}

	var c ContextUpdate
	if err := env.Decode(&c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(c.Payload, &payload); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if payload["fps"] != nil {
		t.Errorf("expected fps to become null, got %v", payload["fps"])
	}
	bounds := payload["bounds"].([]any)
	if bounds[0] != float64(1) || bounds[1] != nil || bounds[2] != nil {
		t.Errorf("unexpected bounds: %v", bounds)
	}
	if payload["label"] != "NaN stays" {
		t.Errorf("string contents must not be rewritten, got %v", payload["label"])
	}
}

func TestParseFrame_CompilationCompleteNaNElapsed(t *testing.T) {
	env, err := ParseFrame([]byte(`{"type":"compilation:complete","result":{"success":true,"errorCount":0,"elapsed":NaN}}`))
	if err != nil {
		t.Fatalf("expected valid frame, got error: %v", err)
	}
	var c CompilationComplete
	env.Decode(&c)
	if !c.Result.Success || c.Result.Elapsed != 0 {
		t.Errorf("unexpected compilation result: %+v", c.Result)
	}
}

func TestSanitizeNonFinite_NoSpecialsUnchanged(t *testing.T) {
	raw := []byte(`{"type":"heartbeat","timestamp":12}`)
	got := SanitizeNonFinite(raw)
	if string(got) != string(raw) {
		t.Errorf("expected unchanged input, got %s", got)
	}
}

func TestSanitizeNonFinite_EscapedQuotes(t *testing.T) {
	raw := []byte(`{"a":"say \"NaN\"","b":NaN}`)
	got := SanitizeNonFinite(raw)
	want := `{"a":"say \"NaN\"","b":null}`
	if string(got) != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}
