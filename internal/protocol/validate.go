package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame is returned for frames that are not valid JSON objects
	// or lack a field their type requires.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownType is returned for well-formed frames with an unrecognized type.
	ErrUnknownType = errors.New("unknown message type")
)

// validPeerTypes is the set of allowed peer→bridge message types.
var validPeerTypes = map[string]bool{
	TypeHello:               true,
	TypeHeartbeat:           true,
	TypePong:                true,
	TypeContextUpdate:       true,
	TypeCommandResult:       true,
	TypeBridgeRestarted:     true,
	TypeCompilationComplete: true,
}

// ParseFrame validates a raw frame received from the peer.
// Non-finite numeric tokens are replaced with null before parsing.
func ParseFrame(raw []byte) (*Envelope, error) {
	clean := SanitizeNonFinite(raw)

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(clean, &head); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedFrame, err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("%w: missing 'type' field", ErrMalformedFrame)
	}
	env := &Envelope{Type: head.Type, Raw: clean}
	if !validPeerTypes[head.Type] {
		return env, fmt.Errorf("%w: %s", ErrUnknownType, head.Type)
	}

	// Validate required fields per type.
	switch head.Type {
	case TypeHello:
		var h Hello
		if err := json.Unmarshal(clean, &h); err != nil {
			return nil, fmt.Errorf("%w: invalid %s: %v", ErrMalformedFrame, head.Type, err)
		}
		if h.SessionID == "" {
			return nil, fmt.Errorf("%w: missing required field 'sessionId' in %s", ErrMalformedFrame, head.Type)
		}

	case TypeCommandResult:
		var r CommandResult
		if err := json.Unmarshal(clean, &r); err != nil {
			return nil, fmt.Errorf("%w: invalid %s: %v", ErrMalformedFrame, head.Type, err)
		}
		if r.CommandID == "" {
			return nil, fmt.Errorf("%w: missing required field 'commandId' in %s", ErrMalformedFrame, head.Type)
		}

	case TypeContextUpdate:
		var c ContextUpdate
		if err := json.Unmarshal(clean, &c); err != nil {
			return nil, fmt.Errorf("%w: invalid %s: %v", ErrMalformedFrame, head.Type, err)
		}

	case TypeCompilationComplete:
		var c CompilationComplete
		if err := json.Unmarshal(clean, &c); err != nil {
			return nil, fmt.Errorf("%w: invalid %s: %v", ErrMalformedFrame, head.Type, err)
		}
	}

	return env, nil
}

// nonFiniteTokens are the bare literals some peers emit for IEEE specials.
// Signed forms come first so the sign is consumed with the literal.
var nonFiniteTokens = [][]byte{
	[]byte("-Infinity"),
	[]byte("+Infinity"),
	[]byte("Infinity"),
	[]byte("-NaN"),
	[]byte("NaN"),
}

var nullLiteral = []byte("null")

// SanitizeNonFinite replaces NaN and Infinity literals outside of strings with
// null. Input without such literals is returned as is.
func SanitizeNonFinite(raw []byte) []byte {
	if !bytes.Contains(raw, []byte("NaN")) && !bytes.Contains(raw, []byte("Infinity")) {
		return raw
	}

	out := make([]byte, 0, len(raw))
	inString, escaped := false, false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inString {
			out = append(out, c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			out = append(out, c)
			continue
		}
		if n := nonFiniteAt(raw[i:]); n > 0 {
			out = append(out, nullLiteral...)
			i += n - 1
			continue
		}
		out = append(out, c)
	}
	return out
}

func nonFiniteAt(b []byte) int {
	for _, tok := range nonFiniteTokens {
		if bytes.HasPrefix(b, tok) {
			return len(tok)
		}
	}
	return 0
}
