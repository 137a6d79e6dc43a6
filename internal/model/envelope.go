package model

import (
	"encoding/json"
	"fmt"
)

// Envelope is the structured message unit exchanged between agents and
// the router. Wire format is JSON.
type Envelope struct {
	Src     string         `json:"src"`
	Dst     string         `json:"dst"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	Meta    *Meta          `json:"meta,omitempty"`
}

// Meta carries optional envelope metadata: an opaque identity
// fingerprint and a declared role claim. Neither is trusted; policy
// resolution always goes through the store.
type Meta struct {
	Fingerprint string `json:"fingerprint,omitempty"`
	RoleClaim   string `json:"role,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// Error envelope codes. HTTP-equivalent by convention.
const (
	CodeBadRequest  = 400
	CodeForbidden   = 403
	CodeInternal    = 500
	CodeUnavailable = 503
)

// ErrorEnvelope is the response for rejected or failed commands.
type ErrorEnvelope struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewErrorEnvelope builds an mcp/error response.
func NewErrorEnvelope(code int, message string) ErrorEnvelope {
	return ErrorEnvelope{Type: string(CmdError), Code: code, Message: message}
}

// ValidationError describes why an envelope failed shape validation.
// Src is retained when it parsed, so denials can still be attributed.
type ValidationError struct {
	Field string
	Src   AgentID
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("malformed envelope: %s", e.Field)
}

// Validate checks envelope shape: src, dst, and type must be present,
// src and dst must be well-formed identifiers, and type must be in the
// recognized command set.
func (env *Envelope) Validate() (AgentID, TargetID, Command, error) {
	if env.Src == "" {
		return "", "", "", &ValidationError{Field: "missing src"}
	}
	src, err := ParseAgentID(env.Src)
	if err != nil {
		return "", "", "", &ValidationError{Field: "invalid src"}
	}
	if env.Dst == "" {
		return "", "", "", &ValidationError{Field: "missing dst", Src: src}
	}
	dst, err := ParseTargetID(env.Dst)
	if err != nil {
		return "", "", "", &ValidationError{Field: "invalid dst", Src: src}
	}
	if env.Type == "" {
		return "", "", "", &ValidationError{Field: "missing type", Src: src}
	}
	if !KnownCommand(env.Type) {
		return "", "", "", &ValidationError{Field: fmt.Sprintf("unrecognized type %q", truncate(env.Type)), Src: src}
	}
	return src, dst, Command(env.Type), nil
}

// DecodeEnvelope parses a JSON envelope. Shape checks happen in
// Validate, not here; a syntactically valid envelope always decodes.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}
