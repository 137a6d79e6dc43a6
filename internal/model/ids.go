package model

import (
	"fmt"
	"strings"
)

// AgentID identifies an agent (an AI-driven or automated requester).
type AgentID string

// TargetID identifies a managed environment (VM or container).
type TargetID string

// SessionID identifies an active agent-target binding.
type SessionID string

const maxIDLength = 128

// idValid reports whether s is a well-formed identifier: non-empty,
// bounded length, printable ASCII without whitespace or control bytes.
func idValid(s string) bool {
	if s == "" || len(s) > maxIDLength {
		return false
	}
	for _, r := range s {
		if r <= 0x20 || r >= 0x7f {
			return false
		}
	}
	return true
}

// ParseAgentID validates a raw string as an AgentID.
func ParseAgentID(raw string) (AgentID, error) {
	if !idValid(raw) {
		return "", fmt.Errorf("invalid agent id %q", truncate(raw))
	}
	return AgentID(raw), nil
}

// ParseTargetID validates a raw string as a TargetID.
func ParseTargetID(raw string) (TargetID, error) {
	if !idValid(raw) {
		return "", fmt.Errorf("invalid target id %q", truncate(raw))
	}
	return TargetID(raw), nil
}

// ParseSessionID validates a raw string as a SessionID.
func ParseSessionID(raw string) (SessionID, error) {
	if !idValid(raw) {
		return "", fmt.Errorf("invalid session id %q", truncate(raw))
	}
	return SessionID(raw), nil
}

func (a AgentID) String() string   { return string(a) }
func (t TargetID) String() string  { return string(t) }
func (s SessionID) String() string { return string(s) }

func truncate(s string) string {
	s = strings.ToValidUTF8(s, "?")
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}
