package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// GenesisHash is the prev_hash of the first event in a new ledger.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// TimeFormat is the timestamp layout used in ledger events.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// EventType classifies ledger events.
const (
	EventDecision   = "decision"
	EventDispatch   = "dispatch"
	EventMalformed  = "malformed_envelope"
	EventBind       = "session_bind"
	EventTerminated = "session_terminated"
	EventHeartbeat  = "heartbeat"
)

// Outcome values recorded per event.
const (
	OutcomeAllow     = "allow"
	OutcomeDeny      = "deny"
	OutcomeCompleted = "completed"
	OutcomeTimeout   = "timeout"
	OutcomeFailed    = "failed"
	OutcomeAlive     = "alive"
)

// DecisionRecord is the authorization decision embedded in an event.
type DecisionRecord struct {
	Outcome string   `json:"outcome"`
	Trace   []string `json:"trace"`
}

// Event is one entry in the hash-chained ledger. All fields are
// structs and scalars (no maps) so json.Marshal field order is
// deterministic and hashes are reproducible.
//
// Invariant: for every event with seq n > 0, prev_hash equals the hash
// of the event with seq n-1.
type Event struct {
	Seq        uint64          `json:"seq"`
	Timestamp  string          `json:"ts"`
	SessionID  string          `json:"session_id,omitempty"`
	AgentID    string          `json:"agent_id,omitempty"`
	TargetID   string          `json:"target_id,omitempty"`
	EventType  string          `json:"event_type"`
	Command    string          `json:"command,omitempty"`
	Decision   *DecisionRecord `json:"decision,omitempty"`
	Outcome    string          `json:"outcome"`
	Detail     string          `json:"detail,omitempty"`
	PolicyHash string          `json:"policy_hash,omitempty"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
}

// hashBody mirrors Event without the hash field, in the same order.
type hashBody struct {
	Seq        uint64          `json:"seq"`
	Timestamp  string          `json:"ts"`
	SessionID  string          `json:"session_id,omitempty"`
	AgentID    string          `json:"agent_id,omitempty"`
	TargetID   string          `json:"target_id,omitempty"`
	EventType  string          `json:"event_type"`
	Command    string          `json:"command,omitempty"`
	Decision   *DecisionRecord `json:"decision,omitempty"`
	Outcome    string          `json:"outcome"`
	Detail     string          `json:"detail,omitempty"`
	PolicyHash string          `json:"policy_hash,omitempty"`
	PrevHash   string          `json:"prev_hash"`
}

// ComputeHash returns sha256 over the serialized event (hash field
// excluded) concatenated with prev_hash, rendered "sha256:<hex>".
func ComputeHash(ev Event) string {
	body := hashBody{
		Seq:        ev.Seq,
		Timestamp:  ev.Timestamp,
		SessionID:  ev.SessionID,
		AgentID:    ev.AgentID,
		TargetID:   ev.TargetID,
		EventType:  ev.EventType,
		Command:    ev.Command,
		Decision:   ev.Decision,
		Outcome:    ev.Outcome,
		Detail:     ev.Detail,
		PolicyHash: ev.PolicyHash,
		PrevHash:   ev.PrevHash,
	}
	// Marshal of a map-free struct cannot fail.
	raw, _ := json.Marshal(body)
	h := sha256.Sum256(append(raw, []byte(ev.PrevHash)...))
	return "sha256:" + hex.EncodeToString(h[:])
}
