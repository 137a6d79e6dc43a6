package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/vmwarden/vmwarden/internal/model"
)

// Session is an active, role-frozen binding between one agent and one
// target. RoleAtBind never changes after creation: rebinding to a
// different role requires terminating and binding again, which
// re-evaluates policy fresh.
type Session struct {
	ID           model.SessionID `json:"id"`
	AgentID      model.AgentID   `json:"agent_id"`
	TargetID     model.TargetID  `json:"target_id"`
	RoleAtBind   string          `json:"role_at_bind"`
	Audited      bool            `json:"audited"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActiveAt time.Time       `json:"last_active_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// TerminateReason explains why a session ended.
type TerminateReason string

const (
	ReasonManual          TerminateReason = "manual"
	ReasonExpired         TerminateReason = "expired"
	ReasonPolicyViolation TerminateReason = "policy_violation"
	ReasonShutdown        TerminateReason = "shutdown"
)

func newSessionID() model.SessionID {
	return model.SessionID("sess-" + uuid.NewString())
}
