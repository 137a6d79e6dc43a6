package mcp

import (
	"context"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vmwarden/vmwarden/internal/audit"
	"github.com/vmwarden/vmwarden/internal/model"
)

// --- Input/Output types ---

// RequestInput defines parameters for the vmwarden_request tool.
type RequestInput struct {
	Src       string         `json:"src" jsonschema:"requesting agent id"`
	Dst       string         `json:"dst" jsonschema:"target id (or vmwarden for control commands)"`
	Type      string         `json:"type" jsonschema:"command, e.g. vm/create or mcp/authorize"`
	Payload   map[string]any `json:"payload,omitempty" jsonschema:"command payload"`
	SessionID string         `json:"session_id,omitempty" jsonschema:"bound session id, if any"`
}

// RequestOutput contains the routed response or error envelope.
type RequestOutput struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	Code    int            `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
}

// CheckInput defines parameters for the vmwarden_check tool.
type CheckInput struct {
	Agent  string `json:"agent" jsonschema:"agent id"`
	Target string `json:"target" jsonschema:"target id"`
	Action string `json:"action" jsonschema:"command to check, e.g. vm/exec"`
}

// CheckOutput contains the dry-run decision and its rule trace.
type CheckOutput struct {
	Decision string   `json:"decision"`
	Trace    []string `json:"trace"`
}

// SessionsInput is empty, no parameters needed.
type SessionsInput struct{}

// SessionsOutput lists active sessions.
type SessionsOutput struct {
	Sessions []SessionItem `json:"sessions"`
}

// SessionItem describes one active session.
type SessionItem struct {
	ID         string `json:"id"`
	Agent      string `json:"agent"`
	Target     string `json:"target"`
	Role       string `json:"role"`
	Audited    bool   `json:"audited"`
	LastActive string `json:"last_active"`
	ExpiresAt  string `json:"expires_at"`
}

// AuditVerifyInput is empty, no parameters needed.
type AuditVerifyInput struct{}

// AuditVerifyOutput reports chain verification results.
type AuditVerifyOutput struct {
	Valid     bool   `json:"valid"`
	Events    int    `json:"events"`
	BrokenSeq uint64 `json:"broken_seq,omitempty"`
	Error     string `json:"error,omitempty"`
}

// --- Handlers ---

func (s *Server) handleRequest(ctx context.Context, req *mcpsdk.CallToolRequest, input RequestInput) (*mcpsdk.CallToolResult, RequestOutput, error) {
	env := &model.Envelope{
		Src:     input.Src,
		Dst:     input.Dst,
		Type:    input.Type,
		Payload: input.Payload,
	}
	if input.SessionID != "" {
		env.Meta = &model.Meta{SessionID: input.SessionID}
	}

	switch resp := s.router.Handle(ctx, env).(type) {
	case *model.Envelope:
		return nil, RequestOutput{Type: resp.Type, Payload: resp.Payload}, nil
	case model.ErrorEnvelope:
		out := RequestOutput{Type: resp.Type, Code: resp.Code, Message: resp.Message}
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	default:
		out := RequestOutput{Type: string(model.CmdError), Code: model.CodeInternal, Message: "unexpected response type"}
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
}

func (s *Server) handleCheck(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckInput) (*mcpsdk.CallToolResult, CheckOutput, error) {
	agent, err := model.ParseAgentID(input.Agent)
	if err != nil {
		return nil, CheckOutput{}, err
	}
	target, err := model.ParseTargetID(input.Target)
	if err != nil {
		return nil, CheckOutput{}, err
	}

	decision := s.router.Check(agent, target, model.Command(input.Action))
	return nil, CheckOutput{
		Decision: string(decision.Outcome),
		Trace:    decision.Trace,
	}, nil
}

func (s *Server) handleSessions(ctx context.Context, req *mcpsdk.CallToolRequest, input SessionsInput) (*mcpsdk.CallToolResult, SessionsOutput, error) {
	active := s.router.Registry().Active()
	out := SessionsOutput{Sessions: make([]SessionItem, 0, len(active))}
	for _, sess := range active {
		out.Sessions = append(out.Sessions, SessionItem{
			ID:         sess.ID.String(),
			Agent:      sess.AgentID.String(),
			Target:     sess.TargetID.String(),
			Role:       sess.RoleAtBind,
			Audited:    sess.Audited,
			LastActive: sess.LastActiveAt.Format(time.RFC3339),
			ExpiresAt:  sess.ExpiresAt.Format(time.RFC3339),
		})
	}
	return nil, out, nil
}

func (s *Server) handleAuditVerify(ctx context.Context, req *mcpsdk.CallToolRequest, input AuditVerifyInput) (*mcpsdk.CallToolResult, AuditVerifyOutput, error) {
	res := audit.Verify(s.ledgerPath)
	out := AuditVerifyOutput{
		Valid:     res.Valid,
		Events:    res.Events,
		BrokenSeq: res.BrokenSeq,
		Error:     res.Error,
	}
	if !res.Valid {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}
