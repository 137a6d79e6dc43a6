// Package router is the front door for all agent-originated messages.
// Every envelope moves through one state machine: Received →
// Validated → {Authorized | Denied} → Dispatched → {Completed |
// TimedOut | Failed} → Logged. Authorization decisions are appended
// to the ledger before any side effect runs; that ordering is the
// audit-before-effect guarantee for audited roles.
package router

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/vmwarden/vmwarden/internal/audit"
	"github.com/vmwarden/vmwarden/internal/authz"
	"github.com/vmwarden/vmwarden/internal/dispatch"
	"github.com/vmwarden/vmwarden/internal/model"
	"github.com/vmwarden/vmwarden/internal/policy"
	"github.com/vmwarden/vmwarden/internal/session"
)

// ID is the src used on router-originated response envelopes.
const ID = "vmwarden"

// DefaultDispatchTimeout bounds how long a handler may run.
const DefaultDispatchTimeout = 10 * time.Second

// Config holds router construction parameters.
type Config struct {
	Snapshot        *policy.Snapshot
	Registry        *session.Registry
	Ledger          *audit.Ledger
	Handlers        map[model.Command]dispatch.Handler
	Issuer          dispatch.CredentialIssuer
	DispatchTimeout time.Duration
}

// Router validates, authorizes, audits, and dispatches envelopes.
type Router struct {
	snap    *policy.Snapshot
	reg     *session.Registry
	ledger  *audit.Ledger
	hands   map[model.Command]dispatch.Handler
	issuer  dispatch.CredentialIssuer
	timeout time.Duration
}

// New creates a Router. Snapshot, Registry, and Ledger are required.
func New(cfg Config) (*Router, error) {
	if cfg.Snapshot == nil || cfg.Registry == nil || cfg.Ledger == nil {
		return nil, errors.New("router: snapshot, registry, and ledger are required")
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultDispatchTimeout
	}
	if cfg.Handlers == nil {
		cfg.Handlers = map[model.Command]dispatch.Handler{}
	}
	return &Router{
		snap:    cfg.Snapshot,
		reg:     cfg.Registry,
		ledger:  cfg.Ledger,
		hands:   cfg.Handlers,
		issuer:  cfg.Issuer,
		timeout: cfg.DispatchTimeout,
	}, nil
}

// Handle processes one inbound envelope and returns the response:
// either a response Envelope or an ErrorEnvelope. It never panics and
// never returns Go errors to the transport; every failure mode maps
// to an error envelope and an audit event.
func (r *Router) Handle(ctx context.Context, env *model.Envelope) any {
	agent, target, cmd, err := env.Validate()
	if err != nil {
		var verr *model.ValidationError
		fields := audit.Fields{
			EventType:  audit.EventMalformed,
			Outcome:    audit.OutcomeDeny,
			PolicyHash: r.snap.Hash(),
			Detail:     err.Error(),
		}
		// Attribute identity only if src itself was parseable.
		if errors.As(err, &verr) && verr.Src != "" {
			fields.AgentID = verr.Src.String()
		}
		r.appendSoft(fields)
		return model.NewErrorEnvelope(model.CodeBadRequest, err.Error())
	}

	if cmd == model.CmdHeartbeat {
		return r.handleHeartbeat(env, agent)
	}

	if !r.snap.KnownAgent(agent) {
		r.appendSoft(audit.Fields{
			AgentID:    agent.String(),
			TargetID:   target.String(),
			EventType:  audit.EventDecision,
			Command:    string(cmd),
			Decision:   &audit.DecisionRecord{Outcome: audit.OutcomeDeny, Trace: []string{"agent.unknown"}},
			Outcome:    audit.OutcomeDeny,
			PolicyHash: r.snap.Hash(),
		})
		return model.NewErrorEnvelope(model.CodeForbidden, "unknown agent")
	}

	// Target-scoped commands may carry a session reference; when they
	// do, the session must exist and match the envelope identity.
	sessID, err := r.resolveSession(env, agent, target)
	if err != nil {
		r.appendSoft(audit.Fields{
			AgentID:    agent.String(),
			TargetID:   target.String(),
			EventType:  audit.EventDecision,
			Command:    string(cmd),
			Decision:   &audit.DecisionRecord{Outcome: audit.OutcomeDeny, Trace: []string{"session.invalid"}},
			Outcome:    audit.OutcomeDeny,
			Detail:     err.Error(),
			PolicyHash: r.snap.Hash(),
		})
		return model.NewErrorEnvelope(model.CodeForbidden, err.Error())
	}

	decision := authz.Evaluate(r.snap, agent, target, cmd)
	if !decision.Allowed() {
		// Deny always appends before responding. The rule trace goes
		// into the logged event, not the response.
		r.appendSoft(audit.Fields{
			SessionID:  sessID.String(),
			AgentID:    agent.String(),
			TargetID:   target.String(),
			EventType:  audit.EventDecision,
			Command:    string(cmd),
			Decision:   &audit.DecisionRecord{Outcome: audit.OutcomeDeny, Trace: decision.Trace},
			Outcome:    audit.OutcomeDeny,
			PolicyHash: r.snap.Hash(),
		})
		return model.NewErrorEnvelope(model.CodeForbidden, fmt.Sprintf("%s denied by policy", cmd))
	}

	// Allow is appended before the effect. If the ledger is
	// unwritable the guarantee cannot be honored, so audited-role
	// commands are refused rather than dispatched unlogged.
	allowFields := audit.Fields{
		SessionID:  sessID.String(),
		AgentID:    agent.String(),
		TargetID:   target.String(),
		EventType:  audit.EventDecision,
		Command:    string(cmd),
		Decision:   &audit.DecisionRecord{Outcome: audit.OutcomeAllow, Trace: decision.Trace},
		Outcome:    audit.OutcomeAllow,
		PolicyHash: r.snap.Hash(),
	}
	if _, err := r.ledger.Append(allowFields); err != nil {
		if r.snap.Audited(agent) {
			return model.NewErrorEnvelope(model.CodeUnavailable, "audit ledger unavailable")
		}
		fmt.Fprintf(os.Stderr, "router: ledger append failed for unaudited agent %s: %v\n", agent, err)
	}

	if cmd == model.CmdAuthorize {
		return r.handleBind(ctx, env, agent, target)
	}
	return r.dispatchCommand(ctx, env, agent, target, cmd, sessID)
}

// Check is the dry-run decision query. Identical evaluation, but
// nothing is appended to the ledger.
func (r *Router) Check(agent model.AgentID, target model.TargetID, cmd model.Command) authz.Decision {
	return authz.Check(r.snap, agent, target, cmd)
}

// Snapshot exposes the active policy snapshot for read-only surfaces.
func (r *Router) Snapshot() *policy.Snapshot { return r.snap }

// Registry exposes the session registry for read-only surfaces.
func (r *Router) Registry() *session.Registry { return r.reg }

func (r *Router) handleHeartbeat(env *model.Envelope, agent model.AgentID) any {
	// Heartbeat bypasses full authorization; it only refreshes
	// liveness and leaves a lightweight marker, not a decision event.
	alive := false
	if env.Meta != nil && env.Meta.SessionID != "" {
		if err := r.reg.Touch(model.SessionID(env.Meta.SessionID)); err == nil {
			alive = true
		}
	}
	fields := audit.Fields{
		AgentID:   agent.String(),
		EventType: audit.EventHeartbeat,
		Outcome:   audit.OutcomeAlive,
	}
	if env.Meta != nil {
		fields.SessionID = env.Meta.SessionID
	}
	r.appendSoft(fields)
	return &model.Envelope{
		Src:     ID,
		Dst:     env.Src,
		Type:    string(model.CmdHeartbeat),
		Payload: map[string]any{"alive": alive},
	}
}

// handleBind runs the authorized mcp/authorize effect: create the
// session, optionally issue a credential, and log the outcome.
func (r *Router) handleBind(ctx context.Context, env *model.Envelope, agent model.AgentID, target model.TargetID) any {
	sess, err := r.reg.Bind(agent, target)
	if err != nil {
		r.appendSoft(audit.Fields{
			AgentID:    agent.String(),
			TargetID:   target.String(),
			EventType:  audit.EventBind,
			Command:    string(model.CmdAuthorize),
			Outcome:    audit.OutcomeFailed,
			Detail:     err.Error(),
			PolicyHash: r.snap.Hash(),
		})
		code := model.CodeForbidden
		if errors.Is(err, session.ErrTooManySessions) {
			code = model.CodeUnavailable
		}
		return model.NewErrorEnvelope(code, err.Error())
	}

	payload := map[string]any{
		"session_id": sess.ID.String(),
		"role":       sess.RoleAtBind,
		"expires_at": sess.ExpiresAt.Format(time.RFC3339),
	}
	if r.issuer != nil {
		cred, err := r.issuer.Issue(ctx, sess.ID, agent, target)
		if err != nil {
			// The session exists; credential issuance is a
			// collaborator failure, reported but not authorization.
			payload["credential_error"] = err.Error()
		} else {
			payload["credential"] = map[string]any{
				"id":         cred.ID,
				"public_key": cred.PublicKey,
				"endpoint":   cred.Endpoint,
				"expires_at": cred.ExpiresAt.Format(time.RFC3339),
			}
		}
	}

	r.appendSoft(audit.Fields{
		SessionID:  sess.ID.String(),
		AgentID:    agent.String(),
		TargetID:   target.String(),
		EventType:  audit.EventBind,
		Command:    string(model.CmdAuthorize),
		Outcome:    audit.OutcomeCompleted,
		PolicyHash: r.snap.Hash(),
	})
	return &model.Envelope{
		Src:     ID,
		Dst:     env.Src,
		Type:    string(model.CmdAuthorize),
		Payload: payload,
	}
}

// dispatchCommand forwards an authorized command to its handler under
// a bounded timeout. Timeout is a terminal, logged outcome: exactly
// one outcome event is appended even if the handler returns later,
// and a late result never alters already-logged state.
func (r *Router) dispatchCommand(ctx context.Context, env *model.Envelope, agent model.AgentID, target model.TargetID, cmd model.Command, sessID model.SessionID) any {
	handler, ok := r.hands[cmd]
	if !ok {
		r.appendOutcome(sessID, agent, target, cmd, audit.OutcomeFailed, "no handler configured")
		return model.NewErrorEnvelope(model.CodeInternal, fmt.Sprintf("no handler for %s", cmd))
	}

	dctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type result struct {
		payload map[string]any
		err     error
	}
	done := make(chan result, 1)
	go func() {
		payload, err := handler(dctx, env)
		done <- result{payload, err}
	}()

	select {
	case <-dctx.Done():
		r.appendOutcome(sessID, agent, target, cmd, audit.OutcomeTimeout, dctx.Err().Error())
		return model.NewErrorEnvelope(model.CodeUnavailable, fmt.Sprintf("%s timed out after %s", cmd, r.timeout))
	case res := <-done:
		if res.err != nil {
			r.appendOutcome(sessID, agent, target, cmd, audit.OutcomeFailed, res.err.Error())
			return model.NewErrorEnvelope(model.CodeInternal, res.err.Error())
		}
		r.appendOutcome(sessID, agent, target, cmd, audit.OutcomeCompleted, "")
		return &model.Envelope{
			Src:     ID,
			Dst:     env.Src,
			Type:    string(cmd),
			Payload: res.payload,
		}
	}
}

// resolveSession checks an optional session reference on the envelope.
func (r *Router) resolveSession(env *model.Envelope, agent model.AgentID, target model.TargetID) (model.SessionID, error) {
	if env.Meta == nil || env.Meta.SessionID == "" {
		return "", nil
	}
	id, err := model.ParseSessionID(env.Meta.SessionID)
	if err != nil {
		return "", err
	}
	sess, err := r.reg.Lookup(id)
	if err != nil {
		return "", fmt.Errorf("session %s: %w", id, err)
	}
	if sess.AgentID != agent || sess.TargetID != target {
		return "", fmt.Errorf("session %s does not bind %s to %s", id, agent, target)
	}
	_ = r.reg.Touch(id)
	return id, nil
}

func (r *Router) appendOutcome(sessID model.SessionID, agent model.AgentID, target model.TargetID, cmd model.Command, outcome, detail string) {
	r.appendSoft(audit.Fields{
		SessionID:  sessID.String(),
		AgentID:    agent.String(),
		TargetID:   target.String(),
		EventType:  audit.EventDispatch,
		Command:    string(cmd),
		Outcome:    outcome,
		Detail:     detail,
		PolicyHash: r.snap.Hash(),
	})
}

// appendSoft appends events that precede no side effect (denials,
// malformed envelopes, outcome records). An unwritable ledger does
// not block these responses; the failure is surfaced on stderr and
// the hard refusal happens on the next audited-role Allow path.
func (r *Router) appendSoft(f audit.Fields) {
	if _, err := r.ledger.Append(f); err != nil {
		fmt.Fprintf(os.Stderr, "router: audit append failed: %v\n", err)
	}
}

// TerminationLogger returns a session.Terminator that appends the
// termination event for every session that ends, whatever the path.
func TerminationLogger(ledger *audit.Ledger, issuer dispatch.CredentialIssuer, policyHash string) session.Terminator {
	return func(s *session.Session, reason session.TerminateReason) {
		if issuer != nil {
			_ = issuer.Revoke(context.Background(), s.ID)
		}
		if _, err := ledger.Append(audit.Fields{
			SessionID:  s.ID.String(),
			AgentID:    s.AgentID.String(),
			TargetID:   s.TargetID.String(),
			EventType:  audit.EventTerminated,
			Outcome:    string(reason),
			PolicyHash: policyHash,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "router: termination audit append failed: %v\n", err)
		}
	}
}
