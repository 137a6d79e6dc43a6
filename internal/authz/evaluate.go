// Package authz implements the authorization engine: a pure function
// from (agent, target, action) to an Allow/Deny decision over an
// immutable policy snapshot. Evaluation performs no I/O and takes no
// locks, so any number of evaluations may run in parallel.
package authz

import (
	"fmt"

	"github.com/vmwarden/vmwarden/internal/model"
	"github.com/vmwarden/vmwarden/internal/policy"
)

// Outcome is the result of policy evaluation.
type Outcome string

const (
	Allow Outcome = "allow"
	Deny  Outcome = "deny"
)

// Decision carries the outcome and the ordered trace of rule
// identifiers that produced it. The trace is what the policy-check
// collaborator prints; it is always populated.
type Decision struct {
	Outcome Outcome  `json:"outcome"`
	Trace   []string `json:"trace"`
}

// Allowed reports whether the decision permits the action.
func (d Decision) Allowed() bool { return d.Outcome == Allow }

// verdict is the per-scope resolution state.
type verdict int

const (
	implicitDeny verdict = iota
	explicitAllow
	explicitDeny
)

func (v verdict) String() string {
	switch v {
	case explicitAllow:
		return "explicit-allow"
	case explicitDeny:
		return "explicit-deny"
	default:
		return "implicit-deny"
	}
}

// Evaluate resolves an action request against the snapshot.
//
// Resolution is two-tier: a target-scope verdict (is the agent on the
// target's allowlist, or on its reserved deny list) and an agent-scope
// verdict (the agent's own allow/deny lists for the target), combined
// by fixed precedence: an explicit deny at either scope wins outright;
// otherwise an allow requires at least one explicit allow; absent
// both, the default is deny. A second, conjunctive check then requires
// the resolved role capability for the action; a scope allow never
// overrides a capability of false.
//
// Unknown agents, unknown targets, and unrecognized actions resolve to
// Deny with a distinct trace entry, never to an error.
func Evaluate(snap *policy.Snapshot, agent model.AgentID, target model.TargetID, action model.Command) Decision {
	if !model.KnownCommand(string(action)) {
		return deny("action.undefined")
	}
	if !snap.KnownAgent(agent) {
		return deny("agent.unknown")
	}
	if !snap.KnownTarget(target) {
		return deny("target.unknown")
	}

	tAllow, tDeny := snap.TargetAllows(target, agent)
	aAllow, aDeny := snap.AgentAllows(agent, target)

	tv := combine(tAllow, tDeny)
	av := combine(aAllow, aDeny)

	trace := []string{
		fmt.Sprintf("target.scope.%s", tv),
		fmt.Sprintf("agent.scope.%s", av),
	}

	// Explicit deny at either scope wins outright.
	if tv == explicitDeny || av == explicitDeny {
		return Decision{Outcome: Deny, Trace: append(trace, "precedence.explicit-deny-wins")}
	}
	// An allow requires at least one explicit allow.
	if tv != explicitAllow && av != explicitAllow {
		return Decision{Outcome: Deny, Trace: append(trace, "precedence.default-deny")}
	}
	trace = append(trace, "precedence.explicit-allow")

	// Conjunctive role-capability check via the override chain.
	if cap := model.RequiredCapability(action); cap != model.CapNone {
		permitted, ok := snap.Capability(agent, cap)
		if !ok {
			return Decision{Outcome: Deny, Trace: append(trace, "role.unresolved")}
		}
		roleName, _ := snap.AgentRole(agent)
		trace = append(trace, fmt.Sprintf("role.%s.%s=%t", roleName, cap, permitted))
		if !permitted {
			return Decision{Outcome: Deny, Trace: trace}
		}
	}

	return Decision{Outcome: Allow, Trace: trace}
}

// Check is the dry-run variant used for introspection. Evaluation is
// identical; whether the result is logged is the caller's decision,
// and the router never logs bare dry-runs.
func Check(snap *policy.Snapshot, agent model.AgentID, target model.TargetID, action model.Command) Decision {
	return Evaluate(snap, agent, target, action)
}

func combine(allowed, denied bool) verdict {
	// Deny beats allow when both rules exist.
	if denied {
		return explicitDeny
	}
	if allowed {
		return explicitAllow
	}
	return implicitDeny
}

func deny(rule string) Decision {
	return Decision{Outcome: Deny, Trace: []string{rule}}
}
