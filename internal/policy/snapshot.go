package policy

import "github.com/vmwarden/vmwarden/internal/model"

// Snapshot is the immutable aggregate of all policy records, produced
// once at startup. Accessors are pure lookups: no locking is needed
// because nothing mutates a Snapshot after construction. A reload
// builds a new Snapshot and atomically replaces the shared reference.
type Snapshot struct {
	hash      string
	roles     map[string]Role
	overrides map[model.AgentID]Override
	vms       map[model.TargetID]vmEntry
	agents    map[model.AgentID]agentEntry
}

type vmEntry struct {
	trusted bool
	allow   map[model.AgentID]bool
	deny    map[model.AgentID]bool
}

type agentEntry struct {
	role  string
	allow map[model.TargetID]bool
	deny  map[model.TargetID]bool
}

// Hash returns the SHA-256 of the policy file this snapshot was built
// from, or "" for snapshots assembled in tests.
func (s *Snapshot) Hash() string { return s.hash }

// Role looks up a role definition by name.
func (s *Snapshot) Role(name string) (Role, bool) {
	r, ok := s.roles[name]
	return r, ok
}

// AgentRole returns the role name assigned to an agent, from either the
// permissions or agent section.
func (s *Snapshot) AgentRole(id model.AgentID) (string, bool) {
	e, ok := s.agents[id]
	if !ok || e.role == "" {
		return "", false
	}
	return e.role, true
}

// KnownAgent reports whether the agent appears anywhere in policy.
func (s *Snapshot) KnownAgent(id model.AgentID) bool {
	_, ok := s.agents[id]
	return ok
}

// KnownTarget reports whether the target has a vm policy entry.
func (s *Snapshot) KnownTarget(id model.TargetID) bool {
	_, ok := s.vms[id]
	return ok
}

// TargetAllows reports the target-scope verdict components for an
// agent: presence in the allowlist (explicit allow) and presence in the
// reserved deny list (explicit deny). An absent or empty allowlist is
// an implicit deny for all agents.
func (s *Snapshot) TargetAllows(target model.TargetID, agent model.AgentID) (allowed, denied bool) {
	e, ok := s.vms[target]
	if !ok {
		return false, false
	}
	return e.allow[agent], e.deny[agent]
}

// TargetTrusted reports whether the target is marked trusted.
func (s *Snapshot) TargetTrusted(target model.TargetID) bool {
	return s.vms[target].trusted
}

// AgentAllows reports the agent-scope verdict components for a target:
// presence in the agent's allow list and deny list.
func (s *Snapshot) AgentAllows(agent model.AgentID, target model.TargetID) (allowed, denied bool) {
	e, ok := s.agents[agent]
	if !ok {
		return false, false
	}
	return e.allow[target], e.deny[target]
}

// Capability resolves a role capability for an agent through the
// override-then-role-default chain: an override field present wins,
// an absent field falls back to the role definition.
func (s *Snapshot) Capability(agent model.AgentID, cap model.Capability) (bool, bool) {
	roleName, ok := s.AgentRole(agent)
	if !ok {
		return false, false
	}
	role, ok := s.roles[roleName]
	if !ok {
		return false, false
	}

	ov := s.overrides[agent]
	switch cap {
	case model.CapCreate:
		if ov.CanCreate != nil {
			return *ov.CanCreate, true
		}
		return role.CanCreate, true
	case model.CapAttachTerminal:
		if ov.CanAttachTerminal != nil {
			return *ov.CanAttachTerminal, true
		}
		return role.CanAttachTerminal, true
	default:
		return true, true
	}
}

// Audited resolves whether the agent's actions require the
// audit-before-effect guarantee, through the same override chain.
func (s *Snapshot) Audited(agent model.AgentID) bool {
	roleName, ok := s.AgentRole(agent)
	if !ok {
		// Unknown agents never dispatch, but fail closed anyway.
		return true
	}
	role := s.roles[roleName]
	if ov := s.overrides[agent]; ov.Audited != nil {
		return *ov.Audited
	}
	return role.Audited
}
