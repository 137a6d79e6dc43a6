package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vmwarden/vmwarden/internal/model"
)

// Role is a named capability bundle. Roles are fixed at load time.
type Role struct {
	CanCreate         bool `yaml:"can_create"`
	CanAttachTerminal bool `yaml:"can_attach_terminal"`
	Audited           bool `yaml:"audited"`
}

// Override holds per-agent capability overrides. Each field is either
// absent (inherit the role default) or an explicit boolean; there is no
// third state.
type Override struct {
	CanCreate         *bool `yaml:"can_create"`
	CanAttachTerminal *bool `yaml:"can_attach_terminal"`
	Audited           *bool `yaml:"audited"`
}

// Permission assigns a role and optional overrides to an agent.
type Permission struct {
	Role     string    `yaml:"role"`
	Override *Override `yaml:"override"`
}

// VMPolicy is the per-target policy: the allowlist of agents the target
// may interact with, and the reserved explicit-deny list.
type VMPolicy struct {
	Trusted    bool     `yaml:"trusted"`
	Agents     []string `yaml:"agents"`
	DenyAgents []string `yaml:"deny_agents"`
}

// AgentPolicy is the per-agent policy: role plus target allow/deny lists.
type AgentPolicy struct {
	Role  string   `yaml:"role"`
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// file mirrors the on-disk YAML layout.
type file struct {
	Roles       map[string]Role        `yaml:"roles"`
	Permissions map[string]Permission  `yaml:"permissions"`
	VMs         map[string]VMPolicy    `yaml:"vm"`
	Agents      map[string]AgentPolicy `yaml:"agent"`
}

// LoadErrorKind classifies policy load failures.
type LoadErrorKind string

const (
	LoadErrParse  LoadErrorKind = "parse"
	LoadErrSchema LoadErrorKind = "schema_violation"
	LoadErrIO     LoadErrorKind = "io"
)

// LoadError is fatal at startup: no partial policy ever activates.
type LoadError struct {
	Kind LoadErrorKind
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("policy load (%s): %v", e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Load reads and validates a policy file, producing an immutable
// snapshot. There is no live reload: changing policy requires a
// restart, which eliminates read-during-mutation races in evaluation.
func Load(path string) (*Snapshot, error) {
	snap, _, err := LoadWithHash(path)
	return snap, err
}

// LoadWithHash loads a policy file and returns the SHA-256 of the raw
// bytes on disk, for audit attribution of which policy was active.
func LoadWithHash(path string) (*Snapshot, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", &LoadError{Kind: LoadErrIO, Err: err}
	}

	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, "", &LoadError{Kind: LoadErrParse, Err: err}
	}

	snap, err := build(&f)
	if err != nil {
		return nil, "", err
	}
	snap.hash = hash
	return snap, hash, nil
}

// build validates the parsed file and assembles a Snapshot.
//
// Validation rejects unknown role references, conflicting role
// assignments for the same agent across sections, and malformed
// identifiers. It does not require that agents or VMs referenced in
// overrides exist elsewhere: overrides may pre-provision identities
// not yet seen.
func build(f *file) (*Snapshot, error) {
	if len(f.Roles) == 0 {
		return nil, schemaErr("no roles defined")
	}

	snap := &Snapshot{
		roles:     make(map[string]Role, len(f.Roles)),
		overrides: make(map[model.AgentID]Override),
		vms:       make(map[model.TargetID]vmEntry),
		agents:    make(map[model.AgentID]agentEntry),
	}

	for name, role := range f.Roles {
		if name == "" {
			return nil, schemaErr("empty role name")
		}
		snap.roles[name] = role
	}

	for raw, perm := range f.Permissions {
		id, err := model.ParseAgentID(raw)
		if err != nil {
			return nil, schemaErr("permissions: %v", err)
		}
		if _, ok := snap.roles[perm.Role]; !ok {
			return nil, schemaErr("permissions.%s references unknown role %q", raw, perm.Role)
		}
		entry := snap.agents[id]
		entry.role = perm.Role
		snap.agents[id] = entry
		if perm.Override != nil {
			snap.overrides[id] = *perm.Override
		}
	}

	for raw, vp := range f.VMs {
		id, err := model.ParseTargetID(raw)
		if err != nil {
			return nil, schemaErr("vm: %v", err)
		}
		entry := vmEntry{
			trusted: vp.Trusted,
			allow:   make(map[model.AgentID]bool, len(vp.Agents)),
			deny:    make(map[model.AgentID]bool, len(vp.DenyAgents)),
		}
		for _, a := range vp.Agents {
			aid, err := model.ParseAgentID(a)
			if err != nil {
				return nil, schemaErr("vm.%s.agents: %v", raw, err)
			}
			entry.allow[aid] = true
		}
		for _, a := range vp.DenyAgents {
			aid, err := model.ParseAgentID(a)
			if err != nil {
				return nil, schemaErr("vm.%s.deny_agents: %v", raw, err)
			}
			entry.deny[aid] = true
		}
		snap.vms[id] = entry
	}

	for raw, ap := range f.Agents {
		id, err := model.ParseAgentID(raw)
		if err != nil {
			return nil, schemaErr("agent: %v", err)
		}
		if _, ok := snap.roles[ap.Role]; !ok {
			return nil, schemaErr("agent.%s references unknown role %q", raw, ap.Role)
		}
		entry := snap.agents[id]
		if entry.role != "" && entry.role != ap.Role {
			return nil, schemaErr("agent %s assigned conflicting roles %q and %q", raw, entry.role, ap.Role)
		}
		entry.role = ap.Role
		entry.allow = make(map[model.TargetID]bool, len(ap.Allow))
		entry.deny = make(map[model.TargetID]bool, len(ap.Deny))
		for _, t := range ap.Allow {
			tid, err := model.ParseTargetID(t)
			if err != nil {
				return nil, schemaErr("agent.%s.allow: %v", raw, err)
			}
			entry.allow[tid] = true
		}
		for _, t := range ap.Deny {
			tid, err := model.ParseTargetID(t)
			if err != nil {
				return nil, schemaErr("agent.%s.deny: %v", raw, err)
			}
			entry.deny[tid] = true
		}
		snap.agents[id] = entry
	}

	return snap, nil
}

func schemaErr(format string, args ...any) *LoadError {
	return &LoadError{Kind: LoadErrSchema, Err: fmt.Errorf(format, args...)}
}

// DefaultYAML returns a commented starter policy for init-policy.
func DefaultYAML() string {
	return `# vmwarden policy configuration
# Generated by: vmwarden init-policy
#
# Policy is an immutable, restart-scoped snapshot: edits take effect
# only after the process holding it restarts.

# Named capability bundles. An agent's role is frozen into each session
# at bind time.
roles:
  trusted:
    can_create: true
    can_attach_terminal: true
    audited: false
  sandboxed:
    can_create: false
    can_attach_terminal: true
    audited: true
  observer:
    can_create: false
    can_attach_terminal: false
    audited: true

# Per-agent role assignment with optional capability overrides.
# An absent override field inherits the role default.
permissions:
  agent-a:
    role: sandboxed
    override:
      can_create: true

# Per-target policy. agents is the allowlist; an agent absent from it
# is an implicit deny at target scope. deny_agents is the reserved
# explicit-deny list and beats any allow.
vm:
  foo-vm:
    trusted: false
    agents: [agent-a]

# Per-agent target allow/deny lists. An explicit deny here beats any
# allow at either scope.
agent:
  agent-a:
    role: sandboxed
    allow: [foo-vm]
    deny: []
`
}
