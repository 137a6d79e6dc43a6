package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vmwarden/vmwarden/internal/model"
)

// TargetState is the lifecycle state of a locally tracked target.
type TargetState string

const (
	StateCreating TargetState = "creating"
	StateRunning  TargetState = "running"
	StateStopped  TargetState = "stopped"
)

type localTarget struct {
	state     TargetState
	spec      map[string]any
	createdAt time.Time
	attached  []model.SessionID
}

// LocalProvisioner tracks target lifecycle in process memory. It backs
// development deployments and tests; production deployments substitute
// a real virtualization backend behind the same interface.
type LocalProvisioner struct {
	mu      sync.Mutex
	targets map[model.TargetID]*localTarget
	now     func() time.Time
}

// NewLocalProvisioner builds an empty in-memory provisioner.
func NewLocalProvisioner() *LocalProvisioner {
	return &LocalProvisioner{
		targets: make(map[model.TargetID]*localTarget),
		now:     time.Now,
	}
}

// Create registers a new target. Creating an existing target fails.
func (p *LocalProvisioner) Create(ctx context.Context, target model.TargetID, spec map[string]any) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.targets[target]; ok {
		return nil, fmt.Errorf("dispatch: target %s already exists", target)
	}
	p.targets[target] = &localTarget{
		state:     StateRunning,
		spec:      spec,
		createdAt: p.now().UTC(),
	}
	return map[string]any{"target": string(target), "state": string(StateRunning)}, nil
}

// Destroy removes a target. Destroying an unknown target fails.
func (p *LocalProvisioner) Destroy(ctx context.Context, target model.TargetID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.targets[target]; !ok {
		return fmt.Errorf("dispatch: unknown target %s", target)
	}
	delete(p.targets, target)
	return nil
}

// State reports the target's lifecycle state.
func (p *LocalProvisioner) State(ctx context.Context, target model.TargetID) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.targets[target]
	if !ok {
		return nil, fmt.Errorf("dispatch: unknown target %s", target)
	}
	return map[string]any{"target": string(target), "state": string(t.state)}, nil
}

// Info reports state plus creation time and attachment count.
func (p *LocalProvisioner) Info(ctx context.Context, target model.TargetID) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.targets[target]
	if !ok {
		return nil, fmt.Errorf("dispatch: unknown target %s", target)
	}
	return map[string]any{
		"target":      string(target),
		"state":       string(t.state),
		"created_at":  t.createdAt.Format(time.RFC3339),
		"attachments": len(t.attached),
	}, nil
}

// Attach records a session attachment to a running target.
func (p *LocalProvisioner) Attach(ctx context.Context, target model.TargetID, session model.SessionID) (map[string]any, error) {
	return p.attach(target, session, "console")
}

// AttachTerminal records an interactive terminal attachment.
func (p *LocalProvisioner) AttachTerminal(ctx context.Context, target model.TargetID, session model.SessionID) (map[string]any, error) {
	return p.attach(target, session, "terminal")
}

func (p *LocalProvisioner) attach(target model.TargetID, session model.SessionID, kind string) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.targets[target]
	if !ok {
		return nil, fmt.Errorf("dispatch: unknown target %s", target)
	}
	if t.state != StateRunning {
		return nil, fmt.Errorf("dispatch: target %s is %s, not running", target, t.state)
	}
	t.attached = append(t.attached, session)
	return map[string]any{"target": string(target), "kind": kind, "session": string(session)}, nil
}

// Exec acknowledges a command against a running target. The local
// backend does not execute anything; it records the request shape so
// the dispatch path is exercised end to end.
func (p *LocalProvisioner) Exec(ctx context.Context, target model.TargetID, command string) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.targets[target]
	if !ok {
		return nil, fmt.Errorf("dispatch: unknown target %s", target)
	}
	if t.state != StateRunning {
		return nil, fmt.Errorf("dispatch: target %s is %s, not running", target, t.state)
	}
	return map[string]any{"target": string(target), "command": command, "accepted": true}, nil
}
