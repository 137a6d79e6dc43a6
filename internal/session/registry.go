// Package session tracks live agent-target bindings. Mutations are
// serialized per agent so concurrent bind attempts cannot race past
// the per-agent session cap; lookups proceed concurrently.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vmwarden/vmwarden/internal/model"
	"github.com/vmwarden/vmwarden/internal/policy"
)

// Defaults applied when Config fields are zero.
const (
	DefaultMaxPerAgent = 10
	DefaultIdleTimeout = 30 * time.Minute
	DefaultMaxLifetime = 12 * time.Hour
	sweepInterval      = 30 * time.Second
)

var (
	// ErrNotFound is returned by Lookup for unknown or terminated sessions.
	ErrNotFound = errors.New("session not found")
	// ErrTooManySessions is returned when an agent is at its concurrent cap.
	ErrTooManySessions = errors.New("too many concurrent sessions")
	// ErrRoleMismatch is returned when the agent has no resolvable role.
	ErrRoleMismatch = errors.New("agent has no role in policy")
)

// Terminator receives the termination event for every session that
// ends, whatever the path (manual, expiry, shutdown). The registry
// guarantees exactly one call per session.
type Terminator func(s *Session, reason TerminateReason)

// Config holds registry limits.
type Config struct {
	MaxPerAgent int
	IdleTimeout time.Duration
	MaxLifetime time.Duration
}

// Registry tracks live sessions against a fixed policy snapshot.
type Registry struct {
	snap       *policy.Snapshot
	cfg        Config
	onTerm     Terminator
	now        func() time.Time
	mu         sync.RWMutex
	sessions   map[model.SessionID]*Session
	agentLocks map[model.AgentID]*sync.Mutex
}

// NewRegistry creates a registry bound to a policy snapshot.
func NewRegistry(snap *policy.Snapshot, cfg Config, onTerm Terminator) *Registry {
	if cfg.MaxPerAgent <= 0 {
		cfg.MaxPerAgent = DefaultMaxPerAgent
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = DefaultMaxLifetime
	}
	if onTerm == nil {
		onTerm = func(*Session, TerminateReason) {}
	}
	return &Registry{
		snap:       snap,
		cfg:        cfg,
		onTerm:     onTerm,
		now:        time.Now,
		sessions:   make(map[model.SessionID]*Session),
		agentLocks: make(map[model.AgentID]*sync.Mutex),
	}
}

// WithClock overrides the clock for testing.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Bind resolves the agent's role once from the policy snapshot and
// atomically creates a session with that role frozen in. Concurrent
// binds for the same agent are serialized so the per-agent cap is
// enforced exactly.
func (r *Registry) Bind(agent model.AgentID, target model.TargetID) (*Session, error) {
	roleName, ok := r.snap.AgentRole(agent)
	if !ok {
		return nil, fmt.Errorf("bind %s: %w", agent, ErrRoleMismatch)
	}
	if _, ok := r.snap.Role(roleName); !ok {
		return nil, fmt.Errorf("bind %s: %w", agent, ErrRoleMismatch)
	}

	lock := r.agentLock(agent)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, s := range r.sessions {
		if s.AgentID == agent {
			count++
		}
	}
	if count >= r.cfg.MaxPerAgent {
		return nil, fmt.Errorf("bind %s: %w (limit %d)", agent, ErrTooManySessions, r.cfg.MaxPerAgent)
	}

	now := r.now().UTC()
	s := &Session{
		ID:           newSessionID(),
		AgentID:      agent,
		TargetID:     target,
		RoleAtBind:   roleName,
		Audited:      r.snap.Audited(agent),
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(r.cfg.MaxLifetime),
	}
	r.sessions[s.ID] = s
	return s.clone(), nil
}

// Lookup returns a copy of the session, or ErrNotFound.
func (r *Registry) Lookup(id model.SessionID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.clone(), nil
}

// Touch updates session liveness. Used by the heartbeat path.
func (r *Registry) Touch(id model.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastActiveAt = r.now().UTC()
	return nil
}

// Terminate removes the session and reports it to the Terminator.
// Idempotent: terminating an already-terminated id does nothing, so
// the termination event is never logged twice.
func (r *Registry) Terminate(id model.SessionID, reason TerminateReason) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok {
		r.onTerm(s, reason)
	}
}

// Active returns copies of all live sessions, for introspection.
func (r *Registry) Active() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.clone())
	}
	return out
}

// Sweep terminates sessions past their idle or absolute deadline.
// Expiry takes the same termination path as manual terminate, with
// reason expired. Returns the number of sessions terminated.
func (r *Registry) Sweep() int {
	now := r.now().UTC()

	r.mu.RLock()
	var expired []model.SessionID
	for id, s := range r.sessions {
		if now.After(s.ExpiresAt) || now.Sub(s.LastActiveAt) > r.cfg.IdleTimeout {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		r.Terminate(id, ReasonExpired)
	}
	return len(expired)
}

// Run performs periodic sweeps until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) agentLock(agent model.AgentID) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.agentLocks[agent]
	if !ok {
		l = &sync.Mutex{}
		r.agentLocks[agent] = l
	}
	return l
}

func (s *Session) clone() *Session {
	c := *s
	return &c
}
