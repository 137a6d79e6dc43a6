// Package dispatch defines the collaborator contracts the core calls
// after an Allow decision, and the handler registry the router
// dispatches through. Provisioning mechanics, credential transport,
// and model inference live behind these interfaces; the core passes
// exactly the authorized action and nothing else.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/vmwarden/vmwarden/internal/model"
)

// Handler executes one authorized command and returns the response
// payload. Handlers may block for seconds; the router bounds them
// with a context deadline and treats cancellation as terminal.
type Handler func(ctx context.Context, env *model.Envelope) (map[string]any, error)

// Provisioner manages target lifecycle (VM or container). Implemented
// by virtualization backends outside the core.
type Provisioner interface {
	Create(ctx context.Context, target model.TargetID, spec map[string]any) (map[string]any, error)
	Destroy(ctx context.Context, target model.TargetID) error
	State(ctx context.Context, target model.TargetID) (map[string]any, error)
	Info(ctx context.Context, target model.TargetID) (map[string]any, error)
	Attach(ctx context.Context, target model.TargetID, session model.SessionID) (map[string]any, error)
	AttachTerminal(ctx context.Context, target model.TargetID, session model.SessionID) (map[string]any, error)
	Exec(ctx context.Context, target model.TargetID, command string) (map[string]any, error)
}

// Credential is an issued per-session access credential.
type Credential struct {
	ID        string    `json:"id"`
	PublicKey string    `json:"public_key"`
	Endpoint  string    `json:"endpoint,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CredentialIssuer issues and revokes session credentials. Invoked
// only after an Allow decision on the bind path.
type CredentialIssuer interface {
	Issue(ctx context.Context, session model.SessionID, agent model.AgentID, target model.TargetID) (Credential, error)
	Revoke(ctx context.Context, session model.SessionID) error
}

// ModelTransport relays payloads to and from a model backend.
type ModelTransport interface {
	Send(ctx context.Context, target model.TargetID, payload map[string]any) (map[string]any, error)
	Log(ctx context.Context, target model.TargetID, payload map[string]any) error
}

// Handlers builds the command-to-handler table from the collaborator
// implementations. Nil collaborators leave their commands unmapped;
// the router reports those as dispatch failures, not panics.
func Handlers(prov Provisioner, transport ModelTransport) map[model.Command]Handler {
	h := make(map[model.Command]Handler)

	if prov != nil {
		h[model.CmdVMCreate] = func(ctx context.Context, env *model.Envelope) (map[string]any, error) {
			return prov.Create(ctx, model.TargetID(env.Dst), env.Payload)
		}
		h[model.CmdVMDelete] = func(ctx context.Context, env *model.Envelope) (map[string]any, error) {
			if err := prov.Destroy(ctx, model.TargetID(env.Dst)); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": env.Dst}, nil
		}
		h[model.CmdVMState] = func(ctx context.Context, env *model.Envelope) (map[string]any, error) {
			return prov.State(ctx, model.TargetID(env.Dst))
		}
		h[model.CmdVMInfo] = func(ctx context.Context, env *model.Envelope) (map[string]any, error) {
			return prov.Info(ctx, model.TargetID(env.Dst))
		}
		h[model.CmdVMAttach] = func(ctx context.Context, env *model.Envelope) (map[string]any, error) {
			return prov.Attach(ctx, model.TargetID(env.Dst), sessionFromMeta(env))
		}
		h[model.CmdVMAttachTerminal] = func(ctx context.Context, env *model.Envelope) (map[string]any, error) {
			return prov.AttachTerminal(ctx, model.TargetID(env.Dst), sessionFromMeta(env))
		}
		h[model.CmdVMExec] = func(ctx context.Context, env *model.Envelope) (map[string]any, error) {
			cmd, _ := env.Payload["command"].(string)
			if cmd == "" {
				return nil, fmt.Errorf("vm/exec: missing command in payload")
			}
			return prov.Exec(ctx, model.TargetID(env.Dst), cmd)
		}
	}

	if transport != nil {
		h[model.CmdModelSend] = func(ctx context.Context, env *model.Envelope) (map[string]any, error) {
			return transport.Send(ctx, model.TargetID(env.Dst), env.Payload)
		}
		h[model.CmdModelLog] = func(ctx context.Context, env *model.Envelope) (map[string]any, error) {
			if err := transport.Log(ctx, model.TargetID(env.Dst), env.Payload); err != nil {
				return nil, err
			}
			return map[string]any{"logged": true}, nil
		}
	}

	return h
}

func sessionFromMeta(env *model.Envelope) model.SessionID {
	if env.Meta == nil {
		return ""
	}
	return model.SessionID(env.Meta.SessionID)
}
