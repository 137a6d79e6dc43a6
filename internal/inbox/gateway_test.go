package inbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/vmwarden/vmwarden/internal/audit"
	"github.com/vmwarden/vmwarden/internal/dispatch"
	"github.com/vmwarden/vmwarden/internal/model"
	"github.com/vmwarden/vmwarden/internal/policy"
	"github.com/vmwarden/vmwarden/internal/router"
	"github.com/vmwarden/vmwarden/internal/session"
)

const gatewayPolicy = `
roles:
  sandboxed:
    can_attach_terminal: true
    audited: true
agent:
  agent-a:
    role: sandboxed
    allow: [foo-vm]
vm:
  foo-vm:
    agents: [agent-a]
`

func newGateway(t *testing.T) (*Gateway, string, string) {
	t.Helper()
	dir := t.TempDir()

	policyPath := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(policyPath, []byte(gatewayPolicy), 0o644); err != nil {
		t.Fatal(err)
	}
	snap, err := policy.Load(policyPath)
	if err != nil {
		t.Fatal(err)
	}
	ledger, err := audit.Open(filepath.Join(dir, "ledger.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ledger.Close() })

	reg := session.NewRegistry(snap, session.Config{}, nil)
	r, err := router.New(router.Config{
		Snapshot: snap,
		Registry: reg,
		Ledger:   ledger,
		Handlers: map[model.Command]dispatch.Handler{
			model.CmdVMExec: func(ctx context.Context, env *model.Envelope) (map[string]any, error) {
				return map[string]any{"ran": true}, nil
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	in := filepath.Join(dir, "inbox")
	out := filepath.Join(dir, "outbox")
	gw, err := NewGateway(in, out, r)
	if err != nil {
		t.Fatal(err)
	}
	return gw, in, out
}

func TestProcessFile(t *testing.T) {
	gw, in, out := newGateway(t)

	drop := filepath.Join(in, "req-1.json")
	env := `{"src":"agent-a","dst":"foo-vm","type":"vm/exec","payload":{"command":"ls"}}`
	if err := os.WriteFile(drop, []byte(env), 0o644); err != nil {
		t.Fatal(err)
	}

	gw.ProcessFile(context.Background(), drop)

	if _, err := os.Stat(drop); !os.IsNotExist(err) {
		t.Error("processed inbox file not removed")
	}

	data, err := os.ReadFile(filepath.Join(out, "req-1.json"))
	if err != nil {
		t.Fatalf("no outbox answer: %v", err)
	}
	var resp struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Type != "vm/exec" || resp.Payload["ran"] != true {
		t.Errorf("answer %+v", resp)
	}
}

func TestProcessFileMalformed(t *testing.T) {
	gw, in, out := newGateway(t)

	drop := filepath.Join(in, "bad.json")
	if err := os.WriteFile(drop, []byte(`{not json`), 0o644); err != nil {
		t.Fatal(err)
	}

	gw.ProcessFile(context.Background(), drop)

	data, err := os.ReadFile(filepath.Join(out, "bad.json"))
	if err != nil {
		t.Fatalf("no outbox answer: %v", err)
	}
	var resp model.ErrorEnvelope
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Code != model.CodeBadRequest {
		t.Errorf("answer %+v", resp)
	}
}

func TestDrainProcessesExistingFiles(t *testing.T) {
	gw, in, out := newGateway(t)

	for _, name := range []string{"a.json", "b.json"} {
		env := `{"src":"agent-a","dst":"foo-vm","type":"vm/exec","payload":{"command":"ls"}}`
		if err := os.WriteFile(filepath.Join(in, name), []byte(env), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	// Hidden files and non-JSON are ignored.
	os.WriteFile(filepath.Join(in, ".hidden.json"), []byte(`x`), 0o644)
	os.WriteFile(filepath.Join(in, "notes.txt"), []byte(`x`), 0o644)

	if err := gw.drain(context.Background()); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("%d outbox answers, want 2", len(entries))
	}
}
