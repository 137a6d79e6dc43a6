package vmwarden

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vmwarden/vmwarden/internal/audit"
	"github.com/vmwarden/vmwarden/internal/model"
	"github.com/vmwarden/vmwarden/internal/policy"
	"github.com/vmwarden/vmwarden/internal/router"
	"github.com/vmwarden/vmwarden/internal/session"
	"github.com/vmwarden/vmwarden/internal/transport"
)

const sdkPolicy = `
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

func writeSDKPolicy(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(sdkPolicy), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCheckInProcess(t *testing.T) {
	path := writeSDKPolicy(t)

	allowed, trace, err := Check(path, "agent-a", "foo-vm", "vm/exec")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !allowed || len(trace) == 0 {
		t.Errorf("Check() = %v %v", allowed, trace)
	}

	allowed, _, err = Check(path, "ghost", "foo-vm", "vm/exec")
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Error("unknown agent allowed")
	}

	if _, _, err := Check(path, "bad agent", "foo-vm", "vm/exec"); err == nil {
		t.Error("malformed agent id accepted")
	}
}

func TestClientAgainstDaemon(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(policyPath, []byte(sdkPolicy), 0o644); err != nil {
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
	rt, err := router.New(router.Config{Snapshot: snap, Registry: reg, Ledger: ledger})
	if err != nil {
		t.Fatal(err)
	}

	socketPath := filepath.Join(dir, "wd.sock")
	srv := transport.NewServer(socketPath, rt)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitForSocket(t, socketPath)

	c, err := New(WithSocket(socketPath), WithSource("sdk-test"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	// Bind and heartbeat through the daemon.
	sessID, resp, err := c.Authorize(ctx, "agent-a", "foo-vm")
	if err != nil {
		t.Fatalf("Authorize() error = %v (%+v)", err, resp)
	}
	if err := c.Heartbeat(ctx, "agent-a", sessID); err != nil {
		t.Errorf("Heartbeat() error = %v", err)
	}

	// A denied request surfaces as a typed error envelope.
	resp, err = c.Request(ctx, "ghost", "foo-vm", string(model.CmdVMExec), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Err() == nil || resp.Code != model.CodeForbidden {
		t.Errorf("response %+v", resp)
	}
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("socket never appeared")
}
