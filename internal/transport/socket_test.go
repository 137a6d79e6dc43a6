package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vmwarden/vmwarden/internal/audit"
	"github.com/vmwarden/vmwarden/internal/dispatch"
	"github.com/vmwarden/vmwarden/internal/model"
	"github.com/vmwarden/vmwarden/internal/policy"
	"github.com/vmwarden/vmwarden/internal/router"
	"github.com/vmwarden/vmwarden/internal/session"
)

const socketPolicy = `
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

func startServer(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	policyPath := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(policyPath, []byte(socketPolicy), 0o644); err != nil {
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

	socketPath := filepath.Join(dir, "wd.sock")
	srv := NewServer(socketPath, r)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not shut down")
		}
	})

	// Wait for the socket to appear.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			return socketPath
		}
		if time.Now().After(deadline) {
			t.Fatal("socket never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func roundTrip(t *testing.T, conn net.Conn, rd *bufio.Scanner, line string) map[string]any {
	t.Helper()
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		t.Fatal(err)
	}
	if !rd.Scan() {
		t.Fatalf("no response: %v", rd.Err())
	}
	var resp map[string]any
	if err := json.Unmarshal(rd.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestServeRoundTrip(t *testing.T) {
	socketPath := startServer(t)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	rd := bufio.NewScanner(conn)

	// Authorized command.
	resp := roundTrip(t, conn, rd,
		`{"src":"agent-a","dst":"foo-vm","type":"vm/exec","payload":{"command":"ls"}}`)
	if resp["type"] != "vm/exec" {
		t.Errorf("response %+v", resp)
	}

	// Denied command on the same connection.
	resp = roundTrip(t, conn, rd,
		`{"src":"ghost","dst":"foo-vm","type":"vm/exec"}`)
	if resp["type"] != string(model.CmdError) || resp["code"] != float64(model.CodeForbidden) {
		t.Errorf("response %+v", resp)
	}

	// Undecodable line.
	resp = roundTrip(t, conn, rd, `{broken`)
	if resp["code"] != float64(model.CodeBadRequest) {
		t.Errorf("response %+v", resp)
	}
}

func TestServeConcurrentConnections(t *testing.T) {
	socketPath := startServer(t)

	const conns = 8
	errs := make(chan error, conns)
	for i := 0; i < conns; i++ {
		go func() {
			conn, err := net.Dial("unix", socketPath)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			rd := bufio.NewScanner(conn)
			if _, err := conn.Write([]byte(`{"src":"agent-a","dst":"foo-vm","type":"vm/exec","payload":{"command":"ls"}}` + "\n")); err != nil {
				errs <- err
				return
			}
			if !rd.Scan() {
				errs <- rd.Err()
				return
			}
			errs <- nil
		}()
	}
	for i := 0; i < conns; i++ {
		if err := <-errs; err != nil {
			t.Errorf("conn %d: %v", i, err)
		}
	}
}
