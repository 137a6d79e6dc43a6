package credential

import (
	"context"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestIssue(t *testing.T) {
	iss := NewIssuer("vm-host:22", time.Hour)

	cred, err := iss.Issue(context.Background(), "sess-1", "agent-a", "foo-vm")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if !strings.HasPrefix(cred.ID, "cred-SHA256:") {
		t.Errorf("credential id %q", cred.ID)
	}
	if cred.Endpoint != "vm-host:22" {
		t.Errorf("endpoint %q", cred.Endpoint)
	}
	if !strings.HasSuffix(cred.PublicKey, " agent-a@foo-vm") {
		t.Errorf("public key comment missing: %q", cred.PublicKey)
	}

	// The authorized_keys line must parse back.
	pub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(cred.PublicKey))
	if err != nil {
		t.Fatalf("public key does not parse: %v", err)
	}
	if pub.Type() != ssh.KeyAlgoED25519 {
		t.Errorf("key type %s", pub.Type())
	}
	if comment != "agent-a@foo-vm" {
		t.Errorf("comment %q", comment)
	}

	pem, ok := iss.PrivateKeyPEM("sess-1")
	if !ok {
		t.Fatal("no private key for live credential")
	}
	if _, err := ssh.ParsePrivateKey([]byte(pem)); err != nil {
		t.Errorf("private key does not parse: %v", err)
	}
}

func TestIssueDistinctKeys(t *testing.T) {
	iss := NewIssuer("", 0)

	a, err := iss.Issue(context.Background(), "sess-1", "agent-a", "foo-vm")
	if err != nil {
		t.Fatal(err)
	}
	b, err := iss.Issue(context.Background(), "sess-2", "agent-a", "foo-vm")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID || a.PublicKey == b.PublicKey {
		t.Error("two sessions got the same key")
	}
}

func TestRevoke(t *testing.T) {
	iss := NewIssuer("", time.Hour)

	if _, err := iss.Issue(context.Background(), "sess-1", "agent-a", "foo-vm"); err != nil {
		t.Fatal(err)
	}
	if err := iss.Revoke(context.Background(), "sess-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := iss.PrivateKeyPEM("sess-1"); ok {
		t.Error("revoked credential still retrievable")
	}
	// Revoking again is a no-op.
	if err := iss.Revoke(context.Background(), "sess-1"); err != nil {
		t.Errorf("second revoke: %v", err)
	}
}

func TestExpiry(t *testing.T) {
	iss := NewIssuer("", time.Hour)
	current := time.Now().UTC()
	iss.now = func() time.Time { return current }

	if _, err := iss.Issue(context.Background(), "sess-1", "agent-a", "foo-vm"); err != nil {
		t.Fatal(err)
	}
	current = current.Add(2 * time.Hour)
	if _, ok := iss.PrivateKeyPEM("sess-1"); ok {
		t.Error("expired credential still retrievable")
	}
}
