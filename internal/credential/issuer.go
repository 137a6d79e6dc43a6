// Package credential issues ephemeral per-session SSH keypairs. The
// issuer runs only after an Allow decision; key material never enters
// the authorization path or the audit ledger.
package credential

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/vmwarden/vmwarden/internal/dispatch"
	"github.com/vmwarden/vmwarden/internal/model"
)

// DefaultTTL is the credential lifetime when none is configured.
const DefaultTTL = 1 * time.Hour

// issued holds one live credential's private half, kept in memory
// only; revocation drops it.
type issued struct {
	cred       dispatch.Credential
	privatePEM string
}

// Issuer generates ed25519 SSH keypairs per session.
type Issuer struct {
	endpoint string
	ttl      time.Duration
	mu       sync.Mutex
	live     map[model.SessionID]issued
	now      func() time.Time
}

// NewIssuer creates an issuer. endpoint is the advertised SSH
// endpoint for issued credentials (may be empty).
func NewIssuer(endpoint string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{
		endpoint: endpoint,
		ttl:      ttl,
		live:     make(map[model.SessionID]issued),
		now:      time.Now,
	}
}

// Issue generates a fresh keypair bound to the session. Re-issuing
// for the same session replaces the previous credential.
func (i *Issuer) Issue(ctx context.Context, session model.SessionID, agent model.AgentID, target model.TargetID) (dispatch.Credential, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return dispatch.Credential{}, fmt.Errorf("credential: generate key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return dispatch.Credential{}, fmt.Errorf("credential: encode public key: %w", err)
	}
	comment := fmt.Sprintf("%s@%s", agent, target)
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " " + comment

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return dispatch.Credential{}, fmt.Errorf("credential: encode private key: %w", err)
	}

	cred := dispatch.Credential{
		ID:        "cred-" + ssh.FingerprintSHA256(sshPub),
		PublicKey: authorized,
		Endpoint:  i.endpoint,
		ExpiresAt: i.now().UTC().Add(i.ttl),
	}

	i.mu.Lock()
	i.live[session] = issued{cred: cred, privatePEM: string(pem.EncodeToMemory(block))}
	i.mu.Unlock()

	return cred, nil
}

// Revoke drops the credential for a session. Idempotent.
func (i *Issuer) Revoke(ctx context.Context, session model.SessionID) error {
	i.mu.Lock()
	delete(i.live, session)
	i.mu.Unlock()
	return nil
}

// PrivateKeyPEM returns the private half for a live credential, for
// handoff to the terminal collaborator. Second return is false after
// revocation or expiry.
func (i *Issuer) PrivateKeyPEM(session model.SessionID) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	rec, ok := i.live[session]
	if !ok || i.now().UTC().After(rec.cred.ExpiresAt) {
		return "", false
	}
	return rec.privatePEM, true
}
