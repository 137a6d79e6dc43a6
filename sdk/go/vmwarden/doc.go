// Package vmwarden provides a Go client for the vmwarden daemon. It
// speaks the JSON envelope protocol over the daemon's Unix socket and
// offers an in-process policy check that evaluates the same decision
// logic without touching the daemon or the audit ledger.
//
// Usage:
//
//	c, err := vmwarden.New(vmwarden.WithSocket("/run/vmwarden.sock"))
//	resp, err := c.Request(ctx, "agent-1", "vm-dev", "vm/exec",
//	    map[string]any{"command": "uname -a"})
//
// The SDK links directly against internal packages for zero-subprocess
// overhead. External users import github.com/vmwarden/vmwarden/sdk/go/vmwarden.
package vmwarden
