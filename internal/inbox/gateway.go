package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vmwarden/vmwarden/internal/model"
	"github.com/vmwarden/vmwarden/internal/router"
)

// Gateway processes dropped envelope files: decode, route, answer.
// Each inbox file <name>.json produces an outbox file <name>.json
// holding the response envelope; the inbox file is removed once the
// answer is durably written.
type Gateway struct {
	inbox  string
	outbox string
	router *router.Router
}

// NewGateway builds a gateway over the given directories. Both are
// created if missing.
func NewGateway(inbox, outbox string, r *router.Router) (*Gateway, error) {
	for _, dir := range []string{inbox, outbox} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("inbox: create %s: %w", dir, err)
		}
	}
	return &Gateway{inbox: inbox, outbox: outbox, router: r}, nil
}

// Run drains files already present, then watches for new drops until
// ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.drain(ctx); err != nil {
		return err
	}
	w := NewWatcher(g.inbox, func(path string) {
		g.ProcessFile(ctx, path)
	})
	return w.Run(ctx)
}

// drain processes envelope files that were dropped before startup.
func (g *Gateway) drain(ctx context.Context) error {
	entries, err := os.ReadDir(g.inbox)
	if err != nil {
		return fmt.Errorf("inbox: read dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isEnvelopeFile(e.Name()) {
			continue
		}
		g.ProcessFile(ctx, filepath.Join(g.inbox, e.Name()))
	}
	return nil
}

// ProcessFile routes one dropped envelope file and writes the answer.
func (g *Gateway) ProcessFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inbox: read %s: %v\n", path, err)
		return
	}

	var resp any
	env, err := model.DecodeEnvelope(data)
	if err != nil {
		resp = model.NewErrorEnvelope(model.CodeBadRequest, err.Error())
	} else {
		resp = g.router.Handle(ctx, env)
	}

	if err := g.writeResponse(filepath.Base(path), resp); err != nil {
		fmt.Fprintf(os.Stderr, "inbox: answer %s: %v\n", path, err)
		return
	}
	if err := os.Remove(path); err != nil {
		fmt.Fprintf(os.Stderr, "inbox: remove %s: %v\n", path, err)
	}
}

// writeResponse writes the response atomically: temp file in the
// outbox, fsync, rename. A reader never observes a partial answer.
func (g *Gateway) writeResponse(name string, resp any) error {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	final := filepath.Join(g.outbox, name)
	tmp, err := os.CreateTemp(g.outbox, "."+strings.TrimSuffix(name, ".json")+".*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	return os.Rename(tmp.Name(), final)
}
