package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/vmwarden/vmwarden/internal/audit"
	"github.com/vmwarden/vmwarden/internal/config"
	"github.com/vmwarden/vmwarden/internal/credential"
	"github.com/vmwarden/vmwarden/internal/dispatch"
	"github.com/vmwarden/vmwarden/internal/modelrelay"
	"github.com/vmwarden/vmwarden/internal/policy"
	"github.com/vmwarden/vmwarden/internal/router"
	"github.com/vmwarden/vmwarden/internal/session"
)

// core bundles the assembled runtime components shared by serve and
// the MCP surface.
type core struct {
	cfg    *config.Config
	snap   *policy.Snapshot
	ledger *audit.Ledger
	index  *audit.Index
	reg    *session.Registry
	router *router.Router
}

// buildCore loads config and policy, opens the ledger and index, and
// wires the router with its collaborators.
func buildCore(ctx context.Context, configPath string) (*core, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	snap, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		return nil, err
	}

	ledger, err := audit.Open(cfg.LedgerPath)
	if err != nil {
		return nil, err
	}

	// The SQLite index is a derived query surface; the JSONL chain
	// stays authoritative. Index failure degrades queries, not writes.
	var index *audit.Index
	if cfg.IndexPath != "" {
		index, err = audit.OpenIndex(cfg.IndexPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "vmwarden: audit index unavailable: %v\n", err)
		} else {
			ledger = ledger.WithIndex(index)
		}
	}

	issuer := credential.NewIssuer(cfg.CredentialEndpoint, credential.DefaultTTL)

	reg := session.NewRegistry(snap, session.Config{
		MaxPerAgent: cfg.MaxPerAgent,
		IdleTimeout: cfg.IdleTimeout,
		MaxLifetime: cfg.MaxLifetime,
	}, router.TerminationLogger(ledger, issuer, snap.Hash()))

	transport, err := buildModelTransport(ctx, cfg)
	if err != nil {
		ledger.Close()
		return nil, err
	}

	rt, err := router.New(router.Config{
		Snapshot:        snap,
		Registry:        reg,
		Ledger:          ledger,
		Handlers:        dispatch.Handlers(dispatch.NewLocalProvisioner(), transport),
		Issuer:          issuer,
		DispatchTimeout: cfg.DispatchTimeout,
	})
	if err != nil {
		ledger.Close()
		return nil, err
	}

	return &core{
		cfg:    cfg,
		snap:   snap,
		ledger: ledger,
		index:  index,
		reg:    reg,
		router: rt,
	}, nil
}

func buildModelTransport(ctx context.Context, cfg *config.Config) (dispatch.ModelTransport, error) {
	switch cfg.Model.Backend {
	case "":
		return nil, nil
	case "bedrock":
		return modelrelay.NewBedrock(ctx, modelrelay.BedrockConfig{
			Region:    cfg.Model.Region,
			ModelID:   cfg.Model.ModelID,
			AccessKey: cfg.Model.AccessKey,
			SecretKey: cfg.Model.SecretKey,
		})
	case "ollama":
		return modelrelay.NewOllama(modelrelay.OllamaConfig{
			BaseURL: cfg.Model.BaseURL,
			Model:   cfg.Model.ModelID,
		})
	default:
		return nil, fmt.Errorf("unknown model backend %q", cfg.Model.Backend)
	}
}

// loadRuntimeConfig resolves config from the default search path.
func loadRuntimeConfig() (*config.Config, error) {
	return config.Load("")
}

func (c *core) close() {
	if c.ledger != nil {
		c.ledger.Close()
	}
	if c.index != nil {
		c.index.Close()
	}
}
