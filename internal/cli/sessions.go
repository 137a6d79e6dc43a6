package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vmwarden/vmwarden/internal/audit"
)

var sessionsLedger string

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.Flags().StringVar(&sessionsLedger, "ledger", "", "Path to the audit ledger")
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions recorded in the ledger",
	Long: "Replays the audit ledger and lists sessions that were bound and not\n" +
		"yet terminated, with the agent, target, and bind time of each. For\n" +
		"the live registry view use the vmwarden_sessions MCP tool.",
	RunE: runSessions,
}

type sessionRow struct {
	SessionID string `json:"session_id"`
	Agent     string `json:"agent"`
	Target    string `json:"target"`
	BoundAt   string `json:"bound_at"`
}

func runSessions(cmd *cobra.Command, args []string) error {
	path := sessionsLedger
	if path == "" {
		cfg, err := loadRuntimeConfig()
		if err != nil {
			return err
		}
		path = cfg.LedgerPath
	}

	it, err := audit.Query(path, audit.Filter{})
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer it.Close()

	open := make(map[string]sessionRow)
	var order []string
	for it.Next() {
		ev := it.Event()
		switch ev.EventType {
		case audit.EventBind:
			if ev.Outcome != audit.OutcomeCompleted || ev.SessionID == "" {
				continue
			}
			if _, seen := open[ev.SessionID]; !seen {
				order = append(order, ev.SessionID)
			}
			open[ev.SessionID] = sessionRow{
				SessionID: ev.SessionID,
				Agent:     ev.AgentID,
				Target:    ev.TargetID,
				BoundAt:   ev.Timestamp,
			}
		case audit.EventTerminated:
			delete(open, ev.SessionID)
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}

	rows := make([]sessionRow, 0, len(open))
	for _, id := range order {
		if row, ok := open[id]; ok {
			rows = append(rows, row)
		}
	}

	out, _ := json.MarshalIndent(rows, "", "  ")
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}
