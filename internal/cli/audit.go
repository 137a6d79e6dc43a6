package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vmwarden/vmwarden/internal/audit"
)

var (
	tailLines  int
	querySess  string
	queryAgent string
	querySince string
	queryUntil string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditQueryCmd)
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent events to show")
	auditQueryCmd.Flags().StringVar(&querySess, "session", "", "Filter by session id")
	auditQueryCmd.Flags().StringVar(&queryAgent, "agent", "", "Filter by agent id")
	auditQueryCmd.Flags().StringVar(&querySince, "since", "", "Events at or after this RFC3339 time")
	auditQueryCmd.Flags().StringVar(&queryUntil, "until", "", "Events before this RFC3339 time")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit ledger operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit ledger.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Verify hash chain integrity of a ledger",
	Long: "Walks the JSONL ledger, recomputes every event hash, and validates\n" +
		"prev_hash linkage and sequence contiguity. Exits 0 if valid, 1 if the\n" +
		"chain is broken.",
	Args: cobra.ExactArgs(1),
	RunE: runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail <path>",
	Short: "Show recent ledger events",
	Long:  "Reads the last N events from the JSONL ledger and pretty-prints them.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditTail,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query <path>",
	Short: "Query ledger events by session, agent, or time range",
	Long:  "Scans the JSONL ledger and prints events matching the given filters\nin chain order, one JSON object per line.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditQuery,
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	result := audit.Verify(args[0])
	if result.Valid {
		fmt.Printf("OK: %d events verified\n", result.Events)
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at seq %d: %s\n", result.BrokenSeq, result.Error)
	os.Exit(1)
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}

	start := len(lines) - tailLines
	if start < 0 {
		start = 0
	}

	for _, line := range lines[start:] {
		var event map[string]any
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			fmt.Println(line)
			continue
		}
		out, _ := json.MarshalIndent(event, "", "  ")
		fmt.Println(string(out))
	}

	return nil
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	filter := audit.Filter{
		SessionID: querySess,
		AgentID:   queryAgent,
	}
	if querySince != "" {
		t, err := time.Parse(time.RFC3339, querySince)
		if err != nil {
			return fmt.Errorf("parse --since: %w", err)
		}
		filter.Since = t
	}
	if queryUntil != "" {
		t, err := time.Parse(time.RFC3339, queryUntil)
		if err != nil {
			return fmt.Errorf("parse --until: %w", err)
		}
		filter.Until = t
	}

	it, err := audit.Query(args[0], filter)
	if err != nil {
		return err
	}
	defer it.Close()

	enc := json.NewEncoder(os.Stdout)
	for it.Next() {
		ev := it.Event()
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return it.Err()
}
