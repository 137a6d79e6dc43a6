package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vmwarden/vmwarden/internal/authz"
	"github.com/vmwarden/vmwarden/internal/model"
	"github.com/vmwarden/vmwarden/internal/policy"
)

var (
	checkPolicy string
	checkFormat string
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&checkPolicy, "policy", "", "Path to policy YAML")
	checkCmd.Flags().StringVarP(&checkFormat, "format", "f", "text", "Output format (text|json)")
}

var checkCmd = &cobra.Command{
	Use:   "check <agent> <target> <action>",
	Short: "Dry-run a policy decision",
	Long: "Evaluates whether <agent> may perform <action> on <target> under the\n" +
		"given policy, printing the decision and its rule trace. Nothing is\n" +
		"dispatched and nothing is appended to the ledger.\n\n" +
		"Exit code 0 if allowed, 1 if denied.",
	Args: cobra.ExactArgs(3),
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	agent, err := model.ParseAgentID(args[0])
	if err != nil {
		return err
	}
	target, err := model.ParseTargetID(args[1])
	if err != nil {
		return err
	}

	path := checkPolicy
	if path == "" {
		cfg, err := loadRuntimeConfig()
		if err != nil {
			return err
		}
		path = cfg.PolicyPath
	}
	snap, err := policy.Load(path)
	if err != nil {
		return err
	}

	decision := authz.Check(snap, agent, target, model.Command(args[2]))

	switch checkFormat {
	case "json":
		out, _ := json.MarshalIndent(map[string]any{
			"decision": string(decision.Outcome),
			"trace":    decision.Trace,
		}, "", "  ")
		fmt.Println(string(out))
	default:
		fmt.Printf("%s\n", decision.Outcome)
		for _, rule := range decision.Trace {
			fmt.Printf("  %s\n", rule)
		}
	}

	if !decision.Allowed() {
		os.Exit(1)
	}
	return nil
}
