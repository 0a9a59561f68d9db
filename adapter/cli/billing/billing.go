package billing

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Cmd is the billing command group.
var Cmd = &cobra.Command{
	Use:   "billing",
	Short: "Operate on subscriptions and the billing ledger",
	Long: `Run the lifecycle scan, inspect subscriptions, their billing history
and logs, list plans, apply the free plan fallback and audit a
subscription's status against its log trail.`,
}

var asJSON bool

func init() {
	Cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "output as JSON")

	Cmd.AddCommand(scanCmd)
	Cmd.AddCommand(statusCmd)
	Cmd.AddCommand(listCmd)
	Cmd.AddCommand(historyCmd)
	Cmd.AddCommand(logsCmd)
	Cmd.AddCommand(plansCmd)
	Cmd.AddCommand(fallbackCmd)
	Cmd.AddCommand(auditCmd)
}

func writeJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(data))
	return nil
}

func parseSubscriptionID(args []string) (uuid.UUID, error) {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid subscription id %q: %w", args[0], err)
	}
	return id, nil
}
