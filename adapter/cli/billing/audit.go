package billing

import (
	"errors"
	"fmt"

	"github.com/felixgeelhaar/lingomarket/adapter/cli"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit <subscription-id>",
	Short: "Replay a subscription's log and compare it with its status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app := cli.GetApp()
		if app == nil || app.Queries == nil {
			return errors.New("billing audit requires database connection")
		}
		id, err := parseSubscriptionID(args)
		if err != nil {
			return err
		}

		result, err := app.Queries.Audit(cmd.Context(), id)
		if err != nil {
			return err
		}
		if asJSON {
			if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
		} else {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status:   %s\n", result.Status)
			fmt.Fprintf(out, "Replayed: %s (%d entries)\n", result.Replayed, result.Entries)
			if result.Error != "" {
				fmt.Fprintf(out, "Error:    %s\n", result.Error)
			}
		}
		if !result.Consistent {
			return fmt.Errorf("subscription %s is inconsistent with its log", id)
		}
		return nil
	},
}
