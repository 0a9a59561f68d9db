package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/lingomarket/adapter/cli"
	billingDomain "github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history <subscription-id>",
	Short: "Show the billing history of a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app := cli.GetApp()
		if app == nil || app.Queries == nil {
			return errors.New("billing history requires database connection")
		}
		id, err := parseSubscriptionID(args)
		if err != nil {
			return err
		}

		entries, err := app.Queries.BillingHistory(cmd.Context(), id)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), entries)
		}
		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintln(out, "No billing history.")
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%s  %-8s %14s  %s  %s\n",
				e.BillingDate.Format(time.DateOnly),
				e.Status,
				billingDomain.Money{Amount: e.Amount, Currency: e.Currency},
				e.InvoiceNumber,
				e.Description,
			)
		}
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <subscription-id>",
	Short: "Show the lifecycle log of a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app := cli.GetApp()
		if app == nil || app.Queries == nil {
			return errors.New("billing logs requires database connection")
		}
		id, err := parseSubscriptionID(args)
		if err != nil {
			return err
		}

		logs, err := app.Queries.Logs(cmd.Context(), id)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), logs)
		}
		out := cmd.OutOrStdout()
		if len(logs) == 0 {
			fmt.Fprintln(out, "No log entries.")
			return nil
		}
		for _, l := range logs {
			line := fmt.Sprintf("%s  %-28s by %s", l.CreatedAt.Format(time.RFC3339), l.Action, l.Actor)
			if l.OldPlan != "" || l.NewPlan != "" {
				line += fmt.Sprintf("  %s -> %s", l.OldPlan, l.NewPlan)
			}
			if l.Reason != "" {
				line += "  (" + l.Reason + ")"
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}
