package billing

import (
	"errors"
	"fmt"

	"github.com/felixgeelhaar/lingomarket/adapter/cli"
	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run the trial expiration and renewal scan once",
	Long: `Run one lifecycle scan: settle expired trials, renew or expire
subscriptions at the end of their period, flag due payment retries and
move exhausted subscriptions to the free plan.

This is the same work the cron endpoint triggers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app := cli.GetApp()
		if app == nil || app.Scanner == nil {
			return errors.New("scan requires database connection")
		}

		summary, err := app.Scanner.Run(cmd.Context())
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), summary)
		}

		out := cmd.OutOrStdout()
		if summary.Skipped {
			fmt.Fprintln(out, "Scan skipped: another scan is running.")
			return nil
		}
		fmt.Fprintf(out, "Trials activated:        %d\n", summary.TrialsActivated)
		fmt.Fprintf(out, "Trials payment required: %d\n", summary.TrialsPaymentRequired)
		fmt.Fprintf(out, "Renewals:                %d\n", summary.Renewals)
		fmt.Fprintf(out, "Expired:                 %d\n", summary.Expired)
		fmt.Fprintf(out, "Retries due:             %d\n", summary.RetriesDue)
		fmt.Fprintf(out, "Fallbacks:               %d\n", summary.Fallbacks)
		fmt.Fprintf(out, "Errors:                  %d\n", summary.Errors)
		return nil
	},
}
