package billing

import (
	"errors"
	"fmt"

	"github.com/felixgeelhaar/lingomarket/adapter/cli"
	"github.com/spf13/cobra"
)

var fallbackReason string

var fallbackCmd = &cobra.Command{
	Use:   "fallback <subscription-id>",
	Short: "Move a subscription to the free plan",
	Long: `Cancel a subscription and create its owner type's free plan
subscription. Running it twice returns the fallback created the first time.

Examples:
  lingomarket billing fallback 5d0e... --reason "customer request"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app := cli.GetApp()
		if app == nil || app.Fallback == nil {
			return errors.New("billing fallback requires database connection")
		}
		id, err := parseSubscriptionID(args)
		if err != nil {
			return err
		}

		result, err := app.Fallback.Apply(cmd.Context(), id, fallbackReason)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !result.Created {
			fmt.Fprintf(out, "Already on fallback plan: %s\n", result.Fallback.ID())
			return nil
		}
		fmt.Fprintf(out, "Cancelled %s (%s)\n", result.Original.ID(), result.Original.PlanType())
		fmt.Fprintf(out, "Created %s (%s)\n", result.Fallback.ID(), result.Fallback.PlanType())
		return nil
	},
}

func init() {
	fallbackCmd.Flags().StringVar(&fallbackReason, "reason", "manual fallback", "reason recorded in the subscription log")
}
