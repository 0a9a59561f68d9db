package billing

import (
	"errors"
	"fmt"

	"github.com/felixgeelhaar/lingomarket/adapter/cli"
	billingDomain "github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	"github.com/spf13/cobra"
)

var plansCmd = &cobra.Command{
	Use:   "plans <STUDENT|INSTITUTION>",
	Short: "List the plan catalog of an owner type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app := cli.GetApp()
		if app == nil || app.Queries == nil {
			return errors.New("billing plans requires the application")
		}
		ownerType, err := billingDomain.ParseOwnerType(args[0])
		if err != nil {
			return err
		}

		plans := app.Queries.Plans(ownerType)
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), plans)
		}
		out := cmd.OutOrStdout()
		for _, p := range plans {
			line := fmt.Sprintf("%-14s monthly %12s  annual %12s",
				p.Type,
				billingDomain.Money{Amount: p.MonthlyPrice, Currency: p.Currency},
				billingDomain.Money{Amount: p.AnnualPrice, Currency: p.Currency},
			)
			if p.CommissionBP > 0 {
				line += fmt.Sprintf("  commission %d.%02d%%", p.CommissionBP/100, p.CommissionBP%100)
			}
			if p.Fallback {
				line += "  [fallback]"
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}
