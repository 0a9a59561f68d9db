package billing

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/felixgeelhaar/lingomarket/adapter/cli"
	billingApp "github.com/felixgeelhaar/lingomarket/internal/billing/application"
	billingDomain "github.com/felixgeelhaar/lingomarket/internal/billing/domain"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <subscription-id>",
	Short: "Show a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app := cli.GetApp()
		if app == nil || app.Queries == nil {
			return errors.New("billing status requires database connection")
		}
		id, err := parseSubscriptionID(args)
		if err != nil {
			return err
		}

		sub, err := app.Queries.GetSubscription(cmd.Context(), id)
		if errors.Is(err, billingDomain.ErrSubscriptionNotFound) {
			fmt.Fprintln(cmd.OutOrStdout(), "No subscription found.")
			return nil
		}
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), sub)
		}
		printSubscription(cmd.OutOrStdout(), sub)
		return nil
	},
}

var (
	listOwnerType string
	listOwnerID   string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List an owner's subscriptions",
	Long: `List every subscription of a student or institution, newest first.

Examples:
  lingomarket billing list --owner-type STUDENT --owner 7b1c...
  lingomarket billing list --owner-type INSTITUTION --owner 0f3a... --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app := cli.GetApp()
		if app == nil || app.Queries == nil {
			return errors.New("billing list requires database connection")
		}
		ownerType, err := billingDomain.ParseOwnerType(listOwnerType)
		if err != nil {
			return err
		}
		ownerID, err := uuid.Parse(listOwnerID)
		if err != nil {
			return fmt.Errorf("invalid --owner: %w", err)
		}

		subs, err := app.Queries.ListSubscriptions(cmd.Context(), ownerType, ownerID)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), subs)
		}
		if len(subs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No subscriptions found.")
			return nil
		}
		for _, sub := range subs {
			printSubscription(cmd.OutOrStdout(), sub)
			fmt.Fprintln(cmd.OutOrStdout())
		}
		return nil
	},
}

func printSubscription(out io.Writer, sub billingApp.SubscriptionDTO) {
	fmt.Fprintf(out, "Subscription: %s\n", sub.ID)
	fmt.Fprintf(out, "  Owner:    %s %s\n", sub.OwnerType, sub.OwnerID)
	fmt.Fprintf(out, "  Plan:     %s (%s)\n", sub.PlanType, sub.Status)
	fmt.Fprintf(out, "  Cycle:    %s, %s\n", sub.BillingCycle, billingDomain.Money{Amount: sub.Amount, Currency: sub.Currency})
	fmt.Fprintf(out, "  Period:   %s to %s\n", sub.StartDate.Format(time.DateOnly), sub.EndDate.Format(time.DateOnly))
	if sub.FailedPayments > 0 || sub.PaymentAttempts > 0 {
		fmt.Fprintf(out, "  Payments: %d attempts, %d failed\n", sub.PaymentAttempts, sub.FailedPayments)
	}
	if sub.NextPaymentAttemptAt != nil {
		fmt.Fprintf(out, "  Next attempt: %s\n", sub.NextPaymentAttemptAt.Local().Format(time.RFC1123))
	}
	if sub.FallbackID != nil {
		fmt.Fprintf(out, "  Fallback: %s\n", sub.FallbackID)
	}
}

func init() {
	listCmd.Flags().StringVar(&listOwnerType, "owner-type", "", "STUDENT or INSTITUTION")
	listCmd.Flags().StringVar(&listOwnerID, "owner", "", "owner id")
	_ = listCmd.MarkFlagRequired("owner-type")
	_ = listCmd.MarkFlagRequired("owner")
}
