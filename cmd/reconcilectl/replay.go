package main

import (
	"encoding/json"
	"fmt"
	"os"

	"enrollment-service/internal/models"
	"enrollment-service/internal/service"

	"github.com/coder/quartz"
	"github.com/spf13/cobra"
)

func replayCmd() *cobra.Command {
	var event models.PaymentOutcomeEvent
	var outcome string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Apply a payment outcome to the ledger by hand",
		Long: `Runs one payment outcome through the same bounded retry used by the
service. Replaying an outcome that was already applied is a no-op.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			event.Outcome = models.PaymentOutcome(outcome)
			event.Source = models.SourceCLI

			clock := quartz.NewReal()
			// No publisher: grants made here are not announced on the bus.
			reconciler := service.NewReconciler(e.db, nil, clock, e.txOptions(), e.logger)
			driver := service.NewRetryDriver(reconciler, service.RetryPolicy{
				MaxAttempts: e.cfg.Reconcile.MaxAttempts,
				BaseDelay:   e.cfg.Reconcile.BaseDelay,
			}, clock, e.logger)

			result, err := driver.WithRetry(cmd.Context(), &event)
			if err != nil {
				return fmt.Errorf("replay %s (%s): %w", event.PurchaseReference, service.KindOf(err), err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().StringVarP(&event.PurchaseReference, "reference", "r", "", "Purchase reference")
	cmd.Flags().StringVarP(&event.PayerID, "payer", "p", "", "Payer id")
	cmd.Flags().StringVarP(&event.CourseID, "course", "c", "", "Course id")
	cmd.Flags().StringVarP(&outcome, "outcome", "o", string(models.OutcomeSucceeded), "SUCCEEDED, FAILED or CANCELED")
	cmd.Flags().Int64Var(&event.AmountMinorUnits, "amount", 0, "Amount in minor units")
	cmd.Flags().StringVar(&event.Currency, "currency", "", "ISO currency code")
	cmd.Flags().StringVar(&event.ItemDescription, "description", "", "Item description")
	_ = cmd.MarkFlagRequired("reference")
	_ = cmd.MarkFlagRequired("payer")
	_ = cmd.MarkFlagRequired("course")

	return cmd
}
