package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [reference]",
		Short: "Show the transaction and enrollment for a purchase reference",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	txn, err := e.db.GetTransactionByReference(ctx, args[0])
	if err != nil {
		return err
	}
	if txn == nil {
		return fmt.Errorf("no transaction for reference %s", args[0])
	}

	fmt.Println("Transaction")
	fmt.Println(strings.Repeat("=", 40))
	fmt.Printf("  ID:        %s\n", txn.ID)
	fmt.Printf("  Reference: %s\n", txn.PurchaseReference)
	fmt.Printf("  Payer:     %s\n", txn.PayerID)
	fmt.Printf("  Course:    %s\n", txn.CourseID)
	fmt.Printf("  Amount:    %d %s\n", txn.Amount, strings.ToUpper(txn.Currency))
	fmt.Printf("  Status:    %s\n", txn.Status)
	fmt.Printf("  Updated:   %s\n", txn.UpdatedAt.Format("2006-01-02 15:04:05 MST"))

	enrollment, err := e.db.GetEnrollment(ctx, txn.PayerID, txn.CourseID)
	if err != nil {
		return err
	}

	fmt.Println("\nEnrollment")
	fmt.Println(strings.Repeat("=", 40))
	if enrollment == nil {
		fmt.Println("  (none)")
		return nil
	}
	fmt.Printf("  ID:        %s\n", enrollment.ID)
	fmt.Printf("  Enrolled:  %s\n", enrollment.EnrolledAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("  Progress:  %.0f%%\n", enrollment.Progress*100)
	return nil
}
