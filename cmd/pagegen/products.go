package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rcourtman/pagegen/internal/entitlements"
	"github.com/spf13/cobra"
)

func printSelection(out io.Writer, snap entitlements.Snapshot) {
	switch snap.State {
	case entitlements.StateHasActive:
		fmt.Fprintf(out, "Active product: %s (%d uses remaining)\n", productLabel(*snap.Active), snap.Active.RemainingUsage)
	case entitlements.StateHasCandidatesNoActive:
		fmt.Fprintln(out, "No active product. Run `pagegen switch <productId>`.")
	case entitlements.StateNoEntitlements:
		fmt.Fprintln(out, "You have no products.")
	default:
		fmt.Fprintln(out, "Product access not loaded.")
	}
}

func productLabel(r entitlements.Record) string {
	if r.ProductName == "" {
		return r.ProductID
	}
	return fmt.Sprintf("%s (%s)", r.ProductName, r.ProductID)
}

func printRecords(out io.Writer, snap entitlements.Snapshot) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tPRODUCT\tNAME\tREMAINING\tUSED\tEXPIRES")
	for _, r := range snap.Records {
		marker := ""
		if snap.Active != nil && snap.Active.ProductID == r.ProductID {
			marker = "*"
		}
		expires := "-"
		if r.ExpiresAt != nil {
			expires = r.ExpiresAt.Local().Format(time.DateOnly)
		}
		if r.IsExpired {
			expires = "expired"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", marker, r.ProductID, r.ProductName, r.RemainingUsage, r.UsageCount, expires)
	}
	return tw.Flush()
}

func newProductsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "products",
		Short: "List your products",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configFrom(cmd))
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.requireSession(cmd.Context()); err != nil {
				return err
			}
			snap := a.selector.Snapshot()
			out := cmd.OutOrStdout()
			if len(snap.Records) == 0 {
				printSelection(out, snap)
				return nil
			}
			return printRecords(out, snap)
		},
	}
}

func newSwitchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "switch <productId>",
		Short: "Make a product the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configFrom(cmd))
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.requireSession(cmd.Context()); err != nil {
				return err
			}
			if err := a.selector.Switch(cmd.Context(), args[0]); err != nil {
				return err
			}
			printSelection(cmd.OutOrStdout(), a.selector.Snapshot())
			return nil
		},
	}
}
