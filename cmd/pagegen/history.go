package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rcourtman/pagegen/internal/history"
	"github.com/rcourtman/pagegen/pkg/reporting"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse and export past generations",
	}
	cmd.AddCommand(newHistoryListCmd(), newHistoryShowCmd(), newHistoryExportCmd())
	return cmd
}

func openHistory(cmd *cobra.Command) (*app, error) {
	a := &app{cfg: configFrom(cmd)}
	if a.cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	h, err := history.Open(a.cfg.HistoryDir())
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	a.history = h
	a.closers = append(a.closers, h.Close)
	return a, nil
}

func newHistoryListCmd() *cobra.Command {
	var f history.Filter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent generations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			entries, err := a.history.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No generations recorded.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tPAGE\tPRODUCT\tREMAINING")
			for _, e := range entries {
				page := e.PageName
				if page == "" {
					page = e.PageID
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", e.ID, e.CreatedAt.Local().Format(time.DateTime), page, e.ProductID, e.RemainingUsage)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&f.ProductID, "product", "", "only this product")
	cmd.Flags().StringVar(&f.PageID, "page", "", "only this page")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum entries")
	return cmd
}

func newHistoryShowCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print one generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			e, err := a.history.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s  %s on %s\n", e.ID, e.CreatedAt.Local().Format(time.DateTime), e.PageID, e.ProductID)
			if raw {
				fmt.Fprintln(out, e.Output)
			} else {
				printOutput(out, e.Output)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print the output without formatting")
	return cmd
}

func newHistoryExportCmd() *cobra.Command {
	var (
		format string
		output string
		f      history.Filter
	)
	cmd := &cobra.Command{
		Use:   "export [id]",
		Short: "Export one generation as PDF or the history as CSV",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmtKind, err := reporting.ParseFormat(format)
			if err != nil {
				return err
			}
			a, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			if fmtKind == reporting.FormatPDF {
				if len(args) == 0 {
					return fmt.Errorf("a history id is required for PDF export")
				}
				e, err := a.history.Get(ctx, args[0])
				if err != nil {
					return err
				}
				title := e.PageName
				if title == "" {
					title = e.PageID
				}
				if output == "" {
					output = reporting.SuggestedFileName(title, reporting.FormatPDF)
				}
				return writePDF(output, reporting.Document{
					Title:       title,
					PageID:      e.PageID,
					ProductID:   e.ProductID,
					Output:      e.Output,
					GeneratedAt: e.CreatedAt,
				})
			}

			var entries []history.Entry
			if len(args) == 1 {
				e, err := a.history.Get(ctx, args[0])
				if err != nil {
					return err
				}
				entries = []history.Entry{e}
			} else if entries, err = a.history.List(ctx, f); err != nil {
				return err
			}

			rows := make([]reporting.HistoryRow, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, reporting.HistoryRow{
					ID:             e.ID,
					CreatedAt:      e.CreatedAt,
					PageID:         e.PageID,
					PageName:       e.PageName,
					ProductID:      e.ProductID,
					RemainingUsage: e.RemainingUsage,
					UsageCount:     e.UsageCount,
					Output:         e.Output,
				})
			}
			data, err := reporting.NewCSVGenerator().Generate(rows)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o600)
		},
	}
	cmd.Flags().StringVar(&format, "format", "csv", "export format: csv or pdf")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (csv defaults to stdout)")
	cmd.Flags().StringVar(&f.ProductID, "product", "", "only this product (csv)")
	cmd.Flags().IntVar(&f.Limit, "limit", 500, "maximum entries (csv)")
	return cmd
}
