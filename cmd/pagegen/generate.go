package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rcourtman/pagegen/internal/generation"
	"github.com/rcourtman/pagegen/internal/models"
	"github.com/rcourtman/pagegen/internal/pages"
	"github.com/rcourtman/pagegen/pkg/reporting"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func printPage(out io.Writer, page models.Page) {
	fmt.Fprintln(out, page.Name)
	if page.Description != "" {
		fmt.Fprintln(out, page.Description)
	}
	if page.Image != "" {
		fmt.Fprintf(out, "Image: %s\n", page.Image)
	}
	if page.Instructions != "" {
		fmt.Fprintf(out, "\nInstructions:\n%s\n", page.Instructions)
	}
}

// printOutput renders generated text with the same section rules the PDF
// export uses.
func printOutput(out io.Writer, output string) {
	if !strings.Contains(output, "**") {
		fmt.Fprintln(out, strings.TrimSpace(output))
		return
	}
	for _, s := range reporting.FormatOutput(output) {
		if s.IsHeading() {
			fmt.Fprintf(out, "\n%s\n", strings.ToUpper(s.Title))
			continue
		}
		fmt.Fprintf(out, "%s:\n", s.Title)
		for _, item := range s.Items {
			fmt.Fprintf(out, "  - %s\n", item)
		}
	}
}

func writePDF(path string, doc reporting.Document) error {
	data, err := reporting.NewPDFGenerator().Generate(doc)
	if err != nil {
		return err
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, reporting.SuggestedFileName(doc.Title, reporting.FormatPDF))
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	log.Info().Str("file", path).Int("bytes", len(data)).Msg("Exported PDF")
	return nil
}

func newPageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "page <pageId>",
		Short: "Show a page under the active product",
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
			page, err := a.loader.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printPage(cmd.OutOrStdout(), page)
			return nil
		},
	}
}

func newGenerateCmd() *cobra.Command {
	var (
		text    string
		file    string
		pdfPath string
		raw     bool
	)
	cmd := &cobra.Command{
		Use:   "generate <pageId>",
		Short: "Run a generation against a page",
		Example: `  pagegen generate page-essay --text "My essay..."
  pagegen generate page-essay --file essay.txt --pdf ./out/`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (text == "") == (file == "") {
				return errors.New("exactly one of --text or --file is required")
			}

			a, err := newApp(cmd.Context(), configFrom(cmd))
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.withHistory(); err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := a.requireSession(ctx); err != nil {
				return err
			}
			page, err := a.loader.Load(ctx, args[0])
			if err != nil {
				// A forbidden page or a missing product still flows through
				// the gate so the denial is reported with its reason.
				switch {
				case errors.Is(err, pages.ErrNoProduct):
					log.Debug().Msg("No active product for page fetch")
				case a.loader.Forbidden():
					log.Debug().Err(err).Msg("Page forbidden under the active product")
				default:
					return err
				}
			}

			req := generation.Request{PageID: args[0], Text: text}
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open input file: %w", err)
				}
				defer f.Close()
				req.File = &generation.Upload{Name: filepath.Base(file), Content: f}
			}

			result, err := a.invoker.Invoke(ctx, req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if raw {
				fmt.Fprintln(out, result.Output)
			} else {
				printOutput(out, result.Output)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "\n%d uses remaining on %s\n", result.RemainingUsage, result.ProductID)

			if pdfPath != "" {
				if err := writePDF(pdfPath, reporting.Document{
					Title:       page.Name,
					PageID:      result.PageID,
					ProductID:   result.ProductID,
					Output:      result.Output,
					GeneratedAt: time.Now(),
				}); err != nil {
					return err
				}
			}

			if keep := a.cfg.HistoryKeep; keep > 0 {
				if _, err := a.history.Prune(ctx, keep); err != nil {
					log.Warn().Err(err).Msg("Failed to prune history")
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "input text")
	cmd.Flags().StringVar(&file, "file", "", "input file to upload")
	cmd.Flags().StringVar(&pdfPath, "pdf", "", "also export the output as PDF to this file or directory")
	cmd.Flags().BoolVar(&raw, "raw", false, "print the output without formatting")
	return cmd
}
