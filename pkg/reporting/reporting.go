// Package reporting renders generation output for export: PDF documents,
// CSV history listings, and the structured section view shown in the CLI.
package reporting

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ReportFormat represents the output format of an export
type ReportFormat string

const (
	FormatCSV ReportFormat = "csv"
	FormatPDF ReportFormat = "pdf"
)

// ParseFormat accepts "pdf" or "csv".
func ParseFormat(s string) (ReportFormat, error) {
	switch ReportFormat(strings.ToLower(strings.TrimSpace(s))) {
	case FormatPDF:
		return FormatPDF, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// Document is one generation output to export.
type Document struct {
	Title       string
	PageID      string
	ProductID   string
	Output      string
	GeneratedAt time.Time
}

// HistoryRow is one line of a CSV history export.
type HistoryRow struct {
	ID             string
	CreatedAt      time.Time
	PageID         string
	PageName       string
	ProductID      string
	RemainingUsage int64
	UsageCount     int64
	Output         string
}

var unsafeFileChars = regexp.MustCompile(`[^\w.-]+`)

// SuggestedFileName returns "<title>-output.<ext>" with unsafe characters replaced.
func SuggestedFileName(title string, format ReportFormat) string {
	name := strings.Trim(unsafeFileChars.ReplaceAllString(strings.TrimSpace(title), "_"), "_")
	if name == "" {
		name = "generation"
	}
	return fmt.Sprintf("%s-output.%s", name, format)
}
