package reporting

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"
)

// CSVGenerator handles CSV export of generation history.
type CSVGenerator struct{}

// NewCSVGenerator creates a new CSV generator.
func NewCSVGenerator() *CSVGenerator {
	return &CSVGenerator{}
}

// Generate writes rows with a header line.
func (g *CSVGenerator) Generate(rows []HistoryRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"ID", "Created", "Page ID", "Page", "Product ID", "Remaining Usage", "Usage Count", "Output"}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write CSV header: %w", err)
	}

	for _, row := range rows {
		record := []string{
			row.ID,
			row.CreatedAt.UTC().Format(time.RFC3339),
			row.PageID,
			row.PageName,
			row.ProductID,
			strconv.FormatInt(row.RemainingUsage, 10),
			strconv.FormatInt(row.UsageCount, 10),
			PlainText(row.Output),
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write CSV row %q: %w", row.ID, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("CSV write error: %w", err)
	}
	return buf.Bytes(), nil
}
