package reporting

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
)

// Color scheme
var (
	colorPrimary   = [3]int{30, 58, 95}    // Dark navy
	colorTextDark  = [3]int{44, 62, 80}    // Dark text
	colorTextMuted = [3]int{127, 140, 141} // Muted text
	colorGridLine  = [3]int{220, 220, 220} // Rules
)

const (
	marginMM     = 20.0
	contentWidth = 170.0
)

// PDFGenerator handles PDF export of generation output.
type PDFGenerator struct {
	now func() time.Time
}

// NewPDFGenerator creates a new PDF generator.
func NewPDFGenerator() *PDFGenerator {
	return &PDFGenerator{now: time.Now}
}

// Generate renders doc as an A4 PDF: title, "Generated on" timestamp, then
// the formatted output.
func (g *PDFGenerator) Generate(doc Document) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(marginMM, marginMM, marginMM)
	pdf.SetAutoPageBreak(true, 25)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	generatedAt := doc.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = g.now()
	}
	title := strings.TrimSpace(doc.Title)
	if title == "" {
		title = "Generated output"
	}

	pdf.SetTitle(title, true)
	pdf.SetCreator("pagegen", true)
	pdf.AddPage()

	// Title
	pdf.SetFont("Arial", "B", 20)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.MultiCell(contentWidth, 9, tr(title), "", "L", false)

	// Timestamp
	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 6, tr("Generated on: "+generatedAt.Format("2006-01-02 15:04:05 MST")), "", 1, "L", false, 0, "")
	if doc.PageID != "" || doc.ProductID != "" {
		pdf.CellFormat(0, 5, tr(fmt.Sprintf("Page %s, product %s", doc.PageID, doc.ProductID)), "", 1, "L", false, 0, "")
	}

	pdf.SetDrawColor(colorGridLine[0], colorGridLine[1], colorGridLine[2])
	pdf.SetLineWidth(0.3)
	y := pdf.GetY() + 2
	pdf.Line(marginMM, y, marginMM+contentWidth, y)
	pdf.SetY(y + 4)

	g.writeSections(pdf, tr, doc.Output)
	g.addPageNumbers(pdf)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("PDF output error: %w", err)
	}
	return buf.Bytes(), nil
}

// writeSections prints headings, titled sections and their items. Output
// with no section markers prints as plain paragraphs.
func (g *PDFGenerator) writeSections(pdf *fpdf.Fpdf, tr func(string) string, output string) {
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])

	if !strings.Contains(output, "**") {
		pdf.SetFont("Arial", "", 12)
		pdf.MultiCell(contentWidth, 6, tr(PlainText(output)), "", "L", false)
		return
	}

	for _, section := range FormatOutput(output) {
		if section.IsHeading() {
			pdf.Ln(2)
			pdf.SetFont("Arial", "B", 14)
			pdf.MultiCell(contentWidth, 7, tr(section.Title), "", "L", false)
			continue
		}

		pdf.Ln(1)
		pdf.SetFont("Arial", "B", 12)
		pdf.MultiCell(contentWidth, 6, tr(section.Title), "", "L", false)
		pdf.SetFont("Arial", "", 11)
		for _, item := range section.Items {
			pdf.SetX(marginMM + 4)
			pdf.MultiCell(contentWidth-4, 5.5, tr(item), "", "L", false)
		}
	}
}

// addPageNumbers adds "Page n of m" footers.
func (g *PDFGenerator) addPageNumbers(pdf *fpdf.Fpdf) {
	// Disable auto page break while adding footers to prevent creating new pages
	pdf.SetAutoPageBreak(false, 0)

	totalPages := pdf.PageCount()
	for i := 1; i <= totalPages; i++ {
		pdf.SetPage(i)
		_, pageHeight := pdf.GetPageSize()

		pdf.SetY(pageHeight - 15)
		pdf.SetFont("Arial", "", 8)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(0, 5, fmt.Sprintf("Page %d of %d", i, totalPages), "", 0, "C", false, 0, "")
	}
}
