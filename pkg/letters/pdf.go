package letters

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// Letter carries everything needed to render one warning letter.
type Letter struct {
	RecordID    string
	StudentName string
	StudentNIS  string
	TermName    string
	TierLevel   int
	TierLabel   string
	Total       int
	IssuedAt    time.Time
}

// PDFRenderer produces warning-letter PDFs.
type PDFRenderer struct {
	schoolName string
}

// NewPDFRenderer constructs a renderer with the school letterhead name.
func NewPDFRenderer(schoolName string) *PDFRenderer {
	if schoolName == "" {
		schoolName = "SMA"
	}
	return &PDFRenderer{schoolName: schoolName}
}

// Render creates the PDF document for a single letter.
func (r *PDFRenderer) Render(letter Letter) ([]byte, error) {
	if letter.StudentName == "" || letter.TierLabel == "" {
		return nil, fmt.Errorf("letter requires student name and tier label")
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 14)
	pdf.CellFormat(0, 10, strings.ToUpper(r.schoolName), "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 8, strings.ToUpper(letter.TierLabel), "B", 1, "C", false, 0, "")
	pdf.Ln(6)

	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(0, 6, fmt.Sprintf("No: %s", letter.RecordID), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Date: %s", letter.IssuedAt.Format("2 January 2006")), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	rows := [][2]string{
		{"Student", letter.StudentName},
		{"Student number", letter.StudentNIS},
		{"Term", letter.TermName},
		{"Warning level", fmt.Sprintf("%d", letter.TierLevel)},
		{"Conduct score", fmt.Sprintf("%d", letter.Total)},
	}
	for _, row := range rows {
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(45, 7, row[0], "1", 0, "L", false, 0, "")
		pdf.SetFont("Arial", "", 10)
		pdf.CellFormat(0, 7, row[1], "1", 1, "L", false, 0, "")
	}
	pdf.Ln(6)

	pdf.SetFont("Arial", "", 10)
	body := fmt.Sprintf(
		"This letter confirms that the cumulative conduct score of %s has reached %d, "+
			"which falls under warning level %d (%s). The student and guardian are requested "+
			"to meet the counseling office.",
		letter.StudentName, letter.Total, letter.TierLevel, letter.TierLabel,
	)
	pdf.MultiCell(0, 6, body, "", "L", false)

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render letter pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// Filename returns the canonical storage path for a letter.
func Filename(letter Letter) string {
	return fmt.Sprintf("%d/%s.pdf", letter.IssuedAt.Year(), letter.RecordID)
}
