package corpus

import (
	"bytes"

	"github.com/ledongthuc/pdf"
)

// ExtractPDFText returns the plain text of a PDF file, for turning an
// existing PDF into a corpus record.
func ExtractPDFText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	rd, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	if _, err := buf.ReadFrom(rd); err != nil {
		return "", err
	}
	return buf.String(), nil
}
