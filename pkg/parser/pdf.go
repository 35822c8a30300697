package parser

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
)

// pdfParser handles .pdf uploads via ledongthuc/pdf text extraction.
type pdfParser struct{}

func (*pdfParser) Extensions() []string { return []string{"pdf"} }

func (*pdfParser) Parse(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	return buf.String(), nil
}
