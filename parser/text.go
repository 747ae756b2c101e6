package parser

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/mmdatafocus/procuresight_backend/utils"
)

// ParsePDF returns the plain text of each page in order. Pages without text
// are dropped; a document with no text at all is rejected since image-only
// PDFs would need OCR.
func ParsePDF(data []byte) (txt *Text, err error) {
	if len(data) == 0 {
		return nil, &utils.ParseError{Format: "pdf", Reason: "empty file"}
	}
	// the pdf reader panics on some malformed xref tables
	defer func() {
		if r := recover(); r != nil {
			txt = nil
			err = &utils.ParseError{Format: "pdf", Reason: "malformed pdf", Err: fmt.Errorf("%v", r)}
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &utils.ParseError{Format: "pdf", Reason: "malformed pdf", Err: err}
	}

	out := &Text{Format: "pdf"}
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return nil, &utils.ParseError{Format: "pdf", Row: i, Reason: "page text", Err: err}
		}
		if strings.TrimSpace(content) != "" {
			out.Pages = append(out.Pages, content)
		}
	}
	if len(out.Pages) == 0 {
		return nil, &utils.ParseError{Format: "pdf", Reason: "no extractable text"}
	}
	return out, nil
}

// ParsePlainText splits on form feeds into pages.
func ParsePlainText(data []byte) (*Text, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return nil, &utils.ParseError{Format: "text", Reason: "not valid utf-8"}
	}
	out := &Text{Format: "text"}
	for _, page := range strings.Split(string(data), "\f") {
		if strings.TrimSpace(page) != "" {
			out.Pages = append(out.Pages, page)
		}
	}
	if len(out.Pages) == 0 {
		return nil, &utils.ParseError{Format: "text", Reason: "no extractable text"}
	}
	return out, nil
}
