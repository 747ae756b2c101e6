// Package parser turns raw document bytes into either a tabular or a
// free-form text representation.
package parser

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/mmdatafocus/procuresight_backend/utils"
)

type Class string

const (
	ClassTabular     Class = "tabular"
	ClassText        Class = "text"
	ClassUnsupported Class = "unsupported"
)

const (
	MimeCSV  = "text/csv"
	MimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MimeJSON = "application/json"
	MimePDF  = "application/pdf"
	MimeText = "text/plain"
	MimeBin  = "application/octet-stream"
)

var extensionMime = map[string]string{
	".csv":  MimeCSV,
	".xlsx": MimeXLSX,
	".json": MimeJSON,
	".pdf":  MimePDF,
	".txt":  MimeText,
}

// Tabular is a header plus uniform rows (CSV, XLSX) or a list of nested
// invoice objects (JSON).
type Tabular struct {
	Format  string
	Header  []string
	Rows    [][]string
	Records []map[string]any
}

// Text is the page-ordered plain text of a document.
type Text struct {
	Format string
	Pages  []string
}

func (t *Text) Joined() string { return strings.Join(t.Pages, "\n\n") }

// Document is a tagged union: exactly one of Tabular or Text is set,
// according to Class.
type Document struct {
	Class   Class
	Mime    string
	Tabular *Tabular
	Text    *Text
}

// ResolveMime picks the declared type, then the extension table, then content
// sniffing, then application/octet-stream.
func ResolveMime(declared, filename string, data []byte) string {
	declared = strings.TrimSpace(strings.ToLower(declared))
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}
	if declared != "" && declared != MimeBin {
		return declared
	}
	if m, ok := extensionMime[strings.ToLower(filepath.Ext(filename))]; ok {
		return m
	}
	if len(data) > 0 {
		sniffed := http.DetectContentType(data)
		if i := strings.IndexByte(sniffed, ';'); i >= 0 {
			sniffed = sniffed[:i]
		}
		return sniffed
	}
	return MimeBin
}

// ClassOf derives the document class from mime, falling back to the
// filename extension when the mime is generic.
func ClassOf(mime, filename string) Class {
	switch mime {
	case MimeCSV, "application/csv", MimeXLSX, MimeJSON:
		return ClassTabular
	case MimePDF, MimeText:
		return ClassText
	}
	if m, ok := extensionMime[strings.ToLower(filepath.Ext(filename))]; ok && m != mime {
		return ClassOf(m, "")
	}
	return ClassUnsupported
}

// Parse dispatches on the document class.
func Parse(ctx context.Context, data []byte, mime, filename string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	class := ClassOf(mime, filename)
	doc := &Document{Class: class, Mime: mime}

	switch class {
	case ClassTabular:
		var (
			tab *Tabular
			err error
		)
		switch formatOf(mime, filename) {
		case "csv":
			tab, err = ParseCSV(data)
		case "xlsx":
			tab, err = ParseXLSX(data)
		default:
			tab, err = ParseJSON(data)
		}
		if err != nil {
			return nil, err
		}
		doc.Tabular = tab
	case ClassText:
		var (
			txt *Text
			err error
		)
		if formatOf(mime, filename) == "pdf" {
			txt, err = ParsePDF(data)
		} else {
			txt, err = ParsePlainText(data)
		}
		if err != nil {
			return nil, err
		}
		doc.Text = txt
	default:
		return nil, &utils.ParseError{Format: mime, Reason: "unsupported"}
	}
	return doc, nil
}

func formatOf(mime, filename string) string {
	switch mime {
	case MimeCSV, "application/csv":
		return "csv"
	case MimeXLSX:
		return "xlsx"
	case MimeJSON:
		return "json"
	case MimePDF:
		return "pdf"
	case MimeText:
		return "text"
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return "csv"
	case ".xlsx":
		return "xlsx"
	case ".json":
		return "json"
	case ".pdf":
		return "pdf"
	}
	return "text"
}
