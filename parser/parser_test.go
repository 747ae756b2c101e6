package parser

import (
	"context"
	"errors"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/mmdatafocus/procuresight_backend/utils"
)

func TestResolveMime(t *testing.T) {
	cases := []struct {
		name     string
		declared string
		filename string
		data     []byte
		want     string
	}{
		{"declared wins", "text/csv; charset=utf-8", "a.pdf", nil, MimeCSV},
		{"extension", "", "Invoice.XLSX", nil, MimeXLSX},
		{"octet stream falls through", MimeBin, "a.json", nil, MimeJSON},
		{"sniffed pdf", "", "blob", []byte("%PDF-1.4\n"), MimePDF},
		{"nothing", "", "blob", nil, MimeBin},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ResolveMime(tc.declared, tc.filename, tc.data); got != tc.want {
				t.Fatalf("ResolveMime = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestClassOf(t *testing.T) {
	cases := map[string]Class{
		MimeCSV:     ClassTabular,
		MimeXLSX:    ClassTabular,
		MimeJSON:    ClassTabular,
		MimePDF:     ClassText,
		MimeText:    ClassText,
		"image/png": ClassUnsupported,
	}
	for mime, want := range cases {
		if got := ClassOf(mime, ""); got != want {
			t.Fatalf("ClassOf(%q) = %q, want %q", mime, got, want)
		}
	}
	if got := ClassOf(MimeBin, "x.csv"); got != ClassTabular {
		t.Fatalf("expected extension fallback to tabular, got %q", got)
	}
}

func TestParseCSV(t *testing.T) {
	data := []byte("\xEF\xBB\xBFInvoice_No, Vendor,qty\nINV-1,Acme,2\n\nINV-1,Acme,3\n")
	tab, err := ParseCSV(data)
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if len(tab.Header) != 3 || tab.Header[0] != "invoice_no" || tab.Header[1] != "vendor" {
		t.Fatalf("unexpected header %q", tab.Header)
	}
	if len(tab.Rows) != 2 {
		t.Fatalf("expected 2 rows (blank skipped), got %d", len(tab.Rows))
	}
}

func TestParseCSVColumnMismatch(t *testing.T) {
	_, err := ParseCSV([]byte("a,b\n1,2\n1,2,3\n"))
	var pe *utils.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if pe.Row != 3 || pe.Reason != "column count mismatch" {
		t.Fatalf("unexpected parse error %+v", pe)
	}
}

func TestParseCSVEmpty(t *testing.T) {
	for _, in := range []string{"", "a,b\n"} {
		var pe *utils.ParseError
		if _, err := ParseCSV([]byte(in)); !errors.As(err, &pe) {
			t.Fatalf("input %q: expected ParseError, got %v", in, err)
		}
	}
}

func TestParseJSONShapes(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want int
	}{
		{"object", `{"invoice_no":"A","lines":[]}`, 1},
		{"array", `[{"invoice_no":"A"},{"invoice_no":"B"}]`, 2},
		{"wrapped", `{"invoices":[{"invoice_no":"A"},{"invoice_no":"B"},{"invoice_no":"C"}]}`, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tab, err := ParseJSON([]byte(tc.in))
			if err != nil {
				t.Fatalf("ParseJSON: %v", err)
			}
			if len(tab.Records) != tc.want {
				t.Fatalf("records = %d, want %d", len(tab.Records), tc.want)
			}
		})
	}
}

func TestParseJSONMalformed(t *testing.T) {
	for _, in := range []string{`{"invoice_no":`, `[1,2]`, `"x"`, `[]`} {
		var pe *utils.ParseError
		if _, err := ParseJSON([]byte(in)); !errors.As(err, &pe) {
			t.Fatalf("input %q: expected ParseError, got %v", in, err)
		}
	}
}

func TestParseXLSXFirstSheet(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	_ = f.SetSheetRow(sheet, "A1", &[]interface{}{"Invoice", "Vendor", "Total"})
	_ = f.SetSheetRow(sheet, "A2", &[]interface{}{"INV-9", "Acme", "10.50"})
	_ = f.SetSheetRow(sheet, "A3", &[]interface{}{"INV-9", "Acme"})
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write workbook: %v", err)
	}

	tab, err := ParseXLSX(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseXLSX: %v", err)
	}
	if tab.Header[0] != "invoice" || len(tab.Rows) != 2 {
		t.Fatalf("unexpected table %+v", tab)
	}
	if len(tab.Rows[1]) != 3 || tab.Rows[1][2] != "" {
		t.Fatalf("short row should be padded, got %q", tab.Rows[1])
	}
}

func TestParsePlainTextPages(t *testing.T) {
	txt, err := ParsePlainText([]byte("page one\fpage two\f  \n"))
	if err != nil {
		t.Fatalf("ParsePlainText: %v", err)
	}
	if len(txt.Pages) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(txt.Pages))
	}
	if txt.Joined() != "page one\n\npage two" {
		t.Fatalf("unexpected joined text %q", txt.Joined())
	}
}

func TestParseRejects(t *testing.T) {
	ctx := context.Background()
	var pe *utils.ParseError

	if _, err := Parse(ctx, []byte{0x89, 'P', 'N', 'G'}, "image/png", "scan.png"); !errors.As(err, &pe) || pe.Reason != "unsupported" {
		t.Fatalf("expected unsupported ParseError, got %v", err)
	}
	if _, err := Parse(ctx, []byte("   "), MimeText, "blank.txt"); !errors.As(err, &pe) {
		t.Fatalf("expected ParseError for blank text, got %v", err)
	}
	if _, err := Parse(ctx, []byte("not a pdf"), MimePDF, "x.pdf"); !errors.As(err, &pe) {
		t.Fatalf("expected ParseError for malformed pdf, got %v", err)
	}
}

func TestParseDispatch(t *testing.T) {
	doc, err := Parse(context.Background(), []byte("invoice_no,vendor\nA,B\n"), MimeCSV, "a.csv")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Class != ClassTabular || doc.Tabular == nil || doc.Text != nil {
		t.Fatalf("expected tabular document, got %+v", doc)
	}
}
