package parser

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/mmdatafocus/procuresight_backend/utils"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func ParseCSV(data []byte) (*Tabular, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, &utils.ParseError{Format: "csv", Reason: "empty file"}
	}
	if err != nil {
		return nil, csvError(err)
	}
	header = normalizeHeader(header)
	if err := checkHeader("csv", header); err != nil {
		return nil, err
	}

	tab := &Tabular{Format: "csv", Header: header}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, csvError(err)
		}
		if isBlankRow(rec) {
			continue
		}
		tab.Rows = append(tab.Rows, rec)
	}
	if len(tab.Rows) == 0 {
		return nil, &utils.ParseError{Format: "csv", Reason: "no data rows"}
	}
	return tab, nil
}

func csvError(err error) error {
	pe := &utils.ParseError{Format: "csv", Err: err}
	var ce *csv.ParseError
	if errors.As(err, &ce) {
		pe.Row = ce.Line
		pe.Err = ce.Err
		if errors.Is(ce.Err, csv.ErrFieldCount) {
			pe.Reason = "column count mismatch"
		}
	}
	return pe
}

// ParseXLSX reads the first sheet. Short rows are padded to the header width;
// rows wider than the header are rejected.
func ParseXLSX(data []byte) (*Tabular, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, &utils.ParseError{Format: "xlsx", Reason: "unreadable workbook", Err: err}
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, &utils.ParseError{Format: "xlsx", Reason: "no sheets"}
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, &utils.ParseError{Format: "xlsx", Err: err}
	}
	if len(rows) == 0 {
		return nil, &utils.ParseError{Format: "xlsx", Reason: "empty sheet"}
	}

	header := normalizeHeader(rows[0])
	if err := checkHeader("xlsx", header); err != nil {
		return nil, err
	}
	tab := &Tabular{Format: "xlsx", Header: header}
	for i, row := range rows[1:] {
		if isBlankRow(row) {
			continue
		}
		if len(row) > len(header) {
			return nil, &utils.ParseError{Format: "xlsx", Row: i + 2, Reason: "column count mismatch"}
		}
		padded := make([]string, len(header))
		copy(padded, row)
		tab.Rows = append(tab.Rows, padded)
	}
	if len(tab.Rows) == 0 {
		return nil, &utils.ParseError{Format: "xlsx", Reason: "no data rows"}
	}
	return tab, nil
}

// ParseJSON accepts a single invoice object, an array of them, or an object
// with an "invoices" array.
func ParseJSON(data []byte) (*Tabular, error) {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, &utils.ParseError{Format: "json", Reason: "malformed json", Err: err}
	}

	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		if inv, ok := v["invoices"]; ok {
			arr, ok := inv.([]any)
			if !ok {
				return nil, &utils.ParseError{Format: "json", Column: "invoices", Reason: "expected an array"}
			}
			items = arr
		} else {
			items = []any{v}
		}
	default:
		return nil, &utils.ParseError{Format: "json", Reason: "expected an object or array"}
	}

	if len(items) == 0 {
		return nil, &utils.ParseError{Format: "json", Reason: "no invoices"}
	}
	tab := &Tabular{Format: "json"}
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, &utils.ParseError{Format: "json", Row: i + 1, Reason: "expected an object"}
		}
		tab.Records = append(tab.Records, obj)
	}
	return tab, nil
}

func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		out[i] = strings.ToLower(strings.TrimSpace(h))
	}
	return out
}

func checkHeader(format string, header []string) error {
	if isBlankRow(header) {
		return &utils.ParseError{Format: format, Row: 1, Reason: "missing header row"}
	}
	seen := make(map[string]bool, len(header))
	for _, h := range header {
		if h == "" {
			continue
		}
		if seen[h] {
			return &utils.ParseError{Format: format, Row: 1, Column: h, Reason: "duplicate column"}
		}
		seen[h] = true
	}
	return nil
}

func isBlankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
