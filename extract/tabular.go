package extract

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmdatafocus/procuresight_backend/models"
	"github.com/mmdatafocus/procuresight_backend/parser"
	"github.com/mmdatafocus/procuresight_backend/utils"
)

// record is one source row (or JSON object) keyed by canonical field.
type record map[string]string

func (r record) has(field string) bool {
	_, ok := r[field]
	return ok
}

// FromTabular maps a tabular document onto canonical invoices. Warnings list
// ignored columns.
func FromTabular(tab *parser.Tabular) ([]models.Invoice, []string, error) {
	if tab == nil {
		return nil, nil, &utils.ExtractionError{Source: "tabular", Reason: "no tabular content"}
	}
	if tab.Format == "json" {
		return fromRecords(tab.Records)
	}
	return fromRows(tab)
}

func fromRows(tab *parser.Tabular) ([]models.Invoice, []string, error) {
	var warnings []string
	columns := make(map[string]int, len(tab.Header))
	for i, h := range tab.Header {
		field, ok := CanonicalField(h)
		if !ok {
			if h != "" {
				warnings = append(warnings, fmt.Sprintf("ignored column %q", h))
			}
			continue
		}
		if _, dup := columns[field]; dup {
			warnings = append(warnings, fmt.Sprintf("ignored column %q (duplicate of %s)", h, field))
			continue
		}
		columns[field] = i
	}
	for _, req := range RequiredColumns {
		if _, ok := columns[req]; !ok {
			return nil, warnings, &utils.ParseError{Format: tab.Format, Row: 1, Column: req, Reason: "required column missing"}
		}
	}

	// group rows by invoice number, keeping first-seen order
	var order []string
	groups := make(map[string][]record)
	for rowIdx, row := range tab.Rows {
		rec := make(record, len(columns))
		for field, i := range columns {
			if i < len(row) {
				rec[field] = strings.TrimSpace(row[i])
			}
		}
		no := rec[FieldInvoiceNo]
		if no == "" {
			return nil, warnings, &utils.ParseError{
				Format: tab.Format,
				Row:    rowIdx + 2,
				Column: FieldInvoiceNo,
				Reason: "no invoice number",
			}
		}
		if _, ok := groups[no]; !ok {
			order = append(order, no)
		}
		groups[no] = append(groups[no], rec)
	}
	if len(order) == 0 {
		return nil, warnings, &utils.ExtractionError{Source: tab.Format, Reason: "no rows"}
	}

	invoices := make([]models.Invoice, 0, len(order))
	for _, no := range order {
		rows := groups[no]
		inv, err := buildHeader(tab.Format, rows[0])
		if err != nil {
			return nil, warnings, err
		}
		for i, rec := range rows {
			line, err := buildLine(tab.Format, fmt.Sprintf("%s.lines[%d]", no, i), rec)
			if err != nil {
				return nil, warnings, err
			}
			inv.Lines = append(inv.Lines, line)
		}
		invoices = append(invoices, inv)
	}
	return invoices, warnings, nil
}

func fromRecords(objs []map[string]any) ([]models.Invoice, []string, error) {
	var warnings []string
	invoices := make([]models.Invoice, 0, len(objs))
	for idx, obj := range objs {
		head, lines, extra, err := splitRecord(obj)
		if err != nil {
			return nil, warnings, err
		}
		for _, k := range extra {
			warnings = append(warnings, fmt.Sprintf("invoices[%d]: ignored field %q", idx, k))
		}
		for _, req := range headerFields {
			if !isRequired(req) {
				continue
			}
			if !head.has(req) {
				return nil, warnings, &utils.ParseError{Format: "json", Column: fmt.Sprintf("invoices[%d].%s", idx, req), Reason: "required field missing"}
			}
		}
		if lines == nil {
			return nil, warnings, &utils.ParseError{Format: "json", Column: fmt.Sprintf("invoices[%d].lines", idx), Reason: "required field missing"}
		}
		inv, err := buildHeader("json", head)
		if err != nil {
			return nil, warnings, err
		}
		for i, rawLine := range lines {
			path := fmt.Sprintf("invoices[%d].lines[%d]", idx, i)
			lineObj, ok := rawLine.(map[string]any)
			if !ok {
				return nil, warnings, &utils.ExtractionError{Source: "json", Field: path, Reason: "expected an object"}
			}
			rec := make(record)
			for k, v := range lineObj {
				field, ok := CanonicalField(k)
				if !ok {
					warnings = append(warnings, fmt.Sprintf("%s: ignored field %q", path, k))
					continue
				}
				if s, present := scalarString(v); present {
					rec[field] = s
				}
			}
			for _, req := range lineFields {
				if isRequired(req) && !rec.has(req) {
					return nil, warnings, &utils.ParseError{Format: "json", Column: path + "." + req, Reason: "required field missing"}
				}
			}
			line, err := buildLine("json", path, rec)
			if err != nil {
				return nil, warnings, err
			}
			inv.Lines = append(inv.Lines, line)
		}
		invoices = append(invoices, inv)
	}
	sort.Strings(warnings)
	return invoices, warnings, nil
}

func splitRecord(obj map[string]any) (record, []any, []string, error) {
	head := make(record)
	var lines []any
	var extra []string
	for k, v := range obj {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == FieldLines {
			arr, ok := v.([]any)
			if !ok {
				return nil, nil, nil, &utils.ExtractionError{Source: "json", Field: FieldLines, Reason: "expected an array"}
			}
			lines = arr
			continue
		}
		field, ok := CanonicalField(key)
		if !ok {
			extra = append(extra, k)
			continue
		}
		if s, present := scalarString(v); present {
			head[field] = s
		}
	}
	return head, lines, extra, nil
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return strings.TrimSpace(t), true
	case json.Number:
		return t.String(), true
	case bool:
		return fmt.Sprint(t), true
	case float64:
		return decimal.NewFromFloat(t).String(), true
	}
	return fmt.Sprint(v), true
}

func isRequired(field string) bool {
	for _, r := range RequiredColumns {
		if r == field {
			return true
		}
	}
	return false
}

func buildHeader(source string, rec record) (models.Invoice, error) {
	inv := models.Invoice{
		InvoiceNo:  rec[FieldInvoiceNo],
		VendorName: rec[FieldVendor],
		Currency:   strings.ToUpper(rec[FieldCurrency]),
		Status:     models.InvoiceStatusReceived,
	}
	if inv.InvoiceNo == "" {
		return inv, &utils.ExtractionError{Source: source, Field: FieldInvoiceNo, Reason: "empty value"}
	}

	var err error
	if v := rec[FieldInvoiceDate]; v != "" {
		d, err := utils.ParseDate(v)
		if err != nil {
			return inv, coerceErr(source, inv.InvoiceNo+"."+FieldInvoiceDate, err)
		}
		inv.InvoiceDate = dateOnly(d)
	}
	if v := rec[FieldDueDate]; v != "" {
		due, err := utils.ParseDate(v)
		if err != nil {
			return inv, coerceErr(source, inv.InvoiceNo+"."+FieldDueDate, err)
		}
		due = dateOnly(due)
		inv.DueDate = &due
	}
	if inv.Subtotal, err = optionalDecimal(rec[FieldSubtotal]); err != nil {
		return inv, coerceErr(source, inv.InvoiceNo+"."+FieldSubtotal, err)
	}
	if inv.Tax, err = optionalDecimal(rec[FieldTax]); err != nil {
		return inv, coerceErr(source, inv.InvoiceNo+"."+FieldTax, err)
	}
	if inv.Total, err = utils.ParseDecimal(rec[FieldTotal]); err != nil {
		return inv, coerceErr(source, inv.InvoiceNo+"."+FieldTotal, err)
	}
	return inv, nil
}

func buildLine(source, path string, rec record) (models.InvoiceLine, error) {
	line := models.InvoiceLine{
		Sku:         rec[FieldSku],
		Description: rec[FieldDescription],
	}
	if line.Description == "" {
		return line, &utils.ExtractionError{Source: source, Field: path + "." + FieldDescription, Reason: "empty value"}
	}
	var err error
	if line.Quantity, err = utils.ParseDecimal(rec[FieldQuantity]); err != nil {
		return line, coerceErr(source, path+"."+FieldQuantity, err)
	}
	if line.UnitPrice, err = utils.ParseDecimal(rec[FieldUnitPrice]); err != nil {
		return line, coerceErr(source, path+"."+FieldUnitPrice, err)
	}
	if line.LineTotal, err = utils.ParseDecimal(rec[FieldLineTotal]); err != nil {
		return line, coerceErr(source, path+"."+FieldLineTotal, err)
	}
	return line, nil
}

func optionalDecimal(v string) (decimal.Decimal, error) {
	if strings.TrimSpace(v) == "" {
		return decimal.Zero, nil
	}
	return utils.ParseDecimal(v)
}

// coerceErr reports a cell that does not convert to its column's type.
func coerceErr(source, field string, err error) error {
	return &utils.ParseError{Format: source, Column: field, Reason: "cannot coerce value", Err: err}
}

// dateOnly truncates to the calendar day in UTC.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
