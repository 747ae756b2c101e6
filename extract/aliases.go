// Package extract maps parsed documents onto canonical invoices.
package extract

import "strings"

const (
	FieldInvoiceNo   = "invoice_no"
	FieldVendor      = "vendor"
	FieldInvoiceDate = "invoice_date"
	FieldDueDate     = "due_date"
	FieldCurrency    = "currency"
	FieldSubtotal    = "subtotal"
	FieldTax         = "tax"
	FieldTotal       = "total"
	FieldSku         = "sku"
	FieldDescription = "description"
	FieldQuantity    = "quantity"
	FieldUnitPrice   = "unit_price"
	FieldLineTotal   = "line_total"
	FieldLines       = "lines"
)

// columnAliases lists the accepted source names for each canonical field,
// compared after lower-casing and trimming.
var columnAliases = map[string][]string{
	FieldInvoiceNo:   {"invoice", "invoice_no", "invoice number", "inv_no"},
	FieldVendor:      {"vendor", "supplier", "vendor_name"},
	FieldInvoiceDate: {"date", "invoice_date"},
	FieldDueDate:     {"due", "due_date"},
	FieldCurrency:    {"currency"},
	FieldSubtotal:    {"subtotal"},
	FieldTax:         {"tax", "tax_total"},
	FieldTotal:       {"total", "grand_total"},
	FieldSku:         {"sku", "item_code"},
	FieldDescription: {"desc", "description", "item"},
	FieldQuantity:    {"qty", "quantity"},
	FieldUnitPrice:   {"unit_price", "price"},
	FieldLineTotal:   {"line_total", "amount"},
}

// RequiredColumns must be present in every tabular source.
var RequiredColumns = []string{
	FieldInvoiceNo, FieldVendor, FieldInvoiceDate, FieldCurrency, FieldTotal,
	FieldDescription, FieldQuantity, FieldUnitPrice, FieldLineTotal,
}

var headerFields = []string{
	FieldInvoiceNo, FieldVendor, FieldInvoiceDate, FieldDueDate,
	FieldCurrency, FieldSubtotal, FieldTax, FieldTotal,
}

var lineFields = []string{
	FieldSku, FieldDescription, FieldQuantity, FieldUnitPrice, FieldLineTotal,
}

var aliasIndex = func() map[string]string {
	idx := make(map[string]string)
	for canonical, aliases := range columnAliases {
		for _, a := range aliases {
			idx[a] = canonical
		}
	}
	return idx
}()

// CanonicalField resolves a source column name, reporting false for columns
// the alias table does not know.
func CanonicalField(name string) (string, bool) {
	f, ok := aliasIndex[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}
