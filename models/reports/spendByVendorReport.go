package reports

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmdatafocus/procuresight_backend/models"
)

type SpendByVendorResponse struct {
	VendorId     int             `json:"vendor_id"`
	VendorName   string          `json:"vendor"`
	Currency     string          `json:"currency"`
	InvoiceCount int             `json:"invoice_count"`
	TotalSpend   decimal.Decimal `json:"total_spend"`
	TotalTax     decimal.Decimal `json:"total_tax"`
	TotalNet     decimal.Decimal `json:"total_net"`
	LastInvoice  time.Time       `json:"last_invoice_date"`
}

// SpendSources is what the spend report reads.
type SpendSources struct {
	Vendors  models.VendorStore
	Invoices models.InvoiceStore
}

// GetSpendByVendorReport totals the accepted invoices of each vendor dated in
// [from, to]. Amounts are never converted, so a vendor billing in two
// currencies gets one row per currency.
func GetSpendByVendorReport(ctx context.Context, src SpendSources, orgId string, from, to time.Time) ([]*SpendByVendorResponse, error) {
	key := fmt.Sprintf("report:spend_by_vendor:%s:%s:%s", orgId, from.Format(time.DateOnly), to.Format(time.DateOnly))
	var cached []*SpendByVendorResponse
	if ok, err := cacheGet(ctx, key, &cached); err == nil && ok {
		return cached, nil
	}
	started := time.Now()

	vendors, err := src.Vendors.ListVendors(ctx, orgId)
	if err != nil {
		return nil, err
	}

	results := []*SpendByVendorResponse{}
	for _, v := range vendors {
		invoices, err := src.Invoices.ListVendorInvoices(ctx, orgId, v.ID)
		if err != nil {
			return nil, err
		}
		byCurrency := map[string]*SpendByVendorResponse{}
		for _, inv := range invoices {
			if !inv.IsAccepted() || inv.InvoiceDate.Before(from) || inv.InvoiceDate.After(to) {
				continue
			}
			row := byCurrency[inv.Currency]
			if row == nil {
				row = &SpendByVendorResponse{VendorId: v.ID, VendorName: v.Name, Currency: inv.Currency}
				byCurrency[inv.Currency] = row
				results = append(results, row)
			}
			row.InvoiceCount++
			row.TotalSpend = row.TotalSpend.Add(inv.Total)
			row.TotalTax = row.TotalTax.Add(inv.Tax)
			if inv.InvoiceDate.After(row.LastInvoice) {
				row.LastInvoice = inv.InvoiceDate
			}
		}
	}
	for _, r := range results {
		r.TotalNet = r.TotalSpend.Sub(r.TotalTax)
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].VendorName != results[j].VendorName {
			return results[i].VendorName < results[j].VendorName
		}
		return results[i].Currency < results[j].Currency
	})

	logSlowReport(ctx, "spend_by_vendor", started, map[string]any{"vendors": len(vendors)})
	if reportCacheEnabled() {
		_ = cacheSet(ctx, key, results, reportCacheTTL())
	}
	return results, nil
}

func (r SpendByVendorResponse) GetCellValues() []interface{} {
	return []interface{}{
		r.VendorName,
		r.Currency,
		r.InvoiceCount,
		r.TotalNet.InexactFloat64(),
		r.TotalTax.InexactFloat64(),
		r.TotalSpend.InexactFloat64(),
		r.LastInvoice.Format(time.DateOnly),
	}
}

var spendHeadings = []string{"Vendor", "Currency", "InvoiceCount", "Net", "Tax", "Total", "LastInvoiceDate"}

// ExportSpendByVendor writes the report as a single-sheet workbook.
func ExportSpendByVendor(w io.Writer, rows []*SpendByVendorResponse) error {
	data := make([]ExcelExporter, 0, len(rows))
	for _, r := range rows {
		data = append(data, *r)
	}
	return exportExcel(w, "SpendByVendor", data, spendHeadings...)
}
