package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/mmdatafocus/procuresight_backend/models"
	"github.com/mmdatafocus/procuresight_backend/utils"
)

// DuplicateRule flags an invoice whose (org, vendor, invoice_no) key is
// already held by another canonical invoice. It also reports invoices of the
// same vendor with an identical total and date under a different number.
type DuplicateRule struct {
	Invoices models.InvoiceStore
}

func (r *DuplicateRule) Name() string { return "duplicate" }

func (r *DuplicateRule) Evaluate(ctx context.Context, in Input) ([]Candidate, error) {
	inv := in.Invoice
	var out []Candidate

	canonical, err := r.Invoices.FindCanonicalInvoice(ctx, inv.OrgId, inv.VendorId, inv.InvoiceNo)
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
	case err != nil:
		return nil, err
	case canonical.ID != inv.ID:
		out = append(out, Candidate{
			Type:     models.AlertTypeDuplicate,
			Severity: models.AlertSeverityHigh,
			Score:    1.0,
			Message: fmt.Sprintf("Invoice %s for vendor %s has 1 potential duplicate(s) based on matching invoice number.",
				invoiceLabel(inv), vendorLabel(inv)),
			Meta: map[string]any{
				"rule":                 "duplicate_invoice",
				"match":                "invoice_no",
				"candidate_invoice_id": inv.ID,
				"candidate_invoice_no": inv.InvoiceNo,
				"duplicate_of":         canonical.ID,
				"duplicates": []map[string]any{{
					"invoice_id":   canonical.ID,
					"invoice_no":   canonical.InvoiceNo,
					"total":        canonical.Total.StringFixed(2),
					"invoice_date": canonical.InvoiceDate.Format("2006-01-02"),
				}},
			},
		})
	}

	same, err := r.Invoices.FindSameTotalAndDate(ctx, inv.OrgId, inv.VendorId, inv.Total, inv.InvoiceDate, inv.ID)
	if err != nil {
		return out, err
	}
	var matches []map[string]any
	for _, o := range same {
		if o.InvoiceNo == inv.InvoiceNo {
			continue
		}
		matches = append(matches, map[string]any{
			"invoice_id":   o.ID,
			"invoice_no":   o.InvoiceNo,
			"total":        o.Total.StringFixed(2),
			"invoice_date": o.InvoiceDate.Format("2006-01-02"),
		})
	}
	if len(matches) > 0 {
		out = append(out, Candidate{
			Type:     models.AlertTypeDuplicate,
			Severity: models.AlertSeverityMedium,
			Score:    0.5,
			Message: fmt.Sprintf("Invoice %s for vendor %s has %d potential duplicate(s) based on matching total and invoice date.",
				invoiceLabel(inv), vendorLabel(inv), len(matches)),
			Meta: map[string]any{
				"rule":                    "duplicate_invoice",
				"match":                   "total_and_date",
				"candidate_invoice_id":    inv.ID,
				"candidate_invoice_no":    inv.InvoiceNo,
				"candidate_invoice_total": inv.Total.StringFixed(2),
				"duplicates":              matches,
			},
		})
	}
	return out, nil
}

// PriceDeviationRule flags lines whose unit price deviates from the vendor's
// rolling median for the SKU by more than K (relative).
type PriceDeviationRule struct {
	K float64
}

func (r *PriceDeviationRule) Name() string { return "price_deviation" }

func (r *PriceDeviationRule) Evaluate(ctx context.Context, in Input) ([]Candidate, error) {
	if in.Snapshot == nil {
		return nil, utils.ErrBaselineUnavailable
	}
	inv := in.Invoice
	var out []Candidate
	for i, line := range inv.Lines {
		if line.Sku == "" || !line.UnitPrice.IsPositive() {
			continue
		}
		b, err := in.Snapshot.Price(line.Sku)
		if err != nil {
			if errors.Is(err, utils.ErrBaselineUnavailable) {
				continue
			}
			return out, err
		}
		if !b.Median.IsPositive() {
			continue
		}
		u := line.UnitPrice.InexactFloat64()
		m := b.Median.InexactFloat64()
		d := math.Abs(u-m) / m
		if d <= r.K {
			continue
		}

		sev := models.AlertSeverityMedium
		switch {
		case d >= 2*r.K:
			sev = models.AlertSeverityCritical
		case d >= 1.5*r.K:
			sev = models.AlertSeverityHigh
		}
		ratio := u / m
		out = append(out, Candidate{
			Type:     models.AlertTypePriceDeviation,
			Severity: sev,
			Score:    d,
			Message: fmt.Sprintf("Unit price %.2f for SKU '%s' on invoice %s is %.2fx the historical median price (%.2f) for this vendor.",
				u, line.Sku, invoiceLabel(inv), ratio, m),
			Meta: map[string]any{
				"rule":              "unit_price_delta_vs_median",
				"ratio":             ratio,
				"deviation":         d,
				"median_unit_price": b.Median.String(),
				"unit_price":        line.UnitPrice.String(),
				"sample_size":       b.SampleCount,
				"sku":               line.Sku,
				"desc":              line.Description,
				"line":              i,
				"invoice_no":        inv.InvoiceNo,
			},
		})
	}
	return out, nil
}

// VolumeSpikeRule flags an invoice whose total exceeds K times the vendor's
// trailing average invoice total.
type VolumeSpikeRule struct {
	K float64
}

func (r *VolumeSpikeRule) Name() string { return "volume_spike" }

func (r *VolumeSpikeRule) Evaluate(ctx context.Context, in Input) ([]Candidate, error) {
	if in.Snapshot == nil {
		return nil, utils.ErrBaselineUnavailable
	}
	spend, err := in.Snapshot.SpendAverage()
	if err != nil {
		return nil, err
	}
	inv := in.Invoice
	total := inv.Total.InexactFloat64()
	avg := spend.AverageSpend.InexactFloat64()
	ratio := total / avg
	if ratio <= r.K {
		return nil, nil
	}
	sev := models.AlertSeverityMedium
	if ratio >= 2*r.K {
		sev = models.AlertSeverityHigh
	}
	days := int(spend.WindowEnd.Sub(spend.WindowStart).Hours()/24) + 1
	return []Candidate{{
		Type:     models.AlertTypeVolumeSpike,
		Severity: sev,
		Score:    ratio,
		Message: fmt.Sprintf("Invoice total %.2f on invoice %s is %.2fx the vendor's average invoice total over the last %dd.",
			total, invoiceLabel(inv), ratio, days),
		Meta: map[string]any{
			"rule":               "vendor_volume_spike",
			"ratio":              ratio,
			"baseline_avg_total": spend.AverageSpend.String(),
			"invoice_total":      inv.Total.String(),
			"invoice_count":      spend.InvoiceCount,
			"total_spend":        spend.TotalSpend.String(),
			"window_start":       spend.WindowStart.Format("2006-01-02"),
			"window_end":         spend.WindowEnd.Format("2006-01-02"),
			"invoice_no":         inv.InvoiceNo,
		},
	}}, nil
}
