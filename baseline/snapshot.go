package baseline

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmdatafocus/procuresight_backend/utils"
)

type PriceBaseline struct {
	Sku         string          `json:"sku"`
	Median      decimal.Decimal `json:"median_unit_price"`
	SampleCount int             `json:"sample_count"`
	WindowStart time.Time       `json:"window_start"`
	WindowEnd   time.Time       `json:"window_end"`
}

type SpendBaseline struct {
	InvoiceCount int             `json:"invoice_count"`
	TotalSpend   decimal.Decimal `json:"total_spend"`
	AverageSpend decimal.Decimal `json:"average_spend"`
	WindowStart  time.Time       `json:"window_start"`
	WindowEnd    time.Time       `json:"window_end"`
}

// Snapshot is a consistent read of one vendor's baselines. It carries every
// stored row; the accessors apply the sample minimums.
type Snapshot struct {
	OrgId    string                   `json:"org_id"`
	VendorId int                      `json:"vendor_id"`
	Prices   map[string]PriceBaseline `json:"prices"`
	Spend    *SpendBaseline           `json:"spend,omitempty"`

	minPriceSamples  int
	minSpendInvoices int
}

// Price returns the baseline for sku, or ErrBaselineUnavailable when there is
// none or it has fewer samples than the minimum.
func (s *Snapshot) Price(sku string) (PriceBaseline, error) {
	b, ok := s.Prices[sku]
	if !ok {
		return PriceBaseline{}, fmt.Errorf("sku %q: %w", sku, utils.ErrBaselineUnavailable)
	}
	if b.SampleCount < s.minPriceSamples {
		return b, fmt.Errorf("sku %q has %d samples, need %d: %w", sku, b.SampleCount, s.minPriceSamples, utils.ErrBaselineUnavailable)
	}
	return b, nil
}

// SpendAverage returns the trailing spend baseline, or ErrBaselineUnavailable
// below the minimum invoice count.
func (s *Snapshot) SpendAverage() (SpendBaseline, error) {
	if s.Spend == nil {
		return SpendBaseline{}, fmt.Errorf("spend: %w", utils.ErrBaselineUnavailable)
	}
	if s.Spend.InvoiceCount < s.minSpendInvoices || !s.Spend.AverageSpend.IsPositive() {
		return *s.Spend, fmt.Errorf("spend has %d invoices, need %d: %w", s.Spend.InvoiceCount, s.minSpendInvoices, utils.ErrBaselineUnavailable)
	}
	return *s.Spend, nil
}

// NewSnapshot builds a snapshot directly, for callers that score against
// baselines they already hold.
func NewSnapshot(orgId string, vendorId int, cfg Config, prices map[string]PriceBaseline, spend *SpendBaseline) *Snapshot {
	if prices == nil {
		prices = map[string]PriceBaseline{}
	}
	return &Snapshot{
		OrgId:            orgId,
		VendorId:         vendorId,
		Prices:           prices,
		Spend:            spend,
		minPriceSamples:  cfg.MinPriceSamples,
		minSpendInvoices: cfg.MinSpendInvoices,
	}
}
