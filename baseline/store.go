package baseline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/mmdatafocus/procuresight_backend/config"
	"github.com/mmdatafocus/procuresight_backend/models"
	"github.com/mmdatafocus/procuresight_backend/utils"
)

type Config struct {
	PriceWindowSize  int
	MinPriceSamples  int
	SpendWindowSize  int
	SpendWindowDays  int
	MinSpendInvoices int
}

func ConfigFromSettings(s *config.Settings) Config {
	return Config{
		PriceWindowSize:  s.PriceWindowSize,
		MinPriceSamples:  s.MinPriceSamples,
		SpendWindowSize:  s.SpendWindowSize,
		SpendWindowDays:  s.SpendWindowDays,
		MinSpendInvoices: s.MinSpendInvoices,
	}
}

func DefaultConfig() Config {
	return ConfigFromSettings(config.DefaultSettings())
}

// View is what a WithVendor callback sees. Every call runs under the
// vendor's lock.
type View interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
	Fold(ctx context.Context, inv *models.Invoice) error
}

// Store keeps the rolling per-vendor price and spend baselines.
type Store struct {
	repo   models.BaselineRepository
	locker Locker
	cfg    Config
}

func NewStore(repo models.BaselineRepository, locker Locker, cfg Config) *Store {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Store{repo: repo, locker: locker, cfg: cfg}
}

func lockKey(orgId string, vendorId int) string {
	return fmt.Sprintf("baseline:%s:%d", orgId, vendorId)
}

// WithVendor runs fn while holding the lock for (orgId, vendorId). Reads and
// folds made through the view are serialized against every other caller for
// the same vendor; other vendors do not contend.
func (s *Store) WithVendor(ctx context.Context, orgId string, vendorId int, fn func(View) error) error {
	unlock, err := s.locker.Lock(ctx, lockKey(orgId, vendorId))
	if err != nil {
		return fmt.Errorf("lock vendor %d: %w", vendorId, err)
	}
	defer unlock()
	return fn(&vendorView{store: s, orgId: orgId, vendorId: vendorId})
}

// Snapshot takes the vendor lock just long enough to read a consistent view.
func (s *Store) Snapshot(ctx context.Context, orgId string, vendorId int) (*Snapshot, error) {
	var snap *Snapshot
	err := s.WithVendor(ctx, orgId, vendorId, func(v View) error {
		var err error
		snap, err = v.Snapshot(ctx)
		return err
	})
	return snap, err
}

// Rebuild discards the vendor's baselines and refolds invoices in order.
// Only accepted invoices should be passed.
func (s *Store) Rebuild(ctx context.Context, orgId string, vendorId int, invoices []models.Invoice) error {
	return s.WithVendor(ctx, orgId, vendorId, func(v View) error {
		if err := s.repo.DeleteVendorBaselines(ctx, orgId, vendorId); err != nil {
			return err
		}
		for i := range invoices {
			if err := v.Fold(ctx, &invoices[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

type vendorView struct {
	store    *Store
	orgId    string
	vendorId int
}

func (v *vendorView) Snapshot(ctx context.Context) (*Snapshot, error) {
	prices, err := v.store.repo.ListPriceBaselines(ctx, v.orgId, v.vendorId)
	if err != nil {
		return nil, err
	}
	snap := NewSnapshot(v.orgId, v.vendorId, v.store.cfg, make(map[string]PriceBaseline, len(prices)), nil)
	for _, b := range prices {
		snap.Prices[b.Sku] = PriceBaseline{
			Sku:         b.Sku,
			Median:      b.RollingMedianUnitPrice,
			SampleCount: b.SampleCount,
			WindowStart: b.WindowStart,
			WindowEnd:   b.WindowEnd,
		}
	}
	spend, err := v.store.repo.GetSpendBaseline(ctx, v.orgId, v.vendorId)
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
	case err != nil:
		return nil, err
	default:
		snap.Spend = &SpendBaseline{
			InvoiceCount: spend.InvoiceCount,
			TotalSpend:   spend.TotalSpend,
			AverageSpend: spend.AverageSpend,
			WindowStart:  spend.WindowStart,
			WindowEnd:    spend.WindowEnd,
		}
	}
	return snap, nil
}

// Fold adds one accepted invoice to the vendor's baselines. Folding the same
// invoice twice is a no-op.
func (v *vendorView) Fold(ctx context.Context, inv *models.Invoice) error {
	if inv.OrgId != v.orgId || inv.VendorId != v.vendorId {
		return fmt.Errorf("fold invoice %d: belongs to vendor %d, view is vendor %d", inv.ID, inv.VendorId, v.vendorId)
	}

	bySku := make(map[string][]models.PriceSample)
	var skus []string
	for _, l := range inv.Lines {
		if l.Sku == "" || !l.UnitPrice.IsPositive() {
			continue
		}
		if _, seen := bySku[l.Sku]; !seen {
			skus = append(skus, l.Sku)
		}
		bySku[l.Sku] = append(bySku[l.Sku], models.PriceSample{
			InvoiceId:  inv.ID,
			UnitPrice:  l.UnitPrice,
			ObservedAt: inv.InvoiceDate,
		})
	}
	for _, sku := range skus {
		if err := v.foldPrice(ctx, inv.ID, sku, bySku[sku]); err != nil {
			return err
		}
	}
	return v.foldSpend(ctx, inv)
}

func (v *vendorView) foldPrice(ctx context.Context, invoiceId int, sku string, fresh []models.PriceSample) error {
	b, err := v.store.repo.GetPriceBaseline(ctx, v.orgId, v.vendorId, sku)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		b = &models.VendorBaseline{OrgId: v.orgId, VendorId: v.vendorId, Sku: sku}
	} else if err != nil {
		return err
	}
	samples, err := b.GetSamples()
	if err != nil {
		return fmt.Errorf("decode price samples for %s: %w", sku, err)
	}
	for _, s := range samples {
		if s.InvoiceId == invoiceId && invoiceId != 0 {
			return nil
		}
	}

	samples = append(samples, fresh...)
	if n := v.store.cfg.PriceWindowSize; n > 0 && len(samples) > n {
		samples = samples[len(samples)-n:]
	}
	prices := make([]decimal.Decimal, len(samples))
	start, end := samples[0].ObservedAt, samples[0].ObservedAt
	for i, s := range samples {
		prices[i] = s.UnitPrice
		if s.ObservedAt.Before(start) {
			start = s.ObservedAt
		}
		if s.ObservedAt.After(end) {
			end = s.ObservedAt
		}
	}
	if err := b.SetSamples(samples); err != nil {
		return err
	}
	b.RollingMedianUnitPrice = Median(prices)
	b.SampleCount = len(samples)
	b.WindowStart, b.WindowEnd = start, end
	return v.store.repo.SavePriceBaseline(ctx, b)
}

func (v *vendorView) foldSpend(ctx context.Context, inv *models.Invoice) error {
	sp, err := v.store.repo.GetSpendBaseline(ctx, v.orgId, v.vendorId)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		sp = &models.VendorSpend{OrgId: v.orgId, VendorId: v.vendorId}
	} else if err != nil {
		return err
	}
	samples, err := sp.GetSamples()
	if err != nil {
		return fmt.Errorf("decode spend samples: %w", err)
	}
	for _, s := range samples {
		if s.InvoiceId == inv.ID && inv.ID != 0 {
			return nil
		}
	}

	samples = append(samples, models.SpendSample{InvoiceId: inv.ID, Total: inv.Total, InvoiceDate: inv.InvoiceDate})
	samples = trimSpendWindow(samples, v.store.cfg.SpendWindowSize, v.store.cfg.SpendWindowDays)

	total := decimal.Zero
	for _, s := range samples {
		total = total.Add(s.Total)
	}
	if err := sp.SetSamples(samples); err != nil {
		return err
	}
	sp.InvoiceCount = len(samples)
	sp.TotalSpend = total
	sp.AverageSpend = decimal.Zero
	if len(samples) > 0 {
		sp.AverageSpend = total.Div(decimal.NewFromInt(int64(len(samples)))).Round(2)
		sp.WindowStart = samples[0].InvoiceDate
		sp.WindowEnd = samples[len(samples)-1].InvoiceDate
	}
	return v.store.repo.SaveSpendBaseline(ctx, sp)
}

// trimSpendWindow orders samples by invoice date and keeps those within days
// of the newest, capped at the size most recent.
func trimSpendWindow(samples []models.SpendSample, size, days int) []models.SpendSample {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].InvoiceDate.Before(samples[j].InvoiceDate)
	})
	if len(samples) == 0 {
		return samples
	}
	if days > 0 {
		cutoff := samples[len(samples)-1].InvoiceDate.AddDate(0, 0, -days)
		i := sort.Search(len(samples), func(i int) bool {
			return !samples[i].InvoiceDate.Before(cutoff)
		})
		samples = samples[i:]
	}
	if size > 0 && len(samples) > size {
		samples = samples[len(samples)-size:]
	}
	return samples
}

// Median of values; the mean of the middle pair for even counts.
func Median(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sorted := make([]decimal.Decimal, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2)).Round(4)
}
