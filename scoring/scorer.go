package scoring

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmdatafocus/procuresight_backend/baseline"
	"github.com/mmdatafocus/procuresight_backend/config"
	"github.com/mmdatafocus/procuresight_backend/models"
	"github.com/mmdatafocus/procuresight_backend/utils"
)

// Candidate is a detected anomaly before it is persisted as an alert.
type Candidate struct {
	Type     models.AlertType     `json:"type"`
	Severity models.AlertSeverity `json:"severity"`
	Score    float64              `json:"score"`
	Message  string               `json:"message"`
	Meta     map[string]any       `json:"meta"`
}

// Input is what every rule sees. Snapshot may be nil when no baseline read
// was possible; rules depending on it then produce nothing.
type Input struct {
	Invoice  *models.Invoice
	Snapshot *baseline.Snapshot
}

// Rule is one anomaly check. A rule whose baseline is unavailable returns
// an error wrapping utils.ErrBaselineUnavailable and is skipped.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, in Input) ([]Candidate, error)
}

type Config struct {
	PriceDeviationK float64
	SpendSpikeK     float64
}

func ConfigFromSettings(s *config.Settings) Config {
	return Config{PriceDeviationK: s.PriceDeviationK, SpendSpikeK: s.SpendSpikeK}
}

func DefaultConfig() Config {
	return ConfigFromSettings(config.DefaultSettings())
}

// Scorer evaluates rules in a fixed order and concatenates their candidates.
type Scorer struct {
	rules []Rule
}

// New returns the default rule chain: duplicate, price deviation, volume spike.
func New(invoices models.InvoiceStore, cfg Config) *Scorer {
	return NewWithRules(
		&DuplicateRule{Invoices: invoices},
		&PriceDeviationRule{K: cfg.PriceDeviationK},
		&VolumeSpikeRule{K: cfg.SpendSpikeK},
	)
}

func NewWithRules(rules ...Rule) *Scorer {
	return &Scorer{rules: rules}
}

// Score runs every rule. A failing rule does not stop the others; its error
// is joined into the returned error alongside whatever candidates were found.
func (s *Scorer) Score(ctx context.Context, inv *models.Invoice, snap *baseline.Snapshot) ([]Candidate, error) {
	in := Input{Invoice: inv, Snapshot: snap}
	var out []Candidate
	var errs []error
	for _, r := range s.rules {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		cands, err := r.Evaluate(ctx, in)
		if err != nil {
			if errors.Is(err, utils.ErrBaselineUnavailable) {
				continue
			}
			errs = append(errs, fmt.Errorf("rule %s: %w", r.Name(), err))
			continue
		}
		out = append(out, cands...)
	}
	return out, errors.Join(errs...)
}

func invoiceLabel(inv *models.Invoice) string {
	if inv.InvoiceNo != "" {
		return inv.InvoiceNo
	}
	return fmt.Sprint(inv.ID)
}

func vendorLabel(inv *models.Invoice) string {
	if inv.VendorName != "" {
		return inv.VendorName
	}
	return fmt.Sprint(inv.VendorId)
}
