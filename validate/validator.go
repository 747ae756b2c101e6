package validate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/mmdatafocus/procuresight_backend/config"
	"github.com/mmdatafocus/procuresight_backend/models"
)

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

const (
	CodeLineTotalMismatch = "LINE_TOTAL_MISMATCH"
	CodeLineTotalRounding = "LINE_TOTAL_ROUNDING_ADJUSTED"
	CodeSubtotalMismatch  = "SUBTOTAL_MISMATCH"
	CodeSubtotalRounding  = "SUBTOTAL_ROUNDING_ADJUSTED"
	CodeTotalMismatch     = "TOTAL_MISMATCH"
	CodeTotalRounding     = "TOTAL_ROUNDING_ADJUSTED"
	CodeUnknownCurrency   = "UNKNOWN_CURRENCY"
	CodeMissingField      = "MISSING_FIELD"
)

const (
	FieldSubtotal = "subtotal"
	FieldTotal    = "total"
	FieldCurrency = "currency"

	lineTotalFieldFormatter = "lines[%d].line_total"
)

// Violation is one finding against an invoice. Expected, Actual and Diff are
// set for arithmetic checks only.
type Violation struct {
	Code     string           `json:"code"`
	Field    string           `json:"field"`
	Message  string           `json:"message"`
	Severity Severity         `json:"severity"`
	Weight   float64          `json:"weight"`
	Expected *decimal.Decimal `json:"expected,omitempty"`
	Actual   *decimal.Decimal `json:"actual,omitempty"`
	Diff     *decimal.Decimal `json:"diff,omitempty"`
}

// Decision is the outcome of validating one invoice. Invoice is a normalized
// copy: amounts within tolerance carry their recomputed values.
type Decision struct {
	Invoice         models.Invoice     `json:"invoice"`
	NeedsReview     bool               `json:"needs_review"`
	Confidence      float64            `json:"confidence"`
	FieldConfidence map[string]float64 `json:"field_confidence,omitempty"`
	Violations      []Violation        `json:"violations"`
}

func (d Decision) HasErrors() bool {
	for _, v := range d.Violations {
		if v.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Accepted reports whether the invoice may be folded into vendor baselines.
func (d Decision) Accepted() bool {
	return !d.NeedsReview && !d.HasErrors() && !d.Invoice.IsDuplicate()
}

func (d Decision) ViolationsJSON() (datatypes.JSON, error) {
	if len(d.Violations) == 0 {
		return datatypes.JSON("[]"), nil
	}
	raw, err := json.Marshal(d.Violations)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// Apply copies the decision outcome onto inv: normalized amounts, review
// flag, confidence, status and violations.
func (d Decision) Apply(inv *models.Invoice) error {
	raw, err := d.ViolationsJSON()
	if err != nil {
		return err
	}
	inv.Lines = d.Invoice.Lines
	inv.Subtotal = d.Invoice.Subtotal
	inv.Total = d.Invoice.Total
	inv.NeedsReview = d.NeedsReview
	inv.Confidence = d.Confidence
	inv.Violations = raw
	if d.NeedsReview && inv.Status == models.InvoiceStatusReceived {
		inv.Status = models.InvoiceStatusNeedsReview
	}
	return nil
}

type Config struct {
	Tolerance       decimal.Decimal
	ReviewThreshold float64
	ErrorWeight     float64
	WarningWeight   float64
}

func DefaultConfig() Config {
	return ConfigFromSettings(config.DefaultSettings())
}

func ConfigFromSettings(s *config.Settings) Config {
	return Config{
		Tolerance:       s.Tolerance,
		ReviewThreshold: s.ReviewThreshold,
		ErrorWeight:     s.ErrorWeight,
		WarningWeight:   s.WarningWeight,
	}
}

type Validator struct {
	cfg Config
}

func New(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate checks line arithmetic, subtotal, total, currency and required
// header fields, in that order. It does not modify inv.
func (v *Validator) Validate(inv models.Invoice) Decision {
	out := inv.Clone()
	var violations []Violation
	tol := v.cfg.Tolerance

	// 1) line_total ≈ qty * unit_price
	for i := range out.Lines {
		line := &out.Lines[i]
		expected := line.Quantity.Mul(line.UnitPrice).Round(2)
		actual := line.LineTotal
		diff := expected.Sub(actual).Abs()
		field := fmt.Sprintf(lineTotalFieldFormatter, i)
		switch {
		case diff.GreaterThan(tol):
			violations = append(violations, v.arith(CodeLineTotalMismatch, field, SeverityError,
				fmt.Sprintf("line_total differs from qty * unit_price by %s (expected %s, got %s).",
					diff.StringFixed(2), expected.StringFixed(2), actual.StringFixed(2)),
				expected, actual, diff))
		case diff.IsPositive():
			violations = append(violations, v.arith(CodeLineTotalRounding, field, SeverityWarning,
				fmt.Sprintf("line_total adjusted from %s to %s due to minor rounding difference.",
					actual.StringFixed(2), expected.StringFixed(2)),
				expected, actual, diff))
			line.LineTotal = expected
		}
	}

	// 2) sum(line_total) ≈ subtotal
	computed := decimal.Zero
	for _, line := range out.Lines {
		computed = computed.Add(line.LineTotal)
	}
	computed = computed.Round(2)
	if diff := computed.Sub(out.Subtotal).Abs(); diff.GreaterThan(tol) {
		violations = append(violations, v.arith(CodeSubtotalMismatch, FieldSubtotal, SeverityError,
			fmt.Sprintf("subtotal differs from sum of line totals by %s (expected %s, got %s).",
				diff.StringFixed(2), computed.StringFixed(2), out.Subtotal.StringFixed(2)),
			computed, out.Subtotal, diff))
	} else if diff.IsPositive() {
		violations = append(violations, v.arith(CodeSubtotalRounding, FieldSubtotal, SeverityWarning,
			fmt.Sprintf("subtotal adjusted from %s to %s due to minor rounding difference.",
				out.Subtotal.StringFixed(2), computed.StringFixed(2)),
			computed, out.Subtotal, diff))
		out.Subtotal = computed
	}

	// 3) subtotal + tax ≈ total
	expectedTotal := out.Subtotal.Add(out.Tax).Round(2)
	if diff := expectedTotal.Sub(out.Total).Abs(); diff.GreaterThan(tol) {
		violations = append(violations, v.arith(CodeTotalMismatch, FieldTotal, SeverityError,
			fmt.Sprintf("total differs from subtotal + tax by %s (expected %s, got %s).",
				diff.StringFixed(2), expectedTotal.StringFixed(2), out.Total.StringFixed(2)),
			expectedTotal, out.Total, diff))
	} else if diff.IsPositive() {
		violations = append(violations, v.arith(CodeTotalRounding, FieldTotal, SeverityWarning,
			fmt.Sprintf("total adjusted from %s to %s due to minor rounding difference.",
				out.Total.StringFixed(2), expectedTotal.StringFixed(2)),
			expectedTotal, out.Total, diff))
		out.Total = expectedTotal
	}

	// 4) currency
	if !IsKnownCurrency(strings.ToUpper(strings.TrimSpace(out.Currency))) {
		violations = append(violations, Violation{
			Code:     CodeUnknownCurrency,
			Field:    FieldCurrency,
			Message:  fmt.Sprintf("currency %q is not an ISO 4217 code.", out.Currency),
			Severity: SeverityWarning,
			Weight:   v.cfg.WarningWeight,
		})
	}

	// 5) required header fields
	missing := func(field string) {
		violations = append(violations, Violation{
			Code:     CodeMissingField,
			Field:    field,
			Message:  field + " is missing.",
			Severity: SeverityError,
			Weight:   v.cfg.ErrorWeight,
		})
	}
	if strings.TrimSpace(out.VendorName) == "" {
		missing("vendor")
	}
	if strings.TrimSpace(out.InvoiceNo) == "" {
		missing("invoice_no")
	}
	if out.InvoiceDate.IsZero() {
		missing("invoice_date")
	}

	d := Decision{Invoice: out, Violations: violations}
	d.Confidence, d.FieldConfidence = confidence(violations)
	d.NeedsReview = d.Confidence < v.cfg.ReviewThreshold || d.HasErrors()
	return d
}

func (v *Validator) arith(code, field string, sev Severity, msg string, expected, actual, diff decimal.Decimal) Violation {
	w := v.cfg.ErrorWeight
	if sev == SeverityWarning {
		// rounding adjustments never reduce confidence
		w = 0
	}
	return Violation{
		Code:     code,
		Field:    field,
		Message:  msg,
		Severity: sev,
		Weight:   w,
		Expected: &expected,
		Actual:   &actual,
		Diff:     &diff,
	}
}

func confidence(violations []Violation) (float64, map[string]float64) {
	var total float64
	perField := make(map[string]float64)
	for _, v := range violations {
		total += v.Weight
		perField[v.Field] += v.Weight
	}
	fields := make(map[string]float64, len(perField))
	for f, w := range perField {
		fields[f] = clamp01(1 - w)
	}
	return clamp01(1 - total), fields
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
