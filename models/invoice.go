package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Invoice is the canonical invoice record. Every extraction path converges
// on this shape before validation.
//
// Unique constraint: (org_id, vendor_id, invoice_no, duplicate_seq). The
// canonical invoice for a key has duplicate_seq = 0; later arrivals with the
// same key are stored as duplicates pointing at it rather than overwriting it.
type Invoice struct {
	ID           int             `gorm:"primary_key" json:"id"`
	OrgId        string          `gorm:"size:64;not null;uniqueIndex:uniq_invoice_key,priority:1" json:"org_id"`
	VendorId     int             `gorm:"not null;uniqueIndex:uniq_invoice_key,priority:2;index" json:"vendor_id"`
	VendorName   string          `gorm:"size:255;not null" json:"vendor"`
	InvoiceNo    string          `gorm:"size:128;not null;uniqueIndex:uniq_invoice_key,priority:3" json:"invoice_no"`
	DuplicateSeq int             `gorm:"not null;default:0;uniqueIndex:uniq_invoice_key,priority:4" json:"duplicate_seq"`
	DuplicateOf  *int            `gorm:"index" json:"duplicate_of,omitempty"`
	InvoiceDate  time.Time       `gorm:"type:date;not null" json:"invoice_date"`
	DueDate      *time.Time      `gorm:"type:date" json:"due_date,omitempty"`
	Currency     string          `gorm:"size:3;not null" json:"currency"`
	Subtotal     decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0" json:"subtotal"`
	Tax          decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0" json:"tax"`
	Total        decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0" json:"total"`
	Status       InvoiceStatus   `gorm:"size:20;not null;index" json:"status"`
	NeedsReview  bool            `gorm:"not null;default:false" json:"needs_review"`
	Confidence   float64         `gorm:"type:decimal(5,4);default:0" json:"confidence"`
	Violations   datatypes.JSON  `gorm:"type:json" json:"violations,omitempty"`
	SourceDocId  *int            `gorm:"index" json:"source_doc_id,omitempty"`
	Lines        []InvoiceLine   `gorm:"foreignKey:InvoiceId" json:"lines"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type InvoiceLine struct {
	ID          int             `gorm:"primary_key" json:"id"`
	InvoiceId   int             `gorm:"index;not null" json:"invoice_id"`
	Position    int             `gorm:"not null;default:0" json:"position"`
	Sku         string          `gorm:"size:128;index" json:"sku,omitempty"`
	Description string          `gorm:"size:512;not null" json:"desc"`
	Quantity    decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"qty"`
	UnitPrice   decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"unit_price"`
	LineTotal   decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"line_total"`
}

// Clone returns a deep copy; decimals are immutable values so copying the
// line slice is sufficient.
func (inv Invoice) Clone() Invoice {
	out := inv
	if inv.Lines != nil {
		out.Lines = make([]InvoiceLine, len(inv.Lines))
		copy(out.Lines, inv.Lines)
	}
	if inv.DueDate != nil {
		d := *inv.DueDate
		out.DueDate = &d
	}
	if inv.DuplicateOf != nil {
		d := *inv.DuplicateOf
		out.DuplicateOf = &d
	}
	if inv.SourceDocId != nil {
		d := *inv.SourceDocId
		out.SourceDocId = &d
	}
	if inv.Violations != nil {
		out.Violations = append(datatypes.JSON(nil), inv.Violations...)
	}
	return out
}

func (inv Invoice) IsDuplicate() bool {
	return inv.DuplicateSeq > 0 || inv.Status == InvoiceStatusDuplicate
}

// IsAccepted reports whether the invoice may be folded into vendor baselines.
// Error-severity violations always set NeedsReview.
func (inv Invoice) IsAccepted() bool {
	return !inv.NeedsReview && !inv.IsDuplicate()
}

func (inv Invoice) GetCursor() string {
	return inv.CreatedAt.UTC().Format(cursorTimeLayout)
}

func (inv Invoice) GetId() int { return inv.ID }
