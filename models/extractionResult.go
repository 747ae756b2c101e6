package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// ClaimLockTimeout is how long a dispatcher claim is honoured before another
// worker may reclaim the row.
const ClaimLockTimeout = 5 * time.Minute

// ExtractionResult is the per-document staging row between ingest and the
// canonical invoices. The dispatcher columns (attempts, next_attempt_at,
// locked_*) drive background retries of retryable failures.
type ExtractionResult struct {
	ID            int              `gorm:"primary_key" json:"id"`
	OrgId         string           `gorm:"size:64;not null;index" json:"org_id"`
	DocumentId    int              `gorm:"not null;uniqueIndex" json:"document_id"`
	Status        ExtractionStatus `gorm:"size:20;not null;index" json:"status"`
	Confidence    float64          `gorm:"type:decimal(5,4);default:0" json:"confidence"`
	NeedsReview   bool             `gorm:"not null;default:false" json:"needs_review"`
	Payload       datatypes.JSON   `gorm:"type:json" json:"payload"`
	Attempts      int              `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt *time.Time       `gorm:"index" json:"next_attempt_at"`
	LockedAt      *time.Time       `json:"locked_at"`
	LockedBy      *string          `gorm:"size:64" json:"locked_by"`
	LastError     *string          `gorm:"type:text" json:"last_error"`
	CreatedAt     time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// ExtractionPayload is the JSON document stored in ExtractionResult.Payload.
type ExtractionPayload struct {
	DocumentClass string   `json:"document_class"`
	InvoiceIds    []int    `json:"invoice_ids"`
	Warnings      []string `json:"warnings,omitempty"`
	Duplicate     bool     `json:"duplicate,omitempty"`
}

func (r *ExtractionResult) SetPayload(p ExtractionPayload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	r.Payload = datatypes.JSON(b)
	return nil
}

func (r *ExtractionResult) GetPayload() (ExtractionPayload, error) {
	var p ExtractionPayload
	if len(r.Payload) == 0 {
		return p, nil
	}
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}
