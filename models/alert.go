package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Alert is a scored anomaly on one invoice.
//
// OpenKey is "org|invoice|type" while the alert is open and NULL once it is
// acknowledged or dismissed, so the unique index allows at most one open
// alert per (org, invoice, type) while keeping any number of closed ones.
type Alert struct {
	ID             int               `gorm:"primary_key" json:"id"`
	OrgId          string            `gorm:"size:64;not null;index:idx_alert_org_status,priority:1" json:"org_id"`
	InvoiceId      int               `gorm:"not null;index" json:"invoice_id"`
	VendorId       int               `gorm:"not null;index" json:"vendor_id"`
	VendorName     string            `gorm:"size:255" json:"vendor"`
	InvoiceNo      string            `gorm:"size:128" json:"invoice_no"`
	Type           AlertType         `gorm:"size:32;not null;index" json:"type"`
	Severity       AlertSeverity     `gorm:"size:16;not null" json:"severity"`
	Score          float64           `gorm:"not null;default:0" json:"score"`
	Message        string            `gorm:"type:text" json:"message"`
	Meta           datatypes.JSONMap `gorm:"type:json" json:"meta,omitempty"`
	Status         AlertStatus       `gorm:"size:20;not null;index:idx_alert_org_status,priority:2" json:"status"`
	OpenKey        *string           `gorm:"size:255;uniqueIndex" json:"-"`
	AcknowledgedBy *string           `gorm:"size:64" json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time        `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func AlertOpenKey(orgId string, invoiceId int, t AlertType) string {
	return fmt.Sprintf("%s|%d|%s", orgId, invoiceId, t)
}

func (a Alert) GetCursor() string {
	return a.CreatedAt.UTC().Format(cursorTimeLayout)
}

func (a Alert) GetId() int { return a.ID }

// CanTransition reports whether an alert in status from may move to to.
// Only open alerts change state; acknowledged and dismissed are terminal.
func CanTransition(from, to AlertStatus) bool {
	if from != AlertStatusOpen {
		return false
	}
	return to == AlertStatusAcknowledged || to == AlertStatusDismissed
}
