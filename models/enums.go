package models

type ExtractionStatus string

const (
	ExtractionStatusPending ExtractionStatus = "pending"
	ExtractionStatusParsed  ExtractionStatus = "parsed"
	ExtractionStatusFailed  ExtractionStatus = "failed"
)

type InvoiceStatus string

const (
	InvoiceStatusReceived    InvoiceStatus = "received"
	InvoiceStatusNeedsReview InvoiceStatus = "needs_review"
	InvoiceStatusDuplicate   InvoiceStatus = "duplicate"
)

type AlertType string

const (
	AlertTypeDuplicate      AlertType = "duplicate"
	AlertTypePriceDeviation AlertType = "price_deviation"
	AlertTypeVolumeSpike    AlertType = "volume_spike"
)

type AlertSeverity string

const (
	AlertSeverityLow      AlertSeverity = "low"
	AlertSeverityMedium   AlertSeverity = "medium"
	AlertSeverityHigh     AlertSeverity = "high"
	AlertSeverityCritical AlertSeverity = "critical"
)

// Rank orders severities for display and filtering; unknown values rank 0.
func (s AlertSeverity) Rank() int {
	switch s {
	case AlertSeverityLow:
		return 1
	case AlertSeverityMedium:
		return 2
	case AlertSeverityHigh:
		return 3
	case AlertSeverityCritical:
		return 4
	}
	return 0
}

func (s AlertSeverity) IsValid() bool { return s.Rank() > 0 }

type AlertStatus string

const (
	AlertStatusOpen         AlertStatus = "open"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusDismissed    AlertStatus = "dismissed"
)

func (s AlertStatus) IsValid() bool {
	switch s {
	case AlertStatusOpen, AlertStatusAcknowledged, AlertStatusDismissed:
		return true
	}
	return false
}

// IsTerminal is true for statuses no transition may leave.
func (s AlertStatus) IsTerminal() bool {
	return s == AlertStatusAcknowledged || s == AlertStatusDismissed
}
