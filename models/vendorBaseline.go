package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// VendorBaseline is the rolling unit-price reference for one (org, vendor, sku).
// Samples holds the bounded window the median is computed over.
type VendorBaseline struct {
	ID                     int             `gorm:"primary_key" json:"id"`
	OrgId                  string          `gorm:"size:64;not null;uniqueIndex:uniq_vendor_sku,priority:1" json:"org_id"`
	VendorId               int             `gorm:"not null;uniqueIndex:uniq_vendor_sku,priority:2" json:"vendor_id"`
	Sku                    string          `gorm:"size:128;not null;uniqueIndex:uniq_vendor_sku,priority:3" json:"sku"`
	RollingMedianUnitPrice decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"rolling_median_unit_price"`
	SampleCount            int             `gorm:"not null;default:0" json:"sample_count"`
	WindowStart            time.Time       `json:"window_start"`
	WindowEnd              time.Time       `json:"window_end"`
	Samples                datatypes.JSON  `gorm:"type:json" json:"-"`
	UpdatedAt              time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// VendorSpend is the trailing spend aggregate for one (org, vendor).
type VendorSpend struct {
	ID           int             `gorm:"primary_key" json:"id"`
	OrgId        string          `gorm:"size:64;not null;uniqueIndex:uniq_vendor_spend,priority:1" json:"org_id"`
	VendorId     int             `gorm:"not null;uniqueIndex:uniq_vendor_spend,priority:2" json:"vendor_id"`
	InvoiceCount int             `gorm:"not null;default:0" json:"invoice_count"`
	TotalSpend   decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0" json:"total_spend"`
	AverageSpend decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0" json:"average_spend"`
	WindowStart  time.Time       `json:"window_start"`
	WindowEnd    time.Time       `json:"window_end"`
	Samples      datatypes.JSON  `gorm:"type:json" json:"-"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type PriceSample struct {
	InvoiceId  int             `json:"invoice_id"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	ObservedAt time.Time       `json:"observed_at"`
}

type SpendSample struct {
	InvoiceId   int             `json:"invoice_id"`
	Total       decimal.Decimal `json:"total"`
	InvoiceDate time.Time       `json:"invoice_date"`
}

func (b *VendorBaseline) GetSamples() ([]PriceSample, error) {
	var out []PriceSample
	if len(b.Samples) == 0 {
		return out, nil
	}
	err := json.Unmarshal(b.Samples, &out)
	return out, err
}

func (b *VendorBaseline) SetSamples(samples []PriceSample) error {
	raw, err := json.Marshal(samples)
	if err != nil {
		return err
	}
	b.Samples = datatypes.JSON(raw)
	return nil
}

func (s *VendorSpend) GetSamples() ([]SpendSample, error) {
	var out []SpendSample
	if len(s.Samples) == 0 {
		return out, nil
	}
	err := json.Unmarshal(s.Samples, &out)
	return out, err
}

func (s *VendorSpend) SetSamples(samples []SpendSample) error {
	raw, err := json.Marshal(samples)
	if err != nil {
		return err
	}
	s.Samples = datatypes.JSON(raw)
	return nil
}
