package models

import (
	"gorm.io/gorm"
)

// MigrateTable auto-migrates every pipeline table. Development only; schema
// provisioning for deployed environments is managed outside the service.
func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&RawDocument{}, &ExtractionResult{},
		&Vendor{},
		&Invoice{}, &InvoiceLine{},
		&VendorBaseline{}, &VendorSpend{},
		&Alert{},
	)
}
