package models

import "time"

// Vendor is created on first sight of a name within an org.
type Vendor struct {
	ID        int       `gorm:"primary_key" json:"id"`
	OrgId     string    `gorm:"size:64;not null;uniqueIndex:uniq_vendor_name,priority:1" json:"org_id"`
	Name      string    `gorm:"size:255;not null;uniqueIndex:uniq_vendor_name,priority:2" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (v Vendor) GetId() int { return v.ID }
