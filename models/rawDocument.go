package models

import "time"

// RawDocument is the immutable metadata row for an ingested upload.
// Unique constraint: (org_id, content_hash).
type RawDocument struct {
	ID          int       `gorm:"primary_key" json:"id"`
	OrgId       string    `gorm:"size:64;not null;uniqueIndex:uniq_raw_doc_hash,priority:1" json:"org_id"`
	ContentHash string    `gorm:"size:64;not null;uniqueIndex:uniq_raw_doc_hash,priority:2" json:"content_hash"`
	StorageRef  string    `gorm:"size:512;not null;index" json:"storage_ref"`
	Filename    string    `gorm:"size:255" json:"filename"`
	Mime        string    `gorm:"size:127;not null" json:"mime"`
	ByteSize    int64     `gorm:"not null" json:"byte_size"`
	UploadedBy  string    `gorm:"size:64" json:"uploaded_by"`
	UploadedAt  time.Time `gorm:"autoCreateTime" json:"uploaded_at"`
}
