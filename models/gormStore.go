package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mmdatafocus/procuresight_backend/utils"
)

// GormStore implements every store interface on one *gorm.DB.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Stores returns the bundle view used by the pipeline.
func (s *GormStore) Stores() Stores {
	return Stores{
		Documents:   s,
		Extractions: s,
		Vendors:     s,
		Invoices:    s,
		Baselines:   s,
		Alerts:      s,
	}
}

func (s *GormStore) DB() *gorm.DB { return s.db }

func translateCreateErr(err error) error {
	if IsDuplicateKeyErr(err) {
		return errors.Join(utils.ErrDuplicateKey, err)
	}
	return err
}

// ---------------------------------------------------------------- documents

func (s *GormStore) CreateDocument(ctx context.Context, doc *RawDocument) error {
	return translateCreateErr(s.db.WithContext(ctx).Create(doc).Error)
}

func (s *GormStore) FindDocumentByHash(ctx context.Context, orgId, contentHash string) (*RawDocument, error) {
	var doc RawDocument
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND content_hash = ?", orgId, contentHash).
		First(&doc).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &doc, nil
}

func (s *GormStore) GetDocument(ctx context.Context, orgId string, id int) (*RawDocument, error) {
	var doc RawDocument
	if err := s.db.WithContext(ctx).Where("org_id = ? AND id = ?", orgId, id).First(&doc).Error; err != nil {
		return nil, notFound(err)
	}
	return &doc, nil
}

func (s *GormStore) HasStorageRef(ctx context.Context, orgId, storageRef string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&RawDocument{}).
		Where("org_id = ? AND storage_ref = ?", orgId, storageRef).
		Count(&count).Error
	return count > 0, err
}

// -------------------------------------------------------------- extractions

func (s *GormStore) SaveExtraction(ctx context.Context, r *ExtractionResult) error {
	db := s.db.WithContext(ctx)
	if r.ID == 0 {
		var existing ExtractionResult
		err := db.Where("org_id = ? AND document_id = ?", r.OrgId, r.DocumentId).First(&existing).Error
		if err == nil {
			r.ID = existing.ID
			r.CreatedAt = existing.CreatedAt
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
	}
	if r.ID == 0 {
		return translateCreateErr(db.Create(r).Error)
	}
	return db.Save(r).Error
}

func (s *GormStore) GetExtractionByDocument(ctx context.Context, orgId string, documentId int) (*ExtractionResult, error) {
	var r ExtractionResult
	if err := s.db.WithContext(ctx).Where("org_id = ? AND document_id = ?", orgId, documentId).First(&r).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// ClaimPendingExtractions runs across orgs; the dispatcher is not request scoped.
func (s *GormStore) ClaimPendingExtractions(ctx context.Context, workerId string, limit int, now time.Time) ([]ExtractionResult, error) {
	staleBefore := now.Add(-ClaimLockTimeout)
	var claimed []ExtractionResult
	err := s.db.WithContext(utils.WithoutTenantScope(ctx)).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("status = ?", ExtractionStatusPending).
			Where(`
				(locked_at IS NULL AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?)
				OR
				(locked_at IS NOT NULL AND locked_at <= ?)
			`, now, staleBefore).
			Order("id ASC").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &workerId
			claimed[i].Attempts++
			claimed[i].NextAttemptAt = nil
			if err := tx.Model(&ExtractionResult{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"locked_at":       claimed[i].LockedAt,
				"locked_by":       claimed[i].LockedBy,
				"attempts":        gorm.Expr("attempts + 1"),
				"next_attempt_at": nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ------------------------------------------------------------------ vendors

func (s *GormStore) ResolveVendor(ctx context.Context, orgId, name string) (*Vendor, error) {
	name = strings.TrimSpace(name)
	db := s.db.WithContext(ctx)
	var v Vendor
	err := db.Where("org_id = ? AND name = ?", orgId, name).First(&v).Error
	if err == nil {
		return &v, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	v = Vendor{OrgId: orgId, Name: name}
	if err := db.Create(&v).Error; err != nil {
		if !IsDuplicateKeyErr(err) {
			return nil, err
		}
		// lost the creation race
		if err := db.Where("org_id = ? AND name = ?", orgId, name).First(&v).Error; err != nil {
			return nil, notFound(err)
		}
	}
	return &v, nil
}

func (s *GormStore) GetVendor(ctx context.Context, orgId string, id int) (*Vendor, error) {
	var v Vendor
	if err := s.db.WithContext(ctx).Where("org_id = ? AND id = ?", orgId, id).First(&v).Error; err != nil {
		return nil, notFound(err)
	}
	return &v, nil
}

func (s *GormStore) GetVendorsByIds(ctx context.Context, ids []int) ([]*Vendor, error) {
	var vendors []*Vendor
	err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&vendors).Error
	return vendors, err
}

func (s *GormStore) ListVendors(ctx context.Context, orgId string) ([]Vendor, error) {
	var vendors []Vendor
	err := s.db.WithContext(ctx).Where("org_id = ?", orgId).Order("name").Find(&vendors).Error
	return vendors, err
}

// ----------------------------------------------------------------- invoices

func (s *GormStore) CreateInvoice(ctx context.Context, inv *Invoice) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lines := inv.Lines
		inv.Lines = nil
		err := tx.Create(inv).Error
		inv.Lines = lines
		if err != nil {
			return translateCreateErr(err)
		}
		for i := range inv.Lines {
			inv.Lines[i].InvoiceId = inv.ID
			inv.Lines[i].Position = i
		}
		if len(inv.Lines) > 0 {
			if err := tx.Create(&inv.Lines).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) GetInvoice(ctx context.Context, orgId string, id int) (*Invoice, error) {
	var inv Invoice
	err := s.db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("org_id = ? AND id = ?", orgId, id).
		First(&inv).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &inv, nil
}

func (s *GormStore) FindCanonicalInvoice(ctx context.Context, orgId string, vendorId int, invoiceNo string) (*Invoice, error) {
	var inv Invoice
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND vendor_id = ? AND invoice_no = ? AND duplicate_seq = 0", orgId, vendorId, invoiceNo).
		First(&inv).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &inv, nil
}

func (s *GormStore) NextDuplicateSeq(ctx context.Context, orgId string, vendorId int, invoiceNo string) (int, error) {
	var maxSeq *int
	err := s.db.WithContext(ctx).Model(&Invoice{}).
		Where("org_id = ? AND vendor_id = ? AND invoice_no = ?", orgId, vendorId, invoiceNo).
		Select("MAX(duplicate_seq)").
		Scan(&maxSeq).Error
	if err != nil {
		return 0, err
	}
	if maxSeq == nil {
		return 0, nil
	}
	return *maxSeq + 1, nil
}

func (s *GormStore) ListDocumentInvoices(ctx context.Context, orgId string, sourceDocId, vendorId int, invoiceNo string) ([]Invoice, error) {
	var out []Invoice
	err := s.db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("org_id = ? AND source_doc_id = ? AND vendor_id = ? AND invoice_no = ?", orgId, sourceDocId, vendorId, invoiceNo).
		Order("duplicate_seq ASC, id ASC").
		Find(&out).Error
	return out, err
}

func (s *GormStore) FindSameTotalAndDate(ctx context.Context, orgId string, vendorId int, total decimal.Decimal, date time.Time, excludeId int) ([]Invoice, error) {
	var out []Invoice
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND vendor_id = ? AND total = ? AND invoice_date = ? AND id <> ?",
			orgId, vendorId, total, date.Format("2006-01-02"), excludeId).
		Order("id").
		Find(&out).Error
	return out, err
}

func (s *GormStore) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, *PageInfo, error) {
	q := s.db.WithContext(ctx).Model(&Invoice{}).Where("org_id = ?", filter.OrgId)
	if filter.VendorId > 0 {
		q = q.Where("vendor_id = ?", filter.VendorId)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.NeedsReview != nil {
		q = q.Where("needs_review = ?", *filter.NeedsReview)
	}
	return FetchPageCompositeCursor[Invoice](q, filter.Limit, filter.After, "created_at")
}

func (s *GormStore) ListVendorInvoices(ctx context.Context, orgId string, vendorId int) ([]Invoice, error) {
	var out []Invoice
	err := s.db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("org_id = ? AND vendor_id = ? AND duplicate_seq = 0", orgId, vendorId).
		Order("invoice_date, id").
		Find(&out).Error
	return out, err
}

// ---------------------------------------------------------------- baselines

func (s *GormStore) GetPriceBaseline(ctx context.Context, orgId string, vendorId int, sku string) (*VendorBaseline, error) {
	var b VendorBaseline
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND vendor_id = ? AND sku = ?", orgId, vendorId, sku).
		First(&b).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func (s *GormStore) ListPriceBaselines(ctx context.Context, orgId string, vendorId int) ([]VendorBaseline, error) {
	var out []VendorBaseline
	err := s.db.WithContext(ctx).Where("org_id = ? AND vendor_id = ?", orgId, vendorId).Order("sku").Find(&out).Error
	return out, err
}

func (s *GormStore) SavePriceBaseline(ctx context.Context, b *VendorBaseline) error {
	if b.ID == 0 {
		return translateCreateErr(s.db.WithContext(ctx).Create(b).Error)
	}
	return s.db.WithContext(ctx).Save(b).Error
}

func (s *GormStore) GetSpendBaseline(ctx context.Context, orgId string, vendorId int) (*VendorSpend, error) {
	var sp VendorSpend
	if err := s.db.WithContext(ctx).Where("org_id = ? AND vendor_id = ?", orgId, vendorId).First(&sp).Error; err != nil {
		return nil, notFound(err)
	}
	return &sp, nil
}

func (s *GormStore) SaveSpendBaseline(ctx context.Context, sp *VendorSpend) error {
	if sp.ID == 0 {
		return translateCreateErr(s.db.WithContext(ctx).Create(sp).Error)
	}
	return s.db.WithContext(ctx).Save(sp).Error
}

func (s *GormStore) DeleteVendorBaselines(ctx context.Context, orgId string, vendorId int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("org_id = ? AND vendor_id = ?", orgId, vendorId).Delete(&VendorBaseline{}).Error; err != nil {
			return err
		}
		return tx.Where("org_id = ? AND vendor_id = ?", orgId, vendorId).Delete(&VendorSpend{}).Error
	})
}

// ------------------------------------------------------------------- alerts

func (s *GormStore) FindOpenAlert(ctx context.Context, orgId string, invoiceId int, t AlertType) (*Alert, error) {
	var a Alert
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND invoice_id = ? AND type = ? AND status = ?", orgId, invoiceId, t, AlertStatusOpen).
		First(&a).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (s *GormStore) CreateAlert(ctx context.Context, a *Alert) error {
	if a.Status == "" {
		a.Status = AlertStatusOpen
	}
	if a.Status == AlertStatusOpen && a.OpenKey == nil {
		key := AlertOpenKey(a.OrgId, a.InvoiceId, a.Type)
		a.OpenKey = &key
	}
	return translateCreateErr(s.db.WithContext(ctx).Create(a).Error)
}

func (s *GormStore) RefreshAlert(ctx context.Context, a *Alert) error {
	res := s.db.WithContext(ctx).Model(&Alert{}).
		Where("org_id = ? AND id = ? AND status = ?", a.OrgId, a.ID, AlertStatusOpen).
		Updates(map[string]interface{}{
			"severity":   a.Severity,
			"score":      a.Score,
			"message":    a.Message,
			"meta":       a.Meta,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrInvalidTransition
	}
	return nil
}

func (s *GormStore) GetAlert(ctx context.Context, orgId string, id int) (*Alert, error) {
	var a Alert
	if err := s.db.WithContext(ctx).Where("org_id = ? AND id = ?", orgId, id).First(&a).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (s *GormStore) TransitionAlert(ctx context.Context, orgId string, id int, to AlertStatus, actor string, at time.Time) (*Alert, error) {
	if !CanTransition(AlertStatusOpen, to) {
		return nil, utils.ErrInvalidTransition
	}
	db := s.db.WithContext(ctx)
	res := db.Model(&Alert{}).
		Where("org_id = ? AND id = ? AND status = ?", orgId, id, AlertStatusOpen).
		Updates(map[string]interface{}{
			"status":          to,
			"open_key":        nil,
			"acknowledged_by": actor,
			"acknowledged_at": at,
			"updated_at":      at,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetAlert(ctx, orgId, id); err != nil {
			return nil, err
		}
		return nil, utils.ErrInvalidTransition
	}
	return s.GetAlert(ctx, orgId, id)
}

func (s *GormStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, *PageInfo, error) {
	q := s.db.WithContext(ctx).Model(&Alert{}).Where("org_id = ?", filter.OrgId)
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Severity != "" {
		q = q.Where("severity = ?", filter.Severity)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.InvoiceId > 0 {
		q = q.Where("invoice_id = ?", filter.InvoiceId)
	}
	if filter.After == "" && filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	return FetchPageCompositeCursor[Alert](q, filter.Limit, filter.After, "created_at")
}
