package models

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/mmdatafocus/procuresight_backend/utils"
)

// Store interfaces. Implementations return utils.ErrorRecordNotFound for
// missing rows and utils.ErrDuplicateKey for unique constraint collisions.

type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *RawDocument) error
	FindDocumentByHash(ctx context.Context, orgId, contentHash string) (*RawDocument, error)
	GetDocument(ctx context.Context, orgId string, id int) (*RawDocument, error)
	HasStorageRef(ctx context.Context, orgId, storageRef string) (bool, error)
}

type ExtractionStore interface {
	// SaveExtraction inserts or replaces the row keyed by DocumentId.
	SaveExtraction(ctx context.Context, r *ExtractionResult) error
	GetExtractionByDocument(ctx context.Context, orgId string, documentId int) (*ExtractionResult, error)
	// ClaimPendingExtractions locks up to limit pending rows whose
	// next_attempt_at has passed and marks them owned by workerId.
	ClaimPendingExtractions(ctx context.Context, workerId string, limit int, now time.Time) ([]ExtractionResult, error)
}

type VendorStore interface {
	// ResolveVendor returns the vendor named name, creating it on first sight.
	ResolveVendor(ctx context.Context, orgId, name string) (*Vendor, error)
	GetVendor(ctx context.Context, orgId string, id int) (*Vendor, error)
	GetVendorsByIds(ctx context.Context, ids []int) ([]*Vendor, error)
	ListVendors(ctx context.Context, orgId string) ([]Vendor, error)
}

type InvoiceFilter struct {
	OrgId       string
	VendorId    int
	Status      InvoiceStatus
	NeedsReview *bool
	Limit       int
	After       string
}

type InvoiceStore interface {
	// CreateInvoice inserts the invoice and its lines in one transaction.
	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, orgId string, id int) (*Invoice, error)
	// FindCanonicalInvoice returns the duplicate_seq = 0 row for the key.
	FindCanonicalInvoice(ctx context.Context, orgId string, vendorId int, invoiceNo string) (*Invoice, error)
	NextDuplicateSeq(ctx context.Context, orgId string, vendorId int, invoiceNo string) (int, error)
	// ListDocumentInvoices returns the invoices a source document already
	// produced for the key, in (duplicate_seq, id) order with lines loaded.
	ListDocumentInvoices(ctx context.Context, orgId string, sourceDocId, vendorId int, invoiceNo string) ([]Invoice, error)
	// FindSameTotalAndDate returns other invoices of the vendor with an
	// identical total and invoice date, excluding excludeId.
	FindSameTotalAndDate(ctx context.Context, orgId string, vendorId int, total decimal.Decimal, date time.Time, excludeId int) ([]Invoice, error)
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, *PageInfo, error)
	// ListVendorInvoices returns every non-duplicate invoice of a vendor in
	// (invoice_date, id) order with lines loaded.
	ListVendorInvoices(ctx context.Context, orgId string, vendorId int) ([]Invoice, error)
}

type BaselineRepository interface {
	GetPriceBaseline(ctx context.Context, orgId string, vendorId int, sku string) (*VendorBaseline, error)
	ListPriceBaselines(ctx context.Context, orgId string, vendorId int) ([]VendorBaseline, error)
	SavePriceBaseline(ctx context.Context, b *VendorBaseline) error
	GetSpendBaseline(ctx context.Context, orgId string, vendorId int) (*VendorSpend, error)
	SaveSpendBaseline(ctx context.Context, s *VendorSpend) error
	DeleteVendorBaselines(ctx context.Context, orgId string, vendorId int) error
}

type AlertFilter struct {
	OrgId     string
	Status    AlertStatus
	Severity  AlertSeverity
	Type      AlertType
	InvoiceId int
	Limit     int
	After     string
	// Offset is applied when After is empty.
	Offset int
}

type AlertStore interface {
	FindOpenAlert(ctx context.Context, orgId string, invoiceId int, t AlertType) (*Alert, error)
	CreateAlert(ctx context.Context, a *Alert) error
	// RefreshAlert overwrites severity, score, message and meta of an open alert.
	RefreshAlert(ctx context.Context, a *Alert) error
	GetAlert(ctx context.Context, orgId string, id int) (*Alert, error)
	// TransitionAlert moves an open alert to a terminal status. It returns
	// utils.ErrInvalidTransition when the alert is no longer open.
	TransitionAlert(ctx context.Context, orgId string, id int, to AlertStatus, actor string, at time.Time) (*Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, *PageInfo, error)
}

// Stores bundles every repository the pipeline depends on.
type Stores struct {
	Documents   DocumentStore
	Extractions ExtractionStore
	Vendors     VendorStore
	Invoices    InvoiceStore
	Baselines   BaselineRepository
	Alerts      AlertStore
}

// IsDuplicateKeyErr reports a MySQL unique violation (1062) or gorm's
// translated equivalent.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, utils.ErrDuplicateKey) {
		return true
	}
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorRecordNotFound
	}
	return err
}
