// Package memstore implements the model store interfaces in process. It
// enforces the same unique constraints as the MySQL schema and backs tests and
// STORE_DRIVER=memory.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmdatafocus/procuresight_backend/models"
	"github.com/mmdatafocus/procuresight_backend/utils"
)

type Store struct {
	mu sync.Mutex

	seq         int
	documents   map[int]models.RawDocument
	extractions map[int]models.ExtractionResult
	vendors     map[int]models.Vendor
	invoices    map[int]models.Invoice
	prices      map[int]models.VendorBaseline
	spends      map[int]models.VendorSpend
	alerts      map[int]models.Alert

	// Now stamps created/updated times; tests override it for deterministic cursors.
	Now func() time.Time

	// FailCreateDocument, when set, is returned by CreateDocument.
	FailCreateDocument error
}

func New() *Store {
	return &Store{
		documents:   make(map[int]models.RawDocument),
		extractions: make(map[int]models.ExtractionResult),
		vendors:     make(map[int]models.Vendor),
		invoices:    make(map[int]models.Invoice),
		prices:      make(map[int]models.VendorBaseline),
		spends:      make(map[int]models.VendorSpend),
		alerts:      make(map[int]models.Alert),
	}
}

func (s *Store) Stores() models.Stores {
	return models.Stores{
		Documents:   s,
		Extractions: s,
		Vendors:     s,
		Invoices:    s,
		Baselines:   s,
		Alerts:      s,
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Store) nextId() int {
	s.seq++
	return s.seq
}

// ---------------------------------------------------------------- documents

func (s *Store) CreateDocument(ctx context.Context, doc *models.RawDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCreateDocument != nil {
		return s.FailCreateDocument
	}
	for _, d := range s.documents {
		if d.OrgId == doc.OrgId && d.ContentHash == doc.ContentHash {
			return utils.ErrDuplicateKey
		}
	}
	doc.ID = s.nextId()
	doc.UploadedAt = s.now()
	s.documents[doc.ID] = *doc
	return nil
}

func (s *Store) FindDocumentByHash(ctx context.Context, orgId, contentHash string) (*models.RawDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.documents {
		if d.OrgId == orgId && d.ContentHash == contentHash {
			return &d, nil
		}
	}
	return nil, utils.ErrorRecordNotFound
}

func (s *Store) GetDocument(ctx context.Context, orgId string, id int) (*models.RawDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok || d.OrgId != orgId {
		return nil, utils.ErrorRecordNotFound
	}
	return &d, nil
}

func (s *Store) HasStorageRef(ctx context.Context, orgId, storageRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.documents {
		if d.OrgId == orgId && d.StorageRef == storageRef {
			return true, nil
		}
	}
	return false, nil
}

// DocumentCount is a test helper.
func (s *Store) DocumentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.documents)
}

// -------------------------------------------------------------- extractions

func (s *Store) SaveExtraction(ctx context.Context, r *models.ExtractionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		for _, e := range s.extractions {
			if e.DocumentId == r.DocumentId {
				r.ID = e.ID
				r.CreatedAt = e.CreatedAt
				break
			}
		}
	}
	if r.ID == 0 {
		r.ID = s.nextId()
		r.CreatedAt = s.now()
	}
	r.UpdatedAt = s.now()
	s.extractions[r.ID] = *r
	return nil
}

func (s *Store) GetExtractionByDocument(ctx context.Context, orgId string, documentId int) (*models.ExtractionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.extractions {
		if e.OrgId == orgId && e.DocumentId == documentId {
			return &e, nil
		}
	}
	return nil, utils.ErrorRecordNotFound
}

func (s *Store) ClaimPendingExtractions(ctx context.Context, workerId string, limit int, now time.Time) ([]models.ExtractionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	staleBefore := now.Add(-models.ClaimLockTimeout)
	ids := make([]int, 0)
	for id, e := range s.extractions {
		if e.Status != models.ExtractionStatusPending {
			continue
		}
		due := e.LockedAt == nil && e.NextAttemptAt != nil && !e.NextAttemptAt.After(now)
		stale := e.LockedAt != nil && !e.LockedAt.After(staleBefore)
		if due || stale {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]models.ExtractionResult, 0, len(ids))
	for _, id := range ids {
		e := s.extractions[id]
		at := now
		worker := workerId
		e.LockedAt = &at
		e.LockedBy = &worker
		e.Attempts++
		e.NextAttemptAt = nil
		s.extractions[id] = e
		out = append(out, e)
	}
	return out, nil
}

// ------------------------------------------------------------------ vendors

func (s *Store) ResolveVendor(ctx context.Context, orgId, name string) (*models.Vendor, error) {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.vendors {
		if v.OrgId == orgId && v.Name == name {
			return &v, nil
		}
	}
	v := models.Vendor{ID: s.nextId(), OrgId: orgId, Name: name, CreatedAt: s.now()}
	s.vendors[v.ID] = v
	return &v, nil
}

func (s *Store) GetVendor(ctx context.Context, orgId string, id int) (*models.Vendor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vendors[id]
	if !ok || v.OrgId != orgId {
		return nil, utils.ErrorRecordNotFound
	}
	return &v, nil
}

func (s *Store) GetVendorsByIds(ctx context.Context, ids []int) ([]*models.Vendor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orgId, scoped := utils.GetOrgIdFromContext(ctx)
	out := make([]*models.Vendor, 0, len(ids))
	for _, id := range ids {
		v, ok := s.vendors[id]
		if !ok || (scoped && v.OrgId != orgId) {
			continue
		}
		out = append(out, &v)
	}
	return out, nil
}

func (s *Store) ListVendors(ctx context.Context, orgId string) ([]models.Vendor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Vendor
	for _, v := range s.vendors {
		if v.OrgId == orgId {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ----------------------------------------------------------------- invoices

func (s *Store) CreateInvoice(ctx context.Context, inv *models.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.invoices {
		if e.OrgId == inv.OrgId && e.VendorId == inv.VendorId && e.InvoiceNo == inv.InvoiceNo && e.DuplicateSeq == inv.DuplicateSeq {
			return utils.ErrDuplicateKey
		}
	}
	inv.ID = s.nextId()
	inv.CreatedAt = s.now()
	inv.UpdatedAt = inv.CreatedAt
	for i := range inv.Lines {
		inv.Lines[i].ID = s.nextId()
		inv.Lines[i].InvoiceId = inv.ID
		inv.Lines[i].Position = i
	}
	s.invoices[inv.ID] = inv.Clone()
	return nil
}

func (s *Store) GetInvoice(ctx context.Context, orgId string, id int) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok || inv.OrgId != orgId {
		return nil, utils.ErrorRecordNotFound
	}
	out := inv.Clone()
	return &out, nil
}

func (s *Store) FindCanonicalInvoice(ctx context.Context, orgId string, vendorId int, invoiceNo string) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invoices {
		if inv.OrgId == orgId && inv.VendorId == vendorId && inv.InvoiceNo == invoiceNo && inv.DuplicateSeq == 0 {
			out := inv.Clone()
			return &out, nil
		}
	}
	return nil, utils.ErrorRecordNotFound
}

func (s *Store) ListDocumentInvoices(ctx context.Context, orgId string, sourceDocId, vendorId int, invoiceNo string) ([]models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Invoice
	for _, inv := range s.invoices {
		if inv.OrgId == orgId && inv.SourceDocId != nil && *inv.SourceDocId == sourceDocId &&
			inv.VendorId == vendorId && inv.InvoiceNo == invoiceNo {
			out = append(out, inv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DuplicateSeq != out[j].DuplicateSeq {
			return out[i].DuplicateSeq < out[j].DuplicateSeq
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) NextDuplicateSeq(ctx context.Context, orgId string, vendorId int, invoiceNo string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := 0
	for _, inv := range s.invoices {
		if inv.OrgId == orgId && inv.VendorId == vendorId && inv.InvoiceNo == invoiceNo && inv.DuplicateSeq >= next {
			next = inv.DuplicateSeq + 1
		}
	}
	return next, nil
}

func (s *Store) FindSameTotalAndDate(ctx context.Context, orgId string, vendorId int, total decimal.Decimal, date time.Time, excludeId int) ([]models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := date.Format("2006-01-02")
	var out []models.Invoice
	for _, inv := range s.invoices {
		if inv.OrgId != orgId || inv.VendorId != vendorId || inv.ID == excludeId {
			continue
		}
		if inv.Total.Equal(total) && inv.InvoiceDate.Format("2006-01-02") == day {
			out = append(out, inv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListInvoices(ctx context.Context, filter models.InvoiceFilter) ([]models.Invoice, *models.PageInfo, error) {
	s.mu.Lock()
	var items []models.Invoice
	for _, inv := range s.invoices {
		if inv.OrgId != filter.OrgId {
			continue
		}
		if filter.VendorId > 0 && inv.VendorId != filter.VendorId {
			continue
		}
		if filter.Status != "" && inv.Status != filter.Status {
			continue
		}
		if filter.NeedsReview != nil && inv.NeedsReview != *filter.NeedsReview {
			continue
		}
		c := inv.Clone()
		c.Lines = nil
		items = append(items, c)
	}
	s.mu.Unlock()
	return models.PageSlice(items, filter.Limit, filter.After)
}

func (s *Store) ListVendorInvoices(ctx context.Context, orgId string, vendorId int) ([]models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Invoice
	for _, inv := range s.invoices {
		if inv.OrgId == orgId && inv.VendorId == vendorId && inv.DuplicateSeq == 0 {
			out = append(out, inv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].InvoiceDate.Equal(out[j].InvoiceDate) {
			return out[i].InvoiceDate.Before(out[j].InvoiceDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// InvoiceCount is a test helper.
func (s *Store) InvoiceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.invoices)
}

// ---------------------------------------------------------------- baselines

func (s *Store) GetPriceBaseline(ctx context.Context, orgId string, vendorId int, sku string) (*models.VendorBaseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.prices {
		if b.OrgId == orgId && b.VendorId == vendorId && b.Sku == sku {
			b.Samples = append([]byte(nil), b.Samples...)
			return &b, nil
		}
	}
	return nil, utils.ErrorRecordNotFound
}

func (s *Store) ListPriceBaselines(ctx context.Context, orgId string, vendorId int) ([]models.VendorBaseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.VendorBaseline
	for _, b := range s.prices {
		if b.OrgId == orgId && b.VendorId == vendorId {
			b.Samples = append([]byte(nil), b.Samples...)
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sku < out[j].Sku })
	return out, nil
}

func (s *Store) SavePriceBaseline(ctx context.Context, b *models.VendorBaseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == 0 {
		for _, e := range s.prices {
			if e.OrgId == b.OrgId && e.VendorId == b.VendorId && e.Sku == b.Sku {
				return utils.ErrDuplicateKey
			}
		}
		b.ID = s.nextId()
	}
	b.UpdatedAt = s.now()
	c := *b
	c.Samples = append([]byte(nil), b.Samples...)
	s.prices[b.ID] = c
	return nil
}

func (s *Store) GetSpendBaseline(ctx context.Context, orgId string, vendorId int) (*models.VendorSpend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sp := range s.spends {
		if sp.OrgId == orgId && sp.VendorId == vendorId {
			sp.Samples = append([]byte(nil), sp.Samples...)
			return &sp, nil
		}
	}
	return nil, utils.ErrorRecordNotFound
}

func (s *Store) SaveSpendBaseline(ctx context.Context, sp *models.VendorSpend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp.ID == 0 {
		for _, e := range s.spends {
			if e.OrgId == sp.OrgId && e.VendorId == sp.VendorId {
				return utils.ErrDuplicateKey
			}
		}
		sp.ID = s.nextId()
	}
	sp.UpdatedAt = s.now()
	c := *sp
	c.Samples = append([]byte(nil), sp.Samples...)
	s.spends[sp.ID] = c
	return nil
}

func (s *Store) DeleteVendorBaselines(ctx context.Context, orgId string, vendorId int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, b := range s.prices {
		if b.OrgId == orgId && b.VendorId == vendorId {
			delete(s.prices, id)
		}
	}
	for id, sp := range s.spends {
		if sp.OrgId == orgId && sp.VendorId == vendorId {
			delete(s.spends, id)
		}
	}
	return nil
}

// ------------------------------------------------------------------- alerts

func cloneAlert(a models.Alert) models.Alert {
	if a.Meta != nil {
		m := make(map[string]interface{}, len(a.Meta))
		for k, v := range a.Meta {
			m[k] = v
		}
		a.Meta = m
	}
	return a
}

func (s *Store) FindOpenAlert(ctx context.Context, orgId string, invoiceId int, t models.AlertType) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.OrgId == orgId && a.InvoiceId == invoiceId && a.Type == t && a.Status == models.AlertStatusOpen {
			c := cloneAlert(a)
			return &c, nil
		}
	}
	return nil, utils.ErrorRecordNotFound
}

func (s *Store) CreateAlert(ctx context.Context, a *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Status == "" {
		a.Status = models.AlertStatusOpen
	}
	if a.Status == models.AlertStatusOpen {
		key := models.AlertOpenKey(a.OrgId, a.InvoiceId, a.Type)
		for _, e := range s.alerts {
			if e.OpenKey != nil && *e.OpenKey == key {
				return utils.ErrDuplicateKey
			}
		}
		a.OpenKey = &key
	}
	a.ID = s.nextId()
	a.CreatedAt = s.now()
	a.UpdatedAt = a.CreatedAt
	s.alerts[a.ID] = cloneAlert(*a)
	return nil
}

func (s *Store) RefreshAlert(ctx context.Context, a *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.alerts[a.ID]
	if !ok || e.OrgId != a.OrgId {
		return utils.ErrorRecordNotFound
	}
	if e.Status != models.AlertStatusOpen {
		return utils.ErrInvalidTransition
	}
	e.Severity = a.Severity
	e.Score = a.Score
	e.Message = a.Message
	e.Meta = a.Meta
	e.UpdatedAt = s.now()
	s.alerts[a.ID] = cloneAlert(e)
	a.UpdatedAt = e.UpdatedAt
	return nil
}

func (s *Store) GetAlert(ctx context.Context, orgId string, id int) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok || a.OrgId != orgId {
		return nil, utils.ErrorRecordNotFound
	}
	c := cloneAlert(a)
	return &c, nil
}

func (s *Store) TransitionAlert(ctx context.Context, orgId string, id int, to models.AlertStatus, actor string, at time.Time) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok || a.OrgId != orgId {
		return nil, utils.ErrorRecordNotFound
	}
	if !models.CanTransition(a.Status, to) {
		return nil, utils.ErrInvalidTransition
	}
	a.Status = to
	a.OpenKey = nil
	by := actor
	when := at
	a.AcknowledgedBy = &by
	a.AcknowledgedAt = &when
	a.UpdatedAt = at
	s.alerts[id] = a
	c := cloneAlert(a)
	return &c, nil
}

func (s *Store) ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, *models.PageInfo, error) {
	s.mu.Lock()
	var items []models.Alert
	for _, a := range s.alerts {
		if a.OrgId != filter.OrgId {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		if filter.Type != "" && a.Type != filter.Type {
			continue
		}
		if filter.InvoiceId > 0 && a.InvoiceId != filter.InvoiceId {
			continue
		}
		items = append(items, cloneAlert(a))
	}
	s.mu.Unlock()

	if filter.After == "" && filter.Offset > 0 {
		sorted := models.SortNewestFirst(items)
		if filter.Offset >= len(sorted) {
			return []models.Alert{}, &models.PageInfo{}, nil
		}
		items = sorted[filter.Offset:]
	}
	return models.PageSlice(items, filter.Limit, filter.After)
}

// AlertCount is a test helper.
func (s *Store) AlertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}
