package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mmdatafocus/procuresight_backend/alerts"
	"github.com/mmdatafocus/procuresight_backend/baseline"
	"github.com/mmdatafocus/procuresight_backend/config"
	"github.com/mmdatafocus/procuresight_backend/extract"
	"github.com/mmdatafocus/procuresight_backend/ingest"
	"github.com/mmdatafocus/procuresight_backend/metrics"
	"github.com/mmdatafocus/procuresight_backend/models"
	"github.com/mmdatafocus/procuresight_backend/parser"
	"github.com/mmdatafocus/procuresight_backend/scoring"
	"github.com/mmdatafocus/procuresight_backend/utils"
	"github.com/mmdatafocus/procuresight_backend/validate"
)

const EventInvoiceProcessed = "invoice_processed"

// createAttempts bounds retries when a concurrent writer takes the invoice
// key between the canonical lookup and the insert.
const createAttempts = 3

var tracer = otel.Tracer("procuresight/workflow")

// ErrClassMismatch is returned when a document is processed through an
// endpoint for the other document class.
var ErrClassMismatch = errors.New("document class does not match the requested extraction")

type EventPublisher interface {
	Publish(ctx context.Context, orgId, eventType string, payload any) error
}

// RetryPolicy governs how failed extractions are requeued.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
}

// Backoff is the delay before the next attempt after attempt failures,
// doubling from InitialBackoff and capped at ten minutes.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return backoff
}

type Deps struct {
	Stores    models.Stores
	Gate      *ingest.Gate
	Extractor *extract.Extractor
	Validator *validate.Validator
	Baselines *baseline.Store
	Scorer    *scoring.Scorer
	Sink      *alerts.Sink
	Publisher EventPublisher
	Retry     RetryPolicy
}

// Pipeline runs one document through parse, extract, validate, score and
// alert. Documents run in parallel; the stages of one document do not.
type Pipeline struct {
	Deps
	logger *logrus.Logger
	now    func() time.Time
}

func NewPipeline(deps Deps) *Pipeline {
	if deps.Retry.MaxAttempts < 1 {
		deps.Retry.MaxAttempts = 1
	}
	return &Pipeline{Deps: deps, logger: config.GetLogger(), now: func() time.Time { return time.Now().UTC() }}
}

// Outcome summarises one processed document.
type Outcome struct {
	DocumentId  int               `json:"document_id"`
	Class       parser.Class      `json:"document_class"`
	InvoiceIds  []int             `json:"invoice_ids"`
	Confidence  float64           `json:"confidence"`
	NeedsReview bool              `json:"needs_review"`
	Warnings    []string          `json:"warnings"`
	Duplicate   bool              `json:"duplicate"`
	Invoices    []*models.Invoice `json:"-"`
	Alerts      []alerts.Emitted  `json:"-"`
}

// ProcessDocument extracts the document's invoices unless that already
// succeeded, in which case the stored outcome is returned. expect restricts
// the document class; the empty class accepts both.
func (p *Pipeline) ProcessDocument(ctx context.Context, orgId string, documentId int, expect parser.Class) (*Outcome, error) {
	doc, err := p.Stores.Documents.GetDocument(ctx, orgId, documentId)
	if err != nil {
		return nil, err
	}
	class := parser.ClassOf(doc.Mime, doc.Filename)
	if expect != "" && class != expect {
		return nil, fmt.Errorf("%w: document %d is %s", ErrClassMismatch, documentId, class)
	}

	row, err := p.Stores.Extractions.GetExtractionByDocument(ctx, orgId, documentId)
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		row = &models.ExtractionResult{OrgId: orgId, DocumentId: documentId, Status: models.ExtractionStatusPending}
	case err != nil:
		return nil, err
	case row.Status == models.ExtractionStatusParsed:
		return outcomeFromRow(row)
	}
	row.Attempts++
	return p.run(ctx, doc, row)
}

// Enqueue records a pending extraction for the dispatcher to pick up.
func (p *Pipeline) Enqueue(ctx context.Context, orgId string, documentId int) error {
	row, err := p.Stores.Extractions.GetExtractionByDocument(ctx, orgId, documentId)
	if err == nil {
		if row.Status == models.ExtractionStatusParsed || row.Status == models.ExtractionStatusPending {
			return nil
		}
	} else if !errors.Is(err, utils.ErrorRecordNotFound) {
		return err
	} else {
		row = &models.ExtractionResult{OrgId: orgId, DocumentId: documentId}
	}
	now := p.now()
	row.Status = models.ExtractionStatusPending
	row.NextAttemptAt = &now
	row.LockedAt = nil
	row.LockedBy = nil
	return p.Stores.Extractions.SaveExtraction(ctx, row)
}

func outcomeFromRow(row *models.ExtractionResult) (*Outcome, error) {
	payload, err := row.GetPayload()
	if err != nil {
		return nil, err
	}
	return &Outcome{
		DocumentId:  row.DocumentId,
		Class:       parser.Class(payload.DocumentClass),
		InvoiceIds:  payload.InvoiceIds,
		Confidence:  row.Confidence,
		NeedsReview: row.NeedsReview,
		Warnings:    payload.Warnings,
		Duplicate:   payload.Duplicate,
	}, nil
}

// run processes doc and records the result on row. row.Attempts must
// already count this attempt.
func (p *Pipeline) run(ctx context.Context, doc *models.RawDocument, row *models.ExtractionResult) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "pipeline.document", trace.WithAttributes(
		attribute.String("org_id", doc.OrgId),
		attribute.Int("document_id", doc.ID),
		attribute.Int("attempt", row.Attempts),
	))
	defer span.End()

	out, err := p.extractDocument(ctx, doc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.recordFailure(ctx, row, err)
		return nil, err
	}

	row.Status = models.ExtractionStatusParsed
	row.Confidence = out.Confidence
	row.NeedsReview = out.NeedsReview
	row.NextAttemptAt = nil
	row.LockedAt = nil
	row.LockedBy = nil
	row.LastError = nil
	if err := row.SetPayload(models.ExtractionPayload{
		DocumentClass: string(out.Class),
		InvoiceIds:    out.InvoiceIds,
		Warnings:      out.Warnings,
		Duplicate:     out.Duplicate,
	}); err != nil {
		return nil, err
	}
	if err := p.Stores.Extractions.SaveExtraction(ctx, row); err != nil {
		config.LogError(p.logger, "workflow/pipeline.go", "run", "save parsed extraction",
			map[string]any{"document_id": doc.ID}, err)
	}
	return out, nil
}

// recordFailure marks the row pending for another attempt when the failure
// is retryable and attempts remain, failed otherwise.
func (p *Pipeline) recordFailure(ctx context.Context, row *models.ExtractionResult, cause error) {
	msg := cause.Error()
	row.LastError = &msg
	row.LockedAt = nil
	row.LockedBy = nil

	kind := failureKind(cause)
	metrics.ExtractionFailures.WithLabelValues(kind).Inc()

	fields := logrus.Fields{
		"org_id":      row.OrgId,
		"document_id": row.DocumentId,
		"attempt":     row.Attempts,
		"kind":        kind,
	}
	if utils.IsRetryable(cause) && row.Attempts < p.Retry.MaxAttempts && ctx.Err() == nil {
		next := p.now().Add(p.Retry.Backoff(row.Attempts))
		row.Status = models.ExtractionStatusPending
		row.NextAttemptAt = &next
		fields["next_attempt_at"] = next.Format(time.RFC3339Nano)
		p.logger.WithFields(fields).Warn("[pipeline] extraction failed, retry scheduled: " + msg)
	} else {
		row.Status = models.ExtractionStatusFailed
		row.NextAttemptAt = nil
		p.logger.WithFields(fields).Error("[pipeline] extraction failed: " + msg)
	}
	if err := p.Stores.Extractions.SaveExtraction(context.WithoutCancel(ctx), row); err != nil {
		config.LogError(p.logger, "workflow/pipeline.go", "recordFailure", "save failed extraction", fields, err)
	}
}

func failureKind(err error) string {
	var (
		pe *utils.ParseError
		ee *utils.ExtractionError
		se *utils.StorageError
	)
	switch {
	case errors.As(err, &pe):
		return "parse"
	case errors.As(err, &ee):
		if ee.Retryable {
			return "extraction_retryable"
		}
		return "extraction"
	case errors.As(err, &se):
		return "storage"
	case utils.IsTimeout(err):
		return "timeout"
	}
	return "other"
}

func (p *Pipeline) extractDocument(ctx context.Context, doc *models.RawDocument) (*Outcome, error) {
	data, err := p.Gate.Load(ctx, doc)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	pctx, span := tracer.Start(ctx, "pipeline.parse")
	parsed, err := parser.Parse(pctx, data, doc.Mime, doc.Filename)
	span.End()
	metrics.ObserveStage("parse", start)
	if err != nil {
		return nil, err
	}

	start = time.Now()
	ectx, span := tracer.Start(ctx, "pipeline.extract", trace.WithAttributes(attribute.String("class", string(parsed.Class))))
	invoices, warnings, err := p.Extractor.Extract(ectx, parsed)
	span.End()
	metrics.ObserveStage("extract", start)
	if err != nil {
		return nil, err
	}

	// reject the whole document before the first write
	for _, inv := range invoices {
		if err := checkKey(inv); err != nil {
			return nil, err
		}
	}

	out := &Outcome{DocumentId: doc.ID, Class: parsed.Class, Confidence: 1, Warnings: append([]string{}, warnings...)}
	occurrences := make(map[string]int, len(invoices))
	for i := range invoices {
		key := strings.ToLower(strings.TrimSpace(invoices[i].VendorName)) + "|" + strings.TrimSpace(invoices[i].InvoiceNo)
		res, err := p.processInvoice(ctx, doc.OrgId, &doc.ID, occurrences[key], invoices[i])
		occurrences[key]++
		if err != nil {
			return nil, err
		}
		out.InvoiceIds = append(out.InvoiceIds, res.Invoice.ID)
		out.Invoices = append(out.Invoices, res.Invoice)
		out.Alerts = append(out.Alerts, res.Alerts...)
		if res.Decision.Confidence < out.Confidence {
			out.Confidence = res.Decision.Confidence
		}
		if res.Decision.NeedsReview {
			out.NeedsReview = true
		}
		if res.Invoice.IsDuplicate() {
			out.Duplicate = true
		}
		for _, v := range res.Decision.Violations {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", res.Invoice.InvoiceNo, v.Message))
		}
	}
	if len(invoices) == 0 {
		out.Confidence = 0
	}
	return out, nil
}

// checkKey requires the fields an invoice is keyed by.
func checkKey(inv models.Invoice) error {
	if strings.TrimSpace(inv.VendorName) == "" {
		return &utils.ExtractionError{Source: "invoice", Field: "vendor", Reason: "vendor is required to key the invoice"}
	}
	if strings.TrimSpace(inv.InvoiceNo) == "" {
		return &utils.ExtractionError{Source: "invoice", Field: "invoice_no", Reason: "invoice number is required to key the invoice"}
	}
	return nil
}

// InvoiceResult is the outcome of one canonical invoice.
type InvoiceResult struct {
	Invoice    *models.Invoice
	Decision   validate.Decision
	Candidates []scoring.Candidate
	Alerts     []alerts.Emitted
	// Reused is set when an earlier run of the same source document already
	// stored this invoice.
	Reused bool
}

// ProcessInvoice validates, persists, scores and folds one extracted invoice,
// then emits its alerts. The invoice write happens before scoring; scoring
// and folding for the vendor run in one critical section, snapshot first.
// Failures after the invoice write are logged and never undo it.
func (p *Pipeline) ProcessInvoice(ctx context.Context, orgId string, sourceDocId *int, extracted models.Invoice) (*InvoiceResult, error) {
	return p.processInvoice(ctx, orgId, sourceDocId, 0, extracted)
}

// processInvoice is ProcessInvoice for the occurrence-th invoice with its key
// in the source document. When an earlier run of the document stored that
// occurrence, the stored row is reused instead of inserting a copy.
func (p *Pipeline) processInvoice(ctx context.Context, orgId string, sourceDocId *int, occurrence int, extracted models.Invoice) (*InvoiceResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.invoice", trace.WithAttributes(
		attribute.String("org_id", orgId),
		attribute.String("invoice_no", extracted.InvoiceNo),
	))
	defer span.End()

	extracted.InvoiceNo = strings.TrimSpace(extracted.InvoiceNo)
	extracted.VendorName = strings.TrimSpace(extracted.VendorName)
	if err := checkKey(extracted); err != nil {
		return nil, err
	}

	start := time.Now()
	decision := p.Validator.Validate(extracted)
	metrics.ObserveStage("validate", start)

	vendor, err := p.Stores.Vendors.ResolveVendor(ctx, orgId, extracted.VendorName)
	if err != nil {
		return nil, fmt.Errorf("resolve vendor %q: %w", extracted.VendorName, err)
	}

	inv := decision.Invoice.Clone()
	inv.ID = 0
	inv.OrgId = orgId
	inv.VendorId = vendor.ID
	inv.VendorName = vendor.Name
	inv.SourceDocId = sourceDocId
	inv.Status = models.InvoiceStatusReceived
	if err := decision.Apply(&inv); err != nil {
		return nil, err
	}

	res := &InvoiceResult{Decision: decision}
	var scoreErr error
	err = p.Baselines.WithVendor(ctx, orgId, vendor.ID, func(view baseline.View) error {
		prior, err := p.priorDocumentInvoice(ctx, &inv, occurrence)
		if err != nil {
			return err
		}
		if prior != nil {
			inv = *prior
			res.Reused = true
		} else if err := p.persistInvoice(ctx, &inv); err != nil {
			return err
		}

		start := time.Now()
		sctx, sspan := tracer.Start(ctx, "pipeline.score")
		snap, err := view.Snapshot(sctx)
		if err != nil {
			scoreErr = err
		} else {
			res.Candidates, scoreErr = p.Scorer.Score(sctx, &inv, snap)
		}
		sspan.End()
		metrics.ObserveStage("score", start)

		if decision.Accepted() && inv.IsAccepted() {
			if err := view.Fold(ctx, &inv); err != nil {
				config.LogError(p.logger, "workflow/pipeline.go", "ProcessInvoice", "fold baseline",
					map[string]any{"invoice_id": inv.ID, "vendor_id": vendor.ID}, err)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	res.Invoice = &inv
	if scoreErr != nil {
		config.LogError(p.logger, "workflow/pipeline.go", "ProcessInvoice", "scoring failed after commit",
			map[string]any{"invoice_id": inv.ID}, scoreErr)
	}

	metrics.InvoicesProcessed.WithLabelValues(metrics.BoolLabel(inv.NeedsReview)).Inc()
	p.logger.WithFields(logrus.Fields{
		"org_id":       orgId,
		"invoice_id":   inv.ID,
		"vendor_id":    inv.VendorId,
		"needs_review": inv.NeedsReview,
		"duplicate":    inv.IsDuplicate(),
		"candidates":   len(res.Candidates),
		"reused":       res.Reused,
	}).Info("[pipeline.invoice]")

	if len(res.Candidates) > 0 {
		start := time.Now()
		res.Alerts, err = p.Sink.Emit(ctx, &inv, res.Candidates)
		metrics.ObserveStage("alert", start)
		if err != nil {
			config.LogError(p.logger, "workflow/pipeline.go", "ProcessInvoice", "emit alerts",
				map[string]any{"invoice_id": inv.ID}, err)
		}
	}

	if p.Publisher != nil {
		payload := map[string]any{
			"invoice_id":   inv.ID,
			"document_id":  sourceDocId,
			"vendor":       inv.VendorName,
			"invoice_no":   inv.InvoiceNo,
			"needs_review": inv.NeedsReview,
			"confidence":   inv.Confidence,
			"duplicate":    inv.IsDuplicate(),
		}
		if err := p.Publisher.Publish(ctx, orgId, EventInvoiceProcessed, payload); err != nil {
			config.LogError(p.logger, "workflow/pipeline.go", "ProcessInvoice", "publish invoice_processed", payload, err)
		}
	}
	return res, nil
}

// priorDocumentInvoice returns the invoice an earlier run of inv's source
// document stored for the same key and occurrence, or nil.
func (p *Pipeline) priorDocumentInvoice(ctx context.Context, inv *models.Invoice, occurrence int) (*models.Invoice, error) {
	if inv.SourceDocId == nil {
		return nil, nil
	}
	prior, err := p.Stores.Invoices.ListDocumentInvoices(ctx, inv.OrgId, *inv.SourceDocId, inv.VendorId, inv.InvoiceNo)
	if err != nil {
		return nil, err
	}
	if occurrence >= len(prior) {
		return nil, nil
	}
	return &prior[occurrence], nil
}

// persistInvoice inserts inv as the canonical invoice for its key, or as the
// next duplicate of the existing canonical one. The canonical row is never
// overwritten.
func (p *Pipeline) persistInvoice(ctx context.Context, inv *models.Invoice) error {
	var lastErr error
	for attempt := 0; attempt < createAttempts; attempt++ {
		canonical, err := p.Stores.Invoices.FindCanonicalInvoice(ctx, inv.OrgId, inv.VendorId, inv.InvoiceNo)
		switch {
		case err == nil:
			seq, err := p.Stores.Invoices.NextDuplicateSeq(ctx, inv.OrgId, inv.VendorId, inv.InvoiceNo)
			if err != nil {
				return err
			}
			id := canonical.ID
			inv.DuplicateSeq = seq
			inv.DuplicateOf = &id
			inv.Status = models.InvoiceStatusDuplicate
		case errors.Is(err, utils.ErrorRecordNotFound):
			inv.DuplicateSeq = 0
			inv.DuplicateOf = nil
		default:
			return err
		}

		inv.ID = 0
		for i := range inv.Lines {
			inv.Lines[i].ID = 0
			inv.Lines[i].InvoiceId = 0
		}
		err = p.Stores.Invoices.CreateInvoice(ctx, inv)
		if err == nil {
			return nil
		}
		if !models.IsDuplicateKeyErr(err) {
			return fmt.Errorf("create invoice %s: %w", inv.InvoiceNo, err)
		}
		lastErr = err
	}
	return fmt.Errorf("create invoice %s: key kept changing: %w", inv.InvoiceNo, lastErr)
}

// Rescore reruns scoring for a stored invoice against the current baselines.
// With persist the candidates go through the alert sink, which refreshes
// open alerts instead of duplicating them.
func (p *Pipeline) Rescore(ctx context.Context, orgId string, invoiceId int, persist bool) ([]scoring.Candidate, []alerts.Emitted, error) {
	ctx, span := tracer.Start(ctx, "pipeline.rescore", trace.WithAttributes(attribute.Int("invoice_id", invoiceId)))
	defer span.End()

	inv, err := p.Stores.Invoices.GetInvoice(ctx, orgId, invoiceId)
	if err != nil {
		return nil, nil, err
	}
	snap, err := p.Baselines.Snapshot(ctx, orgId, inv.VendorId)
	if err != nil {
		return nil, nil, err
	}
	cands, scoreErr := p.Scorer.Score(ctx, inv, snap)
	if scoreErr != nil {
		config.LogError(p.logger, "workflow/pipeline.go", "Rescore", "rule failures",
			map[string]any{"invoice_id": invoiceId}, scoreErr)
	}
	if !persist || len(cands) == 0 {
		return cands, nil, nil
	}
	emitted, err := p.Sink.Emit(ctx, inv, cands)
	return cands, emitted, err
}

// RebuildBaselines refolds every accepted invoice of a vendor.
func (p *Pipeline) RebuildBaselines(ctx context.Context, orgId string, vendorId int) (int, error) {
	invoices, err := p.Stores.Invoices.ListVendorInvoices(ctx, orgId, vendorId)
	if err != nil {
		return 0, err
	}
	accepted := invoices[:0]
	for _, inv := range invoices {
		if inv.IsAccepted() {
			accepted = append(accepted, inv)
		}
	}
	return len(accepted), p.Baselines.Rebuild(ctx, orgId, vendorId, accepted)
}
