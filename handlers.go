package main

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mmdatafocus/procuresight_backend/alerts"
	"github.com/mmdatafocus/procuresight_backend/config"
	"github.com/mmdatafocus/procuresight_backend/events"
	"github.com/mmdatafocus/procuresight_backend/ingest"
	"github.com/mmdatafocus/procuresight_backend/middlewares"
	"github.com/mmdatafocus/procuresight_backend/models"
	"github.com/mmdatafocus/procuresight_backend/models/reports"
	"github.com/mmdatafocus/procuresight_backend/parser"
	"github.com/mmdatafocus/procuresight_backend/workflow"
)

const maxUploadSizeBytes int64 = 25 * 1024 * 1024

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 100

	maxAlertExportRows = 1000
)

// api holds what the handlers need. Everything is built once in newApp.
type api struct {
	settings *config.Settings
	stores   models.Stores
	pipeline *workflow.Pipeline
	hub      *events.Hub
	logger   *logrus.Logger
}

func requireOrg(c *gin.Context) (string, bool) {
	org := middlewares.OrgId(c)
	if org == "" {
		badRequest(c, "X-Org-Id header is required")
		return "", false
	}
	return org, true
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		badRequest(c, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func queryBool(c *gin.Context, name string) bool {
	v, _ := strconv.ParseBool(strings.TrimSpace(c.Query(name)))
	return v
}

// readUpload reads the multipart "file" field.
func readUpload(c *gin.Context) (string, string, []byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSizeBytes+1<<20)
	fh, err := c.FormFile("file")
	if err != nil {
		return "", "", nil, errors.New("multipart field \"file\" is required")
	}
	if fh.Size > maxUploadSizeBytes {
		return "", "", nil, errors.New("file size exceeds 25MB limit")
	}
	f, err := fh.Open()
	if err != nil {
		return "", "", nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadSizeBytes+1))
	if err != nil {
		return "", "", nil, err
	}
	return fh.Filename, fh.Header.Get("Content-Type"), data, nil
}

type ingestResponse struct {
	DocumentId     int    `json:"document_id"`
	StorageLocator string `json:"storage_locator"`
	Duplicate      bool   `json:"duplicate"`
	Queued         bool   `json:"queued,omitempty"`
}

func (a *api) ingest(c *gin.Context, org string) (*ingest.Result, bool) {
	filename, mime, data, err := readUpload(c)
	if err != nil {
		badRequest(c, err.Error())
		return nil, false
	}
	res, err := a.pipeline.Gate.Ingest(c.Request.Context(), ingest.Input{
		OrgId:      org,
		Filename:   filename,
		Mime:       mime,
		UploadedBy: middlewares.ActorId(c),
		Data:       data,
	})
	if err != nil {
		respondError(c, "ingest", err)
		return nil, false
	}
	return res, true
}

func (a *api) ingestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := requireOrg(c)
		if !ok {
			return
		}
		res, ok := a.ingest(c, org)
		if !ok {
			return
		}
		out := ingestResponse{DocumentId: res.Document.ID, StorageLocator: res.StorageLocator, Duplicate: res.Duplicate}
		if queryBool(c, "process") {
			if err := a.pipeline.Enqueue(c.Request.Context(), org, res.Document.ID); err != nil {
				respondError(c, "ingestHandler", err)
				return
			}
			out.Queued = true
		}
		status := http.StatusCreated
		if res.Duplicate {
			status = http.StatusOK
		}
		c.JSON(status, out)
	}
}

// documentFor resolves the document an extract call works on: an uploaded
// file, or document_id for one ingested earlier.
func (a *api) documentFor(c *gin.Context, org string) (int, bool) {
	if raw := strings.TrimSpace(c.Query("document_id")); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil || id <= 0 {
			badRequest(c, "document_id must be a positive integer")
			return 0, false
		}
		return id, true
	}
	res, ok := a.ingest(c, org)
	if !ok {
		return 0, false
	}
	return res.Document.ID, true
}

type unstructuredResponse struct {
	DocumentId  int      `json:"document_id"`
	InvoiceId   int      `json:"invoice_id"`
	Confidence  float64  `json:"confidence"`
	Warnings    []string `json:"warnings"`
	NeedsReview bool     `json:"needs_review"`
	Duplicate   bool     `json:"duplicate"`
}

func (a *api) extractHandler(class parser.Class) gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := requireOrg(c)
		if !ok {
			return
		}
		docId, ok := a.documentFor(c, org)
		if !ok {
			return
		}
		out, err := a.pipeline.ProcessDocument(c.Request.Context(), org, docId, class)
		if err != nil {
			respondError(c, "extractHandler", err)
			return
		}
		if out.Warnings == nil {
			out.Warnings = []string{}
		}
		if class != parser.ClassText {
			c.JSON(http.StatusOK, out)
			return
		}
		resp := unstructuredResponse{
			DocumentId:  out.DocumentId,
			Confidence:  out.Confidence,
			Warnings:    out.Warnings,
			NeedsReview: out.NeedsReview,
			Duplicate:   out.Duplicate,
		}
		if len(out.InvoiceIds) > 0 {
			resp.InvoiceId = out.InvoiceIds[0]
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (a *api) processDocumentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := requireOrg(c)
		if !ok {
			return
		}
		id, ok := pathId(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		if queryBool(c, "async") {
			if _, err := a.stores.Documents.GetDocument(ctx, org, id); err != nil {
				respondError(c, "processDocumentHandler", err)
				return
			}
			if err := a.pipeline.Enqueue(ctx, org, id); err != nil {
				respondError(c, "processDocumentHandler", err)
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"document_id": id, "queued": true})
			return
		}
		out, err := a.pipeline.ProcessDocument(ctx, org, id, "")
		if err != nil {
			respondError(c, "processDocumentHandler", err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func parseLimit(c *gin.Context, def, max int) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		badRequest(c, "limit must be between 1 and "+strconv.Itoa(max))
		return 0, false
	}
	return n, true
}

func (a *api) listInvoicesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := requireOrg(c)
		if !ok {
			return
		}
		limit, ok := parseLimit(c, models.DefaultPageSize, models.MaxPageSize)
		if !ok {
			return
		}
		filter := models.InvoiceFilter{
			OrgId:  org,
			Status: models.InvoiceStatus(strings.TrimSpace(c.Query("status"))),
			Limit:  limit,
			After:  strings.TrimSpace(c.Query("cursor")),
		}
		if raw := strings.TrimSpace(c.Query("vendor_id")); raw != "" {
			id, err := strconv.Atoi(raw)
			if err != nil {
				badRequest(c, "vendor_id must be an integer")
				return
			}
			filter.VendorId = id
		}
		if raw := strings.TrimSpace(c.Query("needs_review")); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				badRequest(c, "needs_review must be a boolean")
				return
			}
			filter.NeedsReview = &v
		}

		invoices, page, err := a.stores.Invoices.ListInvoices(c.Request.Context(), filter)
		if err != nil {
			respondError(c, "listInvoicesHandler", err)
			return
		}
		ids := make([]int, 0, len(invoices))
		for _, inv := range invoices {
			ids = append(ids, inv.VendorId)
		}
		names := middlewares.VendorNames(c.Request.Context(), ids)
		for i := range invoices {
			if name, ok := names[invoices[i].VendorId]; ok {
				invoices[i].VendorName = name
			}
		}
		c.JSON(http.StatusOK, gin.H{"invoices": invoices, "page_info": page, "next_cursor": nextCursor(page)})
	}
}

func nextCursor(page *models.PageInfo) string {
	if page == nil || !page.HasNextPage {
		return ""
	}
	return page.EndCursor
}

func (a *api) getInvoiceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := requireOrg(c)
		if !ok {
			return
		}
		id, ok := pathId(c)
		if !ok {
			return
		}
		inv, err := a.stores.Invoices.GetInvoice(c.Request.Context(), org, id)
		if err != nil {
			respondError(c, "getInvoiceHandler", err)
			return
		}
		c.JSON(http.StatusOK, inv)
	}
}

func (a *api) listVendorsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := requireOrg(c)
		if !ok {
			return
		}
		vendors, err := a.stores.Vendors.ListVendors(c.Request.Context(), org)
		if err != nil {
			respondError(c, "listVendorsHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"vendors": vendors})
	}
}

func (a *api) getVendorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := requireOrg(c)
		if !ok {
			return
		}
		id, ok := pathId(c)
		if !ok {
			return
		}
		vendor, err := a.stores.Vendors.GetVendor(c.Request.Context(), org, id)
		if err != nil {
			respondError(c, "getVendorHandler", err)
			return
		}
		c.JSON(http.StatusOK, vendor)
	}
}

func (a *api) vendorBaselinesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := requireOrg(c)
		if !ok {
			return
		}
		id, ok := pathId(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		if _, err := a.stores.Vendors.GetVendor(ctx, org, id); err != nil {
			respondError(c, "vendorBaselinesHandler", err)
			return
		}
		snap, err := a.pipeline.Baselines.Snapshot(ctx, org, id)
		if err != nil {
			respondError(c, "vendorBaselinesHandler", err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

// alertFilter reads the alert listing filters shared by the list and export
// endpoints.
func alertFilter(c *gin.Context, org string, defLimit, maxLimit int) (models.AlertFilter, bool) {
	limit, ok := parseLimit(c, defLimit, maxLimit)
	if !ok {
		return models.AlertFilter{}, false
	}
	filter := models.AlertFilter{
		OrgId: org,
		Limit: limit,
		After: strings.TrimSpace(c.Query("cursor")),
		Type:  models.AlertType(strings.TrimSpace(c.Query("type"))),
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		filter.Status = models.AlertStatus(raw)
		if !filter.Status.IsValid() {
			badRequest(c, "unknown status "+strconv.Quote(raw))
			return filter, false
		}
	}
	if raw := strings.TrimSpace(c.Query("severity")); raw != "" {
		filter.Severity = models.AlertSeverity(raw)
		if !filter.Severity.IsValid() {
			badRequest(c, "unknown severity "+strconv.Quote(raw))
			return filter, false
		}
	}
	if raw := strings.TrimSpace(c.Query("invoice_id")); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "invoice_id must be an integer")
			return filter, false
		}
		filter.InvoiceId = id
	}
	if raw := strings.TrimSpace(c.Query("offset")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "offset must be a non-negative integer")
			return filter, false
		}
		filter.Offset = n
	}
	return filter, true
}

// listAlerts runs filter and fills in vendor names through the loader.
func (a *api) listAlerts(c *gin.Context, filter models.AlertFilter) ([]models.Alert, *models.PageInfo, error) {
	list, page, err := a.stores.Alerts.ListAlerts(c.Request.Context(), filter)
	if err != nil {
		return nil, nil, err
	}
	ids := make([]int, 0, len(list))
	for _, al := range list {
		ids = append(ids, al.VendorId)
	}
	names := middlewares.VendorNames(c.Request.Context(), ids)
	for i := range list {
		if name, ok := names[list[i].VendorId]; ok {
			list[i].VendorName = name
		}
	}
	return list, page, nil
}

func (a *api) listAlertsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := requireOrg(c)
		if !ok {
			return
		}
		filter, ok := alertFilter(c, org, defaultAlertLimit, maxAlertLimit)
		if !ok {
			return
		}
		list, page, err := a.listAlerts(c, filter)
		if err != nil {
			respondError(c, "listAlertsHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"alerts": list, "page_info": page, "next_cursor": nextCursor(page)})
	}
}

func (a *api) exportAlertsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := requireOrg(c)
		if !ok {
			return
		}
		filter, ok := alertFilter(c, org, maxAlertExportRows, maxAlertExportRows)
		if !ok {
			return
		}
		want := filter.Limit
		var list []models.Alert
		for len(list) < want {
			filter.Limit = min(want-len(list), models.MaxPageSize)
			batch, page, err := a.listAlerts(c, filter)
			if err != nil {
				respondError(c, "exportAlertsHandler", err)
				return
			}
			list = append(list, batch...)
			if page == nil || !page.HasNextPage || len(batch) == 0 {
				break
			}
			filter.After, filter.Offset = page.EndCursor, 0
		}
		var buf bytes.Buffer
		if err := reports.ExportAlerts(&buf, list); err != nil {
			respondError(c, "exportAlertsHandler", err)
			return
		}
		c.Header("Content-Disposition", "attachment; filename=alerts.xlsx")
		c.Data(http.StatusOK, reports.XLSXContentType, buf.Bytes())
	}
}

type updateAlertRequest struct {
	Status string `json:"status" binding:"required"`
	Actor  string `json:"actor"`
}

func (a *api) updateAlertHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := requireOrg(c)
		if !ok {
			return
		}
		id, ok := pathId(c)
		if !ok {
			return
		}
		var req updateAlertRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "status is required")
			return
		}
		actor := middlewares.ActorId(c)
		if actor == "" {
			actor = strings.TrimSpace(req.Actor)
		}
		updated, err := a.pipeline.Sink.Transition(c.Request.Context(), org, id,
			models.AlertStatus(strings.TrimSpace(req.Status)), actor)
		if err != nil {
			respondError(c, "updateAlertHandler", err)
			return
		}
		if err := a.hub.Publish(c.Request.Context(), org, alerts.EventAlertUpdated, updated); err != nil {
			config.LogError(a.logger, "handlers.go", "updateAlertHandler", "publish alert_updated", map[string]any{"alert_id": id}, err)
		}
		c.JSON(http.StatusOK, updated)
	}
}

func (a *api) scoreInvoiceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := requireOrg(c)
		if !ok {
			return
		}
		id, ok := pathId(c)
		if !ok {
			return
		}
		persist := queryBool(c, "persist")
		cands, emitted, err := a.pipeline.Rescore(c.Request.Context(), org, id, persist)
		if err != nil {
			respondError(c, "scoreInvoiceHandler", err)
			return
		}
		persisted := make([]models.Alert, 0, len(emitted))
		for _, e := range emitted {
			persisted = append(persisted, e.Alert)
		}
		c.JSON(http.StatusOK, gin.H{
			"invoice_id": id,
			"persisted":  persist,
			"candidates": cands,
			"alerts":     persisted,
		})
	}
}

// reconcileHandler exposes orphan reconciliation for operators. Dry run
// unless dry_run=false is given.
func (a *api) reconcileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := requireOrg(c)
		if !ok {
			return
		}
		dryRun := true
		if raw := strings.TrimSpace(c.Query("dry_run")); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				badRequest(c, "dry_run must be a boolean")
				return
			}
			dryRun = v
		}
		report, err := a.pipeline.Gate.Reconcile(c.Request.Context(), org, reconcileGrace, dryRun)
		if err != nil {
			respondError(c, "reconcileHandler", err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func (a *api) rebuildBaselinesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := requireOrg(c)
		if !ok {
			return
		}
		id, ok := pathId(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		if _, err := a.stores.Vendors.GetVendor(ctx, org, id); err != nil {
			respondError(c, "rebuildBaselinesHandler", err)
			return
		}
		folded, err := a.pipeline.RebuildBaselines(ctx, org, id)
		if err != nil {
			respondError(c, "rebuildBaselinesHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"vendor_id": id, "invoices_folded": folded})
	}
}

const defaultReportDays = 90

func parseDay(c *gin.Context, name string, def time.Time) (time.Time, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return def, true
	}
	d, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		badRequest(c, name+" must be a YYYY-MM-DD date")
		return time.Time{}, false
	}
	return d, true
}

func (a *api) spendByVendorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, ok := requireOrg(c)
		if !ok {
			return
		}
		today := time.Now().UTC().Truncate(24 * time.Hour)
		to, ok := parseDay(c, "to", today)
		if !ok {
			return
		}
		from, ok := parseDay(c, "from", to.AddDate(0, 0, -defaultReportDays))
		if !ok {
			return
		}
		if from.After(to) {
			badRequest(c, "from must not be after to")
			return
		}

		rows, err := reports.GetSpendByVendorReport(c.Request.Context(),
			reports.SpendSources{Vendors: a.stores.Vendors, Invoices: a.stores.Invoices}, org, from, to)
		if err != nil {
			respondError(c, "spendByVendorHandler", err)
			return
		}
		if strings.EqualFold(strings.TrimSpace(c.Query("format")), "xlsx") {
			var buf bytes.Buffer
			if err := reports.ExportSpendByVendor(&buf, rows); err != nil {
				respondError(c, "spendByVendorHandler", err)
				return
			}
			c.Header("Content-Disposition", "attachment; filename=spend-by-vendor.xlsx")
			c.Data(http.StatusOK, reports.XLSXContentType, buf.Bytes())
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"from": from.Format(time.DateOnly),
			"to":   to.Format(time.DateOnly),
			"rows": rows,
		})
	}
}
