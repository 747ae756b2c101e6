package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"

	"github.com/mmdatafocus/procuresight_backend/alerts"
	"github.com/mmdatafocus/procuresight_backend/baseline"
	"github.com/mmdatafocus/procuresight_backend/blobstore"
	"github.com/mmdatafocus/procuresight_backend/config"
	"github.com/mmdatafocus/procuresight_backend/memstore"
	"github.com/mmdatafocus/procuresight_backend/middlewares"
	"github.com/mmdatafocus/procuresight_backend/models/reports"
	"github.com/mmdatafocus/procuresight_backend/utils"
	"github.com/mmdatafocus/procuresight_backend/workflow"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const invoiceCSV = `invoice_no,vendor,invoice_date,currency,subtotal,tax,total,sku,desc,qty,unit_price,line_total
INV-1042,Acme,2024-03-01,USD,1200.00,96.00,1296.00,ABC,Widgets,10,100.00,1000.00
INV-1042,Acme,2024-03-01,USD,1200.00,96.00,1296.00,DEF,Gadgets,4,50.00,200.00
`

func newTestServer(t *testing.T) (*gin.Engine, *memstore.Store) {
	t.Helper()
	s := config.DefaultSettings()
	s.AsyncNotify = false
	store := memstore.New()
	a := newApp(s, store.Stores(), blobstore.NewMemoryStore(), baseline.NewLocalLocker(), nil)
	return a.router(), store
}

func upload(t *testing.T, r http.Handler, path, org, filename, body string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = fw.Write([]byte(body))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if org != "" {
		req.Header.Set(middlewares.HeaderOrgId, org)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func do(r http.Handler, method, path, org, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if org != "" {
		req.Header.Set(middlewares.HeaderOrgId, org)
	}
	req.Header.Set(middlewares.HeaderActorId, "ops@example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return out
}

func TestIngestEndpoint(t *testing.T) {
	r, store := newTestServer(t)

	w := upload(t, r, "/api/ingest", "org-1", "march.csv", invoiceCSV)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	first := decode[ingestResponse](t, w)
	if first.Duplicate || first.DocumentId == 0 || !strings.HasPrefix(first.StorageLocator, "mem://org/org-1/uploads/") {
		t.Fatalf("unexpected response %+v", first)
	}
	if w.Header().Get(middlewares.HeaderCorrelationId) == "" {
		t.Fatalf("correlation id not echoed")
	}

	w = upload(t, r, "/api/ingest?process=true", "org-1", "march-again.csv", invoiceCSV)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d", w.Code)
	}
	again := decode[ingestResponse](t, w)
	if !again.Duplicate || again.DocumentId != first.DocumentId || !again.Queued {
		t.Fatalf("unexpected duplicate response %+v", again)
	}
	if store.DocumentCount() != 1 {
		t.Fatalf("documents = %d", store.DocumentCount())
	}
}

func TestRequestsNeedAnOrg(t *testing.T) {
	r, _ := newTestServer(t)
	if w := upload(t, r, "/api/ingest", "", "march.csv", invoiceCSV); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/api/alerts", "", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestExtractStructuredAndAlertLifecycle(t *testing.T) {
	r, store := newTestServer(t)

	w := upload(t, r, "/api/extract/structured", "org-1", "march.csv", invoiceCSV)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	out := decode[workflow.Outcome](t, w)
	if len(out.InvoiceIds) != 1 || out.NeedsReview || out.Confidence != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}

	resent := strings.ReplaceAll(invoiceCSV, "96.00,1296.00", "100.00,1300.00")
	w = upload(t, r, "/api/extract/structured", "org-1", "march-resent.csv", resent)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if dup := decode[workflow.Outcome](t, w); !dup.Duplicate {
		t.Fatalf("resent invoice should be a duplicate: %+v", dup)
	}

	w = do(r, http.MethodGet, "/api/alerts?status=open&limit=10", "org-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	page := decode[struct {
		Alerts []struct {
			ID     int    `json:"id"`
			Type   string `json:"type"`
			Vendor string `json:"vendor"`
		} `json:"alerts"`
	}](t, w)
	if len(page.Alerts) != 1 || page.Alerts[0].Type != "duplicate" || page.Alerts[0].Vendor != "Acme" {
		t.Fatalf("unexpected alerts %+v", page.Alerts)
	}
	alertPath := fmt.Sprintf("/api/alerts/%d", page.Alerts[0].ID)

	if w = do(r, http.MethodPatch, alertPath, "org-1", `{"status":"closed"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown status = %d", w.Code)
	}
	w = do(r, http.MethodPatch, alertPath, "org-1", `{"status":"acknowledged"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("acknowledge = %d body=%s", w.Code, w.Body.String())
	}
	acked := decode[struct {
		Status         string `json:"status"`
		AcknowledgedBy string `json:"acknowledged_by"`
	}](t, w)
	if acked.Status != "acknowledged" || acked.AcknowledgedBy != "ops@example.com" {
		t.Fatalf("unexpected alert %+v", acked)
	}
	if w = do(r, http.MethodPatch, alertPath, "org-1", `{"status":"dismissed"}`); w.Code != http.StatusConflict {
		t.Fatalf("terminal transition = %d", w.Code)
	}
	if w = do(r, http.MethodPatch, alertPath, "org-2", `{"status":"dismissed"}`); w.Code != http.StatusNotFound {
		t.Fatalf("other org's alert = %d", w.Code)
	}

	dryRun := do(r, http.MethodPost, fmt.Sprintf("/api/score/invoice/%d", out.InvoiceIds[0]), "org-1", "")
	if dryRun.Code != http.StatusOK {
		t.Fatalf("score = %d", dryRun.Code)
	}
	if store.AlertCount() != 1 {
		t.Fatalf("dry-run scoring persisted alerts: %d", store.AlertCount())
	}
}

func TestListAlertsValidatesQuery(t *testing.T) {
	r, _ := newTestServer(t)
	cases := []string{
		"/api/alerts?limit=0",
		"/api/alerts?limit=101",
		"/api/alerts?limit=ten",
		"/api/alerts?status=closed",
		"/api/alerts?severity=urgent",
		"/api/alerts?offset=-1",
	}
	for _, path := range cases {
		if w := do(r, http.MethodGet, path, "org-1", ""); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", path, w.Code)
		}
	}
	if w := do(r, http.MethodGet, "/api/alerts?limit=100", "org-1", ""); w.Code != http.StatusOK {
		t.Fatalf("limit=100: status = %d", w.Code)
	}
}

func TestNotFoundAndBadIds(t *testing.T) {
	r, _ := newTestServer(t)
	if w := do(r, http.MethodGet, "/api/invoices/999", "org-1", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing invoice = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/api/vendors/abc", "org-1", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/api/vendors/7/baselines", "org-1", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing vendor baselines = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/nope", "org-1", ""); w.Code != http.StatusNotFound {
		t.Fatalf("no route = %d", w.Code)
	}
}

func TestStructuredMissingColumnIsParseError(t *testing.T) {
	r, _ := newTestServer(t)
	noTotals := strings.ReplaceAll(invoiceCSV, ",line_total\n", ",amount_due\n")
	w := upload(t, r, "/api/extract/structured", "org-1", "march.csv", noTotals)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	body := decode[errorBody](t, w)
	if body.Kind != "parse_error" || body.Details["column"] != "line_total" || body.Retryable {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestUnstructuredWithoutServiceIsUnprocessable(t *testing.T) {
	r, _ := newTestServer(t)
	w := upload(t, r, "/api/extract/unstructured", "org-1", "scan.txt", "Invoice T-7 from Globex")
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if body := decode[errorBody](t, w); body.Kind != "extraction_error" {
		t.Fatalf("unexpected body %+v", body)
	}

	if w := upload(t, r, "/api/extract/unstructured", "org-1", "march.csv", invoiceCSV); w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("tabular document on text endpoint = %d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"parse", &utils.ParseError{Format: "csv", Row: 3, Reason: "bad row"}, http.StatusUnprocessableEntity},
		{"extraction", &utils.ExtractionError{Source: "service", Reason: "bad schema"}, http.StatusUnprocessableEntity},
		{"extraction retryable", &utils.ExtractionError{Source: "service", Reason: "timeout", Retryable: true}, http.StatusServiceUnavailable},
		{"storage", fmt.Errorf("ingest: %w", &utils.StorageError{Op: "put", Key: "k"}), http.StatusServiceUnavailable},
		{"not found", fmt.Errorf("get: %w", utils.ErrorRecordNotFound), http.StatusNotFound},
		{"transition", fmt.Errorf("%w: acknowledged -> open", alerts.ErrInvalidTransition), http.StatusConflict},
		{"unknown status", alerts.ErrUnknownStatus, http.StatusBadRequest},
		{"class", workflow.ErrClassMismatch, http.StatusUnsupportedMediaType},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		got, body := statusFor(tc.err)
		if got != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.name, got, tc.want)
		}
		if got == http.StatusInternalServerError && body.Error != "internal error" {
			t.Fatalf("%s: internal errors must not leak details, got %q", tc.name, body.Error)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	r, _ := newTestServer(t)
	if w := do(r, http.MethodGet, "/healthz", "", ""); w.Code != http.StatusNoContent {
		t.Fatalf("healthz = %d", w.Code)
	}
	w := do(r, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "procuresight_") {
		t.Fatalf("metrics = %d", w.Code)
	}
}

func TestExportAlerts(t *testing.T) {
	r, _ := newTestServer(t)
	if w := upload(t, r, "/api/extract/structured", "org-1", "march.csv", invoiceCSV); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resent := strings.ReplaceAll(invoiceCSV, "96.00,1296.00", "100.00,1300.00")
	if w := upload(t, r, "/api/extract/structured", "org-1", "march-resent.csv", resent); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	w := do(r, http.MethodGet, "/api/alerts/export?type=duplicate", "org-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("export = %d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != reports.XLSXContentType {
		t.Fatalf("content type = %q", ct)
	}
	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows("Alerts")
	if err != nil || len(rows) != 2 || rows[1][2] != "Acme" || rows[1][4] != "duplicate" {
		t.Fatalf("rows = %v err=%v", rows, err)
	}

	if w := do(r, http.MethodGet, "/api/alerts/export?limit=1001", "org-1", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("limit over the export cap = %d", w.Code)
	}
}

func TestSpendByVendorReportEndpoint(t *testing.T) {
	r, _ := newTestServer(t)
	if w := upload(t, r, "/api/extract/structured", "org-1", "march.csv", invoiceCSV); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	w := do(r, http.MethodGet, "/api/reports/spend-by-vendor?from=2024-01-01&to=2024-12-31", "org-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("report = %d body=%s", w.Code, w.Body.String())
	}
	body := decode[struct {
		Rows []struct {
			Vendor       string `json:"vendor"`
			InvoiceCount int    `json:"invoice_count"`
			TotalSpend   string `json:"total_spend"`
		} `json:"rows"`
	}](t, w)
	if len(body.Rows) != 1 || body.Rows[0].Vendor != "Acme" || body.Rows[0].InvoiceCount != 1 || body.Rows[0].TotalSpend != "1296" {
		t.Fatalf("rows = %+v", body.Rows)
	}

	for _, path := range []string{
		"/api/reports/spend-by-vendor?from=2024-12-31&to=2024-01-01",
		"/api/reports/spend-by-vendor?from=March",
	} {
		if w := do(r, http.MethodGet, path, "org-1", ""); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", path, w.Code)
		}
	}
}

func TestGraphQLRoute(t *testing.T) {
	r, _ := newTestServer(t)
	if w := upload(t, r, "/api/extract/structured", "org-1", "march.csv", invoiceCSV); w.Code != http.StatusOK {
		t.Fatalf("extract = %d body=%s", w.Code, w.Body.String())
	}
	resent := strings.ReplaceAll(invoiceCSV, "96.00,1296.00", "100.00,1300.00")
	if w := upload(t, r, "/api/extract/structured", "org-1", "march-resent.csv", resent); w.Code != http.StatusOK {
		t.Fatalf("extract = %d body=%s", w.Code, w.Body.String())
	}

	type gqlBody struct {
		Data struct {
			Alerts struct {
				Edges []struct {
					ID     int    `json:"id"`
					Type   string `json:"type"`
					Vendor string `json:"vendor"`
				} `json:"edges"`
			} `json:"alerts"`
			UpdateAlert struct {
				Status string `json:"status"`
			} `json:"updateAlert"`
		} `json:"data"`
		Errors []json.RawMessage `json:"errors"`
	}

	if w := do(r, http.MethodPost, "/api/graphql", "", `{"query":"{ alerts { edges { id } } }"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing org = %d", w.Code)
	}

	w := do(r, http.MethodPost, "/api/graphql", "org-1", `{"query":"{ alerts(status: open) { edges { id type vendor } } }"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	list := decode[gqlBody](t, w)
	if len(list.Errors) != 0 || len(list.Data.Alerts.Edges) != 1 {
		t.Fatalf("unexpected response %s", w.Body.String())
	}
	edge := list.Data.Alerts.Edges[0]
	if edge.Type != "duplicate" || edge.Vendor != "Acme" {
		t.Fatalf("unexpected edge %+v", edge)
	}

	mutation := fmt.Sprintf(`{"query":"mutation { updateAlert(id: %d, status: dismissed) { status } }"}`, edge.ID)
	w = do(r, http.MethodPost, "/api/graphql", "org-1", mutation)
	if got := decode[gqlBody](t, w); len(got.Errors) != 0 || got.Data.UpdateAlert.Status != "dismissed" {
		t.Fatalf("updateAlert = %s", w.Body.String())
	}
	w = do(r, http.MethodGet, "/api/alerts?status=dismissed", "org-1", "")
	if rest := decode[struct {
		Alerts []struct {
			ID int `json:"id"`
		} `json:"alerts"`
	}](t, w); len(rest.Alerts) != 1 || rest.Alerts[0].ID != edge.ID {
		t.Fatalf("REST view after mutation = %s", w.Body.String())
	}
}
