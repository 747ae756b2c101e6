package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/99designs/gqlgen/graphql/handler"
	"github.com/99designs/gqlgen/graphql/handler/transport"
	"github.com/shopspring/decimal"

	"github.com/mmdatafocus/procuresight_backend/alerts"
	"github.com/mmdatafocus/procuresight_backend/config"
	"github.com/mmdatafocus/procuresight_backend/memstore"
	"github.com/mmdatafocus/procuresight_backend/models"
	"github.com/mmdatafocus/procuresight_backend/utils"
)

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message    string         `json:"message"`
		Path       []any          `json:"path"`
		Extensions map[string]any `json:"extensions"`
	} `json:"errors"`
}

type recordingPublisher struct {
	events []string
}

func (p *recordingPublisher) Publish(ctx context.Context, orgId, eventType string, payload any) error {
	p.events = append(p.events, orgId+":"+eventType)
	return nil
}

func newTestHandler(t *testing.T) (http.Handler, models.Stores, *recordingPublisher) {
	t.Helper()
	s := config.DefaultSettings()
	s.AsyncNotify = false
	stores := memstore.New().Stores()
	pub := &recordingPublisher{}
	h := handler.New(NewExecutableSchema(&Resolver{
		Stores:    stores,
		Sink:      alerts.NewSink(stores.Alerts, alerts.ConfigFromSettings(s)),
		Publisher: pub,
	}))
	h.AddTransport(transport.POST{})
	withOrg := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := utils.SetOrgIdInContext(r.Context(), r.Header.Get("X-Org"))
		ctx = utils.SetActorIdInContext(ctx, "ops@example.com")
		h.ServeHTTP(w, r.WithContext(ctx))
	})
	return withOrg, stores, pub
}

func query(t *testing.T, h http.Handler, org, q string, vars map[string]any) gqlResponse {
	t.Helper()
	body, err := json.Marshal(map[string]any{"query": q, "variables": vars})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Org", org)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var out gqlResponse
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return out
}

func seedAlert(t *testing.T, stores models.Stores) models.Alert {
	t.Helper()
	a := models.Alert{OrgId: "org-1", InvoiceId: 9, VendorId: 3, VendorName: "Acme", InvoiceNo: "INV-1",
		Type: models.AlertTypeDuplicate, Severity: models.AlertSeverityHigh, Score: 1, Message: "resent"}
	if err := stores.Alerts.CreateAlert(context.Background(), &a); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	return a
}

func TestQueryProjectsSelectionInOrder(t *testing.T) {
	h, stores, _ := newTestHandler(t)
	a := seedAlert(t, stores)

	resp := query(t, h, "org-1", `query Open($s: AlertStatus) {
		open: alerts(status: $s, first: 5) { __typename edges { ...row } pageInfo { hasNextPage } }
	}
	fragment row on Alert { severity id vendor acknowledgedBy }`, map[string]any{"s": "open"})
	if len(resp.Errors) != 0 {
		t.Fatalf("errors: %+v", resp.Errors)
	}
	want := fmt.Sprintf(`{"open":{"__typename":"AlertConnection","edges":[{"severity":"high","id":%d,"vendor":"Acme","acknowledgedBy":null}],"pageInfo":{"hasNextPage":false}}}`, a.ID)
	if string(resp.Data) != want {
		t.Fatalf("data = %s\nwant %s", resp.Data, want)
	}

	resp = query(t, h, "org-1", `{ alerts(status: dismissed) { edges { id } } }`, nil)
	if string(resp.Data) != `{"alerts":{"edges":[]}}` {
		t.Fatalf("dismissed filter = %s", resp.Data)
	}
}

func TestInvoiceDecimalsAreExact(t *testing.T) {
	h, stores, _ := newTestHandler(t)
	inv := models.Invoice{OrgId: "org-1", VendorId: 3, VendorName: "Acme", InvoiceNo: "INV-7",
		InvoiceDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Currency: "USD",
		Subtotal: decimal.RequireFromString("1200.10"), Tax: decimal.RequireFromString("96.40"),
		Total: decimal.RequireFromString("1296.50"), Status: models.InvoiceStatusReceived,
		Lines: []models.InvoiceLine{{Description: "Widgets", Quantity: decimal.NewFromInt(10),
			UnitPrice: decimal.RequireFromString("120.01"), LineTotal: decimal.RequireFromString("1200.10")}},
	}
	if err := stores.Invoices.CreateInvoice(context.Background(), &inv); err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	resp := query(t, h, "org-1", `query($id: Int!) { invoice(id: $id) { total dueDate lines { qty unitPrice sku } } }`,
		map[string]any{"id": inv.ID})
	want := `{"invoice":{"total":1296.5,"dueDate":null,"lines":[{"qty":10,"unitPrice":120.01,"sku":null}]}}`
	if len(resp.Errors) != 0 || string(resp.Data) != want {
		t.Fatalf("data = %s errors=%+v", resp.Data, resp.Errors)
	}

	resp = query(t, h, "org-2", fmt.Sprintf(`{ invoice(id: %d) { id } }`, inv.ID), nil)
	if len(resp.Errors) != 0 || string(resp.Data) != `{"invoice":null}` {
		t.Fatalf("other org read = %s errors=%+v", resp.Data, resp.Errors)
	}
}

func TestUpdateAlertMutation(t *testing.T) {
	h, stores, pub := newTestHandler(t)
	a := seedAlert(t, stores)

	mutation := `mutation($id: Int!, $to: AlertStatus!) { updateAlert(id: $id, status: $to) { status acknowledgedBy } }`
	resp := query(t, h, "org-1", mutation, map[string]any{"id": a.ID, "to": "acknowledged"})
	if len(resp.Errors) != 0 || string(resp.Data) != `{"updateAlert":{"status":"acknowledged","acknowledgedBy":"ops@example.com"}}` {
		t.Fatalf("acknowledge = %s errors=%+v", resp.Data, resp.Errors)
	}
	if len(pub.events) != 1 || pub.events[0] != "org-1:"+alerts.EventAlertUpdated {
		t.Fatalf("events = %v", pub.events)
	}

	cases := []struct {
		name string
		org  string
		to   string
		code string
	}{
		{"terminal", "org-1", "dismissed", "INVALID_TRANSITION"},
		{"other org", "org-2", "dismissed", "NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := query(t, h, tc.org, mutation, map[string]any{"id": a.ID, "to": tc.to})
			if string(resp.Data) != "null" || len(resp.Errors) != 1 {
				t.Fatalf("data = %s errors=%+v", resp.Data, resp.Errors)
			}
			if got := resp.Errors[0].Extensions["code"]; got != tc.code {
				t.Fatalf("code = %v, want %s", got, tc.code)
			}
			if len(resp.Errors[0].Path) != 1 || resp.Errors[0].Path[0] != "updateAlert" {
				t.Fatalf("path = %v", resp.Errors[0].Path)
			}
		})
	}
	if len(pub.events) != 1 {
		t.Fatalf("failed transitions published: %v", pub.events)
	}
}

func TestPageSizeBounds(t *testing.T) {
	h, _, _ := newTestHandler(t)
	for _, first := range []int{0, maxAlertPage + 1} {
		resp := query(t, h, "org-1", `query($n: Int) { alerts(first: $n) { edges { id } } }`, map[string]any{"n": first})
		if string(resp.Data) != "null" || len(resp.Errors) != 1 || resp.Errors[0].Extensions["code"] != "BAD_USER_INPUT" {
			t.Fatalf("first=%d: data = %s errors=%+v", first, resp.Data, resp.Errors)
		}
	}
	resp := query(t, h, "org-1", `{ missing: alert(id: 404) { id } }`, nil)
	if len(resp.Errors) != 0 || string(resp.Data) != `{"missing":null}` {
		t.Fatalf("unknown alert = %s errors=%+v", resp.Data, resp.Errors)
	}
}
