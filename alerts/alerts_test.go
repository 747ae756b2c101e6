package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmdatafocus/procuresight_backend/memstore"
	"github.com/mmdatafocus/procuresight_backend/models"
	"github.com/mmdatafocus/procuresight_backend/scoring"
)

func testConfig() Config {
	return Config{MaxAttempts: 3, Timeout: 50 * time.Millisecond, InitialBackoff: time.Millisecond}
}

func testInvoice() *models.Invoice {
	return &models.Invoice{ID: 42, OrgId: "org-1", VendorId: 7, VendorName: "Acme", InvoiceNo: "INV-1042"}
}

func dupCandidate(score float64) scoring.Candidate {
	return scoring.Candidate{
		Type:     models.AlertTypeDuplicate,
		Severity: models.AlertSeverityHigh,
		Score:    score,
		Message:  "Invoice INV-1042 for vendor Acme has 1 potential duplicate(s) based on matching invoice number.",
		Meta:     map[string]any{"rule": "duplicate_invoice"},
	}
}

type recordingNotifier struct {
	name  string
	fail  int32
	mu    sync.Mutex
	calls int32
	seen  []Emitted
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) Notify(ctx context.Context, e Emitted) error {
	n := atomic.AddInt32(&r.calls, 1)
	if n <= atomic.LoadInt32(&r.fail) {
		return errors.New("channel down")
	}
	r.mu.Lock()
	r.seen = append(r.seen, e)
	r.mu.Unlock()
	return nil
}

func TestEmitRefreshesOpenAlert(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	sink := NewSink(store, testConfig())
	inv := testInvoice()

	first, err := sink.Emit(ctx, inv, []scoring.Candidate{dupCandidate(1.0)})
	if err != nil || len(first) != 1 || !first[0].Created {
		t.Fatalf("first emit: %+v, %v", first, err)
	}
	again := dupCandidate(0.9)
	again.Message = "updated"
	second, err := sink.Emit(ctx, inv, []scoring.Candidate{again})
	if err != nil {
		t.Fatalf("second emit: %v", err)
	}
	if len(second) != 1 || second[0].Created || second[0].Alert.ID != first[0].Alert.ID {
		t.Fatalf("expected the open alert to be refreshed, got %+v", second)
	}
	if store.AlertCount() != 1 {
		t.Fatalf("alert count = %d, want 1", store.AlertCount())
	}
	got, _ := store.GetAlert(ctx, "org-1", first[0].Alert.ID)
	if got.Message != "updated" || got.Score != 0.9 {
		t.Fatalf("alert not refreshed: %+v", got)
	}
}

func TestEmitNeverReopensTerminalAlert(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	sink := NewSink(store, testConfig())
	inv := testInvoice()

	first, _ := sink.Emit(ctx, inv, []scoring.Candidate{dupCandidate(1.0)})
	if _, err := sink.Transition(ctx, "org-1", first[0].Alert.ID, models.AlertStatusAcknowledged, "ops-1"); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	second, err := sink.Emit(ctx, inv, []scoring.Candidate{dupCandidate(1.0)})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if !second[0].Created || second[0].Alert.ID == first[0].Alert.ID {
		t.Fatalf("a new alert should open after the old one was acknowledged: %+v", second)
	}
	old, _ := store.GetAlert(ctx, "org-1", first[0].Alert.ID)
	if old.Status != models.AlertStatusAcknowledged {
		t.Fatalf("terminal alert reopened: %s", old.Status)
	}
}

func TestEmitMergesCandidatesOfOneType(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	sink := NewSink(store, testConfig())

	low := scoring.Candidate{Type: models.AlertTypePriceDeviation, Severity: models.AlertSeverityMedium, Score: 2.5, Meta: map[string]any{"sku": "ABC"}}
	high := scoring.Candidate{Type: models.AlertTypePriceDeviation, Severity: models.AlertSeverityCritical, Score: 4.5, Meta: map[string]any{"sku": "DEF"}}
	out, err := sink.Emit(ctx, testInvoice(), []scoring.Candidate{low, high, dupCandidate(1)})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(out) != 2 || out[0].Alert.Type != models.AlertTypePriceDeviation || out[1].Alert.Type != models.AlertTypeDuplicate {
		t.Fatalf("unexpected alerts %+v", out)
	}
	price := out[0].Alert
	if price.Severity != models.AlertSeverityCritical || price.Meta["sku"] != "DEF" {
		t.Fatalf("the highest scoring candidate should lead: %+v", price)
	}
	extra, ok := price.Meta["additional"].([]map[string]any)
	if !ok || len(extra) != 1 {
		t.Fatalf("additional = %#v", price.Meta["additional"])
	}
}

func TestConcurrentEmitKeepsOneOpenAlert(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	sink := NewSink(store, testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := sink.Emit(ctx, testInvoice(), []scoring.Candidate{dupCandidate(1)}); err != nil {
				t.Errorf("Emit: %v", err)
			}
		}()
	}
	wg.Wait()
	if store.AlertCount() != 1 {
		t.Fatalf("alert count = %d, want 1", store.AlertCount())
	}
}

func TestNotificationFailureIsIsolated(t *testing.T) {
	broken := &recordingNotifier{name: "webhook", fail: 100}
	flaky := &recordingNotifier{name: "stream", fail: 2}
	sink := NewSink(memstore.New(), testConfig(), broken, flaky)

	out, err := sink.Emit(context.Background(), testInvoice(), []scoring.Candidate{dupCandidate(1)})
	if err != nil {
		t.Fatalf("notification failures must not fail Emit: %v", err)
	}
	if out[0].Alert.Status != models.AlertStatusOpen {
		t.Fatalf("alert should stay open, got %s", out[0].Alert.Status)
	}
	if got := atomic.LoadInt32(&broken.calls); got != 3 {
		t.Fatalf("broken channel attempts = %d, want 3", got)
	}
	if got := atomic.LoadInt32(&flaky.calls); got != 3 || len(flaky.seen) != 1 {
		t.Fatalf("flaky channel should succeed on the third attempt: calls=%d seen=%d", got, len(flaky.seen))
	}
}

type slowNotifier struct{ calls int32 }

func (s *slowNotifier) Name() string { return "slow" }

func (s *slowNotifier) Notify(ctx context.Context, e Emitted) error {
	atomic.AddInt32(&s.calls, 1)
	<-ctx.Done()
	return ctx.Err()
}

func TestNotificationAttemptsAreBounded(t *testing.T) {
	slow := &slowNotifier{}
	cfg := testConfig()
	cfg.Timeout = 10 * time.Millisecond
	cfg.MaxAttempts = 2
	sink := NewSink(memstore.New(), cfg, slow)

	start := time.Now()
	if _, err := sink.Emit(context.Background(), testInvoice(), []scoring.Candidate{dupCandidate(1)}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if got := atomic.LoadInt32(&slow.calls); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("per-attempt timeout not applied")
	}
}

func TestAsyncNotificationsComplete(t *testing.T) {
	rec := &recordingNotifier{name: "stream"}
	cfg := testConfig()
	cfg.Async = true
	sink := NewSink(memstore.New(), cfg, rec)
	if _, err := sink.Emit(context.Background(), testInvoice(), []scoring.Candidate{dupCandidate(1)}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	sink.Wait()
	if len(rec.seen) != 1 || !rec.seen[0].Created {
		t.Fatalf("expected one created notification, got %+v", rec.seen)
	}
}

func TestTransition(t *testing.T) {
	ctx := context.Background()
	sink := NewSink(memstore.New(), testConfig())
	out, _ := sink.Emit(ctx, testInvoice(), []scoring.Candidate{dupCandidate(1)})
	id := out[0].Alert.ID

	if _, err := sink.Transition(ctx, "org-1", id, "resolved", "ops-1"); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
	a, err := sink.Transition(ctx, "org-1", id, models.AlertStatusDismissed, "ops-1")
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if a.Status != models.AlertStatusDismissed || a.AcknowledgedBy == nil || *a.AcknowledgedBy != "ops-1" || a.AcknowledgedAt == nil {
		t.Fatalf("unexpected alert %+v", a)
	}
	for _, to := range []models.AlertStatus{models.AlertStatusAcknowledged, models.AlertStatusOpen, models.AlertStatusDismissed} {
		if _, err := sink.Transition(ctx, "org-1", id, to, "ops-1"); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("dismissed -> %s: expected ErrInvalidTransition, got %v", to, err)
		}
	}
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	alert := models.Alert{ID: 1, InvoiceId: 42, VendorName: "Acme", InvoiceNo: "INV-1", Type: models.AlertTypePriceDeviation, Severity: models.AlertSeverityHigh, Message: "Unit price moved."}
	n := NewWebhookNotifier(srv.URL, "https://app.example.com/")
	if err := n.Notify(context.Background(), Emitted{Alert: alert, Created: true}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	want := ":rotating_light: [HIGH] price_deviation - vendor=Acme, invoice=INV-1\nUnit price moved.\n<https://app.example.com/invoices/42|Open in ProcureSight>"
	if got["text"] != want {
		t.Fatalf("text = %q", got["text"])
	}
}

func TestWebhookNotifierErrorsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	if err := NewWebhookNotifier(srv.URL, "").Notify(context.Background(), Emitted{}); err == nil {
		t.Fatalf("expected an error for a 500 response")
	}
	if err := NewWebhookNotifier("", "").Notify(context.Background(), Emitted{}); err != nil {
		t.Fatalf("an empty URL disables the channel: %v", err)
	}
}

type fakePublisher struct {
	events []string
}

func (f *fakePublisher) Publish(ctx context.Context, orgId, eventType string, payload any) error {
	f.events = append(f.events, eventType)
	return nil
}

func TestStreamNotifierEventTypes(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewSink(memstore.New(), testConfig(), &StreamNotifier{Publisher: pub})
	_, _ = sink.Emit(context.Background(), testInvoice(), []scoring.Candidate{dupCandidate(1)})
	_, _ = sink.Emit(context.Background(), testInvoice(), []scoring.Candidate{dupCandidate(1)})
	if len(pub.events) != 2 || pub.events[0] != EventAlertCreated || pub.events[1] != EventAlertUpdated {
		t.Fatalf("events = %v", pub.events)
	}
}
