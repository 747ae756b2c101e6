package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/procuresight_backend/blobstore"
	"github.com/mmdatafocus/procuresight_backend/memstore"
	"github.com/mmdatafocus/procuresight_backend/utils"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(ctx context.Context, orgId, eventType string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, orgId+":"+eventType)
	return nil
}

func newGate() (*Gate, *memstore.Store, *blobstore.MemoryStore, *recordingPublisher) {
	store := memstore.New()
	blobs := blobstore.NewMemoryStore()
	pub := &recordingPublisher{}
	return NewGate(store, blobs, pub, time.Second), store, blobs, pub
}

func csvInput(org string) Input {
	return Input{OrgId: org, Filename: "acme/march.csv", Data: []byte("invoice_no,vendor\nINV-1,Acme\n")}
}

func TestIngestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	gate, store, blobs, pub := newGate()

	first, err := gate.Ingest(ctx, csvInput("org-1"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if first.Duplicate {
		t.Fatalf("first upload flagged as duplicate")
	}
	if first.Document.Mime != "text/csv" || first.Document.ContentHash != Fingerprint(csvInput("org-1").Data) {
		t.Fatalf("unexpected document %+v", first.Document)
	}
	if !strings.HasPrefix(first.Document.StorageRef, "org/org-1/uploads/") || !strings.HasSuffix(first.Document.StorageRef, "/acme_march.csv") {
		t.Fatalf("unexpected storage ref %q", first.Document.StorageRef)
	}

	second, err := gate.Ingest(ctx, csvInput("org-1"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !second.Duplicate || second.Document.ID != first.Document.ID {
		t.Fatalf("expected the first document back as a duplicate, got %+v", second)
	}
	if store.DocumentCount() != 1 || blobs.Len() != 1 {
		t.Fatalf("rows=%d objects=%d, want 1 and 1", store.DocumentCount(), blobs.Len())
	}
	if len(pub.events) != 1 || pub.events[0] != "org-1:"+EventDocumentReceived {
		t.Fatalf("events = %v", pub.events)
	}
}

func TestIngestScopesFingerprintsByOrg(t *testing.T) {
	ctx := context.Background()
	gate, store, _, _ := newGate()
	a, _ := gate.Ingest(ctx, csvInput("org-1"))
	b, err := gate.Ingest(ctx, csvInput("org-2"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if b.Duplicate || a.Document.ID == b.Document.ID || store.DocumentCount() != 2 {
		t.Fatalf("the same bytes in another org are a new document")
	}
}

func TestConcurrentIngestKeepsOneRow(t *testing.T) {
	ctx := context.Background()
	gate, store, blobs, _ := newGate()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
		ids   = map[int]bool{}
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := gate.Ingest(ctx, csvInput("org-1"))
			if err != nil {
				t.Errorf("Ingest: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[res.Document.ID] = true
			if !res.Duplicate {
				fresh++
			}
		}()
	}
	wg.Wait()
	if store.DocumentCount() != 1 || len(ids) != 1 || fresh != 1 {
		t.Fatalf("rows=%d ids=%d fresh=%d, want 1/1/1", store.DocumentCount(), len(ids), fresh)
	}

	// objects written by losing racers are reclaimed by reconciliation
	if _, err := gate.Reconcile(ctx, "org-1", 0, false); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if blobs.Len() != 1 {
		t.Fatalf("objects after reconcile = %d, want 1", blobs.Len())
	}
}

func TestIngestStorageFailureCreatesNoRow(t *testing.T) {
	gate, store, blobs, pub := newGate()
	blobs.FailPut = errors.New("bucket unavailable")

	_, err := gate.Ingest(context.Background(), csvInput("org-1"))
	var se *utils.StorageError
	if !errors.As(err, &se) || se.Orphaned || se.Op != "put" {
		t.Fatalf("expected a non-orphaned put StorageError, got %v", err)
	}
	if !utils.IsRetryable(err) {
		t.Fatalf("storage failures are retryable")
	}
	if store.DocumentCount() != 0 || len(pub.events) != 0 {
		t.Fatalf("no row or event expected after a storage failure")
	}
}

func TestIngestInsertFailureOrphansObject(t *testing.T) {
	ctx := context.Background()
	gate, store, blobs, _ := newGate()
	store.FailCreateDocument = errors.New("connection reset")

	_, err := gate.Ingest(ctx, csvInput("org-1"))
	var se *utils.StorageError
	if !errors.As(err, &se) || !se.Orphaned {
		t.Fatalf("expected an orphaned StorageError, got %v", err)
	}
	if blobs.Len() != 1 || store.DocumentCount() != 0 {
		t.Fatalf("objects=%d rows=%d, want 1 and 0", blobs.Len(), store.DocumentCount())
	}

	report, err := gate.Reconcile(ctx, "org-1", 0, true)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(report.Orphans) != 1 || report.Orphans[0].Key != se.Key || report.Orphans[0].Deleted {
		t.Fatalf("dry run report = %+v", report)
	}
	if blobs.Len() != 1 {
		t.Fatalf("dry run must not delete")
	}

	report, err = gate.Reconcile(ctx, "org-1", 0, false)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(report.Orphans) != 1 || !report.Orphans[0].Deleted || blobs.Len() != 0 {
		t.Fatalf("orphan not deleted: %+v, objects=%d", report, blobs.Len())
	}

	store.FailCreateDocument = nil
	res, err := gate.Ingest(ctx, csvInput("org-1"))
	if err != nil || res.Duplicate {
		t.Fatalf("retry after an orphaned insert should succeed: %+v, %v", res, err)
	}
}

func TestReconcileSkipsRecentAndKnownObjects(t *testing.T) {
	ctx := context.Background()
	gate, _, blobs, _ := newGate()
	if _, err := gate.Ingest(ctx, csvInput("org-1")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := blobs.Put(ctx, UploadPrefix("org-1")+"stray/x.pdf", []byte("x"), "application/pdf"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	report, err := gate.Reconcile(ctx, "org-1", time.Hour, false)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.Scanned != 2 || report.Skipped != 2 || len(report.Orphans) != 0 {
		t.Fatalf("recent objects must be skipped: %+v", report)
	}

	report, _ = gate.Reconcile(ctx, "org-1", 0, false)
	if len(report.Orphans) != 1 || !strings.HasSuffix(report.Orphans[0].Key, "stray/x.pdf") {
		t.Fatalf("only the unreferenced object is an orphan: %+v", report)
	}
	if blobs.Len() != 1 {
		t.Fatalf("referenced object deleted")
	}
}

func TestLoadReturnsStoredBytes(t *testing.T) {
	ctx := context.Background()
	gate, _, _, _ := newGate()
	res, _ := gate.Ingest(ctx, csvInput("org-1"))
	data, err := gate.Load(ctx, res.Document)
	if err != nil || string(data) != string(csvInput("org-1").Data) {
		t.Fatalf("Load = %q, %v", data, err)
	}
}
