package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmdatafocus/procuresight_backend/config"
	"github.com/mmdatafocus/procuresight_backend/models"
	"github.com/mmdatafocus/procuresight_backend/utils"
)

func setupGormStore(t *testing.T) *models.GormStore {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "procuresight_test")

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("MigrateTable: %v", err)
	}
	return models.NewGormStore(db)
}

func TestGormStoreInvoiceKeys(t *testing.T) {
	store := setupGormStore(t)
	ctx := utils.SetOrgIdInContext(context.Background(), "org-1")

	vendor, err := store.ResolveVendor(ctx, "org-1", "Acme")
	if err != nil {
		t.Fatalf("ResolveVendor: %v", err)
	}
	again, err := store.ResolveVendor(ctx, "org-1", "Acme")
	if err != nil || again.ID != vendor.ID {
		t.Fatalf("ResolveVendor is not stable: %v %v", again, err)
	}

	sourceDoc := 77
	inv := &models.Invoice{
		OrgId: "org-1", VendorId: vendor.ID, VendorName: "Acme", InvoiceNo: "INV-1042",
		InvoiceDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Currency: "USD",
		Subtotal: decimal.RequireFromString("1200"), Tax: decimal.RequireFromString("96"),
		Total: decimal.RequireFromString("1296"), Status: models.InvoiceStatusReceived,
		Lines: []models.InvoiceLine{{Description: "Widgets", Quantity: decimal.NewFromInt(10),
			UnitPrice: decimal.NewFromInt(100), LineTotal: decimal.NewFromInt(1000)}},
		SourceDocId: &sourceDoc,
	}
	if err := store.CreateInvoice(ctx, inv); err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	clash := *inv
	clash.ID = 0
	clash.Lines = nil
	if err := store.CreateInvoice(ctx, &clash); !errors.Is(err, utils.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	seq, err := store.NextDuplicateSeq(ctx, "org-1", vendor.ID, "INV-1042")
	if err != nil || seq != 1 {
		t.Fatalf("NextDuplicateSeq = %d, %v", seq, err)
	}

	canonical, err := store.FindCanonicalInvoice(ctx, "org-1", vendor.ID, "INV-1042")
	if err != nil || canonical.ID != inv.ID || len(canonical.Lines) != 1 {
		t.Fatalf("FindCanonicalInvoice = %+v, %v", canonical, err)
	}

	byDoc, err := store.ListDocumentInvoices(ctx, "org-1", sourceDoc, vendor.ID, "INV-1042")
	if err != nil || len(byDoc) != 1 || byDoc[0].ID != inv.ID || len(byDoc[0].Lines) != 1 {
		t.Fatalf("ListDocumentInvoices = %+v, %v", byDoc, err)
	}
	if other, err := store.ListDocumentInvoices(ctx, "org-1", sourceDoc+1, vendor.ID, "INV-1042"); err != nil || len(other) != 0 {
		t.Fatalf("ListDocumentInvoices for another document = %+v, %v", other, err)
	}

	if _, err := store.GetInvoice(ctx, "org-2", inv.ID); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("cross-org read: %v", err)
	}
}

func TestGormStoreDocumentsAndClaims(t *testing.T) {
	store := setupGormStore(t)
	ctx := context.Background()

	doc := &models.RawDocument{OrgId: "org-1", ContentHash: strings.Repeat("a", 64), StorageRef: "org/org-1/uploads/x/a.csv", Mime: "text/csv", ByteSize: 3}
	if err := store.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	dup := *doc
	dup.ID = 0
	if err := store.CreateDocument(ctx, &dup); !errors.Is(err, utils.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if ok, err := store.HasStorageRef(ctx, "org-1", doc.StorageRef); err != nil || !ok {
		t.Fatalf("HasStorageRef = %v, %v", ok, err)
	}

	now := time.Now().UTC()
	row := &models.ExtractionResult{OrgId: "org-1", DocumentId: doc.ID, Status: models.ExtractionStatusPending, NextAttemptAt: &now}
	if err := store.SaveExtraction(ctx, row); err != nil {
		t.Fatalf("SaveExtraction: %v", err)
	}
	claimed, err := store.ClaimPendingExtractions(ctx, "worker-a", 10, now.Add(time.Second))
	if err != nil || len(claimed) != 1 || claimed[0].DocumentId != doc.ID {
		t.Fatalf("first claim = %v, %v", claimed, err)
	}
	again, err := store.ClaimPendingExtractions(ctx, "worker-b", 10, now.Add(time.Second))
	if err != nil || len(again) != 0 {
		t.Fatalf("row claimed twice: %v, %v", again, err)
	}
}

func TestGormStoreAlertLifecycle(t *testing.T) {
	store := setupGormStore(t)
	ctx := context.Background()

	a := &models.Alert{OrgId: "org-1", InvoiceId: 9, VendorId: 1, Type: models.AlertTypeDuplicate,
		Severity: models.AlertSeverityHigh, Score: 1, Message: "resent", Status: models.AlertStatusOpen}
	if err := store.CreateAlert(ctx, a); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	second := &models.Alert{OrgId: "org-1", InvoiceId: 9, VendorId: 1, Type: models.AlertTypeDuplicate,
		Severity: models.AlertSeverityHigh, Status: models.AlertStatusOpen}
	if err := store.CreateAlert(ctx, second); !errors.Is(err, utils.ErrDuplicateKey) {
		t.Fatalf("two open alerts for one key: %v", err)
	}

	acked, err := store.TransitionAlert(ctx, "org-1", a.ID, models.AlertStatusAcknowledged, "ops", time.Now().UTC())
	if err != nil || acked.Status != models.AlertStatusAcknowledged {
		t.Fatalf("TransitionAlert = %+v, %v", acked, err)
	}
	if _, err := store.TransitionAlert(ctx, "org-1", a.ID, models.AlertStatusDismissed, "ops", time.Now().UTC()); !errors.Is(err, utils.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// releasing the open key lets a new alert open for the same invoice
	reopened := &models.Alert{OrgId: "org-1", InvoiceId: 9, VendorId: 1, Type: models.AlertTypeDuplicate,
		Severity: models.AlertSeverityHigh, Status: models.AlertStatusOpen}
	if err := store.CreateAlert(ctx, reopened); err != nil {
		t.Fatalf("CreateAlert after acknowledge: %v", err)
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("procuresight-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=procuresight_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
