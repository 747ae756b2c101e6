// Package ingest is the content-addressed entry point for uploaded documents.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mmdatafocus/procuresight_backend/blobstore"
	"github.com/mmdatafocus/procuresight_backend/config"
	"github.com/mmdatafocus/procuresight_backend/metrics"
	"github.com/mmdatafocus/procuresight_backend/models"
	"github.com/mmdatafocus/procuresight_backend/parser"
	"github.com/mmdatafocus/procuresight_backend/utils"
)

const EventDocumentReceived = "document_received"

// EventPublisher is the live event stream as seen by the gate.
type EventPublisher interface {
	Publish(ctx context.Context, orgId, eventType string, payload any) error
}

type Input struct {
	OrgId      string
	Filename   string
	Mime       string
	UploadedBy string
	Data       []byte
}

type Result struct {
	Document       *models.RawDocument
	StorageLocator string
	Duplicate      bool
}

type Gate struct {
	docs           models.DocumentStore
	blobs          blobstore.Store
	publisher      EventPublisher
	storageTimeout time.Duration
	logger         *logrus.Logger
	newId          func() string
}

func NewGate(docs models.DocumentStore, blobs blobstore.Store, publisher EventPublisher, storageTimeout time.Duration) *Gate {
	return &Gate{
		docs:           docs,
		blobs:          blobs,
		publisher:      publisher,
		storageTimeout: storageTimeout,
		logger:         config.GetLogger(),
		newId:          func() string { return uuid.New().String() },
	}
}

// Fingerprint is the lowercase hex SHA-256 of data.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// UploadPrefix is the blob prefix holding every upload of orgId.
func UploadPrefix(orgId string) string {
	return "org/" + orgId + "/uploads/"
}

func (g *Gate) objectKey(orgId, filename string) string {
	safe := strings.ReplaceAll(filename, "/", "_")
	if safe == "" {
		safe = "upload"
	}
	return UploadPrefix(orgId) + g.newId() + "/" + safe
}

// Ingest stores data once per (org, fingerprint). A repeat upload returns the
// existing document with Duplicate set and touches neither storage nor the
// metadata table.
func (g *Gate) Ingest(ctx context.Context, in Input) (*Result, error) {
	start := time.Now()
	defer metrics.ObserveStage("ingest", start)

	if in.OrgId == "" {
		return nil, errors.New("ingest: org id is required")
	}
	hash := Fingerprint(in.Data)

	existing, err := g.docs.FindDocumentByHash(ctx, in.OrgId, hash)
	if err == nil {
		metrics.DocumentsIngested.WithLabelValues("true").Inc()
		return &Result{Document: existing, StorageLocator: existing.StorageRef, Duplicate: true}, nil
	}
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, fmt.Errorf("lookup document by hash: %w", err)
	}

	mime := parser.ResolveMime(in.Mime, in.Filename, in.Data)
	key := g.objectKey(in.OrgId, in.Filename)

	putCtx := ctx
	if g.storageTimeout > 0 {
		var cancel context.CancelFunc
		putCtx, cancel = context.WithTimeout(ctx, g.storageTimeout)
		defer cancel()
	}
	locator, err := g.blobs.Put(putCtx, key, in.Data, mime)
	if err != nil {
		return nil, &utils.StorageError{Op: "put", Key: key, Err: err}
	}

	doc := &models.RawDocument{
		OrgId:       in.OrgId,
		ContentHash: hash,
		StorageRef:  key,
		Filename:    in.Filename,
		Mime:        mime,
		ByteSize:    int64(len(in.Data)),
		UploadedBy:  in.UploadedBy,
	}
	if err := g.docs.CreateDocument(ctx, doc); err != nil {
		if models.IsDuplicateKeyErr(err) {
			// a concurrent upload of the same bytes won; our object is left
			// for orphan reconciliation
			winner, ferr := g.docs.FindDocumentByHash(ctx, in.OrgId, hash)
			if ferr == nil {
				metrics.DocumentsIngested.WithLabelValues("true").Inc()
				return &Result{Document: winner, StorageLocator: winner.StorageRef, Duplicate: true}, nil
			}
			err = ferr
		}
		config.LogError(g.logger, "ingest/gate.go", "Ingest", "metadata insert failed after blob put",
			map[string]any{"org_id": in.OrgId, "storage_ref": key}, err)
		return nil, &utils.StorageError{Op: "insert", Key: key, Orphaned: true, Err: err}
	}

	metrics.DocumentsIngested.WithLabelValues("false").Inc()
	g.logger.WithFields(logrus.Fields{
		"org_id":      in.OrgId,
		"document_id": doc.ID,
		"mime":        mime,
		"size":        doc.ByteSize,
	}).Info("[ingest.stored]")

	if g.publisher != nil {
		payload := map[string]any{
			"document_id": doc.ID,
			"storage_ref": key,
			"filename":    doc.Filename,
			"mime":        mime,
		}
		if err := g.publisher.Publish(ctx, in.OrgId, EventDocumentReceived, payload); err != nil {
			config.LogError(g.logger, "ingest/gate.go", "Ingest", "publish document_received", payload, err)
		}
	}
	return &Result{Document: doc, StorageLocator: locator}, nil
}

// Load returns the stored bytes of a document.
func (g *Gate) Load(ctx context.Context, doc *models.RawDocument) ([]byte, error) {
	getCtx := ctx
	if g.storageTimeout > 0 {
		var cancel context.CancelFunc
		getCtx, cancel = context.WithTimeout(ctx, g.storageTimeout)
		defer cancel()
	}
	data, err := g.blobs.Get(getCtx, doc.StorageRef)
	if err != nil {
		return nil, &utils.StorageError{Op: "get", Key: doc.StorageRef, Err: err}
	}
	return data, nil
}
