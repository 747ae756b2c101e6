package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mmdatafocus/procuresight_backend/config"
	"github.com/mmdatafocus/procuresight_backend/models"
)

// ExtractionDispatcher drains pending extraction rows: documents queued with
// ?process=true and retryable failures whose backoff has elapsed.
type ExtractionDispatcher struct {
	Pipeline     *Pipeline
	Logger       *logrus.Logger
	DispatcherID string

	BatchSize    int
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
}

func NewExtractionDispatcher(p *Pipeline, s *config.Settings) *ExtractionDispatcher {
	return &ExtractionDispatcher{
		Pipeline:     p,
		Logger:       config.GetLogger(),
		DispatcherID: uuid.NewString(),
		BatchSize:    s.DispatchBatchSize,
		Workers:      4,
		PollInterval: s.DispatchPollInterval,
		MaxAttempts:  s.DispatchMaxAttempts,
	}
}

func (d *ExtractionDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.Logger.WithFields(logrus.Fields{"dispatcher_id": d.DispatcherID}).Info("[dispatcher] started")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims one batch and processes it. It returns the number of
// rows claimed.
func (d *ExtractionDispatcher) DispatchOnce(ctx context.Context) int {
	store := d.Pipeline.Stores.Extractions
	claimed, err := store.ClaimPendingExtractions(ctx, d.DispatcherID, d.BatchSize, time.Now().UTC())
	if err != nil {
		config.LogError(d.Logger, "workflow/extractionDispatcher.go", "DispatchOnce", "claim pending extractions", nil, err)
		return 0
	}
	if len(claimed) == 0 {
		return 0
	}

	var g errgroup.Group
	if d.Workers > 0 {
		g.SetLimit(d.Workers)
	}
	for i := range claimed {
		row := claimed[i]
		g.Go(func() error {
			d.process(ctx, &row)
			return nil
		})
	}
	_ = g.Wait()
	return len(claimed)
}

func (d *ExtractionDispatcher) process(ctx context.Context, row *models.ExtractionResult) {
	// poison rows go terminal
	if d.MaxAttempts > 0 && row.Attempts > d.MaxAttempts {
		d.markFailed(ctx, row, fmt.Sprintf("max extraction attempts exceeded (%d)", d.MaxAttempts))
		return
	}
	doc, err := d.Pipeline.Stores.Documents.GetDocument(ctx, row.OrgId, row.DocumentId)
	if err != nil {
		d.markFailed(ctx, row, "document not found: "+err.Error())
		return
	}
	if _, err := d.Pipeline.run(ctx, doc, row); err != nil {
		return
	}
	d.Logger.WithFields(logrus.Fields{
		"dispatcher_id": d.DispatcherID,
		"org_id":        row.OrgId,
		"document_id":   row.DocumentId,
		"attempt":       row.Attempts,
	}).Info("[dispatcher] extraction parsed")
}

func (d *ExtractionDispatcher) markFailed(ctx context.Context, row *models.ExtractionResult, msg string) {
	row.Status = models.ExtractionStatusFailed
	row.LastError = &msg
	row.NextAttemptAt = nil
	row.LockedAt = nil
	row.LockedBy = nil
	if err := d.Pipeline.Stores.Extractions.SaveExtraction(ctx, row); err != nil {
		config.LogError(d.Logger, "workflow/extractionDispatcher.go", "markFailed", "save failed extraction",
			map[string]any{"document_id": row.DocumentId}, err)
		return
	}
	d.Logger.WithFields(logrus.Fields{
		"dispatcher_id": d.DispatcherID,
		"org_id":        row.OrgId,
		"document_id":   row.DocumentId,
		"attempt":       row.Attempts,
	}).Error("[dispatcher] extraction moved to failed: " + msg)
}
