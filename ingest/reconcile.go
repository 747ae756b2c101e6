package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mmdatafocus/procuresight_backend/config"
)

type Orphan struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Deleted   bool      `json:"deleted"`
}

type ReconcileReport struct {
	OrgId   string   `json:"org_id"`
	Scanned int      `json:"scanned"`
	Skipped int      `json:"skipped_recent"`
	DryRun  bool     `json:"dry_run"`
	Orphans []Orphan `json:"orphans"`
}

// Reconcile finds upload objects of orgId that no RawDocument references and,
// unless dryRun, deletes them. Objects younger than olderThan are skipped so
// in-flight ingests are never touched.
func (g *Gate) Reconcile(ctx context.Context, orgId string, olderThan time.Duration, dryRun bool) (*ReconcileReport, error) {
	objects, err := g.blobs.List(ctx, UploadPrefix(orgId))
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	report := &ReconcileReport{OrgId: orgId, DryRun: dryRun, Orphans: []Orphan{}}
	cutoff := time.Now().UTC().Add(-olderThan)

	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		if olderThan > 0 && obj.CreatedAt.After(cutoff) {
			report.Skipped++
			continue
		}
		known, err := g.docs.HasStorageRef(ctx, orgId, obj.Key)
		if err != nil {
			return report, fmt.Errorf("check storage ref %q: %w", obj.Key, err)
		}
		if known {
			continue
		}
		orphan := Orphan{Key: obj.Key, Size: obj.Size, CreatedAt: obj.CreatedAt}
		if !dryRun {
			if err := g.blobs.Delete(ctx, obj.Key); err != nil {
				config.LogError(g.logger, "ingest/reconcile.go", "Reconcile", "delete orphan",
					map[string]any{"org_id": orgId, "key": obj.Key}, err)
			} else {
				orphan.Deleted = true
			}
		}
		report.Orphans = append(report.Orphans, orphan)
	}

	g.logger.WithFields(logrus.Fields{
		"org_id":  orgId,
		"scanned": report.Scanned,
		"orphans": len(report.Orphans),
		"dry_run": dryRun,
	}).Info("[ingest.reconcile]")
	return report, nil
}
