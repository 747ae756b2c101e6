package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mmdatafocus/procuresight_backend/baseline"
	"github.com/mmdatafocus/procuresight_backend/blobstore"
	"github.com/mmdatafocus/procuresight_backend/config"
	"github.com/mmdatafocus/procuresight_backend/ingest"
	"github.com/mmdatafocus/procuresight_backend/memstore"
	"github.com/mmdatafocus/procuresight_backend/models"
	"github.com/mmdatafocus/procuresight_backend/utils"
	"github.com/mmdatafocus/procuresight_backend/workflow"
)

var Version = "dev"

const lockTTL = 30 * time.Second

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed, color.Bold)
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "procuresight-ops",
		Short:         "Operator tasks for the ProcureSight pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(rebuildCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		errColor.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is the backing infrastructure one command runs against.
type env struct {
	settings *config.Settings
	logger   *logrus.Logger
	stores   models.Stores
	blobs    blobstore.Store
	close    func()
}

func openEnv(ctx context.Context) (*env, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, err
	}
	e := &env{settings: settings, logger: config.GetLogger(), close: func() {}}
	if settings.StoreDriver == "memory" {
		warnColor.Fprintln(os.Stderr, "STORE_DRIVER=memory: operating on an empty in-process store")
		e.stores, e.blobs = memstore.New().Stores(), blobstore.NewMemoryStore()
		return e, nil
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	gcs, err := blobstore.NewGCSStore(ctx)
	if err != nil {
		return nil, err
	}
	e.stores, e.blobs = models.NewGormStore(db).Stores(), gcs
	e.close = func() {
		_ = gcs.Close()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return e, nil
}

// locker coordinates with running servers. LOCK_DRIVER=local only protects
// this process.
func (e *env) locker(ctx context.Context) baseline.Locker {
	switch e.settings.LockDriver {
	case "redis":
		config.ConnectRedisWithRetry(ctx)
		if client := config.GetRedisLock(); client != nil {
			return baseline.NewRedisLocker(client, lockTTL)
		}
	case "mysql":
		if db := config.GetDB(); db != nil {
			if sqlDB, err := db.DB(); err == nil {
				return baseline.NewMySQLLocker(sqlDB, lockTTL)
			}
		}
	}
	warnColor.Fprintf(os.Stderr, "lock driver %q unavailable here; using an in-process lock\n", e.settings.LockDriver)
	return baseline.NewLocalLocker()
}

// opsContext marks ctx as operator tooling acting for orgId.
func opsContext(ctx context.Context, orgId string) context.Context {
	ctx = utils.SetOrgIdInContext(ctx, orgId)
	ctx = utils.SetActorIdInContext(ctx, "procuresight-ops")
	return utils.WithoutTenantScope(ctx)
}

func reconcileCmd() *cobra.Command {
	var (
		orgId     string
		olderThan time.Duration
		dryRun    bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile-orphans",
		Short: "Find (and optionally delete) uploaded objects no document references",
		RunE: func(cmd *cobra.Command, args []string) error {
			orgId = strings.TrimSpace(orgId)
			if orgId == "" {
				return fmt.Errorf("--org is required")
			}
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			ctx := opsContext(cmd.Context(), orgId)
			gate := ingest.NewGate(e.stores.Documents, e.blobs, nil, e.settings.StorageTimeout)
			report, err := gate.Reconcile(ctx, orgId, olderThan, dryRun)
			if err != nil {
				return err
			}

			mode := "deleted"
			if report.DryRun {
				mode = "would delete"
			}
			for _, o := range report.Orphans {
				switch {
				case o.Deleted || report.DryRun:
					fmt.Fprintf(cmd.OutOrStdout(), "  %s %s (%d bytes, %s)\n", mode, o.Key, o.Size, o.CreatedAt.Format(time.RFC3339))
				default:
					errColor.Fprintf(cmd.OutOrStdout(), "  failed to delete %s\n", o.Key)
				}
			}
			summary := fmt.Sprintf("org %s: scanned %d, skipped %d recent, %d orphan(s)",
				report.OrgId, report.Scanned, report.Skipped, len(report.Orphans))
			if len(report.Orphans) == 0 {
				okColor.Fprintln(cmd.OutOrStdout(), summary)
			} else {
				warnColor.Fprintln(cmd.OutOrStdout(), summary)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&orgId, "org", "", "Required: org id")
	cmd.Flags().DurationVar(&olderThan, "older-than", time.Hour, "Skip objects younger than this")
	cmd.Flags().BoolVar(&dryRun, "dry-run", true, "Report orphans without deleting them")
	return cmd
}

func rebuildCmd() *cobra.Command {
	var (
		orgId    string
		vendorId int
	)
	cmd := &cobra.Command{
		Use:   "rebuild-baselines",
		Short: "Recompute vendor baselines from accepted invoices",
		Long: `Recompute vendor baselines from the accepted invoice history.
Without --vendor every vendor of the org is rebuilt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			orgId = strings.TrimSpace(orgId)
			if orgId == "" {
				return fmt.Errorf("--org is required")
			}
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			ctx := opsContext(cmd.Context(), orgId)
			pipeline := workflow.NewPipeline(workflow.Deps{
				Stores:    e.stores,
				Baselines: baseline.NewStore(e.stores.Baselines, e.locker(ctx), baseline.ConfigFromSettings(e.settings)),
			})

			var vendorIds []int
			if vendorId > 0 {
				if _, err := e.stores.Vendors.GetVendor(ctx, orgId, vendorId); err != nil {
					return fmt.Errorf("vendor %d: %w", vendorId, err)
				}
				vendorIds = []int{vendorId}
			} else {
				vendors, err := e.stores.Vendors.ListVendors(ctx, orgId)
				if err != nil {
					return err
				}
				for _, v := range vendors {
					vendorIds = append(vendorIds, v.ID)
				}
			}

			failed := 0
			for _, id := range vendorIds {
				folded, err := pipeline.RebuildBaselines(ctx, orgId, id)
				if err != nil {
					failed++
					config.LogError(e.logger, "cmd/procuresight-ops", "rebuildCmd", "rebuild baselines",
						map[string]any{"org_id": orgId, "vendor_id": id}, err)
					errColor.Fprintf(cmd.OutOrStdout(), "  vendor %d: %v\n", id, err)
					continue
				}
				okColor.Fprintf(cmd.OutOrStdout(), "  vendor %d: folded %d invoice(s)\n", id, folded)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d vendor(s) failed", failed, len(vendorIds))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&orgId, "org", "", "Required: org id")
	cmd.Flags().IntVar(&vendorId, "vendor", 0, "Vendor id (default: all vendors of the org)")
	return cmd
}
