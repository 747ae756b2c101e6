package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mmdatafocus/procuresight_backend/alerts"
	"github.com/mmdatafocus/procuresight_backend/baseline"
	"github.com/mmdatafocus/procuresight_backend/blobstore"
	"github.com/mmdatafocus/procuresight_backend/config"
	"github.com/mmdatafocus/procuresight_backend/events"
	"github.com/mmdatafocus/procuresight_backend/extract"
	"github.com/mmdatafocus/procuresight_backend/ingest"
	"github.com/mmdatafocus/procuresight_backend/memstore"
	"github.com/mmdatafocus/procuresight_backend/metrics"
	"github.com/mmdatafocus/procuresight_backend/middlewares"
	"github.com/mmdatafocus/procuresight_backend/models"
	"github.com/mmdatafocus/procuresight_backend/parser"
	"github.com/mmdatafocus/procuresight_backend/scoring"
	"github.com/mmdatafocus/procuresight_backend/utils"
	"github.com/mmdatafocus/procuresight_backend/validate"
	"github.com/mmdatafocus/procuresight_backend/workflow"
)

const defaultPort = "8080"

// reconcileGrace keeps in-flight uploads out of orphan reconciliation.
const reconcileGrace = time.Hour

const lockTTL = 30 * time.Second

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// app is the wired service.
type app struct {
	api  *api
	sink *alerts.Sink
}

// extractionService returns nil when no API key is configured; text
// documents then fail with a non-retryable ExtractionError.
func extractionService(s *config.Settings) extract.Service {
	if strings.TrimSpace(s.ExtractionAPIKey) == "" {
		return nil
	}
	return extract.NewHTTPService(s.ExtractionURL, s.ExtractionAPIKey, s.ExtractionModel)
}

func newApp(s *config.Settings, stores models.Stores, blobs blobstore.Store, locker baseline.Locker, svc extract.Service) *app {
	logger := config.GetLogger()
	hub := events.NewHub(events.DefaultBufferSize)

	notifiers := []alerts.Notifier{&alerts.StreamNotifier{Publisher: hub}}
	if strings.TrimSpace(s.SlackWebhookURL) != "" {
		notifiers = append(notifiers, alerts.NewWebhookNotifier(s.SlackWebhookURL, s.AppBaseURL))
	}
	sink := alerts.NewSink(stores.Alerts, alerts.ConfigFromSettings(s), notifiers...)

	pipeline := workflow.NewPipeline(workflow.Deps{
		Stores:    stores,
		Gate:      ingest.NewGate(stores.Documents, blobs, hub, s.StorageTimeout),
		Extractor: extract.New(svc, s.ExtractionTimeout),
		Validator: validate.New(validate.ConfigFromSettings(s)),
		Baselines: baseline.NewStore(stores.Baselines, locker, baseline.ConfigFromSettings(s)),
		Scorer:    scoring.New(stores.Invoices, scoring.ConfigFromSettings(s)),
		Sink:      sink,
		Publisher: hub,
		Retry:     workflow.RetryPolicy{MaxAttempts: s.DispatchMaxAttempts, InitialBackoff: s.DispatchInitialBackoff},
	})

	return &app{
		api: &api{
			settings: s,
			stores:   stores,
			pipeline: pipeline,
			hub:      hub,
			logger:   logger,
		},
		sink: sink,
	}
}

func (a *app) router(extra ...gin.HandlerFunc) *gin.Engine {
	s := a.api.settings
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(corsConfig()))
	r.Use(middlewares.RequestContextMiddleware(s.DefaultOrgId))
	r.Use(middlewares.LoaderMiddleware(a.api.stores.Vendors))
	r.Use(customErrorLogger(a.api.logger))
	r.Use(extra...)

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.POST("/pubsub", events.PushHandler(a.api.hub))

	g := r.Group("/api")
	g.POST("/ingest", a.api.ingestHandler())
	g.POST("/extract/structured", a.api.extractHandler(parser.ClassTabular))
	g.POST("/extract/unstructured", a.api.extractHandler(parser.ClassText))
	g.POST("/documents/:id/process", a.api.processDocumentHandler())
	g.GET("/invoices", a.api.listInvoicesHandler())
	g.GET("/invoices/:id", a.api.getInvoiceHandler())
	g.GET("/vendors", a.api.listVendorsHandler())
	g.GET("/vendors/:id", a.api.getVendorHandler())
	g.GET("/vendors/:id/baselines", a.api.vendorBaselinesHandler())
	g.GET("/alerts", a.api.listAlertsHandler())
	g.GET("/alerts/export", a.api.exportAlertsHandler())
	g.PATCH("/alerts/:id", a.api.updateAlertHandler())
	g.POST("/score/invoice/:id", a.api.scoreInvoiceHandler())
	g.GET("/reports/spend-by-vendor", a.api.spendByVendorHandler())
	g.GET("/events", events.SSEHandler(a.api.hub, s.EventsKeepalive))
	g.GET("/events/ws", events.WebsocketHandler(a.api.hub, s.EventsKeepalive))

	gql := a.api.graphqlHandler(apqCache())
	g.GET("/graphql", gql)
	g.POST("/graphql", gql)
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		g.GET("/graphql/playground", playgroundHandler())
	}

	// Ops tooling. Same operations as cmd/procuresight-ops.
	ops := r.Group("/internal/ops")
	ops.POST("/reconcile-orphans", a.api.reconcileHandler())
	ops.POST("/vendors/:id/rebuild-baselines", a.api.rebuildBaselinesHandler())

	r.NoRoute(customNotFoundHandler)
	return r
}

func corsConfig() cors.Config {
	corsConfig := cors.DefaultConfig()
	// In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		if len(corsConfig.AllowOrigins) == 0 {
			// deny all until configured
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PATCH", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization",
		middlewares.HeaderOrgId, middlewares.HeaderActorId, middlewares.HeaderCorrelationId)
	corsConfig.AddExposeHeaders("Content-Length", middlewares.HeaderCorrelationId)
	if !corsConfig.AllowAllOrigins {
		corsConfig.AllowCredentials = true
	}
	return corsConfig
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// openStores picks the store backend from STORE_DRIVER. The returned closer
// releases what was opened.
func openStores(ctx context.Context, s *config.Settings, logger *logrus.Logger) (models.Stores, blobstore.Store, func(), error) {
	if s.StoreDriver == "memory" {
		logger.WithFields(logrus.Fields{"field": "stores"}).Warn("STORE_DRIVER=memory; data is lost on restart")
		return memstore.New().Stores(), blobstore.NewMemoryStore(), func() {}, nil
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			return models.Stores{}, nil, nil, fmt.Errorf("migrate: %w", err)
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}
	gcs, err := blobstore.NewGCSStore(ctx)
	if err != nil {
		return models.Stores{}, nil, nil, err
	}
	closer := func() {
		_ = gcs.Close()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return models.NewGormStore(db).Stores(), gcs, closer, nil
}

// openLocker picks the baseline lock from LOCK_DRIVER.
func openLocker(ctx context.Context, s *config.Settings, logger *logrus.Logger) baseline.Locker {
	switch s.LockDriver {
	case "redis":
		config.ConnectRedisWithRetry(ctx)
		if config.GetRedisLock() != nil {
			return baseline.NewRedisLocker(config.GetRedisLock(), lockTTL)
		}
	case "mysql":
		if db := config.GetDB(); db != nil {
			if sqlDB, err := db.DB(); err == nil {
				return baseline.NewMySQLLocker(sqlDB, lockTTL)
			}
		}
	case "", "local":
		return baseline.NewLocalLocker()
	}
	logger.WithFields(logrus.Fields{"field": "locker", "driver": s.LockDriver}).
		Warn("baseline lock driver unavailable; using the in-process lock")
	return baseline.NewLocalLocker()
}

// rateLimiterFromEnv returns the Redis rate limiter when RATE_LIMIT_ENABLED=true.
// Env:
// - RATE_LIMIT_WINDOW_SECONDS=60
// - RATE_LIMIT_MAX_REQUESTS=600
func rateLimiterFromEnv(ctx context.Context) *RateLimiter {
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		return nil
	}
	if config.GetRedisDB() == nil {
		config.ConnectRedisWithRetry(ctx)
	}
	client := config.GetRedisDB()
	if client == nil {
		return nil
	}
	limit := int64(600)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	windowSec := int64(60)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			windowSec = n
		}
	}
	return NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	settings, err := config.LoadSettings()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "settings"}).Fatal(err.Error())
	}

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	stores, blobs, closeStores, err := openStores(sigCtx, settings, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "stores"}).Fatal(err.Error())
	}
	defer closeStores()

	a := newApp(settings, stores, blobs, openLocker(sigCtx, settings, logger), extractionService(settings))

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	var forwarder *events.PubSubPublisher
	if settings.EventsTopic != "" {
		forwarder, err = events.NewPubSubPublisher(sigCtx, settings.EventsTopic)
		if err != nil {
			config.LogError(logger, "server.go", "main", "events pubsub publisher", settings.EventsTopic, err)
		} else {
			a.api.hub.SetForwarder(forwarder)
			if settings.EventsSubscription != "" {
				go func() {
					if err := events.RunSubscription(workerCtx, a.api.hub, settings.EventsTopic, settings.EventsSubscription); err != nil {
						config.LogError(logger, "server.go", "main", "events pubsub subscription", settings.EventsSubscription, err)
					}
				}()
			}
		}
	}

	if settings.DispatchEnabled {
		go workflow.NewExtractionDispatcher(a.api.pipeline, settings).Run(workerCtx)
	}

	var extra []gin.HandlerFunc
	if rl := rateLimiterFromEnv(sigCtx); rl != nil {
		extra = append(extra, rl.RateLimitMiddleware)
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: a.router(extra...),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	logger.WithFields(logrus.Fields{
		"info":         "Server started",
		"store_driver": settings.StoreDriver,
		"lock_driver":  settings.LockDriver,
	}).Info("listening on :", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	a.sink.Wait()
	if forwarder != nil {
		forwarder.Stop()
	}
	a.api.hub.Close()

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.WithFields(logrus.Fields{
				"org_id":         middlewares.OrgId(c),
				"correlation_id": middlewares.CorrelationId(c),
				"path":           c.FullPath(),
			}).Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// RateLimitMiddleware counts requests per org and client IP in fixed windows.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := "ratelimit:" + middlewares.OrgId(c) + ":" + c.ClientIP()
	ctx := c.Request.Context()

	count, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		// Redis trouble must not take the API down.
		_ = c.Error(err)
		c.Next()
		return
	}
	if count == 1 {
		if err := rl.client.Expire(ctx, key, rl.window).Err(); err != nil {
			_ = c.Error(err)
		}
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}
