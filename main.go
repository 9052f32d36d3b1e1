package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"community-sync/config"
	"community-sync/handlers"
	"community-sync/models"
	"community-sync/scraper"
	"community-sync/services"
	"community-sync/storage"
	"community-sync/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// closers run in reverse order on exit
type closers []func()

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func main() {
	serve := flag.Bool("serve", false, "start the HTTP trigger server")
	datasetName := flag.String("dataset", "", "run one import of the given dataset and exit")
	flag.Parse()

	// ================== Bootstrap ====================
	cfg := config.Load()
	logger := utils.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}

	if !*serve && *datasetName == "" {
		logger.Error("Nothing to do: pass -serve or -dataset=<%s|%s|%s|%s>",
			models.DatasetProviderInfo, models.DatasetDeficiencies, models.DatasetStaffing, models.DatasetInspectionPDFs)
		os.Exit(2)
	}

	logger.Info("Community regulatory sync")
	logger.Info("Store: %s | Budget: %v | Page delay: %v | Retries: %d",
		cfg.StoreDriver, cfg.RunBudget, cfg.PageDelay, cfg.FetchRetries)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cleanup closers
	defer func() { cleanup.run() }()

	// =================== Store ========================================
	var store storage.CommunityStore
	var lister storage.RegulatoryIDLister
	switch cfg.StoreDriver {
	case "postgres":
		pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Error("Cannot connect to PostgreSQL: %v", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Error("Failed to create communities table: %v", err)
			cleanup.run()
			os.Exit(1)
		}
		store, lister = pg, pg
	default:
		logger.Warn("Using the in-memory store; nothing will be persisted")
		mem := storage.NewMemoryStore()
		store, lister = mem, mem
	}

	// =============== Run lock ===================================
	var locker storage.RunLocker = storage.NewLocalLocker()
	if cfg.RedisAddress != "" {
		rl, err := storage.NewRedisLocker(ctx, cfg.RedisAddress, cfg.LockTTL, logger)
		if err != nil {
			logger.Error("Cannot connect to Redis: %v", err)
			cleanup.run()
			os.Exit(1)
		}
		cleanup = append(cleanup, rl.Close)
		locker = rl
	}

	// ========= Run history, audit, archive ===========================
	var history storage.RunHistory
	if cfg.RunHistoryPath != "" {
		h, err := storage.OpenRunHistory(cfg.RunHistoryPath)
		if err != nil {
			// Non-fatal: runs still execute without history
			logger.Warn("Run history disabled: %v", err)
		} else {
			cleanup = append(cleanup, h.Close)
			history = h
		}
	}

	var archive storage.RawArchive = storage.NewMemoryArchive()
	if cfg.ArchiveBucket != "" {
		s3a, err := storage.NewS3Archive(ctx, storage.S3ArchiveConfig{
			Bucket:          cfg.ArchiveBucket,
			Region:          cfg.ArchiveRegion,
			Endpoint:        cfg.ArchiveEndpoint,
			Prefix:          cfg.ArchivePrefix,
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretAccessKey,
		})
		if err != nil {
			logger.Error("Failed to configure S3 archive: %v", err)
			cleanup.run()
			os.Exit(1)
		}
		archive = s3a
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics(registry)

	// =========== Importer ======================
	importer := services.NewImporter(services.ImporterDeps{
		Sources: services.NewCMSSources(cfg, lister, archive, logger),
		Store:   store,
		Locker:  locker,
		History: history,
		Audit:   storage.NewCSVWriter(cfg.AuditDir, logger),
		Metrics: metrics,
	}, services.ImporterOptions{
		Budget: cfg.RunBudget,
		Fetch:  scraper.FetcherOptions{
			PageDelay:     cfg.PageDelay,
			Retries:       cfg.FetchRetries,
			BackoffBase:   cfg.FetchBackoffBase,
			BackoffFactor: cfg.FetchBackoffFactor,
		},
		Reconciler: services.ReconcilerOptions{
			WriteRetries:   cfg.WriteRetries,
			RetryBaseDelay: cfg.FetchBackoffBase,
			StoreTimeout:   cfg.StoreTimeout,
		},
		StaffingAsOf:    cfg.StaffingAsOfDate(),
		WindowDays:      cfg.StaffingWindowDays,
		MinCoverageDays: cfg.MinCoverageDays,
	}, logger)

	// ==== One-shot CLI run ============================
	if !*serve {
		dataset, err := models.ParseDataset(*datasetName)
		if err != nil {
			logger.Error("%v", err)
			cleanup.run()
			os.Exit(2)
		}
		report, err := importer.Run(ctx, dataset)
		if err != nil {
			logger.Error("Import could not start: %v", err)
			cleanup.run()
			os.Exit(1)
		}
		services.PrintRunReport(os.Stdout, report)
		if !report.Success {
			cleanup.run()
			os.Exit(1)
		}
		return
	}

	// ==== HTTP trigger ============================
	if cfg.ETLSecret == "" {
		logger.Warn("ETL_SECRET is not set; the import endpoints are open to anyone who can reach %s", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := &handlers.Server{
		Runner:   importer,
		History:  history,
		Gatherer: registry,
		Secret:   cfg.ETLSecret,
		Logger:   logger,
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// a synchronous import may take the whole budget
		WriteTimeout: cfg.RunBudget + 10*time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.RunBudget+10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown: %v", err)
		}
	}()

	logger.Info("Listening on %s", cfg.HTTPAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("HTTP server failed: %v", err)
		cleanup.run()
		os.Exit(1)
	}
	logger.Info("Done")
}
