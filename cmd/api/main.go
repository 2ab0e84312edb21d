package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"cmsworkflow/internal/app"
	"cmsworkflow/internal/archive"
	"cmsworkflow/internal/cache"
	"cmsworkflow/internal/config"
	"cmsworkflow/internal/email"
	"cmsworkflow/internal/gitrepo"
	"cmsworkflow/internal/logging"
	"cmsworkflow/internal/metrics"
	"cmsworkflow/internal/store"
	"cmsworkflow/internal/workflow"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger setup failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.PagesDir, 0o755); err != nil {
		logger.Fatal("failed to create pages dir", zap.Error(err))
	}

	dataStore := store.NewPostgresStore(db)
	versions := gitrepo.New(cfg.PagesDir)
	recorder := metrics.NewRecorder(prometheus.DefaultRegisterer)

	var requestCache workflow.OpenRequestCache
	var cachePing app.ReadinessCheck
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisCache, err := cache.NewRedisCache(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisCache.Close()
		requestCache = redisCache
		cachePing = redisCache.Ping
		logger.Info("using redis for the open request cache")
	} else {
		requestCache = cache.NewMemoryCache(cfg.CacheTTL)
		logger.Info("using in-process open request cache")
	}

	var archiver workflow.Archiver
	if strings.TrimSpace(cfg.ArchiveEndpoint) != "" {
		objectArchive, err := archive.New(archive.Config{
			Endpoint:  cfg.ArchiveEndpoint,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			Bucket:    cfg.ArchiveBucket,
			UseSSL:    cfg.ArchiveUseSSL,
		}, logger)
		if err != nil {
			logger.Fatal("archive client setup failed", zap.Error(err))
		}
		if err := objectArchive.EnsureBucket(ctx); err != nil {
			logger.Warn("archive bucket unavailable, closed requests will not be archived until it is", zap.Error(err))
		}
		archiver = objectArchive
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	notifier := email.NewNotifier(mailer, email.NotifierConfig{
		BaseURL:    cfg.BaseURL,
		AdminEmail: cfg.AdminEmail,
	}, logger)

	coordinator := workflow.NewCoordinator(workflow.Deps{
		Repository:  dataStore,
		Versions:    versions,
		Permissions: dataStore,
		Groups:      dataStore,
		Members:     dataStore,
		Notifier:    notifier,
		Cache:       requestCache,
		Archiver:    archiver,
		Recorder:    recorder,
		Logger:      logger,
	})
	reports := workflow.NewReports(dataStore, nil)

	service := app.New(cfg, dataStore, versions, coordinator, reports, logger)
	if cachePing != nil {
		service.AddReadinessCheck("cache", cachePing)
	}
	if err := service.Bootstrap(ctx); err != nil {
		logger.Fatal("bootstrap failed", zap.Error(err))
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger, prometheus.DefaultGatherer)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("workflow API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
