// Package main wires together the page store service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/seoscope/pagestore/internal/api"
	"github.com/seoscope/pagestore/internal/batch"
	"github.com/seoscope/pagestore/internal/batch/processors"
	"github.com/seoscope/pagestore/internal/clock/system"
	"github.com/seoscope/pagestore/internal/config"
	"github.com/seoscope/pagestore/internal/fetcher"
	"github.com/seoscope/pagestore/internal/fetcher/headless"
	"github.com/seoscope/pagestore/internal/hash/sha256"
	"github.com/seoscope/pagestore/internal/id/uuid"
	"github.com/seoscope/pagestore/internal/logging"
	"github.com/seoscope/pagestore/internal/pages"
	memorypublisher "github.com/seoscope/pagestore/internal/publisher/memory"
	pubsubpublisher "github.com/seoscope/pagestore/internal/publisher/pubsub"
	"github.com/seoscope/pagestore/internal/resolver"
	gcsstorage "github.com/seoscope/pagestore/internal/storage/gcs"
	localstorage "github.com/seoscope/pagestore/internal/storage/local"
	memorystorage "github.com/seoscope/pagestore/internal/storage/memory"
	"github.com/seoscope/pagestore/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}

	var (
		index pages.CacheIndexRepo
		snaps pages.SnapshotRepo
		jobs  pages.BatchRepo
	)
	if cfg.DB.DSN != "" {
		pool, poolErr := postgres.NewPool(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
		if poolErr != nil {
			logger.Fatal("postgres init failed", zap.Error(poolErr))
		}
		defer pool.Close()
		index = postgres.NewCacheIndexRepo(pool)
		snaps = postgres.NewSnapshotRepo(pool)
		jobs = postgres.NewBatchRepo(pool)
	} else {
		logger.Warn("db.dsn not set, using in-memory stores")
		index = memorystorage.NewCacheIndexRepo()
		snaps = memorystorage.NewSnapshotRepo()
		jobs = memorystorage.NewBatchRepo()
	}

	policies := memorystorage.NewPolicyStore(pages.AccountPolicy{
		MaxAgeHours:        cfg.Cache.MaxAgeHours,
		MaxSnapshotsPerURL: cfg.Cache.MaxSnapshotsPerURL,
		MaxRetriesPerURL:   cfg.Batch.MaxRetries,
	}, true)

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	plain := fetcher.NewPlain(fetcher.PlainConfig{
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	})
	var fetch pages.Fetcher = plain
	if cfg.Headless.Enabled {
		renderer, hlErr := headless.New(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
			Devices:           headless.DevicesFor(cfg.Headless.ScreenshotDevices),
		})
		if hlErr != nil {
			logger.Warn("headless fetcher init failed, plain fetch only", zap.Error(hlErr))
		} else {
			defer renderer.Close()
			fetch = fetcher.NewComposite(renderer, plain, logger.Named("fetcher"))
		}
	}

	res := resolver.New(index, snaps, blobs, policies, fetch, clock, idGen, hasher,
		resolver.Config{
			BlobPrefix:  cfg.Storage.Prefix,
			ContentType: cfg.Storage.ContentType,
		}, logger.Named("resolver"))

	registry, err := batch.NewRegistry(
		processors.NewPageLibrary(res, logger.Named("page-library")),
		processors.NewTagAudit(res, logger.Named("tag-audit")),
		processors.NewContentBrief(res, blobs, clock, logger.Named("content-brief")),
	)
	if err != nil {
		logger.Fatal("processor registry init failed", zap.Error(err))
	}

	publisher := newPublisher(ctx, cfg, logger)
	coordinator := batch.NewCoordinator(jobs, registry, policies, publisher, clock, idGen,
		batch.Config{
			Width:      cfg.Batch.Width,
			StepDelay:  cfg.StepDelay(),
			MaxRetries: cfg.Batch.MaxRetries,
			Topic:      cfg.PubSub.TopicName,
		}, logger.Named("batch"))

	apiServer := api.NewServer(res, coordinator, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newBlobStore(ctx context.Context, cfg config.Config) (pages.BlobStore, error) {
	switch cfg.Storage.Provider {
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Storage.GCSBucket})
	case "local":
		return localstorage.New(localstorage.Config{BaseDir: cfg.Storage.BaseDir})
	default:
		return memorystorage.NewBlobStore(), nil
	}
}

func newPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) pages.Publisher {
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
		logger.Info("pubsub not configured, batch events stay in memory")
		return memorypublisher.New()
	}
	client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		logger.Warn("pubsub client init failed, batch events stay in memory", zap.Error(err))
		return memorypublisher.New()
	}
	return pubsubpublisher.New(client)
}
