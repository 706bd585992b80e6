// Package server builds the application's dependency graph and runs it either
// as an HTTP service or as a single batch.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/landsat-ingest/internal/api"
	"github.com/JakeFAU/landsat-ingest/internal/archive"
	"github.com/JakeFAU/landsat-ingest/internal/batch"
	"github.com/JakeFAU/landsat-ingest/internal/catalog"
	"github.com/JakeFAU/landsat-ingest/internal/clock/system"
	"github.com/JakeFAU/landsat-ingest/internal/config"
	"github.com/JakeFAU/landsat-ingest/internal/errorsink"
	"github.com/JakeFAU/landsat-ingest/internal/fetcher"
	"github.com/JakeFAU/landsat-ingest/internal/hash/sha256"
	"github.com/JakeFAU/landsat-ingest/internal/id/uuid"
	"github.com/JakeFAU/landsat-ingest/internal/ingest"
	"github.com/JakeFAU/landsat-ingest/internal/logging"
	"github.com/JakeFAU/landsat-ingest/internal/metrics"
	"github.com/JakeFAU/landsat-ingest/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/landsat-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/landsat-ingest/internal/recorder"
	"github.com/JakeFAU/landsat-ingest/internal/region"
	gcsstorage "github.com/JakeFAU/landsat-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/landsat-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/landsat-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/landsat-ingest/internal/storage/postgres"
	redisstore "github.com/JakeFAU/landsat-ingest/internal/storage/redis"
	s3storage "github.com/JakeFAU/landsat-ingest/internal/storage/s3"
	"github.com/JakeFAU/landsat-ingest/internal/telemetry"
	"github.com/JakeFAU/landsat-ingest/internal/worker"
)

// Version is reported on traces; override with -ldflags "-X ...server.Version=...".
var Version = "dev"

type closer struct {
	name string
	fn   func(context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	apiServer    *api.Server
	orchestrator *batch.Orchestrator
	checks       []api.ReadinessCheck
	closers      []closer
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("documents_backend", cfg.Documents.Backend),
		zap.String("mode", cfg.Ingest.Mode),
	)
	metrics.Init()

	if err := app.build(ctx); err != nil {
		app.closeAll(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.onClose("tracing", shutdownTracing)

	clock := system.New()
	ids := uuid.New()

	blobs, err := a.setupBlobStore(ctx)
	if err != nil {
		return err
	}
	docs, err := a.setupDocumentStore(ctx)
	if err != nil {
		return err
	}
	sink, err := a.setupErrorSink(docs, clock, ids)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	cat, err := catalog.New(catalog.Config{
		BaseURL:  cfg.Catalog.BaseURL,
		Token:    cfg.Catalog.Token,
		Username: cfg.Catalog.Username,
		Password: cfg.Catalog.Password,
		Timeout:  time.Duration(cfg.Catalog.TimeoutSeconds) * time.Second,
	}, nil, a.logger.Named("catalog"))
	if err != nil {
		return fmt.Errorf("catalog client init failed: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.RequestsPerSecond,
		DefaultBurst: cfg.RateLimit.Burst,
	})
	a.logger.Info("download rate limiter configured",
		zap.Float64("requests_per_second", cfg.RateLimit.RequestsPerSecond),
		zap.Int("burst", cfg.RateLimit.Burst),
	)

	fetch := fetcher.New(fetcher.Config{
		Dataset:           cfg.Ingest.Dataset,
		Bands:             cfg.Ingest.Bands,
		VisMin:            cfg.Ingest.VisMin,
		VisMax:            cfg.Ingest.VisMax,
		Dimensions:        cfg.Ingest.Dimensions,
		Format:            cfg.Ingest.Format,
		ScratchDir:        cfg.Ingest.ScratchDir,
		MaxThumbnailBytes: cfg.Ingest.MaxThumbnailBytes,
		Timeout:           time.Duration(cfg.Ingest.DownloadTimeoutSec) * time.Second,
	}, cat, nil, limiter, a.logger.Named("fetcher"))

	rec := recorder.New(recorder.Config{
		ImagePrefix:        cfg.Ingest.ImagePrefix,
		ArchivePrefix:      cfg.Ingest.ArchivePrefix,
		MetadataRoot:       cfg.Ingest.MetadataRoot,
		MetadataCollection: cfg.Ingest.MetadataCollection,
		ManifestKey:        cfg.Ingest.ManifestKey,
		ImageExt:           cfg.Ingest.Format,
	}, blobs, docs, sha256.New(), clock, a.logger.Named("recorder"))

	w := worker.New(
		fetch,
		archive.New(cfg.Ingest.MaxMemberBytes),
		rec,
		publisher,
		sink,
		clock,
		worker.Config{
			ExtractRoot:  cfg.Ingest.ExtractRoot,
			Topic:        cfg.PubSub.TopicName,
			KeepArchives: cfg.Ingest.KeepArchives,
		},
		a.logger.Named("worker"),
	)

	resolver := region.NewResolver(blobs, cfg.Region.ConfigPath, cfg.FallbackRegion(), a.logger.Named("region"))

	a.orchestrator = batch.New(batch.Config{
		Dataset:           cfg.Ingest.Dataset,
		Collection:        cfg.Ingest.Collection,
		Bands:             cfg.Ingest.Bands,
		MaxResults:        cfg.Ingest.MaxResults,
		MaxCloudCover:     cfg.Ingest.MaxCloudCover,
		Concurrency:       cfg.Ingest.Concurrency,
		HistoryOffsetDays: cfg.Ingest.HistoryOffsetDays,
		WindowDays:        cfg.Ingest.WindowDays,
		Mode:              ingest.Mode(cfg.Ingest.Mode),
	}, resolver, cat, w, rec, sink, clock, ids, a.logger.Named("batch"))

	a.apiServer = api.NewServer(a.orchestrator, cfg, a.logger, a.checks...)
	return nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// RunOnce executes a single batch outside the HTTP server.
func (a *App) RunOnce(ctx context.Context, req ingest.Request) ingest.Summary {
	return a.orchestrator.Run(ctx, req)
}

// Run serves HTTP until ctx is canceled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)
	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return closeErr
}

// Close releases every backend in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	a.closeAll(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeAll(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) setupBlobStore(ctx context.Context) (ingest.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.onClose("gcs", func(context.Context) error { return client.Close() })
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return blobs, nil
	case "s3":
		s3cfg := a.cfg.Storage.S3
		blobs, err := s3storage.New(ctx, s3storage.Config{
			Bucket:       s3cfg.Bucket,
			Region:       s3cfg.Region,
			Endpoint:     s3cfg.Endpoint,
			AccessKey:    s3cfg.AccessKey,
			SecretKey:    s3cfg.SecretKey,
			UsePathStyle: s3cfg.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		a.logger.Info("using S3 storage backend", zap.String("bucket", s3cfg.Bucket), zap.String("endpoint", s3cfg.Endpoint))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupDocumentStore(ctx context.Context) (ingest.DocumentStore, error) {
	switch a.cfg.Documents.Backend {
	case "postgres":
		pg := a.cfg.Documents.Postgres
		docs, err := pgstore.NewDocumentStore(ctx, pgstore.Config{
			DSN:             pg.DSN,
			Table:           pg.Table,
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: time.Duration(pg.MaxConnLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres document store init failed: %w", err)
		}
		a.onClose("postgres", func(context.Context) error {
			docs.Close()
			return nil
		})
		if pg.EnsureSchema {
			if err := docs.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("postgres schema init failed: %w", err)
			}
		}
		a.checks = append(a.checks, api.ReadinessCheck{Name: "postgres", Check: docs.Ping})
		a.logger.Info("using postgres document store", zap.String("table", pg.Table))
		return docs, nil
	case "redis":
		rc := a.cfg.Documents.Redis
		docs, err := redisstore.NewDocumentStore(ctx, redisstore.Config{
			Addr:      rc.Addr,
			Password:  rc.Password,
			DB:        rc.DB,
			KeyPrefix: rc.KeyPrefix,
			TTL:       time.Duration(rc.TTLSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("redis document store init failed: %w", err)
		}
		a.onClose("redis", func(context.Context) error { return docs.Close() })
		a.checks = append(a.checks, api.ReadinessCheck{Name: "redis", Check: docs.Ping})
		a.logger.Info("using redis document store", zap.String("addr", rc.Addr))
		return docs, nil
	default:
		a.logger.Info("using in-memory document store")
		return memorystorage.NewDocumentStore(), nil
	}
}

func (a *App) setupErrorSink(docs ingest.DocumentStore, clock ingest.Clock, ids ingest.IDGenerator) (*errorsink.Sink, error) {
	var backends []errorsink.Backend
	el := a.cfg.ErrorLog
	if el.Backend == "document" || el.Backend == "both" {
		backends = append(backends, errorsink.NewDocumentBackend(docs, el.Collection, ids))
	}
	if el.Backend == "file" || el.Backend == "both" {
		file, err := errorsink.NewFileBackend(errorsink.FileConfig{
			Path:       el.File.Path,
			MaxSizeMB:  el.File.MaxSizeMB,
			MaxBackups: el.File.MaxBackups,
			MaxAgeDays: el.File.MaxAgeDays,
			Compress:   el.File.Compress,
		})
		if err != nil {
			return nil, fmt.Errorf("error log file init failed: %w", err)
		}
		a.onClose("errorlog_file", func(context.Context) error { return file.Close() })
		backends = append(backends, file)
	}
	a.logger.Info("error sink configured", zap.String("backend", el.Backend), zap.Int("backends", len(backends)))
	return errorsink.New(clock, ids, a.logger.Named("errorsink"), backends...), nil
}

func (a *App) setupPublisher(ctx context.Context) (ingest.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no Pub/Sub topic configured, scene notifications disabled")
		return nil, nil
	}
	client, err := gcppublisher.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	pub := gcppublisher.New(client, a.cfg.PubSub.TopicName)
	a.onClose("pubsub", func(context.Context) error { return pub.Close() })
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}
