// Package worker runs the per-scene unit of work: fetch the asset, record it,
// unpack archives, record normalized metadata and announce the result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/landsat-ingest/internal/ingest"
	"github.com/JakeFAU/landsat-ingest/internal/telemetry"
)

// Config controls Worker behavior.
type Config struct {
	// ExtractRoot is the local directory archives are unpacked under.
	ExtractRoot string
	// Topic receives one notification per ingested scene. Empty disables publishing.
	Topic string
	// KeepArchives leaves spooled archives in scratch storage after recording.
	KeepArchives bool
}

// Worker processes one ingest.Task at a time. It is safe for concurrent use.
type Worker struct {
	fetcher   ingest.AssetFetcher
	extractor ingest.ArchiveExtractor
	recorder  ingest.Recorder
	publisher ingest.Publisher
	errors    ingest.ErrorSink
	clock     ingest.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. extractor and publisher may be nil.
func New(
	fetcher ingest.AssetFetcher,
	extractor ingest.ArchiveExtractor,
	recorder ingest.Recorder,
	publisher ingest.Publisher,
	errs ingest.ErrorSink,
	clock ingest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ExtractRoot == "" {
		cfg.ExtractRoot = filepath.Join(os.TempDir(), "landsat-extracted")
	}
	return &Worker{
		fetcher:   fetcher,
		extractor: extractor,
		recorder:  recorder,
		publisher: publisher,
		errors:    errs,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Process runs task to completion and reports its outcome. Failures are
// recorded in the error sink and returned in the outcome, never panicked.
func (w *Worker) Process(ctx context.Context, task ingest.Task) ingest.SceneOutcome {
	ctx, span := telemetry.Tracer("worker").Start(ctx, "scene.process", trace.WithAttributes(
		attribute.String("run_id", task.RunID),
		attribute.String("scene_id", task.Scene.SceneID),
		attribute.String("mode", string(task.Mode)),
	))
	defer span.End()

	outcome := w.process(ctx, task)
	span.SetAttributes(attribute.Bool("skipped", outcome.Skipped), attribute.Int("members", outcome.Members))
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, "scene failed")
	}
	return outcome
}

func (w *Worker) process(ctx context.Context, task ingest.Task) ingest.SceneOutcome {
	scene := task.Scene
	outcome := ingest.SceneOutcome{SceneID: scene.SceneID}
	logger := w.logger.With(
		zap.String("run_id", task.RunID),
		zap.String("scene_id", scene.SceneID),
		zap.String("mode", string(task.Mode)),
	)

	asset, err := w.fetcher.Fetch(ctx, scene, task.Mode, task.Region)
	if errors.Is(err, ingest.ErrNoDownloadOptions) {
		logger.Warn("no download options; skipping scene")
		outcome.Skipped = true
		return outcome
	}
	if err != nil {
		return w.fail(ctx, logger, outcome, fmt.Errorf("fetch: %w", err))
	}
	if asset.Mode == ingest.ModeArchive && !w.cfg.KeepArchives {
		defer w.removeSpool(logger, asset)
	}

	record, err := w.recorder.RecordAsset(ctx, asset)
	if err != nil {
		return w.fail(ctx, logger, outcome, fmt.Errorf("record asset: %w", err))
	}
	outcome.Asset = &record

	if asset.Mode == ingest.ModeArchive {
		outcome.Members = w.extract(ctx, logger, scene, asset)
	}

	doc := w.metadataDocument(task, record, outcome.Members)
	fields, err := w.recorder.RecordMetadata(ctx, scene.SceneID, doc)
	if err != nil {
		return w.fail(ctx, logger, outcome, fmt.Errorf("record metadata: %w", err))
	}
	outcome.MetadataID = scene.SceneID
	outcome.Fields = fields

	w.notify(ctx, logger, task, record)
	logger.Info("scene ingested",
		zap.String("blob_uri", record.URI),
		zap.Int64("bytes", record.ByteSize),
		zap.Int("members", outcome.Members),
	)
	return outcome
}

func (w *Worker) fail(ctx context.Context, logger *zap.Logger, outcome ingest.SceneOutcome, err error) ingest.SceneOutcome {
	outcome.Err = fmt.Errorf("scene %s: %w", outcome.SceneID, err)
	outcome.Asset = nil
	logger.Error("scene failed", zap.Error(err))
	if w.errors != nil {
		w.errors.Record(ctx, outcome.Err.Error())
	}
	return outcome
}

// extract unpacks the archive and records one document per member. Extraction
// problems are logged and recorded but never fail the scene.
func (w *Worker) extract(ctx context.Context, logger *zap.Logger, scene ingest.Scene, asset ingest.Asset) int {
	if w.extractor == nil {
		return 0
	}
	displayID := scene.ArchiveName()
	members, err := w.extractor.Extract(asset.Path, filepath.Join(w.cfg.ExtractRoot, displayID))
	if err != nil {
		logger.Warn("archive extraction incomplete", zap.Int("members", len(members)), zap.Error(err))
		w.record(ctx, fmt.Sprintf("scene %s: extract: %v", scene.SceneID, err))
	}
	recorded := 0
	for _, member := range members {
		if _, err := w.recorder.RecordMember(ctx, displayID, member); err != nil {
			logger.Warn("member record failed", zap.String("member", member.Name), zap.Error(err))
			w.record(ctx, fmt.Sprintf("scene %s: record member %s: %v", scene.SceneID, member.Name, err))
			continue
		}
		recorded++
	}
	return recorded
}

func (w *Worker) metadataDocument(task ingest.Task, record ingest.AssetRecord, members int) map[string]any {
	scene := task.Scene
	doc := map[string]any{
		"type":             "Image",
		"id":               scene.SceneID,
		"location":         task.Region.Location(),
		"properties":       scene.Properties,
		"acquisition_date": scene.AcquisitionDate,
		"run_id":           task.RunID,
		"mode":             string(task.Mode),
		"window": map[string]any{
			"start": task.Window.Start.Format(ingest.DateLayout),
			"end":   task.Window.End.Format(ingest.DateLayout),
		},
		"asset": map[string]any{
			"blob_path":    record.BlobPath,
			"uri":          record.URI,
			"content_type": record.ContentType,
			"byte_size":    record.ByteSize,
			"sha256":       record.SHA256,
			"recorded_at":  record.RecordedAt.Format(time.RFC3339),
		},
	}
	if scene.Properties == nil {
		doc["properties"] = map[string]any{}
	}
	if scene.DisplayID != "" {
		doc["display_id"] = scene.DisplayID
	}
	if scene.EntityID != "" {
		doc["entity_id"] = scene.EntityID
	}
	if scene.Dataset != "" {
		doc["dataset"] = scene.Dataset
	}
	if len(scene.Bands) > 0 {
		doc["bands"] = scene.Bands
	}
	if task.Mode == ingest.ModeArchive {
		doc["members"] = members
	}
	return doc
}

// notify publishes the ingested event. A publish failure is recorded but does
// not fail the scene because its records are already durable.
func (w *Worker) notify(ctx context.Context, logger *zap.Logger, task ingest.Task, record ingest.AssetRecord) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	payload := ingest.Notification{
		RunID:      task.RunID,
		SceneID:    task.Scene.SceneID,
		DisplayID:  task.Scene.DisplayID,
		Dataset:    task.Scene.Dataset,
		BlobURI:    record.URI,
		MetadataID: task.Scene.SceneID,
		Timestamp:  w.clock.Now().UTC().Format(time.RFC3339),
	}
	id, err := w.publisher.Publish(ctx, w.cfg.Topic, payload)
	if err != nil {
		logger.Warn("publish failed", zap.Error(err))
		w.record(ctx, fmt.Sprintf("scene %s: publish: %v", task.Scene.SceneID, err))
		return
	}
	logger.Debug("scene published", zap.String("message_id", id))
}

func (w *Worker) record(ctx context.Context, message string) {
	if w.errors != nil {
		w.errors.Record(ctx, message)
	}
}

func (w *Worker) removeSpool(logger *zap.Logger, asset ingest.Asset) {
	if asset.SpoolDir != "" {
		if err := os.RemoveAll(asset.SpoolDir); err != nil {
			logger.Warn("remove spool dir", zap.String("path", asset.SpoolDir), zap.Error(err))
		}
		return
	}
	if asset.Path == "" {
		return
	}
	if err := os.Remove(asset.Path); err != nil && !os.IsNotExist(err) {
		logger.Warn("remove spooled archive", zap.String("path", asset.Path), zap.Error(err))
	}
}
