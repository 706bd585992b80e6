// Package batch drives one ingestion run from region resolution to the final
// summary. Scene-level failures are isolated; only configuration, search and
// cancellation failures end a run early.
package batch

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/landsat-ingest/internal/dispatcher"
	"github.com/JakeFAU/landsat-ingest/internal/errorsink"
	"github.com/JakeFAU/landsat-ingest/internal/ingest"
	"github.com/JakeFAU/landsat-ingest/internal/metrics"
	"github.com/JakeFAU/landsat-ingest/internal/telemetry"
)

// Config holds the run defaults a Request can override.
type Config struct {
	Dataset           string
	Collection        string
	Bands             []string
	MaxResults        int
	MaxCloudCover     int
	Concurrency       int
	HistoryOffsetDays int
	WindowDays        int
	Mode              ingest.Mode
}

func (c *Config) applyDefaults() {
	if len(c.Bands) == 0 {
		c.Bands = []string{"B4", "B3", "B2"}
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.HistoryOffsetDays <= 0 {
		c.HistoryOffsetDays = 730
	}
	if c.WindowDays <= 0 {
		c.WindowDays = 90
	}
	if !c.Mode.Valid() {
		c.Mode = ingest.ModeThumbnail
	}
}

// SceneProcessor runs the unit of work for one scene.
type SceneProcessor interface {
	Process(ctx context.Context, task ingest.Task) ingest.SceneOutcome
}

// ManifestWriter persists the schema manifest at the end of a run.
type ManifestWriter interface {
	WriteManifest(ctx context.Context, fields map[string]string, runID string) (ingest.Manifest, bool, error)
}

// Orchestrator implements the run state machine.
type Orchestrator struct {
	cfg       Config
	resolver  ingest.RegionResolver
	catalog   ingest.Catalog
	processor SceneProcessor
	manifest  ManifestWriter
	errors    ingest.ErrorSink
	clock     ingest.Clock
	ids       ingest.IDGenerator
	logger    *zap.Logger
}

// New constructs an Orchestrator.
func New(
	cfg Config,
	resolver ingest.RegionResolver,
	catalog ingest.Catalog,
	processor SceneProcessor,
	manifest ManifestWriter,
	errs ingest.ErrorSink,
	clock ingest.Clock,
	ids ingest.IDGenerator,
	logger *zap.Logger,
) *Orchestrator {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		resolver:  resolver,
		catalog:   catalog,
		processor: processor,
		manifest:  manifest,
		errors:    errs,
		clock:     clock,
		ids:       ids,
		logger:    logger,
	}
}

// Run executes one batch and always returns a summary; its StatusCode carries
// the HTTP-equivalent result.
func (o *Orchestrator) Run(ctx context.Context, req ingest.Request) ingest.Summary {
	ctx, span := telemetry.Tracer("batch").Start(ctx, "batch.run")
	defer span.End()

	summary := o.run(ctx, req)
	span.SetAttributes(
		attribute.String("run_id", summary.RunID),
		attribute.String("state", string(summary.State)),
		attribute.Int("scenes_succeeded", summary.ScenesSucceeded),
		attribute.Int("scenes_failed", summary.ScenesFailed),
	)
	if summary.State == ingest.StateFailed {
		span.SetStatus(codes.Error, summary.Error)
	}
	return summary
}

func (o *Orchestrator) run(ctx context.Context, req ingest.Request) ingest.Summary {
	run := &ingest.BatchRun{
		StartedAt: o.clock.Now().UTC(),
		Mode:      o.cfg.Mode,
		State:     ingest.StateResolvingRegion,
	}
	if req.Mode.Valid() {
		run.Mode = req.Mode
	}
	runID, err := o.ids.NewID()
	if err != nil {
		return o.fail(ctx, run, http.StatusInternalServerError, fmt.Errorf("generate run id: %w", err))
	}
	run.RunID = runID
	logger := o.logger.With(zap.String("run_id", runID), zap.String("mode", string(run.Mode)))

	region, err := o.resolveRegion(ctx, req)
	if err != nil {
		return o.fail(ctx, run, http.StatusInternalServerError, err)
	}
	run.Region = region
	run.Window = o.window(req)

	o.transition(logger, run, ingest.StateQuerying)
	scenes, err := o.catalog.Search(ctx, o.searchRequest(req, run))
	if err != nil {
		return o.fail(ctx, run, http.StatusInternalServerError, fmt.Errorf("%w: %v", ingest.ErrSearchFailed, err))
	}
	run.ScenesFound = len(scenes)
	if len(scenes) == 0 {
		return o.fail(ctx, run, http.StatusNotFound, ingest.ErrNoScenes)
	}
	logger.Info("catalog query returned scenes", zap.Int("scenes", len(scenes)))

	o.transition(logger, run, ingest.StateDispatching)
	tasks := make([]ingest.Task, len(scenes))
	for i, scene := range scenes {
		tasks[i] = ingest.Task{RunID: runID, Scene: scene, Region: region, Window: run.Window, Mode: run.Mode}
	}
	dispatch := dispatcher.Run(ctx, o.cfg.Concurrency, tasks, o.processor.Process)

	o.transition(logger, run, ingest.StateAggregating)
	fields := make(map[string]string)
	for outcome := range dispatch.Results() {
		o.aggregate(run, outcome, fields)
	}
	run.ScenesNotStarted = dispatch.NotStarted()
	metrics.ObserveScenesNotStarted(string(run.Mode), run.ScenesNotStarted)

	o.transition(logger, run, ingest.StateFinalizing)
	if run.ScenesSucceeded > 0 {
		o.writeManifest(context.WithoutCancel(ctx), logger, run, fields)
	}

	if ctx.Err() != nil {
		return o.fail(ctx, run, http.StatusInternalServerError,
			fmt.Errorf("%w: %d of %d scenes not started", ingest.ErrCancelled, run.ScenesNotStarted, run.ScenesFound))
	}
	return o.complete(logger, run)
}

func (o *Orchestrator) resolveRegion(ctx context.Context, req ingest.Request) (ingest.Region, error) {
	var region ingest.Region
	if req.Region != nil {
		region = *req.Region
	} else {
		resolved, err := o.resolver.Resolve(ctx)
		if err != nil {
			return ingest.Region{}, err
		}
		region = resolved
	}
	if req.Radius != nil && !region.IsBBox() {
		region.RadiusMeters = *req.Radius
	}
	if err := region.Validate(); err != nil {
		return ingest.Region{}, fmt.Errorf("invalid region: %w", err)
	}
	return region, nil
}

func (o *Orchestrator) window(req ingest.Request) ingest.TimeWindow {
	if req.Window != nil {
		return *req.Window
	}
	return ingest.HistoricalWindow(o.clock.Now(), o.cfg.HistoryOffsetDays, o.cfg.WindowDays)
}

func (o *Orchestrator) searchRequest(req ingest.Request, run *ingest.BatchRun) ingest.SearchRequest {
	sr := ingest.SearchRequest{
		Dataset:       o.cfg.Dataset,
		Collection:    o.cfg.Collection,
		Region:        run.Region,
		Window:        run.Window,
		Bands:         o.cfg.Bands,
		MaxResults:    o.cfg.MaxResults,
		MaxCloudCover: o.cfg.MaxCloudCover,
	}
	if req.Dataset != "" {
		sr.Dataset = req.Dataset
	}
	if req.Collection != "" {
		sr.Collection = req.Collection
	}
	if req.MaxResults > 0 {
		sr.MaxResults = req.MaxResults
	}
	if req.MaxCloudCover != nil {
		sr.MaxCloudCover = *req.MaxCloudCover
	}
	return sr
}

func (o *Orchestrator) aggregate(run *ingest.BatchRun, outcome ingest.SceneOutcome, fields map[string]string) {
	mode := string(run.Mode)
	switch {
	case outcome.Succeeded():
		run.ScenesSucceeded++
		run.SavedImages = append(run.SavedImages, outcome.Asset.BlobPath)
		if outcome.MetadataID != "" {
			run.SavedMetadata = append(run.SavedMetadata, outcome.MetadataID)
		}
		for k, v := range outcome.Fields {
			fields[k] = v
		}
		metrics.ObserveScene(mode, metrics.OutcomeSucceeded, outcome.Asset.ByteSize)
	case outcome.Skipped:
		run.ScenesSkipped++
		metrics.ObserveScene(mode, metrics.OutcomeSkipped, 0)
	default:
		run.ScenesFailed++
		if outcome.Err != nil && !errorsink.Suppressed(outcome.Err.Error()) {
			run.Errors = append(run.Errors, outcome.Err.Error())
		}
		metrics.ObserveScene(mode, metrics.OutcomeFailed, 0)
	}
}

func (o *Orchestrator) writeManifest(ctx context.Context, logger *zap.Logger, run *ingest.BatchRun, fields map[string]string) {
	if o.manifest == nil {
		return
	}
	manifest, written, err := o.manifest.WriteManifest(ctx, fields, run.RunID)
	if err != nil {
		msg := fmt.Sprintf("run %s: write manifest: %v", run.RunID, err)
		logger.Error("manifest write failed", zap.Error(err))
		o.errors.Record(ctx, msg)
		run.Errors = append(run.Errors, msg)
		return
	}
	run.Manifest = &manifest
	logger.Debug("manifest checked", zap.Bool("written", written), zap.Int("revision", manifest.Revision))
}

func (o *Orchestrator) transition(logger *zap.Logger, run *ingest.BatchRun, next ingest.State) {
	logger.Debug("run state", zap.String("from", string(run.State)), zap.String("to", string(next)))
	run.State = next
}

func (o *Orchestrator) fail(ctx context.Context, run *ingest.BatchRun, status int, err error) ingest.Summary {
	o.logger.Error("run failed",
		zap.String("run_id", run.RunID),
		zap.String("state", string(run.State)),
		zap.Error(err),
	)
	msg := err.Error()
	o.errors.Record(context.WithoutCancel(ctx), msg)
	if !errorsink.Suppressed(msg) {
		run.Errors = append(run.Errors, msg)
	}
	run.State = ingest.StateFailed
	o.observe(run)
	summary := summarize(run, status)
	summary.Error = msg
	return summary
}

func (o *Orchestrator) complete(logger *zap.Logger, run *ingest.BatchRun) ingest.Summary {
	run.State = ingest.StateCompleted
	o.observe(run)
	logger.Info("run completed",
		zap.Int("scenes_found", run.ScenesFound),
		zap.Int("scenes_succeeded", run.ScenesSucceeded),
		zap.Int("scenes_failed", run.ScenesFailed),
		zap.Int("scenes_skipped", run.ScenesSkipped),
	)
	summary := summarize(run, http.StatusOK)
	summary.Message = "Batch ingestion completed"
	return summary
}

func (o *Orchestrator) observe(run *ingest.BatchRun) {
	metrics.ObserveRun(string(run.State), o.clock.Now().Sub(run.StartedAt))
}

func summarize(run *ingest.BatchRun, status int) ingest.Summary {
	s := ingest.Summary{
		RunID:            run.RunID,
		State:            run.State,
		StatusCode:       status,
		ImageCount:       run.ScenesFound,
		ScenesSucceeded:  run.ScenesSucceeded,
		ScenesFailed:     run.ScenesFailed,
		ScenesSkipped:    run.ScenesSkipped,
		ScenesNotStarted: run.ScenesNotStarted,
		SavedImages:      nonNil(run.SavedImages),
		SavedMetadata:    nonNil(run.SavedMetadata),
		Errors:           nonNil(run.Errors),
	}
	if !run.Window.Start.IsZero() {
		w := run.Window
		s.Window = &w
	}
	if run.Region.Validate() == nil {
		r := run.Region
		s.Region = &r
	}
	if run.Manifest != nil {
		rev := run.Manifest.Revision
		s.ManifestRevision = &rev
	}
	return s
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
