// Package recorder durably writes ingested assets, metadata documents, archive
// member descriptions and the schema manifest. Every write is an upsert keyed
// by a path or id derived from the scene, so re-running a batch overwrites.
package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/landsat-ingest/internal/ingest"
	"github.com/JakeFAU/landsat-ingest/internal/metadata"
	"github.com/JakeFAU/landsat-ingest/internal/metrics"
)

// Config controls where records land.
type Config struct {
	ImagePrefix        string
	ArchivePrefix      string
	MetadataRoot       string
	MetadataCollection string
	ManifestKey        string
	// ImageExt is the thumbnail file extension, normally the render format.
	ImageExt string
}

func (c *Config) applyDefaults() {
	if c.ImagePrefix == "" {
		c.ImagePrefix = "landsat_images"
	}
	if c.ArchivePrefix == "" {
		c.ArchivePrefix = "landsat_archives"
	}
	if c.MetadataRoot == "" {
		c.MetadataRoot = "landsat_member_metadata"
	}
	if c.MetadataCollection == "" {
		c.MetadataCollection = "landsat_metadata"
	}
	if c.ManifestKey == "" {
		c.ManifestKey = "manifest.json"
	}
	c.ImageExt = strings.ToLower(strings.TrimPrefix(c.ImageExt, "."))
	if c.ImageExt == "" {
		c.ImageExt = "png"
	}
	c.ImagePrefix = strings.Trim(c.ImagePrefix, "/")
	c.ArchivePrefix = strings.Trim(c.ArchivePrefix, "/")
	c.MetadataRoot = strings.Trim(c.MetadataRoot, "/")
}

// Recorder implements ingest.Recorder.
type Recorder struct {
	cfg    Config
	blobs  ingest.BlobStore
	docs   ingest.DocumentStore
	hasher ingest.Hasher
	clock  ingest.Clock
	logger *zap.Logger
}

// New constructs a Recorder.
func New(
	cfg Config,
	blobs ingest.BlobStore,
	docs ingest.DocumentStore,
	hasher ingest.Hasher,
	clock ingest.Clock,
	logger *zap.Logger,
) *Recorder {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{cfg: cfg, blobs: blobs, docs: docs, hasher: hasher, clock: clock, logger: logger}
}

// Collection returns the document collection that holds metadata.
func (r *Recorder) Collection() string {
	return r.cfg.MetadataCollection
}

// AssetPath returns the deterministic blob path for an asset.
func (r *Recorder) AssetPath(asset ingest.Asset) string {
	if asset.Mode == ingest.ModeArchive {
		return path.Join(r.cfg.ArchivePrefix, asset.SceneID+archiveExt(asset))
	}
	return path.Join(r.cfg.ImagePrefix, asset.SceneID+"."+r.cfg.ImageExt)
}

// RecordAsset hashes and uploads the asset bytes.
func (r *Recorder) RecordAsset(ctx context.Context, asset ingest.Asset) (ingest.AssetRecord, error) {
	if asset.SceneID == "" {
		return ingest.AssetRecord{}, fmt.Errorf("asset has no scene id")
	}
	blobPath := r.AssetPath(asset)

	var (
		digest string
		size   int64
		uri    string
		err    error
	)
	if asset.Mode == ingest.ModeArchive {
		digest, size, uri, err = r.putFile(ctx, blobPath, asset)
	} else {
		digest, size, uri, err = r.putBytes(ctx, blobPath, asset)
	}
	if err != nil {
		return ingest.AssetRecord{}, err
	}

	r.logger.Debug("asset recorded",
		zap.String("scene_id", asset.SceneID),
		zap.String("blob_path", blobPath),
		zap.Int64("bytes", size),
	)
	return ingest.AssetRecord{
		SceneID:     asset.SceneID,
		BlobPath:    blobPath,
		URI:         uri,
		ContentType: asset.ContentType,
		ByteSize:    size,
		SHA256:      digest,
		RecordedAt:  r.clock.Now().UTC(),
	}, nil
}

func (r *Recorder) putBytes(ctx context.Context, blobPath string, asset ingest.Asset) (string, int64, string, error) {
	digest, err := r.hasher.Hash(asset.Body)
	if err != nil {
		return "", 0, "", fmt.Errorf("hash %s: %w", asset.SceneID, err)
	}
	uri, err := r.blobs.Put(ctx, blobPath, asset.ContentType, bytes.NewReader(asset.Body))
	if err != nil {
		return "", 0, "", fmt.Errorf("put %s: %w", blobPath, err)
	}
	return digest, int64(len(asset.Body)), uri, nil
}

func (r *Recorder) putFile(ctx context.Context, blobPath string, asset ingest.Asset) (string, int64, string, error) {
	f, err := os.Open(asset.Path)
	if err != nil {
		return "", 0, "", fmt.Errorf("open %s: %w", asset.Path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	digest, size, err := r.hasher.HashReader(f)
	if err != nil {
		return "", 0, "", fmt.Errorf("hash %s: %w", asset.SceneID, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", 0, "", fmt.Errorf("rewind %s: %w", asset.Path, err)
	}
	uri, err := r.blobs.Put(ctx, blobPath, asset.ContentType, f)
	if err != nil {
		return "", 0, "", fmt.Errorf("put %s: %w", blobPath, err)
	}
	return digest, size, uri, nil
}

// RecordMetadata normalizes doc and upserts it keyed by sceneID. It returns the
// field schema of the stored document.
func (r *Recorder) RecordMetadata(ctx context.Context, sceneID string, doc map[string]any) (map[string]string, error) {
	if sceneID == "" {
		return nil, fmt.Errorf("metadata has no scene id")
	}
	normalized := metadata.NormalizeMap(doc)
	if err := r.docs.Upsert(ctx, r.cfg.MetadataCollection, sceneID, normalized); err != nil {
		return nil, fmt.Errorf("upsert metadata %s: %w", sceneID, err)
	}
	return metadata.Schema(normalized), nil
}

// RecordMember writes a JSON description of one extracted archive member.
func (r *Recorder) RecordMember(ctx context.Context, displayID string, member ingest.ExtractedMember) (string, error) {
	if displayID == "" || member.Name == "" {
		return "", fmt.Errorf("member record needs display id and name")
	}
	payload, err := json.Marshal(member)
	if err != nil {
		return "", fmt.Errorf("encode member %s: %w", member.Name, err)
	}
	blobPath := path.Join(r.cfg.MetadataRoot, displayID, member.Name+".json")
	uri, err := r.blobs.Put(ctx, blobPath, "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("put %s: %w", blobPath, err)
	}
	return uri, nil
}

// WriteManifest stores the manifest for fields unless the stored one already
// carries the same schema hash. The boolean reports whether a write happened.
func (r *Recorder) WriteManifest(ctx context.Context, fields map[string]string, runID string) (ingest.Manifest, bool, error) {
	encoded, err := json.Marshal(fields)
	if err != nil {
		metrics.ObserveManifestWrite("error")
		return ingest.Manifest{}, false, fmt.Errorf("encode schema: %w", err)
	}
	schemaHash, err := r.hasher.Hash(encoded)
	if err != nil {
		metrics.ObserveManifestWrite("error")
		return ingest.Manifest{}, false, fmt.Errorf("hash schema: %w", err)
	}

	current, found, err := r.loadManifest(ctx)
	if err != nil {
		metrics.ObserveManifestWrite("error")
		return ingest.Manifest{}, false, err
	}
	if found && current.SchemaHash == schemaHash {
		metrics.ObserveManifestWrite("unchanged")
		return current, false, nil
	}

	next := ingest.Manifest{
		Collection: r.cfg.MetadataCollection,
		Revision:   current.Revision + 1,
		SchemaHash: schemaHash,
		Fields:     fields,
		RunID:      runID,
		UpdatedAt:  r.clock.Now().UTC(),
	}
	payload, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		metrics.ObserveManifestWrite("error")
		return ingest.Manifest{}, false, fmt.Errorf("encode manifest: %w", err)
	}
	if _, err := r.blobs.Put(ctx, r.cfg.ManifestKey, "application/json", bytes.NewReader(payload)); err != nil {
		metrics.ObserveManifestWrite("error")
		return ingest.Manifest{}, false, fmt.Errorf("put manifest: %w", err)
	}
	metrics.ObserveManifestWrite("written")
	r.logger.Info("manifest written",
		zap.String("run_id", runID),
		zap.Int("revision", next.Revision),
		zap.Int("fields", len(fields)),
	)
	return next, true, nil
}

// loadManifest reads the stored manifest. A missing or unreadable manifest is
// treated as revision zero.
func (r *Recorder) loadManifest(ctx context.Context) (ingest.Manifest, bool, error) {
	raw, err := r.blobs.Get(ctx, r.cfg.ManifestKey)
	if errors.Is(err, ingest.ErrNotFound) {
		return ingest.Manifest{}, false, nil
	}
	if err != nil {
		return ingest.Manifest{}, false, fmt.Errorf("load manifest: %w", err)
	}
	var m ingest.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		r.logger.Warn("stored manifest unreadable; starting a new revision", zap.Error(err))
		return ingest.Manifest{}, false, nil
	}
	return m, true, nil
}

// archiveExt keeps the extension the fetcher spooled the archive under.
func archiveExt(asset ingest.Asset) string {
	base := filepath.Base(asset.Path)
	if ext := strings.TrimPrefix(base, asset.SceneID); ext != base && strings.HasPrefix(ext, ".") {
		return ext
	}
	return ".tar"
}
