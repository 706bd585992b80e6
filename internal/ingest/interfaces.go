package ingest

import (
	"context"
	"io"
	"time"
)

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	Put(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// DocumentStore persists JSON documents keyed by collection and id.
type DocumentStore interface {
	Upsert(ctx context.Context, collection, id string, doc map[string]any) error
	Get(ctx context.Context, collection, id string) (map[string]any, error)
}

// ErrorSink records operational errors. It never fails the caller.
type ErrorSink interface {
	Record(ctx context.Context, message string)
}

// Catalog is the remote imagery catalog.
type Catalog interface {
	Search(ctx context.Context, req SearchRequest) ([]Scene, error)
	ThumbnailURL(ctx context.Context, req ThumbnailRequest) (string, error)
	DownloadOptions(ctx context.Context, dataset string, scene Scene) ([]DownloadOption, error)
}

// RegionResolver yields the spatial filter for a run.
type RegionResolver interface {
	Resolve(ctx context.Context) (Region, error)
}

// AssetFetcher acquires the payload for one scene.
type AssetFetcher interface {
	Fetch(ctx context.Context, scene Scene, mode Mode, region Region) (Asset, error)
}

// ArchiveExtractor unpacks an archive into destination and reports each member.
type ArchiveExtractor interface {
	Extract(archivePath, destination string) ([]ExtractedMember, error)
}

// Recorder durably records assets, metadata, archive members, and the manifest.
type Recorder interface {
	RecordAsset(ctx context.Context, asset Asset) (AssetRecord, error)
	RecordMetadata(ctx context.Context, sceneID string, metadata map[string]any) (map[string]string, error)
	RecordMember(ctx context.Context, displayID string, member ExtractedMember) (string, error)
	WriteManifest(ctx context.Context, fields map[string]string, runID string) (Manifest, bool, error)
}

// Publisher pushes ingestion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
	HashReader(r io.Reader) (string, int64, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
