package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/landsat-ingest/internal/clock/system"
	"github.com/JakeFAU/landsat-ingest/internal/fetcher"
	"github.com/JakeFAU/landsat-ingest/internal/hash/sha256"
	"github.com/JakeFAU/landsat-ingest/internal/ingest"
	pubmem "github.com/JakeFAU/landsat-ingest/internal/publisher/memory"
	"github.com/JakeFAU/landsat-ingest/internal/recorder"
	"github.com/JakeFAU/landsat-ingest/internal/storage/memory"
)

var now = time.Date(2026, 10, 15, 6, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	assets map[string]ingest.Asset
	errs   map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, scene ingest.Scene, mode ingest.Mode, _ ingest.Region) (ingest.Asset, error) {
	if err := f.errs[scene.SceneID]; err != nil {
		return ingest.Asset{}, err
	}
	a := f.assets[scene.SceneID]
	a.SceneID = scene.SceneID
	a.Mode = mode
	return a, nil
}

type fakeExtractor struct {
	members []ingest.ExtractedMember
	err     error
	dest    string
}

func (f *fakeExtractor) Extract(_, destination string) ([]ingest.ExtractedMember, error) {
	f.dest = destination
	return f.members, f.err
}

type sinkSpy struct {
	mu       sync.Mutex
	messages []string
}

func (s *sinkSpy) Record(_ context.Context, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
}

type fixture struct {
	worker    *Worker
	fetcher   *fakeFetcher
	extractor *fakeExtractor
	blobs     *memory.BlobStore
	docs      *memory.DocumentStore
	publisher *pubmem.Publisher
	sink      *sinkSpy
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		fetcher:   &fakeFetcher{assets: map[string]ingest.Asset{}, errs: map[string]error{}},
		extractor: &fakeExtractor{},
		blobs:     memory.NewBlobStore(),
		docs:      memory.NewDocumentStore(),
		publisher: pubmem.New(),
		sink:      &sinkSpy{},
	}
	clock := system.Fixed(now)
	rec := recorder.New(recorder.Config{}, f.blobs, f.docs, sha256.New(), clock, zap.NewNop())
	if cfg.ExtractRoot == "" {
		cfg.ExtractRoot = t.TempDir()
	}
	f.worker = New(f.fetcher, f.extractor, rec, f.publisher, f.sink, clock, cfg, zap.NewNop())
	return f
}

func thumbnailTask(id string) ingest.Task {
	return ingest.Task{
		RunID:  "run-1",
		Scene:  ingest.Scene{SceneID: id, DisplayID: "D-" + id, Dataset: "landsat_ot_c2_l1", AcquisitionDate: "2022-07-12", Properties: map[string]any{"CLOUD_COVER": 3.2}},
		Region: ingest.DefaultRegion,
		Window: ingest.TimeWindow{Start: now.AddDate(0, 0, -90), End: now},
		Mode:   ingest.ModeThumbnail,
	}
}

func TestProcessThumbnail(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Topic: "scenes"})
	f.fetcher.assets["A"] = ingest.Asset{ContentType: "image/png", Body: []byte("png")}

	out := f.worker.Process(context.Background(), thumbnailTask("A"))
	require.NoError(t, out.Err)
	require.True(t, out.Succeeded())
	assert.Equal(t, "landsat_images/A.png", out.Asset.BlobPath)
	assert.Equal(t, "A", out.MetadataID)
	assert.Equal(t, "number", out.Fields["properties.CLOUD_COVER"])
	assert.Equal(t, "number", out.Fields["location.region_radius"])

	doc, err := f.docs.Get(context.Background(), "landsat_metadata", "A")
	require.NoError(t, err)
	assert.Equal(t, "Image", doc["type"])
	assert.Equal(t, "A", doc["id"])
	assert.Equal(t, "2022-07-12", doc["acquisition_date"])
	loc := doc["location"].(map[string]any)
	assert.Equal(t, []any{6.746, 46.529}, loc["coordinates"])

	msgs := f.publisher.Messages()
	require.Len(t, msgs, 1)
	note := msgs[0].Payload.(ingest.Notification)
	assert.Equal(t, "memory://landsat_images/A.png", note.BlobURI)
	assert.Equal(t, "2026-10-15T06:00:00Z", note.Timestamp)
	assert.Empty(t, f.sink.messages)
}

func TestProcessFetchFailureIsRecorded(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.fetcher.errs["B"] = &ingest.TransportError{URL: "https://render/B", Err: errors.New("timeout")}

	out := f.worker.Process(context.Background(), thumbnailTask("B"))
	require.ErrorIs(t, out.Err, ingest.ErrTransport)
	assert.False(t, out.Succeeded())
	assert.Nil(t, out.Asset)
	require.Len(t, f.sink.messages, 1)
	assert.Contains(t, f.sink.messages[0], "B")
	assert.Zero(t, f.blobs.Len())
	assert.Zero(t, f.docs.Count("landsat_metadata"))
}

func TestProcessNoDownloadOptionsSkips(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.fetcher.errs["C"] = ingest.ErrNoDownloadOptions
	task := thumbnailTask("C")
	task.Mode = ingest.ModeArchive

	out := f.worker.Process(context.Background(), task)
	assert.True(t, out.Skipped)
	assert.NoError(t, out.Err)
	assert.False(t, out.Succeeded())
	assert.Empty(t, f.sink.messages)
}

func TestProcessArchiveExtractsAndRecordsMembers(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	f := newFixture(t, Config{ExtractRoot: root})
	spool := filepath.Join(t.TempDir(), "E.tar.gz")
	require.NoError(t, os.WriteFile(spool, []byte("tar"), 0o600))
	f.fetcher.assets["E"] = ingest.Asset{ContentType: "application/gzip", Path: spool}
	f.extractor.members = []ingest.ExtractedMember{
		{Name: "LC08_B1", Kind: ingest.MemberDirectory},
		{Name: "LC08_B1/B1.TIF", Kind: ingest.MemberFile, Size: 3},
	}
	task := thumbnailTask("E")
	task.Mode = ingest.ModeArchive

	out := f.worker.Process(context.Background(), task)
	require.NoError(t, out.Err)
	assert.Equal(t, 2, out.Members)
	assert.Equal(t, filepath.Join(root, "D-E"), f.extractor.dest)
	assert.Equal(t, "landsat_archives/E.tar.gz", out.Asset.BlobPath)

	ok, err := f.blobs.Exists(context.Background(), "landsat_member_metadata/D-E/LC08_B1/B1.TIF.json")
	require.NoError(t, err)
	assert.True(t, ok)

	_, statErr := os.Stat(spool)
	assert.True(t, os.IsNotExist(statErr))
}

func TestProcessMalformedArchiveStillSucceeds(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{KeepArchives: true})
	spool := filepath.Join(t.TempDir(), "M.tar")
	require.NoError(t, os.WriteFile(spool, nil, 0o600))
	f.fetcher.assets["M"] = ingest.Asset{ContentType: "application/x-tar", Path: spool}
	f.extractor.err = ingest.ErrMalformedArchive
	task := thumbnailTask("M")
	task.Mode = ingest.ModeArchive

	out := f.worker.Process(context.Background(), task)
	require.NoError(t, out.Err)
	assert.True(t, out.Succeeded())
	assert.Zero(t, out.Members)
	require.Len(t, f.sink.messages, 1)
	assert.Contains(t, f.sink.messages[0], "malformed archive")

	_, statErr := os.Stat(spool)
	assert.NoError(t, statErr)
}

func TestProcessPublishFailureDoesNotFailScene(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Topic: "scenes"})
	f.publisher.FailWith(errors.New("pubsub down"))
	f.fetcher.assets["P"] = ingest.Asset{ContentType: "image/png", Body: []byte("png")}

	out := f.worker.Process(context.Background(), thumbnailTask("P"))
	require.NoError(t, out.Err)
	assert.True(t, out.Succeeded())
	require.Len(t, f.sink.messages, 1)
	assert.True(t, strings.Contains(f.sink.messages[0], "publish"))
}

func TestProcessRerunOverwrites(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.fetcher.assets["R"] = ingest.Asset{ContentType: "image/png", Body: []byte("v1")}
	first := f.worker.Process(context.Background(), thumbnailTask("R"))
	f.fetcher.assets["R"] = ingest.Asset{ContentType: "image/png", Body: []byte("v2")}
	second := f.worker.Process(context.Background(), thumbnailTask("R"))

	require.NoError(t, first.Err)
	require.NoError(t, second.Err)
	assert.Equal(t, first.Asset.BlobPath, second.Asset.BlobPath)
	assert.Equal(t, 1, f.blobs.Len())
	assert.Equal(t, 1, f.docs.Count("landsat_metadata"))
}

type archiveCatalog struct {
	url string
}

func (c archiveCatalog) Search(context.Context, ingest.SearchRequest) ([]ingest.Scene, error) {
	return nil, nil
}

func (c archiveCatalog) ThumbnailURL(context.Context, ingest.ThumbnailRequest) (string, error) {
	return "", ingest.ErrRenderUnavailable
}

func (c archiveCatalog) DownloadOptions(context.Context, string, ingest.Scene) ([]ingest.DownloadOption, error) {
	return []ingest.DownloadOption{{URL: c.url, Available: true}}, nil
}

// pausingFetcher holds the first fetch after its download completes until
// release is closed.
type pausingFetcher struct {
	inner   ingest.AssetFetcher
	once    sync.Once
	fetched chan struct{}
	release chan struct{}
}

func (p *pausingFetcher) Fetch(ctx context.Context, scene ingest.Scene, mode ingest.Mode, region ingest.Region) (ingest.Asset, error) {
	asset, err := p.inner.Fetch(ctx, scene, mode, region)
	first := false
	p.once.Do(func() { first = true })
	if first {
		close(p.fetched)
		<-p.release
	}
	return asset, err
}

func TestProcessSameArchiveSceneConcurrently(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("archive-bytes"))
	}))
	defer srv.Close()

	scratch := t.TempDir()
	inner := fetcher.New(fetcher.Config{ScratchDir: scratch}, archiveCatalog{url: srv.URL + "/DUP.tar"}, srv.Client(), nil, zap.NewNop())
	paused := &pausingFetcher{inner: inner, fetched: make(chan struct{}), release: make(chan struct{})}

	blobs := memory.NewBlobStore()
	clock := system.Fixed(now)
	rec := recorder.New(recorder.Config{}, blobs, memory.NewDocumentStore(), sha256.New(), clock, zap.NewNop())
	w := New(paused, &fakeExtractor{}, rec, nil, &sinkSpy{}, clock, Config{ExtractRoot: t.TempDir()}, zap.NewNop())

	task := thumbnailTask("DUP")
	task.Mode = ingest.ModeArchive

	firstDone := make(chan ingest.SceneOutcome, 1)
	go func() { firstDone <- w.Process(context.Background(), task) }()
	<-paused.fetched

	second := w.Process(context.Background(), task)
	close(paused.release)
	first := <-firstDone

	require.NoError(t, first.Err)
	require.NoError(t, second.Err)
	assert.True(t, first.Succeeded())
	assert.True(t, second.Succeeded())
	assert.Equal(t, "landsat_archives/DUP.tar", first.Asset.BlobPath)
	assert.Equal(t, first.Asset.BlobPath, second.Asset.BlobPath)
	assert.Equal(t, 1, blobs.Len())

	leftovers, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}
