// Package fetcher acquires scene assets: rendered thumbnails fetched into memory
// and archives streamed into local scratch storage.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/landsat-ingest/internal/ingest"
)

// Waiter throttles outbound downloads per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls rendering parameters and scratch storage.
type Config struct {
	Dataset    string
	Bands      []string
	VisMin     float64
	VisMax     float64
	Dimensions int
	Format     string
	ScratchDir string
	// MaxThumbnailBytes caps in-memory thumbnail downloads.
	MaxThumbnailBytes int64
	Timeout           time.Duration
}

// Fetcher implements ingest.AssetFetcher over HTTP.
type Fetcher struct {
	cfg     Config
	catalog ingest.Catalog
	http    *http.Client
	limiter Waiter
	logger  *zap.Logger
}

// New builds a Fetcher. A nil httpClient gets a pooled default transport.
func New(cfg Config, catalog ingest.Catalog, httpClient *http.Client, limiter Waiter, logger *zap.Logger) *Fetcher {
	if len(cfg.Bands) == 0 {
		cfg.Bands = []string{"B4", "B3", "B2"}
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 512
	}
	if cfg.Format == "" {
		cfg.Format = "png"
	}
	if cfg.VisMax <= cfg.VisMin {
		cfg.VisMin, cfg.VisMax = 0, 0.4
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if cfg.MaxThumbnailBytes <= 0 {
		cfg.MaxThumbnailBytes = 64 << 20
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Minute
		}
		httpClient = &http.Client{Transport: newHTTPTransport(), Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, catalog: catalog, http: httpClient, limiter: limiter, logger: logger}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Fetch acquires the asset for scene in the requested mode.
func (f *Fetcher) Fetch(ctx context.Context, scene ingest.Scene, mode ingest.Mode, region ingest.Region) (ingest.Asset, error) {
	switch mode {
	case ingest.ModeThumbnail:
		return f.fetchThumbnail(ctx, scene, region)
	case ingest.ModeArchive:
		return f.fetchArchive(ctx, scene)
	default:
		return ingest.Asset{}, fmt.Errorf("unsupported mode %q", mode)
	}
}

func (f *Fetcher) fetchThumbnail(ctx context.Context, scene ingest.Scene, region ingest.Region) (ingest.Asset, error) {
	renderURL, err := f.catalog.ThumbnailURL(ctx, ingest.ThumbnailRequest{
		Scene:      scene,
		Bands:      f.cfg.Bands,
		Min:        f.cfg.VisMin,
		Max:        f.cfg.VisMax,
		Dimensions: f.cfg.Dimensions,
		Format:     f.cfg.Format,
		Region:     region.Bounds(),
	})
	if err != nil {
		return ingest.Asset{}, fmt.Errorf("render thumbnail %s: %w", scene.SceneID, err)
	}

	resp, err := f.get(ctx, renderURL)
	if err != nil {
		return ingest.Asset{}, err
	}
	defer closeBody(resp)

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxThumbnailBytes+1))
	if err != nil {
		return ingest.Asset{}, &ingest.TransportError{URL: renderURL, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(body)) > f.cfg.MaxThumbnailBytes {
		return ingest.Asset{}, &ingest.TransportError{URL: renderURL, Err: fmt.Errorf("thumbnail exceeds %d bytes", f.cfg.MaxThumbnailBytes)}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = "image/" + f.cfg.Format
	}
	return ingest.Asset{
		SceneID:     scene.SceneID,
		Mode:        ingest.ModeThumbnail,
		ContentType: contentType,
		Body:        body,
		Size:        int64(len(body)),
		SourceURL:   renderURL,
	}, nil
}

func (f *Fetcher) fetchArchive(ctx context.Context, scene ingest.Scene) (ingest.Asset, error) {
	dataset := scene.Dataset
	if dataset == "" {
		dataset = f.cfg.Dataset
	}
	options, err := f.catalog.DownloadOptions(ctx, dataset, scene)
	if err != nil {
		return ingest.Asset{}, fmt.Errorf("download options %s: %w", scene.SceneID, err)
	}
	if len(options) == 0 {
		return ingest.Asset{}, fmt.Errorf("%w for %s", ingest.ErrNoDownloadOptions, scene.SceneID)
	}
	option := options[0]

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, option.URL); err != nil {
			return ingest.Asset{}, fmt.Errorf("throttle %s: %w", scene.SceneID, err)
		}
	}

	resp, err := f.get(ctx, option.URL)
	if err != nil {
		return ingest.Asset{}, err
	}
	defer closeBody(resp)

	ext := ArchiveExt(option.URL)
	unitDir, err := unitScratchDir(f.cfg.ScratchDir)
	if err != nil {
		return ingest.Asset{}, err
	}
	final := filepath.Join(unitDir, scene.SceneID+ext)
	size, err := spool(resp.Body, unitDir, final)
	if err != nil {
		_ = os.RemoveAll(unitDir)
		var te *ingest.TransportError
		if errors.As(err, &te) {
			te.URL = option.URL
		}
		return ingest.Asset{}, err
	}
	f.logger.Debug("archive downloaded",
		zap.String("scene_id", scene.SceneID),
		zap.Int64("bytes", size),
	)

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = ContentTypeForExt(ext)
	}
	return ingest.Asset{
		SceneID:     scene.SceneID,
		Mode:        ingest.ModeArchive,
		ContentType: contentType,
		Path:        final,
		SpoolDir:    unitDir,
		Size:        size,
		SourceURL:   option.URL,
	}, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &ingest.TransportError{URL: rawURL, Err: err}
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, &ingest.TransportError{URL: rawURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		closeBody(resp)
		return nil, &ingest.TransportError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// unitScratchDir creates a private directory under root so units fetching the
// same scene never share a spool file.
func unitScratchDir(root string) (string, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	dir, err := os.MkdirTemp(root, "unit-*")
	if err != nil {
		return "", fmt.Errorf("create unit scratch dir: %w", err)
	}
	return dir, nil
}

// spool streams body into a temp file in dir and renames it to final.
func spool(body io.Reader, dir, final string) (int64, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("create scratch dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return 0, fmt.Errorf("create scratch file: %w", err)
	}
	tmpName := tmp.Name()
	size, copyErr := io.Copy(tmp, body)
	closeErr := tmp.Close()
	if copyErr != nil {
		_ = os.Remove(tmpName)
		return 0, &ingest.TransportError{Err: fmt.Errorf("stream archive: %w", copyErr)}
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("close scratch file: %w", closeErr)
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("move scratch file: %w", err)
	}
	return size, nil
}

func closeBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// ArchiveExt derives the archive extension from a download URL, defaulting to ".tar".
func ArchiveExt(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	name := strings.ToLower(path.Base(p))
	for _, ext := range []string{".tar.gz", ".tar.zst", ".tgz", ".tar"} {
		if strings.HasSuffix(name, ext) {
			return ext
		}
	}
	return ".tar"
}

// ContentTypeForExt maps an archive extension to a MIME type.
func ContentTypeForExt(ext string) string {
	switch ext {
	case ".tar.gz", ".tgz":
		return "application/gzip"
	case ".tar.zst":
		return "application/zstd"
	default:
		return "application/x-tar"
	}
}
