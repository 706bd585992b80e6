package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/landsat-ingest/internal/ingest"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "thumbnail", cfg.Ingest.Mode)
	assert.Equal(t, []string{"B4", "B3", "B2"}, cfg.Ingest.Bands)
	assert.InDelta(t, 0.4, cfg.Ingest.VisMax, 1e-9)
	assert.Equal(t, 512, cfg.Ingest.Dimensions)
	assert.Equal(t, 5, cfg.Ingest.Concurrency)
	assert.Equal(t, 730, cfg.Ingest.HistoryOffsetDays)
	assert.Equal(t, 90, cfg.Ingest.WindowDays)
	assert.Equal(t, "landsat_images", cfg.Ingest.ImagePrefix)
	assert.Equal(t, "error_logs", cfg.ErrorLog.Collection)
	assert.Equal(t, ingest.DefaultRegion, cfg.FallbackRegion())
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout())
	assert.Equal(t, "landsat-ingest", cfg.Telemetry.ServiceName)
	assert.InDelta(t, 1.0, cfg.Telemetry.SampleRatio, 1e-9)
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
ingest:
  mode: archive
  dataset: landsat_etm_c2_l2
  concurrency: 8
  max_results: 4
  max_cloud_cover: 30
storage:
  backend: s3
  s3:
    bucket: scenes
    endpoint: http://localhost:9000
    use_path_style: true
documents:
  backend: postgres
  postgres:
    dsn: postgres://ingest@localhost/landsat
errorlog:
  backend: both
  file:
    path: /var/log/ingest/errors.jsonl
region:
  longitude: 21.5
  latitude: 52.5
  radius_meters: 5000
logging:
  development: false
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "archive", cfg.Ingest.Mode)
	assert.Equal(t, "landsat_etm_c2_l2", cfg.Ingest.Dataset)
	assert.Equal(t, 8, cfg.Ingest.Concurrency)
	assert.Equal(t, 30, cfg.Ingest.MaxCloudCover)
	assert.Equal(t, "s3", cfg.Storage.Backend)
	assert.True(t, cfg.Storage.S3.UsePathStyle)
	assert.Equal(t, "postgres://ingest@localhost/landsat", cfg.Documents.Postgres.DSN)
	assert.Equal(t, "documents", cfg.Documents.Postgres.Table)
	assert.Equal(t, "both", cfg.ErrorLog.Backend)
	assert.Equal(t, ingest.PointRegion(21.5, 52.5, 5000), cfg.FallbackRegion())
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("INGEST_INGEST_CONCURRENCY", "3")
	t.Setenv("INGEST_CATALOG_TOKEN", "tok")
	t.Setenv("INGEST_PUBSUB_PROJECT_ID", "proj")
	t.Setenv("INGEST_PUBSUB_TOPIC_NAME", "scenes-ingested")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Ingest.Concurrency)
	assert.Equal(t, "tok", cfg.Catalog.Token)
	assert.Equal(t, "scenes-ingested", cfg.PubSub.TopicName)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfigValidateErrors(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"no catalog", func(c *Config) { c.Catalog.BaseURL = "" }, "catalog.base_url"},
		{"bad mode", func(c *Config) { c.Ingest.Mode = "video" }, "ingest.mode"},
		{"zero concurrency", func(c *Config) { c.Ingest.Concurrency = 0 }, "ingest.concurrency"},
		{"stretch", func(c *Config) { c.Ingest.VisMax = c.Ingest.VisMin }, "ingest.vis_max"},
		{"cloud cover", func(c *Config) { c.Ingest.MaxCloudCover = 101 }, "ingest.max_cloud_cover"},
		{"window", func(c *Config) { c.Ingest.WindowDays = 0 }, "ingest.window_days"},
		{"radius", func(c *Config) { c.Region.RadiusMeters = 0 }, "region.radius_meters"},
		{"storage backend", func(c *Config) { c.Storage.Backend = "ftp" }, "storage.backend"},
		{"gcs bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.gcs_bucket"},
		{"s3 bucket", func(c *Config) { c.Storage.Backend = "s3" }, "storage.s3.bucket"},
		{"postgres dsn", func(c *Config) { c.Documents.Backend = "postgres" }, "documents.postgres.dsn"},
		{"redis addr", func(c *Config) { c.Documents.Backend = "redis" }, "documents.redis.addr"},
		{"errorlog backend", func(c *Config) { c.ErrorLog.Backend = "syslog" }, "errorlog.backend"},
		{"errorlog file", func(c *Config) { c.ErrorLog.Backend = "file"; c.ErrorLog.File.Path = "" }, "errorlog.file.path"},
		{"pubsub project", func(c *Config) { c.PubSub.TopicName = "t" }, "pubsub.project_id"},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 1.5 }, "telemetry.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.Ingest.Bands = append([]string(nil), base.Ingest.Bands...)
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
