// Package config loads and validates ingestion service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/landsat-ingest/internal/ingest"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Region    RegionConfig    `mapstructure:"region"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Documents DocumentsConfig `mapstructure:"documents"`
	ErrorLog  ErrorLogConfig  `mapstructure:"errorlog"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CatalogConfig points at the imagery catalog API.
type CatalogConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Token          string `mapstructure:"token"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// IngestConfig governs the batch pipeline.
type IngestConfig struct {
	Dataset            string   `mapstructure:"dataset"`
	Collection         string   `mapstructure:"collection"`
	Mode               string   `mapstructure:"mode"`
	Bands              []string `mapstructure:"bands"`
	VisMin             float64  `mapstructure:"vis_min"`
	VisMax             float64  `mapstructure:"vis_max"`
	Dimensions         int      `mapstructure:"dimensions"`
	Format             string   `mapstructure:"format"`
	MaxResults         int      `mapstructure:"max_results"`
	MaxCloudCover      int      `mapstructure:"max_cloud_cover"`
	Concurrency        int      `mapstructure:"concurrency"`
	HistoryOffsetDays  int      `mapstructure:"history_offset_days"`
	WindowDays         int      `mapstructure:"window_days"`
	ImagePrefix        string   `mapstructure:"image_prefix"`
	ArchivePrefix      string   `mapstructure:"archive_prefix"`
	MetadataRoot       string   `mapstructure:"metadata_root"`
	MetadataCollection string   `mapstructure:"metadata_collection"`
	ManifestKey        string   `mapstructure:"manifest_key"`
	ExtractRoot        string   `mapstructure:"extract_root"`
	ScratchDir         string   `mapstructure:"scratch_dir"`
	KeepArchives       bool     `mapstructure:"keep_archives"`
	MaxMemberBytes     int64    `mapstructure:"max_member_bytes"`
	MaxThumbnailBytes  int64    `mapstructure:"max_thumbnail_bytes"`
	DownloadTimeoutSec int      `mapstructure:"download_timeout_seconds"`
}

// RegionConfig locates the stored region document and the fallback region.
type RegionConfig struct {
	ConfigPath   string  `mapstructure:"config_path"`
	Longitude    float64 `mapstructure:"longitude"`
	Latitude     float64 `mapstructure:"latitude"`
	RadiusMeters float64 `mapstructure:"radius_meters"`
}

// RateLimitConfig throttles archive downloads per host.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// StorageConfig selects the blob store.
type StorageConfig struct {
	Backend   string   `mapstructure:"backend"`
	LocalDir  string   `mapstructure:"local_dir"`
	GCSBucket string   `mapstructure:"gcs_bucket"`
	S3        S3Config `mapstructure:"s3"`
}

// S3Config configures the S3-compatible blob store.
type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// DocumentsConfig selects the document store.
type DocumentsConfig struct {
	Backend  string         `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig controls the Postgres document store.
type PostgresConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
	EnsureSchema           bool   `mapstructure:"ensure_schema"`
}

// RedisConfig controls the Redis document store.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	KeyPrefix  string `mapstructure:"key_prefix"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// ErrorLogConfig selects where pipeline errors are recorded.
type ErrorLogConfig struct {
	Backend    string        `mapstructure:"backend"`
	Collection string        `mapstructure:"collection"`
	File       ErrorFileConf `mapstructure:"file"`
}

// ErrorFileConf configures the rotating error log file.
type ErrorFileConf struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment. With an empty path it looks for
// landsat-ingest.{yaml,json,toml} in the working directory, /etc/landsat-ingest,
// and $HOME/.landsat-ingest; finding none is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("landsat-ingest")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/landsat-ingest/")
		v.AddConfigPath("$HOME/.landsat-ingest")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("catalog.base_url", "https://m2m.cr.usgs.gov/api/api/json/stable")
	v.SetDefault("catalog.timeout_seconds", 60)
	v.SetDefault("ingest.dataset", "landsat_ot_c2_l1")
	v.SetDefault("ingest.collection", "LANDSAT/LC08/C02/T1_TOA")
	v.SetDefault("ingest.mode", string(ingest.ModeThumbnail))
	v.SetDefault("ingest.bands", []string{"B4", "B3", "B2"})
	v.SetDefault("ingest.vis_min", 0.0)
	v.SetDefault("ingest.vis_max", 0.4)
	v.SetDefault("ingest.dimensions", 512)
	v.SetDefault("ingest.format", "png")
	v.SetDefault("ingest.max_results", 0)
	v.SetDefault("ingest.max_cloud_cover", 100)
	v.SetDefault("ingest.concurrency", 5)
	v.SetDefault("ingest.history_offset_days", 730)
	v.SetDefault("ingest.window_days", 90)
	v.SetDefault("ingest.image_prefix", "landsat_images")
	v.SetDefault("ingest.archive_prefix", "landsat_archives")
	v.SetDefault("ingest.metadata_root", "landsat_member_metadata")
	v.SetDefault("ingest.metadata_collection", "landsat_metadata")
	v.SetDefault("ingest.manifest_key", "manifest.json")
	v.SetDefault("ingest.extract_root", "extracted")
	v.SetDefault("ingest.scratch_dir", "downloads")
	v.SetDefault("ingest.keep_archives", false)
	v.SetDefault("ingest.max_member_bytes", int64(4<<30))
	v.SetDefault("ingest.max_thumbnail_bytes", int64(64<<20))
	v.SetDefault("ingest.download_timeout_seconds", 1800)
	v.SetDefault("region.config_path", "config/region.json")
	v.SetDefault("region.longitude", ingest.DefaultRegion.Lon())
	v.SetDefault("region.latitude", ingest.DefaultRegion.Lat())
	v.SetDefault("region.radius_meters", ingest.DefaultRegion.RadiusMeters)
	v.SetDefault("rate_limit.requests_per_second", 1.0)
	v.SetDefault("rate_limit.burst", 2)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "data")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("documents.backend", "memory")
	v.SetDefault("documents.postgres.table", "documents")
	v.SetDefault("documents.postgres.ensure_schema", true)
	v.SetDefault("documents.redis.key_prefix", "landsat")
	v.SetDefault("errorlog.backend", "document")
	v.SetDefault("errorlog.collection", "error_logs")
	v.SetDefault("errorlog.file.path", "logs/errors.jsonl")
	v.SetDefault("errorlog.file.max_size_mb", 50)
	v.SetDefault("errorlog.file.max_backups", 5)
	v.SetDefault("errorlog.file.max_age_days", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "landsat-ingest")
	v.SetDefault("telemetry.sample_ratio", 1.0)

	// Registered so AutomaticEnv can supply them without a config file.
	for _, key := range []string{
		"auth.api_key", "catalog.token", "catalog.username", "catalog.password",
		"storage.gcs_bucket", "storage.s3.bucket", "storage.s3.endpoint",
		"storage.s3.access_key", "storage.s3.secret_key",
		"documents.postgres.dsn", "documents.redis.addr", "documents.redis.password",
		"pubsub.project_id", "pubsub.topic_name",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("auth.enabled", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Catalog.BaseURL == "" {
		return fmt.Errorf("catalog.base_url is required")
	}
	if err := c.Ingest.validate(); err != nil {
		return err
	}
	if c.Region.RadiusMeters <= 0 {
		return fmt.Errorf("region.radius_meters must be > 0")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must be >= 0")
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Documents.validate(); err != nil {
		return err
	}
	switch c.ErrorLog.Backend {
	case "document", "none":
	case "file", "both":
		if c.ErrorLog.File.Path == "" {
			return fmt.Errorf("errorlog.file.path is required for backend %q", c.ErrorLog.Backend)
		}
	default:
		return fmt.Errorf("errorlog.backend %q is not one of document, file, both, none", c.ErrorLog.Backend)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within 0..1")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

func (c IngestConfig) validate() error {
	if !ingest.Mode(c.Mode).Valid() {
		return fmt.Errorf("ingest.mode %q must be thumbnail or archive", c.Mode)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("ingest.concurrency must be > 0")
	}
	if c.VisMax <= c.VisMin {
		return fmt.Errorf("ingest.vis_max must be greater than ingest.vis_min")
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("ingest.dimensions must be > 0")
	}
	if c.MaxResults < 0 {
		return fmt.Errorf("ingest.max_results must be >= 0")
	}
	if c.MaxCloudCover < 0 || c.MaxCloudCover > 100 {
		return fmt.Errorf("ingest.max_cloud_cover must be within 0..100")
	}
	if c.HistoryOffsetDays < 0 || c.WindowDays <= 0 {
		return fmt.Errorf("ingest.history_offset_days must be >= 0 and ingest.window_days > 0")
	}
	if len(c.Bands) == 0 {
		return fmt.Errorf("ingest.bands must not be empty")
	}
	return nil
}

func (c StorageConfig) validate() error {
	switch c.Backend {
	case "memory":
	case "local":
		if c.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs, s3", c.Backend)
	}
	return nil
}

func (c DocumentsConfig) validate() error {
	switch c.Backend {
	case "memory":
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("documents.postgres.dsn is required for the postgres backend")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("documents.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("documents.backend %q is not one of memory, postgres, redis", c.Backend)
	}
	return nil
}

// RequestTimeout bounds health, readiness and metrics requests.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// FallbackRegion is the region used when no stored region document applies.
func (c Config) FallbackRegion() ingest.Region {
	return ingest.PointRegion(c.Region.Longitude, c.Region.Latitude, c.Region.RadiusMeters)
}
