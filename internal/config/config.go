// Package config centralizes how RoomDrop reads its settings. Values come from
// defaults, then an optional TOML file named by ROOMDROP_CONFIG, then
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents runtime configuration for the server, worker and CLI.
type Config struct {
	GRPCAddress string `toml:"grpc_address"`
	OpsAddress  string `toml:"ops_address"`

	MaxFileSize     int64 `toml:"max_file_bytes"`
	MaxChunkSize    int64 `toml:"max_chunk_bytes"`
	SizeTolerance   int64 `toml:"size_tolerance_bytes"`
	ScanPrefixBytes int   `toml:"scan_prefix_bytes"`
	FanoutLimit     int   `toml:"fanout_limit"`

	// SubscriberOutbox is how many chunks a live subscriber may lag behind
	// before it is dropped. It is raised to hold at least one maximum-size
	// file so a healthy subscriber never loses a burst.
	SubscriberOutbox int `toml:"subscriber_outbox"`
	// SubscriberWriteTimeout bounds a single write to a live subscriber.
	SubscriberWriteTimeout time.Duration `toml:"subscriber_write_timeout"`

	// IdleSessionTimeout expires stalled uploads. Zero disables the sweeper.
	IdleSessionTimeout time.Duration `toml:"idle_session_timeout"`
	ShutdownTimeout    time.Duration `toml:"shutdown_timeout"`

	ProcessingPool    int `toml:"workers"`
	WorkerConcurrency int `toml:"worker_concurrency"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	Archive ArchiveConfig `toml:"archive"`
}

// ArchiveConfig points at the optional object store, catalog and job queue.
type ArchiveConfig struct {
	DatabaseURL   string `toml:"database_url"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	S3Endpoint    string `toml:"s3_endpoint"`
	S3AccessKey   string `toml:"s3_access_key"`
	S3SecretKey   string `toml:"s3_secret_key"`
	S3UseSSL      bool   `toml:"s3_use_ssl"`
	S3Region      string `toml:"s3_region"`
	RawBucket     string `toml:"raw_bucket"`
	PreviewBucket string `toml:"preview_bucket"`
}

// Enabled reports whether every backend the archive needs is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.S3Endpoint != "" && a.DatabaseURL != "" && a.RedisAddr != ""
}

const (
	defaultGRPCAddress       = ":50051"
	defaultOpsAddress        = ":8080"
	defaultMaxFileSize       = 25 << 20 // 25 MiB
	defaultMaxChunkSize      = 1 << 20  // 1 MiB
	defaultSizeTolerance     = 1 << 10  // 1 KiB
	defaultScanPrefixBytes   = 10000
	defaultFanoutLimit       = 16
	defaultSubscriberOutbox  = 64
	defaultWriteTimeout      = 10 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultWorkerCount       = 2
	defaultWorkerConcurrency = 4
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultRawBucket         = "roomdrop-raw"
	defaultPreviewBucket     = "roomdrop-preview"
	defaultS3Region          = "us-east-1"
)

// Defaults returns a Config populated with built-in values only.
func Defaults() *Config {
	return &Config{
		GRPCAddress:            defaultGRPCAddress,
		OpsAddress:             defaultOpsAddress,
		MaxFileSize:            defaultMaxFileSize,
		MaxChunkSize:           defaultMaxChunkSize,
		SizeTolerance:          defaultSizeTolerance,
		ScanPrefixBytes:        defaultScanPrefixBytes,
		FanoutLimit:            defaultFanoutLimit,
		SubscriberOutbox:       defaultSubscriberOutbox,
		SubscriberWriteTimeout: defaultWriteTimeout,
		ShutdownTimeout:        defaultShutdownTimeout,
		ProcessingPool:         defaultWorkerCount,
		WorkerConcurrency:      defaultWorkerConcurrency,
		LogLevel:               defaultLogLevel,
		LogFormat:              defaultLogFormat,
		Archive: ArchiveConfig{
			S3Region:      defaultS3Region,
			RawBucket:     defaultRawBucket,
			PreviewBucket: defaultPreviewBucket,
		},
	}
}

// Load reads the optional TOML file and then environment variables on top of
// the defaults. Out-of-range numeric values fall back to defaults.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := readEnv("ROOMDROP_CONFIG", ""); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.GRPCAddress = readEnv("ROOMDROP_GRPC_ADDRESS", cfg.GRPCAddress)
	cfg.OpsAddress = readEnv("ROOMDROP_OPS_ADDRESS", cfg.OpsAddress)
	cfg.MaxFileSize = parseInt64("ROOMDROP_MAX_FILE_BYTES", cfg.MaxFileSize)
	cfg.MaxChunkSize = parseInt64("ROOMDROP_MAX_CHUNK_BYTES", cfg.MaxChunkSize)
	cfg.SizeTolerance = parseInt64("ROOMDROP_SIZE_TOLERANCE_BYTES", cfg.SizeTolerance)
	cfg.ScanPrefixBytes = parseInt("ROOMDROP_SCAN_PREFIX_BYTES", cfg.ScanPrefixBytes)
	cfg.FanoutLimit = parseInt("ROOMDROP_FANOUT_LIMIT", cfg.FanoutLimit)
	cfg.SubscriberOutbox = parseInt("ROOMDROP_SUBSCRIBER_OUTBOX", cfg.SubscriberOutbox)
	cfg.SubscriberWriteTimeout = parseDuration("ROOMDROP_SUBSCRIBER_WRITE_TIMEOUT", cfg.SubscriberWriteTimeout)
	cfg.IdleSessionTimeout = parseDuration("ROOMDROP_IDLE_SESSION_TIMEOUT", cfg.IdleSessionTimeout)
	cfg.ShutdownTimeout = parseDuration("ROOMDROP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.ProcessingPool = parseInt("ROOMDROP_WORKERS", cfg.ProcessingPool)
	cfg.WorkerConcurrency = parseInt("ROOMDROP_WORKER_CONCURRENCY", cfg.WorkerConcurrency)
	cfg.LogLevel = readEnv("ROOMDROP_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = readEnv("ROOMDROP_LOG_FORMAT", cfg.LogFormat)

	a := &cfg.Archive
	a.DatabaseURL = readEnv("ROOMDROP_DATABASE_URL", a.DatabaseURL)
	a.RedisAddr = readEnv("ROOMDROP_REDIS_ADDR", a.RedisAddr)
	a.RedisPassword = readEnv("ROOMDROP_REDIS_PASSWORD", a.RedisPassword)
	a.RedisDB = parseInt("ROOMDROP_REDIS_DB", a.RedisDB)
	a.S3Endpoint = readEnv("ROOMDROP_S3_ENDPOINT", a.S3Endpoint)
	a.S3AccessKey = readEnv("ROOMDROP_S3_ACCESS_KEY", a.S3AccessKey)
	a.S3SecretKey = readEnv("ROOMDROP_S3_SECRET_KEY", a.S3SecretKey)
	a.S3UseSSL = parseBool("ROOMDROP_S3_USE_SSL", a.S3UseSSL)
	a.S3Region = readEnv("ROOMDROP_S3_REGION", a.S3Region)
	a.RawBucket = readEnv("ROOMDROP_RAW_BUCKET", a.RawBucket)
	a.PreviewBucket = readEnv("ROOMDROP_PREVIEW_BUCKET", a.PreviewBucket)

	cfg.normalize()
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat config %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

func (c *Config) normalize() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = defaultMaxFileSize
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = defaultMaxChunkSize
	}
	if c.SizeTolerance < 0 {
		c.SizeTolerance = defaultSizeTolerance
	}
	if c.ScanPrefixBytes <= 0 {
		c.ScanPrefixBytes = defaultScanPrefixBytes
	}
	if c.FanoutLimit <= 0 {
		c.FanoutLimit = defaultFanoutLimit
	}
	if c.SubscriberOutbox <= 0 {
		c.SubscriberOutbox = defaultSubscriberOutbox
	}
	if perFile := int((c.MaxFileSize+c.MaxChunkSize-1)/c.MaxChunkSize) + 1; c.SubscriberOutbox < perFile {
		c.SubscriberOutbox = perFile
	}
	if c.SubscriberWriteTimeout <= 0 {
		c.SubscriberWriteTimeout = defaultWriteTimeout
	}
	if c.IdleSessionTimeout < 0 {
		c.IdleSessionTimeout = 0
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.ProcessingPool <= 0 {
		c.ProcessingPool = defaultWorkerCount
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = defaultWorkerConcurrency
	}
	if c.Archive.RawBucket == "" {
		c.Archive.RawBucket = defaultRawBucket
	}
	if c.Archive.PreviewBucket == "" {
		c.Archive.PreviewBucket = defaultPreviewBucket
	}
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	// time.ParseDuration understands inputs like "5m" or "30s".
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}
