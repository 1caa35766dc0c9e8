package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/Norgate-AV/fitscache/internal/kv"
	"github.com/Norgate-AV/fitscache/internal/logging"
)

// Default configuration values
const (
	DefaultStore              = kv.BackendRedis
	DefaultRedisURL           = "redis://localhost:6379/0"
	DefaultBoltPath           = "fitscache.db"
	DefaultContainerType      = "worker"
	DefaultCacheDir           = "fits-cache"
	DefaultFilecacheTotalSize = int64(10 << 30)
	DefaultLockTTL            = 5 * time.Second
	DefaultLockWait           = 10 * time.Second
	DefaultPollInterval       = 100 * time.Millisecond
	DefaultFitsTimeout        = 30 * time.Second
	DefaultResultTTL          = 30 * 24 * time.Hour
	DefaultQueueName          = "fitscache_tasks"
	DefaultConcurrency        = 4
	DefaultMaxRetries         = 3
	DefaultArchiveAPI         = "https://archive-api.lco.global"
	DefaultS3Region           = "us-east-1"
	DefaultS3Bucket           = "datalab-operation-bucket"
	DefaultS3UseSSL           = true
	DefaultLogLevel           = "info"
	DefaultLogFormat          = logging.FormatConsole
	DefaultVerbose            = false
)

// Holds the configuration options for fitscache
type Config struct {
	// Shared store backend (redis or bolt) and its location
	Store    string
	RedisURL string
	BoltPath string

	// Container class; workers of one class share a file cache volume
	ContainerType string

	// Directory holding the cached FITS files
	CacheDir string

	// Byte budget of the file cache
	FilecacheTotalSize int64

	LockTTL      time.Duration
	LockWait     time.Duration
	PollInterval time.Duration
	FitsTimeout  time.Duration

	// Retention of operation state
	ResultTTL time.Duration

	QueueName   string
	Concurrency int
	MaxRetries  int

	// Science archive
	ArchiveAPI      string
	ArchiveAPIToken string

	// Object storage for operation outputs; disabled when S3Endpoint is empty
	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool

	LogLevel  string
	LogFormat string

	// Enable verbose output
	Verbose bool
}

func Load() (*Config, error) {
	cfg := &Config{
		Store:              viper.GetString("store"),
		RedisURL:           viper.GetString("redis_url"),
		BoltPath:           viper.GetString("bolt_path"),
		ContainerType:      viper.GetString("container_type"),
		CacheDir:           viper.GetString("cache_dir"),
		FilecacheTotalSize: viper.GetInt64("filecache_total_size"),
		LockTTL:            viper.GetDuration("lock_ttl"),
		LockWait:           viper.GetDuration("lock_wait"),
		PollInterval:       viper.GetDuration("poll_interval"),
		FitsTimeout:        viper.GetDuration("fits_timeout"),
		ResultTTL:          viper.GetDuration("result_ttl"),
		QueueName:          viper.GetString("queue_name"),
		Concurrency:        viper.GetInt("concurrency"),
		MaxRetries:         viper.GetInt("max_retries"),
		ArchiveAPI:         viper.GetString("archive_api"),
		ArchiveAPIToken:    viper.GetString("archive_api_token"),
		S3Endpoint:         viper.GetString("s3_endpoint"),
		S3Region:           viper.GetString("s3_region"),
		S3AccessKey:        viper.GetString("s3_access_key"),
		S3SecretKey:        viper.GetString("s3_secret_key"),
		S3Bucket:           viper.GetString("s3_bucket"),
		S3UseSSL:           viper.GetBool("s3_use_ssl"),
		LogLevel:           viper.GetString("log_level"),
		LogFormat:          viper.GetString("log_format"),
		Verbose:            viper.GetBool("verbose"),
	}

	cfg.applyDefaults()

	if cfg.Verbose {
		cfg.LogLevel = zerolog.DebugLevel.String()
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills in values left unset
func (c *Config) applyDefaults() {
	setString := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}

	setDuration := func(v *time.Duration, def time.Duration) {
		if *v == 0 {
			*v = def
		}
	}

	setString(&c.Store, DefaultStore)
	setString(&c.RedisURL, DefaultRedisURL)
	setString(&c.BoltPath, DefaultBoltPath)
	setString(&c.ContainerType, DefaultContainerType)
	setString(&c.CacheDir, DefaultCacheDir)
	setString(&c.QueueName, DefaultQueueName)
	setString(&c.ArchiveAPI, DefaultArchiveAPI)
	setString(&c.S3Region, DefaultS3Region)
	setString(&c.S3Bucket, DefaultS3Bucket)
	setString(&c.LogLevel, DefaultLogLevel)
	setString(&c.LogFormat, DefaultLogFormat)

	setDuration(&c.LockTTL, DefaultLockTTL)
	setDuration(&c.LockWait, DefaultLockWait)
	setDuration(&c.PollInterval, DefaultPollInterval)
	setDuration(&c.FitsTimeout, DefaultFitsTimeout)
	setDuration(&c.ResultTTL, DefaultResultTTL)

	if c.FilecacheTotalSize == 0 {
		c.FilecacheTotalSize = DefaultFilecacheTotalSize
	}

	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
}

func (c *Config) Validate() error {
	if c.Store != kv.BackendRedis && c.Store != kv.BackendBolt {
		return fmt.Errorf("invalid store backend: %s", c.Store)
	}

	if c.Store == kv.BackendRedis && c.RedisURL == "" {
		return fmt.Errorf("redis_url is required for the redis store")
	}

	if c.Store == kv.BackendBolt {
		if c.BoltPath == "" {
			return fmt.Errorf("bolt_path is required for the bolt store")
		}

		abs, err := filepath.Abs(c.BoltPath)
		if err != nil {
			return fmt.Errorf("invalid bolt path: %v", err)
		}

		c.BoltPath = abs
	}

	// Resolve cache directory
	abs, err := filepath.Abs(c.CacheDir)
	if err != nil {
		return fmt.Errorf("invalid cache directory: %v", err)
	}

	c.CacheDir = abs

	if c.FilecacheTotalSize <= 0 {
		return fmt.Errorf("filecache_total_size must be positive: %d", c.FilecacheTotalSize)
	}

	for name, d := range map[string]time.Duration{
		"lock_ttl":      c.LockTTL,
		"lock_wait":     c.LockWait,
		"poll_interval": c.PollInterval,
		"fits_timeout":  c.FitsTimeout,
		"result_ttl":    c.ResultTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive: %s", name, d)
		}
	}

	if c.QueueName == "" {
		return fmt.Errorf("queue_name is required")
	}

	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1: %d", c.Concurrency)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative: %d", c.MaxRetries)
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	if !slices.Contains([]string{logging.FormatJSON, logging.FormatConsole}, c.LogFormat) {
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}

	return nil
}

// ObjectStorageEnabled reports whether an S3 endpoint is configured
func (c *Config) ObjectStorageEnabled() bool {
	return c.S3Endpoint != ""
}
