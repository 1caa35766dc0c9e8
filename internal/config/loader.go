package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FITSCACHE_REDIS_URL
const EnvPrefix = "FITSCACHE"

var configExts = []string{"yml", "yaml", "json", "toml"}

// Loader handles configuration loading from various sources.
// Later sources win: defaults, global file, local file, environment, flags.
type Loader struct {
	// GlobalDir overrides the global configuration directory
	GlobalDir string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{}
}

// Load loads configuration for a command
func (l *Loader) Load(cmd *cobra.Command) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	l.setupViperDefaults()
	l.setupEnv()
	l.loadGlobalConfig()
	l.loadLocalConfig()
	l.bindCommandFlags(cmd)

	return Load()
}

// setupViperDefaults sets up default values for viper
func (l *Loader) setupViperDefaults() {
	viper.SetDefault("store", DefaultStore)
	viper.SetDefault("redis_url", DefaultRedisURL)
	viper.SetDefault("bolt_path", DefaultBoltPath)
	viper.SetDefault("container_type", DefaultContainerType)
	viper.SetDefault("cache_dir", DefaultCacheDir)
	viper.SetDefault("filecache_total_size", DefaultFilecacheTotalSize)
	viper.SetDefault("lock_ttl", DefaultLockTTL)
	viper.SetDefault("lock_wait", DefaultLockWait)
	viper.SetDefault("poll_interval", DefaultPollInterval)
	viper.SetDefault("fits_timeout", DefaultFitsTimeout)
	viper.SetDefault("result_ttl", DefaultResultTTL)
	viper.SetDefault("queue_name", DefaultQueueName)
	viper.SetDefault("concurrency", DefaultConcurrency)
	viper.SetDefault("max_retries", DefaultMaxRetries)
	viper.SetDefault("archive_api", DefaultArchiveAPI)
	viper.SetDefault("archive_api_token", "")
	viper.SetDefault("s3_endpoint", "")
	viper.SetDefault("s3_region", DefaultS3Region)
	viper.SetDefault("s3_access_key", "")
	viper.SetDefault("s3_secret_key", "")
	viper.SetDefault("s3_bucket", DefaultS3Bucket)
	viper.SetDefault("s3_use_ssl", DefaultS3UseSSL)
	viper.SetDefault("log_level", DefaultLogLevel)
	viper.SetDefault("log_format", DefaultLogFormat)
	viper.SetDefault("verbose", DefaultVerbose)
}

// setupEnv maps FITSCACHE_* variables onto config keys
func (l *Loader) setupEnv() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// globalDir returns the directory holding the global config file
func (l *Loader) globalDir() string {
	if l.GlobalDir != "" {
		return l.GlobalDir
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}

	return filepath.Join(dir, "fitscache")
}

// loadGlobalConfig loads global configuration from the user config directory
func (l *Loader) loadGlobalConfig() {
	globalDir := l.globalDir()
	if globalDir == "" {
		return
	}

	for _, ext := range configExts {
		globalPath := filepath.Join(globalDir, "config."+ext)

		if _, err := os.Stat(globalPath); err == nil {
			viper.SetConfigFile(globalPath)

			if err := viper.ReadInConfig(); err == nil {
				break
			}
		}
	}
}

// loadLocalConfig merges the nearest .fitscache.* file over the global one
func (l *Loader) loadLocalConfig() {
	cwd, err := os.Getwd()
	if err != nil {
		return // silently ignore, config.Load() will handle validation
	}

	localPath := FindLocalConfig(cwd)
	if localPath != "" {
		viper.SetConfigFile(localPath)
		_ = viper.MergeInConfig()
	}
}

// bindCommandFlags binds every flag that names a config key, so
// --redis-url sets redis_url
func (l *Loader) bindCommandFlags(cmd *cobra.Command) {
	if cmd == nil {
		return
	}

	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if isConfigKey(key) {
			_ = viper.BindPFlag(key, f)
		}
	})
}

func isConfigKey(key string) bool {
	switch key {
	case "store", "redis_url", "bolt_path", "container_type", "cache_dir",
		"filecache_total_size", "lock_ttl", "lock_wait", "poll_interval",
		"fits_timeout", "result_ttl", "queue_name", "concurrency", "max_retries",
		"archive_api", "archive_api_token", "s3_endpoint", "s3_region",
		"s3_access_key", "s3_secret_key", "s3_bucket", "s3_use_ssl",
		"log_level", "log_format", "verbose":
		return true
	}

	return false
}
