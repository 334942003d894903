// Package config loads engine configuration from defaults, an optional
// config file and RECSTORE_* environment variables.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"recstore/pkg/dberror"
	"recstore/pkg/logging"
)

// EnvPrefix is prepended to every environment variable the loader reads.
// RECSTORE_PAGE_SIZE sets page_size, RECSTORE_LOGGING_LEVEL sets logging.level.
const EnvPrefix = "RECSTORE"

const (
	DefaultPageSize        = 4096
	MinPageSize            = 512
	MaxPageSize            = 32768
	DefaultCachePages      = 256
	DefaultLogBufferSize   = 64 * 1024
	DefaultLockTimeout     = 2 * time.Second
	DefaultLogFileName     = "recstore.log"
	DefaultPageFileName    = "recstore.pages"
	minLogBufferSize       = 1024
	minBufferCacheSizePage = 2
)

// Config is the full engine configuration.
type Config struct {
	LogFilePath            string        `mapstructure:"log_file_path"`
	PageFilePath           string        `mapstructure:"page_file_path"`
	PageSize               int           `mapstructure:"page_size"`
	BufferCacheSizeInPages int           `mapstructure:"buffer_cache_size_in_pages"`
	LogBufferSize          int           `mapstructure:"log_buffer_size"`
	LockTimeout            time.Duration `mapstructure:"lock_timeout"`

	// CheckpointInterval enables background checkpoints when positive.
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`

	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type MetricsConfig struct {
	// Addr is the listen address of the metrics exporter, e.g. ":9120".
	Addr string `mapstructure:"addr"`
}

// Default returns a configuration with files in the working directory.
func Default() Config {
	return Config{
		LogFilePath:            DefaultLogFileName,
		PageFilePath:           DefaultPageFileName,
		PageSize:               DefaultPageSize,
		BufferCacheSizeInPages: DefaultCachePages,
		LogBufferSize:          DefaultLogBufferSize,
		LockTimeout:            DefaultLockTimeout,
		Logging: LoggingConfig{
			Level:  string(logging.LevelInfo),
			Format: "text",
		},
	}
}

// InDir returns Default with both files placed in dir.
func InDir(dir string) Config {
	c := Default()
	c.LogFilePath = filepath.Join(dir, DefaultLogFileName)
	c.PageFilePath = filepath.Join(dir, DefaultPageFileName)
	return c
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log_file_path", d.LogFilePath)
	v.SetDefault("page_file_path", d.PageFilePath)
	v.SetDefault("page_size", d.PageSize)
	v.SetDefault("buffer_cache_size_in_pages", d.BufferCacheSizeInPages)
	v.SetDefault("log_buffer_size", d.LogBufferSize)
	v.SetDefault("lock_timeout", d.LockTimeout)
	v.SetDefault("checkpoint_interval", d.CheckpointInterval)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output_path", d.Logging.OutputPath)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// Load reads configuration. path may be empty; when set it names a YAML,
// TOML or JSON file. Environment variables override the file, which
// overrides the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, dberror.InvalidConfig(fmt.Sprintf("read %s: %v", path, err))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, dberror.InvalidConfig(fmt.Sprintf("unmarshal: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants the engine relies on.
func (c Config) Validate() error {
	switch {
	case c.LogFilePath == "":
		return dberror.InvalidConfig("log_file_path is empty")
	case c.PageFilePath == "":
		return dberror.InvalidConfig("page_file_path is empty")
	case filepath.Clean(c.LogFilePath) == filepath.Clean(c.PageFilePath):
		return dberror.InvalidConfig("log_file_path and page_file_path name the same file")
	case c.PageSize < MinPageSize || c.PageSize > MaxPageSize || c.PageSize&(c.PageSize-1) != 0:
		return dberror.InvalidConfig(fmt.Sprintf("page_size %d must be a power of two in [%d, %d]", c.PageSize, MinPageSize, MaxPageSize))
	case c.BufferCacheSizeInPages < minBufferCacheSizePage:
		return dberror.InvalidConfig(fmt.Sprintf("buffer_cache_size_in_pages %d is below %d", c.BufferCacheSizeInPages, minBufferCacheSizePage))
	case c.LogBufferSize < minLogBufferSize:
		return dberror.InvalidConfig(fmt.Sprintf("log_buffer_size %d is below %d", c.LogBufferSize, minLogBufferSize))
	case c.LockTimeout <= 0:
		return dberror.InvalidConfig("lock_timeout must be positive")
	case c.CheckpointInterval < 0:
		return dberror.InvalidConfig("checkpoint_interval must not be negative")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return dberror.InvalidConfig(err.Error())
	}
	if c.Logging.Format != "" && c.Logging.Format != "text" && c.Logging.Format != "json" {
		return dberror.InvalidConfig(fmt.Sprintf("logging.format %q must be text or json", c.Logging.Format))
	}
	return nil
}

// LoggerConfig converts the logging section for logging.Init.
func (c Config) LoggerConfig() logging.Config {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return logging.Config{
		Level:      level,
		Format:     c.Logging.Format,
		OutputPath: c.Logging.OutputPath,
	}
}
