// Package config provides configuration management for go-hls-offline.
// It uses koanf for loading YAML files, godotenv for local .env overrides,
// and validates every section before the config is handed out.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Environment variables that override values from the YAML file.
const (
	EnvTrustHeader = "OFFLINEHLS_TRUST_HEADER"
	EnvStorageDir  = "OFFLINEHLS_STORAGE_DIR"
	EnvLogLevel    = "OFFLINEHLS_LOG_LEVEL"
	EnvServerPort  = "OFFLINEHLS_SERVER_PORT"
)

// Config holds the complete configuration for the go-hls-offline application.
type Config struct {
	Storage  StorageConfig  `koanf:"storage"`
	Download DownloadConfig `koanf:"download"`
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// StorageConfig defines where offline assets live and how much room they get.
type StorageConfig struct {
	Directory         string  `koanf:"directory"`
	MaxSizeGB         int     `koanf:"max_size_gb"`
	EvictionThreshold float64 `koanf:"eviction_threshold"`
	ChunkThresholdMB  int     `koanf:"chunk_threshold_mb"`
	ExportDirectory   string  `koanf:"export_directory"`
}

// ChunkThreshold returns the chunking threshold in bytes.
func (c *StorageConfig) ChunkThreshold() int {
	return c.ChunkThresholdMB * 1024 * 1024
}

// MaxSizeBytes returns the storage quota in bytes.
func (c *StorageConfig) MaxSizeBytes() int64 {
	return int64(c.MaxSizeGB) * 1024 * 1024 * 1024
}

// DownloadConfig controls segment fetching, size probing and bandwidth.
type DownloadConfig struct {
	SegmentTimeout     time.Duration `koanf:"segment_timeout"`
	InitSegmentTimeout time.Duration `koanf:"init_segment_timeout"`
	ProbeTimeout       time.Duration `koanf:"probe_timeout"`
	ManifestTimeout    time.Duration `koanf:"manifest_timeout"`
	FileTimeout        time.Duration `koanf:"file_timeout"`
	SampleCount        int           `koanf:"sample_count"`
	RateLimitMbps      int           `koanf:"rate_limit_mbps"`
	UserAgent          string        `koanf:"user_agent"`
	TrustHeaderName    string        `koanf:"trust_header_name"`
	TrustHeader        string        `koanf:"trust_header"`
	FetchSubtitles     bool          `koanf:"fetch_subtitles"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port              int           `koanf:"port"`
	Host              string        `koanf:"host"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	EnableCompression bool          `koanf:"enable_compression"`
}

// LoggingConfig defines logging behavior and output format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	File   string `koanf:"file"`
}

// Load reads configuration from the specified YAML file, applies .env and
// environment overrides, fills defaults and validates the result.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return finalize(&config)
}

// LoadDefault builds a configuration from defaults and environment only.
// Used when no config file is supplied on the command line.
func LoadDefault() (*Config, error) {
	return finalize(&Config{})
}

func finalize(config *Config) (*Config, error) {
	applyEnvOverrides(config)
	applyDefaults(config)

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// LoadEnvFile loads a .env file into the process environment. A missing file
// is not an error.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}

	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}

	return nil
}

// applyEnvOverrides copies supported environment variables over file values.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv(EnvTrustHeader); v != "" {
		config.Download.TrustHeader = v
	}
	if v := os.Getenv(EnvStorageDir); v != "" {
		config.Storage.Directory = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv(EnvServerPort); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			config.Server.Port = port
		}
	}
}

// applyDefaults sets sensible defaults for configuration values that weren't specified.
func applyDefaults(config *Config) {
	// Storage defaults
	if config.Storage.Directory == "" {
		config.Storage.Directory = "./offline"
	}
	if config.Storage.MaxSizeGB == 0 {
		config.Storage.MaxSizeGB = 50
	}
	if config.Storage.EvictionThreshold == 0 {
		config.Storage.EvictionThreshold = 0.9
	}
	if config.Storage.ChunkThresholdMB == 0 {
		config.Storage.ChunkThresholdMB = 5
	}

	// Download defaults
	if config.Download.SegmentTimeout == 0 {
		config.Download.SegmentTimeout = 30 * time.Second
	}
	if config.Download.InitSegmentTimeout == 0 {
		config.Download.InitSegmentTimeout = 30 * time.Second
	}
	if config.Download.ProbeTimeout == 0 {
		config.Download.ProbeTimeout = 5 * time.Second
	}
	if config.Download.ManifestTimeout == 0 {
		config.Download.ManifestTimeout = 15 * time.Second
	}
	if config.Download.FileTimeout == 0 {
		config.Download.FileTimeout = time.Hour
	}
	if config.Download.SampleCount == 0 {
		config.Download.SampleCount = 3
	}
	if config.Download.UserAgent == "" {
		config.Download.UserAgent = "go-hls-offline/1.0"
	}
	if config.Download.TrustHeaderName == "" {
		config.Download.TrustHeaderName = "X-Relay-Trust"
	}

	// Server defaults
	if config.Server.Port == 0 {
		config.Server.Port = 8080
	}
	if config.Server.Host == "" {
		config.Server.Host = "127.0.0.1"
	}
	if config.Server.ReadTimeout == 0 {
		config.Server.ReadTimeout = 15 * time.Second
	}
	if config.Server.WriteTimeout == 0 {
		config.Server.WriteTimeout = 60 * time.Second
	}

	// Logging defaults
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "json"
	}
}

// GetLogLevel converts the string log level to slog.Level.
// Returns slog.LevelInfo for invalid or unknown levels.
func (c *LoggingConfig) GetLogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// CreateDirectories ensures the storage and export directories exist.
func (c *StorageConfig) CreateDirectories() error {
	directories := []string{c.Directory}
	if c.ExportDirectory != "" {
		directories = append(directories, c.ExportDirectory)
	}

	for _, dir := range directories {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
