package config

import (
	"fmt"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// validate performs comprehensive validation of the configuration.
// Returns an error describing the first validation failure found.
func validate(config *Config) error {
	if err := validateStorage(&config.Storage); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := validateDownload(&config.Download); err != nil {
		return fmt.Errorf("download config: %w", err)
	}

	if err := validateServer(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := validateLogging(&config.Logging); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// validateStorage validates storage configuration and directory permissions.
func validateStorage(config *StorageConfig) error {
	if config.Directory == "" {
		return fmt.Errorf("directory is required")
	}

	if err := os.MkdirAll(config.Directory, 0755); err != nil {
		return fmt.Errorf("cannot create storage directory %s: %w", config.Directory, err)
	}

	testFile := filepath.Join(config.Directory, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		return fmt.Errorf("storage directory %s is not writable: %w", config.Directory, err)
	}
	os.Remove(testFile)

	if config.MaxSizeGB <= 0 {
		return fmt.Errorf("max_size_gb must be positive")
	}

	if config.EvictionThreshold <= 0 || config.EvictionThreshold > 1 {
		return fmt.Errorf("eviction_threshold must be between 0 and 1")
	}

	// bbolt values are held in a single mmap page run; keep pieces modest.
	if config.ChunkThresholdMB < 1 || config.ChunkThresholdMB > 64 {
		return fmt.Errorf("chunk_threshold_mb must be between 1 and 64")
	}

	return nil
}

// validateDownload validates download configuration.
func validateDownload(config *DownloadConfig) error {
	if config.SegmentTimeout < time.Second || config.SegmentTimeout > 5*time.Minute {
		return fmt.Errorf("segment_timeout must be between 1s and 5m")
	}

	if config.InitSegmentTimeout < time.Second || config.InitSegmentTimeout > 5*time.Minute {
		return fmt.Errorf("init_segment_timeout must be between 1s and 5m")
	}

	if config.ProbeTimeout < 100*time.Millisecond || config.ProbeTimeout > time.Minute {
		return fmt.Errorf("probe_timeout must be between 100ms and 1m")
	}

	if config.ManifestTimeout < time.Second || config.ManifestTimeout > 5*time.Minute {
		return fmt.Errorf("manifest_timeout must be between 1s and 5m")
	}

	if config.FileTimeout < time.Second || config.FileTimeout > 24*time.Hour {
		return fmt.Errorf("file_timeout must be between 1s and 24h")
	}

	if config.SampleCount < 1 || config.SampleCount > 20 {
		return fmt.Errorf("sample_count must be between 1 and 20")
	}

	if config.RateLimitMbps < 0 {
		return fmt.Errorf("rate_limit_mbps cannot be negative")
	}

	if config.TrustHeaderName != textproto.CanonicalMIMEHeaderKey(config.TrustHeaderName) {
		return fmt.Errorf("trust_header_name must be a canonical header name (e.g., X-Relay-Trust)")
	}

	return nil
}

// validateServer validates HTTP server configuration.
func validateServer(config *ServerConfig) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	if config.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}

	return nil
}

// validateLogging validates logging configuration.
func validateLogging(config *LoggingConfig) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, config.Level) {
		return fmt.Errorf("level must be one of: %s", strings.Join(validLevels, ", "))
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, config.Format) {
		return fmt.Errorf("format must be one of: %s", strings.Join(validFormats, ", "))
	}

	if config.File != "" {
		logDir := filepath.Dir(config.File)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return fmt.Errorf("cannot create log directory %s: %w", logDir, err)
		}
	}

	return nil
}

// contains checks if a slice contains a specific string.
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
