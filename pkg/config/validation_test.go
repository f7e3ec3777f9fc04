package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validDownloadConfig() DownloadConfig {
	return DownloadConfig{
		SegmentTimeout:     30 * time.Second,
		InitSegmentTimeout: 30 * time.Second,
		ProbeTimeout:       5 * time.Second,
		ManifestTimeout:    15 * time.Second,
		FileTimeout:        time.Hour,
		SampleCount:        3,
		TrustHeaderName:    "X-Relay-Trust",
	}
}

func TestValidateDownload(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *DownloadConfig)
		wantError bool
	}{
		{"defaults are valid", func(c *DownloadConfig) {}, false},
		{"probe timeout at minimum", func(c *DownloadConfig) { c.ProbeTimeout = 100 * time.Millisecond }, false},
		{"probe timeout below minimum", func(c *DownloadConfig) { c.ProbeTimeout = 50 * time.Millisecond }, true},
		{"zero samples", func(c *DownloadConfig) { c.SampleCount = 0 }, true},
		{"too many samples", func(c *DownloadConfig) { c.SampleCount = 21 }, true},
		{"negative rate limit", func(c *DownloadConfig) { c.RateLimitMbps = -1 }, true},
		{"init timeout too large", func(c *DownloadConfig) { c.InitSegmentTimeout = 10 * time.Minute }, true},
		{"manifest timeout unset", func(c *DownloadConfig) { c.ManifestTimeout = 0 }, true},
		{"file timeout too large", func(c *DownloadConfig) { c.FileTimeout = 48 * time.Hour }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDownloadConfig()
			tt.mutate(&cfg)
			err := validateDownload(&cfg)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateStorage(t *testing.T) {
	base := func(t *testing.T) StorageConfig {
		return StorageConfig{
			Directory:         t.TempDir(),
			MaxSizeGB:         10,
			EvictionThreshold: 0.9,
			ChunkThresholdMB:  5,
		}
	}

	t.Run("valid", func(t *testing.T) {
		cfg := base(t)
		assert.NoError(t, validateStorage(&cfg))
	})

	t.Run("missing directory", func(t *testing.T) {
		cfg := base(t)
		cfg.Directory = ""
		assert.Error(t, validateStorage(&cfg))
	})

	t.Run("threshold above one", func(t *testing.T) {
		cfg := base(t)
		cfg.EvictionThreshold = 1.5
		assert.Error(t, validateStorage(&cfg))
	})

	t.Run("chunk threshold too large", func(t *testing.T) {
		cfg := base(t)
		cfg.ChunkThresholdMB = 128
		assert.Error(t, validateStorage(&cfg))
	})
}

func TestValidateLogging(t *testing.T) {
	assert.NoError(t, validateLogging(&LoggingConfig{Level: "info", Format: "json"}))
	assert.Error(t, validateLogging(&LoggingConfig{Level: "trace", Format: "json"}))
	assert.Error(t, validateLogging(&LoggingConfig{Level: "info", Format: "yaml"}))
}
