package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name       string
		configYAML string
		wantError  bool
		errorMatch string
	}{
		{
			name: "valid minimal config",
			configYAML: `
logging:
  level: "warn"
`,
			wantError: false,
		},
		{
			name: "complete valid config",
			configYAML: `
storage:
  max_size_gb: 20
  eviction_threshold: 0.8
  chunk_threshold_mb: 8

download:
  segment_timeout: "45s"
  init_segment_timeout: "20s"
  probe_timeout: "3s"
  sample_count: 5
  rate_limit_mbps: 40
  user_agent: "test-agent/2.0"
  trust_header_name: "X-Proxy-Token"
  fetch_subtitles: true

server:
  port: 9090
  host: "0.0.0.0"
  read_timeout: "30s"
  write_timeout: "30s"
  enable_compression: true

logging:
  level: "debug"
  format: "text"
`,
			wantError: false,
		},
		{
			name: "invalid port",
			configYAML: `
server:
  port: 70000
`,
			wantError:  true,
			errorMatch: "port must be between 1 and 65535",
		},
		{
			name: "invalid log format",
			configYAML: `
logging:
  format: "xml"
`,
			wantError:  true,
			errorMatch: "format must be one of",
		},
		{
			name: "segment timeout too small",
			configYAML: `
download:
  segment_timeout: "10ms"
`,
			wantError:  true,
			errorMatch: "segment_timeout must be between",
		},
		{
			name: "non canonical trust header",
			configYAML: `
download:
  trust_header_name: "x-relay-trust"
`,
			wantError:  true,
			errorMatch: "canonical header name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")

			yaml := tt.configYAML + "\n"
			if !strings.Contains(yaml, "storage:") {
				yaml += "storage:\n  directory: \"" + filepath.Join(tmpDir, "offline") + "\"\n"
			} else {
				yaml = strings.Replace(yaml, "storage:\n", "storage:\n  directory: \""+filepath.Join(tmpDir, "offline")+"\"\n", 1)
			}

			require.NoError(t, os.WriteFile(configPath, []byte(yaml), 0644))

			cfg, err := Load(configPath)

			if tt.wantError {
				require.Error(t, err)
				if tt.errorMatch != "" {
					assert.Contains(t, err.Error(), tt.errorMatch)
				}
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)
			assert.Equal(t, filepath.Join(tmpDir, "offline"), cfg.Storage.Directory)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyDefaults(t *testing.T) {
	config := &Config{}
	applyDefaults(config)

	assert.Equal(t, "./offline", config.Storage.Directory)
	assert.Equal(t, 50, config.Storage.MaxSizeGB)
	assert.Equal(t, 5, config.Storage.ChunkThresholdMB)
	assert.Equal(t, 5*1024*1024, config.Storage.ChunkThreshold())
	assert.Equal(t, 30*time.Second, config.Download.SegmentTimeout)
	assert.Equal(t, 30*time.Second, config.Download.InitSegmentTimeout)
	assert.Equal(t, 5*time.Second, config.Download.ProbeTimeout)
	assert.Equal(t, 15*time.Second, config.Download.ManifestTimeout)
	assert.Equal(t, time.Hour, config.Download.FileTimeout)
	assert.Equal(t, 3, config.Download.SampleCount)
	assert.Equal(t, "X-Relay-Trust", config.Download.TrustHeaderName)
	assert.Equal(t, 8080, config.Server.Port)
	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "json", config.Logging.Format)
}

func TestEnvOverrides(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "env-storage")
	t.Setenv(EnvTrustHeader, "secret-token")
	t.Setenv(EnvStorageDir, dir)
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvServerPort, "9191")

	cfg, err := LoadDefault()
	require.NoError(t, err)

	assert.Equal(t, "secret-token", cfg.Download.TrustHeader)
	assert.Equal(t, dir, cfg.Storage.Directory)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 9191, cfg.Server.Port)
}

func TestLoadEnvFile(t *testing.T) {
	tmpDir := t.TempDir()
	envPath := filepath.Join(tmpDir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte(EnvTrustHeader+"=from-dotenv\n"), 0644))

	t.Setenv(EnvTrustHeader, "")
	os.Unsetenv(EnvTrustHeader)
	t.Setenv(EnvStorageDir, filepath.Join(tmpDir, "store"))

	require.NoError(t, LoadEnvFile(envPath))
	assert.Equal(t, "from-dotenv", os.Getenv(EnvTrustHeader))

	// Missing files are skipped.
	assert.NoError(t, LoadEnvFile(filepath.Join(tmpDir, "nope.env")))
}

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &LoggingConfig{Level: tt.level}
			assert.Equal(t, tt.want, cfg.GetLogLevel())
		})
	}
}

func TestCreateDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := &StorageConfig{
		Directory:       filepath.Join(tmpDir, "data"),
		ExportDirectory: filepath.Join(tmpDir, "exports"),
	}

	require.NoError(t, cfg.CreateDirectories())
	assert.DirExists(t, cfg.Directory)
	assert.DirExists(t, cfg.ExportDirectory)
}
