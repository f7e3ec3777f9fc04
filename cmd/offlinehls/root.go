package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/opd-ai/go-hls-offline/internal/downloader"
	"github.com/opd-ai/go-hls-offline/internal/logging"
	"github.com/opd-ai/go-hls-offline/internal/server"
	"github.com/opd-ai/go-hls-offline/internal/storage"
	"github.com/opd-ai/go-hls-offline/internal/transport"
	"github.com/opd-ai/go-hls-offline/pkg/config"
)

var (
	configFile string
	envFile    string
	logLevel   string

	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "offlinehls",
	Short: "Offline HLS acquisition and storage engine",
	Long: `offlinehls downloads HLS streams segment by segment, decrypting AES-128
content, and stores them in a local database for offline playback.
Plain media files are stored in chunks.

Examples:
  # Inspect a playlist and its qualities
  offlinehls inspect https://cdn.example.com/show/ep1/master.m3u8

  # Download one episode at a chosen quality
  offlinehls fetch --episode ep1 --quality 720p https://cdn.example.com/show/ep1/master.m3u8

  # Run the API and playback server
  offlinehls serve --config config.yaml`,
	Version:       server.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initialize()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"config file (YAML); defaults and environment are used when empty")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env",
		"dotenv file loaded before configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level override (debug, info, warn, error)")
}

// initialize loads .env, the configuration and the logger.
func initialize() error {
	if err := config.LoadEnvFile(envFile); err != nil {
		return err
	}

	var err error
	if configFile != "" {
		cfg, err = config.Load(configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger, logCloser, err = logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	return nil
}

// openStorage creates the storage directories and opens the database.
func openStorage() (*storage.Manager, error) {
	if err := cfg.Storage.CreateDirectories(); err != nil {
		return nil, err
	}
	return storage.NewManager(&cfg.Storage, logger)
}

// newDownloads wires the acquisition queue to store with quota enforcement.
func newDownloads(store *storage.Manager) (*downloader.Manager, *storage.CacheManager) {
	downloads := downloader.New(&cfg.Download, transport.New(&cfg.Download, logger), store, logger)
	cache := storage.NewCacheManager(&cfg.Storage, store, downloads.IsActiveEpisode, logger)
	downloads.SetCacheManager(cache)
	return downloads, cache
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
