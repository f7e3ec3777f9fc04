package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opd-ai/go-hls-offline/internal/metrics"
	"github.com/opd-ai/go-hls-offline/internal/server"
	"github.com/opd-ai/go-hls-offline/internal/storage"
)

var serveCleanupInterval time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the acquisition queue with the HTTP API and offline playback server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().DurationVar(&serveCleanupInterval, "cleanup-interval", 10*time.Minute,
		"how often storage utilization is checked against the eviction threshold (0 disables)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStorage()
	if err != nil {
		return err
	}
	defer store.Close()

	downloads, cache := newDownloads(store)

	m := metrics.New()
	downloads.AddObserver(m)

	srv := server.New(&cfg.Server, store, downloads, cache, m, logger)

	if err := downloads.Start(ctx); err != nil {
		return fmt.Errorf("failed to start download manager: %w", err)
	}
	defer downloads.Stop()

	if serveCleanupInterval > 0 {
		go cleanupLoop(ctx, cache, serveCleanupInterval)
	}

	logger.Info("go-hls-offline started",
		"version", server.Version,
		"storage", cfg.Storage.Directory,
		"port", cfg.Server.Port)

	return srv.Start(ctx)
}

// cleanupLoop evicts least recently played episodes whenever utilization
// crosses the configured threshold.
func cleanupLoop(ctx context.Context, cache *storage.CacheManager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			needed, err := cache.NeedsCleanup()
			if err != nil {
				logger.Warn("Failed to check storage utilization", "error", err)
				continue
			}
			if !needed {
				continue
			}
			if err := cache.CleanupCache(); err != nil {
				logger.Error("Storage cleanup failed", "error", err)
			}
		}
	}
}
