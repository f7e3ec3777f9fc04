// Package server provides the HTTP surface of go-hls-offline.
// It exposes a REST API for the acquisition queue and storage, serves
// downloaded assets back as local HLS playlists or whole files with Range
// support, and pushes task updates to WebSocket clients. Routing uses chi/v5
// with CORS enabled for browser front ends.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/opd-ai/go-hls-offline/internal/downloader"
	"github.com/opd-ai/go-hls-offline/internal/logging"
	"github.com/opd-ai/go-hls-offline/internal/metrics"
	"github.com/opd-ai/go-hls-offline/internal/storage"
	"github.com/opd-ai/go-hls-offline/pkg/config"
)

// Version is reported by /api/status. The CLI overrides it at build time.
var Version = "0.1.0"

// Server represents the HTTP server for go-hls-offline.
type Server struct {
	config     *config.ServerConfig
	logger     *slog.Logger
	storage    *storage.Manager
	downloads  *downloader.Manager
	cache      *storage.CacheManager
	metrics    *metrics.Metrics
	httpServer *http.Server
	router     chi.Router
	startedAt  time.Time

	wsClients map[*WebSocketClient]bool
	wsMutex   sync.RWMutex
}

// New creates a new HTTP server. cache and m may be nil, which disables the
// cleanup endpoint and /metrics respectively. The server registers itself as
// a task observer so WebSocket clients see queue updates.
func New(cfg *config.ServerConfig, store *storage.Manager, downloads *downloader.Manager,
	cache *storage.CacheManager, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		config:    cfg,
		logger:    logger,
		storage:   store,
		downloads: downloads,
		cache:     cache,
		metrics:   m,
		startedAt: time.Now(),
		wsClients: make(map[*WebSocketClient]bool),
	}

	s.router = chi.NewRouter()
	s.setupMiddleware()
	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	downloads.AddObserver(s)

	return s
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(logging.RequestLogger(s.logger))
	if s.metrics != nil {
		s.router.Use(metrics.RequestMiddleware(s.metrics))
	}
	s.router.Use(middleware.Recoverer)

	if s.config.EnableCompression {
		s.router.Use(middleware.Compress(5, "application/json", "application/vnd.apple.mpegurl", "text/vtt"))
	}

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Range"},
		ExposedHeaders:   []string{"Content-Length", "Content-Range", "Accept-Ranges"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/status", s.handleAPIStatus)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleEnqueue)
			r.Get("/{id}", s.handleGetTask)
			r.Delete("/{id}", s.handleCancelTask)
			r.Post("/{id}/quality", s.handleSelectQuality)
			r.Post("/{id}/retry", s.handleRetryTask)
		})

		r.Route("/storage", func(r chi.Router) {
			r.Get("/", s.handleStorageStatus)
			r.Post("/cleanup", s.handleStorageCleanup)
		})

		r.Get("/media", s.handleListMedia)
		r.Get("/media/{id}/episodes", s.handleListEpisodes)
		r.Get("/episodes/{id}", s.handleGetEpisode)
		r.Delete("/episodes/{id}", s.handleDeleteEpisode)
	})

	s.router.Route("/offline/{id}", func(r chi.Router) {
		r.Get("/playlist.m3u8", s.handleOfflinePlaylist)
		r.Get("/init", s.handleOfflineInit)
		r.Get("/segments/{index}", s.handleOfflineSegment)
		r.Get("/subtitles/{lang}.vtt", s.handleOfflineSubtitle)
		r.Get("/file", s.handleOfflineFile)
	})

	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler(s.updateGauges))
	}

	s.router.Get("/ws/progress", s.handleWebSocket)
}

// updateGauges refreshes queue and storage gauges before a scrape.
func (s *Server) updateGauges() {
	stats := s.downloads.GetQueueStats()
	queued := stats.Pending + stats.AwaitingQuality
	if stats.Active {
		queued++
	}
	s.metrics.SetQueueLength(queued)

	acc, err := s.storage.GetAccounting()
	if err != nil {
		s.logger.Warn("Failed to read storage accounting for metrics", "error", err)
		return
	}
	s.metrics.SetStorage(acc.TotalBytes, acc.Utilization)
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		"address", s.httpServer.Addr,
		"read_timeout", s.config.ReadTimeout,
		"write_timeout", s.config.WriteTimeout)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server error: %w", err)
	case <-ctx.Done():
		return s.Stop()
	}
}

// Stop gracefully shuts down the HTTP server.
// Waits up to 30 seconds for active connections to complete.
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Error shutting down HTTP server", "error", err)
		return err
	}

	s.closeWSClients()

	s.logger.Info("HTTP server stopped successfully")
	return nil
}
