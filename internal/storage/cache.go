package storage

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/opd-ai/go-hls-offline/pkg/config"
)

// Accounting is derived storage usage; nothing here is persisted.
type Accounting struct {
	MediaCount    int     `json:"media_count"`
	EpisodeCount  int     `json:"episode_count"`
	ChunkedBlobs  int     `json:"chunked_blobs"`
	SegmentBytes  int64   `json:"segment_bytes"`
	ChunkBytes    int64   `json:"chunk_bytes"`
	BlobBytes     int64   `json:"blob_bytes"`
	TotalBytes    int64   `json:"total_bytes"`
	QuotaBytes    int64   `json:"quota_bytes"`
	UsageBytes    int64   `json:"usage_bytes"`
	Utilization   float64 `json:"utilization"`
	Persistent    bool    `json:"persistent"`
	OfflineAssets int     `json:"offline_assets"`
}

// GetAccounting walks every bucket and reports aggregate sizes. UsageBytes
// is the database file size on disk; Persistent is true when commits are
// fsynced.
func (m *Manager) GetAccounting() (*Accounting, error) {
	acc := &Accounting{
		QuotaBytes: m.config.MaxSizeBytes(),
		Persistent: !m.db.NoSync,
	}

	err := m.db.View(func(tx *bbolt.Tx) error {
		acc.MediaCount = tx.Bucket(bucketMedia).Stats().KeyN
		acc.EpisodeCount = tx.Bucket(bucketEpisodes).Stats().KeyN

		acc.SegmentBytes = segmentBytes(tx)
		acc.ChunkBytes, acc.ChunkedBlobs = chunkBytes(tx)

		return tx.Bucket(bucketBlobs).ForEach(func(_, v []byte) error {
			acc.BlobBytes += int64(len(v))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute storage accounting: %w", err)
	}

	acc.TotalBytes = acc.SegmentBytes + acc.ChunkBytes + acc.BlobBytes
	if info, err := os.Stat(m.path); err == nil {
		acc.UsageBytes = info.Size()
	}
	if acc.QuotaBytes > 0 {
		acc.Utilization = float64(acc.TotalBytes) / float64(acc.QuotaBytes)
	}
	acc.OfflineAssets = len(m.OfflineIndex())

	return acc, nil
}

// CacheManager applies the storage quota with LRU eviction of episodes.
type CacheManager struct {
	config    *config.StorageConfig
	storage   *Manager
	protected func(episodeID string) bool
	logger    *slog.Logger
}

// EvictionCandidate is an episode that may be removed, with its score.
type EvictionCandidate struct {
	EpisodeID    string
	ParentID     string
	Size         int64
	LastAccessed time.Time
	Score        float64 // Higher score = evicted first
}

// NewCacheManager creates a cache manager. protected, when non-nil, reports
// episodes that must not be evicted (the active download).
func NewCacheManager(cfg *config.StorageConfig, storage *Manager, protected func(string) bool, logger *slog.Logger) *CacheManager {
	return &CacheManager{
		config:    cfg,
		storage:   storage,
		protected: protected,
		logger:    logger,
	}
}

// GetCacheUtilization returns stored bytes as a fraction of the quota.
func (c *CacheManager) GetCacheUtilization() (float64, error) {
	acc, err := c.storage.GetAccounting()
	if err != nil {
		return 0, err
	}
	return acc.Utilization, nil
}

// NeedsCleanup returns true when utilization reached the eviction threshold.
func (c *CacheManager) NeedsCleanup() (bool, error) {
	utilization, err := c.GetCacheUtilization()
	if err != nil {
		return false, err
	}
	return utilization >= c.config.EvictionThreshold, nil
}

// GetEvictionCandidates returns least recently accessed episodes until
// their sizes add up to targetSize.
func (c *CacheManager) GetEvictionCandidates(targetSize int64) ([]*EvictionCandidate, error) {
	episodes, err := c.storage.ListEpisodes("")
	if err != nil {
		return nil, fmt.Errorf("failed to list episodes: %w", err)
	}

	now := time.Now()
	var candidates []*EvictionCandidate

	for _, ep := range episodes {
		if c.protected != nil && c.protected(ep.ID) {
			continue
		}

		daysSinceAccess := now.Sub(ep.LastAccessed).Hours() / 24
		score := daysSinceAccess

		// Larger assets go first among equally stale ones
		if ep.TotalByteSize > 1024*1024*1024 {
			score += 0.5
		}

		candidates = append(candidates, &EvictionCandidate{
			EpisodeID:    ep.ID,
			ParentID:     ep.ParentID,
			Size:         ep.TotalByteSize,
			LastAccessed: ep.LastAccessed,
			Score:        score,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	var totalSize int64
	var result []*EvictionCandidate
	for _, candidate := range candidates {
		if totalSize >= targetSize {
			break
		}
		result = append(result, candidate)
		totalSize += candidate.Size
	}

	return result, nil
}

// EvictItems deletes the given episodes and returns the bytes freed.
func (c *CacheManager) EvictItems(candidates []*EvictionCandidate) int64 {
	var totalEvicted int64
	var evictedCount int

	for _, candidate := range candidates {
		if err := c.storage.DeleteEpisode(candidate.EpisodeID); err != nil {
			c.logger.Error("Failed to evict episode",
				"episode_id", candidate.EpisodeID,
				"error", err)
			continue
		}

		totalEvicted += candidate.Size
		evictedCount++

		c.logger.Info("Evicted offline episode",
			"episode_id", candidate.EpisodeID,
			"size_mb", candidate.Size/(1024*1024),
			"last_accessed", candidate.LastAccessed.Format(time.RFC3339))
	}

	if evictedCount > 0 {
		c.logger.Info("Cache eviction completed",
			"evicted_count", evictedCount,
			"total_size_mb", totalEvicted/(1024*1024))
	}

	return totalEvicted
}

// EvictToFit frees enough space for incoming more bytes to fit under the
// quota. It reports whether the space is now available.
func (c *CacheManager) EvictToFit(incoming int64) (bool, error) {
	acc, err := c.storage.GetAccounting()
	if err != nil {
		return false, err
	}
	if acc.QuotaBytes <= 0 {
		return true, nil
	}

	overflow := acc.TotalBytes + incoming - acc.QuotaBytes
	if overflow <= 0 {
		return true, nil
	}

	c.logger.Info("Evicting to make room",
		"incoming_bytes", incoming,
		"overflow_bytes", overflow)

	candidates, err := c.GetEvictionCandidates(overflow)
	if err != nil {
		return false, fmt.Errorf("failed to get eviction candidates: %w", err)
	}

	freed := c.EvictItems(candidates)
	return freed >= overflow, nil
}

// CleanupCache evicts down to 70% of the quota once the eviction threshold
// is reached, or to 60% above 95%.
func (c *CacheManager) CleanupCache() error {
	utilization, err := c.GetCacheUtilization()
	if err != nil {
		return fmt.Errorf("failed to check cache utilization: %w", err)
	}

	const emergencyThreshold = 0.95
	isEmergency := utilization >= emergencyThreshold

	if utilization < c.config.EvictionThreshold {
		c.logger.Debug("Cache cleanup not needed",
			"utilization", fmt.Sprintf("%.1f%%", utilization*100))
		return nil
	}

	if isEmergency {
		c.logger.Warn("Emergency cache cleanup triggered",
			"utilization", fmt.Sprintf("%.1f%%", utilization*100))
	} else {
		c.logger.Info("Starting cache cleanup",
			"utilization", fmt.Sprintf("%.1f%%", utilization*100),
			"threshold", fmt.Sprintf("%.1f%%", c.config.EvictionThreshold*100))
	}

	targetUtilization := 0.70
	if isEmergency {
		targetUtilization = 0.60
	}
	targetReduction := int64(float64(c.config.MaxSizeBytes()) * (utilization - targetUtilization))

	candidates, err := c.GetEvictionCandidates(targetReduction)
	if err != nil {
		return fmt.Errorf("failed to get eviction candidates: %w", err)
	}

	if len(candidates) == 0 {
		c.logger.Warn("No eviction candidates found - all items may be protected")
		return nil
	}

	c.EvictItems(candidates)
	if _, err := c.storage.RefreshOfflineIndex(); err != nil {
		c.logger.Warn("Failed to refresh offline index after eviction", "error", err)
	}
	return nil
}
