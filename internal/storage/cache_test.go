package storage

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestCacheManager(t *testing.T, manager *Manager, protected func(string) bool) *CacheManager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	return NewCacheManager(manager.config, manager, protected, logger)
}

func TestGetAccounting(t *testing.T) {
	manager := createTestManager(t, t.TempDir())

	require.NoError(t, manager.PutMedia(&MediaRecord{ID: "m"}))
	require.NoError(t, manager.PutEpisode(&EpisodeRecord{ID: "ep", ParentID: "m", IsSegmented: true, SegmentCount: 2}))
	require.NoError(t, manager.PutSegment("ep", 0, make([]byte, 100), 1))
	require.NoError(t, manager.PutSegment("ep", 1, make([]byte, 50), 1))
	require.NoError(t, manager.PutInitSegment("ep", make([]byte, 10)))
	_, err := manager.StoreAsChunks(context.Background(), "asset:film", make([]byte, 1000), "video/mp4")
	require.NoError(t, err)
	_, err = manager.RefreshOfflineIndex()
	require.NoError(t, err)

	acc, err := manager.GetAccounting()
	require.NoError(t, err)

	assert.Equal(t, 1, acc.MediaCount)
	assert.Equal(t, 1, acc.EpisodeCount)
	assert.Equal(t, 1, acc.ChunkedBlobs)
	assert.Equal(t, int64(160), acc.SegmentBytes)
	assert.Equal(t, int64(1000), acc.ChunkBytes)
	assert.Equal(t, int64(1160), acc.TotalBytes)
	assert.Equal(t, int64(1024*1024*1024), acc.QuotaBytes)
	assert.Greater(t, acc.UsageBytes, int64(0))
	assert.True(t, acc.Persistent)
	assert.Equal(t, 1, acc.OfflineAssets)
}

func TestEvictionCandidatesLRU(t *testing.T) {
	manager := createTestManager(t, t.TempDir())
	now := time.Now()

	for i, age := range []time.Duration{1, 72, 24} {
		id := []string{"recent", "oldest", "middle"}[i]
		accessed := now.Add(-age * time.Hour)
		require.NoError(t, manager.PutEpisode(&EpisodeRecord{
			ID: id, ParentID: "m", TotalByteSize: 100,
			DownloadedAt: accessed, LastAccessed: accessed,
		}))
	}

	cache := createTestCacheManager(t, manager, func(id string) bool { return id == "middle" })

	candidates, err := cache.GetEvictionCandidates(150)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "oldest", candidates[0].EpisodeID)
	assert.Equal(t, "recent", candidates[1].EpisodeID, "protected episodes are skipped")
}

func TestEvictToFit(t *testing.T) {
	manager := createTestManager(t, t.TempDir())
	manager.config.MaxSizeGB = 1
	quota := manager.config.MaxSizeBytes()

	old := time.Now().Add(-time.Hour)
	require.NoError(t, manager.PutEpisode(&EpisodeRecord{
		ID: "old", ParentID: "m", IsSegmented: true, SegmentCount: 1,
		TotalByteSize: 4096, DownloadedAt: old, LastAccessed: old,
	}))
	require.NoError(t, manager.PutSegment("old", 0, make([]byte, 4096), 2))

	cache := createTestCacheManager(t, manager, nil)

	ok, err := cache.EvictToFit(1024)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = manager.GetEpisode("old")
	require.NoError(t, err, "nothing evicted while under quota")

	ok, err = cache.EvictToFit(quota)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = manager.GetEpisode("old")
	assert.Error(t, err, "oldest episode evicted to make room")
}

func TestNeedsCleanup(t *testing.T) {
	manager := createTestManager(t, t.TempDir())
	cache := createTestCacheManager(t, manager, nil)

	needs, err := cache.NeedsCleanup()
	require.NoError(t, err)
	assert.False(t, needs)

	require.NoError(t, cache.CleanupCache())
}
