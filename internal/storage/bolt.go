// Package storage persists offline assets in a single BoltDB file.
//
// Layout:
//   - media, episodes: JSON records keyed by id
//   - chunks: one nested bucket per blob id holding fixed-size pieces
//   - segments: one nested bucket per episode id, keyed by segment index
//   - init_segments, blobs, tasks: flat buckets keyed by id
//
// Resuming a download only needs the keys of an episode's nested segment
// bucket; there is no separate progress ledger.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/opd-ai/go-hls-offline/internal/common"
	"github.com/opd-ai/go-hls-offline/pkg/config"
)

// DatabaseFile is the BoltDB file name inside the storage directory.
const DatabaseFile = "offline.db"

var (
	bucketMedia        = []byte("media")
	bucketEpisodes     = []byte("episodes")
	bucketChunks       = []byte("chunks")
	bucketSegments     = []byte("segments")
	bucketInitSegments = []byte("init_segments")
	bucketBlobs        = []byte("blobs")
	bucketTasks        = []byte("tasks")
)

// Manager handles all BoltDB operations for offline assets.
type Manager struct {
	db        *bbolt.DB
	path      string
	chunkSize int
	logger    *slog.Logger
	config    *config.StorageConfig

	indexMu sync.RWMutex
	index   map[string]*EpisodeRecord
}

// NewManager opens (or creates) the database in cfg.Directory and makes
// sure every bucket exists.
func NewManager(cfg *config.StorageConfig, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	dbPath := filepath.Join(cfg.Directory, DatabaseFile)

	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", dbPath, err)
	}

	chunkSize := cfg.ChunkThreshold()
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	manager := &Manager{
		db:        db,
		path:      dbPath,
		chunkSize: chunkSize,
		logger:    logger,
		config:    cfg,
		index:     make(map[string]*EpisodeRecord),
	}

	if err := manager.initializeBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	if _, err := manager.RefreshOfflineIndex(); err != nil {
		logger.Warn("Failed to build offline index", "error", err)
	}

	logger.Info("Storage manager initialized",
		"db_path", dbPath,
		"chunk_size_bytes", chunkSize)

	return manager, nil
}

func (m *Manager) initializeBuckets() error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketMedia,
			bucketEpisodes,
			bucketChunks,
			bucketSegments,
			bucketInitSegments,
			bucketBlobs,
			bucketTasks,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", string(bucket), err)
			}
		}

		return nil
	})
}

// Close closes the database connection gracefully.
func (m *Manager) Close() error {
	m.logger.Info("Closing storage manager")
	return m.db.Close()
}

// Path returns the database file path.
func (m *Manager) Path() string {
	return m.path
}

// ChunkSize returns the chunking threshold and piece size in bytes.
func (m *Manager) ChunkSize() int {
	return m.chunkSize
}

// putJSON marshals v into bucket under key.
func (m *Manager) putJSON(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", string(bucket), err)
	}

	err = m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
	if err != nil {
		return writeError(fmt.Sprintf("failed to store %s record %s", string(bucket), key), err)
	}
	return nil
}

// getJSON loads key from bucket into v. Missing keys yield common.ErrNotFound.
func (m *Manager) getJSON(bucket []byte, key string, v any) error {
	return m.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return common.NewError(common.CodeNotFound, "",
				fmt.Sprintf("%s record %s not found", string(bucket), key), nil)
		}
		return json.Unmarshal(data, v)
	})
}

func writeError(msg string, err error) error {
	return common.NewError(common.CodeStorageWrite, "", msg, err)
}

// indexKey encodes a chunk or segment index so cursor order is numeric order.
func indexKey(i uint32) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, i)
	return k
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
