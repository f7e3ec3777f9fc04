package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"go.etcd.io/bbolt"

	"github.com/opd-ai/go-hls-offline/internal/common"
)

// DefaultChunkSize is the threshold above which payloads are split, and the
// size of each piece (5 MiB).
const DefaultChunkSize = 5 * 1024 * 1024

// headerKey holds the ChunkHeader inside a blob's nested bucket. Piece keys
// are always 4 bytes long, so the two never collide.
var headerKey = []byte("_header")

// ChunkHeader describes a chunked blob.
type ChunkHeader struct {
	BlobID      string    `json:"blob_id"`
	ChunkCount  int       `json:"chunk_count"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	StoredAt    time.Time `json:"stored_at"`
}

// ChunkCountFor returns the number of pieces a payload of size bytes needs.
func (m *Manager) ChunkCountFor(size int) int {
	if size <= m.chunkSize {
		return 1
	}
	return (size + m.chunkSize - 1) / m.chunkSize
}

// StoreAsChunks writes payload under id and returns the chunk count. Each
// piece is committed in its own transaction, yielding between writes. Any
// previous blob with the same id is replaced. On failure or cancellation the
// partial blob is removed.
func (m *Manager) StoreAsChunks(ctx context.Context, id string, payload []byte, contentType string) (int, error) {
	if id == "" {
		return 0, fmt.Errorf("blob id must not be empty")
	}

	if err := m.DeleteChunks(id); err != nil {
		return 0, err
	}

	count := m.ChunkCountFor(len(payload))

	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			m.discardChunks(id)
			return 0, common.NewError(common.CodeCancelled, "", "chunk write cancelled", err)
		}

		start := i * m.chunkSize
		end := start + m.chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		piece := payload[start:end]

		err := m.db.Update(func(tx *bbolt.Tx) error {
			b, err := tx.Bucket(bucketChunks).CreateBucketIfNotExists([]byte(id))
			if err != nil {
				return err
			}
			return b.Put(indexKey(uint32(i)), piece)
		})
		if err != nil {
			m.discardChunks(id)
			return 0, writeError(fmt.Sprintf("failed to store chunk %d of %s", i, id), err)
		}

		if count > 1 {
			runtime.Gosched()
		}
	}

	header := ChunkHeader{
		BlobID:      id,
		ChunkCount:  count,
		ContentType: contentType,
		Size:        int64(len(payload)),
		StoredAt:    time.Now(),
	}
	data, err := json.Marshal(header)
	if err != nil {
		m.discardChunks(id)
		return 0, fmt.Errorf("failed to marshal chunk header: %w", err)
	}

	err = m.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketChunks).CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return err
		}
		return b.Put(headerKey, data)
	})
	if err != nil {
		m.discardChunks(id)
		return 0, writeError(fmt.Sprintf("failed to store chunk header for %s", id), err)
	}

	m.logger.Debug("Stored chunked blob",
		"blob_id", id,
		"chunks", count,
		"size_bytes", len(payload))

	return count, nil
}

// ReadChunks reassembles the blob stored under id. A count that differs from
// chunkCount is logged but not fatal; chunkCount <= 0 skips the check.
func (m *Manager) ReadChunks(id string, chunkCount int) ([]byte, error) {
	var out []byte
	found := 0

	err := m.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChunks).Bucket([]byte(id))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(k) != 4 {
				continue
			}
			out = append(out, v...)
			found++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read chunks for %s: %w", id, err)
	}

	if found == 0 {
		return nil, common.NewError(common.CodeNotFound, "", fmt.Sprintf("blob %s not found", id), nil)
	}

	if chunkCount > 0 && found != chunkCount {
		m.logger.Warn("Chunk count mismatch",
			"blob_id", id,
			"expected", chunkCount,
			"found", found)
	}

	return out, nil
}

// ChunkHeader returns the header of a fully stored blob.
func (m *Manager) ChunkHeader(id string) (*ChunkHeader, error) {
	var header ChunkHeader
	err := m.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChunks).Bucket([]byte(id))
		if b == nil {
			return common.NewError(common.CodeNotFound, "", fmt.Sprintf("blob %s not found", id), nil)
		}
		data := b.Get(headerKey)
		if data == nil {
			return common.NewError(common.CodeNotFound, "", fmt.Sprintf("blob %s is incomplete", id), nil)
		}
		return json.Unmarshal(data, &header)
	})
	if err != nil {
		return nil, err
	}
	return &header, nil
}

// DeleteChunks removes every piece of id. Deleting an unknown id is a no-op.
func (m *Manager) DeleteChunks(id string) error {
	err := m.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket(bucketChunks).DeleteBucket([]byte(id))
		if err == bbolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return writeError(fmt.Sprintf("failed to delete chunks for %s", id), err)
	}
	return nil
}

func (m *Manager) discardChunks(id string) {
	if err := m.DeleteChunks(id); err != nil {
		m.logger.Warn("Failed to discard partial blob", "blob_id", id, "error", err)
	}
}

// chunkBytes sums piece sizes across all blobs.
func chunkBytes(tx *bbolt.Tx) (int64, int) {
	var total int64
	blobs := 0
	root := tx.Bucket(bucketChunks)
	_ = root.ForEach(func(k, v []byte) error {
		b := root.Bucket(k)
		if v != nil || b == nil {
			return nil
		}
		blobs++
		return b.ForEach(func(key, val []byte) error {
			if len(key) == 4 {
				total += int64(len(val))
			}
			return nil
		})
	})
	return total, blobs
}
