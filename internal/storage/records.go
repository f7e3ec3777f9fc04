package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/opd-ai/go-hls-offline/internal/common"
)

// MediaRecord is the parent of one or more episodes (a film, a series).
// Key pattern: {media-id}
type MediaRecord struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"provider_id,omitempty"`
	Title      string    `json:"title,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EpisodeRecord is one persisted asset. Segmented assets have SegmentCount
// records in the segments bucket; whole assets have ChunkCount pieces.
// Key pattern: {episode-id}
type EpisodeRecord struct {
	ID             string    `json:"id"`
	ParentID       string    `json:"parent_id"`
	SequenceNumber int       `json:"sequence_number"`
	Title          string    `json:"title,omitempty"`
	SourceURL      string    `json:"source_url,omitempty"`
	Quality        string    `json:"quality,omitempty"`
	TotalByteSize  int64     `json:"total_byte_size"`
	IsSegmented    bool      `json:"is_segmented"`
	SegmentCount   int       `json:"segment_count,omitempty"`
	TotalDuration  float64   `json:"total_duration_seconds,omitempty"`
	HasInitSegment bool      `json:"has_init_segment,omitempty"`
	ChunkCount     int       `json:"chunk_count,omitempty"`
	ContentType    string    `json:"content_type,omitempty"`
	Subtitles      []string  `json:"subtitles,omitempty"`
	DownloadedAt   time.Time `json:"downloaded_at"`
	LastAccessed   time.Time `json:"last_accessed"`
}

// BlobID returns the chunk blob id of a whole (non-segmented) asset.
func (e *EpisodeRecord) BlobID() string {
	return "asset:" + e.ID
}

// SubtitleBlobID names the small blob holding one subtitle track.
func SubtitleBlobID(episodeID, language string) string {
	return fmt.Sprintf("sub:%s:%s", episodeID, language)
}

// TaskRecord persists a queued acquisition so it survives a restart.
// Key pattern: {task-id}
type TaskRecord struct {
	ID              string    `json:"id"`
	MediaID         string    `json:"media_id"`
	EpisodeID       string    `json:"episode_id"`
	ProviderID      string    `json:"provider_id,omitempty"`
	Title           string    `json:"title,omitempty"`
	SequenceNumber  int       `json:"sequence_number"`
	URL             string    `json:"url"`
	TrustHeader     string    `json:"trust_header,omitempty"`
	Kind            string    `json:"kind,omitempty"`
	Status          string    `json:"status"`
	SelectedQuality string    `json:"selected_quality,omitempty"`
	QualityURL      string    `json:"quality_url,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// blobRecord is the stored form of a small blob.
type blobRecord struct {
	ContentType string    `json:"content_type"`
	Data        []byte    `json:"data"`
	StoredAt    time.Time `json:"stored_at"`
}

// PutMedia stores a media record, keeping the original CreatedAt.
func (m *Manager) PutMedia(record *MediaRecord) error {
	if record.ID == "" {
		return fmt.Errorf("media record must have ID")
	}

	var existing MediaRecord
	if err := m.getJSON(bucketMedia, record.ID, &existing); err == nil {
		record.CreatedAt = existing.CreatedAt
	} else if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	record.UpdatedAt = time.Now()

	return m.putJSON(bucketMedia, record.ID, record)
}

// GetMedia loads a media record.
func (m *Manager) GetMedia(id string) (*MediaRecord, error) {
	var record MediaRecord
	if err := m.getJSON(bucketMedia, id, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListMedia returns all media records.
func (m *Manager) ListMedia() ([]*MediaRecord, error) {
	var records []*MediaRecord

	err := m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMedia).ForEach(func(k, v []byte) error {
			var record MediaRecord
			if err := json.Unmarshal(v, &record); err != nil {
				m.logger.Warn("Failed to unmarshal media record",
					"key", string(k),
					"error", err)
				return nil
			}
			records = append(records, &record)
			return nil
		})
	})

	return records, err
}

// PutEpisode stores an episode record.
func (m *Manager) PutEpisode(record *EpisodeRecord) error {
	if record.ID == "" || record.ParentID == "" {
		return fmt.Errorf("episode record must have ID and ParentID")
	}
	if record.DownloadedAt.IsZero() {
		record.DownloadedAt = time.Now()
	}
	if record.LastAccessed.IsZero() {
		record.LastAccessed = record.DownloadedAt
	}

	if err := m.putJSON(bucketEpisodes, record.ID, record); err != nil {
		return err
	}

	m.logger.Debug("Episode record stored",
		"episode_id", record.ID,
		"parent_id", record.ParentID,
		"segmented", record.IsSegmented,
		"size_bytes", record.TotalByteSize)

	return nil
}

// GetEpisode loads an episode record.
func (m *Manager) GetEpisode(id string) (*EpisodeRecord, error) {
	var record EpisodeRecord
	if err := m.getJSON(bucketEpisodes, id, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListEpisodes returns episode records ordered by parent then sequence
// number, optionally filtered by parent id.
func (m *Manager) ListEpisodes(parentID string) ([]*EpisodeRecord, error) {
	var records []*EpisodeRecord

	err := m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEpisodes).ForEach(func(k, v []byte) error {
			var record EpisodeRecord
			if err := json.Unmarshal(v, &record); err != nil {
				m.logger.Warn("Failed to unmarshal episode record",
					"key", string(k),
					"error", err)
				return nil
			}
			if parentID != "" && record.ParentID != parentID {
				return nil
			}
			records = append(records, &record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].ParentID != records[j].ParentID {
			return records[i].ParentID < records[j].ParentID
		}
		return records[i].SequenceNumber < records[j].SequenceNumber
	})

	return records, nil
}

// TouchEpisode records a playback access for LRU eviction.
func (m *Manager) TouchEpisode(id string) error {
	record, err := m.GetEpisode(id)
	if err != nil {
		return err
	}
	record.LastAccessed = time.Now()
	return m.putJSON(bucketEpisodes, id, record)
}

// DeleteEpisode removes an episode record together with its segments, init
// segment, chunks and subtitle blobs. The parent media record is removed
// when it has no episodes left. Unknown ids are a no-op.
func (m *Manager) DeleteEpisode(id string) error {
	record, err := m.GetEpisode(id)
	if err != nil && !isNotFound(err) {
		return err
	}

	if err := m.DeleteSegments(id); err != nil {
		return err
	}
	if err := m.DeleteChunks((&EpisodeRecord{ID: id}).BlobID()); err != nil {
		return err
	}
	if err := m.deleteBlobsWithPrefix(SubtitleBlobID(id, "")); err != nil {
		return err
	}

	err = m.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketEpisodes).Delete([]byte(id)); err != nil {
			return err
		}
		if record == nil {
			return nil
		}

		// Drop the parent once its last episode is gone.
		remaining := false
		_ = tx.Bucket(bucketEpisodes).ForEach(func(_, v []byte) error {
			var other EpisodeRecord
			if json.Unmarshal(v, &other) == nil && other.ParentID == record.ParentID {
				remaining = true
			}
			return nil
		})
		if !remaining {
			return tx.Bucket(bucketMedia).Delete([]byte(record.ParentID))
		}
		return nil
	})
	if err != nil {
		return writeError(fmt.Sprintf("failed to delete episode %s", id), err)
	}

	m.indexMu.Lock()
	delete(m.index, id)
	m.indexMu.Unlock()

	m.logger.Info("Episode deleted", "episode_id", id)
	return nil
}

// IsComplete reports whether every segment in [0, SegmentCount) is stored,
// or, for a whole asset, whether its chunk header exists.
func (m *Manager) IsComplete(record *EpisodeRecord) (bool, error) {
	if !record.IsSegmented {
		if _, err := m.ChunkHeader(record.BlobID()); err != nil {
			if isNotFound(err) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}

	sizes, err := m.SegmentSizes(record.ID)
	if err != nil {
		return false, err
	}
	if record.SegmentCount == 0 {
		return false, nil
	}
	for i := 0; i < record.SegmentCount; i++ {
		if _, ok := sizes[uint32(i)]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// RefreshOfflineIndex rebuilds the in-memory set of episodes playable
// end-to-end offline and returns it.
func (m *Manager) RefreshOfflineIndex() ([]*EpisodeRecord, error) {
	episodes, err := m.ListEpisodes("")
	if err != nil {
		return nil, fmt.Errorf("failed to list episodes: %w", err)
	}

	index := make(map[string]*EpisodeRecord, len(episodes))
	var available []*EpisodeRecord
	for _, ep := range episodes {
		complete, err := m.IsComplete(ep)
		if err != nil {
			m.logger.Warn("Failed to check episode completeness",
				"episode_id", ep.ID,
				"error", err)
			continue
		}
		if complete {
			index[ep.ID] = ep
			available = append(available, ep)
		}
	}

	m.indexMu.Lock()
	m.index = index
	m.indexMu.Unlock()

	m.logger.Debug("Offline index refreshed", "available", len(available))
	return available, nil
}

// OfflineIndex returns the episodes found complete by the last refresh.
func (m *Manager) OfflineIndex() []*EpisodeRecord {
	m.indexMu.RLock()
	defer m.indexMu.RUnlock()

	out := make([]*EpisodeRecord, 0, len(m.index))
	for _, ep := range m.index {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ParentID != out[j].ParentID {
			return out[i].ParentID < out[j].ParentID
		}
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return out
}

// IsAvailableOffline reports whether episodeID was complete at the last
// index refresh.
func (m *Manager) IsAvailableOffline(episodeID string) bool {
	m.indexMu.RLock()
	defer m.indexMu.RUnlock()
	_, ok := m.index[episodeID]
	return ok
}

// PutBlob stores a small payload (subtitle, cover) directly.
func (m *Manager) PutBlob(id string, data []byte, contentType string) error {
	return m.putJSON(bucketBlobs, id, &blobRecord{
		ContentType: contentType,
		Data:        data,
		StoredAt:    time.Now(),
	})
}

// GetBlob loads a small payload and its content type.
func (m *Manager) GetBlob(id string) ([]byte, string, error) {
	var record blobRecord
	if err := m.getJSON(bucketBlobs, id, &record); err != nil {
		return nil, "", err
	}
	return record.Data, record.ContentType, nil
}

// DeleteBlob removes a small payload. Unknown ids are a no-op.
func (m *Manager) DeleteBlob(id string) error {
	err := m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobs).Delete([]byte(id))
	})
	if err != nil {
		return writeError(fmt.Sprintf("failed to delete blob %s", id), err)
	}
	return nil
}

// ListBlobs returns the ids of small blobs starting with prefix.
func (m *Manager) ListBlobs(prefix string) ([]string, error) {
	var ids []string
	err := m.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketBlobs).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			ids = append(ids, string(k))
		}
		return nil
	})
	return ids, err
}

func (m *Manager) deleteBlobsWithPrefix(prefix string) error {
	ids, err := m.ListBlobs(prefix)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := m.DeleteBlob(id); err != nil {
			return err
		}
	}
	return nil
}

// PutTask persists a queued task.
func (m *Manager) PutTask(record *TaskRecord) error {
	if record.ID == "" {
		return fmt.Errorf("task record must have ID")
	}
	return m.putJSON(bucketTasks, record.ID, record)
}

// DeleteTask removes a persisted task. Unknown ids are a no-op.
func (m *Manager) DeleteTask(id string) error {
	err := m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete([]byte(id))
	})
	if err != nil {
		return writeError(fmt.Sprintf("failed to delete task %s", id), err)
	}
	return nil
}

// ListTasks returns persisted tasks ordered by creation time.
func (m *Manager) ListTasks() ([]*TaskRecord, error) {
	var records []*TaskRecord

	err := m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var record TaskRecord
			if err := json.Unmarshal(v, &record); err != nil {
				m.logger.Warn("Failed to unmarshal task record",
					"key", string(k),
					"error", err)
				return nil
			}
			records = append(records, &record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}
