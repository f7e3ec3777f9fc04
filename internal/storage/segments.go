package storage

import (
	"encoding/binary"
	"fmt"
	"math"

	"go.etcd.io/bbolt"

	"github.com/opd-ai/go-hls-offline/internal/common"
)

// segment values are an 8-byte float64 duration followed by the payload.
const segmentHeaderSize = 8

// segmentSourceKey holds the media playlist URL inside an episode's segment
// bucket. Index keys are always 4 bytes long, so it cannot collide.
var segmentSourceKey = []byte("source")

// StoredSegment is one decrypted media segment.
type StoredSegment struct {
	EpisodeID string  `json:"episode_id"`
	Index     uint32  `json:"index"`
	Duration  float64 `json:"duration_seconds"`
	Data      []byte  `json:"-"`
}

// SegmentInfo describes a stored segment without its payload.
type SegmentInfo struct {
	Index    uint32  `json:"index"`
	Size     int64   `json:"size"`
	Duration float64 `json:"duration_seconds"`
}

func encodeSegment(data []byte, duration float64) []byte {
	v := make([]byte, segmentHeaderSize+len(data))
	binary.BigEndian.PutUint64(v, math.Float64bits(duration))
	copy(v[segmentHeaderSize:], data)
	return v
}

func decodeSegmentDuration(v []byte) float64 {
	if len(v) < segmentHeaderSize {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(v))
}

// PutSegment stores one segment record keyed by (episodeID, index).
func (m *Manager) PutSegment(episodeID string, index uint32, data []byte, duration float64) error {
	value := encodeSegment(data, duration)

	err := m.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketSegments).CreateBucketIfNotExists([]byte(episodeID))
		if err != nil {
			return err
		}
		return b.Put(indexKey(index), value)
	})
	if err != nil {
		return writeError(fmt.Sprintf("failed to store segment %d of %s", index, episodeID), err)
	}

	m.logger.Debug("Stored segment",
		"episode_id", episodeID,
		"index", index,
		"size_bytes", len(data))

	return nil
}

// GetSegment loads one segment.
func (m *Manager) GetSegment(episodeID string, index uint32) (*StoredSegment, error) {
	var seg *StoredSegment

	err := m.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSegments).Bucket([]byte(episodeID))
		if b == nil {
			return nil
		}
		v := b.Get(indexKey(index))
		if v == nil {
			return nil
		}
		seg = &StoredSegment{
			EpisodeID: episodeID,
			Index:     index,
			Duration:  decodeSegmentDuration(v),
			Data:      copyBytes(v[segmentHeaderSize:]),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read segment %d of %s: %w", index, episodeID, err)
	}
	if seg == nil {
		return nil, common.NewError(common.CodeNotFound, "",
			fmt.Sprintf("segment %d of %s not found", index, episodeID), nil)
	}
	return seg, nil
}

// ListSegments enumerates stored segments of an episode in index order.
func (m *Manager) ListSegments(episodeID string) ([]SegmentInfo, error) {
	var infos []SegmentInfo

	err := m.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSegments).Bucket([]byte(episodeID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(k) != 4 || len(v) < segmentHeaderSize {
				continue
			}
			infos = append(infos, SegmentInfo{
				Index:    binary.BigEndian.Uint32(k),
				Size:     int64(len(v) - segmentHeaderSize),
				Duration: decodeSegmentDuration(v),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list segments of %s: %w", episodeID, err)
	}
	return infos, nil
}

// SegmentSizes returns index -> stored byte size, the resume set for a
// download of episodeID.
func (m *Manager) SegmentSizes(episodeID string) (map[uint32]int64, error) {
	infos, err := m.ListSegments(episodeID)
	if err != nil {
		return nil, err
	}
	sizes := make(map[uint32]int64, len(infos))
	for _, info := range infos {
		sizes[info.Index] = info.Size
	}
	return sizes, nil
}

// BindSegmentSource ties the stored segments of episodeID to the media
// playlist at source. Segments and the init segment left behind by another
// source are discarded first, and the return value reports whether that
// happened.
func (m *Manager) BindSegmentSource(episodeID, source string) (bool, error) {
	key := []byte(episodeID)
	discarded := false

	err := m.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketSegments)
		if b := root.Bucket(key); b != nil {
			if string(b.Get(segmentSourceKey)) == source {
				return nil
			}
			discarded = true
			if err := root.DeleteBucket(key); err != nil {
				return err
			}
		}

		inits := tx.Bucket(bucketInitSegments)
		if inits.Get(key) != nil {
			discarded = true
			if err := inits.Delete(key); err != nil {
				return err
			}
		}

		b, err := root.CreateBucket(key)
		if err != nil {
			return err
		}
		return b.Put(segmentSourceKey, []byte(source))
	})
	if err != nil {
		return false, writeError(fmt.Sprintf("failed to bind segments of %s", episodeID), err)
	}

	if discarded {
		m.logger.Info("Discarded segments from a different source",
			"episode_id", episodeID,
			"source", source)
	}
	return discarded, nil
}

// SegmentSource returns the media playlist URL bound to episodeID, or "".
func (m *Manager) SegmentSource(episodeID string) string {
	var source string
	_ = m.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucketSegments).Bucket([]byte(episodeID)); b != nil {
			source = string(b.Get(segmentSourceKey))
		}
		return nil
	})
	return source
}

// DeleteSegments removes every segment and the init segment of episodeID.
func (m *Manager) DeleteSegments(episodeID string) error {
	err := m.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketSegments).DeleteBucket([]byte(episodeID)); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		return tx.Bucket(bucketInitSegments).Delete([]byte(episodeID))
	})
	if err != nil {
		return writeError(fmt.Sprintf("failed to delete segments of %s", episodeID), err)
	}
	return nil
}

// PutInitSegment stores the initialization section for episodeID.
func (m *Manager) PutInitSegment(episodeID string, data []byte) error {
	err := m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInitSegments).Put([]byte(episodeID), data)
	})
	if err != nil {
		return writeError(fmt.Sprintf("failed to store init segment of %s", episodeID), err)
	}
	return nil
}

// GetInitSegment loads the initialization section for episodeID.
func (m *Manager) GetInitSegment(episodeID string) ([]byte, error) {
	var data []byte
	err := m.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketInitSegments).Get([]byte(episodeID)); v != nil {
			data = copyBytes(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read init segment of %s: %w", episodeID, err)
	}
	if data == nil {
		return nil, common.NewError(common.CodeNotFound, "",
			fmt.Sprintf("init segment of %s not found", episodeID), nil)
	}
	return data, nil
}

// HasInitSegment reports whether an init segment is stored for episodeID.
func (m *Manager) HasInitSegment(episodeID string) bool {
	found := false
	_ = m.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketInitSegments).Get([]byte(episodeID)) != nil
		return nil
	})
	return found
}

// segmentBytes sums payload sizes across all episodes.
func segmentBytes(tx *bbolt.Tx) int64 {
	var total int64
	root := tx.Bucket(bucketSegments)
	_ = root.ForEach(func(k, v []byte) error {
		b := root.Bucket(k)
		if v != nil || b == nil {
			return nil
		}
		return b.ForEach(func(k, val []byte) error {
			if len(k) == 4 && len(val) >= segmentHeaderSize {
				total += int64(len(val) - segmentHeaderSize)
			}
			return nil
		})
	})
	_ = tx.Bucket(bucketInitSegments).ForEach(func(_, v []byte) error {
		total += int64(len(v))
		return nil
	})
	return total
}
