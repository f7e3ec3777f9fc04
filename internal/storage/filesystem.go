package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/opd-ai/go-hls-offline/internal/common"
)

// Exporter writes assembled offline assets to regular files.
type Exporter struct {
	storage *Manager
	dir     string
	logger  *slog.Logger
}

// ExportResult describes one exported asset.
type ExportResult struct {
	EpisodeID string   `json:"episode_id"`
	Path      string   `json:"path"`
	Size      int64    `json:"size"`
	Checksum  string   `json:"checksum"`
	Subtitles []string `json:"subtitles,omitempty"`
}

// NewExporter creates an exporter rooted at dir.
func NewExporter(storage *Manager, dir string, logger *slog.Logger) *Exporter {
	return &Exporter{
		storage: storage,
		dir:     dir,
		logger:  logger,
	}
}

// WriteAsset streams the playable bytes of an episode to w: the init segment
// followed by every segment in index order, or the reassembled chunks of a
// whole asset.
func (m *Manager) WriteAsset(ctx context.Context, episodeID string, w io.Writer) (int64, error) {
	record, err := m.GetEpisode(episodeID)
	if err != nil {
		return 0, err
	}

	if !record.IsSegmented {
		data, err := m.ReadChunks(record.BlobID(), record.ChunkCount)
		if err != nil {
			return 0, err
		}
		n, err := w.Write(data)
		return int64(n), err
	}

	var written int64

	if record.HasInitSegment {
		initData, err := m.GetInitSegment(episodeID)
		if err != nil {
			return 0, err
		}
		n, err := w.Write(initData)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}

	infos, err := m.ListSegments(episodeID)
	if err != nil {
		return written, err
	}
	if record.SegmentCount > 0 && len(infos) != record.SegmentCount {
		return written, common.NewError(common.CodeNotFound, "",
			fmt.Sprintf("episode %s has %d of %d segments", episodeID, len(infos), record.SegmentCount), nil)
	}

	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return written, common.NewError(common.CodeCancelled, "", "asset write cancelled", err)
		}
		seg, err := m.GetSegment(episodeID, info.Index)
		if err != nil {
			return written, err
		}
		n, err := w.Write(seg.Data)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}

	return written, nil
}

// Export writes an episode to dst atomically, with subtitle tracks as
// sidecar files. An empty dst picks a path under the export directory.
func (e *Exporter) Export(ctx context.Context, episodeID, dst string) (*ExportResult, error) {
	record, err := e.storage.GetEpisode(episodeID)
	if err != nil {
		return nil, err
	}

	if dst == "" {
		dst = e.DefaultPath(record)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	e.logger.Debug("Exporting asset",
		"episode_id", episodeID,
		"dst", dst)

	pr, pw := io.Pipe()
	hasher := sha256.New()

	var size int64
	go func() {
		n, werr := e.storage.WriteAsset(ctx, episodeID, pw)
		size = n
		pw.CloseWithError(werr)
	}()

	if err := atomic.WriteFile(dst, io.TeeReader(pr, hasher)); err != nil {
		pr.CloseWithError(err)
		return nil, fmt.Errorf("atomic write failed for %s: %w", dst, err)
	}

	result := &ExportResult{
		EpisodeID: episodeID,
		Path:      dst,
		Size:      size,
		Checksum:  hex.EncodeToString(hasher.Sum(nil)),
	}

	for _, lang := range record.Subtitles {
		data, _, err := e.storage.GetBlob(SubtitleBlobID(episodeID, lang))
		if err != nil {
			e.logger.Warn("Subtitle missing from storage",
				"episode_id", episodeID,
				"language", lang,
				"error", err)
			continue
		}
		subPath := strings.TrimSuffix(dst, filepath.Ext(dst)) + "." + sanitize(lang) + ".vtt"
		if err := atomic.WriteFile(subPath, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("atomic write failed for %s: %w", subPath, err)
		}
		result.Subtitles = append(result.Subtitles, subPath)
	}

	e.logger.Info("Asset exported",
		"episode_id", episodeID,
		"path", dst,
		"size_bytes", result.Size,
		"checksum", result.Checksum)

	return result, nil
}

// DefaultPath returns {export-dir}/{parent}/{seq}-{episode}{ext}.
func (e *Exporter) DefaultPath(record *EpisodeRecord) string {
	name := fmt.Sprintf("%03d-%s%s", record.SequenceNumber, sanitize(record.ID), assetExtension(record))
	return filepath.Join(e.dir, sanitize(record.ParentID), name)
}

func assetExtension(record *EpisodeRecord) string {
	if record.IsSegmented {
		if record.HasInitSegment {
			return ".mp4"
		}
		return ".ts"
	}
	if exts, err := mime.ExtensionsByType(record.ContentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
}
