package downloader

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"time"

	"github.com/opd-ai/go-hls-offline/internal/common"
	"github.com/opd-ai/go-hls-offline/internal/decrypt"
	"github.com/opd-ai/go-hls-offline/internal/manifest"
	"github.com/opd-ai/go-hls-offline/internal/storage"
	"github.com/opd-ai/go-hls-offline/internal/transport"
)

// storageSink writes segments of one episode into the segment buckets.
type storageSink struct {
	manager   *Manager
	taskID    string
	episodeID string
}

func (s *storageSink) StoreInitSegment(ctx context.Context, data []byte) error {
	return s.manager.storage.PutInitSegment(s.episodeID, data)
}

func (s *storageSink) StoreSegment(ctx context.Context, index uint32, data []byte, duration float64) error {
	if err := s.manager.storage.PutSegment(s.episodeID, index, data, duration); err != nil {
		return err
	}
	s.manager.notifySegment(s.taskID, index, len(data))
	return nil
}

// acquireStream resolves the quality, downloads every missing segment and
// writes the episode and media records.
func (m *Manager) acquireStream(ctx context.Context, task *Task) error {
	desc, err := m.parser.Parse(ctx, task.URL, task.TrustHeader)
	if err != nil {
		return err
	}

	var master *manifest.Description
	media := desc
	quality := ""

	if desc.IsMaster {
		master = desc
		variant, err := m.resolveQuality(task, desc)
		if err != nil {
			return err
		}
		quality = variant.Label

		media, err = m.parser.Parse(ctx, variant.URL, task.TrustHeader)
		if err != nil {
			return err
		}
	}

	if media.IsMaster {
		return common.NewError(common.CodeMasterPlaylist, media.URL,
			"variant resolves to another master playlist", nil)
	}
	if media.IsLive {
		m.logger.Warn("Playlist has no ENDLIST, downloading the current window only",
			"task_id", task.ID,
			"segments", len(media.Segments))
	}

	m.markDownloading(task)

	// Stored segments only count toward resume when they came from this
	// media playlist.
	if _, err := m.storage.BindSegmentSource(task.EpisodeID, media.URL); err != nil {
		return err
	}
	downloaded, err := m.storage.SegmentSizes(task.EpisodeID)
	if err != nil {
		return fmt.Errorf("failed to enumerate stored segments: %w", err)
	}

	estimated := m.estimator.EstimateTotalSize(ctx, media.Segments, task.TrustHeader, m.config.SampleCount)
	m.update(task.ID, func(t *Task) {
		t.EstimatedBytes = estimated
		t.TotalSegments = len(media.Segments)
	})

	if err := m.reserve(task.ID, resumeReservation(estimated, downloaded)); err != nil {
		return err
	}

	progress, err := m.streams.Download(ctx, media.URL, StreamOptions{
		TrustHeader:       task.TrustHeader,
		Downloaded:        downloaded,
		InitSegmentStored: m.storage.HasInitSegment(task.EpisodeID),
		EstimatedBytes:    estimated,
		Playlist:          media,
		Keys:              decrypt.NewKeyCache(),
		Sink:              &storageSink{manager: m, taskID: task.ID, episodeID: task.EpisodeID},
		Observer: ProgressObserverFunc(func(p Progress) {
			m.update(task.ID, func(t *Task) {
				t.ProgressPercent = p.Percent
				t.BytesDownloaded = p.BytesDownloaded
				t.SegmentsDownloaded = p.SegmentsDownloaded
				t.TotalSegments = p.TotalSegments
				t.EstimatedBytes = p.EstimatedTotalBytes
			})
		}),
	})
	if err != nil {
		return err
	}

	var subtitles []string
	if master != nil && m.config.FetchSubtitles {
		subtitles = m.fetchSubtitles(ctx, task, master)
	}

	now := time.Now()
	return m.commit(task, &storage.EpisodeRecord{
		ID:             task.EpisodeID,
		ParentID:       task.MediaID,
		SequenceNumber: task.SequenceNumber,
		Title:          task.Title,
		SourceURL:      task.URL,
		Quality:        quality,
		TotalByteSize:  progress.BytesDownloaded,
		IsSegmented:    true,
		SegmentCount:   progress.TotalSegments,
		TotalDuration:  progress.TotalDuration,
		HasInitSegment: progress.HasInitSegment,
		Subtitles:      subtitles,
		DownloadedAt:   now,
		LastAccessed:   now,
	})
}

// resolveQuality picks the variant to download, or parks the task when the
// caller has to choose.
func (m *Manager) resolveQuality(task *Task, master *manifest.Description) (*manifest.QualityVariant, error) {
	qualities := master.Qualities
	m.update(task.ID, func(t *Task) {
		t.AvailableQualities = qualities
	})

	if task.SelectedQuality != nil {
		if v, ok := master.Variant(task.SelectedQuality.Label); ok {
			return v, nil
		}
		if task.SelectedQuality.URL != "" {
			m.logger.Warn("Selected quality no longer listed, using stored variant URL",
				"task_id", task.ID,
				"quality", task.SelectedQuality.Label)
			return task.SelectedQuality, nil
		}
	}

	var chosen *manifest.QualityVariant
	if task.Quality != "" {
		if v, ok := master.Variant(task.Quality); ok {
			chosen = v
		}
	}
	if chosen == nil && len(qualities) == 1 {
		chosen = &qualities[0]
	}
	if chosen == nil {
		return nil, errAwaitingQuality
	}

	selected := *chosen
	m.update(task.ID, func(t *Task) {
		t.SelectedQuality = &selected
	})
	task.SelectedQuality = &selected
	return &selected, nil
}

// resumeReservation is the space still needed for an asset whose stored
// segments are already counted in storage accounting.
func resumeReservation(estimated int64, downloaded map[uint32]int64) int64 {
	for _, size := range downloaded {
		estimated -= size
	}
	if estimated < 0 {
		return 0
	}
	return estimated
}

// reserve makes room for an incoming asset when quota enforcement is on.
func (m *Manager) reserve(taskID string, incoming int64) error {
	m.mu.RLock()
	cache := m.cache
	m.mu.RUnlock()

	if cache == nil || incoming <= 0 {
		return nil
	}

	ok, err := cache.EvictToFit(incoming)
	if err != nil {
		return fmt.Errorf("failed to free storage: %w", err)
	}
	if !ok {
		return common.NewError(common.CodeStorageWrite, "",
			fmt.Sprintf("insufficient storage for %d bytes", incoming), nil)
	}

	m.logger.Debug("Storage reserved", "task_id", taskID, "bytes", incoming)
	return nil
}

// fetchSubtitles stores each subtitle rendition as one blob. Failures only
// cost that track.
func (m *Manager) fetchSubtitles(ctx context.Context, task *Task, master *manifest.Description) []string {
	var stored []string

	for _, track := range master.SubtitleTracks {
		lang := track.Language
		if lang == "" {
			lang = track.Name
		}
		if lang == "" || track.URI == "" {
			continue
		}

		data, err := m.fetchSubtitleTrack(ctx, track.URI, task.TrustHeader)
		if err != nil {
			m.logger.Warn("Failed to fetch subtitle track",
				"task_id", task.ID,
				"language", lang,
				"error", err)
			continue
		}

		if err := m.storage.PutBlob(storage.SubtitleBlobID(task.EpisodeID, lang), data, "text/vtt"); err != nil {
			m.logger.Warn("Failed to store subtitle track",
				"task_id", task.ID,
				"language", lang,
				"error", err)
			continue
		}
		stored = append(stored, lang)
	}

	return stored
}

func (m *Manager) fetchSubtitleTrack(ctx context.Context, uri, trustHeader string) ([]byte, error) {
	desc, err := m.parser.Parse(ctx, uri, trustHeader)
	if err != nil {
		return nil, err
	}
	if desc.IsMaster {
		return nil, common.NewError(common.CodeMasterPlaylist, uri, "subtitle rendition is a master playlist", nil)
	}

	var buf bytes.Buffer
	for _, seg := range desc.Segments {
		resp, err := m.fetcher.FetchBinary(ctx, transport.Request{
			URL:         seg.URI,
			TrustHeader: trustHeader,
			Range:       seg.ByteRange,
		})
		if err != nil {
			return nil, err
		}
		buf.Write(resp.Body)
	}
	return buf.Bytes(), nil
}

// acquireFile fetches a non-playlist URL whole and stores it as chunks.
func (m *Manager) acquireFile(ctx context.Context, task *Task) error {
	m.markDownloading(task)

	timeout := m.config.FileTimeout
	if timeout <= 0 {
		timeout = DefaultFileTimeout
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := m.fetcher.FetchBinary(fctx, transport.Request{
		URL:         task.URL,
		TrustHeader: task.TrustHeader,
	})
	if err != nil {
		return common.FromContext(ctx, fctx, task.URL, err)
	}

	size := int64(len(resp.Body))
	m.update(task.ID, func(t *Task) {
		t.EstimatedBytes = size
		t.BytesDownloaded = size
		t.ProgressPercent = 99
	})

	if err := m.reserve(task.ID, size); err != nil {
		return err
	}

	contentType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}

	now := time.Now()
	record := &storage.EpisodeRecord{
		ID:             task.EpisodeID,
		ParentID:       task.MediaID,
		SequenceNumber: task.SequenceNumber,
		Title:          task.Title,
		SourceURL:      task.URL,
		TotalByteSize:  size,
		ContentType:    contentType,
		DownloadedAt:   now,
		LastAccessed:   now,
	}

	count, err := m.storage.StoreAsChunks(ctx, record.BlobID(), resp.Body, contentType)
	if err != nil {
		return err
	}
	record.ChunkCount = count

	return m.commit(task, record)
}

// markDownloading moves the active task from pending to downloading once
// its source is resolved.
func (m *Manager) markDownloading(task *Task) {
	task.Status = StatusDownloading
	m.update(task.ID, func(t *Task) {
		t.Status = StatusDownloading
	})
	m.persist(task)
}

// commit persists the media and episode records and refreshes the offline
// index.
func (m *Manager) commit(task *Task, episode *storage.EpisodeRecord) error {
	if err := m.storage.PutMedia(&storage.MediaRecord{
		ID:         task.MediaID,
		ProviderID: task.ProviderID,
		Title:      task.Title,
	}); err != nil {
		return fmt.Errorf("failed to store media record: %w", err)
	}

	if err := m.storage.PutEpisode(episode); err != nil {
		return fmt.Errorf("failed to store episode record: %w", err)
	}

	if _, err := m.storage.RefreshOfflineIndex(); err != nil {
		m.logger.Warn("Failed to refresh offline index", "error", err)
	}
	return nil
}
