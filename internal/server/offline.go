package server

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/opd-ai/go-hls-offline/internal/storage"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// BuildPlaylist renders a VOD media playlist over stored segments. URIs are
// relative to /offline/{id}/ so the playlist plays from wherever it is served.
func BuildPlaylist(segments []storage.SegmentInfo, hasInit bool) string {
	var target float64
	for _, seg := range segments {
		target = math.Max(target, seg.Duration)
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	if hasInit {
		b.WriteString("#EXT-X-VERSION:7\n")
	} else {
		b.WriteString("#EXT-X-VERSION:3\n")
	}
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(target)))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	if hasInit {
		b.WriteString("#EXT-X-MAP:URI=\"init\"\n")
	}
	for _, seg := range segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\nsegments/%d\n", seg.Duration, seg.Index)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// loadPlayable fetches the episode and refuses anything not playable
// end-to-end. It writes the error response itself and returns nil then.
func (s *Server) loadPlayable(w http.ResponseWriter, id string) *storage.EpisodeRecord {
	record, err := s.storage.GetEpisode(id)
	if err != nil {
		s.writeStorageError(w, "Episode not available offline", err)
		return nil
	}

	complete, err := s.storage.IsComplete(record)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to check episode", err)
		return nil
	}
	if !complete {
		s.writeErrorResponse(w, http.StatusConflict, "Episode is incomplete", nil)
		return nil
	}
	return record
}

// handleOfflinePlaylist serves the local playlist of a segmented episode and
// marks it as played for LRU eviction.
func (s *Server) handleOfflinePlaylist(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record := s.loadPlayable(w, id)
	if record == nil {
		return
	}
	if !record.IsSegmented {
		s.writeErrorResponse(w, http.StatusNotFound, "Episode is stored as a whole file", nil)
		return
	}

	segments, err := s.storage.ListSegments(id)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list segments", err)
		return
	}

	if err := s.storage.TouchEpisode(id); err != nil {
		s.logger.Warn("Failed to update last access", "episode_id", id, "error", err)
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(BuildPlaylist(segments, record.HasInitSegment)))
}

func (s *Server) handleOfflineInit(w http.ResponseWriter, r *http.Request) {
	data, err := s.storage.GetInitSegment(chi.URLParam(r, "id"))
	if err != nil {
		s.writeStorageError(w, "Init segment not found", err)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (s *Server) handleOfflineSegment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 32)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid segment index", err)
		return
	}

	seg, err := s.storage.GetSegment(id, uint32(index))
	if err != nil {
		s.writeStorageError(w, "Segment not found", err)
		return
	}

	contentType := "video/mp2t"
	if s.storage.HasInitSegment(id) {
		contentType = "video/iso.segment"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(seg.Data)))
	w.Write(seg.Data)
}

func (s *Server) handleOfflineSubtitle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, contentType, err := s.storage.GetBlob(storage.SubtitleBlobID(id, chi.URLParam(r, "lang")))
	if err != nil {
		s.writeStorageError(w, "Subtitle track not found", err)
		return
	}
	if contentType == "" {
		contentType = "text/vtt"
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleOfflineFile serves the whole asset with Range support. Segmented
// episodes are concatenated in index order.
func (s *Server) handleOfflineFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record := s.loadPlayable(w, id)
	if record == nil {
		return
	}

	var data []byte
	if record.IsSegmented {
		var buf bytes.Buffer
		if _, err := s.storage.WriteAsset(r.Context(), id, &buf); err != nil {
			s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to assemble asset", err)
			return
		}
		data = buf.Bytes()
	} else {
		var err error
		data, err = s.storage.ReadChunks(record.BlobID(), record.ChunkCount)
		if err != nil {
			s.writeStorageError(w, "Failed to read asset", err)
			return
		}
	}

	if err := s.storage.TouchEpisode(id); err != nil {
		s.logger.Warn("Failed to update last access", "episode_id", id, "error", err)
	}

	w.Header().Set("Content-Type", detectContentType(record, data))
	http.ServeContent(w, r, id, record.DownloadedAt, bytes.NewReader(data))
}

// detectContentType prefers the stored type, then the container implied by
// the segment format, then content sniffing.
func detectContentType(record *storage.EpisodeRecord, data []byte) string {
	if record.ContentType != "" {
		return record.ContentType
	}
	if record.IsSegmented {
		if record.HasInitSegment {
			return "video/mp4"
		}
		return "video/mp2t"
	}

	sniffed := http.DetectContentType(data)
	if strings.HasPrefix(sniffed, "video/") || strings.HasPrefix(sniffed, "audio/") {
		return sniffed
	}
	return "application/octet-stream"
}
