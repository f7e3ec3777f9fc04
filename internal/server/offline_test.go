package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/go-hls-offline/internal/storage"
)

func get(s *Server, path string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestBuildPlaylist(t *testing.T) {
	segments := []storage.SegmentInfo{
		{Index: 0, Duration: 6.006},
		{Index: 1, Duration: 6.006},
		{Index: 2, Duration: 3.2},
	}

	playlist := BuildPlaylist(segments, true)

	assert.Equal(t, "#EXTM3U\n"+
		"#EXT-X-VERSION:7\n"+
		"#EXT-X-TARGETDURATION:7\n"+
		"#EXT-X-MEDIA-SEQUENCE:0\n"+
		"#EXT-X-PLAYLIST-TYPE:VOD\n"+
		"#EXT-X-MAP:URI=\"init\"\n"+
		"#EXTINF:6.006,\nsegments/0\n"+
		"#EXTINF:6.006,\nsegments/1\n"+
		"#EXTINF:3.200,\nsegments/2\n"+
		"#EXT-X-ENDLIST\n", playlist)

	plain := BuildPlaylist(segments[:1], false)
	assert.Contains(t, plain, "#EXT-X-VERSION:3\n")
	assert.NotContains(t, plain, "EXT-X-MAP")
}

func TestOfflinePlaylistAndSegments(t *testing.T) {
	server := createTestServer(t)
	putSegmentedEpisode(t, server.storage, "ep-1", 3, false)

	before, err := server.storage.GetEpisode("ep-1")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	w := get(server, "/offline/ep-1/playlist.m3u8")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, playlistContentType, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "#EXTINF:2.500,\nsegments/2\n")
	assert.Contains(t, w.Body.String(), "#EXT-X-TARGETDURATION:3\n")
	assert.Contains(t, w.Body.String(), "#EXT-X-ENDLIST")

	after, err := server.storage.GetEpisode("ep-1")
	require.NoError(t, err)
	assert.True(t, after.LastAccessed.After(before.LastAccessed), "playlist request counts as playback")

	w = get(server, "/offline/ep-1/segments/1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "video/mp2t", w.Header().Get("Content-Type"))
	assert.Equal(t, segmentBody("ep-1", 1), w.Body.Bytes())

	assert.Equal(t, http.StatusNotFound, get(server, "/offline/ep-1/segments/9").Code)
	assert.Equal(t, http.StatusBadRequest, get(server, "/offline/ep-1/segments/x").Code)
	assert.Equal(t, http.StatusNotFound, get(server, "/offline/ep-1/init").Code)
}

func TestOfflineInitSegment(t *testing.T) {
	server := createTestServer(t)
	putSegmentedEpisode(t, server.storage, "ep-1", 2, false)
	require.NoError(t, server.storage.PutInitSegment("ep-1", []byte("ftypmoov")))

	rec, err := server.storage.GetEpisode("ep-1")
	require.NoError(t, err)
	rec.HasInitSegment = true
	require.NoError(t, server.storage.PutEpisode(rec))

	w := get(server, "/offline/ep-1/init")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []byte("ftypmoov"), w.Body.Bytes())

	w = get(server, "/offline/ep-1/playlist.m3u8")
	assert.Contains(t, w.Body.String(), "#EXT-X-MAP:URI=\"init\"")

	w = get(server, "/offline/ep-1/segments/0")
	assert.Equal(t, "video/iso.segment", w.Header().Get("Content-Type"))
}

func TestOfflineIncompleteEpisode(t *testing.T) {
	server := createTestServer(t)
	putSegmentedEpisode(t, server.storage, "ep-1", 3, true)

	assert.Equal(t, http.StatusConflict, get(server, "/offline/ep-1/playlist.m3u8").Code)
	assert.Equal(t, http.StatusConflict, get(server, "/offline/ep-1/file").Code)
	assert.Equal(t, http.StatusNotFound, get(server, "/offline/missing/playlist.m3u8").Code)
}

func TestOfflineFileSegmentedConcatenates(t *testing.T) {
	server := createTestServer(t)
	putSegmentedEpisode(t, server.storage, "ep-1", 3, false)

	w := get(server, "/offline/ep-1/file")
	require.Equal(t, http.StatusOK, w.Code)

	want := append(append(segmentBody("ep-1", 0), segmentBody("ep-1", 1)...), segmentBody("ep-1", 2)...)
	assert.Equal(t, want, w.Body.Bytes())
	assert.Equal(t, "video/mp2t", w.Header().Get("Content-Type"))
}

func TestOfflineFileChunkedRange(t *testing.T) {
	server := createTestServer(t)

	payload := bytes.Repeat([]byte("0123456789"), 100)
	record := &storage.EpisodeRecord{
		ID:            "movie",
		ParentID:      "movie",
		ContentType:   "video/mp4",
		TotalByteSize: int64(len(payload)),
		DownloadedAt:  time.Now(),
		LastAccessed:  time.Now(),
	}
	count, err := server.storage.StoreAsChunks(context.Background(), record.BlobID(), payload, record.ContentType)
	require.NoError(t, err)
	record.ChunkCount = count
	require.NoError(t, server.storage.PutEpisode(record))

	w := get(server, "/offline/movie/file", "Range", "bytes=10-19")
	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "0123456789", w.Body.String())
	assert.Equal(t, "bytes 10-19/1000", w.Header().Get("Content-Range"))
	assert.Equal(t, "video/mp4", w.Header().Get("Content-Type"))

	w = get(server, "/offline/movie/file")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, payload, w.Body.Bytes())

	// Whole files have no playlist.
	assert.Equal(t, http.StatusNotFound, get(server, "/offline/movie/playlist.m3u8").Code)
}

func TestOfflineSubtitles(t *testing.T) {
	server := createTestServer(t)
	require.NoError(t, server.storage.PutBlob(storage.SubtitleBlobID("ep-1", "en"), []byte("WEBVTT\n"), "text/vtt"))

	w := get(server, "/offline/ep-1/subtitles/en.vtt")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/vtt", w.Header().Get("Content-Type"))
	assert.Equal(t, "WEBVTT\n", w.Body.String())

	assert.Equal(t, http.StatusNotFound, get(server, "/offline/ep-1/subtitles/fr.vtt").Code)
}
