package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestExporter(t *testing.T, manager *Manager, dir string) *Exporter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	return NewExporter(manager, dir, logger)
}

func TestExportSegmentedAsset(t *testing.T) {
	manager := createTestManager(t, t.TempDir())
	exportDir := t.TempDir()

	require.NoError(t, manager.PutEpisode(&EpisodeRecord{
		ID: "ep1", ParentID: "show", SequenceNumber: 4,
		IsSegmented: true, SegmentCount: 3, HasInitSegment: true,
		Subtitles: []string{"en"},
	}))
	require.NoError(t, manager.PutInitSegment("ep1", []byte("INIT")))
	require.NoError(t, manager.PutSegment("ep1", 1, []byte("-one"), 2))
	require.NoError(t, manager.PutSegment("ep1", 0, []byte("-zero"), 2))
	require.NoError(t, manager.PutSegment("ep1", 2, []byte("-two"), 2))
	require.NoError(t, manager.PutBlob(SubtitleBlobID("ep1", "en"), []byte("WEBVTT\n"), "text/vtt"))

	exporter := createTestExporter(t, manager, exportDir)
	result, err := exporter.Export(context.Background(), "ep1", "")
	require.NoError(t, err)

	expected := []byte("INIT-zero-one-two")
	assert.Equal(t, filepath.Join(exportDir, "show", "004-ep1.mp4"), result.Path)
	assert.Equal(t, int64(len(expected)), result.Size)

	data, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	assert.Equal(t, expected, data)

	sum := sha256.Sum256(expected)
	assert.Equal(t, hex.EncodeToString(sum[:]), result.Checksum)

	require.Len(t, result.Subtitles, 1)
	sub, err := os.ReadFile(result.Subtitles[0])
	require.NoError(t, err)
	assert.Equal(t, "WEBVTT\n", string(sub))
}

func TestExportChunkedAsset(t *testing.T) {
	manager := createTestManager(t, t.TempDir())
	payload := randomPayload(t, DefaultChunkSize+1234)

	record := &EpisodeRecord{ID: "film", ParentID: "film", ContentType: "video/mp4"}
	count, err := manager.StoreAsChunks(context.Background(), record.BlobID(), payload, record.ContentType)
	require.NoError(t, err)
	record.ChunkCount = count
	record.TotalByteSize = int64(len(payload))
	require.NoError(t, manager.PutEpisode(record))

	dst := filepath.Join(t.TempDir(), "out", "film.mp4")
	result, err := createTestExporter(t, manager, "").Export(context.Background(), "film", dst)
	require.NoError(t, err)
	assert.Equal(t, dst, result.Path)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, data))
}

func TestExportIncompleteAssetFails(t *testing.T) {
	manager := createTestManager(t, t.TempDir())

	require.NoError(t, manager.PutEpisode(&EpisodeRecord{
		ID: "ep", ParentID: "m", IsSegmented: true, SegmentCount: 3,
	}))
	require.NoError(t, manager.PutSegment("ep", 0, []byte("a"), 1))

	dst := filepath.Join(t.TempDir(), "ep.ts")
	_, err := createTestExporter(t, manager, "").Export(context.Background(), "ep", dst)
	require.Error(t, err)

	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr), "failed export must not leave a file behind")
}

func TestWriteAssetToBuffer(t *testing.T) {
	manager := createTestManager(t, t.TempDir())

	require.NoError(t, manager.PutEpisode(&EpisodeRecord{
		ID: "ep", ParentID: "m", IsSegmented: true, SegmentCount: 2,
	}))
	require.NoError(t, manager.PutSegment("ep", 0, []byte("ab"), 1))
	require.NoError(t, manager.PutSegment("ep", 1, []byte("cd"), 1))

	var buf bytes.Buffer
	n, err := manager.WriteAsset(context.Background(), "ep", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, "abcd", buf.String())
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "a_b_c", sanitize("a/b:c"))
}
