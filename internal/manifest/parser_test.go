package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/go-hls-offline/internal/common"
	"github.com/opd-ai/go-hls-offline/internal/transport"
)

const masterPlaylist = `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="English",LANGUAGE="en",DEFAULT=YES
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="Commentary",LANGUAGE="en",URI="audio/commentary.m3u8"
#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="subs",NAME="Deutsch",LANGUAGE="de",URI="subs/de.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=700000,RESOLUTION=854x480,CODECS="avc1.4d401e,mp4a.40.2",AUDIO="aud"
480p/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=1200000,RESOLUTION=1280x720,AUDIO="aud",SUBTITLES="subs"
https://cdn.example.com/720p/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=300000
//cdn2.example.com/low/index.m3u8
`

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-TARGETDURATION:6
#EXT-X-MAP:URI="init.mp4",BYTERANGE="720@0"
#EXTINF:6.0,
seg0.m4s
#EXT-X-KEY:METHOD=AES-128,URI="../keys/k1.bin"
#EXTINF:6.0,
seg1.m4s
#EXT-X-MAP:URI="ignored.mp4"
#EXTINF:4.5,title
seg2.m4s
#EXT-X-KEY:METHOD=AES-128,URI="/keys/k2.bin",IV=0x0000000000000000000000000000002A
#EXTINF:6.0,
seg3.m4s
#EXT-X-KEY:METHOD=NONE
#EXTINF:2.0,
seg4.m4s
#EXT-X-ENDLIST
`

const baseURL = "https://origin.example.com/shows/ep1/master.m3u8"

func TestParseMasterPlaylist(t *testing.T) {
	desc, err := ParseText(baseURL, masterPlaylist)
	require.NoError(t, err)

	assert.True(t, desc.IsMaster)
	assert.Empty(t, desc.Segments)
	require.Len(t, desc.Qualities, 3)

	assert.Equal(t, []string{"720p", "480p", "300kbps"}, desc.Labels())
	assert.Equal(t, int64(1200000), desc.Qualities[0].BandwidthBps)
	assert.Equal(t, "https://cdn.example.com/720p/index.m3u8", desc.Qualities[0].URL)
	assert.Equal(t, "https://origin.example.com/shows/ep1/480p/index.m3u8", desc.Qualities[1].URL)
	assert.Equal(t, "avc1.4d401e,mp4a.40.2", desc.Qualities[1].Codecs)
	assert.Equal(t, 854, desc.Qualities[1].Width)
	assert.Equal(t, "https://cdn2.example.com/low/index.m3u8", desc.Qualities[2].URL)

	require.Len(t, desc.AudioTracks, 2)
	assert.True(t, desc.AudioTracks[0].Default)
	assert.Empty(t, desc.AudioTracks[0].URI)
	assert.Equal(t, "https://origin.example.com/shows/ep1/audio/commentary.m3u8", desc.AudioTracks[1].URI)

	require.Len(t, desc.SubtitleTracks, 1)
	assert.Equal(t, "de", desc.SubtitleTracks[0].Language)
	assert.Equal(t, "subs", desc.SubtitleTracks[0].GroupID)
	assert.Equal(t, "https://origin.example.com/shows/ep1/subs/de.m3u8", desc.SubtitleTracks[0].URI)

	v, ok := desc.Variant("480p")
	require.True(t, ok)
	assert.Equal(t, int64(700000), v.BandwidthBps)
	_, ok = desc.Variant("1080p")
	assert.False(t, ok)
}

func TestParseMasterPlaylistSortedDescending(t *testing.T) {
	bandwidths := []int64{500000, 2500000, 800000, 2500000, 120000}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for i, bw := range bandwidths {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d\nv%d.m3u8\n", bw, i)
	}

	desc, err := ParseText(baseURL, b.String())
	require.NoError(t, err)
	require.Len(t, desc.Qualities, len(bandwidths))

	for i := 1; i < len(desc.Qualities); i++ {
		assert.GreaterOrEqual(t, desc.Qualities[i-1].BandwidthBps, desc.Qualities[i].BandwidthBps)
	}

	// Equal bandwidths keep declaration order and get distinct labels.
	assert.True(t, strings.HasSuffix(desc.Qualities[0].URL, "v1.m3u8"))
	assert.True(t, strings.HasSuffix(desc.Qualities[1].URL, "v3.m3u8"))
	assert.NotEqual(t, desc.Qualities[0].Label, desc.Qualities[1].Label)
}

func TestParseMasterPlaylistIdenticalVariants(t *testing.T) {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for i := 0; i < 3; i++ {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=1200000,RESOLUTION=1280x720\ncdn%d/720p.m3u8\n", i)
	}

	desc, err := ParseText(baseURL, b.String())
	require.NoError(t, err)

	labels := desc.Labels()
	require.Len(t, labels, 3)
	assert.Equal(t, "720p", labels[0])
	assert.Equal(t, "720p-1200kbps", labels[1])
	assert.Equal(t, "720p-1200kbps-v2", labels[2])

	for i, label := range labels {
		v, ok := desc.Variant(label)
		require.True(t, ok, label)
		assert.True(t, strings.HasSuffix(v.URL, fmt.Sprintf("cdn%d/720p.m3u8", i)), label)
	}
}

func TestParseMediaPlaylist(t *testing.T) {
	url := "https://origin.example.com/shows/ep1/720p/index.m3u8"
	desc, err := ParseText(url, mediaPlaylist)
	require.NoError(t, err)

	assert.False(t, desc.IsMaster)
	assert.Empty(t, desc.Qualities)
	assert.False(t, desc.IsLive)
	assert.Equal(t, 6, desc.TargetDuration)
	assert.InDelta(t, 24.5, desc.TotalDuration, 0.0001)

	require.Len(t, desc.Segments, 5)
	for i, seg := range desc.Segments {
		assert.Equal(t, uint32(i), seg.Index)
	}
	assert.Equal(t, "https://origin.example.com/shows/ep1/720p/seg0.m4s", desc.Segments[0].URI)

	require.NotNil(t, desc.InitSegment)
	assert.Equal(t, "https://origin.example.com/shows/ep1/720p/init.mp4", desc.InitSegment.URI)
	require.NotNil(t, desc.InitSegment.ByteRange)
	assert.Equal(t, int64(720), desc.InitSegment.ByteRange.Length)

	assert.Nil(t, desc.Segments[0].Key)
	require.NotNil(t, desc.Segments[1].Key)
	assert.Equal(t, MethodAES128, desc.Segments[1].Key.Method)
	assert.Equal(t, "https://origin.example.com/shows/ep1/keys/k1.bin", desc.Segments[1].Key.URI)
	assert.Nil(t, desc.Segments[1].Key.IV)
	assert.Same(t, desc.Segments[1].Key, desc.Segments[2].Key)

	require.NotNil(t, desc.Segments[3].Key)
	assert.Equal(t, "https://origin.example.com/keys/k2.bin", desc.Segments[3].Key.URI)
	require.Len(t, desc.Segments[3].Key.IV, 16)
	assert.Equal(t, byte(0x2A), desc.Segments[3].Key.IV[15])

	assert.Nil(t, desc.Segments[4].Key)

	require.NotNil(t, desc.EncryptionKey)
	assert.Equal(t, desc.Segments[1].Key.URI, desc.EncryptionKey.URI)
}

func TestParseByteRangeSegments(t *testing.T) {
	text := `#EXTM3U
#EXTINF:4,
#EXT-X-BYTERANGE:1000@0
all.ts
#EXTINF:4,
#EXT-X-BYTERANGE:500
all.ts
#EXTINF:4,
#EXT-X-BYTERANGE:250@2000
all.ts
#EXT-X-ENDLIST
`
	desc, err := ParseText(baseURL, text)
	require.NoError(t, err)
	require.Len(t, desc.Segments, 3)

	assert.Equal(t, transport.ByteRange{Offset: 0, Length: 1000}, *desc.Segments[0].ByteRange)
	assert.Equal(t, transport.ByteRange{Offset: 1000, Length: 500}, *desc.Segments[1].ByteRange)
	assert.Equal(t, transport.ByteRange{Offset: 2000, Length: 250}, *desc.Segments[2].ByteRange)
}

func TestParseLivePlaylistFlagged(t *testing.T) {
	desc, err := ParseText(baseURL, "#EXTM3U\n#EXTINF:2,\na.ts\n")
	require.NoError(t, err)
	assert.True(t, desc.IsLive)
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"no header", "#EXTINF:2,\na.ts\n"},
		{"html", "<html><body>not found</body></html>"},
		{"header only", "#EXTM3U\n#EXT-X-VERSION:3\n"},
		{"bad duration", "#EXTM3U\n#EXTINF:abc,\na.ts\n"},
		{"bad iv", "#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"k\",IV=0xZZ\n#EXTINF:2,\na.ts\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, err := ParseText(baseURL, tt.text)
			require.Error(t, err)
			assert.Nil(t, desc)
			assert.True(t, errors.Is(err, common.ErrMalformedManifest))
		})
	}
}

func TestParseToleratesBOMAndCRLF(t *testing.T) {
	text := "\ufeff#EXTM3U\r\n#EXTINF:3,\r\na.ts\r\n#EXT-X-ENDLIST\r\n"
	desc, err := ParseText(baseURL, text)
	require.NoError(t, err)
	require.Len(t, desc.Segments, 1)
	assert.Equal(t, "https://origin.example.com/shows/ep1/a.ts", desc.Segments[0].URI)
}

func TestResolveURI(t *testing.T) {
	tests := []struct {
		ref      string
		expected string
	}{
		{"https://other.example.com/a.ts", "https://other.example.com/a.ts"},
		{"//cdn.example.com/a.ts", "https://cdn.example.com/a.ts"},
		{"/root.ts", "https://origin.example.com/root.ts"},
		{"../up.ts", "https://origin.example.com/shows/up.ts"},
		{"same.ts?token=1", "https://origin.example.com/shows/ep1/same.ts?token=1"},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := ResolveURI(baseURL, tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

type stubFetcher struct {
	text     string
	err      error
	block    bool
	gotRaw   bool
	gotTrust string
}

func (s *stubFetcher) FetchManifest(ctx context.Context, url, trustHeader string, raw bool) (string, error) {
	s.gotRaw = raw
	s.gotTrust = trustHeader
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.text, s.err
}

func (s *stubFetcher) FetchBinary(ctx context.Context, req transport.Request) (*transport.Response, error) {
	return nil, errors.New("not implemented")
}

func newTestParser(f transport.Fetcher) *Parser {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	return NewParser(f, logger)
}

func TestParserUsesRawFetch(t *testing.T) {
	fetcher := &stubFetcher{text: mediaPlaylist}
	desc, err := newTestParser(fetcher).Parse(context.Background(), baseURL, "trust-me")
	require.NoError(t, err)

	assert.True(t, fetcher.gotRaw)
	assert.Equal(t, "trust-me", fetcher.gotTrust)
	assert.Len(t, desc.Segments, 5)
}

func TestParserPropagatesFetchError(t *testing.T) {
	fetcher := &stubFetcher{err: common.NewFetchError(baseURL, 404, nil)}
	_, err := newTestParser(fetcher).Parse(context.Background(), baseURL, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrFetch))
}

func TestParserFetchTimeout(t *testing.T) {
	parser := newTestParser(&stubFetcher{block: true})
	parser.SetTimeout(20 * time.Millisecond)

	_, err := parser.Parse(context.Background(), baseURL, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrTimeout))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = parser.Parse(ctx, baseURL, "")
	assert.True(t, errors.Is(err, common.ErrCancelled))
}
