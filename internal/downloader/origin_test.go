package downloader

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/go-hls-offline/internal/storage"
	"github.com/opd-ai/go-hls-offline/internal/transport"
	"github.com/opd-ai/go-hls-offline/pkg/config"
)

// testOrigin is an HLS origin whose responses can be failed or held per path.
type testOrigin struct {
	server *httptest.Server

	mu     sync.Mutex
	files  map[string][]byte
	fail   map[string]int
	hold   map[string]chan struct{}
	hits   map[string]int
	served chan string
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()

	o := &testOrigin{
		files:  make(map[string][]byte),
		fail:   make(map[string]int),
		hold:   make(map[string]chan struct{}),
		hits:   make(map[string]int),
		served: make(chan string, 256),
	}
	o.server = httptest.NewServer(http.HandlerFunc(o.handle))
	t.Cleanup(o.server.Close)
	return o
}

func (o *testOrigin) handle(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	if r.Method == http.MethodGet {
		o.hits[r.URL.Path]++
	}
	status := o.fail[r.URL.Path]
	hold := o.hold[r.URL.Path]
	data, ok := o.files[r.URL.Path]
	o.mu.Unlock()

	if r.Method == http.MethodGet {
		select {
		case o.served <- r.URL.Path:
		default:
		}
	}

	if hold != nil && r.Method == http.MethodGet {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if r.Method == http.MethodHead {
		return
	}
	w.Write(data)
}

func (o *testOrigin) URL(path string) string {
	return o.server.URL + path
}

func (o *testOrigin) Put(path string, data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[path] = data
}

func (o *testOrigin) Fail(path string, status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if status == 0 {
		delete(o.fail, path)
		return
	}
	o.fail[path] = status
}

// Hold blocks GETs of path until the returned channel is closed.
func (o *testOrigin) Hold(path string) chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch := make(chan struct{})
	o.hold[path] = ch
	return ch
}

func (o *testOrigin) Hits(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

// waitServed blocks until a GET for path has reached the origin.
func (o *testOrigin) waitServed(t *testing.T, path string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case p := <-o.served:
			if p == path {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for request to %s", path)
		}
	}
}

// segmentPayload is the body served for segment i of a rendition.
func segmentPayload(rendition string, i int) []byte {
	return []byte(fmt.Sprintf("%s-segment-%02d|", rendition, i))
}

// PutMedia publishes a VOD media playlist with n four-second segments under
// /<rendition>/ and returns its path.
func (o *testOrigin) PutMedia(rendition string, n int) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:0\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "#EXTINF:4.0,\nseg%d.ts\n", i)
		o.Put(fmt.Sprintf("/%s/seg%d.ts", rendition, i), segmentPayload(rendition, i))
	}
	b.WriteString("#EXT-X-ENDLIST\n")

	path := fmt.Sprintf("/%s/index.m3u8", rendition)
	o.Put(path, []byte(b.String()))
	return path
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newTestConfig() *config.DownloadConfig {
	return &config.DownloadConfig{
		SegmentTimeout:     2 * time.Second,
		InitSegmentTimeout: 2 * time.Second,
		ProbeTimeout:       time.Second,
		SampleCount:        3,
		UserAgent:          "go-hls-offline-test",
	}
}

func newTestFetcher(cfg *config.DownloadConfig) *transport.Client {
	return transport.New(cfg, newTestLogger())
}

func createTestStorage(t *testing.T) *storage.Manager {
	t.Helper()

	store, err := storage.NewManager(&config.StorageConfig{
		Directory:         t.TempDir(),
		MaxSizeGB:         1,
		EvictionThreshold: 0.9,
		ChunkThresholdMB:  5,
	}, newTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}
