package downloader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opd-ai/go-hls-offline/internal/common"
	"github.com/opd-ai/go-hls-offline/internal/decrypt"
	"github.com/opd-ai/go-hls-offline/internal/manifest"
	"github.com/opd-ai/go-hls-offline/internal/transport"
	"github.com/opd-ai/go-hls-offline/pkg/config"
)

// DefaultSegmentTimeout bounds each segment and init segment fetch.
const DefaultSegmentTimeout = 30 * time.Second

// SegmentSink receives fully fetched and decrypted payloads.
type SegmentSink interface {
	StoreInitSegment(ctx context.Context, data []byte) error
	StoreSegment(ctx context.Context, index uint32, data []byte, duration float64) error
}

// ProgressObserver receives a snapshot after every segment.
type ProgressObserver interface {
	OnProgress(p Progress)
}

// ProgressObserverFunc adapts a function to ProgressObserver.
type ProgressObserverFunc func(Progress)

// OnProgress calls f(p).
func (f ProgressObserverFunc) OnProgress(p Progress) { f(p) }

// Progress is a point-in-time view of a stream download.
type Progress struct {
	SegmentIndex        uint32  `json:"segment_index"`
	TotalSegments       int     `json:"total_segments"`
	SegmentsDownloaded  int     `json:"segments_downloaded"`
	BytesDownloaded     int64   `json:"bytes_downloaded"`
	EstimatedTotalBytes int64   `json:"estimated_total_bytes"`
	Percent             int     `json:"percent"`
	TotalDuration       float64 `json:"total_duration_seconds"`
	DownloadedDuration  float64 `json:"downloaded_duration_seconds"`
	HasInitSegment      bool    `json:"has_init_segment"`
}

// StreamOptions configures one Download call.
type StreamOptions struct {
	TrustHeader string

	// Downloaded maps already stored segment indices to their stored size.
	Downloaded        map[uint32]int64
	InitSegmentStored bool

	// EstimatedBytes seeds EstimatedTotalBytes; zero extrapolates from the
	// bytes seen so far.
	EstimatedBytes int64

	// Playlist skips the fetch of the media playlist when already parsed.
	Playlist *manifest.Description

	// Keys is shared with the decryption engine; nil gets a fresh cache.
	Keys *decrypt.KeyCache

	Sink     SegmentSink
	Observer ProgressObserver
}

// StreamDownloader fetches the segments of one media playlist in order.
type StreamDownloader struct {
	fetcher        transport.Fetcher
	parser         *manifest.Parser
	segmentTimeout time.Duration
	initTimeout    time.Duration
	logger         *slog.Logger
}

// NewStreamDownloader creates a stream downloader.
func NewStreamDownloader(cfg *config.DownloadConfig, fetcher transport.Fetcher, logger *slog.Logger) *StreamDownloader {
	parser := manifest.NewParser(fetcher, logger)
	parser.SetTimeout(cfg.ManifestTimeout)

	d := &StreamDownloader{
		fetcher:        fetcher,
		parser:         parser,
		segmentTimeout: cfg.SegmentTimeout,
		initTimeout:    cfg.InitSegmentTimeout,
		logger:         logger,
	}
	if d.segmentTimeout <= 0 {
		d.segmentTimeout = DefaultSegmentTimeout
	}
	if d.initTimeout <= 0 {
		d.initTimeout = DefaultSegmentTimeout
	}
	return d
}

// Download acquires every segment of the media playlist at playlistURL that
// is not already in opts.Downloaded, strictly in index order. It stops at the
// first segment failure; segments already handed to the sink stay valid for
// a later resume.
func (d *StreamDownloader) Download(ctx context.Context, playlistURL string, opts StreamOptions) (*Progress, error) {
	if opts.Sink == nil {
		return nil, fmt.Errorf("segment sink is required")
	}

	desc := opts.Playlist
	if desc == nil {
		var err error
		desc, err = d.parser.Parse(ctx, playlistURL, opts.TrustHeader)
		if err != nil {
			return nil, err
		}
	}
	if desc.IsMaster {
		return nil, common.NewError(common.CodeMasterPlaylist, playlistURL,
			"master playlist cannot be downloaded directly", nil)
	}
	if len(desc.Segments) == 0 {
		return nil, common.NewError(common.CodeNoSegments, playlistURL, "media playlist has no segments", nil)
	}

	engine := decrypt.NewEngine(d.fetcher, opts.Keys, opts.TrustHeader, d.logger)

	progress := &Progress{
		TotalSegments:  len(desc.Segments),
		TotalDuration:  desc.TotalDuration,
		HasInitSegment: desc.InitSegment != nil,
	}

	if desc.InitSegment != nil && !opts.InitSegmentStored {
		if err := d.fetchInitSegment(ctx, desc.InitSegment, opts); err != nil {
			return progress, err
		}
	}

	d.logger.Info("Starting stream download",
		"url", playlistURL,
		"segments", len(desc.Segments),
		"resumed", len(opts.Downloaded),
		"init_segment", progress.HasInitSegment)

	fetched := 0
	for _, seg := range desc.Segments {
		if size, ok := opts.Downloaded[seg.Index]; ok {
			progress.BytesDownloaded += size
			progress.DownloadedDuration += seg.Duration
			progress.SegmentsDownloaded++
			d.emit(progress, seg.Index, opts)
			continue
		}

		if err := ctx.Err(); err != nil {
			return progress, common.NewError(common.CodeCancelled, playlistURL, "download cancelled", err)
		}

		data, err := d.fetchSegment(ctx, engine, seg, opts.TrustHeader)
		if err != nil {
			d.logger.Warn("Segment download failed",
				"index", seg.Index,
				"url", seg.URI,
				"error", err)
			return progress, err
		}

		if err := opts.Sink.StoreSegment(ctx, seg.Index, data, seg.Duration); err != nil {
			return progress, fmt.Errorf("failed to store segment %d: %w", seg.Index, err)
		}

		fetched++
		progress.BytesDownloaded += int64(len(data))
		progress.DownloadedDuration += seg.Duration
		progress.SegmentsDownloaded++
		d.emit(progress, seg.Index, opts)
	}

	d.logger.Info("Stream download completed",
		"url", playlistURL,
		"fetched", fetched,
		"bytes", progress.BytesDownloaded)

	return progress, nil
}

func (d *StreamDownloader) fetchInitSegment(ctx context.Context, init *manifest.InitSegment, opts StreamOptions) error {
	ictx, cancel := context.WithTimeout(ctx, d.initTimeout)
	defer cancel()

	resp, err := d.fetcher.FetchBinary(ictx, transport.Request{
		URL:         init.URI,
		TrustHeader: opts.TrustHeader,
		Range:       init.ByteRange,
	})
	if err != nil {
		return common.FromContext(ctx, ictx, init.URI, err)
	}

	if err := opts.Sink.StoreInitSegment(ctx, resp.Body); err != nil {
		return fmt.Errorf("failed to store init segment: %w", err)
	}

	d.logger.Debug("Init segment stored", "url", init.URI, "bytes", len(resp.Body))
	return nil
}

// fetchSegment fetches and decrypts one segment under the per-segment
// timeout.
func (d *StreamDownloader) fetchSegment(ctx context.Context, engine *decrypt.Engine, seg manifest.Segment, trustHeader string) ([]byte, error) {
	sctx, cancel := context.WithTimeout(ctx, d.segmentTimeout)
	defer cancel()

	resp, err := d.fetcher.FetchBinary(sctx, transport.Request{
		URL:         seg.URI,
		TrustHeader: trustHeader,
		Range:       seg.ByteRange,
	})
	if err != nil {
		return nil, common.FromContext(ctx, sctx, seg.URI, err)
	}

	data, err := engine.Decrypt(sctx, resp.Body, seg.Key, seg.Index)
	if err != nil {
		return nil, common.FromContext(ctx, sctx, seg.URI, err)
	}

	d.logger.Debug("Segment downloaded",
		"index", seg.Index,
		"bytes", len(data))

	return data, nil
}

func (d *StreamDownloader) emit(p *Progress, index uint32, opts StreamOptions) {
	p.SegmentIndex = index
	p.Percent = int(float64(index+1) / float64(p.TotalSegments) * 100)

	switch {
	case opts.EstimatedBytes > 0:
		p.EstimatedTotalBytes = opts.EstimatedBytes
	case p.SegmentsDownloaded > 0:
		p.EstimatedTotalBytes = p.BytesDownloaded / int64(p.SegmentsDownloaded) * int64(p.TotalSegments)
	}
	if p.EstimatedTotalBytes < p.BytesDownloaded {
		p.EstimatedTotalBytes = p.BytesDownloaded
	}

	if opts.Observer != nil {
		opts.Observer.OnProgress(*p)
	}
}
