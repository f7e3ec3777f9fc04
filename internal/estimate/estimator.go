// Package estimate extrapolates the total payload size of a media playlist
// from a few HEAD-probed sample segments.
package estimate

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/go-hls-offline/internal/manifest"
	"github.com/opd-ai/go-hls-offline/internal/transport"
)

const (
	// DefaultSampleCount is the number of segments probed when the caller
	// passes zero.
	DefaultSampleCount = 3

	// DefaultProbeTimeout bounds each HEAD probe.
	DefaultProbeTimeout = 5 * time.Second

	// FallbackBytesPerSecond is used when every probe fails (100 KB/s).
	FallbackBytesPerSecond = 100 * 1024
)

// Estimator samples segment sizes through the transport.
type Estimator struct {
	fetcher      transport.Fetcher
	probeTimeout time.Duration
	logger       *slog.Logger
}

// New creates an estimator. A zero probeTimeout selects DefaultProbeTimeout.
func New(fetcher transport.Fetcher, probeTimeout time.Duration, logger *slog.Logger) *Estimator {
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &Estimator{
		fetcher:      fetcher,
		probeTimeout: probeTimeout,
		logger:       logger,
	}
}

type sample struct {
	bytes    int64
	duration float64
}

// EstimateTotalSize returns the extrapolated byte size of segments. It never
// fails: probes that error or time out are dropped, and if none succeed the
// estimate falls back to FallbackBytesPerSecond.
func (e *Estimator) EstimateTotalSize(ctx context.Context, segments []manifest.Segment, trustHeader string, sampleCount int) int64 {
	var totalDuration float64
	for _, seg := range segments {
		totalDuration += seg.Duration
	}
	if totalDuration <= 0 {
		return 0
	}

	if sampleCount <= 0 {
		sampleCount = DefaultSampleCount
	}

	indices := SampleIndices(len(segments), sampleCount)

	var mu sync.Mutex
	var samples []sample

	g, gctx := errgroup.WithContext(ctx)
	for _, idx := range indices {
		seg := segments[idx]
		g.Go(func() error {
			size, ok := e.probe(gctx, seg, trustHeader)
			if !ok {
				return nil
			}
			mu.Lock()
			samples = append(samples, sample{bytes: size, duration: seg.Duration})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // probes never return errors

	var sampleBytes int64
	var sampleDuration float64
	for _, s := range samples {
		sampleBytes += s.bytes
		sampleDuration += s.duration
	}

	if sampleBytes <= 0 || sampleDuration <= 0 {
		estimate := int64(totalDuration * FallbackBytesPerSecond)
		e.logger.Debug("Size probes failed, using fallback estimate",
			"segments", len(segments),
			"probes", len(indices),
			"estimate_bytes", estimate)
		return estimate
	}

	bytesPerSecond := float64(sampleBytes) / sampleDuration
	estimate := int64(bytesPerSecond * totalDuration)

	e.logger.Debug("Estimated stream size",
		"segments", len(segments),
		"samples", len(samples),
		"bytes_per_second", int64(bytesPerSecond),
		"estimate_bytes", estimate)

	return estimate
}

// probe issues one HEAD request under its own timeout. A byte-range segment
// reports its declared length without a request.
func (e *Estimator) probe(ctx context.Context, seg manifest.Segment, trustHeader string) (int64, bool) {
	if seg.ByteRange != nil && seg.ByteRange.Length > 0 {
		return seg.ByteRange.Length, true
	}

	pctx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	defer cancel()

	resp, err := e.fetcher.FetchBinary(pctx, transport.Request{
		URL:         seg.URI,
		TrustHeader: trustHeader,
		Method:      http.MethodHead,
	})
	if err != nil {
		e.logger.Debug("Size probe failed", "url", seg.URI, "error", err)
		return 0, false
	}
	if resp.ContentLength <= 0 {
		return 0, false
	}
	return resp.ContentLength, true
}

// SampleIndices picks up to count indices spread evenly across n items.
// When n <= count every index is returned.
func SampleIndices(n, count int) []int {
	if n <= 0 || count <= 0 {
		return nil
	}
	if n <= count {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}

	out := make([]int, 0, count)
	last := -1
	for i := 0; i < count; i++ {
		idx := i * n / count
		if idx != last {
			out = append(out, idx)
			last = idx
		}
	}
	return out
}
