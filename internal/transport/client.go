// Package transport is the HTTP collaborator used by the acquisition core.
// It fetches manifests in raw (non-rewritten) form and binary payloads with
// GET or HEAD, attaching the optional relay trust header and applying a
// shared bandwidth limit.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/opd-ai/go-hls-offline/internal/common"
	"github.com/opd-ai/go-hls-offline/pkg/config"
)

// RawHeader asks the relay to return the manifest exactly as the origin
// served it, without rewriting segment URLs for playback.
const RawHeader = "X-Relay-Raw"

// ByteRange selects part of a resource, as declared by EXT-X-BYTERANGE.
type ByteRange struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// Header renders the range as an HTTP Range header value.
func (b ByteRange) Header() string {
	return fmt.Sprintf("bytes=%d-%d", b.Offset, b.Offset+b.Length-1)
}

// Request describes a binary fetch.
type Request struct {
	URL         string
	TrustHeader string
	Method      string // http.MethodGet or http.MethodHead
	Range       *ByteRange
}

// Response carries the body (GET) or just the headers (HEAD).
type Response struct {
	StatusCode    int
	Header        http.Header
	ContentLength int64
	Body          []byte
}

// Fetcher is the capability the core consumes from the transport layer.
type Fetcher interface {
	FetchManifest(ctx context.Context, url, trustHeader string, raw bool) (string, error)
	FetchBinary(ctx context.Context, req Request) (*Response, error)
}

// Client implements Fetcher over net/http.
type Client struct {
	http            *http.Client
	limiter         *rate.Limiter
	userAgent       string
	trustHeaderName string
	logger          *slog.Logger
}

// New creates a transport client. Per-request deadlines come from the
// caller's context, so the underlying http.Client has no global timeout.
func New(cfg *config.DownloadConfig, logger *slog.Logger) *Client {
	c := &Client{
		http:            &http.Client{},
		userAgent:       cfg.UserAgent,
		trustHeaderName: cfg.TrustHeaderName,
		logger:          logger,
	}

	if cfg.RateLimitMbps > 0 {
		// Convert Mbps to bytes per second with a one second burst
		bytesPerSecond := rate.Limit(cfg.RateLimitMbps * 1024 * 1024 / 8)
		c.limiter = rate.NewLimiter(bytesPerSecond, int(bytesPerSecond))
	}

	return c
}

// WithHTTPClient replaces the underlying http.Client (used by tests and
// for custom proxies).
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// FetchManifest returns the manifest text. raw=true adds RawHeader so a
// rewriting relay passes the origin bytes through untouched.
func (c *Client) FetchManifest(ctx context.Context, url, trustHeader string, raw bool) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url, trustHeader)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.apple.mpegurl,application/x-mpegurl,text/plain")
	if raw {
		req.Header.Set(RawHeader, "1")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", common.NewFetchError(url, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", common.NewFetchError(url, resp.StatusCode, nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", common.NewFetchError(url, resp.StatusCode, err)
	}

	c.logger.Debug("Fetched manifest",
		"url", url,
		"bytes", len(body),
		"raw", raw)

	return string(body), nil
}

// FetchBinary performs a GET (body read in full) or a HEAD (headers only).
func (c *Client) FetchBinary(ctx context.Context, r Request) (*Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := c.newRequest(ctx, method, r.URL, r.TrustHeader)
	if err != nil {
		return nil, err
	}
	if r.Range != nil && r.Range.Length > 0 {
		req.Header.Set("Range", r.Range.Header())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, common.NewFetchError(r.URL, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, common.NewFetchError(r.URL, resp.StatusCode, nil)
	}

	out := &Response{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
	}

	if out.ContentLength < 0 {
		if n, perr := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); perr == nil {
			out.ContentLength = n
		}
	}

	if method == http.MethodHead {
		return out, nil
	}

	body, err := io.ReadAll(c.limitedReader(ctx, resp.Body))
	if err != nil {
		return nil, common.NewFetchError(r.URL, resp.StatusCode, err)
	}
	out.Body = body
	if out.ContentLength < 0 {
		out.ContentLength = int64(len(body))
	}

	// An origin may ignore Range and answer 200 with the whole resource.
	if r.Range != nil && r.Range.Length > 0 && resp.StatusCode != http.StatusPartialContent {
		end := r.Range.Offset + r.Range.Length
		if r.Range.Offset < 0 || end > int64(len(body)) {
			return nil, common.NewFetchError(r.URL, resp.StatusCode,
				fmt.Errorf("response of %d bytes does not cover %s", len(body), r.Range.Header()))
		}
		out.Body = body[r.Range.Offset:end]
		out.ContentLength = r.Range.Length

		c.logger.Debug("Origin ignored range request, sliced full response",
			"url", r.URL,
			"range", r.Range.Header(),
			"full_bytes", len(body))
	}

	return out, nil
}

func (c *Client) newRequest(ctx context.Context, method, url, trustHeader string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, common.NewFetchError(url, 0, fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("User-Agent", c.userAgent)
	if trustHeader != "" {
		req.Header.Set(c.trustHeaderName, trustHeader)
	}

	return req, nil
}

func (c *Client) limitedReader(ctx context.Context, r io.Reader) io.Reader {
	if c.limiter == nil {
		return r
	}
	return &rateLimitedReader{reader: r, limiter: c.limiter, ctx: ctx}
}

// rateLimitedReader implements io.Reader with rate limiting.
type rateLimitedReader struct {
	reader  io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *rateLimitedReader) Read(buf []byte) (int, error) {
	// WaitN rejects requests larger than the burst
	if burst := r.limiter.Burst(); len(buf) > burst {
		buf = buf[:burst]
	}

	n, err := r.reader.Read(buf)
	if n > 0 {
		if werr := r.limiter.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
