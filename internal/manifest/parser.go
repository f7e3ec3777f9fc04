// Package manifest parses HLS master and media playlists into a typed
// Description with every URI resolved against the manifest's own URL.
package manifest

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opd-ai/go-hls-offline/internal/common"
	"github.com/opd-ai/go-hls-offline/internal/transport"
)

// DefaultTimeout bounds a single manifest fetch.
const DefaultTimeout = 15 * time.Second

// Parser fetches manifests through the transport in raw mode and parses them.
type Parser struct {
	fetcher transport.Fetcher
	timeout time.Duration
	logger  *slog.Logger
}

// NewParser creates a manifest parser that uses DefaultTimeout.
func NewParser(fetcher transport.Fetcher, logger *slog.Logger) *Parser {
	return &Parser{
		fetcher: fetcher,
		timeout: DefaultTimeout,
		logger:  logger,
	}
}

// SetTimeout changes the per-fetch bound. Non-positive values are ignored.
func (p *Parser) SetTimeout(d time.Duration) {
	if d > 0 {
		p.timeout = d
	}
}

// Parse fetches the manifest at manifestURL unmodified and parses it.
// Fails with common.ErrFetch, common.ErrTimeout or common.ErrMalformedManifest.
func (p *Parser) Parse(ctx context.Context, manifestURL, trustHeader string) (*Description, error) {
	fctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	text, err := p.fetcher.FetchManifest(fctx, manifestURL, trustHeader, true)
	if err != nil {
		return nil, common.FromContext(ctx, fctx, manifestURL, err)
	}

	desc, err := ParseText(manifestURL, text)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("Parsed manifest",
		"url", manifestURL,
		"is_master", desc.IsMaster,
		"qualities", len(desc.Qualities),
		"segments", len(desc.Segments),
		"total_duration", desc.TotalDuration,
		"live", desc.IsLive)

	return desc, nil
}

// parseState carries the in-progress tags between URI lines.
type parseState struct {
	base       *url.URL
	desc       *Description
	variants   []QualityVariant
	pendingInf *float64
	pendingVar *QualityVariant
	pendingBR  *transport.ByteRange
	currentKey *KeyInfo
	lastRange  struct {
		uri string
		end int64
	}
	sawEndList bool
}

// ParseText parses manifest text fetched from manifestURL.
func ParseText(manifestURL, text string) (*Description, error) {
	base, err := url.Parse(manifestURL)
	if err != nil {
		return nil, common.NewError(common.CodeMalformedManifest, manifestURL, "invalid manifest URL", err)
	}

	st := &parseState{
		base: base,
		desc: &Description{URL: manifestURL},
	}

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	headerSeen := false
	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\ufeff"))
		if line == "" {
			continue
		}

		if !headerSeen {
			if line != "#EXTM3U" {
				return nil, common.NewError(common.CodeMalformedManifest, manifestURL, "missing #EXTM3U header", nil)
			}
			headerSeen = true
			continue
		}

		if strings.HasPrefix(line, "#") {
			if !strings.HasPrefix(line, "#EXT") {
				continue // comment
			}
			if err := st.parseTag(line); err != nil {
				return nil, common.NewError(common.CodeMalformedManifest, manifestURL,
					fmt.Sprintf("failed to parse tag %s", line), err)
			}
			continue
		}

		st.addURI(line)
	}

	if err := scanner.Err(); err != nil {
		return nil, common.NewError(common.CodeMalformedManifest, manifestURL, "error reading playlist", err)
	}
	if !headerSeen {
		return nil, common.NewError(common.CodeMalformedManifest, manifestURL, "empty playlist", nil)
	}

	return st.finish(manifestURL)
}

func (st *parseState) parseTag(line string) error {
	tag, value, _ := strings.Cut(line, ":")

	switch tag {
	case "#EXTINF":
		durStr, _, _ := strings.Cut(value, ",")
		d, err := strconv.ParseFloat(strings.TrimSpace(durStr), 64)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid segment duration %q", durStr)
		}
		st.pendingInf = &d

	case "#EXT-X-BYTERANGE":
		br, err := parseByteRange(value, st.lastRange.end)
		if err != nil {
			return err
		}
		st.pendingBR = br

	case "#EXT-X-KEY":
		attrs := parseAttributes(value)
		method := Method(strings.ToUpper(attrs["METHOD"]))
		if method == "" || method == MethodNone {
			st.currentKey = nil
			return nil
		}
		key := &KeyInfo{
			Method: method,
			URI:    resolveURI(st.base, attrs["URI"]),
		}
		if ivStr, ok := attrs["IV"]; ok && ivStr != "" {
			iv, err := parseIV(ivStr)
			if err != nil {
				return err
			}
			key.IV = iv
		}
		st.currentKey = key
		if st.desc.EncryptionKey == nil {
			st.desc.EncryptionKey = key
		}

	case "#EXT-X-MAP":
		if st.desc.InitSegment != nil {
			return nil // first occurrence wins
		}
		attrs := parseAttributes(value)
		initSeg := &InitSegment{URI: resolveURI(st.base, attrs["URI"])}
		if brStr, ok := attrs["BYTERANGE"]; ok && brStr != "" {
			br, err := parseByteRange(brStr, 0)
			if err != nil {
				return err
			}
			initSeg.ByteRange = br
		}
		st.desc.InitSegment = initSeg

	case "#EXT-X-STREAM-INF":
		attrs := parseAttributes(value)
		v := &QualityVariant{
			Codecs:        attrs["CODECS"],
			AudioGroup:    attrs["AUDIO"],
			SubtitleGroup: attrs["SUBTITLES"],
		}
		if bw, err := strconv.ParseInt(attrs["BANDWIDTH"], 10, 64); err == nil {
			v.BandwidthBps = bw
		}
		if res, ok := attrs["RESOLUTION"]; ok {
			v.Width, v.Height = parseResolution(res)
		}
		if fr, err := strconv.ParseFloat(attrs["FRAME-RATE"], 64); err == nil {
			v.FrameRate = fr
		}
		st.pendingVar = v

	case "#EXT-X-MEDIA":
		st.addMedia(parseAttributes(value))

	case "#EXT-X-TARGETDURATION":
		if v, err := strconv.Atoi(value); err == nil {
			st.desc.TargetDuration = v
		}

	case "#EXT-X-ENDLIST":
		st.sawEndList = true
	}

	return nil
}

func (st *parseState) addMedia(attrs map[string]string) {
	track := AltTrack{
		Type:     TrackType(strings.ToUpper(attrs["TYPE"])),
		GroupID:  attrs["GROUP-ID"],
		Name:     attrs["NAME"],
		Language: attrs["LANGUAGE"],
		Default:  strings.EqualFold(attrs["DEFAULT"], "YES"),
	}
	if uri, ok := attrs["URI"]; ok {
		track.URI = resolveURI(st.base, uri)
	}

	switch track.Type {
	case TrackAudio:
		st.desc.AudioTracks = append(st.desc.AudioTracks, track)
	case TrackSubtitle:
		if track.URI == "" {
			return // a subtitle rendition without a playlist is unusable
		}
		st.desc.SubtitleTracks = append(st.desc.SubtitleTracks, track)
	}
}

func (st *parseState) addURI(line string) {
	resolved := resolveURI(st.base, line)

	if st.pendingVar != nil {
		st.pendingVar.URL = resolved
		st.variants = append(st.variants, *st.pendingVar)
		st.pendingVar = nil
		return
	}

	seg := Segment{
		Index: uint32(len(st.desc.Segments)),
		URI:   resolved,
		Key:   st.currentKey,
	}
	if st.pendingInf != nil {
		seg.Duration = *st.pendingInf
	}
	if st.pendingBR != nil {
		seg.ByteRange = st.pendingBR
		st.lastRange.uri = resolved
		st.lastRange.end = st.pendingBR.Offset + st.pendingBR.Length
	} else if st.lastRange.uri != resolved {
		st.lastRange.end = 0
	}

	st.desc.Segments = append(st.desc.Segments, seg)
	st.desc.TotalDuration += seg.Duration
	st.pendingInf = nil
	st.pendingBR = nil
}

func (st *parseState) finish(manifestURL string) (*Description, error) {
	desc := st.desc

	if len(st.variants) > 0 {
		order := make([]int, len(st.variants))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(i, j int) bool {
			return st.variants[order[i]].BandwidthBps > st.variants[order[j]].BandwidthBps
		})

		// Labels are unique; the declaration index breaks full ties.
		qualities := make([]QualityVariant, 0, len(order))
		seen := make(map[string]bool, len(order))
		for _, decl := range order {
			v := st.variants[decl]
			v.Label = qualityLabel(v.Height, v.BandwidthBps)
			if seen[v.Label] {
				v.Label = fmt.Sprintf("%s-%dkbps", v.Label, v.BandwidthBps/1000)
			}
			if seen[v.Label] {
				v.Label = fmt.Sprintf("%s-v%d", v.Label, decl)
			}
			seen[v.Label] = true
			qualities = append(qualities, v)
		}

		desc.IsMaster = true
		desc.Qualities = qualities
		desc.Segments = nil
		desc.TotalDuration = 0
		desc.InitSegment = nil
		desc.EncryptionKey = nil
		return desc, nil
	}

	if len(desc.Segments) == 0 {
		return nil, common.NewError(common.CodeMalformedManifest, manifestURL,
			"playlist declares no variants and no segments", nil)
	}

	desc.AudioTracks = nil
	desc.SubtitleTracks = nil
	desc.IsLive = !st.sawEndList
	return desc, nil
}
