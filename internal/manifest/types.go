package manifest

import (
	"github.com/opd-ai/go-hls-offline/internal/transport"
)

// Method is the encryption method declared by EXT-X-KEY.
type Method string

const (
	MethodNone      Method = "NONE"
	MethodAES128    Method = "AES-128"
	MethodSampleAES Method = "SAMPLE-AES"
)

// KeyInfo describes the key in force for a segment.
// IV is nil when the playlist does not declare one; consumers then derive it
// from the segment index.
type KeyInfo struct {
	Method Method `json:"method"`
	URI    string `json:"uri"`
	IV     []byte `json:"iv,omitempty"`
}

// Segment is one fetchable piece of a media playlist.
type Segment struct {
	Index     uint32               `json:"index"`
	URI       string               `json:"uri"`
	Duration  float64              `json:"duration_seconds"`
	Key       *KeyInfo             `json:"key,omitempty"`
	ByteRange *transport.ByteRange `json:"byte_range,omitempty"`
}

// InitSegment is the EXT-X-MAP initialization section of a fragmented stream.
type InitSegment struct {
	URI       string               `json:"uri"`
	ByteRange *transport.ByteRange `json:"byte_range,omitempty"`
}

// QualityVariant is one EXT-X-STREAM-INF entry of a master playlist.
type QualityVariant struct {
	Label         string  `json:"label"`
	BandwidthBps  int64   `json:"bandwidth_bps"`
	Width         int     `json:"width,omitempty"`
	Height        int     `json:"height,omitempty"`
	URL           string  `json:"url"`
	Codecs        string  `json:"codecs,omitempty"`
	FrameRate     float64 `json:"frame_rate,omitempty"`
	AudioGroup    string  `json:"audio_group,omitempty"`
	SubtitleGroup string  `json:"subtitle_group,omitempty"`
}

// TrackType distinguishes EXT-X-MEDIA renditions.
type TrackType string

const (
	TrackAudio    TrackType = "AUDIO"
	TrackSubtitle TrackType = "SUBTITLES"
)

// AltTrack is an alternate audio or subtitle rendition.
// URI is empty for audio multiplexed into the video variants.
type AltTrack struct {
	Type     TrackType `json:"type"`
	GroupID  string    `json:"group_id"`
	Name     string    `json:"name"`
	Language string    `json:"language,omitempty"`
	Default  bool      `json:"default"`
	URI      string    `json:"uri,omitempty"`
}

// Description is the typed result of parsing a manifest. Exactly one of
// Qualities (master) or Segments (media) is populated.
type Description struct {
	URL            string           `json:"url"`
	IsMaster       bool             `json:"is_master"`
	Qualities      []QualityVariant `json:"qualities,omitempty"`
	Segments       []Segment        `json:"segments,omitempty"`
	TotalDuration  float64          `json:"total_duration_seconds,omitempty"`
	EncryptionKey  *KeyInfo         `json:"encryption_key,omitempty"`
	InitSegment    *InitSegment     `json:"init_segment,omitempty"`
	AudioTracks    []AltTrack       `json:"audio_tracks,omitempty"`
	SubtitleTracks []AltTrack       `json:"subtitle_tracks,omitempty"`
	TargetDuration int              `json:"target_duration,omitempty"`
	IsLive         bool             `json:"is_live"`
}

// Variant returns the quality with the given label.
func (d *Description) Variant(label string) (*QualityVariant, bool) {
	for i := range d.Qualities {
		if d.Qualities[i].Label == label {
			return &d.Qualities[i], true
		}
	}
	return nil, false
}

// Labels lists quality labels in bandwidth order.
func (d *Description) Labels() []string {
	labels := make([]string, len(d.Qualities))
	for i, q := range d.Qualities {
		labels[i] = q.Label
	}
	return labels
}
