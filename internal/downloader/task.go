package downloader

import (
	"net/url"
	"strings"
	"time"

	"github.com/opd-ai/go-hls-offline/internal/manifest"
	"github.com/opd-ai/go-hls-offline/internal/storage"
)

// Status is the lifecycle state of an acquisition task.
type Status string

const (
	StatusPending         Status = "pending"
	StatusAwaitingQuality Status = "awaiting_quality"
	StatusDownloading     Status = "downloading"
	StatusCompleted       Status = "completed"
	StatusError           Status = "error"
	StatusCancelled       Status = "cancelled"
)

// IsFinished reports whether no further transition happens without a caller
// action.
func (s Status) IsFinished() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Kind selects how a request URL is acquired.
type Kind string

const (
	KindAuto Kind = ""
	KindHLS  Kind = "hls"
	KindFile Kind = "file"
)

// DetectKind classifies a URL by its path. Anything that does not look like
// an HLS playlist is fetched as a whole file.
func DetectKind(rawURL string) Kind {
	u, err := url.Parse(rawURL)
	if err != nil {
		return KindFile
	}

	path := strings.ToLower(u.Path)
	if strings.HasSuffix(path, ".m3u8") ||
		strings.HasSuffix(path, ".m3u") ||
		strings.Contains(u.RawQuery, "m3u8") {
		return KindHLS
	}
	return KindFile
}

// Request describes one acquisition to enqueue.
type Request struct {
	MediaID        string `json:"media_id"`
	EpisodeID      string `json:"episode_id"`
	ProviderID     string `json:"provider_id,omitempty"`
	Title          string `json:"title,omitempty"`
	SequenceNumber int    `json:"sequence_number"`
	URL            string `json:"url"`
	TrustHeader    string `json:"trust_header,omitempty"`

	// Quality preselects a variant label and skips the prompt when present
	// in the master playlist.
	Quality string `json:"quality,omitempty"`
	Kind    Kind   `json:"kind,omitempty"`
}

// Task is a snapshot of one queued acquisition.
type Task struct {
	ID string `json:"id"`
	Request

	Status             Status                    `json:"status"`
	ProgressPercent    int                       `json:"progress_percent"`
	SelectedQuality    *manifest.QualityVariant  `json:"selected_quality,omitempty"`
	AvailableQualities []manifest.QualityVariant `json:"available_qualities,omitempty"`
	EstimatedBytes     int64                     `json:"estimated_bytes,omitempty"`
	BytesDownloaded    int64                     `json:"bytes_downloaded"`
	SegmentsDownloaded int                       `json:"segments_downloaded"`
	TotalSegments      int                       `json:"total_segments,omitempty"`
	LastError          string                    `json:"last_error,omitempty"`
	CreatedAt          time.Time                 `json:"created_at"`
	UpdatedAt          time.Time                 `json:"updated_at"`
}

func (t *Task) clone() Task {
	c := *t
	if t.SelectedQuality != nil {
		q := *t.SelectedQuality
		c.SelectedQuality = &q
	}
	if t.AvailableQualities != nil {
		c.AvailableQualities = append([]manifest.QualityVariant(nil), t.AvailableQualities...)
	}
	return c
}

func (t *Task) resetCounters() {
	t.ProgressPercent = 0
	t.EstimatedBytes = 0
	t.BytesDownloaded = 0
	t.SegmentsDownloaded = 0
	t.TotalSegments = 0
	t.LastError = ""
}

func (t *Task) kind() Kind {
	if t.Kind != KindAuto {
		return t.Kind
	}
	return DetectKind(t.URL)
}

func (t *Task) toRecord() *storage.TaskRecord {
	record := &storage.TaskRecord{
		ID:             t.ID,
		MediaID:        t.MediaID,
		EpisodeID:      t.EpisodeID,
		ProviderID:     t.ProviderID,
		Title:          t.Title,
		SequenceNumber: t.SequenceNumber,
		URL:            t.URL,
		TrustHeader:    t.TrustHeader,
		Kind:           string(t.Kind),
		Status:         string(t.Status),
		LastError:      t.LastError,
		CreatedAt:      t.CreatedAt,
	}
	if t.SelectedQuality != nil {
		record.SelectedQuality = t.SelectedQuality.Label
		record.QualityURL = t.SelectedQuality.URL
	} else {
		record.SelectedQuality = t.Quality
	}
	return record
}

// taskFromRecord restores a persisted task. Anything that was not a failure
// re-enters the queue as pending.
func taskFromRecord(r *storage.TaskRecord) *Task {
	t := &Task{
		ID: r.ID,
		Request: Request{
			MediaID:        r.MediaID,
			EpisodeID:      r.EpisodeID,
			ProviderID:     r.ProviderID,
			Title:          r.Title,
			SequenceNumber: r.SequenceNumber,
			URL:            r.URL,
			TrustHeader:    r.TrustHeader,
			Kind:           Kind(r.Kind),
		},
		Status:    StatusPending,
		LastError: r.LastError,
		CreatedAt: r.CreatedAt,
		UpdatedAt: time.Now(),
	}
	if Status(r.Status) == StatusError {
		t.Status = StatusError
	}
	if r.QualityURL != "" {
		t.SelectedQuality = &manifest.QualityVariant{Label: r.SelectedQuality, URL: r.QualityURL}
	} else {
		t.Quality = r.SelectedQuality
	}
	return t
}
