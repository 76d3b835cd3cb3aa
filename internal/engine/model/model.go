// Package model defines the data types shared across the download engine:
// jobs, segments, presets and the wire-shaped DTOs (progress events,
// checkpoints, retention records) described in spec.md §3 and §6.3.
package model

import "time"

// Preset describes the target encode constraints for a job (spec.md §4.1
// "Preset validation").
type Preset struct {
	Name          string `json:"name"`
	MaxWidth      int    `json:"maxWidth"`      // [320, 7680]
	MaxBitrate    int    `json:"maxBitrate"`    // [100000, 100000000]
	VideoCodec    string `json:"videoCodec"`    // "h264" | "hevc"
	AudioCodec    string `json:"audioCodec"`    // "aac"
	AudioBitrate  int    `json:"audioBitrate"`  // [32000, 640000]
	AudioChannels int    `json:"audioChannels"` // 2 | 6
}

// SubtitleDescriptor carries everything the muxer needs to fetch and embed
// an external subtitle track (spec.md §3 "optional external-subtitle descriptor").
type SubtitleDescriptor struct {
	StreamIndex     int    `json:"streamIndex"`
	Language        string `json:"language,omitempty"`
	CodecTag        string `json:"codecTag,omitempty"`
	UpstreamBaseURL string `json:"upstreamBaseUrl"`
	BearerToken     string `json:"-"` // never serialized; the engine does not send it, subtitle fetches use only the URL the upstream adapter returns
}

// Descriptor identifies the upstream item/media/stream selection a job was
// started with (spec.md §6.1), plus the immutable fields spec.md §3 lists
// for a Job's descriptor.
type Descriptor struct {
	ItemID           string               `json:"itemId"`
	MediaSourceID    string               `json:"mediaSourceId"`
	AudioStreamIndex int                  `json:"audioStreamIndex"`
	Subtitle         *SubtitleDescriptor  `json:"subtitle,omitempty"`
	Title            string               `json:"title"`
	SanitizedName    string               `json:"sanitizedName"`
	Preset           Preset               `json:"preset"`
	PlaylistURL      string               `json:"playlistUrl"`
	ExpectedDuration float64              `json:"expectedDuration"`
}

// Segment is one media-playlist entry resolved to an absolute URL, with the
// optional byte-range and init-segment fields the muxer needs (spec.md §4.2).
type Segment struct {
	Index         int     `json:"index"`
	URI           string  `json:"uri"`
	Duration      float64 `json:"duration"`
	ByteRangeLen  int64   `json:"byteRangeLen,omitempty"`
	ByteRangeOff  int64   `json:"byteRangeOffset,omitempty"`
	HasByteRange  bool    `json:"hasByteRange"`
	InitSegmentURI string `json:"initSegmentUri,omitempty"`
}

// Job is the in-memory and on-disk record for one conversion (spec.md §3).
type Job struct {
	ID          string      `json:"id"`
	Descriptor  Descriptor  `json:"descriptor"`
	Status      Status      `json:"status"`
	Segments    []Segment   `json:"segments,omitempty"`
	Completed   map[int]bool `json:"completed,omitempty"`
	// BytesDownloaded and DownloadStartedAt are the raw pair the wire
	// contract carries; speed/ETA are computed at the edges from them,
	// not smoothed or stored here (spec.md §9).
	BytesDownloaded   int64      `json:"bytesDownloaded"`
	DownloadStartedAt *time.Time `json:"downloadStartedAt,omitempty"`
	RetryCount  int         `json:"retryCount"`
	LastError   *string     `json:"lastError,omitempty"`
	// LastErrorKind is the engineerr.Class string of LastError's cause,
	// classified by the scheduler at failure time. Kept as a plain string
	// so model doesn't import engineerr (see ErrWire below).
	LastErrorKind string    `json:"-"`
	QueuePosition *int      `json:"queuePosition,omitempty"`
	// PausedAt is set when Pause is called on an active job; it records
	// intent only and does not interrupt the run (spec.md §5).
	PausedAt    *time.Time  `json:"pausedAt,omitempty"`
	OutputPath  string      `json:"outputPath,omitempty"`
	TempDirPath string      `json:"tempDirPath,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// CompletedCount returns |completed indices|, used to maintain the
// spec.md §3 invariant completedSegmentCount == |completedIndices|.
func (j *Job) CompletedCount() int { return len(j.Completed) }

// Progress returns completed/total, or 0 when total is unknown.
func (j *Job) Progress() float64 {
	total := len(j.Segments)
	if total == 0 {
		return 0
	}
	return float64(j.CompletedCount()) / float64(total)
}

// CanResume reports whether a resume is meaningful: failed with at least
// one completed segment already on disk (spec.md §6.3 "canResume").
func (j *Job) CanResume() bool {
	return j.Status == StatusFailed && j.CompletedCount() > 0
}

// ProgressEvent is the DTO emitted to subscribers on every state change:
// `{ jobId, title?, filename?, status, progress, completedSegments,
// totalSegments, bytesDownloaded?, downloadStartedAt?, queuePosition?,
// canResume?, error?, createdAt? }` (spec.md §6.3).
type ProgressEvent struct {
	JobID             string     `json:"jobId"`
	Title             string     `json:"title,omitempty"`
	Filename          string     `json:"filename,omitempty"`
	Status            string     `json:"status"`
	Progress          float64    `json:"progress"`
	Completed         int        `json:"completedSegments"`
	Total             int        `json:"totalSegments"`
	BytesDownloaded   int64      `json:"bytesDownloaded,omitempty"`
	DownloadStartedAt *time.Time `json:"downloadStartedAt,omitempty"`
	QueuePosition     *int       `json:"queuePosition,omitempty"`
	CanResume         bool       `json:"canResume"`
	Error             *ErrWire   `json:"error,omitempty"`
	CreatedAt         *time.Time `json:"createdAt,omitempty"`
}

// ErrWire mirrors engineerr.Wire without importing engineerr, keeping model
// free of the error package's dependency direction.
type ErrWire struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Checkpoint is the on-disk resume record written alongside downloaded
// segments under tempRoot/<jobId>/state.json (spec.md §6.5).
type Checkpoint struct {
	JobID      string       `json:"jobId"`
	Descriptor Descriptor   `json:"descriptor"`
	Status     Status       `json:"status"`
	Segments   []Segment    `json:"segments"`
	Completed  []int        `json:"completedIndices"`
	RetryCount int          `json:"retryCount"`
	LastError  *string      `json:"lastError,omitempty"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// RetentionRecord is the per-artifact metadata persisted next to a
// completed download (spec.md §4.6, §6.5 "retention.json").
type RetentionRecord struct {
	JobID         string     `json:"jobId"`
	DownloadedAt  time.Time  `json:"downloadedAt"`
	OverrideDays  *int       `json:"overrideDays,omitempty"` // [1, 365] or nil
	ExpiresAt     time.Time  `json:"expiresAt"`
}
