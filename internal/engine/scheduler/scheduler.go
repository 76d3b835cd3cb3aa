// Package scheduler is the top of the download engine: it owns the job
// registry, the reorderable queue, the active set, per-job state
// machines, progress notification, retry policy and checkpoint/resume,
// and drives the pipeline stages for each admitted job (spec.md §4.1).
// The mutex-guarded registry plus a per-job background goroutine is
// grounded on the teacher's control/vod Manager (map[string]*BuildMonitor
// under a single mutex, one goroutine per running build, CancelAll
// draining via WaitGroup), generalized from "one VOD build" to "one
// multi-stage download job with its own retry/backoff policy".
package scheduler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/jellyvod/jellydown/internal/clock"
	"github.com/jellyvod/jellydown/internal/engine/checkpoint"
	"github.com/jellyvod/jellydown/internal/engine/model"
	"github.com/jellyvod/jellydown/internal/engine/muxer"
	"github.com/jellyvod/jellydown/internal/engine/playlist"
	"github.com/jellyvod/jellydown/internal/engine/retention"
	"github.com/jellyvod/jellydown/internal/engine/segpipeline"
	"github.com/jellyvod/jellydown/internal/engineerr"
	"github.com/jellyvod/jellydown/internal/engmetrics"
	"github.com/jellyvod/jellydown/internal/jlog"
	"github.com/jellyvod/jellydown/internal/upstream"
)

const (
	// MaxRetries is the per-job retry budget (spec.md §4.1).
	MaxRetries = 3
	// RetryDelay is how long a retrying job waits before re-admission.
	RetryDelay = 5 * time.Second
	// SubtitleDownloadTimeout bounds fetching one subtitle candidate (spec.md §5).
	SubtitleDownloadTimeout = 30 * time.Second

	defaultMaxConcurrent = 5
	minConcurrentSegments = 4
)

var filenameDisallowed = regexp.MustCompile(`[^A-Za-z0-9 \-_.]`)

// SanitizeFilename strips every character outside [A-Za-z0-9 space - _ .],
// trims, and appends .mp4 (spec.md §4.1).
func SanitizeFilename(title string) string {
	cleaned := filenameDisallowed.ReplaceAllString(title, "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		cleaned = "download"
	}
	return cleaned + ".mp4"
}

// ValidatePreset rejects a preset with InvalidPreset unless every field is
// within spec.md §4.1's bounds.
func ValidatePreset(p model.Preset) error {
	if p.MaxWidth < 320 || p.MaxWidth > 7680 {
		return &engineerr.InvalidPresetError{Field: "maxWidth", Reason: "must be in [320,7680]"}
	}
	if p.MaxBitrate < 100_000 || p.MaxBitrate > 100_000_000 {
		return &engineerr.InvalidPresetError{Field: "maxBitrate", Reason: "must be in [100000,100000000]"}
	}
	if p.VideoCodec != "h264" && p.VideoCodec != "hevc" {
		return &engineerr.InvalidPresetError{Field: "videoCodec", Reason: "must be h264 or hevc"}
	}
	if p.AudioCodec != "aac" {
		return &engineerr.InvalidPresetError{Field: "audioCodec", Reason: "must be aac"}
	}
	if p.AudioBitrate < 32_000 || p.AudioBitrate > 640_000 {
		return &engineerr.InvalidPresetError{Field: "audioBitrate", Reason: "must be in [32000,640000]"}
	}
	if p.AudioChannels != 2 && p.AudioChannels != 6 {
		return &engineerr.InvalidPresetError{Field: "audioChannels", Reason: "must be 2 or 6"}
	}
	return nil
}

type subscriber struct {
	id int
	cb func(model.ProgressEvent)
}

type jobRecord struct {
	fieldMu sync.Mutex // serializes this job's field mutations (spec.md §5)
	job     model.Job

	subscribers []subscriber
	nextSubID   int

	// activeSlotFreed is guarded by Scheduler.mu (not fieldMu, since it
	// gates Scheduler.activeCount bookkeeping). It is cleared when admit
	// promotes the job into the active set and set the first time either
	// Cancel or runJob releases that slot, so a soft-cancelled job that
	// later finishes on its own goroutine can't decrement activeCount a
	// second time (spec.md §8 |activeSet| <= maxConcurrent).
	activeSlotFreed bool
}

// Config configures a Scheduler.
type Config struct {
	MaxConcurrent       int // [1,20], default 5
	MaxConcurrentPerJob int // concurrency cap inside one job's segment pipeline
	TempRoot            string
	DownloadsRoot       string
	Upstream            upstream.Adapter
	RetentionStore      *retention.Store
	NewTool             func() (muxer.Tool, error)
	Clock               clock.Clock
	// SegmentFetchLimiter caps aggregate segment-fetch throughput across
	// every running job's pipeline. Nil means unlimited.
	SegmentFetchLimiter *rate.Limiter
}

// Scheduler implements spec.md §4.1.
type Scheduler struct {
	mu    sync.Mutex
	jobs  map[string]*jobRecord
	order []string // queued + paused ids, in scheduler order
	activeCount int

	maxConcurrent       int
	maxConcurrentPerJob int
	tempRoot            string
	downloadsRoot       string
	upstreamAdapter     upstream.Adapter
	retentionStore      *retention.Store
	newTool             func() (muxer.Tool, error)
	clock               clock.Clock
	segmentFetchLimiter *rate.Limiter

	// startFlight collapses concurrent StartJob calls racing on the same
	// descriptor identity (item + media source + preset) into a single
	// admission; every caller in the race receives the same Job.
	startFlight singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Scheduler. It does not start the recovery scan or the
// cleanup sweep; call Initialize for that.
func New(cfg Config) *Scheduler {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	if maxConcurrent > 20 {
		maxConcurrent = 20
	}
	maxPerJob := cfg.MaxConcurrentPerJob
	if maxPerJob <= 0 {
		maxPerJob = minConcurrentSegments
	}
	c := cfg.Clock
	if c == nil {
		c = clock.RealClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:                make(map[string]*jobRecord),
		maxConcurrent:       maxConcurrent,
		maxConcurrentPerJob: maxPerJob,
		tempRoot:            cfg.TempRoot,
		downloadsRoot:       cfg.DownloadsRoot,
		upstreamAdapter:     cfg.Upstream,
		retentionStore:      cfg.RetentionStore,
		newTool:             cfg.NewTool,
		clock:               c,
		segmentFetchLimiter: cfg.SegmentFetchLimiter,
		ctx:                 ctx,
		cancel:              cancel,
	}
}

// Initialize scans tempRoot for recoverable checkpoints, surfacing each as
// a failed job with canResume set, per spec.md §4.1 "Checkpoint and resume",
// and starts the hourly cleanup sweep, which runs until Shutdown.
func (s *Scheduler) Initialize() error {
	recovered, err := checkpoint.ScanForRecovery(s.tempRoot)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-s.clock.After(time.Hour):
				s.RunCleanupSweep()
			}
		}
	}()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cp := range recovered {
		completed := make(map[int]bool, len(cp.Completed))
		for _, idx := range cp.Completed {
			completed[idx] = true
		}
		job := model.Job{
			ID:         cp.JobID,
			Descriptor: cp.Descriptor,
			Status:     model.StatusFailed,
			Segments:   cp.Segments,
			Completed:  completed,
			RetryCount: cp.RetryCount,
			LastError:  cp.LastError,
			CreatedAt:  cp.UpdatedAt,
			UpdatedAt:  cp.UpdatedAt,
		}
		s.jobs[cp.JobID] = &jobRecord{job: job}
	}
	return nil
}

// Shutdown cancels all background work and waits for running jobs to
// reach their next checkpoint-granular stop point.
func (s *Scheduler) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

// StartJob validates the preset, registers a new queued job, and attempts
// admission (spec.md §4.1 StartJob). Concurrent calls that share the same
// descriptor identity (item + media source + preset) are collapsed into one
// admission via startFlight, so a doubled-up request (e.g. a caller retrying
// a slow response) does not queue the same download twice.
func (s *Scheduler) StartJob(descriptor model.Descriptor) (model.Job, error) {
	if err := ValidatePreset(descriptor.Preset); err != nil {
		return model.Job{}, err
	}
	descriptor.SanitizedName = SanitizeFilename(descriptor.Title)

	key := descriptor.ItemID + "|" + descriptor.MediaSourceID + "|" + descriptor.Preset.Name
	v, err, _ := s.startFlight.Do(key, func() (interface{}, error) {
		now := s.clock.Now()
		job := model.Job{
			ID:         uuid.NewString(),
			Descriptor: descriptor,
			Status:     model.StatusQueued,
			Completed:  map[int]bool{},
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		s.mu.Lock()
		s.jobs[job.ID] = &jobRecord{job: job}
		s.order = append(s.order, job.ID)
		s.recomputePositionsLocked()
		s.mu.Unlock()

		engmetrics.JobsStartedTotal.Inc()
		s.admit()
		return job, nil
	})
	if err != nil {
		return model.Job{}, err
	}
	return v.(model.Job), nil
}

// ResumeFailed re-queues a failed job at the tail and attempts admission.
func (s *Scheduler) ResumeFailed(jobID string) (model.Job, error) {
	rec, err := s.getRecord(jobID)
	if err != nil {
		return model.Job{}, err
	}

	rec.fieldMu.Lock()
	if !model.CanTransition(rec.job.Status, model.EventResume) {
		rec.fieldMu.Unlock()
		return model.Job{}, &engineerr.WrongStateError{JobID: jobID, Have: rec.job.Status.String(), Want: "failed"}
	}
	rec.job.Status = model.Transition(rec.job.Status, model.EventResume)
	rec.job.LastError = nil
	rec.job.UpdatedAt = s.clock.Now()
	job := rec.job
	rec.fieldMu.Unlock()

	s.mu.Lock()
	s.order = append(s.order, jobID)
	s.recomputePositionsLocked()
	s.mu.Unlock()

	s.emitProgress(jobID)
	s.admit()
	return job, nil
}

// Pause moves a queued job to paused, or records pause intent on an active
// job without aborting its run (spec.md §4.1, §5).
func (s *Scheduler) Pause(jobID string) error {
	rec, err := s.getRecord(jobID)
	if err != nil {
		return err
	}

	rec.fieldMu.Lock()
	switch rec.job.Status {
	case model.StatusQueued:
		rec.job.Status = model.Transition(rec.job.Status, model.EventPause)
		now := s.clock.Now()
		rec.job.UpdatedAt = now
	case model.StatusTranscoding, model.StatusDownloading, model.StatusProcessing:
		now := s.clock.Now()
		rec.job.UpdatedAt = now
		rec.job.PausedAt = &now
		// Intent only; see §5 "Pause of an active job sets pausedAt as
		// intent only; the job runs to completion or failure."
	default:
		have := rec.job.Status.String()
		rec.fieldMu.Unlock()
		return &engineerr.WrongStateError{JobID: jobID, Have: have, Want: "queued or active"}
	}
	rec.fieldMu.Unlock()

	s.mu.Lock()
	s.recomputePositionsLocked()
	s.mu.Unlock()
	s.emitProgressLocked(rec)
	return nil
}

// Unpause moves a paused job to queued at the tail and attempts admission.
func (s *Scheduler) Unpause(jobID string) error {
	rec, err := s.getRecord(jobID)
	if err != nil {
		return err
	}

	rec.fieldMu.Lock()
	if !model.CanTransition(rec.job.Status, model.EventUnpause) {
		rec.fieldMu.Unlock()
		return &engineerr.WrongStateError{JobID: jobID, Have: rec.job.Status.String(), Want: "paused"}
	}
	rec.job.Status = model.Transition(rec.job.Status, model.EventUnpause)
	rec.job.UpdatedAt = s.clock.Now()
	rec.fieldMu.Unlock()

	s.mu.Lock()
	s.removeFromOrderLocked(jobID)
	s.order = append(s.order, jobID)
	s.recomputePositionsLocked()
	s.mu.Unlock()

	s.emitProgress(jobID)
	s.admit()
	return nil
}

// MoveToFront moves a queued/paused job to position 1.
func (s *Scheduler) MoveToFront(jobID string) error {
	return s.Reorder(jobID, 1)
}

// Reorder inserts jobID at position (1-based, clamped to [1, queue length]).
func (s *Scheduler) Reorder(jobID string, position int) error {
	rec, err := s.getRecord(jobID)
	if err != nil {
		return err
	}
	rec.fieldMu.Lock()
	status := rec.job.Status
	rec.fieldMu.Unlock()
	if status != model.StatusQueued && status != model.StatusPaused {
		return &engineerr.WrongStateError{JobID: jobID, Have: status.String(), Want: "queued or paused"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.removeFromOrderLocked(jobID) {
		return &engineerr.NotFoundError{JobID: jobID}
	}
	if position < 1 {
		position = 1
	}
	if position > len(s.order)+1 {
		position = len(s.order) + 1
	}
	idx := position - 1
	s.order = append(s.order[:idx], append([]string{jobID}, s.order[idx:]...)...)
	s.recomputePositionsLocked()
	return nil
}

// Cancel removes jobID from the queue or active set, transitions it to
// cancelled, and deletes its checkpoint. For a job that was queued or
// paused it also removes its temp and partial artifact directories; a job
// that was running keeps its pipeline goroutine, which Cancel does not
// stop, and its directories are left in place.
func (s *Scheduler) Cancel(jobID string) error {
	rec, err := s.getRecord(jobID)
	if err != nil {
		return err
	}

	rec.fieldMu.Lock()
	if rec.job.Status.IsTerminal() || !model.CanTransition(rec.job.Status, model.EventCancel) {
		rec.fieldMu.Unlock()
		return nil
	}
	wasActive := rec.job.Status.IsRunning()
	rec.job.Status = model.Transition(rec.job.Status, model.EventCancel)
	rec.job.UpdatedAt = s.clock.Now()
	rec.fieldMu.Unlock()

	s.mu.Lock()
	s.removeFromOrderLocked(jobID)
	freedSlot := false
	if wasActive && !rec.activeSlotFreed {
		rec.activeSlotFreed = true
		s.activeCount--
		freedSlot = true
	}
	s.mu.Unlock()
	if freedSlot {
		engmetrics.ActiveJobs.Dec()
	}
	engmetrics.JobsCompletedTotal.WithLabelValues("cancelled").Inc()

	_ = checkpoint.Delete(s.tempRoot, jobID)
	if !wasActive {
		if s.tempRoot != "" {
			_ = rmTempDir(jobTempDir(s.tempRoot, jobID))
		}
		if s.downloadsRoot != "" {
			_ = os.RemoveAll(s.downloadsRoot + "/" + jobID)
		}
	}
	s.emitProgress(jobID)
	s.admit()
	return nil
}

// CancelByItems bulk-cancels every job whose descriptor carries one of the
// given source item ids; terminal matches are purged outright.
func (s *Scheduler) CancelByItems(itemIDs []string) (cancelled, removed int) {
	want := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		want[id] = true
	}

	s.mu.Lock()
	var matches []string
	for id, rec := range s.jobs {
		rec.fieldMu.Lock()
		match := want[rec.job.Descriptor.ItemID]
		rec.fieldMu.Unlock()
		if match {
			matches = append(matches, id)
		}
	}
	s.mu.Unlock()

	for _, id := range matches {
		rec, err := s.getRecord(id)
		if err != nil {
			continue
		}
		rec.fieldMu.Lock()
		terminal := rec.job.Status.IsTerminal()
		rec.fieldMu.Unlock()
		if terminal {
			if s.Remove(id) {
				removed++
			}
			continue
		}
		if err := s.Cancel(id); err == nil {
			cancelled++
		}
	}
	return cancelled, removed
}

// Remove purges a non-running job and its subscribers. Returns false if
// the job is running or does not exist.
func (s *Scheduler) Remove(jobID string) bool {
	rec, err := s.getRecord(jobID)
	if err != nil {
		return false
	}
	rec.fieldMu.Lock()
	running := rec.job.Status.IsRunning()
	rec.fieldMu.Unlock()
	if running {
		return false
	}

	s.mu.Lock()
	s.removeFromOrderLocked(jobID)
	delete(s.jobs, jobID)
	s.mu.Unlock()
	return true
}

// PauseAllQueued pauses every currently queued job.
func (s *Scheduler) PauseAllQueued() int {
	s.mu.Lock()
	ids := append([]string(nil), s.order...)
	s.mu.Unlock()

	count := 0
	for _, id := range ids {
		rec, err := s.getRecord(id)
		if err != nil {
			continue
		}
		rec.fieldMu.Lock()
		if rec.job.Status == model.StatusQueued {
			rec.job.Status = model.StatusPaused
			rec.job.UpdatedAt = s.clock.Now()
			count++
		}
		rec.fieldMu.Unlock()
	}
	return count
}

// ResumeAllPaused resumes every currently paused job, preserving order,
// and attempts admission.
func (s *Scheduler) ResumeAllPaused() int {
	s.mu.Lock()
	ids := append([]string(nil), s.order...)
	s.mu.Unlock()

	count := 0
	for _, id := range ids {
		rec, err := s.getRecord(id)
		if err != nil {
			continue
		}
		rec.fieldMu.Lock()
		if rec.job.Status == model.StatusPaused {
			rec.job.Status = model.StatusQueued
			rec.job.UpdatedAt = s.clock.Now()
			count++
		}
		rec.fieldMu.Unlock()
	}
	if count > 0 {
		s.admit()
	}
	return count
}

// ClearCompleted removes every job in a terminal state, returning the count removed.
func (s *Scheduler) ClearCompleted() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.jobs {
		rec.fieldMu.Lock()
		terminal := rec.job.Status.IsTerminal()
		rec.fieldMu.Unlock()
		if terminal {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// QueueInfo reports the current concurrency snapshot.
type QueueInfo struct {
	ActiveCount   int
	QueuedCount   int
	MaxConcurrent int
}

func (s *Scheduler) QueueInfo() QueueInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := 0
	for _, id := range s.order {
		rec := s.jobs[id]
		if rec == nil {
			continue
		}
		rec.fieldMu.Lock()
		if rec.job.Status == model.StatusQueued {
			queued++
		}
		rec.fieldMu.Unlock()
	}
	return QueueInfo{ActiveCount: s.activeCount, QueuedCount: queued, MaxConcurrent: s.maxConcurrent}
}

// GetAll returns every job's progress snapshot, ordered running first,
// then queued ascending by position, then paused, then terminal jobs by
// created-at descending (spec.md §4.1 GetAll).
func (s *Scheduler) GetAll() []model.ProgressEvent {
	s.mu.Lock()
	recs := make([]*jobRecord, 0, len(s.jobs))
	for _, rec := range s.jobs {
		recs = append(recs, rec)
	}
	s.mu.Unlock()

	var running, queued, paused, terminal []model.Job
	for _, rec := range recs {
		rec.fieldMu.Lock()
		j := rec.job
		rec.fieldMu.Unlock()
		switch {
		case j.Status.IsRunning():
			running = append(running, j)
		case j.Status == model.StatusQueued:
			queued = append(queued, j)
		case j.Status == model.StatusPaused:
			paused = append(paused, j)
		default:
			terminal = append(terminal, j)
		}
	}

	sort.Slice(running, func(i, j int) bool {
		ti, tj := running[i].StartedAt, running[j].StartedAt
		if ti == nil || tj == nil {
			return running[i].ID < running[j].ID
		}
		return ti.Before(*tj)
	})
	posOf := func(j model.Job) int {
		if j.QueuePosition != nil {
			return *j.QueuePosition
		}
		return 0
	}
	sort.Slice(queued, func(i, j int) bool { return posOf(queued[i]) < posOf(queued[j]) })
	sort.Slice(paused, func(i, j int) bool { return posOf(paused[i]) < posOf(paused[j]) })
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].CreatedAt.After(terminal[j].CreatedAt) })

	out := make([]model.ProgressEvent, 0, len(recs))
	for _, j := range running {
		out = append(out, toProgressEvent(j))
	}
	for _, j := range queued {
		out = append(out, toProgressEvent(j))
	}
	for _, j := range paused {
		out = append(out, toProgressEvent(j))
	}
	for _, j := range terminal {
		out = append(out, toProgressEvent(j))
	}
	return out
}

// GetProgress returns jobID's current progress snapshot, or nil if unknown.
func (s *Scheduler) GetProgress(jobID string) *model.ProgressEvent {
	rec, err := s.getRecord(jobID)
	if err != nil {
		return nil
	}
	rec.fieldMu.Lock()
	defer rec.fieldMu.Unlock()
	evt := toProgressEvent(rec.job)
	return &evt
}

// Subscribe registers a progress observer for jobID, delivering the
// current snapshot once immediately if the job exists. Returns an
// unsubscribe function.
func (s *Scheduler) Subscribe(jobID string, cb func(model.ProgressEvent)) (unsubscribe func()) {
	rec, err := s.getRecord(jobID)
	if err != nil {
		return func() {}
	}

	rec.fieldMu.Lock()
	id := rec.nextSubID
	rec.nextSubID++
	rec.subscribers = append(rec.subscribers, subscriber{id: id, cb: cb})
	snapshot := toProgressEvent(rec.job)
	rec.fieldMu.Unlock()

	cb(snapshot)

	return func() {
		rec.fieldMu.Lock()
		defer rec.fieldMu.Unlock()
		for i, sub := range rec.subscribers {
			if sub.id == id {
				rec.subscribers = append(rec.subscribers[:i], rec.subscribers[i+1:]...)
				break
			}
		}
	}
}

func (s *Scheduler) getRecord(jobID string) (*jobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, &engineerr.NotFoundError{JobID: jobID}
	}
	return rec, nil
}

func (s *Scheduler) removeFromOrderLocked(jobID string) bool {
	for i, id := range s.order {
		if id == jobID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Scheduler) recomputePositionsLocked() {
	for i, id := range s.order {
		rec := s.jobs[id]
		if rec == nil {
			continue
		}
		pos := i + 1
		rec.fieldMu.Lock()
		rec.job.QueuePosition = &pos
		rec.fieldMu.Unlock()
	}
}

// admit promotes earliest-eligible queued jobs into the active set while
// capacity allows (spec.md §4.1 "Admission algorithm").
func (s *Scheduler) admit() {
	for {
		s.mu.Lock()
		if s.activeCount >= s.maxConcurrent {
			s.mu.Unlock()
			return
		}
		var candidate string
		candidateIdx := -1
		for i, id := range s.order {
			rec := s.jobs[id]
			if rec == nil {
				continue
			}
			rec.fieldMu.Lock()
			isQueued := rec.job.Status == model.StatusQueued
			rec.fieldMu.Unlock()
			if isQueued {
				candidate = id
				candidateIdx = i
				break
			}
		}
		if candidateIdx < 0 {
			s.mu.Unlock()
			return
		}
		s.order = append(s.order[:candidateIdx], s.order[candidateIdx+1:]...)
		s.activeCount++
		s.recomputePositionsLocked()
		rec := s.jobs[candidate]
		rec.activeSlotFreed = false
		s.mu.Unlock()

		rec.fieldMu.Lock()
		rec.job.Status = model.Transition(rec.job.Status, model.EventAdmit)
		rec.job.QueuePosition = nil
		now := s.clock.Now()
		rec.job.StartedAt = &now
		rec.job.UpdatedAt = now
		rec.fieldMu.Unlock()

		engmetrics.ActiveJobs.Inc()
		s.emitProgress(candidate)

		s.wg.Add(1)
		go func(id string) {
			defer s.wg.Done()
			s.runJob(id)
		}(candidate)
	}
}

// runJob drives one job's pipeline end to end (spec.md §2 "Control flow").
func (s *Scheduler) runJob(jobID string) {
	ctx := jlog.ContextWithJobID(s.ctx, jobID)
	logger := jlog.FromContext(ctx, "scheduler")

	err := s.runJobStages(ctx, jobID)

	s.mu.Lock()
	rec := s.jobs[jobID]
	freedSlot := false
	if rec != nil && !rec.activeSlotFreed {
		rec.activeSlotFreed = true
		s.activeCount--
		freedSlot = true
	}
	s.mu.Unlock()
	if freedSlot {
		engmetrics.ActiveJobs.Dec()
	}

	if err == nil {
		return
	}
	if s.ctx.Err() != nil {
		// Shutting down; leave the job checkpointed for next-run recovery.
		return
	}
	logger.Warn().Err(err).Msg("job pipeline failed")
	s.handleFailure(jobID, err)
}

func (s *Scheduler) runJobStages(ctx context.Context, jobID string) error {
	rec, err := s.getRecord(jobID)
	if err != nil {
		return err
	}

	rec.fieldMu.Lock()
	descriptor := rec.job.Descriptor
	rec.fieldMu.Unlock()

	sel := upstream.StreamSelection{
		ItemID:           descriptor.ItemID,
		MediaSourceID:    descriptor.MediaSourceID,
		PresetName:       descriptor.Preset.Name,
		AudioStreamIndex: descriptor.AudioStreamIndex,
	}
	if descriptor.Subtitle != nil {
		idx := descriptor.Subtitle.StreamIndex
		sel.SubtitleIndex = &idx
	}

	masterURL := descriptor.PlaylistURL
	if masterURL == "" {
		masterURL, err = s.upstreamAdapter.ResolveMasterPlaylistURL(ctx, sel)
		if err != nil {
			return &engineerr.UpstreamError{Message: err.Error()}
		}
	}

	masterBytes, err := fetchPlaylistBytes(ctx, masterURL)
	if err != nil {
		return err
	}
	mediaEntry, err := playlist.ParseMaster(masterBytes, masterURL)
	if err != nil {
		return err
	}

	mediaBytes, err := fetchPlaylistBytes(ctx, mediaEntry.URL)
	if err != nil {
		return err
	}
	media, err := playlist.ParseMedia(mediaBytes, mediaEntry.URL)
	if err != nil {
		return err
	}

	rec.fieldMu.Lock()
	rec.job.Status = model.Transition(rec.job.Status, model.EventPlaylistResolved)
	rec.job.Segments = media.Segments
	rec.job.UpdatedAt = s.clock.Now()
	already := cloneCompleted(rec.job.Completed)
	rec.fieldMu.Unlock()
	s.emitProgress(jobID)

	tempDir := jobTempDir(s.tempRoot, jobID)
	rec.fieldMu.Lock()
	if rec.job.DownloadStartedAt == nil {
		now := s.clock.Now()
		rec.job.DownloadStartedAt = &now
	}
	rec.job.TempDirPath = tempDir
	rec.fieldMu.Unlock()

	result, err := segpipeline.Run(ctx, segpipeline.Input{
		Segments:         media.Segments,
		InitSegmentURL:   media.InitSegmentURL,
		TempDir:          tempDir,
		Concurrency:      s.maxConcurrentPerJob,
		AlreadyCompleted: already,
		Limiter:          s.segmentFetchLimiter,
		Clock:            s.clock,
		OnProgress: func(completed, total int, bytesSoFar int64) {
			s.onSegmentProgress(jobID, completed, total, bytesSoFar)
		},
		OnSegmentComplete: func(index int) {
			s.onSegmentComplete(jobID, index)
		},
	})
	if err != nil {
		return err
	}

	rec.fieldMu.Lock()
	rec.job.Status = model.Transition(rec.job.Status, model.EventAllSegmentsPresent)
	rec.job.UpdatedAt = s.clock.Now()
	rec.fieldMu.Unlock()
	s.emitProgress(jobID)

	if err := s.muxJob(ctx, jobID, descriptor, tempDir, result.InitPath, media.Segments); err != nil {
		return err
	}

	if s.retentionStore != nil {
		if _, err := s.retentionStore.CreateOnComplete(jobID); err != nil {
			logger := jlog.FromContext(ctx, "scheduler")
			logger.Warn().Err(err).Msg("failed to create retention record")
		}
	}
	_ = checkpoint.Delete(s.tempRoot, jobID)
	_ = rmTempDir(tempDir)

	rec.fieldMu.Lock()
	now := s.clock.Now()
	rec.job.Status = model.Transition(rec.job.Status, model.EventComplete)
	rec.job.CompletedAt = &now
	rec.job.UpdatedAt = now
	rec.job.OutputPath = finalArtifactPath(s.downloadsRoot, jobID, descriptor.SanitizedName)
	rec.fieldMu.Unlock()
	s.emitProgress(jobID)
	engmetrics.JobsCompletedTotal.WithLabelValues("completed").Inc()

	return nil
}

func (s *Scheduler) muxJob(ctx context.Context, jobID string, descriptor model.Descriptor, tempDir, initPath string, segments []model.Segment) error {
	tool, err := s.newTool()
	if err != nil {
		return err
	}

	segPaths := make([]string, len(segments))
	for i, seg := range segments {
		segPaths[i] = fmt.Sprintf("%s/%d.mp4", tempDir, seg.Index)
	}

	outputPath := finalArtifactPath(s.downloadsRoot, jobID, descriptor.SanitizedName)
	if err := os.MkdirAll(s.downloadsRoot+"/"+jobID, 0o755); err != nil {
		return &engineerr.ConcatIOError{Cause: err}
	}

	var fetchSubtitle muxer.SubtitleFetcher
	language := ""
	if descriptor.Subtitle != nil && s.upstreamAdapter != nil {
		language = descriptor.Subtitle.Language
		fetchSubtitle = func(ctx context.Context, format string) ([]byte, error) {
			subCtx, cancel := context.WithTimeout(ctx, SubtitleDownloadTimeout)
			defer cancel()
			url, err := s.upstreamAdapter.SubtitleStreamURL(subCtx, descriptor.ItemID, descriptor.MediaSourceID, descriptor.Subtitle.StreamIndex, format)
			if err != nil {
				return nil, err
			}
			return fetchPlaylistBytes(subCtx, url)
		}
	}

	return muxer.Mux(ctx, muxer.Input{
		TempDir:       tempDir,
		InitPath:      initPath,
		SegmentPaths:  segPaths,
		OutputPath:    outputPath,
		Tool:          tool,
		FetchSubtitle: fetchSubtitle,
		Language:      language,
	})
}

func (s *Scheduler) onSegmentProgress(jobID string, completed, total int, bytesSoFar int64) {
	rec, err := s.getRecord(jobID)
	if err != nil {
		return
	}
	rec.fieldMu.Lock()
	rec.job.BytesDownloaded = bytesSoFar
	rec.job.UpdatedAt = s.clock.Now()
	rec.fieldMu.Unlock()
	_ = total // carried in rec.job.Segments; completed/total are recomputed from job state in toProgressEvent
	s.emitProgress(jobID)
}

func (s *Scheduler) onSegmentComplete(jobID string, index int) {
	rec, err := s.getRecord(jobID)
	if err != nil {
		return
	}

	rec.fieldMu.Lock()
	if rec.job.Completed == nil {
		rec.job.Completed = map[int]bool{}
	}
	rec.job.Completed[index] = true
	job := rec.job
	rec.fieldMu.Unlock()

	cp := model.Checkpoint{
		JobID:      jobID,
		Descriptor: job.Descriptor,
		Status:     job.Status,
		Segments:   job.Segments,
		Completed:  completedIndices(job.Completed),
		RetryCount: job.RetryCount,
		LastError:  job.LastError,
		UpdatedAt:  s.clock.Now(),
	}
	if err := checkpoint.Write(s.tempRoot, cp); err != nil {
		logger := jlog.WithComponent("scheduler")
		logger.Error().Err(err).Str("job_id", jobID).Msg("checkpoint write failed, continuing download")
	}
}

// handleFailure applies the retry policy: retry up to MaxRetries with a
// fixed delay and head-of-queue re-insertion, otherwise fail permanently
// (spec.md §4.1 "Retry policy").
func (s *Scheduler) handleFailure(jobID string, cause error) {
	rec, err := s.getRecord(jobID)
	if err != nil {
		return
	}

	rec.fieldMu.Lock()
	rec.job.RetryCount++
	retryCount := rec.job.RetryCount
	rec.fieldMu.Unlock()

	kind := string(engineerr.Classify(cause))
	engmetrics.ErrorsTotal.WithLabelValues(kind).Inc()

	if retryCount <= MaxRetries {
		msg := fmt.Sprintf("Retry %d/%d: %s", retryCount, MaxRetries, cause.Error())
		rec.fieldMu.Lock()
		rec.job.Status = model.Transition(model.Transition(rec.job.Status, model.EventFail), model.EventResume)
		rec.job.LastError = &msg
		rec.job.LastErrorKind = kind
		rec.job.UpdatedAt = s.clock.Now()
		rec.fieldMu.Unlock()
		engmetrics.JobRetriesTotal.Inc()
		s.emitProgress(jobID)

		select {
		case <-s.clock.After(RetryDelay):
		case <-s.ctx.Done():
			return
		}

		s.mu.Lock()
		s.order = append([]string{jobID}, s.order...)
		s.recomputePositionsLocked()
		s.mu.Unlock()
		s.emitProgress(jobID)
		s.admit()
		return
	}

	msg := fmt.Sprintf("Failed after %d retries: %s", MaxRetries, cause.Error())
	rec.fieldMu.Lock()
	rec.job.Status = model.Transition(rec.job.Status, model.EventFail)
	rec.job.LastError = &msg
	rec.job.LastErrorKind = kind
	rec.job.UpdatedAt = s.clock.Now()
	rec.fieldMu.Unlock()
	s.emitProgress(jobID)
	engmetrics.JobsCompletedTotal.WithLabelValues("failed").Inc()
}

// RunCleanupSweep drops in-memory terminal records older than 24h and
// invokes the retention sweep (spec.md §4.1 "Cleanup").
func (s *Scheduler) RunCleanupSweep() (retentionDeleted int) {
	cutoff := s.clock.Now().Add(-24 * time.Hour)

	s.mu.Lock()
	for id, rec := range s.jobs {
		rec.fieldMu.Lock()
		stale := rec.job.Status.IsTerminal() && rec.job.CreatedAt.Before(cutoff)
		rec.fieldMu.Unlock()
		if stale {
			delete(s.jobs, id)
		}
	}
	s.mu.Unlock()

	if s.retentionStore != nil {
		if n, err := s.retentionStore.Sweep(); err == nil {
			engmetrics.RetentionSweepDeletedTotal.Add(float64(n))
			retentionDeleted = n
		}
	}
	return retentionDeleted
}

func (s *Scheduler) emitProgress(jobID string) {
	rec, err := s.getRecord(jobID)
	if err != nil {
		return
	}
	s.emitProgressLocked(rec)
}

func (s *Scheduler) emitProgressLocked(rec *jobRecord) {
	rec.fieldMu.Lock()
	evt := toProgressEvent(rec.job)
	subs := append([]subscriber(nil), rec.subscribers...)
	rec.fieldMu.Unlock()

	for _, sub := range subs {
		sub.cb(evt)
	}
}

func toProgressEvent(j model.Job) model.ProgressEvent {
	evt := model.ProgressEvent{
		JobID:             j.ID,
		Title:             j.Descriptor.Title,
		Filename:          j.Descriptor.SanitizedName,
		Status:            j.Status.String(),
		Completed:         j.CompletedCount(),
		Total:             len(j.Segments),
		Progress:          j.Progress(),
		BytesDownloaded:   j.BytesDownloaded,
		DownloadStartedAt: j.DownloadStartedAt,
		QueuePosition:     j.QueuePosition,
		CanResume:         j.CanResume(),
		CreatedAt:         &j.CreatedAt,
	}
	if j.LastError != nil {
		kind := j.LastErrorKind
		if kind == "" {
			kind = string(engineerr.ClassLocalIO)
		}
		evt.Error = &model.ErrWire{Kind: kind, Message: *j.LastError}
	}
	return evt
}

// jobTempDir is where a job's init segment, segment files and
// checkpoint live while the job is in flight (spec.md §6.5).
func jobTempDir(tempRoot, jobID string) string {
	return tempRoot + "/" + jobID
}

func rmTempDir(dir string) error {
	return os.RemoveAll(dir)
}

// finalArtifactPath is where a completed job's muxed output lives
// (spec.md §6.5 downloadsRoot/<jobId>/<sanitizedName>).
func finalArtifactPath(downloadsRoot, jobID, sanitizedName string) string {
	return downloadsRoot + "/" + jobID + "/" + sanitizedName
}

// fetchPlaylistBytes retrieves a playlist body over HTTP. Playlists are
// small text documents, so unlike the segment fetcher this does not
// retry or validate box types; transport failures surface directly.
func fetchPlaylistBytes(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &engineerr.NetworkError{Cause: err}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &engineerr.TimeoutError{URL: url}
		}
		return nil, &engineerr.NetworkError{Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &engineerr.UpstreamError{Message: fmt.Sprintf("status %d fetching playlist %s", resp.StatusCode, url)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &engineerr.NetworkError{Cause: err}
	}
	if len(body) == 0 {
		return nil, &engineerr.EmptyResponseError{URL: url}
	}
	return body, nil
}

func cloneCompleted(m map[int]bool) map[int]bool {
	out := make(map[int]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func completedIndices(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for idx := range m {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}
