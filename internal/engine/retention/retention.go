// Package retention maintains per-artifact retention metadata and sweeps
// expired downloads (spec.md §4.6). The mutex-guarded map over job ids,
// touch-then-persist shape is grounded on the teacher's control/vod
// manager registry, narrowed from a full job-lifecycle map to one holding
// just the retention record per artifact.
package retention

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/jellyvod/jellydown/internal/clock"
	"github.com/jellyvod/jellydown/internal/engineerr"
	"github.com/jellyvod/jellydown/internal/engine/model"
	"github.com/jellyvod/jellydown/internal/fsx"
	"github.com/jellyvod/jellydown/internal/jlog"
)

// Store manages retention.json files under downloadsRoot/<jobId>/.
type Store struct {
	downloadsRoot string
	clock         clock.Clock
	fs            fsx.FS

	mu      sync.Mutex
	records map[string]*model.RetentionRecord

	defaultDays func() *int // reads the live global default from settings
}

// New returns a Store rooted at downloadsRoot. defaultDays is consulted on
// every EffectiveRetention/CreateOnComplete call so a live settings change
// takes effect without restarting the store.
func New(downloadsRoot string, c clock.Clock, fs fsx.FS, defaultDays func() *int) *Store {
	return &Store{
		downloadsRoot: downloadsRoot,
		clock:         c,
		fs:            fs,
		records:       make(map[string]*model.RetentionRecord),
		defaultDays:   defaultDays,
	}
}

func (s *Store) recordPath(jobID string) string {
	return filepath.Join(s.downloadsRoot, jobID, "retention.json")
}

// CreateOnComplete writes a fresh record for jobID with no per-file
// override, downloaded-at = now, and expiry derived from the current
// global default.
func (s *Store) CreateOnComplete(jobID string) (*model.RetentionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	rec := &model.RetentionRecord{
		JobID:        jobID,
		DownloadedAt: now,
		OverrideDays: nil,
		ExpiresAt:    expiryFor(now, s.defaultDays()),
	}
	if err := s.persist(jobID, rec); err != nil {
		return nil, err
	}
	s.records[jobID] = rec
	return rec, nil
}

// Get returns the record for jobID, loading it from disk if not cached,
// or nil if no record exists.
func (s *Store) Get(jobID string) (*model.RetentionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(jobID)
}

func (s *Store) getLocked(jobID string) (*model.RetentionRecord, error) {
	if rec, ok := s.records[jobID]; ok {
		return rec, nil
	}
	data, err := os.ReadFile(s.recordPath(jobID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &engineerr.ConcatIOError{Cause: err}
	}
	var rec model.RetentionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &engineerr.ConcatIOError{Cause: err}
	}
	s.records[jobID] = &rec
	return &rec, nil
}

// Update sets a per-file override (nil or [1,365]) and recomputes
// expires-at from the stored downloaded-at.
func (s *Store) Update(jobID string, overrideDays *int) (*model.RetentionRecord, error) {
	if overrideDays != nil && (*overrideDays < 1 || *overrideDays > 365) {
		return nil, &engineerr.BadRetentionError{Days: *overrideDays}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.getLocked(jobID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &engineerr.NotFoundError{JobID: jobID}
	}

	rec.OverrideDays = overrideDays
	effectiveDays := overrideDays
	if effectiveDays == nil {
		effectiveDays = s.defaultDays()
	}
	rec.ExpiresAt = expiryFor(rec.DownloadedAt, effectiveDays)

	if err := s.persist(jobID, rec); err != nil {
		return nil, err
	}
	s.records[jobID] = rec
	return rec, nil
}

// EffectiveRetention snapshot.
type EffectiveRetention struct {
	Override      *int
	EffectiveDays *int
	ExpiresAt     *time.Time
	IsOverride    bool
	DownloadedAt  time.Time
}

// EffectiveRetention reports the currently-applicable retention for jobID.
// For artifacts with no metadata (legacy), downloaded-at is derived from
// the artifact directory's modification time and override is treated as nil.
func (s *Store) EffectiveRetention(jobID string) (*EffectiveRetention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.getLocked(jobID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		info, statErr := s.fs.Stat(filepath.Join(s.downloadsRoot, jobID))
		if statErr != nil {
			return nil, &engineerr.NotFoundError{JobID: jobID}
		}
		downloadedAt := info.ModTime()
		effective := s.defaultDays()
		return &EffectiveRetention{
			EffectiveDays: effective,
			ExpiresAt:     expiryPtr(expiryFor(downloadedAt, effective)),
			IsOverride:    false,
			DownloadedAt:  downloadedAt,
		}, nil
	}

	effective := rec.OverrideDays
	isOverride := effective != nil
	if effective == nil {
		effective = s.defaultDays()
	}
	expiresAt := expiryFor(rec.DownloadedAt, effective)
	return &EffectiveRetention{
		Override:      rec.OverrideDays,
		EffectiveDays: effective,
		ExpiresAt:     expiryPtr(expiresAt),
		IsOverride:    isOverride,
		DownloadedAt:  rec.DownloadedAt,
	}, nil
}

// Sweep scans downloadsRoot and deletes any artifact directory whose
// effective expiry has passed, returning the count deleted.
func (s *Store) Sweep() (int, error) {
	logger := jlog.WithComponent("retention")

	entries, err := os.ReadDir(s.downloadsRoot)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, &engineerr.ConcatIOError{Cause: err}
	}

	now := s.clock.Now()
	deleted := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		jobID := entry.Name()
		eff, err := s.EffectiveRetention(jobID)
		if err != nil {
			continue
		}
		if eff.ExpiresAt == nil || now.Before(*eff.ExpiresAt) {
			continue
		}
		dir := filepath.Join(s.downloadsRoot, jobID)
		if err := s.fs.RemoveAll(dir); err != nil {
			logger.Error().Err(err).Str("job_id", jobID).Msg("failed to delete expired artifact")
			continue
		}
		s.mu.Lock()
		delete(s.records, jobID)
		s.mu.Unlock()
		deleted++
	}
	return deleted, nil
}

func (s *Store) persist(jobID string, rec *model.RetentionRecord) error {
	path := s.recordPath(jobID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &engineerr.ConcatIOError{Cause: err}
	}
	pendingFile, err := renameio.NewPendingFile(path)
	if err != nil {
		return &engineerr.ConcatIOError{Cause: err}
	}
	defer func() { _ = pendingFile.Cleanup() }()

	enc := json.NewEncoder(pendingFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return &engineerr.ConcatIOError{Cause: err}
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return &engineerr.ConcatIOError{Cause: err}
	}
	return nil
}

// expiryFor returns downloadedAt + days if days is a positive integer,
// or the zero time (meaning "never") otherwise.
func expiryFor(downloadedAt time.Time, days *int) time.Time {
	if days == nil || *days <= 0 {
		return time.Time{}
	}
	return downloadedAt.AddDate(0, 0, *days)
}

func expiryPtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
