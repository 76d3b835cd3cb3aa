// Package segpipeline drives the Segment Fetcher across a job's segment
// list under a concurrency cap, skipping already-completed indices and
// invoking a checkpoint callback on every success (spec.md §4.4). The
// worker pool shape — buffered job channel, fixed worker goroutines,
// WaitGroup drain — is grounded on the teacher's picon worker pool,
// generalized from "warm a picon cache" to "fill one job's temp
// directory", with the counter/completed-set mutation serialized per the
// per-job exclusivity rule in spec.md §5.
package segpipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/time/rate"

	"github.com/jellyvod/jellydown/internal/clock"
	"github.com/jellyvod/jellydown/internal/engine/fetcher"
	"github.com/jellyvod/jellydown/internal/engine/model"
	"github.com/jellyvod/jellydown/internal/engineerr"
	"github.com/jellyvod/jellydown/internal/jlog"
)

// ProgressFunc is invoked after every segment completion with the running
// totals; it must not block.
type ProgressFunc func(completed, total int, bytesSoFar int64)

// CheckpointFunc is invoked once per newly-completed index so the caller
// can persist a checkpoint synchronously with respect to that segment.
type CheckpointFunc func(index int)

// Input bundles everything one pipeline run needs.
type Input struct {
	Segments          []model.Segment
	InitSegmentURL    string
	TempDir           string
	Concurrency       int
	AlreadyCompleted  map[int]bool
	OnProgress        ProgressFunc
	OnSegmentComplete CheckpointFunc
	// Limiter caps the aggregate segment-fetch rate across all workers of
	// this run: each worker waits on it once before fetching a segment. The
	// fetcher's retry attempts and the init-segment fetch do not wait on
	// it. Nil means unlimited.
	Limiter *rate.Limiter
	// Clock is forwarded to every fetcher.Fetch call so its inner-backoff
	// sleeps are deterministic under test (spec.md §10.4). Nil means
	// clock.RealClock{}.
	Clock clock.Clock
}

// Result is what a successful run produces.
type Result struct {
	InitPath    string
	TotalBytes  int64
}

// Run fetches every pending segment in in.Segments into
// <in.TempDir>/<index>.mp4, fetching the init segment first if it is not
// already on disk. It returns on the first unrecoverable segment failure,
// wrapped as engineerr.SegmentFailedError.
func Run(ctx context.Context, in Input) (Result, error) {
	logger := jlog.FromContext(ctx, "segpipeline")

	if err := os.MkdirAll(in.TempDir, 0o755); err != nil {
		return Result{}, &engineerr.ConcatIOError{Cause: err}
	}

	var totalBytes int64

	initPath := ""
	if in.InitSegmentURL != "" {
		initPath = filepath.Join(in.TempDir, "init.mp4")
		if info, err := os.Stat(initPath); err == nil {
			totalBytes += info.Size()
		} else {
			n, err := fetcher.Fetch(ctx, in.InitSegmentURL, initPath, fetcher.Options{Clock: in.Clock})
			if err != nil {
				return Result{}, &engineerr.SegmentFailedError{Index: -1, Cause: err}
			}
			totalBytes += n
		}
	}

	completed := in.AlreadyCompleted
	if completed == nil {
		completed = map[int]bool{}
	}

	var pending []model.Segment
	for _, seg := range in.Segments {
		if completed[seg.Index] {
			path := filepath.Join(in.TempDir, fmt.Sprintf("%d.mp4", seg.Index))
			if info, err := os.Stat(path); err == nil {
				totalBytes += info.Size()
			}
			continue
		}
		pending = append(pending, seg)
	}

	total := len(in.Segments)
	concurrency := in.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	if concurrency > len(pending) && len(pending) > 0 {
		concurrency = len(pending)
	}

	var (
		mu          sync.Mutex
		doneCount   = len(completed)
		firstErr    error
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan model.Segment, len(pending))
	for _, seg := range pending {
		jobs <- seg
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seg := range jobs {
				select {
				case <-runCtx.Done():
					return
				default:
				}

				if in.Limiter != nil {
					if err := in.Limiter.Wait(runCtx); err != nil {
						mu.Lock()
						if firstErr == nil {
							firstErr = &engineerr.SegmentFailedError{Index: seg.Index, Cause: err}
							cancel()
						}
						mu.Unlock()
						continue
					}
				}

				destPath := filepath.Join(in.TempDir, fmt.Sprintf("%d.mp4", seg.Index))
				n, err := fetcher.Fetch(runCtx, seg.URI, destPath, fetcher.Options{Clock: in.Clock})

				mu.Lock()
				if err != nil {
					if firstErr == nil {
						firstErr = &engineerr.SegmentFailedError{Index: seg.Index, Cause: err}
						cancel()
					}
					mu.Unlock()
					continue
				}
				totalBytes += n
				doneCount++
				snapshotDone, snapshotBytes := doneCount, totalBytes
				mu.Unlock()

				// Persist the completed index before emitting progress, so a
				// subscriber's snapshot (and the on-disk checkpoint) never
				// lags one segment behind completedSegments' count.
				if in.OnSegmentComplete != nil {
					in.OnSegmentComplete(seg.Index)
				}
				if in.OnProgress != nil {
					in.OnProgress(snapshotDone, total, snapshotBytes)
				}
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		logger.Warn().Err(firstErr).Msg("segment pipeline aborted on first unrecoverable failure")
		return Result{}, firstErr
	}

	return Result{InitPath: initPath, TotalBytes: totalBytes}, nil
}
