package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jellyvod/jellydown/internal/clock"
	"github.com/jellyvod/jellydown/internal/engine/model"
	"github.com/jellyvod/jellydown/internal/engine/muxer"
)

func validPreset() model.Preset {
	return model.Preset{
		Name: "1080p", MaxWidth: 1920, MaxBitrate: 8_000_000,
		VideoCodec: "h264", AudioCodec: "aac", AudioBitrate: 128_000, AudioChannels: 2,
	}
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "Some Movie 2020.mp4.mp4", SanitizeFilename("Some Movie (2020)!?.mp4"))
	assert.Equal(t, "download.mp4", SanitizeFilename("???"))
}

func TestValidatePreset(t *testing.T) {
	require.NoError(t, ValidatePreset(validPreset()))

	bad := validPreset()
	bad.MaxWidth = 100
	require.Error(t, ValidatePreset(bad))
}

func TestStartJob_QueuesAndSanitizes(t *testing.T) {
	s := New(Config{Clock: clock.NewMockClock(time.Unix(0, 0)), NewTool: fakeToolFactory})
	s.maxConcurrent = 0 // keep the job queued instead of admitting it into a real pipeline run
	job, err := s.StartJob(model.Descriptor{Title: "My Show: S01E01", Preset: validPreset(), PlaylistURL: "http://upstream/noop.m3u8"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, job.Status)
	assert.Equal(t, "My Show S01E01.mp4", job.Descriptor.SanitizedName)
}

func TestStartJob_RejectsInvalidPreset(t *testing.T) {
	s := New(Config{Clock: clock.NewMockClock(time.Unix(0, 0))})
	bad := validPreset()
	bad.AudioChannels = 3
	_, err := s.StartJob(model.Descriptor{Title: "x", Preset: bad})
	require.Error(t, err)
}

func TestPauseUnpauseQueuedJob(t *testing.T) {
	s := New(Config{Clock: clock.NewMockClock(time.Unix(0, 0)), NewTool: fakeToolFactory})
	s.maxConcurrent = 0 // keep the job queued instead of admitting it into a real pipeline run

	job, err := s.StartJob(model.Descriptor{Title: "x", Preset: validPreset(), PlaylistURL: "http://upstream/x.m3u8"})
	require.NoError(t, err)

	require.NoError(t, s.Pause(job.ID))
	evt := s.GetProgress(job.ID)
	require.NotNil(t, evt)
	assert.Equal(t, "paused", evt.Status)

	require.NoError(t, s.Unpause(job.ID))
	evt = s.GetProgress(job.ID)
	require.NotNil(t, evt)
	assert.Equal(t, "queued", evt.Status)
}

func TestCancelQueuedJob(t *testing.T) {
	s := New(Config{Clock: clock.NewMockClock(time.Unix(0, 0))})
	s.maxConcurrent = 0
	job, err := s.StartJob(model.Descriptor{Title: "x", Preset: validPreset(), PlaylistURL: "http://upstream/x.m3u8"})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(job.ID))
	evt := s.GetProgress(job.ID)
	require.NotNil(t, evt)
	assert.Equal(t, "cancelled", evt.Status)

	// Cancel is idempotent on a terminal job.
	require.NoError(t, s.Cancel(job.ID))
}

func TestMoveToFrontPutsJobFirst(t *testing.T) {
	s := New(Config{Clock: clock.NewMockClock(time.Unix(0, 0))})
	s.maxConcurrent = 0
	a, err := s.StartJob(model.Descriptor{Title: "a", Preset: validPreset(), PlaylistURL: "http://x/a.m3u8"})
	require.NoError(t, err)
	b, err := s.StartJob(model.Descriptor{Title: "b", Preset: validPreset(), PlaylistURL: "http://x/b.m3u8"})
	require.NoError(t, err)

	require.NoError(t, s.MoveToFront(b.ID))

	all := s.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].JobID)
	assert.Equal(t, a.ID, all[1].JobID)
}

func TestRemoveRefusesRunningJob(t *testing.T) {
	s := New(Config{Clock: clock.NewMockClock(time.Unix(0, 0))})
	s.maxConcurrent = 0
	job, err := s.StartJob(model.Descriptor{Title: "x", Preset: validPreset(), PlaylistURL: "http://x/a.m3u8"})
	require.NoError(t, err)

	s.mu.Lock()
	rec := s.jobs[job.ID]
	s.mu.Unlock()
	rec.fieldMu.Lock()
	rec.job.Status = model.StatusDownloading
	rec.fieldMu.Unlock()

	assert.False(t, s.Remove(job.ID))
}

func TestHandleFailureRetriesThenFails(t *testing.T) {
	mc := clock.NewMockClock(time.Unix(0, 0))
	s := New(Config{Clock: mc})
	s.maxConcurrent = 0
	job, err := s.StartJob(model.Descriptor{Title: "x", Preset: validPreset(), PlaylistURL: "http://x/a.m3u8"})
	require.NoError(t, err)

	// handleFailure is only reached from runJob, while the job is running.
	setRunning := func() {
		s.mu.Lock()
		rec := s.jobs[job.ID]
		s.mu.Unlock()
		rec.fieldMu.Lock()
		rec.job.Status = model.StatusDownloading
		rec.fieldMu.Unlock()
	}

	for i := 1; i <= MaxRetries; i++ {
		setRunning()
		done := make(chan struct{})
		go func() {
			s.handleFailure(job.ID, assertErr{})
			close(done)
		}()
		time.Sleep(10 * time.Millisecond) // let handleFailure reach its clock.After wait
		mc.Advance(RetryDelay)
		<-done

		evt := s.GetProgress(job.ID)
		require.NotNil(t, evt)
		assert.Equal(t, "queued", evt.Status)
		assert.NotNil(t, evt.Error)
	}

	s.handleFailure(job.ID, assertErr{})
	evt := s.GetProgress(job.ID)
	require.NotNil(t, evt)
	assert.Equal(t, "failed", evt.Status)
	assert.Contains(t, evt.Error.Message, "Failed after 3 retries")
}

func TestSubscribeDeliversCurrentSnapshotOnce(t *testing.T) {
	s := New(Config{Clock: clock.NewMockClock(time.Unix(0, 0))})
	s.maxConcurrent = 0
	job, err := s.StartJob(model.Descriptor{Title: "x", Preset: validPreset(), PlaylistURL: "http://x/a.m3u8"})
	require.NoError(t, err)

	var received []model.ProgressEvent
	unsub := s.Subscribe(job.ID, func(evt model.ProgressEvent) {
		received = append(received, evt)
	})
	defer unsub()

	require.Len(t, received, 1)
	assert.Equal(t, job.ID, received[0].JobID)
}

func TestShutdown_WaitsForRunningJobGoroutine(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := New(Config{Clock: clock.NewMockClock(time.Unix(0, 0))})
	// Connection refused on localhost fails fast, so runJobStages returns
	// almost immediately and Shutdown's wg.Wait() doesn't hang the test.
	_, err := s.StartJob(model.Descriptor{Title: "x", Preset: validPreset(), PlaylistURL: "http://127.0.0.1:1/x.m3u8"})
	require.NoError(t, err)

	s.Shutdown()
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

type fakeTool struct{}

func (fakeTool) Remux(ctx context.Context, inputPath, outputPath string) error { return nil }
func (fakeTool) MuxSubtitle(ctx context.Context, videoPath, subtitlePath, subtitleFormat, language, outputPath string) error {
	return nil
}

func fakeToolFactory() (muxer.Tool, error) { return fakeTool{}, nil }
