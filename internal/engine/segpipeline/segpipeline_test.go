package segpipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jellyvod/jellydown/internal/engine/model"
)

func validSegmentBody() []byte {
	payload := strings.Repeat("p", 100)
	body := []byte{0, 0, 0, byte(8 + len(payload))}
	body = append(body, []byte("ftyp")...)
	body = append(body, []byte(payload)...)
	return body
}

func TestRun_FetchesAllPendingSegments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(validSegmentBody())
	}))
	defer srv.Close()

	tempDir := t.TempDir()
	segments := []model.Segment{{Index: 0, URI: srv.URL}, {Index: 1, URI: srv.URL}, {Index: 2, URI: srv.URL}}

	result, err := Run(t.Context(), Input{Segments: segments, TempDir: tempDir, Concurrency: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(len(validSegmentBody())*3), result.TotalBytes)

	for _, seg := range segments {
		_, statErr := os.Stat(filepath.Join(tempDir, fmt.Sprintf("%d.mp4", seg.Index)))
		require.NoError(t, statErr)
	}
}

func TestRun_SkipsAlreadyCompletedSegments(t *testing.T) {
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		_, _ = w.Write(validSegmentBody())
	}))
	defer srv.Close()

	tempDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "0.mp4"), validSegmentBody(), 0o644))

	segments := []model.Segment{{Index: 0, URI: srv.URL}, {Index: 1, URI: srv.URL}}
	_, err := Run(t.Context(), Input{
		Segments:         segments,
		TempDir:          tempDir,
		AlreadyCompleted: map[int]bool{0: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fetches)
}

func TestRun_EmitsCheckpointBeforeProgressForEachSegment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(validSegmentBody())
	}))
	defer srv.Close()

	tempDir := t.TempDir()
	segments := []model.Segment{{Index: 0, URI: srv.URL}, {Index: 1, URI: srv.URL}}

	var mu sync.Mutex
	var events []string

	_, err := Run(t.Context(), Input{
		Segments:    segments,
		TempDir:     tempDir,
		Concurrency: 1,
		OnSegmentComplete: func(index int) {
			mu.Lock()
			events = append(events, "checkpoint")
			mu.Unlock()
		},
		OnProgress: func(completed, total int, bytesSoFar int64) {
			mu.Lock()
			events = append(events, "progress")
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	require.Len(t, events, 4)
	// Checkpoint must precede progress for every segment so a subscriber's
	// completedSegments count never lags the on-disk checkpoint state.
	assert.Equal(t, []string{"checkpoint", "progress", "checkpoint", "progress"}, events)
}

func TestRun_ReturnsFirstErrorOnUnrecoverableFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tempDir := t.TempDir()
	segments := []model.Segment{{Index: 0, URI: srv.URL}}

	// A short-lived context makes the fetcher's first retry backoff return
	// immediately via its ctx.Done() case instead of sleeping out its full
	// multi-attempt retry budget.
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err := Run(ctx, Input{Segments: segments, TempDir: tempDir})
	require.Error(t, err)
}
