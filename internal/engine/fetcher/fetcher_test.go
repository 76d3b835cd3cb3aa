package fetcher

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jellyvod/jellydown/internal/clock"
	"github.com/jellyvod/jellydown/internal/engineerr"
)

func validSegmentBody() []byte {
	// A box header (size + "ftyp" type) followed by enough padding to clear
	// fetcher's minimum-body-size check.
	payload := strings.Repeat("p", 100)
	body := []byte{0, 0, 0, byte(8 + len(payload))}
	body = append(body, []byte("ftyp")...)
	body = append(body, []byte(payload)...)
	return body
}

func TestFetch_WritesValidSegment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(validSegmentBody())
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "0.mp4")
	n, err := Fetch(t.Context(), srv.URL, dest, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(len(validSegmentBody())), n)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, validSegmentBody(), data)
}

func TestFetch_RejectsJSONErrorPlaceholder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error": "transcode session expired, please retry the request again in a little while once capacity frees up"}`))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "0.mp4")
	_, err := Fetch(t.Context(), srv.URL, dest, Options{RetryBudget: 1})
	require.Error(t, err)
	var upstreamErr *engineerr.UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Contains(t, upstreamErr.Message, "transcode session expired")
}

func TestFetch_RejectsShortBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "0.mp4")
	_, err := Fetch(t.Context(), srv.URL, dest, Options{RetryBudget: 1})
	require.Error(t, err)
	var emptyErr *engineerr.EmptyResponseError
	assert.ErrorAs(t, err, &emptyErr)
}

func TestFetch_RetriesThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(validSegmentBody())
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "0.mp4")
	_, err := Fetch(t.Context(), srv.URL, dest, Options{RetryBudget: 3})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestFetch_UsesInjectedClockAndSkipsFinalBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	mc := clock.NewMockClock(time.Unix(0, 0))
	dest := filepath.Join(t.TempDir(), "0.mp4")

	done := make(chan struct{})
	go func() {
		_, _ = Fetch(t.Context(), srv.URL, dest, Options{RetryBudget: 2, Clock: mc})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond) // let Fetch reach its backoff wait after attempt 1
	mc.Advance(3 * time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Fetch did not return promptly after its final attempt; it likely slept on a backoff it didn't need")
	}
}

func TestFetch_RejectsNonBoxBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte(strings.Repeat("not an mp4 box at all", 10)))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "0.mp4")
	_, err := Fetch(t.Context(), srv.URL, dest, Options{RetryBudget: 1})
	require.Error(t, err)
	var validationErr *engineerr.ValidationFailedError
	assert.ErrorAs(t, err, &validationErr)
}
