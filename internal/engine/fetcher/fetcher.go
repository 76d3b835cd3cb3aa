// Package fetcher downloads a single segment URL to a single file with
// content validation, timeout and bounded linear backoff (spec.md
// §4.3). It is stateless across calls and carries no shared state between
// invocations, grounded on the worker download-and-validate shape of the
// teacher's picon fetch-to-file path, generalized from "fetch a PNG" to
// "fetch and validate a fragmented-MP4 box".
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Eyevinn/mp4ff/box"

	"github.com/jellyvod/jellydown/internal/clock"
	"github.com/jellyvod/jellydown/internal/engineerr"
	"github.com/jellyvod/jellydown/internal/jlog"
)

const (
	fetchTimeout    = 60 * time.Second
	minBodyBytes    = 100
	defaultRetries  = 8
	maxBackoff      = 15 * time.Second
)

// validBoxTypes are the fragmented-MP4 box types a real segment may open with.
var validBoxTypes = map[string]bool{
	"ftyp": true, "styp": true, "moof": true, "mdat": true, "sidx": true, "free": true,
}

// Options configures one Fetch call.
type Options struct {
	RetryBudget int // default 8 when zero
	Client      *http.Client
	Clock       clock.Clock // default clock.RealClock{}, injectable for deterministic backoff in tests (spec.md §10.4)
}

// Fetch downloads url to destPath, validating the body looks like a
// fragmented-MP4 segment rather than a placeholder JSON error from the
// upstream transcoder, and returns the number of bytes written.
func Fetch(ctx context.Context, url, destPath string, opts Options) (int64, error) {
	logger := jlog.FromContext(ctx, "fetcher")

	budget := opts.RetryBudget
	if budget <= 0 {
		budget = defaultRetries
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	c := opts.Clock
	if c == nil {
		c = clock.RealClock{}
	}

	var lastErr error
	for attempt := 0; attempt < budget; attempt++ {
		n, err := attemptFetch(ctx, client, url, destPath)
		if err == nil {
			return n, nil
		}
		lastErr = err
		logger.Debug().Err(err).Int("attempt", attempt).Str("url", url).Msg("segment fetch attempt failed")

		if attempt == budget-1 {
			break
		}
		backoff := time.Duration(attempt+1) * 3 * time.Second
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		select {
		case <-ctx.Done():
			return 0, &engineerr.TimeoutError{URL: url}
		case <-c.After(backoff):
		}
	}
	return 0, lastErr
}

func attemptFetch(parent context.Context, client *http.Client, url, destPath string) (int64, error) {
	ctx, cancel := context.WithTimeout(parent, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &engineerr.NetworkError{Cause: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, &engineerr.TimeoutError{URL: url}
		}
		return 0, &engineerr.NetworkError{Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, &engineerr.NetworkError{Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &engineerr.UpstreamError{Message: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	if err := validate(resp.Header.Get("Content-Type"), body); err != nil {
		return 0, err
	}

	if err := writeAtomic(destPath, body); err != nil {
		return 0, &engineerr.NetworkError{Cause: err}
	}
	return int64(len(body)), nil
}

// validate rejects empty/short bodies, JSON-shaped placeholder errors, and
// bodies whose leading box type is not a recognized fragmented-MP4 type.
func validate(contentType string, body []byte) error {
	if len(body) < minBodyBytes {
		return &engineerr.EmptyResponseError{URL: ""}
	}

	lowerCT := strings.ToLower(contentType)
	looksJSONByType := strings.Contains(lowerCT, "json") || strings.HasPrefix(lowerCT, "text/")
	if looksJSONByType {
		var payload map[string]any
		if err := json.Unmarshal(bytes.TrimSpace(body), &payload); err == nil {
			if msg, ok := payload["message"]; ok {
				return &engineerr.UpstreamError{Message: fmt.Sprint(msg)}
			}
			if msg, ok := payload["error"]; ok {
				return &engineerr.UpstreamError{Message: fmt.Sprint(msg)}
			}
		}
		return &engineerr.UnexpectedContentTypeError{ContentType: contentType}
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return &engineerr.ValidationFailedError{Reason: "JSON-in-disguise body"}
	}

	hdr, err := box.DecodeHeader(bytes.NewReader(body))
	if err != nil || !validBoxTypes[hdr.Name] {
		return &engineerr.ValidationFailedError{Reason: "body does not open with a recognized fragmented-MP4 box"}
	}
	return nil
}

func writeAtomic(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tempFile, err := os.CreateTemp(dir, "segment-*.tmp")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tempFile.Name()) }()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return err
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}
	return os.Rename(tempFile.Name(), dest)
}
