package muxer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTool struct {
	remuxed       [][2]string
	muxedSubtitle bool
	failSubtitle  bool
}

func (t *recordingTool) Remux(ctx context.Context, inputPath, outputPath string) error {
	t.remuxed = append(t.remuxed, [2]string{inputPath, outputPath})
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, data, 0o644)
}

func (t *recordingTool) MuxSubtitle(ctx context.Context, videoPath, subtitlePath, subtitleFormat, language, outputPath string) error {
	if t.failSubtitle {
		return assertErr{}
	}
	t.muxedSubtitle = true
	data, err := os.ReadFile(videoPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, data, 0o644)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func writeSegment(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestMux_ConcatenatesInOrder(t *testing.T) {
	tempDir := t.TempDir()
	initPath := writeSegment(t, tempDir, "init.mp4", "INIT")
	seg0 := writeSegment(t, tempDir, "0.mp4", "AAA")
	seg1 := writeSegment(t, tempDir, "1.mp4", "BBB")

	outputPath := filepath.Join(tempDir, "out.mp4")
	tool := &recordingTool{}
	err := Mux(t.Context(), Input{
		TempDir:      tempDir,
		InitPath:     initPath,
		SegmentPaths: []string{seg0, seg1},
		OutputPath:   outputPath,
		Tool:         tool,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "INITAAABBB", string(data))
	assert.False(t, tool.muxedSubtitle)
}

func TestMux_EmbedsSubtitleWhenFetcherSucceeds(t *testing.T) {
	tempDir := t.TempDir()
	seg0 := writeSegment(t, tempDir, "0.mp4", "AAA")
	outputPath := filepath.Join(tempDir, "out.mp4")

	tool := &recordingTool{}
	err := Mux(t.Context(), Input{
		TempDir:      tempDir,
		SegmentPaths: []string{seg0},
		OutputPath:   outputPath,
		Tool:         tool,
		FetchSubtitle: func(ctx context.Context, format string) ([]byte, error) {
			if format == "srt" {
				return []byte("1\n00:00:00,000 --> 00:00:01,000\nhi\n"), nil
			}
			return nil, nil
		},
		Language: "eng",
	})
	require.NoError(t, err)
	assert.True(t, tool.muxedSubtitle)
}

func TestMux_SubtitleFailureStillCompletesVideo(t *testing.T) {
	tempDir := t.TempDir()
	seg0 := writeSegment(t, tempDir, "0.mp4", "AAA")
	outputPath := filepath.Join(tempDir, "out.mp4")

	tool := &recordingTool{failSubtitle: true}
	err := Mux(t.Context(), Input{
		TempDir:      tempDir,
		SegmentPaths: []string{seg0},
		OutputPath:   outputPath,
		Tool:         tool,
		FetchSubtitle: func(ctx context.Context, format string) ([]byte, error) {
			return []byte("not empty"), nil
		},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "AAA", string(data))
}

func TestMux_NoSubtitleTrackAvailableStillCompletes(t *testing.T) {
	tempDir := t.TempDir()
	seg0 := writeSegment(t, tempDir, "0.mp4", "AAA")
	outputPath := filepath.Join(tempDir, "out.mp4")

	tool := &recordingTool{}
	err := Mux(t.Context(), Input{
		TempDir:      tempDir,
		SegmentPaths: []string{seg0},
		OutputPath:   outputPath,
		Tool:         tool,
		FetchSubtitle: func(ctx context.Context, format string) ([]byte, error) {
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.False(t, tool.muxedSubtitle)
}
