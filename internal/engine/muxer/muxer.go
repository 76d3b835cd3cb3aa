// Package muxer turns a job's ordered segment files into one progressively
// streamable output file, optionally with an embedded subtitle track
// (spec.md §4.5). Binary concatenation is plain I/O; the fast-start remux
// and subtitle mux shell out to an external media tool through the Tool
// port below, whose argument-construction and failure-classification style
// is grounded on the teacher's BuildRemuxArgs/Execute split in
// internal/vod, trimmed to spec.md §6.4's two copy-only operations (no
// codec decision tree — this core never transcodes).
package muxer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/jellyvod/jellydown/internal/engineerr"
	"github.com/jellyvod/jellydown/internal/jlog"
)

const stderrTailBytes = 4096

// Tool is the external media tool port (spec.md §6.4). The only
// implementation shells out to ffmpeg-compatible binaries; tests can
// substitute a fake.
type Tool interface {
	// Remux copies all streams from inputPath into outputPath with the
	// fast-start ("moov-first") flag set.
	Remux(ctx context.Context, inputPath, outputPath string) error

	// MuxSubtitle copies video and audio from videoPath, mapping the
	// subtitle track from subtitlePath with the given container format
	// (used to pick the subtitle codec) and optional language tag, into
	// outputPath with the fast-start flag set.
	MuxSubtitle(ctx context.Context, videoPath, subtitlePath, subtitleFormat, language, outputPath string) error
}

// FFmpegTool is the default Tool backed by an ffmpeg-compatible binary.
type FFmpegTool struct {
	BinPath string
}

// NewFFmpegTool resolves binPath on the current PATH and returns a Tool, or
// ToolMissingError if it cannot be found.
func NewFFmpegTool(binPath string) (*FFmpegTool, error) {
	if binPath == "" {
		binPath = "ffmpeg"
	}
	resolved, err := exec.LookPath(binPath)
	if err != nil {
		return nil, &engineerr.ToolMissingError{
			Tool:        binPath,
			InstallHint: "install ffmpeg and ensure it is on PATH, or set FFmpegPath in configuration",
		}
	}
	return &FFmpegTool{BinPath: resolved}, nil
}

func (t *FFmpegTool) Remux(ctx context.Context, inputPath, outputPath string) error {
	args := []string{
		"-y", "-nostdin", "-hide_banner", "-loglevel", "error",
		"-i", inputPath,
		"-map", "0",
		"-c", "copy",
		"-movflags", "+faststart",
		"-f", "mp4",
		outputPath,
	}
	return t.run(ctx, args)
}

func (t *FFmpegTool) MuxSubtitle(ctx context.Context, videoPath, subtitlePath, subtitleFormat, language, outputPath string) error {
	subCodec := "mov_text"
	if subtitleFormat == "ass" {
		subCodec = "ass"
	}

	args := []string{
		"-y", "-nostdin", "-hide_banner", "-loglevel", "error",
		"-i", videoPath,
		"-i", subtitlePath,
		"-map", "0:v",
		"-map", "0:a",
		"-map", "1",
		"-c:v", "copy",
		"-c:a", "copy",
		"-c:s", subCodec,
	}
	if language != "" {
		args = append(args, "-metadata:s:s:0", "language="+language)
	}
	args = append(args, "-movflags", "+faststart", "-f", "mp4", outputPath)

	return t.run(ctx, args)
}

func (t *FFmpegTool) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, t.BinPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			exitCode = exitErr.ExitCode()
		}
		return &engineerr.RemuxFailedError{ExitCode: exitCode, StderrTail: tail(stderr.Bytes(), stderrTailBytes)}
	}
	return nil
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}

// SubtitleFetcher retrieves a subtitle track in one of several candidate
// formats, returning the first non-empty body obtained (spec.md §4.5 step 3a).
type SubtitleFetcher func(ctx context.Context, format string) ([]byte, error)

var subtitleFormatOrder = []string{"srt", "vtt", "ass", "sub"}

// Input bundles everything one Mux call needs.
type Input struct {
	TempDir       string
	InitPath      string
	SegmentPaths  []string // in strict index order
	OutputPath    string
	Tool          Tool
	FetchSubtitle SubtitleFetcher // nil if the job carries no subtitle descriptor
	Language      string
}

// Mux concatenates segments, remuxes for fast-start, and optionally embeds
// a subtitle track, leaving the final artifact at in.OutputPath.
func Mux(ctx context.Context, in Input) error {
	logger := jlog.FromContext(ctx, "muxer")

	concatPath := filepath.Join(in.TempDir, "concat.mp4")
	if err := concat(concatPath, in.InitPath, in.SegmentPaths); err != nil {
		return err
	}
	defer func() { _ = os.Remove(concatPath) }()

	if err := in.Tool.Remux(ctx, concatPath, in.OutputPath); err != nil {
		return err
	}

	if in.FetchSubtitle == nil {
		return nil
	}

	subPath, format, err := fetchFirstSubtitle(ctx, in.TempDir, in.FetchSubtitle)
	if err != nil {
		logger.Warn().Err(err).Msg("no subtitle track obtained, emitting video without subtitles")
		return nil
	}
	defer func() { _ = os.Remove(subPath) }()

	withSubsPath := in.OutputPath + ".withsubs.mp4"
	if err := in.Tool.MuxSubtitle(ctx, in.OutputPath, subPath, format, in.Language, withSubsPath); err != nil {
		logger.Warn().Err(err).Msg("subtitle mux failed, keeping video without subtitles")
		_ = os.Remove(withSubsPath)
		return nil
	}

	return os.Rename(withSubsPath, in.OutputPath)
}

func fetchFirstSubtitle(ctx context.Context, tempDir string, fetch SubtitleFetcher) (path, format string, err error) {
	var lastErr error
	for _, format := range subtitleFormatOrder {
		body, err := fetch(ctx, format)
		if err != nil {
			lastErr = err
			continue
		}
		if len(body) == 0 {
			continue
		}
		path := filepath.Join(tempDir, "subtitle."+format)
		if err := os.WriteFile(path, body, 0o644); err != nil {
			lastErr = err
			continue
		}
		return path, format, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no subtitle track available in any format")
	}
	return "", "", lastErr
}

func concat(destPath, initPath string, segmentPaths []string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return &engineerr.ConcatIOError{Cause: err}
	}
	defer func() { _ = out.Close() }()

	appendFile := func(path string) error {
		if path == "" {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = in.Close() }()
		_, err = io.Copy(out, in)
		return err
	}

	if err := appendFile(initPath); err != nil {
		return &engineerr.ConcatIOError{Cause: err}
	}
	for _, seg := range segmentPaths {
		if err := appendFile(seg); err != nil {
			return &engineerr.ConcatIOError{Cause: err}
		}
	}
	return nil
}
