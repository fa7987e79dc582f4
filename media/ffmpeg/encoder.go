// Package ffmpeg implements the media collaborator contracts with the
// ffmpeg and ffprobe binaries: an Encoder that reports incremental
// progress, a Prober for playability checks, and an HLS Segmenter.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mediaforge/transcodeq/job"
	"github.com/mediaforge/transcodeq/media"
)

var _ media.Encoder = (*Encoder)(nil)

// Encoder transcodes via the ffmpeg binary.
type Encoder struct {
	// Bin is the ffmpeg executable. Defaults to "ffmpeg".
	Bin string
	// ProbeBin is the ffprobe executable. Defaults to "ffprobe".
	ProbeBin string
}

// NewEncoder creates an Encoder using the ffmpeg/ffprobe binaries on PATH.
func NewEncoder() *Encoder {
	return &Encoder{Bin: "ffmpeg", ProbeBin: "ffprobe"}
}

// Transcode encodes inputPath into outputPath, parsing ffmpeg's
// machine-readable progress stream into percentages against the probed
// source duration. The output is written to a temp file and renamed in
// on success so a failed encode leaves nothing behind.
func (e *Encoder) Transcode(ctx context.Context, inputPath, outputPath string, params job.Params, progress media.ProgressFunc) error {
	totalMs := int64(0)
	if d, err := probeDuration(ctx, e.probeBin(), inputPath); err == nil {
		totalMs = d.Milliseconds()
	}

	tmpPath := outputPath + ".tmp.mp4"
	_ = os.Remove(tmpPath)

	args := []string{
		"-y",
		"-i", inputPath,
		"-sn",
		"-map", "0:v:0?",
		"-map", "0:a:0?",
		"-progress", "pipe:1",
		"-nostats",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-s", params.Resolution,
		"-r", strconv.Itoa(params.Framerate),
		"-b:v", fmt.Sprintf("%dk", params.BitrateKbps),
		"-maxrate", fmt.Sprintf("%dk", params.BitrateKbps),
		"-bufsize", fmt.Sprintf("%dk", params.BitrateKbps*2),
		"-c:a", "aac",
		"-ac", "2",
		"-b:a", "128k",
		"-ar", "48000",
		"-f", "mp4",
		"-movflags", "+faststart",
		tmpPath,
	}

	cmd := exec.CommandContext(ctx, e.bin(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	lastPercent := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok || key != "out_time_ms" || totalMs <= 0 {
			continue
		}
		us, parseErr := strconv.ParseInt(value, 10, 64)
		if parseErr != nil {
			continue
		}
		// out_time_ms is microseconds despite the name.
		percent := int(float64(us/1000) / float64(totalMs) * 100)
		if percent > 99 {
			percent = 99
		}
		if percent > lastPercent {
			lastPercent = percent
			if progress != nil {
				progress(percent)
			}
		}
	}

	if err := cmd.Wait(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("ffmpeg failed: %w: %s", err, tail(stderr.String()))
	}

	if progress != nil {
		progress(100)
	}

	_ = os.Remove(outputPath)
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return fmt.Errorf("ffmpeg: finalize output: %w", err)
	}
	return nil
}

func (e *Encoder) bin() string {
	if e.Bin != "" {
		return e.Bin
	}
	return "ffmpeg"
}

func (e *Encoder) probeBin() string {
	if e.ProbeBin != "" {
		return e.ProbeBin
	}
	return "ffprobe"
}

// tail returns the last few lines of ffmpeg's stderr, which carry the
// actual failure reason.
func tail(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) > 4 {
		lines = lines[len(lines)-4:]
	}
	return strings.Join(lines, " | ")
}
