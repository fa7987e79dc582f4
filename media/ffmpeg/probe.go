package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mediaforge/transcodeq/media"
)

var _ media.Prober = (*Prober)(nil)

// Prober inspects media files with ffprobe.
type Prober struct {
	// Bin is the ffprobe executable. Defaults to "ffprobe".
	Bin string
}

// NewProber creates a Prober using the ffprobe binary on PATH.
func NewProber() *Prober {
	return &Prober{Bin: "ffprobe"}
}

// Duration returns the container duration of the file at path.
func (p *Prober) Duration(ctx context.Context, path string) (time.Duration, error) {
	bin := p.Bin
	if bin == "" {
		bin = "ffprobe"
	}
	return probeDuration(ctx, bin, path)
}

func probeDuration(ctx context.Context, bin, path string) (time.Duration, error) {
	out, err := runWithOutput(ctx, bin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, err
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe: parse duration %q: %w", strings.TrimSpace(out), err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func runWithOutput(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
