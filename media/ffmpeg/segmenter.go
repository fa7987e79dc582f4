package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mediaforge/transcodeq/media"
)

var _ media.Segmenter = (*Segmenter)(nil)

// Segmenter produces HLS output from an already-encoded file and
// validates uploaded manifests against the blob store.
type Segmenter struct {
	// Bin is the ffmpeg executable. Defaults to "ffmpeg".
	Bin string
	// SegmentSeconds is the target segment duration. Defaults to 6.
	SegmentSeconds int
	// Blobs is consulted by Validate to check that every segment a
	// manifest references actually exists.
	Blobs media.BlobStore
}

// NewSegmenter creates a Segmenter writing 6 second segments.
func NewSegmenter(blobs media.BlobStore) *Segmenter {
	return &Segmenter{Bin: "ffmpeg", SegmentSeconds: 6, Blobs: blobs}
}

// Generate segments encodedPath into outputDir as an HLS playlist plus
// MPEG-TS segments. The stream is copied, not re-encoded. It returns
// the playlist path and the paths of the segments it references.
func (s *Segmenter) Generate(ctx context.Context, encodedPath, outputDir string) (string, []string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("segment: %w", err)
	}
	manifestPath := filepath.Join(outputDir, "playlist.m3u8")
	segLen := s.SegmentSeconds
	if segLen <= 0 {
		segLen = 6
	}
	bin := s.Bin
	if bin == "" {
		bin = "ffmpeg"
	}

	args := []string{
		"-y",
		"-i", encodedPath,
		"-c", "copy",
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", segLen),
		"-hls_playlist_type", "vod",
		"-hls_list_size", "0",
		"-hls_segment_filename", filepath.Join(outputDir, "segment%05d.ts"),
		manifestPath,
	}
	if err := run(ctx, bin, args...); err != nil {
		return "", nil, err
	}

	names, err := parseManifest(manifestPath)
	if err != nil {
		return "", nil, err
	}
	segments := make([]string, 0, len(names))
	for _, name := range names {
		segments = append(segments, filepath.Join(outputDir, name))
	}
	return manifestPath, segments, nil
}

// Validate downloads the manifest at manifestKey and checks that every
// segment it references is present in the blob store.
func (s *Segmenter) Validate(ctx context.Context, manifestKey string) (bool, error) {
	tmp, err := os.CreateTemp("", "manifest-*.m3u8")
	if err != nil {
		return false, fmt.Errorf("validate manifest: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpPath)

	if err := s.Blobs.Download(ctx, manifestKey, tmpPath); err != nil {
		return false, fmt.Errorf("validate manifest: %w", err)
	}
	names, err := parseManifest(tmpPath)
	if err != nil {
		return false, err
	}
	if len(names) == 0 {
		return false, nil
	}

	dir := path.Dir(manifestKey)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	missing := make([]bool, len(names))
	for i, name := range names {
		key := path.Join(dir, name)
		g.Go(func() error {
			ok, err := s.Blobs.Exists(ctx, key)
			if err != nil {
				return err
			}
			if !ok {
				missing[i] = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, fmt.Errorf("validate manifest: %w", err)
	}
	for _, m := range missing {
		if m {
			return false, nil
		}
	}
	return true, nil
}

// parseManifest returns the segment file names referenced by an m3u8
// playlist, in order.
func parseManifest(manifestPath string) ([]string, error) {
	f, err := os.Open(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return names, nil
}

func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w: %s", name, err, tail(stderr.String()))
	}
	return nil
}
