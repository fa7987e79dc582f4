package worker

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/mediaforge/transcodeq/job"
	"github.com/mediaforge/transcodeq/media"
)

// Progress bands for the pipeline stages. Each stage reports progress
// within its band so the overall percentage is monotone across the
// whole attempt.
const (
	progressDownloaded = 10
	progressEncoded    = 60
	progressUploaded   = 70
	progressSegmented  = 90
	progressValidated  = 95
)

// Result carries the output artifacts of a successful pipeline run.
type Result struct {
	OutputKey   string
	ManifestKey string
	OutputSize  int64
}

// Pipeline drives a single transcode attempt through its stages:
// download the source, encode, upload the encoded output, segment to
// HLS, upload the segments and manifest, and validate the manifest
// against the blob store.
//
// Each attempt works in its own temp directory under WorkDir, removed
// when the attempt ends regardless of outcome.
type Pipeline struct {
	Blobs     media.BlobStore
	Encoder   media.Encoder
	Segmenter media.Segmenter

	// Prober, when set, checks that the encoded output is playable
	// before anything is uploaded.
	Prober media.Prober

	// WorkDir is the parent directory for per-attempt scratch space.
	// Empty means the system temp directory.
	WorkDir string
}

// SourceKey returns the blob key of a video's uploaded source file.
func SourceKey(videoID string) string {
	return path.Join("videos", videoID, "source.mp4")
}

// OutputKey returns the blob key of the encoded MP4 for a preset.
func OutputKey(videoID, preset string) string {
	return path.Join("videos", videoID, preset, "output.mp4")
}

// ManifestKey returns the blob key of the HLS playlist for a preset.
func ManifestKey(videoID, preset string) string {
	return path.Join("videos", videoID, preset, "hls", "playlist.m3u8")
}

// Run executes all pipeline stages for the descriptor, reporting
// progress through fn. It returns the artifacts on success.
func (p *Pipeline) Run(ctx context.Context, d *job.Descriptor, fn media.ProgressFunc) (*Result, error) {
	workDir, err := os.MkdirTemp(p.WorkDir, "transcode-"+d.VideoID+"-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	report := func(percent int) {
		if fn != nil {
			fn(percent)
		}
	}

	// Stage 1: download the source.
	sourcePath := filepath.Join(workDir, "source.mp4")
	if err := p.Blobs.Download(ctx, SourceKey(d.VideoID), sourcePath); err != nil {
		return nil, fmt.Errorf("download source: %w", err)
	}
	report(progressDownloaded)

	// Stage 2: encode. Encoder progress is scaled into the encode band.
	encodedPath := filepath.Join(workDir, "output.mp4")
	encodeProgress := func(percent int) {
		span := progressEncoded - progressDownloaded
		report(progressDownloaded + percent*span/100)
	}
	if err := p.Encoder.Transcode(ctx, sourcePath, encodedPath, d.Params, encodeProgress); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	if p.Prober != nil {
		if _, err := p.Prober.Duration(ctx, encodedPath); err != nil {
			return nil, fmt.Errorf("encoded output not playable: %w", err)
		}
	}

	// Stage 3: upload the encoded output.
	info, err := os.Stat(encodedPath)
	if err != nil {
		return nil, fmt.Errorf("stat encoded output: %w", err)
	}
	outKey := OutputKey(d.VideoID, d.Params.Preset)
	if err := p.Blobs.Upload(ctx, encodedPath, outKey); err != nil {
		return nil, fmt.Errorf("upload output: %w", err)
	}
	report(progressUploaded)

	// Stage 4: segment to HLS and upload segments plus manifest.
	hlsDir := filepath.Join(workDir, "hls")
	manifestPath, segments, err := p.Segmenter.Generate(ctx, encodedPath, hlsDir)
	if err != nil {
		return nil, fmt.Errorf("segment: %w", err)
	}

	manKey := ManifestKey(d.VideoID, d.Params.Preset)
	hlsPrefix := path.Dir(manKey)
	span := progressSegmented - progressUploaded
	for i, seg := range segments {
		segKey := path.Join(hlsPrefix, filepath.Base(seg))
		if err := p.Blobs.Upload(ctx, seg, segKey); err != nil {
			return nil, fmt.Errorf("upload segment %s: %w", filepath.Base(seg), err)
		}
		report(progressUploaded + (i+1)*span/len(segments))
	}
	if err := p.Blobs.Upload(ctx, manifestPath, manKey); err != nil {
		return nil, fmt.Errorf("upload manifest: %w", err)
	}
	report(progressSegmented)

	// Stage 5: validate the uploaded manifest before declaring success.
	ok, err := p.Segmenter.Validate(ctx, manKey)
	if err != nil {
		return nil, fmt.Errorf("validate manifest: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("validate manifest: manifest %s references missing segments", manKey)
	}
	report(progressValidated)

	return &Result{
		OutputKey:   outKey,
		ManifestKey: manKey,
		OutputSize:  info.Size(),
	}, nil
}
