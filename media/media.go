// Package media defines the collaborator contracts the worker pipeline
// drives: blob storage for video bytes, the encoder, and the segmenter.
// They are specified as interfaces and injected at construction time;
// the subsystem treats their operations as opaque.
package media

import (
	"context"
	"time"

	"github.com/mediaforge/transcodeq/job"
)

// BlobStore moves video bytes between durable storage and a worker's
// local staging directory. Keys are opaque, slash-separated paths.
type BlobStore interface {
	// Download copies the blob at key to destPath.
	Download(ctx context.Context, key, destPath string) error

	// Upload stores the file at srcPath under key, replacing any
	// existing blob.
	Upload(ctx context.Context, srcPath, key string) error

	// Exists reports whether a blob is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the blob at key. Deleting a missing blob is not an
	// error.
	Delete(ctx context.Context, key string) error
}

// ProgressFunc receives encode progress percentages in [0,100]. The
// sequence is non-decreasing and finite.
type ProgressFunc func(percent int)

// Encoder produces one encoded rendition. An invocation is not
// restartable mid-stream: a retry starts fresh.
type Encoder interface {
	// Transcode encodes inputPath into outputPath according to params,
	// reporting incremental progress. It returns once the output is
	// fully written or the encode failed.
	Transcode(ctx context.Context, inputPath, outputPath string, params job.Params, progress ProgressFunc) error
}

// Prober inspects a local media file. The pipeline uses it to check
// that encoded output is playable before uploading it.
type Prober interface {
	// Duration returns the playable duration of the file at path, or an
	// error if the file is not decodable.
	Duration(ctx context.Context, path string) (time.Duration, error)
}

// Segmenter turns an encoded rendition into delivery segments plus a
// manifest indexing them.
type Segmenter interface {
	// Generate writes a manifest and its segments under outputDir and
	// returns the manifest path and the segment paths it references.
	Generate(ctx context.Context, encodedPath, outputDir string) (manifestPath string, segmentPaths []string, err error)

	// Validate reports whether every segment referenced by the uploaded
	// manifest at manifestKey is retrievable.
	Validate(ctx context.Context, manifestKey string) (bool, error)
}
