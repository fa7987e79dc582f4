package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/mediaforge/transcodeq/job"
)

// Logging returns middleware that logs job start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, d *job.Descriptor, next Handler) error {
		logger.Info("job started",
			slog.String("job_id", d.JobID.String()),
			slog.String("video_id", d.VideoID),
			slog.String("preset", d.Params.Preset),
			slog.Int("retry_count", d.RetryCount),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("job failed",
				slog.String("job_id", d.JobID.String()),
				slog.String("video_id", d.VideoID),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("job completed",
				slog.String("job_id", d.JobID.String()),
				slog.String("video_id", d.VideoID),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
