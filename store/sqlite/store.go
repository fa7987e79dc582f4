// Package sqlite implements job.RecordStore on an embedded SQLite
// database. Suited to single-node deployments where the job history
// must survive restarts without an external database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"

	transcodeq "github.com/mediaforge/transcodeq"
	"github.com/mediaforge/transcodeq/id"
	"github.com/mediaforge/transcodeq/job"
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ job.RecordStore = (*Store)(nil)

// Store persists job records in a SQLite database.
type Store struct {
	db *sql.DB
}

var hookOnce sync.Once

func registerHook() {
	hookOnce.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, dsn string) error {
			pragmas := []string{
				"PRAGMA journal_mode = WAL",
				"PRAGMA busy_timeout = 5000",
				"PRAGMA synchronous = NORMAL",
				"PRAGMA foreign_keys = ON",
			}
			for _, p := range pragmas {
				if _, err := conn.ExecContext(context.Background(), p, nil); err != nil {
					return fmt.Errorf("execute %s: %w", p, err)
				}
			}
			return nil
		})
	})
}

// New opens (or creates) the database at path and runs migrations.
func New(path string) (*Store, error) {
	registerHook()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL allows concurrent reads but only one writer.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

const jobColumns = `id, video_id, preset, resolution, framerate, bitrate_kbps,
	status, progress, retry_count, max_retries, error_message,
	output_key, manifest_key, output_size,
	created_at, updated_at, started_at, completed_at`

// Create persists a new job record.
func (s *Store) Create(ctx context.Context, j *job.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcode_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), j.VideoID, j.Params.Preset, j.Params.Resolution,
		j.Params.Framerate, j.Params.BitrateKbps,
		string(j.Status), j.Progress, j.RetryCount, j.MaxRetries, j.ErrorMessage,
		j.OutputKey, j.ManifestKey, j.OutputSize,
		j.CreatedAt, j.UpdatedAt, j.StartedAt, j.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return transcodeq.ErrJobAlreadyExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM transcode_jobs WHERE id = ?`, jobID.String())
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, transcodeq.ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// List returns jobs matching opts, newest first.
func (s *Store) List(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM transcode_jobs`
	where, args := filterClause(opts.VideoID, opts.Status)
	query += where + ` ORDER BY created_at DESC, id DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		// SQLite requires LIMIT before OFFSET.
		query += ` LIMIT -1`
	}
	if opts.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*job.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Count returns the number of jobs matching opts.
func (s *Store) Count(ctx context.Context, opts job.CountOpts) (int64, error) {
	where, args := filterClause(opts.VideoID, opts.Status)
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transcode_jobs`+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// MarkProcessing conditionally transitions queued → processing. The
// WHERE status guard makes this the claim point under concurrent
// delivery of the same descriptor.
func (s *Store) MarkProcessing(ctx context.Context, jobID id.JobID) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE transcode_jobs
		SET status = ?, started_at = ?, progress = 0, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(job.StatusProcessing), now, now, jobID.String(), string(job.StatusQueued))
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	return oneRowAffected(res)
}

// UpdateProgress stores percent if the job is processing and the value
// does not decrease the current progress.
func (s *Store) UpdateProgress(ctx context.Context, jobID id.JobID, percent int) (bool, error) {
	percent = clamp(percent)
	res, err := s.db.ExecContext(ctx, `
		UPDATE transcode_jobs
		SET progress = MAX(progress, ?), updated_at = ?
		WHERE id = ? AND status = ?`,
		percent, time.Now().UTC(), jobID.String(), string(job.StatusProcessing))
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	return oneRowAffected(res)
}

// Complete conditionally transitions processing → completed.
func (s *Store) Complete(ctx context.Context, jobID id.JobID, outputKey, manifestKey string, outputSize int64) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE transcode_jobs
		SET status = ?, progress = 100, error_message = '',
		    output_key = ?, manifest_key = ?, output_size = ?,
		    completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(job.StatusCompleted), outputKey, manifestKey, outputSize,
		now, now, jobID.String(), string(job.StatusProcessing))
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return oneRowAffected(res)
}

// Fail records a failed attempt, re-queueing while retry budget
// remains and failing permanently once it is exhausted. The read and
// write happen in one transaction so concurrent failers cannot consume
// the budget twice for the same attempt.
func (s *Store) Fail(ctx context.Context, jobID id.JobID, message string) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin fail tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM transcode_jobs WHERE id = ?`, jobID.String())
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, transcodeq.ErrJobNotFound
		}
		return nil, fmt.Errorf("load job: %w", err)
	}
	if j.Status.Terminal() {
		return j, nil
	}

	now := time.Now().UTC()
	if j.RetryCount < j.MaxRetries {
		j.RetryCount++
		j.Status = job.StatusQueued
		j.ErrorMessage = message
		_, err = tx.ExecContext(ctx, `
			UPDATE transcode_jobs
			SET status = ?, retry_count = ?, error_message = ?, updated_at = ?
			WHERE id = ?`,
			string(j.Status), j.RetryCount, message, now, jobID.String())
	} else {
		j.Status = job.StatusFailed
		j.ErrorMessage = message
		j.CompletedAt = &now
		_, err = tx.ExecContext(ctx, `
			UPDATE transcode_jobs
			SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
			WHERE id = ?`,
			string(j.Status), message, now, now, jobID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("fail job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit fail tx: %w", err)
	}
	j.UpdatedAt = now
	return j, nil
}

// Cancel conditionally transitions queued|processing → failed.
func (s *Store) Cancel(ctx context.Context, jobID id.JobID, message string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE transcode_jobs
		SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(job.StatusFailed), message, now, now, jobID.String(),
		string(job.StatusQueued), string(job.StatusProcessing))
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return oneRowAffected(res)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j         job.Job
		rawID     string
		rawStatus string
	)
	err := row.Scan(
		&rawID, &j.VideoID, &j.Params.Preset, &j.Params.Resolution,
		&j.Params.Framerate, &j.Params.BitrateKbps,
		&rawStatus, &j.Progress, &j.RetryCount, &j.MaxRetries, &j.ErrorMessage,
		&j.OutputKey, &j.ManifestKey, &j.OutputSize,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	parsed, err := id.ParseJobID(rawID)
	if err != nil {
		return nil, fmt.Errorf("corrupt job id %q: %w", rawID, err)
	}
	j.ID = parsed
	j.Status = job.Status(rawStatus)
	return &j, nil
}

func filterClause(videoID string, status job.Status) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if videoID != "" {
		conds = append(conds, "video_id = ?")
		args = append(args, videoID)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(status))
	}
	if len(conds) == 0 {
		return "", nil
	}
	where := " WHERE " + conds[0]
	for _, c := range conds[1:] {
		where += " AND " + c
	}
	return where, args
}

func oneRowAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		// SQLITE_CONSTRAINT_PRIMARYKEY (1555) or SQLITE_CONSTRAINT_UNIQUE (2067).
		return se.Code() == 1555 || se.Code() == 2067
	}
	return false
}

func clamp(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
