package worker_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mediaforge/transcodeq/backoff"
	brokermem "github.com/mediaforge/transcodeq/broker/memory"
	"github.com/mediaforge/transcodeq/event"
	"github.com/mediaforge/transcodeq/hook"
	"github.com/mediaforge/transcodeq/id"
	"github.com/mediaforge/transcodeq/job"
	"github.com/mediaforge/transcodeq/media"
	"github.com/mediaforge/transcodeq/middleware"
	storemem "github.com/mediaforge/transcodeq/store/memory"
	"github.com/mediaforge/transcodeq/worker"
)

// fakeBlobs is an in-memory blob store.
type fakeBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{blobs: make(map[string][]byte)}
}

func (f *fakeBlobs) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[key] = data
}

func (f *fakeBlobs) Download(_ context.Context, key, destPath string) error {
	f.mu.Lock()
	data, ok := f.blobs[key]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("blob %s not found", key)
	}
	return os.WriteFile(destPath, data, 0o644)
}

func (f *fakeBlobs) Upload(_ context.Context, srcPath, key string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	f.put(key, data)
	return nil
}

func (f *fakeBlobs) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blobs[key]
	return ok, nil
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, key)
	return nil
}

// fakeEncoder copies input to output, optionally failing the first
// failCount attempts.
type fakeEncoder struct {
	failCount atomic.Int32
	calls     atomic.Int32
}

func (f *fakeEncoder) Transcode(_ context.Context, inputPath, outputPath string, _ job.Params, progress media.ProgressFunc) error {
	f.calls.Add(1)
	if f.failCount.Load() > 0 {
		f.failCount.Add(-1)
		return errors.New("codec exploded")
	}
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	if progress != nil {
		progress(50)
		progress(100)
	}
	return os.WriteFile(outputPath, data, 0o644)
}

// fakeSegmenter writes a two-segment playlist and validates against the
// blob store.
type fakeSegmenter struct {
	blobs media.BlobStore
}

func (f *fakeSegmenter) Generate(_ context.Context, _, outputDir string) (string, []string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", nil, err
	}
	manifest := filepath.Join(outputDir, "playlist.m3u8")
	segs := []string{
		filepath.Join(outputDir, "segment00000.ts"),
		filepath.Join(outputDir, "segment00001.ts"),
	}
	for _, s := range segs {
		if err := os.WriteFile(s, []byte("ts"), 0o644); err != nil {
			return "", nil, err
		}
	}
	content := "#EXTM3U\nsegment00000.ts\nsegment00001.ts\n"
	if err := os.WriteFile(manifest, []byte(content), 0o644); err != nil {
		return "", nil, err
	}
	return manifest, segs, nil
}

func (f *fakeSegmenter) Validate(ctx context.Context, manifestKey string) (bool, error) {
	return f.blobs.Exists(ctx, manifestKey)
}

type fixture struct {
	store    *storemem.Store
	broker   *brokermem.Broker
	blobs    *fakeBlobs
	encoder  *fakeEncoder
	events   *event.Bus
	executor *worker.Executor
}

func setupExecutor(t *testing.T) *fixture {
	t.Helper()
	logger := slog.Default()
	s := storemem.New()
	b := brokermem.New()
	t.Cleanup(func() { _ = b.Close(); _ = s.Close() })

	blobs := newFakeBlobs()
	enc := &fakeEncoder{}
	events := event.NewBus()
	hooks := hook.NewRegistry(logger)

	pipeline := &worker.Pipeline{
		Blobs:     blobs,
		Encoder:   enc,
		Segmenter: &fakeSegmenter{blobs: blobs},
		WorkDir:   t.TempDir(),
	}

	executor := worker.NewExecutor(
		s, b, pipeline, hooks, events,
		backoff.NewConstant(10*time.Millisecond),
		logger,
		middleware.Recover(logger),
	)

	return &fixture{store: s, broker: b, blobs: blobs, encoder: enc, events: events, executor: executor}
}

func (f *fixture) newQueuedJob(t *testing.T, maxRetries int) *job.Job {
	t.Helper()
	now := time.Now().UTC()
	j := &job.Job{
		ID:         id.NewJobID(),
		VideoID:    "vid_1",
		Params:     job.Params{Preset: "720p_30fps", Resolution: "1280x720", Framerate: 30, BitrateKbps: 2800},
		Status:     job.StatusQueued,
		MaxRetries: maxRetries,
	}
	j.CreatedAt = now
	j.UpdatedAt = now
	if err := f.store.Create(context.Background(), j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	f.blobs.put(worker.SourceKey(j.VideoID), []byte("source-bytes"))
	return j
}

func TestExecutor_Success(t *testing.T) {
	f := setupExecutor(t)
	ctx := context.Background()
	j := f.newQueuedJob(t, 3)

	if err := f.executor.Execute(ctx, j.Descriptor()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, err := f.store.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.Progress != 100 {
		t.Errorf("progress = %d, want 100", got.Progress)
	}
	if got.OutputKey != worker.OutputKey("vid_1", "720p_30fps") {
		t.Errorf("unexpected output key %q", got.OutputKey)
	}
	if got.ManifestKey != worker.ManifestKey("vid_1", "720p_30fps") {
		t.Errorf("unexpected manifest key %q", got.ManifestKey)
	}
	if got.OutputSize != int64(len("source-bytes")) {
		t.Errorf("output size = %d, want %d", got.OutputSize, len("source-bytes"))
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt set")
	}

	// Artifacts landed in the blob store.
	for _, key := range []string{got.OutputKey, got.ManifestKey} {
		ok, _ := f.blobs.Exists(ctx, key)
		if !ok {
			t.Errorf("expected blob %s to exist", key)
		}
	}
}

func TestExecutor_FailureSchedulesRetry(t *testing.T) {
	f := setupExecutor(t)
	ctx := context.Background()
	j := f.newQueuedJob(t, 3)
	f.encoder.failCount.Store(1)

	if err := f.executor.Execute(ctx, j.Descriptor()); err == nil {
		t.Fatal("expected error from failed attempt")
	}

	got, err := f.store.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusQueued {
		t.Fatalf("status = %s, want queued (retry pending)", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}
	if got.ErrorMessage == "" {
		t.Error("expected error message recorded")
	}

	stats, err := f.broker.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ScheduledRetries != 1 {
		t.Fatalf("scheduled retries = %d, want 1", stats.ScheduledRetries)
	}

	// Promote past the delay and confirm the descriptor carries the
	// incremented retry count.
	n, err := f.broker.PromoteReadyRetries(ctx, time.Now().Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("promote = (%d, %v), want (1, nil)", n, err)
	}
	d, err := f.broker.Dequeue(ctx, 100*time.Millisecond)
	if err != nil || d == nil {
		t.Fatalf("dequeue = (%v, %v)", d, err)
	}
	if d.RetryCount != 1 {
		t.Errorf("descriptor retry count = %d, want 1", d.RetryCount)
	}
}

func TestExecutor_ExhaustedRetriesFailPermanently(t *testing.T) {
	f := setupExecutor(t)
	ctx := context.Background()
	j := f.newQueuedJob(t, 0)
	f.encoder.failCount.Store(1)

	if err := f.executor.Execute(ctx, j.Descriptor()); err == nil {
		t.Fatal("expected error from failed attempt")
	}

	got, err := f.store.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt set on permanent failure")
	}

	stats, _ := f.broker.Stats(ctx)
	if stats.ScheduledRetries != 0 {
		t.Fatalf("scheduled retries = %d, want 0", stats.ScheduledRetries)
	}
}

func TestExecutor_DropsUnclaimableDescriptor(t *testing.T) {
	f := setupExecutor(t)
	ctx := context.Background()
	j := f.newQueuedJob(t, 3)
	d := j.Descriptor()

	// Cancel the job before the worker gets to it.
	if _, err := f.store.Cancel(ctx, j.ID, "cancelled by user"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if err := f.executor.Execute(ctx, d); err != nil {
		t.Fatalf("expected nil error for unclaimable descriptor, got %v", err)
	}
	if f.encoder.calls.Load() != 0 {
		t.Fatal("pipeline must not run for an unclaimable descriptor")
	}

	got, _ := f.store.Get(ctx, j.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %s, want failed (cancelled)", got.Status)
	}
}

func TestExecutor_PublishesProgressEvents(t *testing.T) {
	f := setupExecutor(t)
	ctx := context.Background()
	j := f.newQueuedJob(t, 3)

	ch := f.events.Subscribe(j.ID.String())
	defer f.events.Unsubscribe(j.ID.String(), ch)

	if err := f.executor.Execute(ctx, j.Descriptor()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	sawProgress := false
	sawCompleted := false
	for {
		select {
		case ev := <-ch:
			if ev.Type == event.TypeProgress && ev.Progress > 0 {
				sawProgress = true
			}
			if ev.Type == event.TypeStatus && ev.Status == string(job.StatusCompleted) {
				sawCompleted = true
			}
		default:
			if !sawProgress {
				t.Error("expected at least one progress event")
			}
			if !sawCompleted {
				t.Error("expected a completed status event")
			}
			return
		}
	}
}

func TestPool_StartStop(t *testing.T) {
	f := setupExecutor(t)
	pool := worker.NewPool(f.broker, f.executor, slog.Default(),
		worker.WithPoolConcurrency(2),
		worker.WithPollTimeout(50*time.Millisecond),
	)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	// Double start should be no-op.
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	// Double stop should be no-op.
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
}

func TestPool_ProcessesJob(t *testing.T) {
	f := setupExecutor(t)
	pool := worker.NewPool(f.broker, f.executor, slog.Default(),
		worker.WithPoolConcurrency(1),
		worker.WithPollTimeout(20*time.Millisecond),
	)

	ctx := context.Background()
	j := f.newQueuedJob(t, 3)
	if err := f.broker.Enqueue(ctx, j.Descriptor()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Stop(stopCtx)
	}()

	deadline := time.After(5 * time.Second)
	for {
		got, err := f.store.Get(ctx, j.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == job.StatusCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for completion, status = %s", got.Status)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	// In-flight set must be empty after release.
	inflight, err := f.broker.InFlight(ctx)
	if err != nil {
		t.Fatalf("inflight: %v", err)
	}
	if len(inflight) != 0 {
		t.Fatalf("expected 0 in-flight descriptors, got %d", len(inflight))
	}
}

func TestPool_RateLimitedJobIsRescheduled(t *testing.T) {
	f := setupExecutor(t)

	blocked := &blockingLimiter{}
	pool := worker.NewPool(f.broker, f.executor, slog.Default(),
		worker.WithPoolConcurrency(1),
		worker.WithPollTimeout(20*time.Millisecond),
		worker.WithPresetLimiter(blocked),
	)

	ctx := context.Background()
	j := f.newQueuedJob(t, 3)
	if err := f.broker.Enqueue(ctx, j.Descriptor()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Stop(stopCtx)
	}()

	// The limiter rejects everything, so the descriptor should bounce
	// into the scheduled-retry structure without touching the record.
	deadline := time.After(5 * time.Second)
	for {
		stats, err := f.broker.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.ScheduledRetries > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for rate-limited reschedule")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	got, _ := f.store.Get(ctx, j.ID)
	if got.Status != job.StatusQueued {
		t.Fatalf("status = %s, want queued (attempt must not count)", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0", got.RetryCount)
	}
}

type blockingLimiter struct{}

func (blockingLimiter) Acquire(string) bool { return false }
func (blockingLimiter) Release(string)      {}

type fakeProber struct {
	err error
}

func (p *fakeProber) Duration(context.Context, string) (time.Duration, error) {
	if p.err != nil {
		return 0, p.err
	}
	return 10 * time.Second, nil
}

func TestPipeline_RejectsUnplayableOutput(t *testing.T) {
	blobs := newFakeBlobs()
	blobs.put(worker.SourceKey("vid_1"), []byte("source-bytes"))

	pipeline := &worker.Pipeline{
		Blobs:     blobs,
		Encoder:   &fakeEncoder{},
		Segmenter: &fakeSegmenter{blobs: blobs},
		Prober:    &fakeProber{err: errors.New("moov atom not found")},
		WorkDir:   t.TempDir(),
	}

	d := &job.Descriptor{
		Version: job.DescriptorVersion,
		JobID:   id.NewJobID(),
		VideoID: "vid_1",
		Params:  job.Params{Preset: "720p_30fps", Resolution: "1280x720", Framerate: 30, BitrateKbps: 2800},
	}

	_, err := pipeline.Run(context.Background(), d, nil)
	if err == nil || !strings.Contains(err.Error(), "not playable") {
		t.Fatalf("expected playability error, got %v", err)
	}

	// Nothing was uploaded past the failed check.
	if ok, _ := blobs.Exists(context.Background(), worker.OutputKey("vid_1", "720p_30fps")); ok {
		t.Fatal("output should not be uploaded when the probe fails")
	}
}
