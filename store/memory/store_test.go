package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	transcodeq "github.com/mediaforge/transcodeq"
	"github.com/mediaforge/transcodeq/id"
	"github.com/mediaforge/transcodeq/job"
	"github.com/mediaforge/transcodeq/store/memory"
)

func newJob(t *testing.T, s *memory.Store) *job.Job {
	t.Helper()

	j := &job.Job{
		ID:         id.NewJobID(),
		VideoID:    "vod-1",
		Params:     job.Params{Preset: "720p_30fps", Resolution: "1280x720", Framerate: 30, BitrateKbps: 2800},
		Status:     job.StatusQueued,
		MaxRetries: 3,
	}
	j.Touch()
	if err := s.Create(context.Background(), j); err != nil {
		t.Fatalf("create: %v", err)
	}
	return j
}

func TestCreateAndGet(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	j := newJob(t, s)

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusQueued || got.Progress != 0 || got.RetryCount != 0 {
		t.Errorf("fresh job has wrong defaults: %+v", got)
	}

	if err := s.Create(ctx, j); !errors.Is(err, transcodeq.ErrJobAlreadyExists) {
		t.Errorf("duplicate create: expected ErrJobAlreadyExists, got %v", err)
	}
	if _, err := s.Get(ctx, id.NewJobID()); !errors.Is(err, transcodeq.ErrJobNotFound) {
		t.Errorf("missing get: expected ErrJobNotFound, got %v", err)
	}
}

func TestMarkProcessing(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	j := newJob(t, s)

	ok, err := s.MarkProcessing(ctx, j.ID)
	if err != nil || !ok {
		t.Fatalf("mark processing: ok=%v err=%v", ok, err)
	}

	got, _ := s.Get(ctx, j.ID)
	if got.Status != job.StatusProcessing || got.StartedAt == nil {
		t.Errorf("expected processing with StartedAt set, got %+v", got)
	}

	// Second claim on the same job must lose the race quietly.
	ok, err = s.MarkProcessing(ctx, j.ID)
	if err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if ok {
		t.Error("duplicate MarkProcessing should report false")
	}
}

func TestUpdateProgressClampsAndNeverDecreases(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	j := newJob(t, s)

	// Not processing yet: no-op.
	if ok, _ := s.UpdateProgress(ctx, j.ID, 50); ok {
		t.Error("progress update on queued job should report false")
	}

	if _, err := s.MarkProcessing(ctx, j.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	cases := []struct {
		set  int
		want int
	}{
		{150, 100}, // clamped high
		{-5, 100},  // clamped low, then kept monotone
		{40, 100},  // lower than current: ignored
	}
	for _, c := range cases {
		if ok, err := s.UpdateProgress(ctx, j.ID, c.set); err != nil || !ok {
			t.Fatalf("update progress(%d): ok=%v err=%v", c.set, ok, err)
		}
		got, _ := s.Get(ctx, j.ID)
		if got.Progress != c.want {
			t.Errorf("progress after set(%d) = %d, want %d", c.set, got.Progress, c.want)
		}
	}
}

func TestCompleteClearsErrorAndIsTerminal(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	j := newJob(t, s)

	if _, err := s.MarkProcessing(ctx, j.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	ok, err := s.Complete(ctx, j.ID, "renditions/vod-1/720p_30fps.mp4", "renditions/vod-1/720p_30fps/playlist.m3u8", 1024)
	if err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}

	got, _ := s.Get(ctx, j.ID)
	if got.Status != job.StatusCompleted || got.Progress != 100 || got.ErrorMessage != "" {
		t.Errorf("completed job in wrong shape: %+v", got)
	}
	if got.OutputSize != 1024 || got.CompletedAt == nil {
		t.Errorf("output fields not recorded: %+v", got)
	}

	// Terminal: every further mutation is rejected.
	if ok, _ := s.MarkProcessing(ctx, j.ID); ok {
		t.Error("MarkProcessing succeeded on a completed job")
	}
	if ok, _ := s.UpdateProgress(ctx, j.ID, 10); ok {
		t.Error("UpdateProgress succeeded on a completed job")
	}
	if ok, _ := s.Cancel(ctx, j.ID, "late cancel"); ok {
		t.Error("Cancel succeeded on a completed job")
	}
	fj, err := s.Fail(ctx, j.ID, "late failure")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if fj.Status != job.StatusCompleted {
		t.Error("Fail mutated a completed job")
	}
}

func TestFailWalksRetryBudgetThenSticks(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	j := newJob(t, s)

	for attempt := 1; attempt <= 3; attempt++ {
		if ok, _ := s.MarkProcessing(ctx, j.ID); !ok {
			t.Fatalf("attempt %d: mark processing refused", attempt)
		}
		fj, err := s.Fail(ctx, j.ID, "encode crashed")
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if !fj.RetryPending() {
			t.Fatalf("attempt %d: expected retry budget remaining", attempt)
		}
		if fj.RetryCount != attempt {
			t.Errorf("attempt %d: retry count = %d", attempt, fj.RetryCount)
		}
	}

	// Budget exhausted: the fourth failure is permanent.
	if ok, _ := s.MarkProcessing(ctx, j.ID); !ok {
		t.Fatal("mark processing refused with budget spent but job queued")
	}
	fj, err := s.Fail(ctx, j.ID, "encode crashed again")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if fj.RetryPending() || fj.Status != job.StatusFailed {
		t.Errorf("expected permanent failure, got %+v", fj)
	}
	if fj.RetryCount != 3 {
		t.Errorf("permanent failure should not consume budget: retry count = %d", fj.RetryCount)
	}
	if fj.CompletedAt == nil || fj.ErrorMessage != "encode crashed again" {
		t.Errorf("permanent failure missing terminal fields: %+v", fj)
	}
}

func TestCancelWhileQueuedAndProcessing(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	queued := newJob(t, s)
	if ok, _ := s.Cancel(ctx, queued.ID, "cancelled by user"); !ok {
		t.Error("cancel of a queued job should succeed")
	}

	running := newJob(t, s)
	if _, err := s.MarkProcessing(ctx, running.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if ok, _ := s.Cancel(ctx, running.ID, "cancelled by user"); !ok {
		t.Error("cancel of a processing job should succeed")
	}

	got, _ := s.Get(ctx, running.ID)
	if got.Status != job.StatusFailed || got.ErrorMessage != "cancelled by user" {
		t.Errorf("cancelled job in wrong shape: %+v", got)
	}

	// Worker completing after cancellation must be rejected.
	if ok, _ := s.Complete(ctx, running.ID, "out", "manifest", 1); ok {
		t.Error("Complete succeeded on a cancelled job")
	}
}

func TestListAndCount(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	a := newJob(t, s)
	time.Sleep(time.Millisecond)
	b := newJob(t, s)
	if _, err := s.MarkProcessing(ctx, b.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	all, err := s.List(ctx, job.ListOpts{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("list returned %d jobs, want 2", len(all))
	}
	if all[0].ID != b.ID {
		t.Error("list should be newest first")
	}

	queued, err := s.List(ctx, job.ListOpts{Status: job.StatusQueued})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(queued) != 1 || queued[0].ID != a.ID {
		t.Errorf("status filter returned wrong set: %+v", queued)
	}

	n, err := s.Count(ctx, job.CountOpts{Status: job.StatusProcessing})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("count processing = %d, want 1", n)
	}

	limited, err := s.List(ctx, job.ListOpts{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != a.ID {
		t.Errorf("pagination returned wrong page: %+v", limited)
	}
}
