package fsblob_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mediaforge/transcodeq/media/fsblob"
)

func TestUploadDownloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := fsblob.New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	staging := t.TempDir()
	src := filepath.Join(staging, "source.mp4")
	if err := os.WriteFile(src, []byte("fake video bytes"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	if err := s.Upload(ctx, src, "renditions/vod-1/720p_30fps.mp4"); err != nil {
		t.Fatalf("upload: %v", err)
	}

	ok, err := s.Exists(ctx, "renditions/vod-1/720p_30fps.mp4")
	if err != nil || !ok {
		t.Fatalf("exists: ok=%v err=%v", ok, err)
	}

	dest := filepath.Join(staging, "roundtrip.mp4")
	if err := s.Download(ctx, "renditions/vod-1/720p_30fps.mp4", dest); err != nil {
		t.Fatalf("download: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "fake video bytes" {
		t.Errorf("downloaded %q", got)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, err := fsblob.New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := s.Delete(ctx, "never/uploaded.mp4"); err != nil {
		t.Errorf("deleting a missing blob should not fail: %v", err)
	}
}

func TestKeyConfinement(t *testing.T) {
	ctx := context.Background()
	s, err := fsblob.New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for _, key := range []string{"../outside.mp4", "/etc/passwd", ""} {
		if _, err := s.Exists(ctx, key); err == nil {
			t.Errorf("key %q should be rejected", key)
		}
	}
}

func TestDownloadMissingBlob(t *testing.T) {
	ctx := context.Background()
	s, err := fsblob.New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := s.Download(ctx, "missing.mp4", filepath.Join(t.TempDir(), "out")); err == nil {
		t.Error("expected error downloading a missing blob")
	}
}
