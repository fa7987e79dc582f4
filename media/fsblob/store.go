// Package fsblob implements media.BlobStore on a local directory tree.
// Keys map to paths under a configured root; uploads are written to a
// temp file and renamed into place so readers never see partial blobs.
package fsblob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mediaforge/transcodeq/media"
)

var _ media.BlobStore = (*Store)(nil)

// Store is a filesystem-backed blob store rooted at a single directory.
type Store struct {
	root string
}

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fsblob: create root: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("fsblob: resolve root: %w", err)
	}
	return &Store{root: abs}, nil
}

// resolve maps a key to an absolute path confined to the store root.
func (s *Store) resolve(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("fsblob: empty key")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("fsblob: key %q escapes store root", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Download copies the blob at key to destPath.
func (s *Store) Download(ctx context.Context, key, destPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := s.resolve(key)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("fsblob: download %q: %w", key, err)
	}
	defer in.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("fsblob: download %q: %w", key, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("fsblob: download %q: %w", key, err)
	}
	return out.Close()
}

// Upload stores the file at srcPath under key via temp-file rename.
func (s *Store) Upload(ctx context.Context, srcPath, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("fsblob: upload %q: %w", key, err)
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("fsblob: upload %q: %w", key, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return fmt.Errorf("fsblob: upload %q: %w", key, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("fsblob: upload %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fsblob: upload %q: %w", key, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("fsblob: upload %q: %w", key, err)
	}
	return nil
}

// Exists reports whether a blob is stored under key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("fsblob: stat %q: %w", key, err)
	}
	return true, nil
}

// Delete removes the blob at key. Missing blobs are ignored.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fsblob: delete %q: %w", key, err)
	}
	return nil
}
