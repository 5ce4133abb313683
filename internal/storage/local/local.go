// Package local stores blobs on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/portfoliohub/portfolio/internal/storage"
)

const (
	tmpDir    = ".tmp"
	tmpPrefix = "put-"
	// nameAttempts bounds regeneration after a name collision.
	nameAttempts = 3
)

// Storage implements storage.Storage rooted at a directory. Blobs are
// written to a temp file, synced, then hard-linked onto the final name,
// which fails rather than overwrite an existing file.
type Storage struct {
	root   string
	logger *slog.Logger
}

// New creates the root directory if needed.
func New(root string, logger *slog.Logger) (*Storage, error) {
	if root == "" {
		return nil, errors.New("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, tmpDir), 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Storage{root: abs, logger: logger}, nil
}

// Root returns the absolute root directory.
func (s *Storage) Root() string { return s.root }

// Upload stores input.Data under a new name in input.Scope.
func (s *Storage) Upload(ctx context.Context, input *storage.UploadInput) (*storage.UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if input == nil || input.Data == nil {
		return nil, errors.New("upload data is required")
	}
	scope, err := storage.CleanKey(input.Scope)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, filepath.FromSlash(scope))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scope directory: %w", err)
	}

	tmpPath, n, err := s.writeTemp(ctx, input)
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.Remove(tmpPath) }()

	for attempt := 0; attempt < nameAttempts; attempt++ {
		name, err := storage.NewName(input.Extension)
		if err != nil {
			return nil, err
		}
		err = os.Link(tmpPath, filepath.Join(dir, name))
		if err == nil {
			return &storage.UploadResult{Key: scope + "/" + name, Size: n}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("publish blob: %w", err)
		}
		s.logger.WarnContext(ctx, "blob name collision, regenerating", slog.String("name", name))
	}
	return nil, fmt.Errorf("publish blob: no free name after %d attempts", nameAttempts)
}

func (s *Storage) writeTemp(ctx context.Context, input *storage.UploadInput) (string, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDir), tmpPrefix+"*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) (string, int64, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", 0, err
	}

	n, err := io.Copy(tmp, storage.ContextReader(ctx, input.Data))
	if err != nil {
		return fail(fmt.Errorf("write blob: %w", err))
	}
	if input.Size > 0 && n != input.Size {
		return fail(fmt.Errorf("write blob: got %d bytes, expected %d", n, input.Size))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync blob: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("close blob: %w", err)
	}
	return tmpPath, n, nil
}

// Open returns the blob at key.
func (s *Storage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return f, err
}

// Delete removes the blob at key. Missing files are ignored.
func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

// Exists reports whether a regular file is stored at key.
func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	switch {
	case err == nil:
		return info.Mode().IsRegular(), nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat blob %s: %w", key, err)
	}
}

// List returns the regular files directly inside scope. A missing scope
// directory yields no objects.
func (s *Storage) List(ctx context.Context, scope string) ([]storage.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scope, err := storage.CleanKey(scope)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, filepath.FromSlash(scope)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", scope, err)
	}

	objects := make([]storage.Object, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		objects = append(objects, storage.Object{
			Key:     scope + "/" + e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return objects, nil
}

// StaleTemp lists temp files last modified before cutoff. They are left
// behind only when a process dies mid-upload.
func (s *Storage) StaleTemp(ctx context.Context, cutoff time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, tmpDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list temp files: %w", err)
	}

	var stale []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasPrefix(e.Name(), tmpPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			stale = append(stale, e.Name())
		}
	}
	return stale, nil
}

// RemoveTemp deletes a temp file returned by StaleTemp. Missing files are
// ignored.
func (s *Storage) RemoveTemp(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !strings.HasPrefix(name, tmpPrefix) || filepath.Base(name) != name {
		return fmt.Errorf("%w: temp file %q", storage.ErrInvalidKey, name)
	}
	err := os.Remove(filepath.Join(s.root, tmpDir, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete temp file %s: %w", name, err)
	}
	return nil
}

func (s *Storage) path(key string) (string, error) {
	clean, err := storage.CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}
