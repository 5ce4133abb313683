// Package memory implements storage.Storage in process memory.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/portfoliohub/portfolio/internal/storage"
)

type blob struct {
	data    []byte
	modTime time.Time
}

// Storage keeps blobs in a map. It is meant for tests and local runs
// without a writable disk.
type Storage struct {
	mu    sync.RWMutex
	blobs map[string]blob
}

// New creates an empty in-memory storage.
func New() *Storage {
	return &Storage{blobs: make(map[string]blob)}
}

// Upload reads input.Data fully and stores it under a new name.
func (s *Storage) Upload(ctx context.Context, input *storage.UploadInput) (*storage.UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scope, err := storage.CleanKey(input.Scope)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(storage.ContextReader(ctx, input.Data))
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	if input.Size > 0 && int64(len(data)) != input.Size {
		return nil, fmt.Errorf("read blob: got %d bytes, expected %d", len(data), input.Size)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		name, err := storage.NewName(input.Extension)
		if err != nil {
			return nil, err
		}
		key := scope + "/" + name
		if _, taken := s.blobs[key]; taken {
			continue
		}
		s.blobs[key] = blob{data: data, modTime: time.Now()}
		return &storage.UploadResult{Key: key, Size: int64(len(data))}, nil
	}
}

// Put stores data at an exact key, replacing any existing blob.
func (s *Storage) Put(key string, data []byte, modTime time.Time) {
	s.mu.Lock()
	s.blobs[key] = blob{data: data, modTime: modTime}
	s.mu.Unlock()
}

// Open returns a reader over the stored bytes.
func (s *Storage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

// Delete removes a blob. Missing keys are ignored.
func (s *Storage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.blobs, key)
	s.mu.Unlock()
	return nil
}

// Exists reports whether key is stored.
func (s *Storage) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	_, ok := s.blobs[key]
	s.mu.RUnlock()
	return ok, nil
}

// List returns the blobs directly inside scope ordered by key.
func (s *Storage) List(_ context.Context, scope string) ([]storage.Object, error) {
	prefix := strings.TrimSuffix(scope, "/") + "/"

	s.mu.RLock()
	defer s.mu.RUnlock()

	var objects []storage.Object
	for key, b := range s.blobs {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		objects = append(objects, storage.Object{Key: key, Size: int64(len(b.data)), ModTime: b.modTime})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Keys returns every stored key, sorted.
func (s *Storage) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.blobs))
	for k := range s.blobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
