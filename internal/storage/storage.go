// Package storage defines the blob store used for uploaded media.
package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"
)

// WorksScope is the directory, relative to the storage root, that holds
// portfolio images.
const WorksScope = "uploads/works"

// ErrNotFound is returned when a key has no stored object.
var ErrNotFound = errors.New("blob not found")

// ErrInvalidKey is returned for keys that are absolute or escape the root.
var ErrInvalidKey = errors.New("invalid blob key")

var generatedName = regexp.MustCompile(`^[0-9a-f]{32}\.[a-z0-9]{1,10}$`)

// Storage stores blobs under generated names. Implementations never
// overwrite an existing key and never expose a partially written blob.
type Storage interface {
	// Upload writes Data under a new random name in Scope.
	Upload(ctx context.Context, input *UploadInput) (*UploadResult, error)

	// Open returns the blob bytes. Missing keys yield ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes a blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key holds a blob.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns the blobs directly inside scope.
	List(ctx context.Context, scope string) ([]Object, error)
}

// UploadInput holds the parameters for storing one blob.
type UploadInput struct {
	Scope       string
	Extension   string
	ContentType string
	// Size is the declared length. When positive, a stream of a different
	// length fails the upload.
	Size int64
	Data io.Reader
}

// UploadResult holds the key of a stored blob.
type UploadResult struct {
	Key  string
	Size int64
}

// Object describes a stored blob.
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// NewName returns a 128-bit random hex token followed by ext lower-cased.
func NewName(ext string) (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate blob name: %w", err)
	}
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return hex.EncodeToString(b[:]) + ext, nil
}

// IsGeneratedName reports whether name has the shape produced by NewName.
func IsGeneratedName(name string) bool {
	return generatedName.MatchString(name)
}

// CleanKey validates a slash-separated relative key and returns it cleaned.
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return clean, nil
}

// ContextReader fails reads once ctx is done, so a canceled request stops a
// copy in progress.
func ContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
