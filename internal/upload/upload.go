// Package upload classifies incoming file candidates before anything is
// written. Classification has no side effects.
package upload

import (
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"

	"github.com/portfoliohub/portfolio/internal/domain"
)

// ErrTooManyFiles is returned by CheckCount when an attempt carries more
// candidates than the policy allows.
var ErrTooManyFiles = errors.New("too many files")

// DefaultContentType is used when neither the client nor the extension
// table names a type.
const DefaultContentType = "application/octet-stream"

var contentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".gif":  "image/gif",
}

// Candidate is one submitted file slot.
type Candidate struct {
	FileName    string
	ContentType string
	Size        int64
	Data        io.Reader
}

// Outcome of classifying a candidate.
type Outcome int

const (
	Skipped Outcome = iota
	Accepted
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "skipped"
	}
}

// Reason explains a rejection.
type Reason string

const (
	ReasonUnsupportedExtension Reason = "unsupported_extension"
	ReasonTooLarge             Reason = "too_large"
)

// Decision is the classification of one candidate.
type Decision struct {
	Outcome Outcome
	// ContentType and Extension are set for accepted candidates.
	ContentType string
	Extension   string
	// Reason and Message are set for rejected candidates.
	Reason  Reason
	Message string
}

// Policy bounds what one attempt may upload.
type Policy struct {
	MaxCount          int
	MaxSize           int64
	AllowedExtensions []string
}

// DefaultPolicy allows five images of up to 10 MiB each.
func DefaultPolicy() Policy {
	return Policy{
		MaxCount:          domain.MaxMediaPerItem,
		MaxSize:           10 << 20,
		AllowedExtensions: []string{".jpg", ".jpeg", ".png", ".webp"},
	}
}

// CheckCount fails when n candidates exceed MaxCount. Empty slots count,
// matching what the client submitted.
func (p Policy) CheckCount(n int) error {
	if n > p.MaxCount {
		return fmt.Errorf("%w: %d submitted, at most %d allowed", ErrTooManyFiles, n, p.MaxCount)
	}
	return nil
}

// Classify decides whether c is accepted, rejected or skipped.
func (p Policy) Classify(c Candidate) Decision {
	if c.Size <= 0 || c.Data == nil {
		return Decision{Outcome: Skipped}
	}

	ext := Extension(c.FileName)
	if !slices.Contains(p.AllowedExtensions, ext) {
		shown := ext
		if shown == "" {
			shown = "(none)"
		}
		return Decision{
			Outcome: Rejected,
			Reason:  ReasonUnsupportedExtension,
			Message: fmt.Sprintf("file type %s is not supported", shown),
		}
	}

	if c.Size > p.MaxSize {
		return Decision{
			Outcome: Rejected,
			Reason:  ReasonTooLarge,
			Message: fmt.Sprintf("file %s is too large (max %d MB)", OriginalName(c.FileName), p.MaxSize>>20),
		}
	}

	return Decision{
		Outcome:     Accepted,
		ContentType: ResolveContentType(c.ContentType, ext),
		Extension:   ext,
	}
}

// Extension returns the lower-cased extension of name including the dot.
func Extension(name string) string {
	return strings.ToLower(path.Ext(baseName(name)))
}

// OriginalName strips any client-side directory from name and clamps it to
// the column width.
func OriginalName(name string) string {
	return domain.Clamp(baseName(name), domain.MaxOriginalNameLen)
}

// baseName is the last path element of a client filename, with either
// separator style. Not clamped.
func baseName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(strings.TrimSpace(name))
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// ResolveContentType prefers the declared type, clamped to the column
// width, and falls back to the extension table.
func ResolveContentType(declared, ext string) string {
	if declared = strings.TrimSpace(declared); declared != "" {
		return domain.Clamp(declared, domain.MaxContentTypeLen)
	}
	if ct, ok := contentTypes[strings.ToLower(ext)]; ok {
		return ct
	}
	return DefaultContentType
}
