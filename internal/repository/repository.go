// Package repository defines persistence for portfolio items and the media
// registry. Writes that must be atomic go through a Tx.
package repository

import (
	"context"

	"github.com/portfoliohub/portfolio/internal/domain"
)

// ListFilter narrows ListByOwner.
type ListFilter struct {
	// PublicOnly drops unlisted and private items.
	PublicOnly bool
}

// PortfolioStore persists items and their ordered media links. Every read
// returns items with their media fully loaded.
type PortfolioStore interface {
	// Create inserts the item and sets its ID.
	Create(ctx context.Context, item *domain.PortfolioItem) error

	// AttachMedia inserts a join row. The media row must already exist.
	AttachMedia(ctx context.Context, link *domain.PortfolioMedia) error

	// GetForOwner loads the item scoped to its owner. forUpdate locks the
	// item row until the surrounding transaction ends.
	GetForOwner(ctx context.Context, ownerID string, id int64, forUpdate bool) (*domain.PortfolioItem, error)

	// ListByOwner returns the owner's items newest first.
	ListByOwner(ctx context.Context, ownerID string, filter ListFilter) ([]domain.PortfolioItem, error)

	// ListIDsByOwner returns the ids of every item of the owner.
	ListIDsByOwner(ctx context.Context, ownerID string) ([]int64, error)

	// UpdateFields writes title, description, visibility, pinned and
	// updated_at for an owner's item.
	UpdateFields(ctx context.Context, item *domain.PortfolioItem) error

	// DeleteMediaLinks removes the join rows of an item.
	DeleteMediaLinks(ctx context.Context, itemID int64) (int64, error)

	// Delete removes the item row. Its join rows must be gone first.
	Delete(ctx context.Context, ownerID string, id int64) error
}

// AttachedMedia is a media row together with the item that shows it.
type AttachedMedia struct {
	File        domain.MediaFile
	ItemID      int64
	ItemOwnerID string
	Visibility  domain.Visibility
}

// StoredRef identifies a media row by its blob path.
type StoredRef struct {
	ID         int64  `json:"id"`
	StoredPath string `json:"stored_path"`
}

// MediaRegistry persists one row per stored blob.
type MediaRegistry interface {
	// Create inserts the row and sets its ID.
	Create(ctx context.Context, file *domain.MediaFile) error

	// DeleteByIDs removes media rows. Their join rows must be gone first.
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)

	// GetAttached loads a media row and the item it belongs to.
	GetAttached(ctx context.Context, mediaID int64) (*AttachedMedia, error)

	// ExistingPaths returns the subset of paths that have a row.
	ExistingPaths(ctx context.Context, paths []string) (map[string]bool, error)

	// ListRefs pages through all rows in id order, starting after afterID.
	ListRefs(ctx context.Context, afterID int64, limit int) ([]StoredRef, error)
}

// Store is the entry point for repositories and transactions.
type Store interface {
	Items() PortfolioStore
	Media() MediaRegistry
	// Begin opens a transaction. Callers must Commit or Rollback it.
	Begin(ctx context.Context) (Tx, error)
}

// Tx scopes repositories to one database transaction.
type Tx interface {
	Items() PortfolioStore
	Media() MediaRegistry
	Commit(ctx context.Context) error
	// Rollback is a no-op after a successful Commit.
	Rollback(ctx context.Context) error
}
