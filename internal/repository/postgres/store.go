// Package postgres implements the repositories on PostgreSQL with pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/portfoliohub/portfolio/internal/repository"
	"github.com/portfoliohub/portfolio/pkg/database"
)

// Store implements repository.Store. Repositories obtained from Items and
// Media run outside any transaction.
type Store struct {
	db database.DBTX
}

// NewStore creates a store over a pool (or anything satisfying DBTX).
func NewStore(db database.DBTX) *Store {
	return &Store{db: db}
}

// Items returns the non-transactional item repository.
func (s *Store) Items() repository.PortfolioStore { return NewItemRepository(s.db) }

// Media returns the non-transactional media registry.
func (s *Store) Media() repository.MediaRegistry { return NewMediaRepository(s.db) }

// Begin opens a transaction.
func (s *Store) Begin(ctx context.Context) (repository.Tx, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Tx implements repository.Tx over a pgx transaction.
type Tx struct {
	tx pgx.Tx
}

// Items returns the item repository bound to the transaction.
func (t *Tx) Items() repository.PortfolioStore { return NewItemRepository(t.tx) }

// Media returns the media registry bound to the transaction.
func (t *Tx) Media() repository.MediaRegistry { return NewMediaRepository(t.tx) }

// Commit commits the transaction.
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. Rolling back a finished transaction is
// not an error.
func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}
