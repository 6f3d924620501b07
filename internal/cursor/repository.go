// Package cursor implements the Refresh Cursor Manager: the idempotence
// backbone every ingestion path consults before acting and updates after
// acting. Grounded on the teacher's repository-over-squirrel idiom
// (components/ledger/internal/adapters/postgres/account) applied to the
// refresh_state table.
package cursor

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/squirrel"

	"github.com/meshline/groupcore/internal/model"
)

// Queryer is satisfied by both *sql.DB and *sql.Tx, so repository methods
// can be bracketed inside a caller's transaction (spec 4.2) or run
// standalone for read-only callers.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository provides an interface for operations related to refresh
// cursors.
//
//go:generate mockgen --destination=repository.mock.go --package=cursor . Repository
type Repository interface {
	// GetOrInsertDefault returns the stored sequence_id for the key,
	// inserting a zero-value row first if none exists.
	GetOrInsertDefault(ctx context.Context, q Queryer, entityID string, kind model.EntityKind, originatorID uint32) (uint64, error)
	// UpdateIfGreater performs the monotonic conditional upsert and
	// reports whether a row was affected.
	UpdateIfGreater(ctx context.Context, q Queryer, c model.Cursor) (bool, error)
	// SelectForIDsChunk returns every cursor row matching the given
	// entityIDs and kinds. Callers are responsible for chunking
	// entityIDs to stay under MaxChunkBindings.
	SelectForIDsChunk(ctx context.Context, q Queryer, entityIDs []string, kinds []model.EntityKind) ([]model.Cursor, error)
}

// sqliteRepository is the sqlite-backed Repository implementation.
type sqliteRepository struct {
	tableName string
}

// NewRepository returns the sqlite-backed Repository.
func NewRepository() Repository {
	return &sqliteRepository{tableName: "refresh_state"}
}

func (r *sqliteRepository) GetOrInsertDefault(ctx context.Context, q Queryer, entityID string, kind model.EntityKind, originatorID uint32) (uint64, error) {
	selectQ, args, err := squirrel.Select("sequence_id").
		From(r.tableName).
		Where(squirrel.Eq{"entity_id": entityID, "entity_kind": string(kind), "originator_id": originatorID}).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("cursor: build select: %w", err)
	}

	var seq uint64

	err = q.QueryRowContext(ctx, selectQ, args...).Scan(&seq)
	if err == nil {
		return seq, nil
	}

	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("cursor: select: %w", err)
	}

	insertQ, iargs, err := squirrel.Insert(r.tableName).
		Columns("entity_id", "entity_kind", "originator_id", "sequence_id").
		Values(entityID, string(kind), originatorID, 0).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("cursor: build insert: %w", err)
	}

	if _, err := q.ExecContext(ctx, insertQ, iargs...); err != nil {
		// A racing inserter may have beaten us to it; re-read rather
		// than fail, since the row now exists either way.
		if readBack, rerr := r.GetOrInsertDefault(ctx, q, entityID, kind, originatorID); rerr == nil {
			return readBack, nil
		}

		return 0, fmt.Errorf("cursor: insert default: %w", err)
	}

	return 0, nil
}

func (r *sqliteRepository) UpdateIfGreater(ctx context.Context, q Queryer, c model.Cursor) (bool, error) {
	// Ensure the row exists so the conditional UPDATE below has
	// something to match against on the very first observation.
	if _, err := r.GetOrInsertDefault(ctx, q, c.EntityID, c.EntityKind, c.OriginatorID); err != nil {
		return false, err
	}

	updateQ, args, err := squirrel.Update(r.tableName).
		Set("sequence_id", c.SequenceID).
		Where(squirrel.Eq{"entity_id": c.EntityID, "entity_kind": string(c.EntityKind), "originator_id": c.OriginatorID}).
		Where(squirrel.Lt{"sequence_id": c.SequenceID}).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("cursor: build update: %w", err)
	}

	res, err := q.ExecContext(ctx, updateQ, args...)
	if err != nil {
		return false, fmt.Errorf("cursor: update: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cursor: rows affected: %w", err)
	}

	return n > 0, nil
}

func (r *sqliteRepository) SelectForIDsChunk(ctx context.Context, q Queryer, entityIDs []string, kinds []model.EntityKind) ([]model.Cursor, error) {
	if len(entityIDs) == 0 || len(kinds) == 0 {
		return nil, nil
	}

	kindStrs := make([]string, len(kinds))
	for i, k := range kinds {
		kindStrs[i] = string(k)
	}

	selectQ, args, err := squirrel.Select("entity_id", "entity_kind", "originator_id", "sequence_id").
		From(r.tableName).
		Where(squirrel.Eq{"entity_id": entityIDs}).
		Where(squirrel.Eq{"entity_kind": kindStrs}).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("cursor: build select-for-ids: %w", err)
	}

	rows, err := q.QueryContext(ctx, selectQ, args...)
	if err != nil {
		return nil, fmt.Errorf("cursor: select-for-ids: %w", err)
	}
	defer rows.Close()

	var out []model.Cursor

	for rows.Next() {
		var (
			c    model.Cursor
			kind string
		)

		if err := rows.Scan(&c.EntityID, &kind, &c.OriginatorID, &c.SequenceID); err != nil {
			return nil, fmt.Errorf("cursor: scan: %w", err)
		}

		c.EntityKind = model.EntityKind(kind)
		out = append(out, c)
	}

	return out, rows.Err()
}
