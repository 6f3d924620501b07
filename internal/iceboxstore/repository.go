// Package iceboxstore persists parked envelopes (spec 4.4 step 3): commit
// envelopes whose application requires a prior commit from a different
// originator not yet observed wait here until their dependency set is
// satisfied.
package iceboxstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/squirrel"

	"github.com/meshline/groupcore/internal/model"
)

// Queryer is satisfied by both *sql.DB and *sql.Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository provides the icebox park/scan/release operations.
type Repository interface {
	// Park records a new IceboxEntry.
	Park(ctx context.Context, q Queryer, e model.IceboxEntry) error
	// ListForGroup returns every parked entry for groupID, ascending by
	// cursor (oldest-parked first).
	ListForGroup(ctx context.Context, q Queryer, groupID string) ([]model.IceboxEntry, error)
	// Release removes the parked entry at (groupID, cursor) once it has
	// been successfully re-fed to the processor.
	Release(ctx context.Context, q Queryer, groupID string, cursor uint64) error
}

type sqliteRepository struct{}

// NewRepository returns the sqlite-backed Repository.
func NewRepository() Repository {
	return &sqliteRepository{}
}

func (r *sqliteRepository) Park(ctx context.Context, q Queryer, e model.IceboxEntry) error {
	insertQ, args, err := squirrel.Insert("icebox").
		Columns("group_id", "cursor", "envelope").
		Values(e.GroupID, e.Cursor, e.Envelope).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return fmt.Errorf("iceboxstore: build park: %w", err)
	}

	if _, err := q.ExecContext(ctx, insertQ, args...); err != nil {
		return fmt.Errorf("iceboxstore: park: %w", err)
	}

	for _, dep := range e.Dependencies {
		depQ, dargs, err := squirrel.Insert("icebox_dependencies").
			Columns("group_id", "cursor", "dep_group_id", "dep_entity_kind", "dep_originator_id", "dep_sequence_id").
			Values(e.GroupID, e.Cursor, dep.GroupID, string(dep.EntityKind), dep.OriginatorID, dep.SequenceID).
			PlaceholderFormat(squirrel.Question).
			ToSql()
		if err != nil {
			return fmt.Errorf("iceboxstore: build dependency insert: %w", err)
		}

		if _, err := q.ExecContext(ctx, depQ, dargs...); err != nil {
			return fmt.Errorf("iceboxstore: insert dependency: %w", err)
		}
	}

	return nil
}

func (r *sqliteRepository) ListForGroup(ctx context.Context, q Queryer, groupID string) ([]model.IceboxEntry, error) {
	selectQ, args, err := squirrel.Select("group_id", "cursor", "envelope").
		From("icebox").
		Where(squirrel.Eq{"group_id": groupID}).
		OrderBy("cursor ASC").
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("iceboxstore: build list: %w", err)
	}

	rows, err := q.QueryContext(ctx, selectQ, args...)
	if err != nil {
		return nil, fmt.Errorf("iceboxstore: list: %w", err)
	}
	defer rows.Close()

	var entries []model.IceboxEntry

	for rows.Next() {
		var e model.IceboxEntry
		if err := rows.Scan(&e.GroupID, &e.Cursor, &e.Envelope); err != nil {
			return nil, fmt.Errorf("iceboxstore: scan: %w", err)
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range entries {
		deps, err := r.listDependencies(ctx, q, entries[i].GroupID, entries[i].Cursor)
		if err != nil {
			return nil, err
		}

		entries[i].Dependencies = deps
	}

	return entries, nil
}

func (r *sqliteRepository) listDependencies(ctx context.Context, q Queryer, groupID string, cursor uint64) ([]model.IceboxDependency, error) {
	selectQ, args, err := squirrel.Select("dep_group_id", "dep_entity_kind", "dep_originator_id", "dep_sequence_id").
		From("icebox_dependencies").
		Where(squirrel.Eq{"group_id": groupID, "cursor": cursor}).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("iceboxstore: build dependency select: %w", err)
	}

	rows, err := q.QueryContext(ctx, selectQ, args...)
	if err != nil {
		return nil, fmt.Errorf("iceboxstore: dependency select: %w", err)
	}
	defer rows.Close()

	var deps []model.IceboxDependency

	for rows.Next() {
		var d model.IceboxDependency
		var kind string

		if err := rows.Scan(&d.GroupID, &kind, &d.OriginatorID, &d.SequenceID); err != nil {
			return nil, fmt.Errorf("iceboxstore: dependency scan: %w", err)
		}

		d.EntityKind = model.EntityKind(kind)
		deps = append(deps, d)
	}

	return deps, rows.Err()
}

func (r *sqliteRepository) Release(ctx context.Context, q Queryer, groupID string, cursor uint64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM icebox_dependencies WHERE group_id = ? AND cursor = ?`, groupID, cursor); err != nil {
		return fmt.Errorf("iceboxstore: release dependencies: %w", err)
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM icebox WHERE group_id = ? AND cursor = ?`, groupID, cursor); err != nil {
		return fmt.Errorf("iceboxstore: release: %w", err)
	}

	return nil
}
