// Package keypackagehistory persists key_package_history: an append-only
// record of every key package an installation has published, so the
// Envelope Processor can mark one consumed when it is referenced by an Add
// proposal and diagnose a stale or unknown reference rather than silently
// dropping it, in the same repository-over-squirrel idiom as
// internal/intentstore.
package keypackagehistory

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

// Repository provides key_package_history's storage operations.
//
//go:generate mockgen --destination=repository.mock.go --package=keypackagehistory . Repository
type Repository interface {
	// Insert records a newly published key package, unconsumed. Mostly a
	// test fixture here: publishing a key package is the identity/crypto
	// layer's concern, out of this module's scope; this module only
	// consumes the history the identity layer populated.
	Insert(ctx context.Context, q Queryer, installationID model.InstallationID, hashRef []byte, createdAtNS int64) (int64, error)
	// MarkConsumedForInstallation marks the oldest unconsumed history
	// entry for installationID consumed, returning false if none exists
	// (a stale or unknown key package reference).
	MarkConsumedForInstallation(ctx context.Context, q Queryer, installationID model.InstallationID) (bool, error)
	// ListForInstallation returns every history entry for installationID,
	// oldest first.
	ListForInstallation(ctx context.Context, q Queryer, installationID model.InstallationID) ([]model.KeyPackageHistoryEntry, error)
}

type sqliteRepository struct {
	tableName string
}

// NewRepository returns the sqlite-backed Repository.
func NewRepository() Repository {
	return &sqliteRepository{tableName: "key_package_history"}
}

func (r *sqliteRepository) Insert(ctx context.Context, q Queryer, installationID model.InstallationID, hashRef []byte, createdAtNS int64) (int64, error) {
	insertQ, args, err := squirrel.Insert(r.tableName).
		Columns("installation_id", "hash_ref", "created_at_ns", "consumed").
		Values(string(installationID), hashRef, createdAtNS, false).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("keypackagehistory: build insert: %w", err)
	}

	res, err := q.ExecContext(ctx, insertQ, args...)
	if err != nil {
		return 0, fmt.Errorf("keypackagehistory: insert: %w", err)
	}

	return res.LastInsertId()
}

func (r *sqliteRepository) MarkConsumedForInstallation(ctx context.Context, q Queryer, installationID model.InstallationID) (bool, error) {
	selectQ, args, err := squirrel.Select("id").
		From(r.tableName).
		Where(squirrel.Eq{"installation_id": string(installationID), "consumed": false}).
		OrderBy("created_at_ns ASC").
		Limit(1).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("keypackagehistory: build find-oldest: %w", err)
	}

	var id int64
	if err := q.QueryRowContext(ctx, selectQ, args...).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}

		return false, fmt.Errorf("keypackagehistory: find-oldest: %w", err)
	}

	updateQ, uargs, err := squirrel.Update(r.tableName).
		Set("consumed", true).
		Where(squirrel.Eq{"id": id}).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("keypackagehistory: build mark-consumed: %w", err)
	}

	if _, err := q.ExecContext(ctx, updateQ, uargs...); err != nil {
		return false, fmt.Errorf("keypackagehistory: mark-consumed: %w", err)
	}

	return true, nil
}

func (r *sqliteRepository) ListForInstallation(ctx context.Context, q Queryer, installationID model.InstallationID) ([]model.KeyPackageHistoryEntry, error) {
	selectQ, args, err := squirrel.Select("id", "installation_id", "hash_ref", "created_at_ns", "consumed").
		From(r.tableName).
		Where(squirrel.Eq{"installation_id": string(installationID)}).
		OrderBy("created_at_ns ASC").
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("keypackagehistory: build list: %w", err)
	}

	rows, err := q.QueryContext(ctx, selectQ, args...)
	if err != nil {
		return nil, fmt.Errorf("keypackagehistory: list: %w", err)
	}
	defer rows.Close()

	var out []model.KeyPackageHistoryEntry

	for rows.Next() {
		var (
			e              model.KeyPackageHistoryEntry
			installationID string
			consumed       int
		)

		if err := rows.Scan(&e.ID, &installationID, &e.HashRef, &e.CreatedAtNS, &consumed); err != nil {
			return nil, fmt.Errorf("keypackagehistory: scan: %w", err)
		}

		e.InstallationID = model.InstallationID(installationID)
		e.Consumed = consumed != 0
		out = append(out, e)
	}

	return out, rows.Err()
}
