// Package commitlogstore persists the local and remote commit logs
// (spec 4.4/4.5), used to detect forks between our derived view of a
// group and the server-attested remote log.
package commitlogstore

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

// Repository provides operations over the local and remote commit log
// tables.
type Repository interface {
	Append(ctx context.Context, q Queryer, kind model.CommitLogKind, e model.CommitLogEntry) (int64, error)
	ListForGroup(ctx context.Context, q Queryer, kind model.CommitLogKind, groupID string) ([]model.CommitLogEntry, error)
}

type sqliteRepository struct{}

// NewRepository returns the sqlite-backed Repository.
func NewRepository() Repository {
	return &sqliteRepository{}
}

func (r *sqliteRepository) Append(ctx context.Context, q Queryer, kind model.CommitLogKind, e model.CommitLogEntry) (int64, error) {
	insertQ, args, err := squirrel.Insert(tableFor(kind)).
		Columns("group_id", "commit_sequence_id", "commit_type", "applied_epoch_number", "applied_epoch_authenticator", "error").
		Values(e.GroupID, e.CommitSequenceID, string(e.CommitType), e.AppliedEpochNumber, e.AppliedEpochAuthenticator, e.Error).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("commitlogstore: build append: %w", err)
	}

	res, err := q.ExecContext(ctx, insertQ, args...)
	if err != nil {
		return 0, fmt.Errorf("commitlogstore: append: %w", err)
	}

	return res.LastInsertId()
}

func (r *sqliteRepository) ListForGroup(ctx context.Context, q Queryer, kind model.CommitLogKind, groupID string) ([]model.CommitLogEntry, error) {
	selectQ, args, err := squirrel.Select(
		"id", "group_id", "commit_sequence_id", "commit_type", "applied_epoch_number", "applied_epoch_authenticator", "error").
		From(tableFor(kind)).
		Where(squirrel.Eq{"group_id": groupID}).
		OrderBy("commit_sequence_id ASC").
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("commitlogstore: build list: %w", err)
	}

	rows, err := q.QueryContext(ctx, selectQ, args...)
	if err != nil {
		return nil, fmt.Errorf("commitlogstore: list: %w", err)
	}
	defer rows.Close()

	var out []model.CommitLogEntry

	for rows.Next() {
		var e model.CommitLogEntry
		var commitType string

		if err := rows.Scan(&e.ID, &e.GroupID, &e.CommitSequenceID, &commitType, &e.AppliedEpochNumber, &e.AppliedEpochAuthenticator, &e.Error); err != nil {
			return nil, fmt.Errorf("commitlogstore: scan: %w", err)
		}

		e.CommitType = model.CommitType(commitType)
		out = append(out, e)
	}

	return out, rows.Err()
}

func tableFor(kind model.CommitLogKind) string {
	if kind == model.CommitLogRemote {
		return "remote_commit_log"
	}

	return "local_commit_log"
}
