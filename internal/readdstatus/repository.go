// Package readdstatus persists the Commit Validation Pipeline's re-add
// reclassification (spec 4.5 rule 5) against the readd_status table, so an
// installation reclassified as re-added by one commit is still recognized
// as such by a later commit that only sees it in one of the two proposal
// sets, in the same repository-over-squirrel idiom as internal/intentstore.
package readdstatus

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

// Repository provides readd_status's storage operations.
//
//go:generate mockgen --destination=repository.mock.go --package=readdstatus . Repository
type Repository interface {
	// Upsert records installationID as re-added for groupID at
	// readdedAtEpoch, overwriting any prior epoch recorded for the same
	// pair so the table always reflects the most recent reclassification.
	Upsert(ctx context.Context, q Queryer, groupID string, installationID model.InstallationID, readdedAtEpoch uint64) error
	// ListForGroup returns every installation reclassified as re-added for
	// groupID, for the pipeline to merge into a commit's own reclassified
	// set before checking the installation diff.
	ListForGroup(ctx context.Context, q Queryer, groupID string) ([]model.ReaddStatus, error)
}

type sqliteRepository struct {
	tableName string
}

// NewRepository returns the sqlite-backed Repository.
func NewRepository() Repository {
	return &sqliteRepository{tableName: "readd_status"}
}

func (r *sqliteRepository) Upsert(ctx context.Context, q Queryer, groupID string, installationID model.InstallationID, readdedAtEpoch uint64) error {
	insertQ, args, err := squirrel.Insert(r.tableName).
		Columns("group_id", "installation_id", "readded_at_epoch").
		Values(groupID, string(installationID), readdedAtEpoch).
		Suffix("ON CONFLICT (group_id, installation_id) DO UPDATE SET readded_at_epoch = excluded.readded_at_epoch").
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return fmt.Errorf("readdstatus: build upsert: %w", err)
	}

	if _, err := q.ExecContext(ctx, insertQ, args...); err != nil {
		return fmt.Errorf("readdstatus: upsert: %w", err)
	}

	return nil
}

func (r *sqliteRepository) ListForGroup(ctx context.Context, q Queryer, groupID string) ([]model.ReaddStatus, error) {
	selectQ, args, err := squirrel.Select("group_id", "installation_id", "readded_at_epoch").
		From(r.tableName).
		Where(squirrel.Eq{"group_id": groupID}).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("readdstatus: build list: %w", err)
	}

	rows, err := q.QueryContext(ctx, selectQ, args...)
	if err != nil {
		return nil, fmt.Errorf("readdstatus: list: %w", err)
	}
	defer rows.Close()

	var out []model.ReaddStatus

	for rows.Next() {
		var (
			s              model.ReaddStatus
			installationID string
		)

		if err := rows.Scan(&s.GroupID, &installationID, &s.ReaddedAtEpoch); err != nil {
			return nil, fmt.Errorf("readdstatus: scan: %w", err)
		}

		s.InstallationID = model.InstallationID(installationID)
		out = append(out, s)
	}

	return out, rows.Err()
}
