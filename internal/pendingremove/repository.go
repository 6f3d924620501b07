// Package pendingremove persists ValidatedCommit.PendingSelfRemove against
// the pending_remove table, so a self-removed inbox stays "pending" across
// a restart until the Envelope Processor observes it fully left or removed,
// in the same repository-over-squirrel idiom as internal/intentstore.
package pendingremove

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

// Repository provides pending_remove's storage operations.
//
//go:generate mockgen --destination=repository.mock.go --package=pendingremove . Repository
type Repository interface {
	// Upsert records inboxID as pending self-removal from groupID as of
	// epoch, unresolved. Safe to call again for the same (group, inbox);
	// a later epoch overwrites the earlier one.
	Upsert(ctx context.Context, q Queryer, groupID string, inboxID model.InboxID, epoch uint64) error
	// Resolve marks a pending self-removal resolved once the inbox's
	// departure is observed as fully left or removed. A no-op if no
	// pending row exists for the pair.
	Resolve(ctx context.Context, q Queryer, groupID string, inboxID model.InboxID) error
	// ListUnresolved returns every still-pending self-removal for
	// groupID.
	ListUnresolved(ctx context.Context, q Queryer, groupID string) ([]model.PendingRemove, error)
}

type sqliteRepository struct {
	tableName string
}

// NewRepository returns the sqlite-backed Repository.
func NewRepository() Repository {
	return &sqliteRepository{tableName: "pending_remove"}
}

func (r *sqliteRepository) Upsert(ctx context.Context, q Queryer, groupID string, inboxID model.InboxID, epoch uint64) error {
	insertQ, args, err := squirrel.Insert(r.tableName).
		Columns("group_id", "inbox_id", "epoch", "resolved").
		Values(groupID, string(inboxID), epoch, false).
		Suffix("ON CONFLICT (group_id, inbox_id) DO UPDATE SET epoch = excluded.epoch, resolved = 0").
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return fmt.Errorf("pendingremove: build upsert: %w", err)
	}

	if _, err := q.ExecContext(ctx, insertQ, args...); err != nil {
		return fmt.Errorf("pendingremove: upsert: %w", err)
	}

	return nil
}

func (r *sqliteRepository) Resolve(ctx context.Context, q Queryer, groupID string, inboxID model.InboxID) error {
	updateQ, args, err := squirrel.Update(r.tableName).
		Set("resolved", true).
		Where(squirrel.Eq{"group_id": groupID, "inbox_id": string(inboxID)}).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return fmt.Errorf("pendingremove: build resolve: %w", err)
	}

	if _, err := q.ExecContext(ctx, updateQ, args...); err != nil {
		return fmt.Errorf("pendingremove: resolve: %w", err)
	}

	return nil
}

func (r *sqliteRepository) ListUnresolved(ctx context.Context, q Queryer, groupID string) ([]model.PendingRemove, error) {
	selectQ, args, err := squirrel.Select("group_id", "inbox_id", "epoch", "resolved").
		From(r.tableName).
		Where(squirrel.Eq{"group_id": groupID, "resolved": false}).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("pendingremove: build list: %w", err)
	}

	rows, err := q.QueryContext(ctx, selectQ, args...)
	if err != nil {
		return nil, fmt.Errorf("pendingremove: list: %w", err)
	}
	defer rows.Close()

	var out []model.PendingRemove

	for rows.Next() {
		var (
			p        model.PendingRemove
			inboxID  string
			resolved int
		)

		if err := rows.Scan(&p.GroupID, &inboxID, &p.Epoch, &resolved); err != nil {
			return nil, fmt.Errorf("pendingremove: scan: %w", err)
		}

		p.InboxID = model.InboxID(inboxID)
		p.Resolved = resolved != 0
		out = append(out, p)
	}

	return out, rows.Err()
}
