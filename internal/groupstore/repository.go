// Package groupstore persists Group rows, enforcing welcome_id uniqueness
// at the store layer (spec 4.4's "a welcome must be processed at most
// once").
package groupstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	sqlite3 "modernc.org/sqlite"

	"github.com/meshline/groupcore/internal/apperr"
	"github.com/meshline/groupcore/internal/model"
)

// Queryer is satisfied by both *sql.DB and *sql.Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository provides the Group storage operations.
//
//go:generate mockgen --destination=repository.mock.go --package=groupstore . Repository
type Repository interface {
	// Create inserts a new Group. A duplicate welcome_id (the only
	// column with a uniqueness constraint that is business-meaningful
	// rather than a primary key) returns apperr.ErrDuplicateWelcomeID.
	Create(ctx context.Context, q Queryer, g model.Group) error
	// Get returns the group by id, or apperr.ErrGroupNotFound.
	Get(ctx context.Context, q Queryer, id string) (model.Group, error)
	// Update persists every mutable field of g (all but id, welcome_id,
	// created_at_ns and added_by_inbox_id, which are immutable once set).
	Update(ctx context.Context, q Queryer, g model.Group) error
}

type sqliteRepository struct {
	tableName string
}

// NewRepository returns the sqlite-backed Repository.
func NewRepository() Repository {
	return &sqliteRepository{tableName: "groups"}
}

func (r *sqliteRepository) Create(ctx context.Context, q Queryer, g model.Group) error {
	insertQ, args, err := squirrel.Insert(r.tableName).
		Columns("id", "conversation_type", "membership_state", "created_at_ns", "welcome_id",
			"added_by_inbox_id", "dm_id", "rotated_at_ns", "installations_last_checked",
			"message_disappear_from_ns", "message_disappear_in_ns", "paused_for_version").
		Values(g.ID, string(g.ConversationType), string(g.MembershipState), g.CreatedAtNS, g.WelcomeID,
			g.AddedByInboxID, g.DMID, g.RotatedAtNS, g.InstallationsLastChecked,
			g.MessageDisappearFromNS, g.MessageDisappearInNS, g.PausedForVersion).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return fmt.Errorf("groupstore: build insert: %w", err)
	}

	if _, err := q.ExecContext(ctx, insertQ, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("group %s: %w", g.ID, apperr.ErrDuplicateWelcomeID)
		}

		return fmt.Errorf("groupstore: insert: %w", err)
	}

	return nil
}

func (r *sqliteRepository) Get(ctx context.Context, q Queryer, id string) (model.Group, error) {
	selectQ, args, err := squirrel.Select(groupColumns...).
		From(r.tableName).
		Where(squirrel.Eq{"id": id}).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return model.Group{}, fmt.Errorf("groupstore: build select: %w", err)
	}

	g, err := scanGroup(q.QueryRowContext(ctx, selectQ, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Group{}, fmt.Errorf("group %s: %w", id, apperr.ErrGroupNotFound)
	}
	if err != nil {
		return model.Group{}, fmt.Errorf("groupstore: select: %w", err)
	}

	return g, nil
}

func (r *sqliteRepository) Update(ctx context.Context, q Queryer, g model.Group) error {
	updateQ, args, err := squirrel.Update(r.tableName).
		Set("conversation_type", string(g.ConversationType)).
		Set("membership_state", string(g.MembershipState)).
		Set("dm_id", g.DMID).
		Set("rotated_at_ns", g.RotatedAtNS).
		Set("installations_last_checked", g.InstallationsLastChecked).
		Set("message_disappear_from_ns", g.MessageDisappearFromNS).
		Set("message_disappear_in_ns", g.MessageDisappearInNS).
		Set("paused_for_version", g.PausedForVersion).
		Where(squirrel.Eq{"id": g.ID}).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return fmt.Errorf("groupstore: build update: %w", err)
	}

	res, err := q.ExecContext(ctx, updateQ, args...)
	if err != nil {
		return fmt.Errorf("groupstore: update: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("groupstore: rows affected: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("group %s: %w", g.ID, apperr.ErrGroupNotFound)
	}

	return nil
}

var groupColumns = []string{
	"id", "conversation_type", "membership_state", "created_at_ns", "welcome_id",
	"added_by_inbox_id", "dm_id", "rotated_at_ns", "installations_last_checked",
	"message_disappear_from_ns", "message_disappear_in_ns", "paused_for_version",
}

func scanGroup(row *sql.Row) (model.Group, error) {
	var g model.Group
	var conversationType, membershipState string

	err := row.Scan(
		&g.ID, &conversationType, &membershipState, &g.CreatedAtNS, &g.WelcomeID,
		&g.AddedByInboxID, &g.DMID, &g.RotatedAtNS, &g.InstallationsLastChecked,
		&g.MessageDisappearFromNS, &g.MessageDisappearInNS, &g.PausedForVersion,
	)
	if err != nil {
		return model.Group{}, err
	}

	g.ConversationType = model.ConversationType(conversationType)
	g.MembershipState = model.MembershipState(membershipState)

	return g, nil
}

// isUniqueViolation reports whether err is a sqlite UNIQUE constraint
// failure, the driver-level signal for a duplicate welcome_id.
func isUniqueViolation(err error) bool {
	var sErr *sqlite3.Error
	if errors.As(err, &sErr) {
		// modernc.org/sqlite's Error.Code() returns the extended sqlite
		// result code; 2067 is SQLITE_CONSTRAINT_UNIQUE.
		if sErr.Code() == 2067 {
			return true
		}
	}

	// Fall back to matching the message: covers constraint errors that
	// surface from a query path not wrapped in *sqlite3.Error.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
