package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// WithTx brackets fn inside a single *sql.Tx, committing on success and
// rolling back on any error or panic. Every business write that must land
// atomically with its cursor/intent-state/commit-log siblings (spec 4.2's
// "all writes must be performable within a single transaction spanning
// higher-level business writes") goes through this helper rather than
// issuing bare exec calls against db.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("storage: rollback after %w: %v", err, rbErr)
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit transaction: %w", err)
	}

	return nil
}
