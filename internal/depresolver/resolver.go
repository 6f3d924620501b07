// Package depresolver implements the Intent Dependency Resolver: for each
// locally published, not-yet-committed intent, it reports the single
// commit-message cursor that intent is sequenced after on the wire, so the
// publish loop can tell a staged commit has gone stale once a later commit
// from another originator lands first.
package depresolver

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"

	"github.com/meshline/groupcore/internal/apperr"
	"github.com/meshline/groupcore/internal/cursor"
	"github.com/meshline/groupcore/internal/telemetry"
)

// Resolver is the Intent Dependency Resolver.
type Resolver struct {
	tableName string
}

// New builds a Resolver.
func New() *Resolver {
	return &Resolver{tableName: "intent_dependencies"}
}

// RecordDependency is called by the publish loop immediately after staging
// an intent's wire artifact: it records which CommitMessage cursor the
// group's commit topic had reached at build time, establishing the single
// dependency this payload_hash will be checked against.
func (r *Resolver) RecordDependency(ctx context.Context, q cursor.Queryer, payloadHash []byte, groupID string, commitCursor uint64) error {
	insertQ, args, err := squirrel.Insert(r.tableName).
		Columns("payload_hash", "group_id", "commit_cursor").
		Values(payloadHash, groupID, commitCursor).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return fmt.Errorf("depresolver: build insert: %w", err)
	}

	if _, err := q.ExecContext(ctx, insertQ, args...); err != nil {
		return fmt.Errorf("depresolver: record dependency: %w", err)
	}

	return nil
}

// ClearDependency removes the dependency row for payloadHash, called when a
// Published intent is reverted to ToPublish for re-staging. Reaching
// Committed does not remove the row.
func (r *Resolver) ClearDependency(ctx context.Context, q cursor.Queryer, payloadHash []byte) error {
	deleteQ, args, err := squirrel.Delete(r.tableName).
		Where(squirrel.Eq{"payload_hash": payloadHash}).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return fmt.Errorf("depresolver: build delete: %w", err)
	}

	if _, err := q.ExecContext(ctx, deleteQ, args...); err != nil {
		return fmt.Errorf("depresolver: clear dependency: %w", err)
	}

	return nil
}

// Dependency is the single commit-message cursor an intent's payload_hash
// was staged against.
type Dependency struct {
	PayloadHash  []byte
	GroupID      string
	CommitCursor uint64
}

// ResolveDependencies returns, for each hash in payloadHashes, its single
// recorded Dependency. A hash with no recorded dependency is omitted from
// the result (it was never published, or has already been cleared). A hash
// resolving to more than one row is apperr.ErrMoreThanOneDependency —
// per spec 4.7, this is a corruption/programming-error signal that halts
// publishing for the affected group rather than picking one arbitrarily.
func (r *Resolver) ResolveDependencies(ctx context.Context, q cursor.Queryer, payloadHashes [][]byte) (map[string]Dependency, error) {
	_, span := telemetry.Tracer("depresolver").Start(ctx, "depresolver.resolve_dependencies")
	defer span.End()

	if len(payloadHashes) == 0 {
		return nil, nil
	}

	selectQ, args, err := squirrel.Select("payload_hash", "group_id", "commit_cursor").
		From(r.tableName).
		Where(squirrel.Eq{"payload_hash": payloadHashes}).
		OrderBy("payload_hash").
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("depresolver: build select: %w", err)
	}

	rows, err := q.QueryContext(ctx, selectQ, args...)
	if err != nil {
		return nil, fmt.Errorf("depresolver: select: %w", err)
	}
	defer rows.Close()

	result := make(map[string]Dependency)

	for rows.Next() {
		var d Dependency

		if err := rows.Scan(&d.PayloadHash, &d.GroupID, &d.CommitCursor); err != nil {
			return nil, fmt.Errorf("depresolver: scan: %w", err)
		}

		key := string(d.PayloadHash)

		if _, already := result[key]; already {
			telemetry.HandleSpanError(&span, "more than one dependency", apperr.ErrMoreThanOneDependency)
			return nil, fmt.Errorf("depresolver: hash %x: %w", d.PayloadHash, apperr.ErrMoreThanOneDependency)
		}

		result[key] = d
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("depresolver: rows: %w", err)
	}

	return result, nil
}

// IsStale reports whether a Published intent's staged dependency cursor has
// since been superseded by a later observed CommitMessage cursor for the
// same group, meaning the staged commit is bound to a now-stale epoch and
// must be rebuilt.
func IsStale(dep Dependency, latestObservedCursor uint64) bool {
	return latestObservedCursor > dep.CommitCursor
}
