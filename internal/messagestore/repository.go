// Package messagestore persists decrypted application messages to local
// history (spec 4.4's application-message branch).
package messagestore

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

// Repository provides the StoredGroupMessage storage operations.
type Repository interface {
	Insert(ctx context.Context, q Queryer, m model.StoredGroupMessage) (int64, error)
	ListForGroup(ctx context.Context, q Queryer, groupID string, sinceSequenceID uint64) ([]model.StoredGroupMessage, error)
}

type sqliteRepository struct {
	tableName string
}

// NewRepository returns the sqlite-backed Repository.
func NewRepository() Repository {
	return &sqliteRepository{tableName: "group_messages"}
}

func (r *sqliteRepository) Insert(ctx context.Context, q Queryer, m model.StoredGroupMessage) (int64, error) {
	insertQ, args, err := squirrel.Insert(r.tableName).
		Columns("group_id", "kind", "sequence_id", "originator_id", "sender_inbox_id",
			"sender_installation_id", "content", "sent_at_ns", "delivery_status", "content_type", "reference_id").
		Values(m.GroupID, m.Kind, m.SequenceID, m.OriginatorID, string(m.SenderInboxID),
			string(m.SenderInstallationID), m.Content, m.SentAtNS, string(m.DeliveryStatus), m.ContentType, m.ReferenceID).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("messagestore: build insert: %w", err)
	}

	res, err := q.ExecContext(ctx, insertQ, args...)
	if err != nil {
		return 0, fmt.Errorf("messagestore: insert: %w", err)
	}

	return res.LastInsertId()
}

func (r *sqliteRepository) ListForGroup(ctx context.Context, q Queryer, groupID string, sinceSequenceID uint64) ([]model.StoredGroupMessage, error) {
	selectQ, args, err := squirrel.Select(
		"id", "group_id", "kind", "sequence_id", "originator_id", "sender_inbox_id",
		"sender_installation_id", "content", "sent_at_ns", "delivery_status", "content_type", "reference_id").
		From(r.tableName).
		Where(squirrel.Eq{"group_id": groupID}).
		Where(squirrel.Gt{"sequence_id": sinceSequenceID}).
		OrderBy("sequence_id ASC").
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("messagestore: build list: %w", err)
	}

	rows, err := q.QueryContext(ctx, selectQ, args...)
	if err != nil {
		return nil, fmt.Errorf("messagestore: list: %w", err)
	}
	defer rows.Close()

	var out []model.StoredGroupMessage

	for rows.Next() {
		var (
			m                  model.StoredGroupMessage
			senderInbox        string
			senderInstallation string
			deliveryStatus     string
		)

		err := rows.Scan(
			&m.ID, &m.GroupID, &m.Kind, &m.SequenceID, &m.OriginatorID, &senderInbox,
			&senderInstallation, &m.Content, &m.SentAtNS, &deliveryStatus, &m.ContentType, &m.ReferenceID,
		)
		if err != nil {
			return nil, fmt.Errorf("messagestore: scan: %w", err)
		}

		m.SenderInboxID = model.InboxID(senderInbox)
		m.SenderInstallationID = model.InstallationID(senderInstallation)
		m.DeliveryStatus = model.DeliveryStatus(deliveryStatus)
		out = append(out, m)
	}

	return out, rows.Err()
}
