// Package mlsstore implements the MLS Storage Adapter: a key-value table
// keyed by (label, version-tagged serialized key) holding the full MLS
// provider surface (tree, context, epoch secrets, proposal queue, key
// packages, and so on) as opaque bytes. The core never interprets the
// values; it only stores and retrieves them on behalf of the MLS layer it
// treats as an injected collaborator.
package mlsstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meshline/groupcore/internal/apperr"
	"github.com/meshline/groupcore/internal/cursor"
)

// KeySchemaVersion is the version tag stored alongside every key, letting a
// future key-encoding change coexist with rows written under the old
// scheme without a data migration.
const KeySchemaVersion = 1

// Label names a class of MLS provider state sharing a key space, e.g.
// "tree", "epoch_secrets", "proposal_queue", "key_package".
type Label string

const (
	LabelTree                   Label = "tree"
	LabelGroupContext           Label = "group_context"
	LabelInterimTranscriptHash  Label = "interim_transcript_hash"
	LabelConfirmationTag        Label = "confirmation_tag"
	LabelOwnLeafIndex           Label = "own_leaf_index"
	LabelEpochSecrets           Label = "epoch_secrets"
	LabelMessageSecrets         Label = "message_secrets"
	LabelGroupEpochSecrets      Label = "group_epoch_secrets"
	LabelResumptionPSK          Label = "resumption_psk"
	LabelJoinConfig             Label = "join_config"
	LabelOwnLeafNodes           Label = "own_leaf_nodes"
	LabelGroupState             Label = "group_state"
	LabelProposalQueue          Label = "proposal_queue"
	LabelProposalRefs           Label = "proposal_refs"
	LabelEncryptionEpochKeyPair Label = "encryption_epoch_key_pair"
	LabelSignatureKeyPair       Label = "signature_key_pair"
	LabelEncryptionKeyPair      Label = "encryption_key_pair"
	LabelKeyPackage             Label = "key_package"
)

// Store is the MLS Storage Adapter.
type Store struct {
	tableName string
}

// New builds a Store.
func New() *Store {
	return &Store{tableName: "openmls_key_value"}
}

func (s *Store) storageKey(label Label, key []byte) []byte {
	prefixed := make([]byte, 0, len(label)+1+len(key))
	prefixed = append(prefixed, []byte(label)...)
	prefixed = append(prefixed, 0x00)
	prefixed = append(prefixed, key...)

	return prefixed
}

// Write stores value under (label, key), overwriting any prior value.
func (s *Store) Write(ctx context.Context, q cursor.Queryer, label Label, key, value []byte) error {
	storageKey := s.storageKey(label, key)

	deleteQ, dargs, err := squirrel.Delete(s.tableName).
		Where(squirrel.Eq{"key_bytes": storageKey, "version": KeySchemaVersion}).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return fmt.Errorf("mlsstore: build delete: %w", err)
	}

	if _, err := q.ExecContext(ctx, deleteQ, dargs...); err != nil {
		return fmt.Errorf("mlsstore: clear prior value: %w", err)
	}

	insertQ, iargs, err := squirrel.Insert(s.tableName).
		Columns("key_bytes", "version", "value_bytes").
		Values(storageKey, KeySchemaVersion, value).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return fmt.Errorf("mlsstore: build insert: %w", err)
	}

	if _, err := q.ExecContext(ctx, insertQ, iargs...); err != nil {
		return fmt.Errorf("mlsstore: write: %w", err)
	}

	return nil
}

// Read returns the bytes stored under (label, key), or
// apperr.ErrKeyNotFound.
func (s *Store) Read(ctx context.Context, q cursor.Queryer, label Label, key []byte) ([]byte, error) {
	selectQ, args, err := squirrel.Select("value_bytes").
		From(s.tableName).
		Where(squirrel.Eq{"key_bytes": s.storageKey(label, key), "version": KeySchemaVersion}).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("mlsstore: build select: %w", err)
	}

	var value []byte

	err = q.QueryRowContext(ctx, selectQ, args...).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, apperr.ErrKeyNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("mlsstore: read: %w", err)
	}

	return value, nil
}

// Delete removes the value stored under (label, key). Deleting a key that
// does not exist is not an error, matching the delete semantics of a
// key-value store.
func (s *Store) Delete(ctx context.Context, q cursor.Queryer, label Label, key []byte) error {
	deleteQ, args, err := squirrel.Delete(s.tableName).
		Where(squirrel.Eq{"key_bytes": s.storageKey(label, key), "version": KeySchemaVersion}).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return fmt.Errorf("mlsstore: build delete: %w", err)
	}

	if _, err := q.ExecContext(ctx, deleteQ, args...); err != nil {
		return fmt.Errorf("mlsstore: delete: %w", err)
	}

	return nil
}

// DeleteProposalRef removes a proposal ref from LabelProposalRefs and also
// deletes the proposal blob it points to from LabelProposalQueue, per spec
// 4.2's "removing a proposal ref also removes its referenced proposal
// blob" rule. ref is both the list item to remove and the key the
// referenced blob is stored under.
func (s *Store) DeleteProposalRef(ctx context.Context, q cursor.Queryer, groupID string, ref []byte) error {
	if err := s.RemoveItem(ctx, q, LabelProposalRefs, []byte(groupID), ref); err != nil {
		return fmt.Errorf("mlsstore: remove proposal ref: %w", err)
	}

	if err := s.Delete(ctx, q, LabelProposalQueue, ref); err != nil {
		return fmt.Errorf("mlsstore: delete proposal blob: %w", err)
	}

	return nil
}

// list is the on-disk representation of a Label list: a msgpack-encoded
// sequence of opaque serialized values, per spec 4.2's "serialized
// sequences of serialized values".
type list struct {
	Items [][]byte
}

// ReadList returns every item stored under (label, key) in append order,
// or apperr.ErrListNotFound if the list has never been written.
func (s *Store) ReadList(ctx context.Context, q cursor.Queryer, label Label, key []byte) ([][]byte, error) {
	raw, err := s.Read(ctx, q, label, key)
	if err == apperr.ErrKeyNotFound {
		return nil, apperr.ErrListNotFound
	}

	if err != nil {
		return nil, err
	}

	var l list
	if err := msgpack.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("mlsstore: decode list: %w", err)
	}

	return l.Items, nil
}

// Append adds item to the end of the list stored under (label, key),
// creating the list if it does not exist yet.
func (s *Store) Append(ctx context.Context, q cursor.Queryer, label Label, key, item []byte) error {
	items, err := s.ReadList(ctx, q, label, key)
	if err != nil && err != apperr.ErrListNotFound {
		return err
	}

	items = append(items, item)

	return s.writeList(ctx, q, label, key, items)
}

// RemoveItem removes the first occurrence of item from the list stored
// under (label, key). A no-op if the list or the item is absent.
func (s *Store) RemoveItem(ctx context.Context, q cursor.Queryer, label Label, key, item []byte) error {
	items, err := s.ReadList(ctx, q, label, key)
	if err == apperr.ErrListNotFound {
		return nil
	}

	if err != nil {
		return err
	}

	out := items[:0]

	removed := false

	for _, existing := range items {
		if !removed && bytesEqual(existing, item) {
			removed = true
			continue
		}

		out = append(out, existing)
	}

	return s.writeList(ctx, q, label, key, out)
}

func (s *Store) writeList(ctx context.Context, q cursor.Queryer, label Label, key []byte, items [][]byte) error {
	encoded, err := msgpack.Marshal(list{Items: items})
	if err != nil {
		return fmt.Errorf("mlsstore: encode list: %w", err)
	}

	return s.Write(ctx, q, label, key, encoded)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
