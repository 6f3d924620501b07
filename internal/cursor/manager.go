package cursor

import (
	"context"

	"github.com/meshline/groupcore/internal/model"
	"github.com/meshline/groupcore/internal/telemetry"
)

// MaxChunkBindings is the upper bound on entity ids bound per underlying
// query; the kinds list is bound on top of it, once per query. Exported so
// wiring code can size entityID batches against it without importing an
// internal constant by name guesswork.
const MaxChunkBindings = 900

// Manager is the Refresh Cursor Manager: per-(entity_id, entity_kind,
// originator_id) high-water marks. It is the idempotence backbone every
// ingestion path consults before acting and updates after acting.
type Manager struct {
	repo Repository
}

// New builds a Manager over repo.
func New(repo Repository) *Manager {
	return &Manager{repo: repo}
}

// GetLastCursor returns the stored cursor for (entityID, kind, originator),
// inserting a zero-value row first if none exists so subsequent reads are
// stable.
func (m *Manager) GetLastCursor(ctx context.Context, q Queryer, entityID string, kind model.EntityKind, originatorID uint32) (model.Cursor, error) {
	ctx, span := telemetry.Tracer("cursor").Start(ctx, "cursor.get_last_cursor")
	defer span.End()

	seq, err := m.repo.GetOrInsertDefault(ctx, q, entityID, kind, originatorID)
	if err != nil {
		telemetry.HandleSpanError(&span, "get last cursor", err)
		return model.Cursor{}, err
	}

	return model.Cursor{EntityID: entityID, EntityKind: kind, OriginatorID: originatorID, SequenceID: seq}, nil
}

// GetLastCursorForOriginators returns cursors for every originator in
// originators, in the exact order given, filling missing rows with zero and
// persisting the defaults.
func (m *Manager) GetLastCursorForOriginators(ctx context.Context, q Queryer, entityID string, kind model.EntityKind, originators []uint32) ([]model.Cursor, error) {
	ctx, span := telemetry.Tracer("cursor").Start(ctx, "cursor.get_last_cursor_for_originators")
	defer span.End()

	out := make([]model.Cursor, len(originators))

	for i, originator := range originators {
		c, err := m.GetLastCursor(ctx, q, entityID, kind, originator)
		if err != nil {
			telemetry.HandleSpanError(&span, "get last cursor for originators", err)
			return nil, err
		}

		out[i] = c
	}

	return out, nil
}

// GetLastCursorForIDs returns, for every entityID and kind requested, the
// per-originator sequence_id. Queries are chunked to at most
// MaxChunkBindings entity ids per batch, each batch also binding the
// len(kinds) kind values; partial results across chunks are merged without
// collision because entity_ids do not repeat.
func (m *Manager) GetLastCursorForIDs(ctx context.Context, q Queryer, entityIDs []string, kinds []model.EntityKind) (map[string]map[uint32]uint64, error) {
	ctx, span := telemetry.Tracer("cursor").Start(ctx, "cursor.get_last_cursor_for_ids")
	defer span.End()

	result := make(map[string]map[uint32]uint64)

	for _, chunk := range chunkStrings(entityIDs, bindingsPerEntityID(len(kinds))) {
		rows, err := m.repo.SelectForIDsChunk(ctx, q, chunk, kinds)
		if err != nil {
			telemetry.HandleSpanError(&span, "get last cursor for ids", err)
			return nil, err
		}

		for _, row := range rows {
			byOriginator, ok := result[row.EntityID]
			if !ok {
				byOriginator = make(map[uint32]uint64)
				result[row.EntityID] = byOriginator
			}

			byOriginator[row.OriginatorID] = row.SequenceID
		}
	}

	return result, nil
}

// UpdateCursor performs the monotonic conditional upsert: the write applies
// only if the new sequence_id is strictly greater than the stored one.
// Returns whether a row was affected.
func (m *Manager) UpdateCursor(ctx context.Context, q Queryer, c model.Cursor) (bool, error) {
	ctx, span := telemetry.Tracer("cursor").Start(ctx, "cursor.update_cursor")
	defer span.End()

	updated, err := m.repo.UpdateIfGreater(ctx, q, c)
	if err != nil {
		telemetry.HandleSpanError(&span, "update cursor", err)
		return false, err
	}

	return updated, nil
}

// LatestCursorForID returns, for the given entityID across the supplied
// kinds, the per-originator maximum sequence_id. When originators is
// non-empty, the result is restricted to those originators (others are
// omitted, not zero-filled, since this call answers "how far has each
// known originator progressed" rather than enumerating a fixed set).
func (m *Manager) LatestCursorForID(ctx context.Context, q Queryer, entityID string, kinds []model.EntityKind, originators []uint32) (map[uint32]uint64, error) {
	ctx, span := telemetry.Tracer("cursor").Start(ctx, "cursor.latest_cursor_for_id")
	defer span.End()

	rows, err := m.repo.SelectForIDsChunk(ctx, q, []string{entityID}, kinds)
	if err != nil {
		telemetry.HandleSpanError(&span, "latest cursor for id", err)
		return nil, err
	}

	allowed := toSet(originators)

	out := make(map[uint32]uint64)

	for _, row := range rows {
		if len(allowed) > 0 {
			if _, ok := allowed[row.OriginatorID]; !ok {
				continue
			}
		}

		if cur, ok := out[row.OriginatorID]; !ok || row.SequenceID > cur {
			out[row.OriginatorID] = row.SequenceID
		}
	}

	return out, nil
}

func toSet(vals []uint32) map[uint32]struct{} {
	set := make(map[uint32]struct{}, len(vals))
	for _, v := range vals {
		set[v] = struct{}{}
	}

	return set
}

// bindingsPerEntityID reports how many bound parameters a single entityID
// consumes in SelectForIDsChunk's query: one. The kinds list is bound once
// per query rather than per id and is not counted here, so a full chunk
// binds MaxChunkBindings ids plus len(kinds) kind values.
func bindingsPerEntityID(_ int) int {
	return 1
}

// chunkStrings splits ids into batches sized so that len(batch)*perID does
// not exceed MaxChunkBindings.
func chunkStrings(ids []string, perID int) [][]string {
	if perID < 1 {
		perID = 1
	}

	size := MaxChunkBindings / perID
	if size < 1 {
		size = 1
	}

	var chunks [][]string

	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}

		chunks = append(chunks, ids[i:end])
	}

	return chunks
}
