package model

// IceboxEntry holds an envelope that arrived before one or more prior
// commits it depends on (from a different originator) were observed. It is
// re-fed to the Envelope Processor once every dependency cursor is reached.
type IceboxEntry struct {
	GroupID      string
	Cursor       uint64
	Envelope     []byte
	Dependencies []IceboxDependency
}

// IceboxDependency is one unmet prior-commit cursor an IceboxEntry is
// waiting on.
type IceboxDependency struct {
	GroupID      string
	EntityKind   EntityKind
	OriginatorID uint32
	SequenceID   uint64
}

// Satisfied reports whether every dependency has been reached, given the
// current per-(kind,originator) cursor map for the group.
func (e *IceboxEntry) Satisfied(reached map[CursorKey]uint64) bool {
	for _, dep := range e.Dependencies {
		key := CursorKey{EntityID: dep.GroupID, EntityKind: dep.EntityKind, OriginatorID: dep.OriginatorID}

		have, ok := reached[key]
		if !ok || have < dep.SequenceID {
			return false
		}
	}

	return true
}
