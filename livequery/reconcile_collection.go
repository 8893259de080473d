package livequery

import (
	"slices"
)

type MirrorEventType string

const (
	MirrorEventStateChanged MirrorEventType = "stateChanged"
	MirrorEventValueChanged MirrorEventType = "valueChanged"
	MirrorEventEntryAdded   MirrorEventType = "entryAdded"
	MirrorEventEntryUpdated MirrorEventType = "entryUpdated"
	MirrorEventEntryDeleted MirrorEventType = "entryDeleted"
)

// the effect of one applied change on a mirror
type MirrorEvent struct {
	Type  MirrorEventType
	Value Record
	// position in the collection after the change, or the removed position for deletes
	Offset int
	State  string
}

const DefaultKeyField = "id"

// an ordered collection mirror. Offsets in a change are authoritative when present;
// otherwise records are located by identity key.
// Not safe for concurrent use. Changes for one mirror must be applied in arrival order.
type Collection struct {
	keyField string
	entries  []Record
	state    string
}

func NewCollection(keyField string) *Collection {
	if keyField == "" {
		keyField = DefaultKeyField
	}
	return &Collection{
		keyField: keyField,
		entries:  []Record{},
	}
}

func (self *Collection) KeyField() string {
	return self.keyField
}

func (self *Collection) Entries() []Record {
	return slices.Clone(self.entries)
}

func (self *Collection) Len() int {
	return len(self.entries)
}

func (self *Collection) State() string {
	return self.state
}

// the empty form
func (self *Collection) Reset() {
	self.entries = []Record{}
	self.state = ""
}

func (self *Collection) Apply(change *Change) (*MirrorEvent, error) {
	switch change.Type {
	case ChangeTypeRemove, ChangeTypeUninitial:
		return self.applyRemove(change)
	case ChangeTypeAdd, ChangeTypeInitial:
		return self.applyAdd(change)
	case ChangeTypeChange:
		return self.applyChange(change)
	case ChangeTypeState:
		self.state = change.State
		return &MirrorEvent{
			Type:  MirrorEventStateChanged,
			State: change.State,
		}, nil
	default:
		return nil, newSyncError(ErrorKindUnrecognizedChangeType, "%q", change.Type)
	}
}

func (self *Collection) applyRemove(change *Change) (*MirrorEvent, error) {
	if change.OldOffset != nil {
		offset := *change.OldOffset
		if offset < 0 || len(self.entries) <= offset {
			return nil, self.inconsistent(change, "old offset %d out of range [0, %d)", offset, len(self.entries))
		}
		removed := self.entries[offset]
		self.entries = slices.Delete(self.entries, offset, offset+1)
		return &MirrorEvent{
			Type:   MirrorEventEntryDeleted,
			Value:  removed,
			Offset: offset,
		}, nil
	}

	key, ok := identityKey(change.OldValue, self.keyField)
	if !ok {
		return nil, self.inconsistent(change, "no old offset and no old %s", self.keyField)
	}
	i := self.indexOfKey(key)
	if i < 0 {
		return nil, self.inconsistent(change, "%s %s is not in the collection", self.keyField, key)
	}
	removed := self.entries[i]
	self.entries = slices.Delete(self.entries, i, i+1)
	return &MirrorEvent{
		Type:   MirrorEventEntryDeleted,
		Value:  removed,
		Offset: i,
	}, nil
}

func (self *Collection) applyAdd(change *Change) (*MirrorEvent, error) {
	if change.NewValue == nil {
		return nil, self.inconsistent(change, "no new value")
	}

	// delivery is at-least-once per epoch. An add for a key already present replaces it.
	if key, ok := identityKey(change.NewValue, self.keyField); ok {
		if i := self.indexOfKey(key); 0 <= i {
			if change.NewOffset == nil {
				self.entries[i] = change.NewValue
				return &MirrorEvent{
					Type:   MirrorEventEntryUpdated,
					Value:  change.NewValue,
					Offset: i,
				}, nil
			}
			self.entries = slices.Delete(self.entries, i, i+1)
			offset := min(max(*change.NewOffset, 0), len(self.entries))
			self.entries = slices.Insert(self.entries, offset, change.NewValue)
			return &MirrorEvent{
				Type:   MirrorEventEntryUpdated,
				Value:  change.NewValue,
				Offset: offset,
			}, nil
		}
	}

	if change.NewOffset == nil {
		// unordered results append
		self.entries = append(self.entries, change.NewValue)
		return &MirrorEvent{
			Type:   MirrorEventEntryAdded,
			Value:  change.NewValue,
			Offset: len(self.entries) - 1,
		}, nil
	}
	offset := *change.NewOffset
	if offset < 0 || len(self.entries) < offset {
		return nil, self.inconsistent(change, "new offset %d out of range [0, %d]", offset, len(self.entries))
	}
	self.entries = slices.Insert(self.entries, offset, change.NewValue)
	return &MirrorEvent{
		Type:   MirrorEventEntryAdded,
		Value:  change.NewValue,
		Offset: offset,
	}, nil
}

// a remove then an insert. A move is a change with both offsets.
// On error the collection is left as it was.
func (self *Collection) applyChange(change *Change) (*MirrorEvent, error) {
	if change.NewValue == nil {
		return nil, self.inconsistent(change, "no new value")
	}

	var removed Record
	removedOffset := -1
	if change.OldOffset != nil {
		offset := *change.OldOffset
		if offset < 0 || len(self.entries) <= offset {
			return nil, self.inconsistent(change, "old offset %d out of range [0, %d)", offset, len(self.entries))
		}
		removed = self.entries[offset]
		removedOffset = offset
		self.entries = slices.Delete(self.entries, offset, offset+1)
	}
	restore := func() {
		if 0 <= removedOffset {
			self.entries = slices.Insert(self.entries, removedOffset, removed)
		}
	}

	if change.NewOffset != nil {
		offset := *change.NewOffset
		if removedOffset < 0 {
			// an insert without a matching remove must not duplicate the key
			if key, ok := identityKey(change.NewValue, self.keyField); ok {
				if i := self.indexOfKey(key); 0 <= i {
					removed = self.entries[i]
					removedOffset = i
					self.entries = slices.Delete(self.entries, i, i+1)
				}
			}
		}
		if offset < 0 || len(self.entries) < offset {
			restore()
			return nil, self.inconsistent(change, "new offset %d out of range [0, %d]", offset, len(self.entries))
		}
		self.entries = slices.Insert(self.entries, offset, change.NewValue)
		return &MirrorEvent{
			Type:   MirrorEventEntryUpdated,
			Value:  change.NewValue,
			Offset: offset,
		}, nil
	}

	key, ok := identityKey(change.OldValue, self.keyField)
	if !ok {
		key, ok = identityKey(change.NewValue, self.keyField)
	}
	if !ok {
		restore()
		return nil, self.inconsistent(change, "no new offset and no %s", self.keyField)
	}
	i := self.indexOfKey(key)
	if i < 0 {
		restore()
		return nil, self.inconsistent(change, "%s %s is not in the collection", self.keyField, key)
	}
	self.entries[i] = change.NewValue
	return &MirrorEvent{
		Type:   MirrorEventEntryUpdated,
		Value:  change.NewValue,
		Offset: i,
	}, nil
}

func (self *Collection) indexOfKey(key string) int {
	return slices.IndexFunc(self.entries, func(entry Record) bool {
		entryKey, ok := identityKey(entry, self.keyField)
		return ok && entryKey == key
	})
}

func (self *Collection) inconsistent(change *Change, format string, a ...any) *SyncError {
	err := newSyncError(ErrorKindInconsistentDiff, format, a...)
	err.Message = err.Message + " applying " + change.String()
	return err
}
