package livequery

import (
	"golang.org/x/exp/maps"
)

// a single value mirror. The value is replaced wholesale, never merged.
// Not safe for concurrent use.
type Value struct {
	value Record
	state string
}

func NewValue() *Value {
	return &Value{
		value: Record{},
	}
}

func (self *Value) Get() Record {
	return maps.Clone(self.value)
}

func (self *Value) State() string {
	return self.state
}

func (self *Value) Reset() {
	self.value = Record{}
	self.state = ""
}

// returns nil when the change has no effect on the mirror
func (self *Value) Apply(change *Change) (*MirrorEvent, error) {
	switch change.Type {
	case ChangeTypeState:
		self.state = change.State
		return &MirrorEvent{
			Type:  MirrorEventStateChanged,
			State: change.State,
		}, nil
	case ChangeTypeRemove, ChangeTypeUninitial:
		if change.NewValue == nil {
			// the value no longer exists
			self.value = Record{}
			return &MirrorEvent{
				Type:  MirrorEventValueChanged,
				Value: Record{},
			}, nil
		}
		self.value = change.NewValue
		return &MirrorEvent{
			Type:  MirrorEventValueChanged,
			Value: change.NewValue,
		}, nil
	case ChangeTypeAdd, ChangeTypeInitial, ChangeTypeChange:
		if change.NewValue == nil {
			return nil, nil
		}
		self.value = change.NewValue
		return &MirrorEvent{
			Type:  MirrorEventValueChanged,
			Value: change.NewValue,
		}, nil
	default:
		return nil, newSyncError(ErrorKindUnrecognizedChangeType, "%q", change.Type)
	}
}
