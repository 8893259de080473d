package livequery

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestValueReplace(t *testing.T) {
	value := NewValue()
	assert.Equal(t, value.Get(), Record{})

	event, err := value.Apply(&Change{
		Type:     ChangeTypeInitial,
		NewValue: Record{"id": 1, "a": 1, "b": 2},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Type, MirrorEventValueChanged)

	// no field level merge
	_, err = value.Apply(&Change{
		Type:     ChangeTypeChange,
		OldValue: Record{"id": 1, "a": 1, "b": 2},
		NewValue: Record{"id": 1, "a": 3},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, value.Get(), Record{"id": 1, "a": 3})
}

func TestValueState(t *testing.T) {
	value := NewValue()
	value.Apply(&Change{
		Type:     ChangeTypeInitial,
		NewValue: Record{"id": 1},
	})

	event, err := value.Apply(StateChange(FeedStateReady))
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Type, MirrorEventStateChanged)
	assert.Equal(t, event.State, FeedStateReady)
	assert.Equal(t, value.State(), FeedStateReady)
	assert.Equal(t, value.Get(), Record{"id": 1})
}

func TestValueRemove(t *testing.T) {
	value := NewValue()
	value.Apply(&Change{
		Type:     ChangeTypeInitial,
		NewValue: Record{"id": 1},
	})

	event, err := value.Apply(&Change{
		Type:     ChangeTypeRemove,
		OldValue: Record{"id": 1},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Type, MirrorEventValueChanged)
	assert.Equal(t, value.Get(), Record{})

	// a change with no new value has no effect
	event, err = value.Apply(&Change{
		Type: ChangeTypeChange,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, event, nil)

	_, err = value.Apply(&Change{
		Type: "merge",
	})
	assert.Equal(t, errors.Is(err, ErrUnrecognizedChangeType), true)
}
