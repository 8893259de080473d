package livequery

import (
	"context"
	mathrand "math/rand"
	"slices"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

// the changes already queued on the cursor. Table writes queue synchronously.
func drainCursor(t *testing.T, cursor Cursor) []*Change {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	changes := []*Change{}
	for {
		change, err := cursor.Next(ctx)
		if err != nil {
			assert.Equal(t, err, context.Canceled)
			return changes
		}
		changes = append(changes, change)
	}
}

func applyChanges(t *testing.T, collection *Collection, changes []*Change) {
	for _, change := range changes {
		_, err := collection.Apply(change)
		assert.Equal(t, err, nil)
	}
}

func TestMemoryTableOrderedInitial(t *testing.T) {
	table := NewMemoryTable("id")
	table.Put(Record{"id": 1, "rank": 3})
	table.Put(Record{"id": 2, "rank": 1})
	table.Put(Record{"id": 3, "rank": 2})

	cursor := table.OpenOrdered(OrderByField("rank", false), 0, nil)
	defer cursor.Close()

	changes := drainCursor(t, cursor)
	assert.Equal(t, changes, []*Change{
		StateChange(FeedStateInitializing),
		{Type: ChangeTypeInitial, NewValue: Record{"id": 2, "rank": 1}, NewOffset: Offset(0)},
		{Type: ChangeTypeInitial, NewValue: Record{"id": 3, "rank": 2}, NewOffset: Offset(1)},
		{Type: ChangeTypeInitial, NewValue: Record{"id": 1, "rank": 3}, NewOffset: Offset(2)},
		StateChange(FeedStateReady),
	})

	collection := NewCollection("id")
	applyChanges(t, collection, changes)
	assert.Equal(t, collection.State(), FeedStateReady)

	// a move to the front is one change with both offsets
	table.Put(Record{"id": 1, "rank": 0})
	changes = drainCursor(t, cursor)
	assert.Equal(t, changes, []*Change{
		{
			Type:      ChangeTypeChange,
			OldValue:  Record{"id": 1, "rank": 3},
			NewValue:  Record{"id": 1, "rank": 0},
			OldOffset: Offset(2),
			NewOffset: Offset(0),
		},
	})
	applyChanges(t, collection, changes)
	assert.Equal(t, collection.Entries(), []Record{
		{"id": 1, "rank": 0},
		{"id": 2, "rank": 1},
		{"id": 3, "rank": 2},
	})
}

// every write produces a diff that takes a mirror to the new view,
// with a limit and a filter moving records in and out of the view
func TestMemoryTableOrderedDiffs(t *testing.T) {
	table := NewMemoryTable("id")
	limit := 4
	visible := func(record Record) bool {
		return record["visible"] == true
	}
	cursor := table.OpenOrdered(OrderByField("rank", false), limit, visible)
	defer cursor.Close()

	collection := NewCollection("id")
	applyChanges(t, collection, drainCursor(t, cursor))

	expectedView := func() []Record {
		view := []Record{}
		for id := range 12 {
			if record, ok := table.Get(id); ok && visible(record) {
				view = append(view, record)
			}
		}
		slices.SortFunc(view, func(a Record, b Record) int {
			if c := compareFieldValues(a["rank"], b["rank"]); c != 0 {
				return c
			}
			aKey, _ := identityKey(a, "id")
			bKey, _ := identityKey(b, "id")
			return strings.Compare(aKey, bKey)
		})
		if limit < len(view) {
			view = view[:limit]
		}
		return view
	}

	r := mathrand.New(mathrand.NewSource(1))
	for range 400 {
		id := r.Intn(12)
		if r.Intn(4) == 0 {
			table.Delete(id)
		} else {
			table.Put(Record{
				"id":      id,
				"rank":    r.Intn(8),
				"visible": r.Intn(3) != 0,
			})
		}
		applyChanges(t, collection, drainCursor(t, cursor))
		assert.Equal(t, collection.Entries(), expectedView())
	}
}

func TestMemoryTableFiltered(t *testing.T) {
	table := NewMemoryTable("id")
	table.Put(Record{"id": "a", "room": "x"})
	table.Put(Record{"id": "b", "room": "y"})

	cursor := table.OpenFiltered(func(record Record) bool {
		return record["room"] == "x"
	})
	defer cursor.Close()

	collection := NewCollection("id")
	applyChanges(t, collection, drainCursor(t, cursor))
	assert.Equal(t, collection.Entries(), []Record{{"id": "a", "room": "x"}})

	// moves into the filter, changes within it, then leaves it
	table.Put(Record{"id": "b", "room": "x"})
	table.Put(Record{"id": "a", "room": "x", "n": 1})
	table.Put(Record{"id": "b", "room": "z"})
	changes := drainCursor(t, cursor)
	assert.Equal(t, len(changes), 3)
	assert.Equal(t, changes[0].Type, ChangeTypeAdd)
	assert.Equal(t, changes[1].Type, ChangeTypeChange)
	assert.Equal(t, changes[2].Type, ChangeTypeRemove)
	for _, change := range changes {
		assert.Equal(t, change.NewOffset, nil)
		assert.Equal(t, change.OldOffset, nil)
	}
	applyChanges(t, collection, changes)
	assert.Equal(t, collection.Entries(), []Record{{"id": "a", "room": "x", "n": 1}})

	// writes outside the filter emit nothing
	table.Put(Record{"id": "c", "room": "y"})
	assert.Equal(t, len(drainCursor(t, cursor)), 0)
}

func TestMemoryTableValue(t *testing.T) {
	table := NewMemoryTable("id")
	table.Put(Record{"id": 1, "name": "a"})

	open := table.ValueQuery("id")
	_, err := open(context.Background(), NewSession(), map[string]any{})
	assert.NotEqual(t, err, nil)

	cursor, err := open(context.Background(), NewSession(), map[string]any{"id": 1})
	assert.Equal(t, err, nil)
	defer cursor.Close()

	value := NewValue()
	for _, change := range drainCursor(t, cursor) {
		_, err := value.Apply(change)
		assert.Equal(t, err, nil)
	}
	assert.Equal(t, value.Get(), Record{"id": 1, "name": "a"})
	assert.Equal(t, value.State(), FeedStateReady)

	table.Put(Record{"id": 2, "name": "b"})
	table.Put(Record{"id": 1, "name": "c"})
	changes := drainCursor(t, cursor)
	assert.Equal(t, len(changes), 1)
	value.Apply(changes[0])
	assert.Equal(t, value.Get(), Record{"id": 1, "name": "c"})

	table.Delete(1)
	for _, change := range drainCursor(t, cursor) {
		value.Apply(change)
	}
	assert.Equal(t, value.Get(), Record{})
}

func TestMemoryTableCursorClose(t *testing.T) {
	table := NewMemoryTable("id")
	cursor := table.OpenOrdered(nil, 0, nil)
	other := table.OpenFiltered(nil)

	table.stateLock.Lock()
	assert.Equal(t, len(table.watchers), 2)
	table.stateLock.Unlock()

	err := cursor.Close()
	assert.Equal(t, err, nil)
	// closing twice is fine
	cursor.Close()

	table.stateLock.Lock()
	assert.Equal(t, len(table.watchers), 1)
	table.stateLock.Unlock()

	table.Put(Record{"id": 1})
	_, err = cursor.Next(context.Background())
	assert.Equal(t, err, ErrCursorClosed)

	other.Close()
	table.stateLock.Lock()
	assert.Equal(t, len(table.watchers), 0)
	table.stateLock.Unlock()
}

func TestOrderByField(t *testing.T) {
	records := []Record{
		{"id": 1, "rank": 2.5},
		{"id": 2},
		{"id": 3, "rank": 1},
		{"id": 4, "rank": 10},
	}
	slices.SortStableFunc(records, OrderByField("rank", false))
	ids := []any{}
	for _, record := range records {
		ids = append(ids, record["id"])
	}
	assert.Equal(t, ids, []any{2, 3, 1, 4})

	slices.SortStableFunc(records, OrderByField("rank", true))
	assert.Equal(t, records[0]["id"], 4)
	assert.Equal(t, records[3]["id"], 2)

	assert.Equal(t, compareFieldValues("a", "b"), -1)
	assert.Equal(t, compareFieldValues(int64(3), 3.0), 0)
}
