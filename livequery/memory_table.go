package livequery

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
)

// an in-process table of records keyed by identity, with live queries.
// Writes are pushed to every open cursor while the table lock is held,
// so each cursor sees the initial results and then every later write, in write order.

type RecordComparator func(a Record, b Record) int

type RecordFilter func(record Record) bool

type tableWatcher interface {
	write(key string, oldRecord Record, newRecord Record)
}

type MemoryTable struct {
	keyField string

	stateLock     sync.Mutex
	records       map[string]Record
	nextWatcherId int
	watchers      map[int]tableWatcher
}

func NewMemoryTable(keyField string) *MemoryTable {
	if keyField == "" {
		keyField = DefaultKeyField
	}
	return &MemoryTable{
		keyField: keyField,
		records:  map[string]Record{},
		watchers: map[int]tableWatcher{},
	}
}

func (self *MemoryTable) KeyField() string {
	return self.keyField
}

// inserts or replaces the record with the same key
func (self *MemoryTable) Put(record Record) error {
	key, ok := identityKey(record, self.keyField)
	if !ok {
		return fmt.Errorf("Record has no %s.", self.keyField)
	}
	record = maps.Clone(record)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	oldRecord := self.records[key]
	self.records[key] = record
	self.notify(key, oldRecord, record)
	return nil
}

func (self *MemoryTable) Delete(keyValue any) bool {
	key, ok := identityKey(Record{self.keyField: keyValue}, self.keyField)
	if !ok {
		return false
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	oldRecord, ok := self.records[key]
	if !ok {
		return false
	}
	delete(self.records, key)
	self.notify(key, oldRecord, nil)
	return true
}

func (self *MemoryTable) Get(keyValue any) (Record, bool) {
	key, ok := identityKey(Record{self.keyField: keyValue}, self.keyField)
	if !ok {
		return nil, false
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	record, ok := self.records[key]
	if !ok {
		return nil, false
	}
	return maps.Clone(record), true
}

func (self *MemoryTable) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.records)
}

// must be called with `stateLock`
func (self *MemoryTable) notify(key string, oldRecord Record, newRecord Record) {
	for _, watcher := range self.watchers {
		watcher.write(key, oldRecord, newRecord)
	}
}

// must be called with `stateLock`
func (self *MemoryTable) addWatcher(watcher tableWatcher, cursor *ChannelCursor) Cursor {
	watcherId := self.nextWatcherId
	self.nextWatcherId += 1
	self.watchers[watcherId] = watcher
	return &tableCursor{
		ChannelCursor: cursor,
		remove: func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			delete(self.watchers, watcherId)
		},
	}
}

// must be called with `stateLock`
func (self *MemoryTable) sortedKeys() []string {
	keys := maps.Keys(self.records)
	slices.Sort(keys)
	return keys
}

type tableCursor struct {
	*ChannelCursor
	remove func()
	once   sync.Once
}

func (self *tableCursor) Close() error {
	self.once.Do(self.remove)
	return self.ChannelCursor.Close()
}

// a collection feed of the records matching `filter` (all when nil), ordered by `cmp`
// with ties broken by key, limited to the first `limit` records (unlimited when 0).
// Every change carries offsets.
func (self *MemoryTable) OrderedQuery(cmp RecordComparator, limit int, filter RecordFilter) QueryConstructor {
	return func(ctx context.Context, session *Session, params map[string]any) (Cursor, error) {
		return self.OpenOrdered(cmp, limit, filter), nil
	}
}

func (self *MemoryTable) OpenOrdered(cmp RecordComparator, limit int, filter RecordFilter) Cursor {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	watcher := &orderedWatcher{
		table:  self,
		cmp:    cmp,
		limit:  limit,
		filter: filter,
		cursor: NewChannelCursor(),
	}
	watcher.view = watcher.computeView()

	watcher.cursor.Push(StateChange(FeedStateInitializing))
	for i, entry := range watcher.view {
		watcher.cursor.Push(&Change{
			Type:      ChangeTypeInitial,
			NewValue:  entry.record,
			NewOffset: Offset(i),
		})
	}
	watcher.cursor.Push(StateChange(FeedStateReady))

	return self.addWatcher(watcher, watcher.cursor)
}

// a collection feed of the records matching `filter`, with no order and no offsets.
// Clients locate records by key.
func (self *MemoryTable) FilteredQuery(filter RecordFilter) QueryConstructor {
	return func(ctx context.Context, session *Session, params map[string]any) (Cursor, error) {
		return self.OpenFiltered(filter), nil
	}
}

func (self *MemoryTable) OpenFiltered(filter RecordFilter) Cursor {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	watcher := &filteredWatcher{
		filter: filter,
		cursor: NewChannelCursor(),
	}
	watcher.cursor.Push(StateChange(FeedStateInitializing))
	for _, key := range self.sortedKeys() {
		record := self.records[key]
		if watcher.matches(record) {
			watcher.cursor.Push(&Change{
				Type:     ChangeTypeInitial,
				NewValue: record,
			})
		}
	}
	watcher.cursor.Push(StateChange(FeedStateReady))

	return self.addWatcher(watcher, watcher.cursor)
}

// a value feed of the record whose key is the request param `paramName`
func (self *MemoryTable) ValueQuery(paramName string) QueryConstructor {
	return func(ctx context.Context, session *Session, params map[string]any) (Cursor, error) {
		keyValue, ok := params[paramName]
		if !ok {
			return nil, fmt.Errorf("Missing param %s.", paramName)
		}
		return self.OpenValue(keyValue)
	}
}

func (self *MemoryTable) OpenValue(keyValue any) (Cursor, error) {
	key, ok := identityKey(Record{self.keyField: keyValue}, self.keyField)
	if !ok {
		return nil, fmt.Errorf("Invalid %s.", self.keyField)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	watcher := &valueWatcher{
		key:    key,
		cursor: NewChannelCursor(),
	}
	watcher.cursor.Push(StateChange(FeedStateInitializing))
	if record, ok := self.records[key]; ok {
		watcher.cursor.Push(&Change{
			Type:     ChangeTypeInitial,
			NewValue: record,
		})
	}
	watcher.cursor.Push(StateChange(FeedStateReady))

	return self.addWatcher(watcher, watcher.cursor), nil
}

type viewEntry struct {
	key    string
	record Record
}

type orderedWatcher struct {
	table  *MemoryTable
	cmp    RecordComparator
	limit  int
	filter RecordFilter
	cursor *ChannelCursor

	view []viewEntry
}

// must be called with the table `stateLock`
func (self *orderedWatcher) computeView() []viewEntry {
	view := []viewEntry{}
	for key, record := range self.table.records {
		if self.filter == nil || self.filter(record) {
			view = append(view, viewEntry{
				key:    key,
				record: record,
			})
		}
	}
	slices.SortFunc(view, self.compare)
	if 0 < self.limit && self.limit < len(view) {
		view = view[:self.limit]
	}
	return view
}

func (self *orderedWatcher) compare(a viewEntry, b viewEntry) int {
	if self.cmp != nil {
		if c := self.cmp(a.record, b.record); c != 0 {
			return c
		}
	}
	return strings.Compare(a.key, b.key)
}

// emits the changes that take the client from the old view to the new one,
// each offset relative to the result of the changes before it
func (self *orderedWatcher) write(key string, oldRecord Record, newRecord Record) {
	if self.cursor.IsClosed() {
		return
	}
	nextView := self.computeView()

	nextIndexes := map[string]int{}
	for i, entry := range nextView {
		nextIndexes[entry.key] = i
	}

	working := slices.Clone(self.view)
	workingKeys := map[string]bool{}
	for _, entry := range working {
		workingKeys[entry.key] = true
	}

	// records that left the view, from the end so earlier offsets hold
	for i := len(working) - 1; 0 <= i; i -= 1 {
		entry := working[i]
		if _, ok := nextIndexes[entry.key]; !ok {
			self.cursor.Push(&Change{
				Type:      ChangeTypeRemove,
				OldValue:  entry.record,
				OldOffset: Offset(i),
			})
			working = slices.Delete(working, i, i+1)
			delete(workingKeys, entry.key)
		}
	}

	// the written record, if it stayed in the view
	if nextIndex, ok := nextIndexes[key]; ok && workingKeys[key] {
		i := slices.IndexFunc(working, func(entry viewEntry) bool {
			return entry.key == key
		})
		oldEntry := working[i]
		working = slices.Delete(working, i, i+1)
		// the remaining records are in next view order
		j := 0
		for _, entry := range working {
			if nextIndexes[entry.key] < nextIndex {
				j += 1
			}
		}
		nextEntry := nextView[nextIndex]
		self.cursor.Push(&Change{
			Type:      ChangeTypeChange,
			OldValue:  oldEntry.record,
			NewValue:  nextEntry.record,
			OldOffset: Offset(i),
			NewOffset: Offset(j),
		})
		working = slices.Insert(working, j, nextEntry)
	}

	// records that entered the view, in order
	for i, entry := range nextView {
		if !workingKeys[entry.key] {
			self.cursor.Push(&Change{
				Type:      ChangeTypeAdd,
				NewValue:  entry.record,
				NewOffset: Offset(i),
			})
			working = slices.Insert(working, i, entry)
		}
	}

	self.view = nextView
}

type filteredWatcher struct {
	filter RecordFilter
	cursor *ChannelCursor
}

func (self *filteredWatcher) matches(record Record) bool {
	return record != nil && (self.filter == nil || self.filter(record))
}

func (self *filteredWatcher) write(key string, oldRecord Record, newRecord Record) {
	before := self.matches(oldRecord)
	after := self.matches(newRecord)
	switch {
	case before && after:
		self.cursor.Push(&Change{
			Type:     ChangeTypeChange,
			OldValue: oldRecord,
			NewValue: newRecord,
		})
	case before:
		self.cursor.Push(&Change{
			Type:     ChangeTypeRemove,
			OldValue: oldRecord,
		})
	case after:
		self.cursor.Push(&Change{
			Type:     ChangeTypeAdd,
			NewValue: newRecord,
		})
	}
}

type valueWatcher struct {
	key    string
	cursor *ChannelCursor
}

func (self *valueWatcher) write(key string, oldRecord Record, newRecord Record) {
	if key != self.key {
		return
	}
	if newRecord == nil {
		self.cursor.Push(&Change{
			Type:     ChangeTypeRemove,
			OldValue: oldRecord,
		})
		return
	}
	self.cursor.Push(&Change{
		Type:     ChangeTypeChange,
		OldValue: oldRecord,
		NewValue: newRecord,
	})
}

// orders records by one field. Numbers compare numerically, everything else by its json form.
// Records missing the field order first.
func OrderByField(field string, descending bool) RecordComparator {
	return func(a Record, b Record) int {
		c := compareFieldValues(a[field], b[field])
		if descending {
			return -c
		}
		return c
	}
}

func compareFieldValues(a any, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case bf < af:
				return 1
			default:
				return 0
			}
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs)
		}
	}
	aJson, _ := json.Marshal(a)
	bJson, _ := json.Marshal(b)
	return strings.Compare(string(aJson), string(bJson))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
