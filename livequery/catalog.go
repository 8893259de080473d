package livequery

import (
	"context"
	"slices"
	"sync"

	"golang.org/x/exp/maps"
)

// opens a changefeed for a named query.
// `ctx` bounds opening only. The returned cursor lives until it is closed.
type QueryConstructor func(ctx context.Context, session *Session, params map[string]any) (Cursor, error)

type queryEntry struct {
	kind        QueryKind
	constructor QueryConstructor
}

// the named queries a server can subscribe to. Built at startup.
type QueryCatalog struct {
	stateLock sync.RWMutex
	queries   map[string]*queryEntry
}

func NewQueryCatalog() *QueryCatalog {
	return &QueryCatalog{
		queries: map[string]*queryEntry{},
	}
}

func (self *QueryCatalog) Add(name string, kind QueryKind, constructor QueryConstructor) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.queries[name] = &queryEntry{
		kind:        kind,
		constructor: constructor,
	}
}

func (self *QueryCatalog) AddCollection(name string, constructor QueryConstructor) {
	self.Add(name, QueryKindCollection, constructor)
}

func (self *QueryCatalog) AddValue(name string, constructor QueryConstructor) {
	self.Add(name, QueryKindValue, constructor)
}

func (self *QueryCatalog) lookup(name string) (*queryEntry, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	entry, ok := self.queries[name]
	return entry, ok
}

func (self *QueryCatalog) Names() []string {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	names := maps.Keys(self.queries)
	slices.Sort(names)
	return names
}

// a named one-shot call
type Operation func(ctx context.Context, session *Session, params map[string]any) (any, error)

type OperationCatalog struct {
	stateLock  sync.RWMutex
	operations map[string]Operation
}

func NewOperationCatalog() *OperationCatalog {
	return &OperationCatalog{
		operations: map[string]Operation{},
	}
}

func (self *OperationCatalog) Add(name string, operation Operation) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.operations[name] = operation
}

func (self *OperationCatalog) lookup(name string) (Operation, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	operation, ok := self.operations[name]
	return operation, ok
}
