package livequery

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

type QueryState string

const (
	QueryStateInitializing QueryState = FeedStateInitializing
	QueryStateReady        QueryState = FeedStateReady
	QueryStateError        QueryState = "error"
)

// one method per mirror event category. Methods run on the socket reader and must not block on calls.
type QueryListener interface {
	StateChanged(query *RegisteredQuery, state QueryState)
	ValueChanged(query *RegisteredQuery, value Record)
	EntryAdded(query *RegisteredQuery, entry Record, offset int)
	EntryUpdated(query *RegisteredQuery, entry Record, offset int)
	EntryDeleted(query *RegisteredQuery, entry Record, offset int)
	Error(query *RegisteredQuery, err error)
}

// embed to implement only some of `QueryListener`
type BaseQueryListener struct{}

func (self *BaseQueryListener) StateChanged(query *RegisteredQuery, state QueryState)        {}
func (self *BaseQueryListener) ValueChanged(query *RegisteredQuery, value Record)            {}
func (self *BaseQueryListener) EntryAdded(query *RegisteredQuery, entry Record, offset int)   {}
func (self *BaseQueryListener) EntryUpdated(query *RegisteredQuery, entry Record, offset int) {}
func (self *BaseQueryListener) EntryDeleted(query *RegisteredQuery, entry Record, offset int) {}
func (self *BaseQueryListener) Error(query *RegisteredQuery, err error)                       {}

type FieldSpec struct {
	Kind   QueryKind
	Query  string
	Params map[string]any
	// collections only. Defaults to `id`.
	KeyField string
	Listener QueryListener
}

type RegisteredQuery struct {
	QueryId   QueryId
	Field     string
	Kind      QueryKind
	QueryName string
	Params    map[string]any

	listener QueryListener

	stateLock  sync.Mutex
	state      QueryState
	value      *Value
	collection *Collection
	// connection epoch of the last subscribe. Zero before the first.
	subscribedEpoch uint64
	closed          bool
}

func newRegisteredQuery(queryId QueryId, field string, spec *FieldSpec) *RegisteredQuery {
	kind := spec.Kind
	if kind == "" {
		kind = QueryKindCollection
	}
	listener := spec.Listener
	if listener == nil {
		listener = &BaseQueryListener{}
	}
	return &RegisteredQuery{
		QueryId:    queryId,
		Field:      field,
		Kind:       kind,
		QueryName:  spec.Query,
		Params:     cloneParams(spec.Params),
		listener:   listener,
		state:      QueryStateInitializing,
		value:      NewValue(),
		collection: NewCollection(spec.KeyField),
	}
}

func (self *RegisteredQuery) State() QueryState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// the value mirror of a value query
func (self *RegisteredQuery) Value() Record {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.value.Get()
}

// the collection mirror of a collection query
func (self *RegisteredQuery) Entries() []Record {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.collection.Entries()
}

// must be called with `stateLock`
func (self *RegisteredQuery) resetMirror() {
	self.value.Reset()
	self.collection.Reset()
}

// must be called with `stateLock`
func (self *RegisteredQuery) apply(change *Change) (*MirrorEvent, error) {
	switch self.Kind {
	case QueryKindValue:
		return self.value.Apply(change)
	default:
		return self.collection.Apply(change)
	}
}

func (self *RegisteredQuery) notify(event *MirrorEvent) {
	HandleError(func() {
		switch event.Type {
		case MirrorEventStateChanged:
			self.listener.StateChanged(self, QueryState(event.State))
		case MirrorEventValueChanged:
			self.listener.ValueChanged(self, event.Value)
		case MirrorEventEntryAdded:
			self.listener.EntryAdded(self, event.Value, event.Offset)
		case MirrorEventEntryUpdated:
			self.listener.EntryUpdated(self, event.Value, event.Offset)
		case MirrorEventEntryDeleted:
			self.listener.EntryDeleted(self, event.Value, event.Offset)
		}
	})
}

func (self *RegisteredQuery) notifyError(err error) {
	HandleError(func() {
		self.listener.Error(self, err)
	})
}

type RequestCaller interface {
	CallAsync(event EventName, data any, callback ReplyCallback)
}

// the client's live queries. Query ids are allocated here and kept across reconnects,
// so every open re-subscribes each query with its original id and params.
type SubscriptionRegistry struct {
	caller RequestCaller

	stateLock   sync.Mutex
	nextQueryId QueryId
	queries     map[QueryId]*RegisteredQuery
	online      bool
	epoch       uint64
}

func NewSubscriptionRegistry(caller RequestCaller) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		caller:      caller,
		nextQueryId: 1,
		queries:     map[QueryId]*RegisteredQuery{},
	}
}

// allocates a query id and subscribes now if online
func (self *SubscriptionRegistry) Register(field string, spec *FieldSpec) *RegisteredQuery {
	self.stateLock.Lock()
	queryId := self.nextQueryId
	self.nextQueryId += 1
	query := newRegisteredQuery(queryId, field, spec)
	self.queries[queryId] = query
	online := self.online
	epoch := self.epoch
	self.stateLock.Unlock()

	glog.V(2).Infof("[r]register %s query %d %s\n", field, queryId, spec.Query)
	if online {
		self.subscribe(query, epoch)
	}
	return query
}

// clears the mirror before sending the unsubscribe, so no stale data is observed after this returns.
// Late changes for the id are dropped as unknown.
func (self *SubscriptionRegistry) Unregister(query *RegisteredQuery) {
	self.stateLock.Lock()
	registered := self.queries[query.QueryId] == query
	if registered {
		delete(self.queries, query.QueryId)
	}
	online := self.online
	self.stateLock.Unlock()

	func() {
		query.stateLock.Lock()
		defer query.stateLock.Unlock()
		query.closed = true
		query.resetMirror()
	}()

	if !registered {
		return
	}
	glog.V(2).Infof("[r]unregister query %d\n", query.QueryId)
	if online {
		self.unsubscribe(query.QueryId)
	}
}

func (self *SubscriptionRegistry) Query(queryId QueryId) (*RegisteredQuery, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	query, ok := self.queries[queryId]
	return query, ok
}

func (self *SubscriptionRegistry) Queries() []*RegisteredQuery {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.orderedQueries()
}

// must be called with `stateLock`
func (self *SubscriptionRegistry) orderedQueries() []*RegisteredQuery {
	queryIds := maps.Keys(self.queries)
	slices.Sort(queryIds)
	queries := make([]*RegisteredQuery, 0, len(queryIds))
	for _, queryId := range queryIds {
		queries = append(queries, self.queries[queryId])
	}
	return queries
}

// re-subscribes every registered query on the connection `epoch`. Stale epochs are ignored.
func (self *SubscriptionRegistry) SetOnline(epoch uint64) {
	self.stateLock.Lock()
	if epoch < self.epoch {
		self.stateLock.Unlock()
		return
	}
	self.epoch = epoch
	self.online = true
	queries := self.orderedQueries()
	self.stateLock.Unlock()

	glog.V(1).Infof("[r]online epoch %d, subscribing %d queries\n", epoch, len(queries))
	for _, query := range queries {
		self.subscribe(query, epoch)
	}
}

func (self *SubscriptionRegistry) SetOffline(epoch uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if epoch < self.epoch {
		return
	}
	self.epoch = epoch
	self.online = false
}

func (self *SubscriptionRegistry) subscribe(query *RegisteredQuery, epoch uint64) {
	resubscribe := false
	ok := func() bool {
		query.stateLock.Lock()
		defer query.stateLock.Unlock()
		if query.closed || query.subscribedEpoch == epoch {
			return false
		}
		if query.subscribedEpoch != 0 {
			// the server replays the initial results on the new connection
			query.resetMirror()
			resubscribe = true
		}
		query.subscribedEpoch = epoch
		query.state = QueryStateInitializing
		return true
	}()
	if !ok {
		return
	}
	if resubscribe {
		query.notify(&MirrorEvent{
			Type:  MirrorEventStateChanged,
			State: string(QueryStateInitializing),
		})
	}

	args := &SubscribeQueryArgs{
		QueryId: query.QueryId,
		Kind:    query.Kind,
		Query:   query.QueryName,
		Params:  query.Params,
	}
	self.caller.CallAsync(EventSubscribeQuery, args, func(data json.RawMessage, err error) {
		if err == nil {
			glog.V(2).Infof("[r]subscribed query %d %s\n", query.QueryId, query.QueryName)
			return
		}
		if errors.Is(err, ErrNotConnected) {
			// subscribed again on the next open
			glog.V(1).Infof("[r]subscribe query %d not connected\n", query.QueryId)
			return
		}
		glog.Infof("[r]subscribe query %d %s error = %s\n", query.QueryId, query.QueryName, err)
		self.setError(query, err)
	})
}

func (self *SubscriptionRegistry) unsubscribe(queryId QueryId) {
	args := &UnsubscribeQueryArgs{
		QueryId: queryId,
	}
	self.caller.CallAsync(EventUnsubscribeQuery, args, func(data json.RawMessage, err error) {
		if err != nil {
			glog.V(1).Infof("[r]unsubscribe query %d error = %s\n", queryId, err)
		}
	})
}

// applies one change in arrival order. A change the mirror cannot apply aborts the query.
func (self *SubscriptionRegistry) ProcessQueryResponse(response *QueryResponse) {
	query, ok := self.Query(response.QueryId)
	if !ok {
		glog.V(1).Infof("[r]query %d is not registered, dropped change\n", response.QueryId)
		return
	}
	if response.Change == nil {
		glog.Infof("[r]query %d response with no change\n", response.QueryId)
		return
	}

	var event *MirrorEvent
	var err error
	applied := func() bool {
		query.stateLock.Lock()
		defer query.stateLock.Unlock()
		if query.closed {
			return false
		}
		event, err = query.apply(response.Change)
		if err != nil {
			query.state = QueryStateError
		} else if event != nil && event.Type == MirrorEventStateChanged {
			query.state = QueryState(event.State)
		}
		return true
	}()
	if !applied {
		return
	}
	if err != nil {
		self.abort(query, wrapSyncErrorQuery(err, query.QueryId))
		return
	}
	if event != nil {
		query.notify(event)
	}
}

// the server ended the feed. The query stays registered in the error state.
func (self *SubscriptionRegistry) ProcessQueryError(queryError *QueryError) {
	query, ok := self.Query(queryError.QueryId)
	if !ok {
		glog.V(1).Infof("[r]query %d is not registered, dropped error\n", queryError.QueryId)
		return
	}
	var err error
	if queryError.Error != nil {
		err = queryError.Error.Err()
	} else {
		err = newQuerySyncError(ErrorKindQueryExecutionError, queryError.QueryId, "no error detail")
	}
	glog.Infof("[r]query %d %s error = %s\n", query.QueryId, query.QueryName, err)
	self.setError(query, err)
}

func (self *SubscriptionRegistry) setError(query *RegisteredQuery, err error) {
	closed := func() bool {
		query.stateLock.Lock()
		defer query.stateLock.Unlock()
		if !query.closed {
			query.state = QueryStateError
		}
		return query.closed
	}()
	if !closed {
		query.notifyError(err)
	}
}

// a reconciliation failure desynchronizes the mirror permanently.
// The query leaves the registry and the server feed is stopped.
func (self *SubscriptionRegistry) abort(query *RegisteredQuery, err error) {
	glog.Errorf("[r]query %d %s aborted = %s\n", query.QueryId, query.QueryName, err)

	self.stateLock.Lock()
	registered := self.queries[query.QueryId] == query
	if registered {
		delete(self.queries, query.QueryId)
	}
	online := self.online
	self.stateLock.Unlock()

	func() {
		query.stateLock.Lock()
		defer query.stateLock.Unlock()
		query.closed = true
	}()

	if registered && online {
		self.unsubscribe(query.QueryId)
	}
	query.notifyError(err)
}

// tags a reconciliation error with the query it desynchronized
func wrapSyncErrorQuery(err error, queryId QueryId) error {
	var syncErr *SyncError
	if errors.As(err, &syncErr) && syncErr.QueryId == 0 {
		tagged := *syncErr
		tagged.QueryId = queryId
		return &tagged
	}
	return err
}
