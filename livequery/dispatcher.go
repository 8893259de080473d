package livequery

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/golang/glog"
)

// the connection side of dispatch. Sends must respect `ctx` so that closing a feed
// never waits on a blocked connection.
type ChangeSink interface {
	SendQueryResponse(ctx context.Context, response *QueryResponse) error
	SendQueryError(ctx context.Context, queryError *QueryError) error
}

// one subscription in a session: a query id bound to an open cursor.
// A single goroutine drains the cursor, so dispatch order equals cursor order.
type Feed struct {
	ctx    context.Context
	cancel context.CancelFunc

	session *Session
	queryId QueryId
	kind    QueryKind
	sink    ChangeSink

	stateLock sync.Mutex
	cursor    Cursor

	// held for each send. Close acquires it after cancel so that no send
	// for this feed is in flight once Close returns.
	dispatchLock sync.Mutex

	closeOnce sync.Once
}

func newFeed(ctx context.Context, session *Session, queryId QueryId, kind QueryKind, sink ChangeSink) *Feed {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Feed{
		ctx:     cancelCtx,
		cancel:  cancel,
		session: session,
		queryId: queryId,
		kind:    kind,
		sink:    sink,
	}
}

func (self *Feed) QueryId() QueryId {
	return self.queryId
}

func (self *Feed) start(cursor Cursor) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.ctx.Err() != nil {
		return false
	}
	self.cursor = cursor
	go self.run()
	return true
}

func (self *Feed) run() {
	defer self.Close()

	for {
		change, err := self.cursor.Next(self.ctx)
		if err != nil {
			if self.ctx.Err() != nil {
				// closed
				return
			}
			if errors.Is(err, io.EOF) {
				glog.V(1).Infof("[sd]%s query %d end of feed\n", self.session.SessionId, self.queryId)
				self.session.removeFeed(self)
				return
			}
			glog.Infof("[sd]%s query %d cursor error = %s\n", self.session.SessionId, self.queryId, err)
			// the feed that is still registered reports the error, exactly once
			if self.session.removeFeed(self) {
				self.sink.SendQueryError(self.ctx, &QueryError{
					QueryId: self.queryId,
					Error:   NewErrorMessage(wrapSyncError(ErrorKindQueryExecutionError, self.queryId, err), ErrorKindQueryExecutionError),
				})
			}
			return
		}
		if !self.dispatch(change) {
			return
		}
	}
}

func (self *Feed) dispatch(change *Change) bool {
	self.dispatchLock.Lock()
	defer self.dispatchLock.Unlock()

	if self.ctx.Err() != nil {
		return false
	}
	err := self.sink.SendQueryResponse(self.ctx, &QueryResponse{
		QueryId: self.queryId,
		Kind:    self.kind,
		Change:  change,
	})
	if err != nil {
		glog.V(1).Infof("[sd]%s query %d send error = %s\n", self.session.SessionId, self.queryId, err)
		// the id is free for a new subscribe
		self.session.removeFeed(self)
		return false
	}
	glog.V(2).Infof("[sd]%s query %d %s\n", self.session.SessionId, self.queryId, change.Type)
	return true
}

// stops dispatch and closes the cursor. No change for this feed is sent after Close returns.
func (self *Feed) Close() {
	self.closeOnce.Do(func() {
		self.cancel()

		self.dispatchLock.Lock()
		self.dispatchLock.Unlock()

		self.stateLock.Lock()
		cursor := self.cursor
		self.stateLock.Unlock()

		if cursor != nil {
			cursor.Close()
		}
	})
}
