package livequery

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
)

type MultiplexerSettings struct {
	// resolved once at startup. When false every session is implicitly authorized.
	AuthRequired bool
	// bound on constructing and opening one query
	OpenTimeout time.Duration
}

func DefaultMultiplexerSettings() *MultiplexerSettings {
	return &MultiplexerSettings{
		AuthRequired: false,
		OpenTimeout:  10 * time.Second,
	}
}

// maps named, parameterized queries onto changefeeds in a session's feed registry
type Multiplexer struct {
	ctx      context.Context
	catalog  *QueryCatalog
	settings *MultiplexerSettings
}

func NewMultiplexerWithDefaults(ctx context.Context, catalog *QueryCatalog) *Multiplexer {
	return NewMultiplexer(ctx, catalog, DefaultMultiplexerSettings())
}

func NewMultiplexer(ctx context.Context, catalog *QueryCatalog, settings *MultiplexerSettings) *Multiplexer {
	return &Multiplexer{
		ctx:      ctx,
		catalog:  catalog,
		settings: settings,
	}
}

// validates and registers a query, opens its changefeed and starts dispatch to `sink`.
// Returns once the cursor is open, without waiting for the first change.
// On error nothing is registered in the session.
func (self *Multiplexer) SubscribeQuery(session *Session, args *SubscribeQueryArgs, sink ChangeSink) error {
	if self.settings.AuthRequired && !session.Valid() {
		return newQuerySyncError(ErrorKindAuthRequired, args.QueryId, "authenticate before subscribing")
	}
	if args.QueryId == 0 {
		return newSyncError(ErrorKindDuplicateOrMissingQueryId, "missing query id")
	}
	if session.HasFeed(args.QueryId) {
		return newQuerySyncError(ErrorKindDuplicateOrMissingQueryId, args.QueryId, "duplicate query id")
	}
	entry, ok := self.catalog.lookup(args.Query)
	if !ok {
		return newQuerySyncError(ErrorKindUnknownQuery, args.QueryId, "%s", args.Query)
	}
	kind := args.Kind
	if kind == "" {
		kind = entry.kind
	} else if kind != entry.kind {
		return newQuerySyncError(ErrorKindUnknownQuery, args.QueryId, "%s is a %s query, not %s", args.Query, entry.kind, kind)
	}

	feed := newFeed(self.ctx, session, args.QueryId, kind, sink)
	if err := session.reserveFeed(feed); err != nil {
		feed.cancel()
		return err
	}

	params := cloneParams(args.Params)
	cursor, err := self.open(feed, entry, session, params)
	if err != nil {
		session.removeFeed(feed)
		feed.cancel()
		glog.Infof("[m]%s query %d %s open error = %s\n", session.SessionId, args.QueryId, args.Query, err)
		return wrapSyncError(ErrorKindQueryExecutionError, args.QueryId, err)
	}

	if !feed.start(cursor) {
		// unsubscribed or disconnected while opening
		cursor.Close()
		glog.V(1).Infof("[m]%s query %d closed while opening\n", session.SessionId, args.QueryId)
		return nil
	}
	glog.V(2).Infof("[m]%s subscribed query %d %s\n", session.SessionId, args.QueryId, args.Query)
	return nil
}

// errors and panics raised by the constructor are both execution errors
func (self *Multiplexer) open(
	feed *Feed,
	entry *queryEntry,
	session *Session,
	params map[string]any,
) (cursor Cursor, err error) {
	openCtx, openCancel := context.WithTimeout(feed.ctx, self.settings.OpenTimeout)
	defer openCancel()

	if r := HandleError(func() {
		cursor, err = TraceWithReturnError(
			fmt.Sprintf("[m]%s open query %d", session.SessionId, feed.queryId),
			func() (Cursor, error) {
				return entry.constructor(openCtx, session, params)
			},
		)
	}); r != nil {
		return nil, fmt.Errorf("%v", r)
	}
	if err == nil && cursor == nil {
		err = fmt.Errorf("Query returned no cursor.")
	}
	return
}

// removes and closes the feed. A second unsubscribe of the same id is an error.
func (self *Multiplexer) UnsubscribeQuery(session *Session, queryId QueryId) error {
	feed := session.takeFeed(queryId)
	if feed == nil {
		return newQuerySyncError(ErrorKindUnknownQueryId, queryId, "not subscribed")
	}
	feed.Close()
	glog.V(2).Infof("[m]%s unsubscribed query %d\n", session.SessionId, queryId)
	return nil
}
