package livequery

import (
	"slices"
	"sync"

	"golang.org/x/exp/maps"
)

// per-connection state. Created with `valid=false` when the connection opens,
// mutated by a successful auth, and closed with all of its feeds when the connection ends.
// All mutations of the feed map are serialized by `stateLock`.
type Session struct {
	SessionId Id

	stateLock  sync.Mutex
	valid      bool
	attributes map[string]any
	feeds      map[QueryId]*Feed
	closed     bool
}

func NewSession() *Session {
	return &Session{
		SessionId:  NewId(),
		valid:      false,
		attributes: map[string]any{},
		feeds:      map[QueryId]*Feed{},
	}
}

func (self *Session) Valid() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.valid
}

// marks the session authenticated and merges the verified attributes
func (self *Session) Authorize(attributes map[string]any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.valid = true
	for k, v := range attributes {
		self.attributes[k] = v
	}
}

func (self *Session) Attributes() map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Clone(self.attributes)
}

func (self *Session) Attribute(name string) (any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	value, ok := self.attributes[name]
	return value, ok
}

func (self *Session) HasFeed(queryId QueryId) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.feeds[queryId]
	return ok
}

func (self *Session) FeedCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.feeds)
}

func (self *Session) QueryIds() []QueryId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	queryIds := maps.Keys(self.feeds)
	slices.Sort(queryIds)
	return queryIds
}

// claims the query id for the feed. The feed is in the map from this point,
// even while its cursor is still being opened.
func (self *Session) reserveFeed(feed *Feed) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return newQuerySyncError(ErrorKindQueryExecutionError, feed.queryId, "session closed")
	}
	if _, ok := self.feeds[feed.queryId]; ok {
		return newQuerySyncError(ErrorKindDuplicateOrMissingQueryId, feed.queryId, "duplicate query id")
	}
	self.feeds[feed.queryId] = feed
	return nil
}

// removes the feed only if it is still the registered feed for the query id
func (self *Session) removeFeed(feed *Feed) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if current, ok := self.feeds[feed.queryId]; ok && current == feed {
		delete(self.feeds, feed.queryId)
		return true
	}
	return false
}

func (self *Session) takeFeed(queryId QueryId) *Feed {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	feed, ok := self.feeds[queryId]
	if !ok {
		return nil
	}
	delete(self.feeds, queryId)
	return feed
}

// closes every feed. After this returns the feed map is empty and stays empty.
func (self *Session) Close() {
	var feeds []*Feed
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.closed = true
		feeds = maps.Values(self.feeds)
		clear(self.feeds)
	}()

	for _, feed := range feeds {
		feed.Close()
	}
}
