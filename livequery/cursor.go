package livequery

import (
	"context"
	"errors"
	"sync"
)

// a changefeed cursor. The changefeed engine behind it is external;
// it emits ordered changes for one query's result set.
type Cursor interface {
	// blocks until the next change. `io.EOF` ends the feed normally,
	// any other error ends it with a failure.
	Next(ctx context.Context) (*Change, error)
	Close() error
}

var ErrCursorClosed = errors.New("Cursor closed.")

// cursor backed by an unbounded in-order queue.
// Producers never block, so sources can push while holding their own locks.
type ChannelCursor struct {
	stateLock sync.Mutex
	queue     []*Change
	// terminal error, delivered after the queue drains
	err    error
	closed bool

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewChannelCursor() *ChannelCursor {
	return &ChannelCursor{
		queue:  []*Change{},
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (self *ChannelCursor) Push(change *Change) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return ErrCursorClosed
	}
	if self.err != nil {
		return self.err
	}
	self.queue = append(self.queue, change)
	self.signal()
	return nil
}

// ends the cursor with `err` after the already queued changes
func (self *ChannelCursor) Fail(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.err == nil {
		self.err = err
	}
	self.signal()
}

// must be called with `stateLock`
func (self *ChannelCursor) signal() {
	select {
	case self.notify <- struct{}{}:
	default:
	}
}

func (self *ChannelCursor) Next(ctx context.Context) (*Change, error) {
	for {
		change, ok, err := self.poll()
		if ok {
			return change, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-self.done:
		case <-self.notify:
		}
	}
}

func (self *ChannelCursor) poll() (*Change, bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return nil, true, ErrCursorClosed
	}
	if 0 < len(self.queue) {
		change := self.queue[0]
		self.queue[0] = nil
		self.queue = self.queue[1:]
		return change, true, nil
	}
	if self.err != nil {
		return nil, true, self.err
	}
	return nil, false, nil
}

func (self *ChannelCursor) Done() <-chan struct{} {
	return self.done
}

func (self *ChannelCursor) IsClosed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closed
}

func (self *ChannelCursor) Close() error {
	self.closeOnce.Do(func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.closed = true
		self.queue = nil
		close(self.done)
	})
	return nil
}
