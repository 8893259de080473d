package livequery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
)

type CorrelatorSettings struct {
	// measured from send time, independent of transport activity
	RequestTimeout time.Duration
	SweepInterval  time.Duration
}

func DefaultCorrelatorSettings() *CorrelatorSettings {
	return &CorrelatorSettings{
		RequestTimeout: 3 * time.Second,
		SweepInterval:  1 * time.Second,
	}
}

type MessageSender interface {
	IsOpen() bool
	Send(message []byte) error
}

// called exactly once, with either the reply data or an error
type ReplyCallback func(data json.RawMessage, err error)

type pendingRequest struct {
	correlationId CorrelationId
	event         EventName
	createTime    time.Time
	callback      ReplyCallback
}

// pairs acknowledged calls with their replies over one duplex channel.
// Correlation ids are independent of query ids.
type Correlator struct {
	ctx    context.Context
	cancel context.CancelFunc

	sender   MessageSender
	settings *CorrelatorSettings

	stateLock         sync.Mutex
	nextCorrelationId CorrelationId
	pending           map[CorrelationId]*pendingRequest
}

func NewCorrelatorWithDefaults(ctx context.Context, sender MessageSender) *Correlator {
	return NewCorrelator(ctx, sender, DefaultCorrelatorSettings())
}

func NewCorrelator(ctx context.Context, sender MessageSender, settings *CorrelatorSettings) *Correlator {
	cancelCtx, cancel := context.WithCancel(ctx)
	correlator := &Correlator{
		ctx:               cancelCtx,
		cancel:            cancel,
		sender:            sender,
		settings:          settings,
		nextCorrelationId: 1,
		pending:           map[CorrelationId]*pendingRequest{},
	}
	go correlator.sweep()
	return correlator
}

// sends `{correlationId, event, data}`. The callback runs on the reader or sweep goroutine,
// or inline when the send fails.
func (self *Correlator) CallAsync(event EventName, data any, callback ReplyCallback) {
	if !self.sender.IsOpen() {
		callback(nil, newSyncError(ErrorKindNotConnected, "%s", event))
		return
	}

	message, err := NewMessage(event, data)
	if err != nil {
		callback(nil, err)
		return
	}

	self.stateLock.Lock()
	if self.ctx.Err() != nil {
		self.stateLock.Unlock()
		callback(nil, newSyncError(ErrorKindNotConnected, "%s", event))
		return
	}
	correlationId := self.nextCorrelationId
	self.nextCorrelationId += 1
	message.CorrelationId = correlationId
	self.pending[correlationId] = &pendingRequest{
		correlationId: correlationId,
		event:         event,
		createTime:    time.Now(),
		callback:      callback,
	}
	self.stateLock.Unlock()

	messageBytes, err := EncodeMessage(message)
	if err == nil {
		err = self.sender.Send(messageBytes)
	}
	if err != nil {
		if request := self.take(correlationId); request != nil {
			glog.V(1).Infof("[c]%d %s send error = %s\n", correlationId, event, err)
			request.callback(nil, wrapSyncError(ErrorKindNotConnected, 0, err))
		}
		return
	}
	glog.V(2).Infof("[c]%d %s->\n", correlationId, event)
}

// blocks until the reply, the timeout sweep, or `ctx` ends the call
func (self *Correlator) Call(ctx context.Context, event EventName, data any) (json.RawMessage, error) {
	type reply struct {
		data json.RawMessage
		err  error
	}
	replies := make(chan *reply, 1)
	self.CallAsync(event, data, func(data json.RawMessage, err error) {
		replies <- &reply{
			data: data,
			err:  err,
		}
	})

	select {
	case r := <-replies:
		return r.data, r.err
	case <-ctx.Done():
		// the pending entry stays until its reply or the sweep. The reply channel is buffered.
		return nil, ctx.Err()
	}
}

// resolves the pending request for a reply. Returns false when the message is not a reply
// or no request is pending for it, e.g. it already timed out.
func (self *Correlator) HandleReply(message *Message) bool {
	if message.CorrelationId == 0 {
		return false
	}
	request := self.take(message.CorrelationId)
	if request == nil {
		glog.V(1).Infof("[c]%d reply with no pending request\n", message.CorrelationId)
		// a late reply is still a reply and is not an application event
		return true
	}
	glog.V(2).Infof("[c]%d %s<-\n", request.correlationId, request.event)
	if message.Error != nil {
		request.callback(nil, message.Error.Err())
	} else {
		request.callback(message.Data, nil)
	}
	return true
}

func (self *Correlator) take(correlationId CorrelationId) *pendingRequest {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	request, ok := self.pending[correlationId]
	if !ok {
		return nil
	}
	delete(self.pending, correlationId)
	return request
}

func (self *Correlator) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.pending)
}

func (self *Correlator) sweep() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SweepInterval):
		}
		for _, request := range self.expire(time.Now()) {
			glog.Infof("[c]%d %s timed out\n", request.correlationId, request.event)
			request.callback(nil, newSyncError(ErrorKindRequestTimedOut, "%s", request.event))
		}
	}
}

// removes every request older than the timeout. Deletion under the lock
// guarantees each request fails at most once.
func (self *Correlator) expire(now time.Time) []*pendingRequest {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	expired := []*pendingRequest{}
	for correlationId, request := range self.pending {
		if self.settings.RequestTimeout <= now.Sub(request.createTime) {
			delete(self.pending, correlationId)
			expired = append(expired, request)
		}
	}
	return expired
}

// fails every pending request with `NotConnected` and stops the sweep
func (self *Correlator) Close() {
	self.cancel()

	self.stateLock.Lock()
	pending := self.pending
	self.pending = map[CorrelationId]*pendingRequest{}
	self.stateLock.Unlock()

	for _, request := range pending {
		request.callback(nil, newSyncError(ErrorKindNotConnected, "%s", request.event))
	}
}
