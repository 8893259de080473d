package livequery

import (
	"context"
	"errors"
	"fmt"
	mathrand "math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// a duplex message channel that reconnects with backoff.
// Listeners are registered on the socket, not on a connection, so they carry across reconnects.
// Ping payloads are answered here and never surfaced to listeners.
// The socket owns no subscription semantics.

var ErrConnectTimeout = errors.New("Connection timeout.")
var ErrTooManyRetries = errors.New("Too many failed connection attempts.")

type SocketSettings struct {
	MinReconnectDelay        time.Duration
	MaxReconnectDelay        time.Duration
	ReconnectDelayGrowFactor float64
	// a connection that does not open in this window is aborted and retried
	ConnectTimeout time.Duration
	// 0 retries forever
	MaxRetries   int
	WriteTimeout time.Duration
	// 0 disables the read deadline
	ReadTimeout time.Duration
	// how long a non-fast close waits for the peer to echo the close
	CloseTimeout  time.Duration
	RequestHeader http.Header
}

func DefaultSocketSettings() *SocketSettings {
	return &SocketSettings{
		MinReconnectDelay:        1500 * time.Millisecond,
		MaxReconnectDelay:        10 * time.Second,
		ReconnectDelayGrowFactor: 1.3,
		ConnectTimeout:           4 * time.Second,
		MaxRetries:               0,
		WriteTimeout:             5 * time.Second,
		ReadTimeout:              30 * time.Second,
		CloseTimeout:             2 * time.Second,
	}
}

type CloseOptions struct {
	// disable future reconnects
	KeepClosed bool
	// notify close listeners now rather than after the close round trip
	FastClose bool
	Code      int
	Reason    string
}

type CloseEvent struct {
	Code     int
	Reason   string
	WasClean bool
}

type OpenFunction func()
type CloseFunction func(closeEvent *CloseEvent)
type MessageFunction func(message []byte)
type ErrorFunction func(err error)

// one open connection. Close listeners fire once per epoch.
type socketEpoch struct {
	ws        *websocket.Conn
	closeOnce sync.Once
}

type ReconnectingSocket struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *SocketSettings
	dialer   *websocket.Dialer

	stateLock sync.Mutex
	// nil when not open
	epoch          *socketEpoch
	retriesCount   int
	reconnectDelay time.Duration

	writeLock sync.Mutex

	openCallbacks    *CallbackList[OpenFunction]
	closeCallbacks   *CallbackList[CloseFunction]
	messageCallbacks *CallbackList[MessageFunction]
	errorCallbacks   *CallbackList[ErrorFunction]
}

func NewReconnectingSocketWithDefaults(ctx context.Context, url string) *ReconnectingSocket {
	return NewReconnectingSocket(ctx, url, DefaultSocketSettings())
}

// call `Run` to start connecting, typically after adding listeners
func NewReconnectingSocket(ctx context.Context, url string, settings *SocketSettings) *ReconnectingSocket {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ReconnectingSocket{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		settings: settings,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.ConnectTimeout,
		},
		openCallbacks:    NewCallbackList[OpenFunction](),
		closeCallbacks:   NewCallbackList[CloseFunction](),
		messageCallbacks: NewCallbackList[MessageFunction](),
		errorCallbacks:   NewCallbackList[ErrorFunction](),
	}
}

func (self *ReconnectingSocket) AddOpenCallback(openCallback OpenFunction) func() {
	callbackId := self.openCallbacks.Add(openCallback)
	return func() {
		self.openCallbacks.Remove(callbackId)
	}
}

func (self *ReconnectingSocket) AddCloseCallback(closeCallback CloseFunction) func() {
	callbackId := self.closeCallbacks.Add(closeCallback)
	return func() {
		self.closeCallbacks.Remove(callbackId)
	}
}

// message callbacks run in order on the reader goroutine
func (self *ReconnectingSocket) AddMessageCallback(messageCallback MessageFunction) func() {
	callbackId := self.messageCallbacks.Add(messageCallback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

func (self *ReconnectingSocket) AddErrorCallback(errorCallback ErrorFunction) func() {
	callbackId := self.errorCallbacks.Add(errorCallback)
	return func() {
		self.errorCallbacks.Remove(callbackId)
	}
}

func (self *ReconnectingSocket) Run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		ws, err := self.connect()
		if err == nil {
			self.serve(ws)
		} else {
			glog.Infof("[ws]connect %s error = %s\n", self.url, err)
			self.fireError(err)
		}

		reconnectDelay, ok := self.nextReconnectDelay()
		if !ok {
			glog.Infof("[ws]%s %s\n", self.url, ErrTooManyRetries)
			self.fireError(ErrTooManyRetries)
			return
		}
		glog.V(1).Infof("[ws]reconnect %s in %s\n", self.url, reconnectDelay)
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (self *ReconnectingSocket) connect() (*websocket.Conn, error) {
	connectCtx, connectCancel := context.WithTimeout(self.ctx, self.settings.ConnectTimeout)
	defer connectCancel()

	ws, _, err := self.dialer.DialContext(connectCtx, self.url, self.settings.RequestHeader)
	if err != nil {
		// the handshake deadline can expire on the conn before the context reports it
		var netErr net.Error
		if errors.Is(connectCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, fmt.Errorf("%w (%s)", ErrConnectTimeout, err)
		}
		return nil, err
	}
	return ws, nil
}

func (self *ReconnectingSocket) nextReconnectDelay() (time.Duration, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.retriesCount += 1
	if 0 < self.settings.MaxRetries && self.settings.MaxRetries < self.retriesCount {
		return 0, false
	}
	if self.reconnectDelay == 0 {
		self.reconnectDelay = self.initReconnectDelay()
	} else {
		self.reconnectDelay = time.Duration(float64(self.reconnectDelay) * self.settings.ReconnectDelayGrowFactor)
	}
	self.reconnectDelay = min(self.reconnectDelay, self.settings.MaxReconnectDelay)
	return self.reconnectDelay, true
}

// min delay plus up to min delay of jitter
func (self *ReconnectingSocket) initReconnectDelay() time.Duration {
	minReconnectDelay := self.settings.MinReconnectDelay
	return minReconnectDelay + time.Duration(mathrand.Float64()*float64(minReconnectDelay))
}

func (self *ReconnectingSocket) serve(ws *websocket.Conn) {
	epoch := &socketEpoch{
		ws: ws,
	}
	open := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.ctx.Err() != nil {
			return false
		}
		self.epoch = epoch
		// the backoff restarts from the initial delay after every successful open
		self.retriesCount = 0
		self.reconnectDelay = 0
		return true
	}()
	if !open {
		ws.Close()
		return
	}

	glog.V(1).Infof("[ws]open %s\n", self.url)
	self.fireOpen()

	closeEvent := self.readLoop(epoch)

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.epoch == epoch {
			self.epoch = nil
		}
	}()
	ws.Close()

	glog.V(1).Infof("[ws]close %s (%d %s)\n", self.url, closeEvent.Code, closeEvent.Reason)
	self.fireClose(epoch, closeEvent)
}

func (self *ReconnectingSocket) readLoop(epoch *socketEpoch) *CloseEvent {
	for {
		if 0 < self.settings.ReadTimeout {
			epoch.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		}
		messageType, message, err := epoch.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return &CloseEvent{
					Code:     closeErr.Code,
					Reason:   closeErr.Text,
					WasClean: true,
				}
			}
			return &CloseEvent{
				Code:     websocket.CloseAbnormalClosure,
				Reason:   err.Error(),
				WasClean: false,
			}
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
		default:
			continue
		}

		switch string(message) {
		case PingPayload:
			glog.V(2).Infof("[ws]ping %s<-\n", self.url)
			self.write(epoch, []byte(PongPayload))
			continue
		case PongPayload:
			continue
		}

		self.fireMessage(message)
	}
}

func (self *ReconnectingSocket) IsOpen() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.epoch != nil
}

func (self *ReconnectingSocket) Send(message []byte) error {
	self.stateLock.Lock()
	epoch := self.epoch
	self.stateLock.Unlock()

	if epoch == nil {
		return newSyncError(ErrorKindNotConnected, "socket is not open")
	}
	return self.write(epoch, message)
}

func (self *ReconnectingSocket) write(epoch *socketEpoch, message []byte) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	epoch.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := epoch.ws.WriteMessage(websocket.TextMessage, message); err != nil {
		// note that for websocket a dealine timeout cannot be recovered
		glog.Infof("[ws]%s-> error = %s\n", self.url, err)
		epoch.ws.Close()
		return err
	}
	return nil
}

// closes the current connection. Unless `KeepClosed` is set the socket reconnects with backoff.
func (self *ReconnectingSocket) Close(options CloseOptions) {
	code := options.Code
	if code == 0 {
		code = websocket.CloseNormalClosure
	}

	self.stateLock.Lock()
	epoch := self.epoch
	self.epoch = nil
	self.stateLock.Unlock()

	if options.KeepClosed {
		self.cancel()
	}

	if epoch == nil {
		return
	}

	epoch.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, options.Reason),
		time.Now().Add(self.settings.WriteTimeout),
	)
	if options.FastClose {
		self.fireClose(epoch, &CloseEvent{
			Code:     code,
			Reason:   options.Reason,
			WasClean: true,
		})
		epoch.ws.Close()
	} else {
		// the reader ends when the peer echoes the close. Drop the connection if it does not.
		time.AfterFunc(self.settings.CloseTimeout, func() {
			epoch.ws.Close()
		})
	}
}

func (self *ReconnectingSocket) fireOpen() {
	for _, openCallback := range self.openCallbacks.Get() {
		HandleError(openCallback)
	}
}

func (self *ReconnectingSocket) fireClose(epoch *socketEpoch, closeEvent *CloseEvent) {
	epoch.closeOnce.Do(func() {
		for _, closeCallback := range self.closeCallbacks.Get() {
			HandleError(func() {
				closeCallback(closeEvent)
			})
		}
	})
}

func (self *ReconnectingSocket) fireMessage(message []byte) {
	for _, messageCallback := range self.messageCallbacks.Get() {
		HandleError(func() {
			messageCallback(message)
		})
	}
}

func (self *ReconnectingSocket) fireError(err error) {
	for _, errorCallback := range self.errorCallbacks.Get() {
		HandleError(func() {
			errorCallback(err)
		})
	}
}
