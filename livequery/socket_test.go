package livequery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-playground/assert/v2"
)

// pings each connection, then sends "hello", then echoes.
// With `dropFirst` the first connection is closed by the server after the hello.
type testEchoServer struct {
	dropFirst bool

	stateLock   sync.Mutex
	connections int
	pongs       int
	received    []string
}

func (self *testEchoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := &websocket.Upgrader{}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	self.stateLock.Lock()
	self.connections += 1
	connection := self.connections
	self.stateLock.Unlock()

	ws.WriteMessage(websocket.TextMessage, []byte(PingPayload))
	ws.WriteMessage(websocket.TextMessage, []byte("hello"))
	if self.dropFirst && connection == 1 {
		return
	}

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		self.stateLock.Lock()
		if string(message) == PongPayload {
			self.pongs += 1
		} else {
			self.received = append(self.received, string(message))
		}
		self.stateLock.Unlock()
		if string(message) != PongPayload {
			ws.WriteMessage(messageType, message)
		}
	}
}

func (self *testEchoServer) Connections() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connections
}

func (self *testEchoServer) Pongs() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.pongs
}

type testSocketEvents struct {
	stateLock sync.Mutex
	opens     int
	closes    int
	messages  []string
	errs      []error
}

func (self *testSocketEvents) listen(socket *ReconnectingSocket) {
	socket.AddOpenCallback(func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.opens += 1
	})
	socket.AddCloseCallback(func(closeEvent *CloseEvent) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.closes += 1
	})
	socket.AddMessageCallback(func(message []byte) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.messages = append(self.messages, string(message))
	})
	socket.AddErrorCallback(func(err error) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.errs = append(self.errs, err)
	})
}

func (self *testSocketEvents) Counts() (opens int, closes int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.opens, self.closes
}

func (self *testSocketEvents) Messages() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]string{}, self.messages...)
}

func (self *testSocketEvents) Errors() []error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]error{}, self.errs...)
}

func testSocketSettings() *SocketSettings {
	settings := DefaultSocketSettings()
	settings.MinReconnectDelay = 20 * time.Millisecond
	settings.MaxReconnectDelay = 100 * time.Millisecond
	settings.ConnectTimeout = time.Second
	settings.CloseTimeout = 200 * time.Millisecond
	return settings
}

func TestSocketPingNotSurfaced(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echoServer := &testEchoServer{}
	httpServer := httptest.NewServer(echoServer)
	defer httpServer.Close()

	socket := NewReconnectingSocket(ctx, websocketUrl(httpServer), testSocketSettings())
	events := &testSocketEvents{}
	events.listen(socket)
	go socket.Run()
	defer socket.Close(CloseOptions{KeepClosed: true})

	waitFor(t, 2*time.Second, func() bool {
		return len(events.Messages()) == 1 && echoServer.Pongs() == 1
	})

	err := socket.Send([]byte("a"))
	assert.Equal(t, err, nil)
	waitFor(t, 2*time.Second, func() bool {
		return len(events.Messages()) == 2
	})
	assert.Equal(t, events.Messages(), []string{"hello", "a"})
}

func TestSocketReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echoServer := &testEchoServer{
		dropFirst: true,
	}
	httpServer := httptest.NewServer(echoServer)
	defer httpServer.Close()

	socket := NewReconnectingSocket(ctx, websocketUrl(httpServer), testSocketSettings())
	events := &testSocketEvents{}
	events.listen(socket)
	go socket.Run()
	defer socket.Close(CloseOptions{KeepClosed: true})

	waitFor(t, 2*time.Second, func() bool {
		opens, closes := events.Counts()
		return opens == 2 && closes == 1 && socket.IsOpen()
	})
	assert.Equal(t, echoServer.Connections(), 2)
	// the listeners carried over to the new connection
	err := socket.Send([]byte("a"))
	assert.Equal(t, err, nil)
	waitFor(t, 2*time.Second, func() bool {
		messages := events.Messages()
		return 0 < len(messages) && messages[len(messages)-1] == "a"
	})
}

func TestSocketKeepClosed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echoServer := &testEchoServer{}
	httpServer := httptest.NewServer(echoServer)
	defer httpServer.Close()

	socket := NewReconnectingSocket(ctx, websocketUrl(httpServer), testSocketSettings())
	events := &testSocketEvents{}
	events.listen(socket)
	go socket.Run()

	waitFor(t, 2*time.Second, socket.IsOpen)

	socket.Close(CloseOptions{
		KeepClosed: true,
	})
	assert.Equal(t, socket.IsOpen(), false)
	waitFor(t, 2*time.Second, func() bool {
		_, closes := events.Counts()
		return closes == 1
	})

	time.Sleep(200 * time.Millisecond)
	opens, closes := events.Counts()
	assert.Equal(t, opens, 1)
	assert.Equal(t, closes, 1)
	assert.Equal(t, echoServer.Connections(), 1)

	err := socket.Send([]byte("a"))
	assert.Equal(t, errors.Is(err, ErrNotConnected), true)
}

func TestSocketFastClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echoServer := &testEchoServer{}
	httpServer := httptest.NewServer(echoServer)
	defer httpServer.Close()

	socket := NewReconnectingSocket(ctx, websocketUrl(httpServer), testSocketSettings())
	events := &testSocketEvents{}
	events.listen(socket)
	go socket.Run()
	defer socket.Close(CloseOptions{KeepClosed: true})

	waitFor(t, 2*time.Second, socket.IsOpen)

	socket.Close(CloseOptions{
		FastClose: true,
	})
	// notified before the round trip
	_, closes := events.Counts()
	assert.Equal(t, closes, 1)

	// reconnects, and the close of the old connection is not notified again
	waitFor(t, 2*time.Second, func() bool {
		opens, _ := events.Counts()
		return opens == 2
	})
	_, closes = events.Counts()
	assert.Equal(t, closes, 1)
}

func TestSocketMaxRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	httpServer := httptest.NewServer(http.NotFoundHandler())
	url := websocketUrl(httpServer)
	httpServer.Close()

	settings := testSocketSettings()
	settings.MaxRetries = 2
	socket := NewReconnectingSocket(ctx, url, settings)
	events := &testSocketEvents{}
	events.listen(socket)

	// returns once retries are exhausted
	socket.Run()

	errs := events.Errors()
	assert.Equal(t, len(errs), 4)
	assert.Equal(t, errors.Is(errs[3], ErrTooManyRetries), true)
	opens, _ := events.Counts()
	assert.Equal(t, opens, 0)
}

func TestSocketBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	socket := NewReconnectingSocket(ctx, "ws://127.0.0.1:0", &SocketSettings{
		MinReconnectDelay:        100 * time.Millisecond,
		MaxReconnectDelay:        400 * time.Millisecond,
		ReconnectDelayGrowFactor: 2,
		ConnectTimeout:           time.Second,
	})

	delay, ok := socket.nextReconnectDelay()
	assert.Equal(t, ok, true)
	assert.Equal(t, 100*time.Millisecond <= delay && delay <= 200*time.Millisecond, true)

	previousDelay := delay
	for range 8 {
		delay, ok = socket.nextReconnectDelay()
		assert.Equal(t, ok, true)
		assert.Equal(t, previousDelay <= delay, true)
		assert.Equal(t, delay <= 400*time.Millisecond, true)
		previousDelay = delay
	}
	assert.Equal(t, delay, 400*time.Millisecond)
}

// accepts tcp connections and never answers the upgrade
type testSilentListener struct {
	listener net.Listener

	stateLock sync.Mutex
	conns     []net.Conn
}

func newTestSilentListener(t *testing.T) *testSilentListener {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Equal(t, err, nil)
	silentListener := &testSilentListener{
		listener: listener,
	}
	go silentListener.run()
	t.Cleanup(silentListener.Close)
	return silentListener
}

func (self *testSilentListener) run() {
	for {
		conn, err := self.listener.Accept()
		if err != nil {
			return
		}
		self.stateLock.Lock()
		self.conns = append(self.conns, conn)
		self.stateLock.Unlock()
	}
}

func (self *testSilentListener) Accepted() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.conns)
}

func (self *testSilentListener) Close() {
	self.listener.Close()
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, conn := range self.conns {
		conn.Close()
	}
}

func TestSocketConnectTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	silentListener := newTestSilentListener(t)
	url := fmt.Sprintf("ws://%s/sync", silentListener.listener.Addr())

	settings := testSocketSettings()
	settings.ConnectTimeout = 100 * time.Millisecond
	settings.MaxRetries = 1
	socket := NewReconnectingSocket(ctx, url, settings)
	events := &testSocketEvents{}
	events.listen(socket)

	start := time.Now()
	// returns once retries are exhausted
	socket.Run()
	assert.Equal(t, time.Since(start) < 5*time.Second, true)

	errs := events.Errors()
	assert.Equal(t, len(errs), 3)
	assert.Equal(t, errors.Is(errs[0], ErrConnectTimeout), true)
	assert.Equal(t, errors.Is(errs[1], ErrConnectTimeout), true)
	assert.Equal(t, errors.Is(errs[2], ErrTooManyRetries), true)
	opens, _ := events.Counts()
	assert.Equal(t, opens, 0)

	// each attempt dialed again
	waitFor(t, time.Second, func() bool {
		return silentListener.Accepted() == 2
	})
}
