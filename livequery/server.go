package livequery

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// the server side of the sync protocol. Each websocket connection gets one `Session`,
// a reader that dispatches the closed set of client events, and a single writer that owns
// every write to the socket.

type ServerSettings struct {
	// when true, `subscribeQuery` and `call` fail with `AuthRequired` until the session authenticates
	AuthRequired     bool
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	QueryOpenTimeout time.Duration
	SendBufferSize   int
	ReadLimit        int64
	CheckOrigin      func(r *http.Request) bool
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		AuthRequired:     false,
		HandshakeTimeout: 5 * time.Second,
		PingInterval:     10 * time.Second,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     5 * time.Second,
		QueryOpenTimeout: 10 * time.Second,
		SendBufferSize:   32,
		ReadLimit:        1024 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ServerSettings

	upgrader    *websocket.Upgrader
	multiplexer *Multiplexer
	operations  *OperationCatalog
	authorizer  Authorizer
}

func NewServerWithDefaults(
	ctx context.Context,
	catalog *QueryCatalog,
	operations *OperationCatalog,
	authorizer Authorizer,
) *Server {
	return NewServer(ctx, catalog, operations, authorizer, DefaultServerSettings())
}

func NewServer(
	ctx context.Context,
	catalog *QueryCatalog,
	operations *OperationCatalog,
	authorizer Authorizer,
	settings *ServerSettings,
) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	if operations == nil {
		operations = NewOperationCatalog()
	}
	multiplexer := NewMultiplexer(cancelCtx, catalog, &MultiplexerSettings{
		AuthRequired: settings.AuthRequired,
		OpenTimeout:  settings.QueryOpenTimeout,
	})
	return &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.HandshakeTimeout,
			CheckOrigin:      settings.CheckOrigin,
		},
		multiplexer: multiplexer,
		operations:  operations,
		authorizer:  authorizer,
	}
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied with an http error
		glog.V(1).Infof("[s]upgrade error = %s\n", err)
		return
	}
	conn := newServerConn(self.ctx, self, ws)
	conn.run()
}

func (self *Server) Close() {
	self.cancel()
}

type eventHandler func(message *Message) (any, error)

type serverConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	server  *Server
	ws      *websocket.Conn
	session *Session

	send     chan []byte
	handlers map[EventName]eventHandler
}

func newServerConn(ctx context.Context, server *Server, ws *websocket.Conn) *serverConn {
	cancelCtx, cancel := context.WithCancel(ctx)
	conn := &serverConn{
		ctx:     cancelCtx,
		cancel:  cancel,
		server:  server,
		ws:      ws,
		session: NewSession(),
		send:    make(chan []byte, server.settings.SendBufferSize),
	}
	conn.handlers = map[EventName]eventHandler{
		EventHandshake:        conn.handshake,
		EventAuth:             conn.auth,
		EventSubscribeQuery:   conn.subscribeQuery,
		EventUnsubscribeQuery: conn.unsubscribeQuery,
		EventCall:             conn.call,
	}
	return conn
}

func (self *serverConn) run() {
	sessionId := self.session.SessionId
	glog.V(1).Infof("[s]%s connected from %s\n", sessionId, self.ws.RemoteAddr())
	defer func() {
		self.cancel()
		self.session.Close()
		self.ws.Close()
		glog.V(1).Infof("[s]%s disconnected\n", sessionId)
	}()

	self.ws.SetReadLimit(self.server.settings.ReadLimit)

	go func() {
		// unblock the reader when the writer or the server ends
		<-self.ctx.Done()
		self.ws.Close()
	}()
	go self.writeLoop()

	self.readLoop()
}

func (self *serverConn) readLoop() {
	sessionId := self.session.SessionId
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.server.settings.ReadTimeout))
		messageType, messageBytes, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[sr]%s<- error = %s\n", sessionId, err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
		default:
			glog.V(2).Infof("[sr]other=%d %s<-\n", messageType, sessionId)
			continue
		}

		switch string(messageBytes) {
		case PingPayload:
			self.enqueue(self.ctx, []byte(PongPayload))
			continue
		case PongPayload:
			continue
		}

		message, err := DecodeMessage(messageBytes)
		if err != nil {
			glog.Infof("[sr]%s<- %s\n", sessionId, err)
			continue
		}
		glog.V(2).Infof("[sr]%s<- %s\n", sessionId, message.Event)
		self.handle(message)
	}
}

func (self *serverConn) writeLoop() {
	defer self.cancel()

	sessionId := self.session.SessionId
	for {
		select {
		case <-self.ctx.Done():
			return
		case frame := <-self.send:
			if err := self.write(frame); err != nil {
				// note that for websocket a dealine timeout cannot be recovered
				glog.Infof("[sw]%s-> error = %s\n", sessionId, err)
				return
			}
		case <-time.After(self.server.settings.PingInterval):
			if err := self.write([]byte(PingPayload)); err != nil {
				glog.Infof("[sw]ping %s-> error = %s\n", sessionId, err)
				return
			}
		}
	}
}

func (self *serverConn) write(frame []byte) error {
	self.ws.SetWriteDeadline(time.Now().Add(self.server.settings.WriteTimeout))
	return self.ws.WriteMessage(websocket.TextMessage, frame)
}

func (self *serverConn) enqueue(ctx context.Context, frame []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return self.ctx.Err()
	case self.send <- frame:
		return nil
	}
}

func (self *serverConn) sendMessage(ctx context.Context, message *Message) error {
	frame, err := EncodeMessage(message)
	if err != nil {
		return err
	}
	return self.enqueue(ctx, frame)
}

func (self *serverConn) handle(message *Message) {
	var result any
	var err error
	if handler, ok := self.handlers[message.Event]; ok {
		result, err = handler(message)
	} else {
		err = newSyncError(ErrorKindInvalidMessage, "unknown event %q", message.Event)
	}
	if err != nil {
		glog.V(1).Infof("[s]%s %s error = %s\n", self.session.SessionId, message.Event, err)
	}

	if message.CorrelationId == 0 {
		// no reply expected
		return
	}
	var reply *Message
	if err == nil {
		reply, err = NewReply(message.CorrelationId, result)
	}
	if err != nil {
		reply = NewErrorReply(message.CorrelationId, err, ErrorKindOperationFailed)
	}
	self.sendMessage(self.ctx, reply)
}

func (self *serverConn) handshake(message *Message) (any, error) {
	glog.V(1).Infof("[s]%s handshake\n", self.session.SessionId)
	return &HandshakeResult{
		SessionId: self.session.SessionId,
	}, nil
}

func (self *serverConn) auth(message *Message) (any, error) {
	args := &AuthArgs{}
	if err := message.DecodeData(args); err != nil {
		return nil, err
	}
	if self.server.authorizer == nil {
		return nil, newSyncError(ErrorKindAuthFailed, "authentication is not configured")
	}
	attributes, err := self.server.authorizer.Authorize(self.ctx, args.AuthToken)
	if err != nil {
		glog.Infof("[s]%s auth error = %s\n", self.session.SessionId, err)
		return nil, wrapSyncError(ErrorKindAuthFailed, 0, err)
	}
	self.session.Authorize(attributes)
	return &AuthResult{
		Attributes: self.session.Attributes(),
	}, nil
}

func (self *serverConn) subscribeQuery(message *Message) (any, error) {
	args := &SubscribeQueryArgs{}
	if err := message.DecodeData(args); err != nil {
		return nil, err
	}
	if err := self.server.multiplexer.SubscribeQuery(self.session, args, self); err != nil {
		return nil, err
	}
	return nil, nil
}

func (self *serverConn) unsubscribeQuery(message *Message) (any, error) {
	args := &UnsubscribeQueryArgs{}
	if err := message.DecodeData(args); err != nil {
		return nil, err
	}
	if err := self.server.multiplexer.UnsubscribeQuery(self.session, args.QueryId); err != nil {
		return nil, err
	}
	return nil, nil
}

func (self *serverConn) call(message *Message) (any, error) {
	args := &CallArgs{}
	if err := message.DecodeData(args); err != nil {
		return nil, err
	}
	if self.server.settings.AuthRequired && !self.session.Valid() {
		return nil, newSyncError(ErrorKindAuthRequired, "authenticate before calling %s", args.Operation)
	}
	operation, ok := self.server.operations.lookup(args.Operation)
	if !ok {
		return nil, newSyncError(ErrorKindUnknownOperation, "%s", args.Operation)
	}

	var result any
	var err error
	if r := HandleError(func() {
		result, err = operation(self.ctx, self.session, cloneParams(args.Params))
	}); r != nil {
		err = fmt.Errorf("%v", r)
	}
	if err != nil {
		if _, ok := ErrorKindOf(err); ok {
			return nil, err
		}
		return nil, wrapSyncError(ErrorKindOperationFailed, 0, err)
	}
	return result, nil
}

// `ChangeSink` implementation

func (self *serverConn) SendQueryResponse(ctx context.Context, response *QueryResponse) error {
	message, err := NewMessage(EventQueryResponse, response)
	if err != nil {
		return err
	}
	return self.sendMessage(ctx, message)
}

func (self *serverConn) SendQueryError(ctx context.Context, queryError *QueryError) error {
	message, err := NewMessage(EventQueryError, queryError)
	if err != nil {
		return err
	}
	return self.sendMessage(ctx, message)
}
