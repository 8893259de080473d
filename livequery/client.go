package livequery

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/golang/glog"
)

type ClientSettings struct {
	SocketSettings     *SocketSettings
	CorrelatorSettings *CorrelatorSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		SocketSettings:     DefaultSocketSettings(),
		CorrelatorSettings: DefaultCorrelatorSettings(),
	}
}

// runs after each open once the handshake, auth and re-subscribe have been sent
type ReadyFunction func(sessionId Id)

// a sync client. Each open of the socket is a new epoch:
// handshake, then auth with the stored token, then re-subscribe every registered query.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *ClientSettings

	socket     *ReconnectingSocket
	correlator *Correlator
	registry   *SubscriptionRegistry

	stateLock  sync.Mutex
	epoch      uint64
	authToken  string
	sessionId  *Id
	attributes map[string]any

	readyCallbacks *CallbackList[ReadyFunction]
}

func NewClientWithDefaults(ctx context.Context, url string) *Client {
	return NewClient(ctx, url, DefaultClientSettings())
}

func NewClient(ctx context.Context, url string, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	socket := NewReconnectingSocket(cancelCtx, url, settings.SocketSettings)
	correlator := NewCorrelator(cancelCtx, socket, settings.CorrelatorSettings)
	client := &Client{
		ctx:            cancelCtx,
		cancel:         cancel,
		url:            url,
		settings:       settings,
		socket:         socket,
		correlator:     correlator,
		registry:       NewSubscriptionRegistry(correlator),
		readyCallbacks: NewCallbackList[ReadyFunction](),
	}

	socket.AddOpenCallback(client.handleOpen)
	socket.AddCloseCallback(client.handleClose)
	socket.AddMessageCallback(client.handleMessage)
	socket.AddErrorCallback(client.handleError)
	go socket.Run()

	return client
}

func (self *Client) AddReadyCallback(readyCallback ReadyFunction) func() {
	callbackId := self.readyCallbacks.Add(readyCallback)
	return func() {
		self.readyCallbacks.Remove(callbackId)
	}
}

func (self *Client) handleOpen() {
	self.stateLock.Lock()
	self.epoch += 1
	epoch := self.epoch
	self.stateLock.Unlock()

	// calls block on replies, which arrive on the reader goroutine
	go HandleError(func() {
		self.initConnection(epoch)
	})
}

func (self *Client) initConnection(epoch uint64) {
	data, err := self.correlator.Call(self.ctx, EventHandshake, nil)
	if err != nil {
		glog.Infof("[c]handshake %s error = %s\n", self.url, err)
		if self.isEpoch(epoch) {
			// force a reconnect
			self.socket.Close(CloseOptions{
				FastClose: true,
				Reason:    "handshake failed",
			})
		}
		return
	}
	handshakeResult := &HandshakeResult{}
	if err := json.Unmarshal(data, handshakeResult); err != nil {
		glog.Infof("[c]handshake %s result error = %s\n", self.url, err)
	}

	self.stateLock.Lock()
	if self.epoch != epoch {
		self.stateLock.Unlock()
		return
	}
	self.sessionId = &handshakeResult.SessionId
	authToken := self.authToken
	self.stateLock.Unlock()

	glog.V(1).Infof("[c]%s session %s\n", self.url, handshakeResult.SessionId)

	if authToken != "" {
		if _, err := self.authenticate(self.ctx, authToken); err != nil {
			// subscriptions that require auth report it individually
			glog.Infof("[c]auth %s error = %s\n", self.url, err)
		}
	}

	if !self.isEpoch(epoch) {
		return
	}
	self.registry.SetOnline(epoch)

	for _, readyCallback := range self.readyCallbacks.Get() {
		HandleError(func() {
			readyCallback(handshakeResult.SessionId)
		})
	}
}

func (self *Client) isEpoch(epoch uint64) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.epoch == epoch
}

func (self *Client) handleClose(closeEvent *CloseEvent) {
	self.stateLock.Lock()
	epoch := self.epoch
	self.sessionId = nil
	self.attributes = nil
	self.stateLock.Unlock()

	glog.V(1).Infof("[c]%s closed (%d %s)\n", self.url, closeEvent.Code, closeEvent.Reason)
	self.registry.SetOffline(epoch)
}

func (self *Client) handleMessage(messageBytes []byte) {
	message, err := DecodeMessage(messageBytes)
	if err != nil {
		glog.Infof("[c]%s<- %s\n", self.url, err)
		return
	}
	if self.correlator.HandleReply(message) {
		return
	}
	switch message.Event {
	case EventQueryResponse:
		response := &QueryResponse{}
		if err := message.DecodeData(response); err != nil {
			glog.Infof("[c]%s<- %s\n", self.url, err)
			return
		}
		self.registry.ProcessQueryResponse(response)
	case EventQueryError:
		queryError := &QueryError{}
		if err := message.DecodeData(queryError); err != nil {
			glog.Infof("[c]%s<- %s\n", self.url, err)
			return
		}
		self.registry.ProcessQueryError(queryError)
	default:
		glog.V(1).Infof("[c]%s<- unhandled event %q\n", self.url, message.Event)
	}
}

func (self *Client) handleError(err error) {
	glog.V(1).Infof("[c]%s socket error = %s\n", self.url, err)
}

// stores the token for every future open, and authenticates now if open.
// An empty token clears it.
func (self *Client) Authenticate(ctx context.Context, authToken string) (map[string]any, error) {
	self.stateLock.Lock()
	self.authToken = authToken
	if authToken == "" {
		self.attributes = nil
	}
	self.stateLock.Unlock()

	if authToken == "" || !self.socket.IsOpen() {
		return nil, nil
	}
	return self.authenticate(ctx, authToken)
}

func (self *Client) authenticate(ctx context.Context, authToken string) (map[string]any, error) {
	data, err := self.correlator.Call(ctx, EventAuth, &AuthArgs{
		AuthToken: authToken,
	})
	if err != nil {
		return nil, err
	}
	authResult := &AuthResult{}
	if 0 < len(data) {
		if err := json.Unmarshal(data, authResult); err != nil {
			return nil, newSyncError(ErrorKindInvalidMessage, "auth result: %s", err)
		}
	}

	self.stateLock.Lock()
	self.attributes = authResult.Attributes
	self.stateLock.Unlock()

	return authResult.Attributes, nil
}

// the attributes granted by the last successful auth on this connection
func (self *Client) Attributes() map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.attributes
}

// runs a named operation on the server and returns its raw result
func (self *Client) Call(ctx context.Context, operation string, params map[string]any) (json.RawMessage, error) {
	return self.correlator.Call(ctx, EventCall, &CallArgs{
		Operation: operation,
		Params:    params,
	})
}

func (self *Client) RegisterField(field string, spec *FieldSpec) *RegisteredQuery {
	return self.registry.Register(field, spec)
}

func (self *Client) UnregisterField(query *RegisteredQuery) {
	self.registry.Unregister(query)
}

func (self *Client) Queries() []*RegisteredQuery {
	return self.registry.Queries()
}

func (self *Client) IsOpen() bool {
	return self.socket.IsOpen()
}

func (self *Client) SessionId() (Id, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.sessionId == nil {
		return Id{}, false
	}
	return *self.sessionId, true
}

func (self *Client) Close() {
	self.cancel()
	self.socket.Close(CloseOptions{
		KeepClosed: true,
	})
	self.correlator.Close()
}

// the fields owned by one component. Closing the group unregisters all of them.
type FieldGroup struct {
	client *Client

	stateLock sync.Mutex
	queries   map[string]*RegisteredQuery
	closed    bool
}

func (self *Client) NewFieldGroup() *FieldGroup {
	return &FieldGroup{
		client:  self,
		queries: map[string]*RegisteredQuery{},
	}
}

// registering a field again replaces the previous query for it
func (self *FieldGroup) Register(field string, spec *FieldSpec) *RegisteredQuery {
	query := self.client.RegisterField(field, spec)

	self.stateLock.Lock()
	closed := self.closed
	var replaced *RegisteredQuery
	if !closed {
		replaced = self.queries[field]
		self.queries[field] = query
	}
	self.stateLock.Unlock()

	if closed {
		self.client.UnregisterField(query)
	} else if replaced != nil {
		self.client.UnregisterField(replaced)
	}
	return query
}

func (self *FieldGroup) Field(field string) (*RegisteredQuery, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	query, ok := self.queries[field]
	return query, ok
}

func (self *FieldGroup) Close() {
	self.stateLock.Lock()
	queries := self.queries
	self.queries = map[string]*RegisteredQuery{}
	self.closed = true
	self.stateLock.Unlock()

	for _, query := range queries {
		self.client.UnregisterField(query)
	}
}
