package livequery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testClientSettings() *ClientSettings {
	settings := DefaultClientSettings()
	settings.SocketSettings.MinReconnectDelay = 50 * time.Millisecond
	settings.SocketSettings.MaxReconnectDelay = 200 * time.Millisecond
	settings.SocketSettings.ConnectTimeout = time.Second
	return settings
}

func websocketUrl(httpServer *httptest.Server) string {
	return "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

func TestClientLiveCollection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table := NewMemoryTable("id")
	table.Put(Record{"id": 1, "rank": 2})
	table.Put(Record{"id": 2, "rank": 1})

	server := NewServerWithDefaults(ctx, testCatalog(table), nil, nil)
	defer server.Close()
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	client := NewClient(ctx, websocketUrl(httpServer), testClientSettings())
	defer client.Close()

	listener := &testListener{}
	query := client.RegisterField("items", &FieldSpec{
		Kind:     QueryKindCollection,
		Query:    "items",
		Listener: listener,
	})

	waitFor(t, 2*time.Second, func() bool {
		return query.State() == QueryStateReady
	})
	assert.Equal(t, query.Entries(), []Record{
		{"id": float64(2), "rank": float64(1)},
		{"id": float64(1), "rank": float64(2)},
	})

	// a move
	table.Put(Record{"id": 1, "rank": 0})
	waitFor(t, 2*time.Second, func() bool {
		entries := query.Entries()
		return len(entries) == 2 && entries[0]["id"] == float64(1)
	})
	assert.Equal(t, query.Entries(), []Record{
		{"id": float64(1), "rank": float64(0)},
		{"id": float64(2), "rank": float64(1)},
	})

	table.Delete(2)
	table.Put(Record{"id": 3, "rank": 5})
	waitFor(t, 2*time.Second, func() bool {
		entries := query.Entries()
		return len(entries) == 2 && entries[1]["id"] == float64(3)
	})
	assert.Equal(t, query.Entries(), []Record{
		{"id": float64(1), "rank": float64(0)},
		{"id": float64(3), "rank": float64(5)},
	})
	assert.Equal(t, len(listener.Errors()), 0)

	client.UnregisterField(query)
	assert.Equal(t, query.Entries(), []Record{})
}

func TestClientLiveValue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table := NewMemoryTable("id")
	server := NewServerWithDefaults(ctx, testCatalog(table), nil, nil)
	defer server.Close()
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	client := NewClient(ctx, websocketUrl(httpServer), testClientSettings())
	defer client.Close()

	group := client.NewFieldGroup()
	query := group.Register("item", &FieldSpec{
		Kind:  QueryKindValue,
		Query: "item",
		Params: map[string]any{
			"id": 5,
		},
	})
	waitFor(t, 2*time.Second, func() bool {
		return query.State() == QueryStateReady
	})
	assert.Equal(t, query.Value(), Record{})

	table.Put(Record{"id": 5, "name": "a"})
	waitFor(t, 2*time.Second, func() bool {
		return query.Value()["name"] == "a"
	})

	field, ok := group.Field("item")
	assert.Equal(t, ok, true)
	assert.Equal(t, field, query)

	group.Close()
	assert.Equal(t, query.Value(), Record{})
	assert.Equal(t, len(client.Queries()), 0)
}

func TestClientReconnectResubscribes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table := NewMemoryTable("id")
	table.Put(Record{"id": 1, "rank": 1})

	var openLock sync.Mutex
	openCount := 0
	catalog := NewQueryCatalog()
	items := table.OrderedQuery(OrderByField("rank", false), 0, nil)
	catalog.AddCollection("items", func(ctx context.Context, session *Session, params map[string]any) (Cursor, error) {
		openLock.Lock()
		openCount += 1
		openLock.Unlock()
		return items(ctx, session, params)
	})
	opens := func() int {
		openLock.Lock()
		defer openLock.Unlock()
		return openCount
	}

	server := NewServerWithDefaults(ctx, catalog, nil, nil)
	defer server.Close()
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	client := NewClient(ctx, websocketUrl(httpServer), testClientSettings())
	defer client.Close()

	listener := &testListener{}
	a := client.RegisterField("a", &FieldSpec{
		Query:    "items",
		Listener: listener,
	})
	b := client.RegisterField("b", &FieldSpec{
		Query:    "items",
		Listener: listener,
	})
	waitFor(t, 2*time.Second, func() bool {
		return a.State() == QueryStateReady && b.State() == QueryStateReady
	})
	assert.Equal(t, opens(), 2)
	firstSessionId, ok := client.SessionId()
	assert.Equal(t, ok, true)

	// drop the connection without keeping it closed
	client.socket.Close(CloseOptions{
		FastClose: true,
	})

	waitFor(t, 3*time.Second, func() bool {
		sessionId, ok := client.SessionId()
		return ok && sessionId != firstSessionId && opens() == 4
	})
	waitFor(t, 2*time.Second, func() bool {
		return a.State() == QueryStateReady && b.State() == QueryStateReady
	})

	// same ids, no duplicate registration
	queries := client.Queries()
	assert.Equal(t, len(queries), 2)
	assert.Equal(t, queries[0].QueryId, a.QueryId)
	assert.Equal(t, queries[1].QueryId, b.QueryId)
	assert.Equal(t, len(listener.Errors()), 0)
	assert.Equal(t, a.Entries(), []Record{{"id": float64(1), "rank": float64(1)}})
	assert.Equal(t, b.Entries(), []Record{{"id": float64(1), "rank": float64(1)}})
}

func TestClientAuth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secretKey := []byte("test-secret")
	settings := DefaultServerSettings()
	settings.AuthRequired = true
	server := NewServer(ctx, testCatalog(NewMemoryTable("id")), nil, NewJwtAuthorizer(secretKey), settings)
	defer server.Close()
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	client := NewClient(ctx, websocketUrl(httpServer), testClientSettings())
	defer client.Close()

	listener := &testListener{}
	query := client.RegisterField("items", &FieldSpec{
		Query:    "items",
		Listener: listener,
	})
	waitFor(t, 2*time.Second, func() bool {
		return len(listener.Errors()) == 1
	})
	assert.Equal(t, errors.Is(listener.Errors()[0], ErrAuthRequired), true)
	assert.Equal(t, query.State(), QueryStateError)

	_, err := client.Authenticate(ctx, "not a token")
	assert.Equal(t, errors.Is(err, ErrAuthFailed), true)

	token, err := NewJwt(secretKey, map[string]any{
		"sub": "user-1",
	})
	assert.Equal(t, err, nil)
	attributes, err := client.Authenticate(ctx, token)
	assert.Equal(t, err, nil)
	assert.Equal(t, attributes["sub"], "user-1")
	assert.Equal(t, client.Attributes()["sub"], "user-1")

	client.UnregisterField(query)
	query = client.RegisterField("items", &FieldSpec{
		Query:    "items",
		Listener: listener,
	})
	waitFor(t, 2*time.Second, func() bool {
		return query.State() == QueryStateReady
	})
	assert.Equal(t, len(listener.Errors()), 1)
}

func TestClientCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	operations := NewOperationCatalog()
	operations.Add("echo", func(ctx context.Context, session *Session, params map[string]any) (any, error) {
		return params, nil
	})
	operations.Add("fail", func(ctx context.Context, session *Session, params map[string]any) (any, error) {
		return nil, errors.New("no")
	})
	server := NewServerWithDefaults(ctx, NewQueryCatalog(), operations, nil)
	defer server.Close()
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	client := NewClient(ctx, websocketUrl(httpServer), testClientSettings())
	defer client.Close()
	waitFor(t, 2*time.Second, func() bool {
		_, ok := client.SessionId()
		return ok
	})

	data, err := client.Call(ctx, "echo", map[string]any{
		"a": "b",
	})
	assert.Equal(t, err, nil)
	result := map[string]any{}
	err = json.Unmarshal(data, &result)
	assert.Equal(t, err, nil)
	assert.Equal(t, result, map[string]any{"a": "b"})

	_, err = client.Call(ctx, "fail", nil)
	assert.Equal(t, errors.Is(err, ErrOperationFailed), true)

	_, err = client.Call(ctx, "missing", nil)
	assert.Equal(t, errors.Is(err, ErrUnknownOperation), true)

	// auth is not configured
	_, err = client.Authenticate(ctx, "token")
	assert.Equal(t, errors.Is(err, ErrAuthFailed), true)
}

func TestClientNotConnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// nothing listens here
	httpServer := httptest.NewServer(nil)
	url := websocketUrl(httpServer)
	httpServer.Close()

	client := NewClient(ctx, url, testClientSettings())
	defer client.Close()

	_, err := client.Call(ctx, "echo", nil)
	assert.Equal(t, errors.Is(err, ErrNotConnected), true)

	// registration is kept until the connection opens
	query := client.RegisterField("items", &FieldSpec{
		Query: "items",
	})
	assert.Equal(t, query.State(), QueryStateInitializing)
	assert.Equal(t, len(client.Queries()), 1)
}
