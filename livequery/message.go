package livequery

import (
	"encoding/json"
	"fmt"
)

// wire envelope, both directions:
//   { correlationId?: int, event: string, data?: object, error?: {kind, message} }
// a reply to an acknowledged call carries the same `correlationId` and the payload in `data`.
// Ping and pong are bare text frames and never decoded as envelopes.

const PingPayload = "#1"
const PongPayload = "#2"

type EventName string

const (
	// client -> server
	EventHandshake        EventName = "#handshake"
	EventAuth             EventName = "auth"
	EventSubscribeQuery   EventName = "subscribeQuery"
	EventUnsubscribeQuery EventName = "unsubscribeQuery"
	EventCall             EventName = "call"

	// server -> client
	EventQueryResponse EventName = "queryResponse"
	EventQueryError    EventName = "queryError"
)

// zero means no reply is expected
type CorrelationId = int64

// zero is never a valid query id
type QueryId int64

type Message struct {
	CorrelationId CorrelationId   `json:"correlationId,omitempty"`
	Event         EventName       `json:"event,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         *ErrorMessage   `json:"error,omitempty"`
}

func NewMessage(event EventName, data any) (*Message, error) {
	dataBytes, err := encodeData(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		Event: event,
		Data:  dataBytes,
	}, nil
}

func NewReply(correlationId CorrelationId, data any) (*Message, error) {
	dataBytes, err := encodeData(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		CorrelationId: correlationId,
		Data:          dataBytes,
	}, nil
}

func NewErrorReply(correlationId CorrelationId, err error, defaultKind ErrorKind) *Message {
	return &Message{
		CorrelationId: correlationId,
		Error:         NewErrorMessage(err, defaultKind),
	}
}

func encodeData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(data)
}

func EncodeMessage(message *Message) ([]byte, error) {
	return json.Marshal(message)
}

func DecodeMessage(messageBytes []byte) (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(messageBytes, message); err != nil {
		return nil, newSyncError(ErrorKindInvalidMessage, "%s", err)
	}
	return message, nil
}

// decodes the message data into `v`. A message with no data leaves `v` untouched.
func (self *Message) DecodeData(v any) error {
	if len(self.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(self.Data, v); err != nil {
		return newSyncError(ErrorKindInvalidMessage, "%s data: %s", self.Event, err)
	}
	return nil
}

type QueryKind string

const (
	QueryKindValue      QueryKind = "value"
	QueryKindCollection QueryKind = "collection"
)

func (self QueryKind) Valid() bool {
	switch self {
	case QueryKindValue, QueryKindCollection:
		return true
	default:
		return false
	}
}

type ChangeType string

const (
	ChangeTypeAdd       ChangeType = "add"
	ChangeTypeRemove    ChangeType = "remove"
	ChangeTypeChange    ChangeType = "change"
	ChangeTypeState     ChangeType = "state"
	ChangeTypeInitial   ChangeType = "initial"
	ChangeTypeUninitial ChangeType = "uninitial"
)

// feed state labels carried by `state` changes
const (
	FeedStateInitializing = "initializing"
	FeedStateReady        = "ready"
)

// a record in a mirror. Collections locate records by an identity key field.
type Record = map[string]any

// one change notification of a changefeed.
// A move is a `change` with both offsets present.
type Change struct {
	Type      ChangeType `json:"type"`
	NewValue  Record     `json:"newValue,omitempty"`
	OldValue  Record     `json:"oldValue,omitempty"`
	NewOffset *int       `json:"newOffset,omitempty"`
	OldOffset *int       `json:"oldOffset,omitempty"`
	State     string     `json:"state,omitempty"`
}

func Offset(offset int) *int {
	return &offset
}

func StateChange(state string) *Change {
	return &Change{
		Type:  ChangeTypeState,
		State: state,
	}
}

func (self *Change) String() string {
	changeJson, err := json.Marshal(self)
	if err != nil {
		return fmt.Sprintf("%s(?)", self.Type)
	}
	return string(changeJson)
}

type HandshakeResult struct {
	SessionId Id `json:"sessionId"`
}

type AuthArgs struct {
	AuthToken string `json:"authToken"`
}

type AuthResult struct {
	Attributes map[string]any `json:"attributes,omitempty"`
}

type SubscribeQueryArgs struct {
	QueryId QueryId        `json:"queryId"`
	Kind    QueryKind      `json:"kind,omitempty"`
	Query   string         `json:"query"`
	Params  map[string]any `json:"params,omitempty"`
}

type UnsubscribeQueryArgs struct {
	QueryId QueryId `json:"queryId"`
}

type CallArgs struct {
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
}

type QueryResponse struct {
	QueryId QueryId   `json:"queryId"`
	Kind    QueryKind `json:"kind,omitempty"`
	Change  *Change   `json:"change"`
}

type QueryError struct {
	QueryId QueryId       `json:"queryId"`
	Error   *ErrorMessage `json:"error"`
}
