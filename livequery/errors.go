package livequery

import (
	"errors"
	"fmt"
	"strings"
)

// every failure that crosses a package or wire boundary is a `*SyncError`.
// Compare with `errors.Is` against the sentinel for the kind, e.g. `errors.Is(err, ErrAuthRequired)`.

type ErrorKind string

const (
	// validation errors, reported to the caller through the reply
	ErrorKindAuthRequired              ErrorKind = "AuthRequired"
	ErrorKindAuthFailed                ErrorKind = "AuthFailed"
	ErrorKindDuplicateOrMissingQueryId ErrorKind = "DuplicateOrMissingQueryId"
	ErrorKindUnknownQuery              ErrorKind = "UnknownQuery"
	ErrorKindUnknownQueryId            ErrorKind = "UnknownQueryId"
	ErrorKindUnknownOperation          ErrorKind = "UnknownOperation"
	ErrorKindInvalidMessage            ErrorKind = "InvalidMessage"

	// terminates one subscription or one call
	ErrorKindQueryExecutionError ErrorKind = "QueryExecutionError"
	ErrorKindOperationFailed     ErrorKind = "OperationFailed"

	// local to the client
	ErrorKindNotConnected    ErrorKind = "NotConnected"
	ErrorKindRequestTimedOut ErrorKind = "RequestTimedOut"

	// contract violations of the change stream. These are fatal for the mirror.
	ErrorKindInconsistentDiff       ErrorKind = "InconsistentDiff"
	ErrorKindUnrecognizedChangeType ErrorKind = "UnrecognizedChangeType"
)

var (
	ErrAuthRequired              = &SyncError{Kind: ErrorKindAuthRequired}
	ErrAuthFailed                = &SyncError{Kind: ErrorKindAuthFailed}
	ErrDuplicateOrMissingQueryId = &SyncError{Kind: ErrorKindDuplicateOrMissingQueryId}
	ErrUnknownQuery              = &SyncError{Kind: ErrorKindUnknownQuery}
	ErrUnknownQueryId            = &SyncError{Kind: ErrorKindUnknownQueryId}
	ErrUnknownOperation          = &SyncError{Kind: ErrorKindUnknownOperation}
	ErrInvalidMessage            = &SyncError{Kind: ErrorKindInvalidMessage}
	ErrQueryExecutionError       = &SyncError{Kind: ErrorKindQueryExecutionError}
	ErrOperationFailed           = &SyncError{Kind: ErrorKindOperationFailed}
	ErrNotConnected              = &SyncError{Kind: ErrorKindNotConnected}
	ErrRequestTimedOut           = &SyncError{Kind: ErrorKindRequestTimedOut}
	ErrInconsistentDiff          = &SyncError{Kind: ErrorKindInconsistentDiff}
	ErrUnrecognizedChangeType    = &SyncError{Kind: ErrorKindUnrecognizedChangeType}
)

type SyncError struct {
	Kind ErrorKind
	// zero when the error is not tied to a subscription
	QueryId QueryId
	Message string
	Err     error
}

func newSyncError(kind ErrorKind, format string, a ...any) *SyncError {
	return &SyncError{
		Kind:    kind,
		Message: fmt.Sprintf(format, a...),
	}
}

func newQuerySyncError(kind ErrorKind, queryId QueryId, format string, a ...any) *SyncError {
	return &SyncError{
		Kind:    kind,
		QueryId: queryId,
		Message: fmt.Sprintf(format, a...),
	}
}

func wrapSyncError(kind ErrorKind, queryId QueryId, err error) *SyncError {
	return &SyncError{
		Kind:    kind,
		QueryId: queryId,
		Err:     err,
	}
}

func (self *SyncError) Error() string {
	var b strings.Builder
	b.WriteString(string(self.Kind))
	if self.QueryId != 0 {
		fmt.Fprintf(&b, " (query %d)", self.QueryId)
	}
	if self.Message != "" {
		b.WriteString(": ")
		b.WriteString(self.Message)
	}
	if self.Err != nil {
		b.WriteString(": ")
		b.WriteString(self.Err.Error())
	}
	return b.String()
}

func (self *SyncError) Unwrap() error {
	return self.Err
}

// errors of the same kind match
func (self *SyncError) Is(target error) bool {
	if syncErr, ok := target.(*SyncError); ok {
		return syncErr.Kind == self.Kind
	}
	return false
}

func ErrorKindOf(err error) (ErrorKind, bool) {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind, true
	}
	return "", false
}

// wire form of an error
type ErrorMessage struct {
	Kind    ErrorKind `json:"kind"`
	QueryId QueryId   `json:"queryId,omitempty"`
	Message string    `json:"message,omitempty"`
}

func NewErrorMessage(err error, defaultKind ErrorKind) *ErrorMessage {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		message := syncErr.Message
		if syncErr.Err != nil {
			if message == "" {
				message = syncErr.Err.Error()
			} else {
				message = fmt.Sprintf("%s: %s", message, syncErr.Err)
			}
		}
		return &ErrorMessage{
			Kind:    syncErr.Kind,
			QueryId: syncErr.QueryId,
			Message: message,
		}
	}
	return &ErrorMessage{
		Kind:    defaultKind,
		Message: err.Error(),
	}
}

func (self *ErrorMessage) Err() error {
	return &SyncError{
		Kind:    self.Kind,
		QueryId: self.QueryId,
		Message: self.Message,
	}
}
