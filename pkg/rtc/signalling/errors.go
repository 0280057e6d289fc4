package signalling

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidMessageType   = errors.New("invalid message type")
	ErrMissingRoom          = errors.New("message has no room")
	ErrMissingTarget        = errors.New("peer message has no target")
	ErrEmptyPayload         = errors.New("message has no payload")
	ErrNoHandler            = errors.New("no handler for message type")
	ErrSignalingUnavailable = errors.New("signalling unavailable")
	ErrClientClosed         = errors.New("signal client closed")
	ErrHandshakeTimeout     = errors.New("timed out waiting for join response")
	ErrUnexpectedMessage    = errors.New("unexpected message during join")
	ErrSessionReplaced      = errors.New("joined from another connection")
	ErrOutboundOverflow     = errors.New("outbound buffer full")
)

type MalformedError struct {
	Type MessageType
	Err  error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s payload: %v", e.Type, e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// RemoteError is an error reported by the relay in an error message.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	t, ok := target.(*RemoteError)
	return ok && t.Code == e.Code
}

func RemoteErrorFromMessage(msg *Message) error {
	var p ErrorPayload
	if err := msg.Decode(&p); err != nil {
		return &RemoteError{Code: ErrorCodeInternal, Message: err.Error()}
	}
	return &RemoteError{Code: p.Code, Message: p.Message}
}
