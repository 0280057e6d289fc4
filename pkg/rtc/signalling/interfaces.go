package signalling

import (
	"context"
	"time"
)

// WebsocketClient is the subset of *websocket.Conn used for signalling.
type WebsocketClient interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Conn is one signalling transport session.
type Conn interface {
	ReadMessage() (*Message, error)
	WriteMessage(msg *Message) error
	Close() error
}

// Dialer opens a new Conn to the relay.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}
