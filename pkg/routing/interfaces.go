package routing

import (
	"github.com/parlo-health/parlo-call/pkg/rtc/signalling"
)

// MessageSink is an abstraction for writing signalling messages and having them read by a MessageSource
type MessageSink interface {
	WriteMessage(msg *signalling.Message) error
	IsClosed() bool
	Close()
}

type MessageSource interface {
	// ReadChan exposes a one way channel to make it easier to use with select
	ReadChan() <-chan *signalling.Message
	IsClosed() bool
	Close()
}
