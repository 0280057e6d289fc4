package routing

import (
	"sync"

	"github.com/parlo-health/parlo-call/pkg/rtc/signalling"
)

const DefaultMessageChannelSize = 200

// MessageChannel is a FIFO between the room and a participant's connection
// writer. Writes never block: a reader that falls too far behind gets
// ErrChannelFull and is expected to be disconnected.
type MessageChannel struct {
	lock     sync.Mutex
	msgChan  chan *signalling.Message
	isClosed bool
	onClose  func()
}

func NewMessageChannel(size int) *MessageChannel {
	if size <= 0 {
		size = DefaultMessageChannelSize
	}
	return &MessageChannel{
		msgChan: make(chan *signalling.Message, size),
	}
}

func (m *MessageChannel) OnClose(f func()) {
	m.lock.Lock()
	m.onClose = f
	m.lock.Unlock()
}

func (m *MessageChannel) WriteMessage(msg *signalling.Message) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.isClosed {
		return ErrChannelClosed
	}

	select {
	case m.msgChan <- msg:
		return nil
	default:
		return ErrChannelFull
	}
}

func (m *MessageChannel) ReadChan() <-chan *signalling.Message {
	return m.msgChan
}

func (m *MessageChannel) IsClosed() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.isClosed
}

func (m *MessageChannel) Close() {
	m.lock.Lock()
	if m.isClosed {
		m.lock.Unlock()
		return
	}
	m.isClosed = true
	close(m.msgChan)
	onClose := m.onClose
	m.lock.Unlock()

	if onClose != nil {
		onClose()
	}
}
