package signalling

// HandlerFunc handles one decoded message.
type HandlerFunc func(msg *Message) error

// Dispatcher routes messages by type. It holds no lock: handlers are
// registered up front and dispatch happens on a single goroutine.
type Dispatcher struct {
	handlers map[MessageType]HandlerFunc
	fallback HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[MessageType]HandlerFunc),
	}
}

func (d *Dispatcher) On(msgType MessageType, h HandlerFunc) *Dispatcher {
	d.handlers[msgType] = h
	return d
}

// Otherwise sets the handler for types with no registered handler.
func (d *Dispatcher) Otherwise(h HandlerFunc) *Dispatcher {
	d.fallback = h
	return d
}

func (d *Dispatcher) Handles(msgType MessageType) bool {
	_, ok := d.handlers[msgType]
	return ok
}

func (d *Dispatcher) Dispatch(msg *Message) error {
	if h, ok := d.handlers[msg.Type]; ok {
		return h(msg)
	}
	if d.fallback != nil {
		return d.fallback(msg)
	}
	if !msg.Type.IsValid() {
		return ErrInvalidMessageType
	}
	return ErrNoHandler
}

// Typed wraps a handler taking a decoded payload of type T.
func Typed[T any](fn func(msg *Message, payload *T) error) HandlerFunc {
	return func(msg *Message) error {
		var payload T
		if err := msg.Decode(&payload); err != nil {
			return err
		}
		return fn(msg, &payload)
	}
}
