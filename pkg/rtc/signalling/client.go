package signalling

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"
	"github.com/pkg/errors"

	"github.com/parlo-health/parlo-call/pkg/logger"
)

const (
	DefaultReconnectMaxAttempts     = 5
	DefaultReconnectInitialInterval = 500 * time.Millisecond
	DefaultReconnectMaxInterval     = 20 * time.Second
	DefaultOutboundBufferSize       = 256
	DefaultHandshakeTimeout         = 10 * time.Second
)

type ClientParams struct {
	RoomID        string
	ParticipantID string
	Join          JoinRoomPayload
	Dialer        Dialer

	ReconnectMaxAttempts     int
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
	OutboundBufferSize       int
	HandshakeTimeout         time.Duration

	Logger logger.Logger
}

// SignalClient is the client end of the signalling channel. Outbound messages
// sent while the transport is down are buffered and replayed, in order, once a
// reconnect and rejoin succeed. Inbound messages missed while down are not
// recovered; the roster delivered to OnReconnected is authoritative.
//
// Buffered negotiation messages are only replayed into a resumed session. If
// the relay did not resume it, or the buffer overflowed and lost negotiation
// messages, they are discarded and OnReconnected receives a roster with
// Resumed unset so every peer connection is negotiated again.
type SignalClient struct {
	params ClientParams

	lock        sync.Mutex
	conn        Conn
	connected   bool
	unavailable bool
	outbound    *deque.Deque[*Message]
	// a buffered negotiation message was dropped on overflow
	negotiationLost bool

	onMessage      func(msg *Message)
	onDisconnected func(err error)
	onReconnected  func(roster *ParticipantListPayload)
	onUnavailable  func(err error)

	closed core.Fuse
}

func NewSignalClient(params ClientParams) *SignalClient {
	if params.ReconnectMaxAttempts <= 0 {
		params.ReconnectMaxAttempts = DefaultReconnectMaxAttempts
	}
	if params.ReconnectInitialInterval <= 0 {
		params.ReconnectInitialInterval = DefaultReconnectInitialInterval
	}
	if params.ReconnectMaxInterval <= 0 {
		params.ReconnectMaxInterval = DefaultReconnectMaxInterval
	}
	if params.OutboundBufferSize <= 0 {
		params.OutboundBufferSize = DefaultOutboundBufferSize
	}
	if params.HandshakeTimeout <= 0 {
		params.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	params.Logger = params.Logger.WithValues("room", params.RoomID, "participant", params.ParticipantID)

	return &SignalClient{
		params:   params,
		outbound: deque.New[*Message](),
		closed:   core.NewFuse(),
	}
}

func (c *SignalClient) OnMessage(f func(msg *Message)) {
	c.lock.Lock()
	c.onMessage = f
	c.lock.Unlock()
}

func (c *SignalClient) OnDisconnected(f func(err error)) {
	c.lock.Lock()
	c.onDisconnected = f
	c.lock.Unlock()
}

func (c *SignalClient) OnReconnected(f func(roster *ParticipantListPayload)) {
	c.lock.Lock()
	c.onReconnected = f
	c.lock.Unlock()
}

func (c *SignalClient) OnUnavailable(f func(err error)) {
	c.lock.Lock()
	c.onUnavailable = f
	c.lock.Unlock()
}

func (c *SignalClient) RoomID() string {
	return c.params.RoomID
}

func (c *SignalClient) ParticipantID() string {
	return c.params.ParticipantID
}

func (c *SignalClient) IsConnected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.connected
}

// Connect dials the relay and joins the room, returning the roster.
func (c *SignalClient) Connect(ctx context.Context) (*ParticipantListPayload, error) {
	if c.closed.IsBroken() {
		return nil, ErrClientClosed
	}

	conn, err := c.params.Dialer.Dial(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not dial relay")
	}
	roster, err := c.handshake(conn, false)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	c.lock.Lock()
	if c.closed.IsBroken() {
		c.lock.Unlock()
		_ = conn.Close()
		return nil, ErrClientClosed
	}
	c.conn = conn
	c.connected = true
	c.unavailable = false
	c.negotiationLost = false
	err = c.flushLocked()
	c.lock.Unlock()

	go c.readLoop(conn)
	if err != nil {
		c.handleDisconnect(conn, err)
	}
	return roster, nil
}

// Send stamps and delivers msg, or buffers it while disconnected.
func (c *SignalClient) Send(msg *Message) error {
	if c.closed.IsBroken() {
		return ErrClientClosed
	}
	msg.RoomID = c.params.RoomID
	msg.SenderID = c.params.ParticipantID
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	c.lock.Lock()
	if c.unavailable {
		c.lock.Unlock()
		return ErrSignalingUnavailable
	}
	if !c.connected {
		c.bufferLocked(msg)
		c.lock.Unlock()
		return nil
	}
	conn := c.conn
	// anything still buffered goes first
	c.bufferLocked(msg)
	err := c.flushLocked()
	c.lock.Unlock()

	if err != nil {
		c.handleDisconnect(conn, err)
	}
	return nil
}

func (c *SignalClient) SendPayload(msgType MessageType, targetID string, payload interface{}) error {
	msg, err := NewMessage(msgType, c.params.RoomID, c.params.ParticipantID, payload)
	if err != nil {
		return err
	}
	msg.TargetID = targetID
	return c.Send(msg)
}

// BufferedCount returns the number of outbound messages awaiting delivery.
func (c *SignalClient) BufferedCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.outbound.Len()
}

// Close leaves the room and closes the transport. No reconnect follows.
func (c *SignalClient) Close() {
	if c.closed.IsBroken() {
		return
	}
	c.closed.Break()

	c.lock.Lock()
	conn := c.conn
	connected := c.connected
	c.conn = nil
	c.connected = false
	c.outbound.Clear()
	c.negotiationLost = false
	c.lock.Unlock()

	if conn == nil {
		return
	}
	if connected {
		leave, err := NewMessage(MessageTypeLeaveRoom, c.params.RoomID, c.params.ParticipantID, &LeaveRoomPayload{Reason: "client closed"})
		if err == nil {
			if err := conn.WriteMessage(leave); err != nil {
				c.params.Logger.Debugw("could not send leave", "error", err)
			}
		}
	}
	_ = conn.Close()
}

func (c *SignalClient) bufferLocked(msg *Message) {
	if c.outbound.Len() >= c.params.OutboundBufferSize {
		dropped := c.outbound.PopFront()
		if dropped.Type.IsPeerMessage() {
			c.negotiationLost = true
		}
		c.params.Logger.Warnw("dropping oldest buffered message", ErrOutboundOverflow,
			"type", dropped.Type,
			"target", dropped.TargetID,
			"size", c.params.OutboundBufferSize,
		)
	}
	c.outbound.PushBack(msg)
}

// dropPeerMessagesLocked discards buffered negotiation messages, keeping the
// order of the rest.
func (c *SignalClient) dropPeerMessagesLocked() int {
	n := c.outbound.Len()
	for i := 0; i < n; i++ {
		msg := c.outbound.PopFront()
		if !msg.Type.IsPeerMessage() {
			c.outbound.PushBack(msg)
		}
	}
	return n - c.outbound.Len()
}

// flushLocked writes buffered messages in order, stopping at the first failure.
// The failed message stays at the front of the buffer.
func (c *SignalClient) flushLocked() error {
	for c.outbound.Len() > 0 {
		msg := c.outbound.Front()
		if err := c.conn.WriteMessage(msg); err != nil {
			return err
		}
		c.outbound.PopFront()
	}
	return nil
}

func (c *SignalClient) handshake(conn Conn, reconnect bool) (*ParticipantListPayload, error) {
	join := c.params.Join
	join.Reconnect = reconnect
	msg, err := NewMessage(MessageTypeJoinRoom, c.params.RoomID, c.params.ParticipantID, &join)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(msg); err != nil {
		return nil, errors.Wrap(err, "could not send join")
	}

	timedOut := false
	var timerLock sync.Mutex
	timer := time.AfterFunc(c.params.HandshakeTimeout, func() {
		timerLock.Lock()
		timedOut = true
		timerLock.Unlock()
		_ = conn.Close()
	})
	defer timer.Stop()

	for {
		resp, err := conn.ReadMessage()
		if err != nil {
			timerLock.Lock()
			to := timedOut
			timerLock.Unlock()
			if to {
				return nil, ErrHandshakeTimeout
			}
			return nil, errors.Wrap(err, "could not read join response")
		}
		switch resp.Type {
		case MessageTypeParticipantList:
			roster := &ParticipantListPayload{}
			if err := resp.Decode(roster); err != nil {
				return nil, err
			}
			return roster, nil
		case MessageTypeError:
			return nil, RemoteErrorFromMessage(resp)
		default:
			c.params.Logger.Debugw("ignoring message before join response", "type", resp.Type)
		}
	}
}

func (c *SignalClient) readLoop(conn Conn) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		if msg.Type == MessageTypeLeaveRoom && msg.SenderID == "" {
			c.handleRemoved(conn, msg)
			return
		}

		c.lock.Lock()
		onMessage := c.onMessage
		c.lock.Unlock()
		if onMessage != nil {
			onMessage(msg)
		}
	}
}

// handleRemoved shuts the client down when the relay drops this connection in
// favour of a newer one. Reconnecting would evict the newer connection.
func (c *SignalClient) handleRemoved(conn Conn, msg *Message) {
	var leave LeaveRoomPayload
	_ = msg.Decode(&leave)

	c.lock.Lock()
	if c.closed.IsBroken() || c.conn != conn {
		c.lock.Unlock()
		return
	}
	c.closed.Break()
	c.conn = nil
	c.connected = false
	c.unavailable = true
	c.outbound.Clear()
	onUnavailable := c.onUnavailable
	c.lock.Unlock()

	_ = conn.Close()
	err := errors.Wrapf(ErrSessionReplaced, "removed by relay: %s", leave.Reason)
	c.params.Logger.Warnw("signal connection removed", err)
	if onUnavailable != nil {
		onUnavailable(err)
	}
}

func (c *SignalClient) handleDisconnect(conn Conn, err error) {
	c.lock.Lock()
	if c.closed.IsBroken() || c.conn != conn {
		c.lock.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	onDisconnected := c.onDisconnected
	c.lock.Unlock()

	_ = conn.Close()
	if IsWebSocketCloseError(err) {
		c.params.Logger.Infow("signal connection closed", "error", err)
	} else {
		c.params.Logger.Warnw("signal connection lost", err)
	}
	if onDisconnected != nil {
		onDisconnected(err)
	}

	go c.reconnectLoop()
}

func (c *SignalClient) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.params.ReconnectInitialInterval
	b.MaxInterval = c.params.ReconnectMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *SignalClient) reconnectLoop() {
	b := c.newBackoff()
	var lastErr error

	for attempt := 1; attempt <= c.params.ReconnectMaxAttempts; attempt++ {
		select {
		case <-c.closed.Watch():
			return
		case <-time.After(b.NextBackOff()):
		}

		c.params.Logger.Infow("reconnecting signal connection", "attempt", attempt)
		roster, conn, err := c.rejoin()
		if err != nil {
			lastErr = err
			c.params.Logger.Warnw("signal reconnect failed", err, "attempt", attempt)
			continue
		}

		c.lock.Lock()
		if c.closed.IsBroken() {
			c.lock.Unlock()
			_ = conn.Close()
			return
		}
		if c.negotiationLost && roster.Resumed {
			restarted := *roster
			restarted.Resumed = false
			roster = &restarted
		}
		c.negotiationLost = false
		dropped := 0
		if !roster.Resumed {
			dropped = c.dropPeerMessagesLocked()
		}
		c.conn = conn
		c.connected = true
		onReconnected := c.onReconnected
		c.lock.Unlock()

		c.params.Logger.Infow("signal connection restored",
			"attempt", attempt,
			"participants", len(roster.Participants),
			"resumed", roster.Resumed,
			"droppedNegotiation", dropped,
		)
		if onReconnected != nil {
			onReconnected(roster)
		}

		c.lock.Lock()
		flushErr := error(nil)
		if c.conn == conn {
			flushErr = c.flushLocked()
		}
		c.lock.Unlock()

		go c.readLoop(conn)
		if flushErr != nil {
			c.handleDisconnect(conn, flushErr)
		}
		return
	}

	c.lock.Lock()
	if c.closed.IsBroken() {
		c.lock.Unlock()
		return
	}
	c.unavailable = true
	c.outbound.Clear()
	onUnavailable := c.onUnavailable
	c.lock.Unlock()

	err := errors.Wrapf(ErrSignalingUnavailable, "gave up after %d attempts: %v", c.params.ReconnectMaxAttempts, lastErr)
	c.params.Logger.Warnw("signalling unavailable", err)
	if onUnavailable != nil {
		onUnavailable(err)
	}
}

func (c *SignalClient) rejoin() (*ParticipantListPayload, Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.params.HandshakeTimeout)
	defer cancel()

	conn, err := c.params.Dialer.Dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	roster, err := c.handshake(conn, true)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return roster, conn, nil
}
