package rtc

import (
	"sync"

	"github.com/pkg/errors"
)

type CallState string

const (
	CallStateIdle            CallState = "idle"
	CallStateRequestingMedia CallState = "requesting-media"
	CallStateJoiningRoom     CallState = "joining-room"
	CallStateNegotiating     CallState = "negotiating"
	CallStateConnected       CallState = "connected"
	CallStateReconnecting    CallState = "reconnecting"
	CallStateEnded           CallState = "ended"
	CallStateFailed          CallState = "failed"
)

func (s CallState) IsTerminal() bool {
	return s == CallStateEnded || s == CallStateFailed
}

type CallEvent string

const (
	EventJoinRequested        CallEvent = "join-requested"
	EventMediaAcquired        CallEvent = "media-acquired"
	EventMediaDenied          CallEvent = "media-denied"
	EventRoomJoined           CallEvent = "room-joined"
	EventPeerDiscovered       CallEvent = "peer-discovered"
	EventPeerConnected        CallEvent = "peer-connected"
	EventPeerLeft             CallEvent = "peer-left"
	EventPeerLost             CallEvent = "peer-lost"
	EventPeerFailed           CallEvent = "peer-failed"
	EventSignalingLost        CallEvent = "signaling-lost"
	EventSignalingRestored    CallEvent = "signaling-restored"
	EventSignalingUnavailable CallEvent = "signaling-unavailable"
	EventJoinRejected         CallEvent = "join-rejected"
	EventNegotiationTimeout   CallEvent = "negotiation-timeout"
	EventLeave                CallEvent = "leave"
)

type transitionKey struct {
	from  CallState
	event CallEvent
}

var callTransitions = map[transitionKey]CallState{
	{CallStateIdle, EventJoinRequested}: CallStateRequestingMedia,
	{CallStateIdle, EventLeave}:         CallStateEnded,

	{CallStateRequestingMedia, EventMediaAcquired}: CallStateJoiningRoom,
	{CallStateRequestingMedia, EventMediaDenied}:   CallStateJoiningRoom,
	{CallStateRequestingMedia, EventLeave}:         CallStateEnded,

	// alone in the room counts as connected
	{CallStateJoiningRoom, EventRoomJoined}:           CallStateConnected,
	{CallStateJoiningRoom, EventPeerDiscovered}:       CallStateNegotiating,
	{CallStateJoiningRoom, EventSignalingUnavailable}: CallStateFailed,
	{CallStateJoiningRoom, EventJoinRejected}:         CallStateFailed,
	{CallStateJoiningRoom, EventLeave}:                CallStateEnded,

	{CallStateNegotiating, EventPeerDiscovered}:       CallStateNegotiating,
	{CallStateNegotiating, EventPeerConnected}:        CallStateConnected,
	{CallStateNegotiating, EventPeerLeft}:             CallStateConnected,
	{CallStateNegotiating, EventPeerLost}:             CallStateReconnecting,
	{CallStateNegotiating, EventSignalingLost}:        CallStateReconnecting,
	{CallStateNegotiating, EventPeerFailed}:           CallStateFailed,
	{CallStateNegotiating, EventNegotiationTimeout}:   CallStateFailed,
	{CallStateNegotiating, EventSignalingUnavailable}: CallStateFailed,
	{CallStateNegotiating, EventLeave}:                CallStateEnded,

	{CallStateConnected, EventPeerDiscovered}:       CallStateNegotiating,
	{CallStateConnected, EventPeerConnected}:        CallStateConnected,
	{CallStateConnected, EventPeerLeft}:             CallStateConnected,
	{CallStateConnected, EventPeerLost}:             CallStateReconnecting,
	{CallStateConnected, EventSignalingLost}:        CallStateReconnecting,
	{CallStateConnected, EventPeerFailed}:           CallStateFailed,
	{CallStateConnected, EventNegotiationTimeout}:   CallStateFailed,
	{CallStateConnected, EventSignalingUnavailable}: CallStateFailed,
	{CallStateConnected, EventLeave}:                CallStateEnded,

	{CallStateReconnecting, EventSignalingRestored}:    CallStateConnected,
	{CallStateReconnecting, EventPeerConnected}:        CallStateConnected,
	{CallStateReconnecting, EventPeerDiscovered}:       CallStateReconnecting,
	{CallStateReconnecting, EventPeerLeft}:             CallStateReconnecting,
	{CallStateReconnecting, EventPeerLost}:             CallStateReconnecting,
	{CallStateReconnecting, EventSignalingLost}:        CallStateReconnecting,
	{CallStateReconnecting, EventPeerFailed}:           CallStateFailed,
	{CallStateReconnecting, EventNegotiationTimeout}:   CallStateFailed,
	{CallStateReconnecting, EventSignalingUnavailable}: CallStateFailed,
	{CallStateReconnecting, EventLeave}:                CallStateEnded,
}

// ConnectionStateMachine folds media, signalling and peer events into the
// state shown to the user. Entering ended or failed runs the teardown before
// the new state becomes visible.
type ConnectionStateMachine struct {
	fireLock sync.Mutex

	lock     sync.RWMutex
	state    CallState
	err      error
	teardown func()

	onTransition func(from, to CallState, event CallEvent, err error)
}

func NewConnectionStateMachine(teardown func()) *ConnectionStateMachine {
	return &ConnectionStateMachine{
		state:    CallStateIdle,
		teardown: teardown,
	}
}

// OnTransition is called after every state change.
func (m *ConnectionStateMachine) OnTransition(f func(from, to CallState, event CallEvent, err error)) {
	m.lock.Lock()
	m.onTransition = f
	m.lock.Unlock()
}

func (m *ConnectionStateMachine) State() CallState {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.state
}

// Err returns the cause of entering failed.
func (m *ConnectionStateMachine) Err() error {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.err
}

// Fire applies event. cause is recorded when the event fails the call.
func (m *ConnectionStateMachine) Fire(event CallEvent, cause error) (CallState, error) {
	m.fireLock.Lock()
	defer m.fireLock.Unlock()

	from := m.State()
	to, ok := callTransitions[transitionKey{from, event}]
	if !ok {
		return from, errors.Wrapf(ErrInvalidTransition, "%s on %s", event, from)
	}
	if to == from {
		return from, nil
	}

	if to.IsTerminal() && m.teardown != nil {
		m.teardown()
	}

	m.lock.Lock()
	m.state = to
	if to == CallStateFailed {
		m.err = cause
		if m.err == nil {
			m.err = errors.Errorf("call failed on %s", event)
		}
	}
	onTransition := m.onTransition
	m.lock.Unlock()

	if onTransition != nil {
		onTransition(from, to, event, cause)
	}
	return to, nil
}
