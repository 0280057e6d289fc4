package rtc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnectionStateMachine(t *testing.T) {
	type step struct {
		event CallEvent
		want  CallState
	}

	cases := []struct {
		name  string
		steps []step
	}{
		{
			name: "alone in room",
			steps: []step{
				{EventJoinRequested, CallStateRequestingMedia},
				{EventMediaAcquired, CallStateJoiningRoom},
				{EventRoomJoined, CallStateConnected},
				{EventPeerDiscovered, CallStateNegotiating},
				{EventPeerConnected, CallStateConnected},
			},
		},
		{
			name: "observer joins a populated room",
			steps: []step{
				{EventJoinRequested, CallStateRequestingMedia},
				{EventMediaDenied, CallStateJoiningRoom},
				{EventPeerDiscovered, CallStateNegotiating},
				{EventPeerDiscovered, CallStateNegotiating},
				{EventPeerConnected, CallStateConnected},
			},
		},
		{
			name: "signalling drop and recovery",
			steps: []step{
				{EventJoinRequested, CallStateRequestingMedia},
				{EventMediaAcquired, CallStateJoiningRoom},
				{EventRoomJoined, CallStateConnected},
				{EventSignalingLost, CallStateReconnecting},
				{EventPeerLost, CallStateReconnecting},
				{EventSignalingRestored, CallStateConnected},
			},
		},
		{
			name: "peer leaves mid negotiation",
			steps: []step{
				{EventJoinRequested, CallStateRequestingMedia},
				{EventMediaAcquired, CallStateJoiningRoom},
				{EventPeerDiscovered, CallStateNegotiating},
				{EventPeerLeft, CallStateConnected},
				{EventLeave, CallStateEnded},
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := NewConnectionStateMachine(nil)
			require.Equal(t, CallStateIdle, m.State())
			for _, s := range c.steps {
				got, err := m.Fire(s.event, nil)
				require.NoError(t, err, "firing %s", s.event)
				require.Equal(t, s.want, got, "after %s", s.event)
			}
		})
	}
}

func TestConnectionStateMachineInvalid(t *testing.T) {
	m := NewConnectionStateMachine(nil)

	state, err := m.Fire(EventPeerConnected, nil)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, CallStateIdle, state)

	_, err = m.Fire(EventLeave, nil)
	require.NoError(t, err)

	// terminal states accept nothing
	for _, event := range []CallEvent{EventJoinRequested, EventLeave, EventPeerFailed, EventSignalingRestored} {
		_, err := m.Fire(event, nil)
		require.ErrorIs(t, err, ErrInvalidTransition)
		require.Equal(t, CallStateEnded, m.State())
	}
}

func TestConnectionStateMachineTeardown(t *testing.T) {
	t.Run("failure runs teardown before the state is visible", func(t *testing.T) {
		var m *ConnectionStateMachine
		var seenDuringTeardown CallState
		teardowns := 0
		m = NewConnectionStateMachine(func() {
			teardowns++
			seenDuringTeardown = m.State()
		})

		var transitions []CallState
		m.OnTransition(func(from, to CallState, event CallEvent, err error) {
			transitions = append(transitions, to)
		})

		cause := errors.New("ice failed")
		for _, e := range []CallEvent{EventJoinRequested, EventMediaAcquired, EventPeerDiscovered} {
			_, err := m.Fire(e, nil)
			require.NoError(t, err)
		}
		state, err := m.Fire(EventPeerFailed, cause)
		require.NoError(t, err)
		require.Equal(t, CallStateFailed, state)
		require.Equal(t, 1, teardowns)
		require.Equal(t, CallStateNegotiating, seenDuringTeardown)
		require.Equal(t, cause, m.Err())
		require.Equal(t, []CallState{
			CallStateRequestingMedia, CallStateJoiningRoom, CallStateNegotiating, CallStateFailed,
		}, transitions)
	})

	t.Run("failure without cause records one", func(t *testing.T) {
		m := NewConnectionStateMachine(nil)
		_, _ = m.Fire(EventJoinRequested, nil)
		_, _ = m.Fire(EventMediaAcquired, nil)
		_, err := m.Fire(EventSignalingUnavailable, nil)
		require.NoError(t, err)
		require.Error(t, m.Err())
	})

	t.Run("leave does not record an error", func(t *testing.T) {
		teardowns := 0
		m := NewConnectionStateMachine(func() { teardowns++ })
		_, _ = m.Fire(EventJoinRequested, nil)
		_, err := m.Fire(EventLeave, nil)
		require.NoError(t, err)
		require.Equal(t, 1, teardowns)
		require.NoError(t, m.Err())
	})

	t.Run("self transitions are silent", func(t *testing.T) {
		m := NewConnectionStateMachine(nil)
		calls := 0
		m.OnTransition(func(CallState, CallState, CallEvent, error) { calls++ })
		for _, e := range []CallEvent{EventJoinRequested, EventMediaAcquired, EventRoomJoined, EventPeerConnected, EventPeerLeft} {
			_, err := m.Fire(e, nil)
			require.NoError(t, err)
		}
		require.Equal(t, 3, calls)
	})
}
