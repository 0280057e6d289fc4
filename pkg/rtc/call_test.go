package rtc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/parlo-health/parlo-call/pkg/config"
	"github.com/parlo-health/parlo-call/pkg/rooms"
	"github.com/parlo-health/parlo-call/pkg/routing"
	"github.com/parlo-health/parlo-call/pkg/rtc/signalling"
	"github.com/parlo-health/parlo-call/pkg/rtc/types"
	"github.com/parlo-health/parlo-call/pkg/testutils"
)

var errRelayDown = errors.New("relay unreachable")

// testRelay serves signalling from an in-process room, the way the relay
// service does over websockets.
type testRelay struct {
	room   *rooms.Room
	refuse atomic.Bool

	lock  sync.Mutex
	seq   int
	conns map[string]*relayConn
}

func newTestRelay() *testRelay {
	return &testRelay{
		room:  rooms.NewRoom("room", "", 0, nil),
		conns: make(map[string]*relayConn),
	}
}

func (r *testRelay) Dialer(participantID string) signalling.Dialer {
	return signalling.DialerFunc(func(ctx context.Context) (signalling.Conn, error) {
		if r.refuse.Load() {
			return nil, errRelayDown
		}
		r.lock.Lock()
		defer r.lock.Unlock()
		r.seq++
		conn := &relayConn{
			room:          r.room,
			participantID: participantID,
			connectionID:  fmt.Sprintf("CO_%d", r.seq),
			sink:          routing.NewMessageChannel(100),
			closed:        make(chan struct{}),
		}
		r.conns[participantID] = conn
		return conn, nil
	})
}

// drop cuts the participant's connection as a network failure would.
func (r *testRelay) drop(participantID string) *relayConn {
	r.lock.Lock()
	conn := r.conns[participantID]
	r.lock.Unlock()
	conn.shutdown()
	return conn
}

func (r *testRelay) Dials() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.seq
}

type relayConn struct {
	room          *rooms.Room
	participantID string
	connectionID  string
	sink          *routing.MessageChannel

	once   sync.Once
	closed chan struct{}
}

func (c *relayConn) ReadMessage() (*signalling.Message, error) {
	select {
	case msg, ok := <-c.sink.ReadChan():
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *relayConn) WriteMessage(msg *signalling.Message) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}

	msg = msg.Copy()
	msg.SenderID = c.participantID
	msg.Seq = 0
	switch msg.Type {
	case signalling.MessageTypeJoinRoom:
		join := signalling.JoinRoomPayload{}
		if err := msg.Decode(&join); err != nil {
			return err
		}
		p := rooms.NewParticipant(rooms.ParticipantParams{
			ID:           c.participantID,
			Name:         join.Name,
			Role:         join.Role,
			ConnectionID: c.connectionID,
			Muted:        join.Muted,
			VideoOff:     join.VideoOff,
			Sink:         c.sink,
		})
		if _, err := c.room.Join(p, join.Reconnect); err != nil {
			_ = c.sink.WriteMessage(signalling.MustMessage(signalling.MessageTypeError, c.room.ID, "", &signalling.ErrorPayload{
				Code:    signalling.ErrorCodeRoomFull,
				Message: err.Error(),
			}))
		}
	case signalling.MessageTypeLeaveRoom:
		c.room.Leave(c.participantID, c.connectionID)
	case signalling.MessageTypeParticipantUpdate:
		update := signalling.ParticipantUpdatePayload{}
		if err := msg.Decode(&update); err != nil {
			return err
		}
		_ = c.room.UpdateParticipant(c.participantID, update)
	default:
		_ = c.room.Relay(msg)
	}
	return nil
}

func (c *relayConn) Close() error {
	c.shutdown()
	return nil
}

func (c *relayConn) shutdown() {
	c.once.Do(func() {
		close(c.closed)
		c.room.Disconnect(c.participantID, c.connectionID)
	})
}

type testCall struct {
	*Call
	devices    *SyntheticDevices
	transports *fakeTransports
}

func newTestCall(t *testing.T, relay *testRelay, id string, opts ...func(p *CallParams)) *testCall {
	tc := &testCall{
		devices:    NewSyntheticDevices(),
		transports: newFakeTransports(),
	}
	tc.transports.autoConnect = true

	params := CallParams{
		RoomID:             "room",
		ParticipantID:      id,
		Name:               id,
		Role:               signalling.RoleGuest,
		Devices:            tc.devices,
		Dialer:             relay.Dialer(id),
		TransportFactory:   tc.transports.Factory,
		NegotiationTimeout: testutils.SignalTimeout,
		Signal: config.SignalConfig{
			ReconnectMaxAttempts:     3,
			ReconnectInitialInterval: 10 * time.Millisecond,
			ReconnectMaxInterval:     50 * time.Millisecond,
			HandshakeTimeout:         time.Second,
		},
		RenegotiateDebounce: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&params)
	}
	tc.Call = NewCall(params)
	t.Cleanup(func() {
		_ = tc.Leave()
	})
	return tc
}

func (tc *testCall) join(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testutils.SignalTimeout)
	defer cancel()
	require.NoError(t, tc.Join(ctx))
}

func waitForState(t *testing.T, tc *testCall, state CallState) {
	t.Helper()
	testutils.WithTimeoutDuration(t, testutils.SignalTimeout, func() string {
		if got := tc.State(); got != state {
			return fmt.Sprintf("%s is %s, expected %s", tc.params.ParticipantID, got, state)
		}
		return ""
	})
}

func waitForPeer(t *testing.T, tc *testCall, remoteID string, state PeerState) *PeerConnection {
	t.Helper()
	var pc *PeerConnection
	testutils.WithTimeoutDuration(t, testutils.SignalTimeout, func() string {
		pc = tc.Peers().Get(remoteID)
		if pc == nil {
			return fmt.Sprintf("%s has no connection to %s", tc.params.ParticipantID, remoteID)
		}
		if got := pc.State(); got != state {
			return fmt.Sprintf("%s to %s is %s, expected %s", tc.params.ParticipantID, remoteID, got, state)
		}
		return ""
	})
	return pc
}

func TestCallJoinAlone(t *testing.T) {
	relay := newTestRelay()
	therapist := newTestCall(t, relay, "therapist", func(p *CallParams) {
		p.Role = signalling.RoleTherapist
	})

	var lock sync.Mutex
	var states []CallState
	therapist.OnStateChange(func(_, to CallState, _ error) {
		lock.Lock()
		states = append(states, to)
		lock.Unlock()
	})

	therapist.join(t)
	waitForState(t, therapist, CallStateConnected)
	require.Equal(t, 0, therapist.Peers().Len())
	require.Len(t, therapist.Media().ActiveTracks(), 2)

	roster := therapist.Roster()
	require.Len(t, roster, 1)
	require.Equal(t, signalling.RoleTherapist, roster[0].Role)

	lock.Lock()
	require.Equal(t, []CallState{CallStateRequestingMedia, CallStateJoiningRoom, CallStateConnected}, states)
	lock.Unlock()

	require.ErrorIs(t, therapist.Join(context.Background()), ErrAlreadyJoined)
}

func TestCallTwoParticipants(t *testing.T) {
	relay := newTestRelay()
	therapist := newTestCall(t, relay, "therapist")
	child := newTestCall(t, relay, "child")

	therapist.join(t)
	waitForState(t, therapist, CallStateConnected)
	child.join(t)

	waitForPeer(t, therapist, "child", PeerStateConnected)
	waitForPeer(t, child, "therapist", PeerStateConnected)
	waitForState(t, therapist, CallStateConnected)
	waitForState(t, child, CallStateConnected)

	// the joiner offers
	require.Equal(t, []bool{false}, child.transports.Latest("therapist").Offers())
	require.Empty(t, therapist.transports.Latest("child").Offers())
	// local media is attached to each connection
	require.Len(t, therapist.transports.Latest("child").Tracks(), 2)
	require.Len(t, child.transports.Latest("therapist").Tracks(), 2)

	t.Run("mute is broadcast without renegotiating", func(t *testing.T) {
		require.NoError(t, child.SetAudioEnabled(false))
		testutils.WithTimeoutDuration(t, testutils.SignalTimeout, func() string {
			for _, p := range therapist.Roster() {
				if p.ID == "child" && p.Muted {
					return ""
				}
			}
			return "therapist did not see child muted"
		})
		require.Len(t, child.transports.Latest("therapist").Offers(), 1)
		require.Same(t, child.devices.Issued()[0], child.Media().State().AudioTrack)
	})

	t.Run("camera back on asks for a keyframe", func(t *testing.T) {
		require.NoError(t, child.SetVideoEnabled(false))
		testutils.WithTimeoutDuration(t, testutils.SignalTimeout, func() string {
			for _, p := range therapist.Roster() {
				if p.ID == "child" && p.VideoOff {
					return ""
				}
			}
			return "therapist did not see child video off"
		})
		require.NoError(t, child.SetVideoEnabled(true))
		testutils.WithTimeoutDuration(t, testutils.SignalTimeout, func() string {
			if therapist.transports.Latest("child").Keyframes() == 0 {
				return "no keyframe requested"
			}
			return ""
		})
	})
}

func TestCallObserver(t *testing.T) {
	relay := newTestRelay()
	therapist := newTestCall(t, relay, "therapist")
	child := newTestCall(t, relay, "child")
	child.devices.Fail(types.ModalityAll, ErrPermissionDenied)

	therapist.join(t)
	child.join(t)

	waitForPeer(t, therapist, "child", PeerStateConnected)
	waitForState(t, child, CallStateConnected)
	require.True(t, child.Media().State().IsObserver())
	require.Len(t, child.Media().Notices(), 2)
	require.Empty(t, child.transports.Latest("therapist").Tracks())

	info, ok := relay.room.GetParticipant("child")
	require.True(t, ok)
	require.True(t, info.Muted)
	require.True(t, info.VideoOff)

	t.Run("granting permission later renegotiates", func(t *testing.T) {
		child.devices.Clear()
		ctx, cancel := context.WithTimeout(context.Background(), testutils.SignalTimeout)
		defer cancel()
		require.NoError(t, child.Reacquire(ctx))

		require.False(t, child.Media().State().IsObserver())
		require.Empty(t, child.Media().Notices())
		transport := child.transports.Latest("therapist")
		testutils.WithTimeoutDuration(t, testutils.SignalTimeout, func() string {
			if len(transport.Tracks()) != 2 {
				return "tracks not attached"
			}
			if len(transport.Offers()) != 2 {
				return fmt.Sprintf("expected renegotiation, offers: %v", transport.Offers())
			}
			return ""
		})
		waitForPeer(t, child, "therapist", PeerStateConnected)

		testutils.WithTimeoutDuration(t, testutils.SignalTimeout, func() string {
			info, _ := relay.room.GetParticipant("child")
			if info.Muted || info.VideoOff {
				return "relay still has child muted"
			}
			return ""
		})
	})
}

func TestCallSignallingDrop(t *testing.T) {
	t.Run("resumes and keeps peer connections", func(t *testing.T) {
		relay := newTestRelay()
		therapist := newTestCall(t, relay, "therapist")
		child := newTestCall(t, relay, "child")
		therapist.join(t)
		child.join(t)
		waitForPeer(t, therapist, "child", PeerStateConnected)
		waitForPeer(t, child, "therapist", PeerStateConnected)
		waitForState(t, child, CallStateConnected)

		var lock sync.Mutex
		var states []CallState
		child.OnStateChange(func(_, to CallState, _ error) {
			lock.Lock()
			states = append(states, to)
			lock.Unlock()
		})

		dials := relay.Dials()
		relay.drop("child")

		testutils.WithTimeoutDuration(t, testutils.SignalTimeout, func() string {
			if relay.Dials() == dials {
				return "child did not reconnect"
			}
			info, ok := relay.room.GetParticipant("child")
			if !ok || info.State != signalling.ParticipantStateActive {
				return "child not active"
			}
			return ""
		})
		waitForState(t, child, CallStateConnected)

		lock.Lock()
		require.Equal(t, []CallState{CallStateReconnecting, CallStateConnected}, states)
		lock.Unlock()

		require.Equal(t, 1, child.transports.Count("therapist"))
		require.Equal(t, 1, therapist.transports.Count("child"))
		require.False(t, child.transports.Latest("therapist").IsClosed())
		require.Equal(t, CallStateConnected, therapist.State())

		// messages flow again
		require.NoError(t, child.SetAudioEnabled(false))
		testutils.WithTimeoutDuration(t, testutils.SignalTimeout, func() string {
			for _, p := range therapist.Roster() {
				if p.ID == "child" && p.Muted {
					return ""
				}
			}
			return "update not delivered after resume"
		})
	})

	t.Run("rejoins from scratch after the grace period", func(t *testing.T) {
		relay := newTestRelay()
		therapist := newTestCall(t, relay, "therapist")
		child := newTestCall(t, relay, "child", func(p *CallParams) {
			p.Signal.ReconnectMaxAttempts = 50
		})
		therapist.join(t)
		child.join(t)
		waitForPeer(t, therapist, "child", PeerStateConnected)
		waitForPeer(t, child, "therapist", PeerStateConnected)

		relay.refuse.Store(true)
		conn := relay.drop("child")
		relay.room.Leave("child", conn.connectionID)

		testutils.WithTimeoutDuration(t, testutils.SignalTimeout, func() string {
			if therapist.Peers().Get("child") != nil {
				return "therapist still has a connection to child"
			}
			return ""
		})
		relay.refuse.Store(false)

		waitForPeer(t, child, "therapist", PeerStateConnected)
		waitForPeer(t, therapist, "child", PeerStateConnected)
		waitForState(t, child, CallStateConnected)
		waitForState(t, therapist, CallStateConnected)
		require.Equal(t, 2, child.transports.Count("therapist"))
		require.Equal(t, 2, therapist.transports.Count("child"))
		require.True(t, child.transports.First("therapist").IsClosed())
	})

	t.Run("fails once the relay stays unreachable", func(t *testing.T) {
		relay := newTestRelay()
		child := newTestCall(t, relay, "child", func(p *CallParams) {
			p.Signal.ReconnectMaxAttempts = 2
		})
		child.join(t)
		waitForState(t, child, CallStateConnected)

		relay.refuse.Store(true)
		relay.drop("child")

		waitForState(t, child, CallStateFailed)
		require.ErrorIs(t, child.Err(), ErrSignalingUnavailable)
		require.Empty(t, child.Media().ActiveTracks())
	})
}

func TestCallSignallingUnavailableOnJoin(t *testing.T) {
	relay := newTestRelay()
	relay.refuse.Store(true)
	child := newTestCall(t, relay, "child")

	ctx, cancel := context.WithTimeout(context.Background(), testutils.SignalTimeout)
	defer cancel()
	err := child.Join(ctx)
	require.ErrorIs(t, err, ErrSignalingUnavailable)
	require.ErrorIs(t, err, errRelayDown)
	require.Equal(t, CallStateFailed, child.State())
	for _, track := range child.devices.Issued() {
		require.True(t, track.IsStopped())
	}
}

func TestCallRoomFull(t *testing.T) {
	relay := newTestRelay()
	relay.room = rooms.NewRoom("room", "", 1, nil)
	therapist := newTestCall(t, relay, "therapist")
	therapist.join(t)

	child := newTestCall(t, relay, "child")
	ctx, cancel := context.WithTimeout(context.Background(), testutils.SignalTimeout)
	defer cancel()
	err := child.Join(ctx)
	require.ErrorIs(t, err, ErrRoomFull)
	require.ErrorIs(t, err, &signalling.RemoteError{Code: signalling.ErrorCodeRoomFull})
	require.NotErrorIs(t, err, ErrSignalingUnavailable)

	require.Equal(t, CallStateFailed, child.State())
	require.ErrorIs(t, child.Err(), ErrRoomFull)
	for _, track := range child.devices.Issued() {
		require.True(t, track.IsStopped())
	}
	// the full room did not count as a relay outage
	require.Equal(t, 2, relay.Dials())
}

func TestCallPeerLeaves(t *testing.T) {
	relay := newTestRelay()
	therapist := newTestCall(t, relay, "therapist")
	child := newTestCall(t, relay, "child")
	parent := newTestCall(t, relay, "parent")

	therapist.join(t)
	child.join(t)
	parent.join(t)
	for _, pair := range [][2]*testCall{{therapist, child}, {therapist, parent}, {child, parent}} {
		waitForPeer(t, pair[0], pair[1].params.ParticipantID, PeerStateConnected)
		waitForPeer(t, pair[1], pair[0].params.ParticipantID, PeerStateConnected)
	}

	toParent := therapist.transports.Latest("parent")
	require.NoError(t, parent.Leave())
	require.Equal(t, CallStateEnded, parent.State())

	testutils.WithTimeoutDuration(t, testutils.SignalTimeout, func() string {
		if therapist.Peers().Len() != 1 || child.Peers().Len() != 1 {
			return "connections to parent not removed"
		}
		return ""
	})
	require.True(t, toParent.IsClosed())
	waitForState(t, therapist, CallStateConnected)
	waitForState(t, child, CallStateConnected)
	require.Len(t, therapist.Roster(), 2)

	// the remaining pair is untouched
	require.Equal(t, 1, therapist.transports.Count("child"))
	require.Equal(t, PeerStateConnected, therapist.Peers().Get("child").State())
}

func TestCallLeaveReleasesEverything(t *testing.T) {
	relay := newTestRelay()
	therapist := newTestCall(t, relay, "therapist")
	child := newTestCall(t, relay, "child")
	therapist.join(t)
	child.join(t)
	waitForPeer(t, child, "therapist", PeerStateConnected)

	require.NoError(t, child.Leave())
	require.Equal(t, CallStateEnded, child.State())
	require.NoError(t, child.Err())

	for _, track := range child.devices.Issued() {
		require.True(t, track.IsStopped())
	}
	for _, transport := range child.transports.All() {
		require.True(t, transport.IsClosed())
	}
	require.Equal(t, 0, child.Peers().Len())
	_, ok := relay.room.GetParticipant("child")
	require.False(t, ok)

	// leaving twice is harmless
	require.NoError(t, child.Leave())
	require.ErrorIs(t, child.SetAudioEnabled(true), ErrTrackUnavailable)
}

func TestCallNegotiationTimeout(t *testing.T) {
	relay := newTestRelay()
	short := func(p *CallParams) {
		p.NegotiationTimeout = 100 * time.Millisecond
	}
	therapist := newTestCall(t, relay, "therapist", short)
	child := newTestCall(t, relay, "child", short)
	therapist.transports.autoConnect = false
	child.transports.autoConnect = false

	therapist.join(t)
	child.join(t)

	waitForState(t, child, CallStateFailed)
	require.ErrorIs(t, child.Err(), ErrNegotiationTimeout)
	for _, transport := range child.transports.All() {
		require.True(t, transport.IsClosed())
	}
}
