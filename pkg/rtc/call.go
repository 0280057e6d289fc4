package rtc

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/parlo-health/parlo-call/pkg/config"
	"github.com/parlo-health/parlo-call/pkg/logger"
	"github.com/parlo-health/parlo-call/pkg/rtc/signalling"
	"github.com/parlo-health/parlo-call/pkg/rtc/types"
	"github.com/parlo-health/parlo-call/pkg/utils"
)

const defaultRenegotiateDebounce = 100 * time.Millisecond

type CallParams struct {
	RoomID        string
	ParticipantID string
	Name          string
	Role          signalling.Role

	Devices          types.MediaDevices
	Constraints      types.MediaConstraints
	Dialer           signalling.Dialer
	TransportFactory types.TransportFactory

	NegotiationTimeout  time.Duration
	Signal              config.SignalConfig
	RenegotiateDebounce time.Duration

	Logger logger.Logger
}

// Call is one participant's session in a room. Signalling messages, transport
// callbacks and timers are all handled on a single event loop, one at a time.
type Call struct {
	params CallParams
	logger logger.Logger

	ops         *utils.OpsQueue
	media       *MediaSession
	peers       *PeerConnectionManager
	machine     *ConnectionStateMachine
	dispatcher  *signalling.Dispatcher
	renegotiate func(f func())

	signalLock sync.RWMutex
	signal     *signalling.SignalClient

	rosterLock sync.RWMutex
	roster     map[string]signalling.ParticipantInfo

	// loop only
	signalUp     bool
	rosterLoaded bool
	early        []*signalling.Message

	joinStarted atomic.Bool
	torndown    atomic.Bool

	lock          sync.RWMutex
	onStateChange func(from, to CallState, err error)
}

func NewCall(params CallParams) *Call {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Role == "" {
		params.Role = signalling.RoleGuest
	}
	if params.RenegotiateDebounce <= 0 {
		params.RenegotiateDebounce = defaultRenegotiateDebounce
	}
	l := params.Logger.WithValues("room", params.RoomID, "participant", params.ParticipantID)

	c := &Call{
		params:      params,
		logger:      l,
		ops:         utils.NewOpsQueue(l, "call"),
		roster:      make(map[string]signalling.ParticipantInfo),
		renegotiate: debounce.New(params.RenegotiateDebounce),
	}
	c.media = NewMediaSession(MediaSessionParams{
		Devices:     params.Devices,
		Constraints: params.Constraints,
		Logger:      l,
	})
	c.media.OnUpdate(c.sendMediaUpdate)
	c.peers = NewPeerConnectionManager(PeerManagerParams{
		LocalID:            params.ParticipantID,
		TransportFactory:   params.TransportFactory,
		NegotiationTimeout: params.NegotiationTimeout,
		Send:               c.sendSignal,
		Enqueue:            c.enqueue,
		Logger:             l,
	})
	c.peers.OnStateChange(c.handlePeerState)
	c.machine = NewConnectionStateMachine(c.teardown)
	c.machine.OnTransition(c.handleTransition)
	c.dispatcher = signalling.NewDispatcher().
		On(signalling.MessageTypeParticipantList, signalling.Typed(c.handleParticipantList)).
		On(signalling.MessageTypePeerOffer, c.peers.HandleSignal).
		On(signalling.MessageTypePeerAnswer, c.peers.HandleSignal).
		On(signalling.MessageTypeICECandidate, c.peers.HandleSignal).
		On(signalling.MessageTypeParticipantUpdate, signalling.Typed(c.handleParticipantUpdate)).
		On(signalling.MessageTypeError, c.handleError).
		Otherwise(func(msg *signalling.Message) error {
			c.logger.Debugw("ignoring message", "type", msg.Type, "sender", msg.SenderID)
			return nil
		})
	return c
}

// OnStateChange is called on the event loop after every call state change.
func (c *Call) OnStateChange(f func(from, to CallState, err error)) {
	c.lock.Lock()
	c.onStateChange = f
	c.lock.Unlock()
}

// Join acquires media, joins the room and starts negotiating with everyone
// already present. It returns once the join handshake completes.
func (c *Call) Join(ctx context.Context) error {
	if !c.joinStarted.CompareAndSwap(false, true) {
		return ErrAlreadyJoined
	}
	c.ops.Start()

	if err := c.fireOnLoop(EventJoinRequested, nil); err != nil {
		return err
	}

	tracks, err := c.media.Acquire(ctx)
	if err != nil {
		_ = c.Leave()
		return err
	}
	state := c.media.State()
	event := EventMediaAcquired
	if state.IsObserver() {
		event = EventMediaDenied
	}
	if err := c.fireOnLoop(event, nil); err != nil {
		return err
	}

	flags := state.Flags()
	client := signalling.NewSignalClient(signalling.ClientParams{
		RoomID:        c.params.RoomID,
		ParticipantID: c.params.ParticipantID,
		Join: signalling.JoinRoomPayload{
			Role:     c.params.Role,
			Name:     c.params.Name,
			Muted:    flags.Muted,
			VideoOff: flags.VideoOff,
		},
		Dialer:                   c.params.Dialer,
		ReconnectMaxAttempts:     c.params.Signal.ReconnectMaxAttempts,
		ReconnectInitialInterval: c.params.Signal.ReconnectInitialInterval,
		ReconnectMaxInterval:     c.params.Signal.ReconnectMaxInterval,
		OutboundBufferSize:       c.params.Signal.OutboundBufferSize,
		HandshakeTimeout:         c.params.Signal.HandshakeTimeout,
		Logger:                   c.params.Logger,
	})
	client.OnMessage(func(msg *signalling.Message) {
		c.enqueue(func() {
			// the read loop starts before the join roster is applied
			if !c.rosterLoaded {
				c.early = append(c.early, msg)
				return
			}
			c.dispatch(msg)
		})
	})
	client.OnDisconnected(func(err error) {
		c.enqueue(func() {
			c.signalUp = false
			_ = c.fire(EventSignalingLost, err)
		})
	})
	client.OnReconnected(func(roster *signalling.ParticipantListPayload) {
		c.enqueue(func() {
			c.handleRejoin(roster)
		})
	})
	client.OnUnavailable(func(err error) {
		c.enqueue(func() {
			c.signalUp = false
			_ = c.fire(EventSignalingUnavailable, err)
		})
	})

	c.signalLock.Lock()
	c.signal = client
	c.signalLock.Unlock()

	roster, err := client.Connect(ctx)
	if err != nil {
		event := EventSignalingUnavailable
		switch {
		case errors.Is(err, &signalling.RemoteError{Code: signalling.ErrorCodeRoomFull}):
			event = EventJoinRejected
			err = multierr.Append(ErrRoomFull, err)
		case !errors.Is(err, ErrSignalingUnavailable):
			err = multierr.Append(ErrSignalingUnavailable, err)
		}
		_ = c.runOnLoop(func() {
			_ = c.fire(event, err)
		})
		return err
	}

	err = c.runOnLoop(func() {
		c.signalUp = true
		c.peers.SetTracks(tracks)
		c.setRoster(roster.Participants)

		added, _ := c.peers.Reconcile(roster.Participants, true)
		if len(added) == 0 {
			_ = c.fire(EventRoomJoined, nil)
		} else {
			_ = c.fire(EventPeerDiscovered, nil)
		}

		c.rosterLoaded = true
		early := c.early
		c.early = nil
		for _, msg := range early {
			c.dispatch(msg)
		}
	})
	if err != nil {
		client.Close()
	}
	return err
}

// Leave tears the call down. On return no track is live, no peer
// connection is open and the relay has been told.
func (c *Call) Leave() error {
	if c.ops.IsStopped() {
		return nil
	}
	c.ops.Start()
	err := c.runOnLoop(func() {
		if err := c.fire(EventLeave, nil); err != nil {
			// already terminal
			c.teardown()
		}
	})
	c.ops.Stop()
	<-c.ops.Done()
	if errors.Is(err, ErrCallClosed) {
		c.teardown()
		return nil
	}
	return err
}

// Reacquire retries capture for modalities not held and renegotiates with
// every peer if anything new was acquired.
func (c *Call) Reacquire(ctx context.Context) error {
	tracks, err := c.media.Reacquire(ctx)
	if err != nil || len(tracks) == 0 {
		return err
	}
	if err := c.runOnLoop(func() {
		c.peers.AddTracks(tracks)
	}); err != nil {
		return err
	}
	c.sendMediaUpdate(c.media.State().Flags())
	c.renegotiate(func() {
		c.enqueue(c.peers.NegotiateAll)
	})
	return nil
}

func (c *Call) SetAudioEnabled(enabled bool) error {
	return c.media.SetAudioEnabled(enabled)
}

func (c *Call) SetVideoEnabled(enabled bool) error {
	return c.media.SetVideoEnabled(enabled)
}

func (c *Call) State() CallState {
	return c.machine.State()
}

// Err returns why the call failed.
func (c *Call) Err() error {
	return c.machine.Err()
}

func (c *Call) Media() *MediaSession {
	return c.media
}

func (c *Call) Peers() *PeerConnectionManager {
	return c.peers
}

// Roster returns the last known participants, sorted by id.
func (c *Call) Roster() []signalling.ParticipantInfo {
	c.rosterLock.RLock()
	defer c.rosterLock.RUnlock()

	list := make([]signalling.ParticipantInfo, 0, len(c.roster))
	for _, p := range c.roster {
		list = append(list, p)
	}
	sortParticipants(list)
	return list
}

func (c *Call) dispatch(msg *signalling.Message) {
	if c.State().IsTerminal() {
		return
	}
	if err := c.dispatcher.Dispatch(msg); err != nil {
		c.logger.Warnw("could not handle message", err, "type", msg.Type, "sender", msg.SenderID)
	}
}

func (c *Call) handleParticipantList(_ *signalling.Message, list *signalling.ParticipantListPayload) error {
	c.setRoster(list.Participants)

	for _, id := range list.Left {
		if id == c.params.ParticipantID {
			continue
		}
		if c.peers.Remove(id) {
			_ = c.fire(EventPeerLeft, nil)
		}
	}
	for _, p := range list.Joined {
		if p.ID == c.params.ParticipantID {
			continue
		}
		// the joiner offers
		if _, created, err := c.peers.Ensure(p.ID); err != nil {
			c.logger.Warnw("could not create peer connection", err, "remote", p.ID)
		} else if created {
			_ = c.fire(EventPeerDiscovered, nil)
		}
	}
	return nil
}

func (c *Call) handleParticipantUpdate(msg *signalling.Message, update *signalling.ParticipantUpdatePayload) error {
	c.rosterLock.Lock()
	p, ok := c.roster[msg.SenderID]
	videoResumed := ok && p.VideoOff && !update.VideoOff
	if ok {
		p.Muted = update.Muted
		p.VideoOff = update.VideoOff
		c.roster[msg.SenderID] = p
	}
	c.rosterLock.Unlock()

	if videoResumed {
		if pc := c.peers.Get(msg.SenderID); pc != nil {
			pc.RequestKeyframe()
		}
	}
	return nil
}

func (c *Call) handleError(msg *signalling.Message) error {
	c.logger.Warnw("relay reported error", signalling.RemoteErrorFromMessage(msg))
	return nil
}

// handleRejoin keeps existing peer connections across a signalling
// reconnect and offers to anyone who arrived while we were away.
func (c *Call) handleRejoin(roster *signalling.ParticipantListPayload) {
	if c.State().IsTerminal() {
		return
	}
	c.signalUp = true
	c.setRoster(roster.Participants)
	if !roster.Resumed {
		// the relay dropped us; peers have torn down their side
		for _, pc := range c.peers.Peers() {
			c.peers.Remove(pc.RemoteID())
		}
	}
	added, removed := c.peers.Reconcile(roster.Participants, true)
	c.logger.Infow("signalling restored", "added", added, "removed", removed)

	_ = c.fire(EventSignalingRestored, nil)
	if len(added) > 0 {
		_ = c.fire(EventPeerDiscovered, nil)
	}
}

func (c *Call) handlePeerState(pc *PeerConnection, state PeerState, err error) {
	switch state {
	case PeerStateConnected:
		if c.signalUp {
			_ = c.fire(EventPeerConnected, nil)
		}
	case PeerStateDisconnected:
		_ = c.fire(EventPeerLost, nil)
	case PeerStateFailed:
		c.peers.Remove(pc.RemoteID())
		if errors.Is(err, ErrNegotiationTimeout) {
			_ = c.fire(EventNegotiationTimeout, err)
		} else {
			_ = c.fire(EventPeerFailed, err)
		}
	}
}

func (c *Call) handleTransition(from, to CallState, event CallEvent, err error) {
	if to == CallStateFailed {
		c.logger.Warnw("call failed", err, "from", from, "event", event)
	} else {
		c.logger.Infow("call state changed", "from", from, "to", to, "event", event)
	}
	c.lock.RLock()
	onStateChange := c.onStateChange
	c.lock.RUnlock()
	if onStateChange != nil {
		onStateChange(from, to, err)
	}
}

// teardown releases everything the call owns. It runs before a terminal
// state is published.
func (c *Call) teardown() {
	if !c.torndown.CompareAndSwap(false, true) {
		return
	}
	c.media.Stop()
	c.peers.CloseAll()

	c.signalLock.RLock()
	client := c.signal
	c.signalLock.RUnlock()
	if client != nil {
		client.Close()
	}
}

func (c *Call) fire(event CallEvent, cause error) error {
	_, err := c.machine.Fire(event, cause)
	if err != nil {
		c.logger.Debugw("ignoring call event", "event", event, "state", c.machine.State())
	}
	return err
}

func (c *Call) fireOnLoop(event CallEvent, cause error) error {
	var fireErr error
	if err := c.runOnLoop(func() {
		fireErr = c.fire(event, cause)
	}); err != nil {
		return err
	}
	return fireErr
}

func (c *Call) sendSignal(msg *signalling.Message) error {
	c.signalLock.RLock()
	client := c.signal
	c.signalLock.RUnlock()
	if client == nil {
		return ErrSignalingUnavailable
	}
	return client.Send(msg)
}

func (c *Call) sendMediaUpdate(flags signalling.ParticipantUpdatePayload) {
	msg, err := signalling.NewMessage(signalling.MessageTypeParticipantUpdate, c.params.RoomID, c.params.ParticipantID, &flags)
	if err != nil {
		return
	}
	if err := c.sendSignal(msg); err != nil {
		c.logger.Debugw("could not send media update", "error", err)
	}
}

func (c *Call) setRoster(participants []signalling.ParticipantInfo) {
	c.rosterLock.Lock()
	c.roster = make(map[string]signalling.ParticipantInfo, len(participants))
	for _, p := range participants {
		c.roster[p.ID] = p
	}
	c.rosterLock.Unlock()
}

func sortParticipants(list []signalling.ParticipantInfo) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})
}

func (c *Call) enqueue(f func()) {
	c.ops.Enqueue(f)
}

// runOnLoop runs f on the event loop and waits for it.
func (c *Call) runOnLoop(f func()) error {
	done := make(chan struct{})
	if !c.ops.Enqueue(func() {
		defer close(done)
		f()
	}) {
		return ErrCallClosed
	}
	select {
	case <-done:
		return nil
	case <-c.ops.Done():
		return ErrCallClosed
	}
}
