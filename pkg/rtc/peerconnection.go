package rtc

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/parlo-health/parlo-call/pkg/logger"
	"github.com/parlo-health/parlo-call/pkg/rtc/signalling"
	"github.com/parlo-health/parlo-call/pkg/rtc/types"
	"github.com/parlo-health/parlo-call/pkg/telemetry/prometheus"
)

const (
	DefaultNegotiationTimeout = 30 * time.Second

	// consecutive failures before negotiation is given up
	maxNegotiationFailures = 2
	maxICERestarts         = 1
)

type PeerState string

const (
	PeerStateNew             PeerState = "new"
	PeerStateHaveLocalOffer  PeerState = "have-local-offer"
	PeerStateHaveRemoteOffer PeerState = "have-remote-offer"
	PeerStateStable          PeerState = "stable"
	PeerStateConnected       PeerState = "connected"
	PeerStateDisconnected    PeerState = "disconnected"
	PeerStateFailed          PeerState = "failed"
	PeerStateClosed          PeerState = "closed"
)

func (s PeerState) IsFinal() bool {
	return s == PeerStateFailed || s == PeerStateClosed
}

// Signaller sends a negotiation message to the remote peer.
type Signaller func(msgType signalling.MessageType, payload interface{}) error

type PeerConnectionParams struct {
	LocalID            string
	RemoteID           string
	Transport          types.PeerTransport
	Tracks             []types.LocalTrack
	NegotiationTimeout time.Duration
	Send               Signaller
	// Enqueue runs f on the event loop that owns this PeerConnection
	Enqueue func(f func())
	Logger  logger.Logger
}

// PeerConnection negotiates with one remote participant. Apart from the
// getters, every method must be called on the owning event loop; transport
// callbacks and timers are posted there through Enqueue.
type PeerConnection struct {
	params PeerConnectionParams
	polite bool

	lock  sync.RWMutex
	state PeerState

	iceConnected       bool
	everConnected      bool
	remoteDescription  bool
	pendingCandidates  []webrtc.ICECandidateInit
	pendingNegotiation bool
	pendingICERestart  bool
	iceRestarts        int
	failures           int
	negotiationStart   time.Time
	timer              *time.Timer
	timerGen           uint64
	// the running timer was armed at discovery, before any offer
	discoveryTimer bool

	onStateChange func(pc *PeerConnection, state PeerState, err error)
}

func NewPeerConnection(params PeerConnectionParams) (*PeerConnection, error) {
	if params.NegotiationTimeout <= 0 {
		params.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	params.Logger = params.Logger.WithValues("remote", params.RemoteID)

	p := &PeerConnection{
		params: params,
		polite: IsPolite(params.LocalID, params.RemoteID),
		state:  PeerStateNew,
	}
	for _, t := range params.Tracks {
		if err := params.Transport.AddTrack(t); err != nil {
			_ = params.Transport.Close()
			return nil, err
		}
	}

	params.Transport.OnICECandidate(func(c webrtc.ICECandidateInit) {
		params.Enqueue(func() {
			p.sendCandidate(c)
		})
	})
	params.Transport.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		params.Enqueue(func() {
			p.handleConnectionState(s)
		})
	})
	return p, nil
}

func (p *PeerConnection) RemoteID() string {
	return p.params.RemoteID
}

func (p *PeerConnection) IsPolite() bool {
	return p.polite
}

func (p *PeerConnection) State() PeerState {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.state
}

func (p *PeerConnection) ICERestarts() int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.iceRestarts
}

func (p *PeerConnection) PendingCandidates() int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return len(p.pendingCandidates)
}

func (p *PeerConnection) Transport() types.PeerTransport {
	return p.params.Transport
}

// OnStateChange is called on the event loop. err is set when entering failed.
func (p *PeerConnection) OnStateChange(f func(pc *PeerConnection, state PeerState, err error)) {
	p.onStateChange = f
}

// Negotiate sends an offer, or defers it until the current exchange settles.
func (p *PeerConnection) Negotiate() {
	if p.State().IsFinal() {
		return
	}
	if !p.canNegotiate() {
		p.params.Logger.Debugw("deferring negotiation", "state", p.State())
		p.pendingNegotiation = true
		return
	}
	p.offer(false)
}

// AwaitNegotiation arms the negotiation timeout for a peer that has been
// discovered but not yet offered to. The timeout restarts with the first offer.
func (p *PeerConnection) AwaitNegotiation() {
	if p.State().IsFinal() || p.timer != nil {
		return
	}
	p.startTimer()
	p.discoveryTimer = p.timer != nil
}

// AddTracks attaches tracks acquired after negotiation. The caller decides
// when to renegotiate.
func (p *PeerConnection) AddTracks(tracks []types.LocalTrack) error {
	for _, t := range tracks {
		if err := p.params.Transport.AddTrack(t); err != nil {
			return err
		}
	}
	return nil
}

func (p *PeerConnection) HandleOffer(payload *signalling.SessionDescriptionPayload) {
	if p.State().IsFinal() {
		return
	}
	sd, err := ToSessionDescription(payload)
	if err != nil {
		p.negotiationFailed("offer", err)
		return
	}

	if p.State() == PeerStateHaveLocalOffer {
		if !p.polite {
			p.params.Logger.Infow("ignoring colliding offer")
			prometheus.RecordNegotiation("glare", "ignored")
			return
		}
		if err := p.params.Transport.Rollback(); err != nil {
			p.negotiationFailed("rollback", err)
			return
		}
		p.params.Logger.Infow("rolled back local offer for remote offer")
		prometheus.RecordNegotiation("glare", "rollback")
		p.transportReplaced()
		p.setState(PeerStateStable, nil)
	}

	p.startTimer()
	p.setState(PeerStateHaveRemoteOffer, nil)
	err = p.params.Transport.SetRemoteDescription(sd)
	if errors.Is(err, ErrRemoteReset) {
		if err = p.resetTransport(); err == nil {
			err = p.params.Transport.SetRemoteDescription(sd)
		}
	}
	if err != nil {
		p.negotiationFailed("offer", err)
		return
	}
	p.remoteDescriptionApplied()

	answer, err := p.params.Transport.CreateAnswer()
	if err != nil {
		p.negotiationFailed("answer", err)
		return
	}
	if err := p.params.Send(signalling.MessageTypePeerAnswer, FromSessionDescription(answer, false)); err != nil {
		p.params.Logger.Warnw("could not send answer", err)
	}
	prometheus.RecordNegotiation("answer", "sent")
	p.negotiated()
}

func (p *PeerConnection) HandleAnswer(payload *signalling.SessionDescriptionPayload) {
	if p.State() != PeerStateHaveLocalOffer {
		p.params.Logger.Debugw("ignoring answer without pending offer", "state", p.State())
		return
	}
	sd, err := ToSessionDescription(payload)
	if err != nil {
		p.negotiationFailed("answer", err)
		return
	}
	err = p.params.Transport.SetRemoteDescription(sd)
	if errors.Is(err, ErrRemoteReset) {
		// the answer belongs to a connection we never negotiated with
		p.params.Logger.Infow("remote replaced its connection, offering again")
		if err := p.resetTransport(); err != nil {
			p.negotiationFailed("answer", err)
			return
		}
		p.offer(false)
		return
	}
	if err != nil {
		p.negotiationFailed("answer", err)
		return
	}
	p.remoteDescriptionApplied()
	prometheus.RecordNegotiation("answer", "received")
	p.negotiated()
}

// HandleCandidate queues the candidate until a remote description exists.
// Queued candidates are applied in arrival order.
func (p *PeerConnection) HandleCandidate(payload *signalling.ICECandidatePayload) {
	if p.State().IsFinal() {
		return
	}
	candidate, err := ToICECandidateInit(payload)
	if err != nil {
		p.params.Logger.Warnw("dropping malformed candidate", err)
		prometheus.RecordNegotiation("candidate", "malformed")
		return
	}

	p.lock.Lock()
	if !p.remoteDescription {
		p.pendingCandidates = append(p.pendingCandidates, candidate)
		p.lock.Unlock()
		return
	}
	p.lock.Unlock()

	if err := p.params.Transport.AddICECandidate(candidate); err != nil {
		p.params.Logger.Warnw("could not add candidate", err)
	}
}

// Close releases the transport. No state change is reported.
func (p *PeerConnection) Close() {
	p.lock.Lock()
	if p.state == PeerStateClosed {
		p.lock.Unlock()
		return
	}
	p.state = PeerStateClosed
	p.pendingCandidates = nil
	p.lock.Unlock()

	p.stopTimer()
	if err := p.params.Transport.Close(); err != nil {
		p.params.Logger.Debugw("error closing transport", "error", err)
	}
}

// RequestKeyframe asks the remote to refresh its video.
func (p *PeerConnection) RequestKeyframe() {
	if p.State() != PeerStateConnected {
		return
	}
	if err := p.params.Transport.RequestKeyframe(); err != nil {
		p.params.Logger.Debugw("could not request keyframe", "error", err)
	}
}

func (p *PeerConnection) canNegotiate() bool {
	switch p.State() {
	case PeerStateNew, PeerStateStable, PeerStateConnected, PeerStateDisconnected:
		return p.params.Transport.SignalingState() != webrtc.SignalingStateHaveRemoteOffer
	}
	return false
}

func (p *PeerConnection) offer(iceRestart bool) {
	p.startTimer()
	offer, err := p.params.Transport.CreateOffer(iceRestart)
	if err != nil {
		p.negotiationFailed("offer", err)
		return
	}
	p.setState(PeerStateHaveLocalOffer, nil)
	if err := p.params.Send(signalling.MessageTypePeerOffer, FromSessionDescription(offer, iceRestart)); err != nil {
		p.params.Logger.Warnw("could not send offer", err)
	}
	prometheus.RecordNegotiation("offer", "sent")
}

func (p *PeerConnection) remoteDescriptionApplied() {
	p.lock.Lock()
	p.remoteDescription = true
	pending := p.pendingCandidates
	p.pendingCandidates = nil
	p.lock.Unlock()

	for _, c := range pending {
		if err := p.params.Transport.AddICECandidate(c); err != nil {
			p.params.Logger.Warnw("could not add queued candidate", err)
		}
	}
}

func (p *PeerConnection) resetTransport() error {
	if err := p.params.Transport.Reset(); err != nil {
		return err
	}
	prometheus.RecordNegotiation("reset", "remote")
	p.transportReplaced()
	return nil
}

// transportReplaced forgets what a replaced connection had negotiated.
func (p *PeerConnection) transportReplaced() {
	p.lock.Lock()
	p.remoteDescription = false
	p.lock.Unlock()

	p.iceConnected = p.params.Transport.ConnectionState() == webrtc.PeerConnectionStateConnected
	if !p.iceConnected {
		p.startTimer()
	}
}

// negotiated runs when an offer/answer exchange completes.
func (p *PeerConnection) negotiated() {
	p.failures = 0
	if p.iceConnected {
		p.setState(PeerStateConnected, nil)
	} else {
		p.setState(PeerStateStable, nil)
	}

	switch {
	case p.pendingICERestart:
		p.pendingICERestart = false
		p.pendingNegotiation = false
		p.offer(true)
	case p.pendingNegotiation:
		p.pendingNegotiation = false
		p.offer(false)
	}
}

func (p *PeerConnection) negotiationFailed(kind string, err error) {
	p.failures++
	prometheus.RecordNegotiation(kind, "error")
	if p.failures >= maxNegotiationFailures {
		p.fail(errors.Wrapf(ErrNegotiationFailure, "%s: %v", kind, err))
		return
	}
	p.params.Logger.Warnw("negotiation failed", err, "kind", kind, "failures", p.failures)

	// realign with the transport
	switch p.params.Transport.SignalingState() {
	case webrtc.SignalingStateHaveLocalOffer:
		p.setState(PeerStateHaveLocalOffer, nil)
	case webrtc.SignalingStateHaveRemoteOffer:
		p.setState(PeerStateHaveRemoteOffer, nil)
	default:
		switch {
		case p.iceConnected:
			p.setState(PeerStateConnected, nil)
		case p.remoteDescriptionSet():
			p.setState(PeerStateStable, nil)
		default:
			p.setState(PeerStateNew, nil)
		}
	}
}

func (p *PeerConnection) remoteDescriptionSet() bool {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.remoteDescription
}

func (p *PeerConnection) handleConnectionState(s webrtc.PeerConnectionState) {
	if p.State().IsFinal() {
		return
	}
	p.params.Logger.Debugw("connection state changed", "state", s.String())

	switch s {
	case webrtc.PeerConnectionStateConnected:
		p.iceConnected = true
		p.stopTimer()
		if !p.everConnected {
			p.everConnected = true
			prometheus.RecordPeerConnected(time.Since(p.negotiationStart))
		}
		// a completed restart earns a fresh restart budget
		p.lock.Lock()
		p.iceRestarts = 0
		p.lock.Unlock()
		switch p.State() {
		case PeerStateStable, PeerStateDisconnected, PeerStateNew:
			p.setState(PeerStateConnected, nil)
		}

	case webrtc.PeerConnectionStateDisconnected:
		p.iceConnected = false
		if p.State() == PeerStateConnected {
			p.setState(PeerStateDisconnected, nil)
		}

	case webrtc.PeerConnectionStateFailed:
		p.iceConnected = false
		p.handleICEFailure()
	}
}

func (p *PeerConnection) handleICEFailure() {
	p.lock.Lock()
	if p.iceRestarts >= maxICERestarts {
		p.lock.Unlock()
		p.fail(ErrICEFailed)
		return
	}
	p.iceRestarts++
	p.lock.Unlock()

	p.params.Logger.Infow("ICE failed, restarting")
	prometheus.RecordICERestart()
	if p.State() == PeerStateConnected {
		p.setState(PeerStateDisconnected, nil)
	}
	if !p.canNegotiate() {
		p.pendingICERestart = true
		return
	}
	p.offer(true)
}

func (p *PeerConnection) fail(err error) {
	if p.State().IsFinal() {
		return
	}
	p.params.Logger.Warnw("peer connection failed", err)
	prometheus.RecordPeerFailure(failureReason(err))

	p.lock.Lock()
	p.pendingCandidates = nil
	p.lock.Unlock()
	p.stopTimer()
	if cerr := p.params.Transport.Close(); cerr != nil {
		p.params.Logger.Debugw("error closing transport", "error", cerr)
	}
	p.setState(PeerStateFailed, err)
}

func (p *PeerConnection) sendCandidate(c webrtc.ICECandidateInit) {
	if p.State().IsFinal() {
		return
	}
	if err := p.params.Send(signalling.MessageTypeICECandidate, FromICECandidateInit(c)); err != nil {
		p.params.Logger.Debugw("could not send candidate", "error", err)
	}
}

// startTimer bounds how long negotiation may run before the peer connects.
func (p *PeerConnection) startTimer() {
	if p.discoveryTimer {
		p.stopTimer()
	}
	if p.iceConnected || p.timer != nil {
		return
	}
	p.negotiationStart = time.Now()
	p.timerGen++
	gen := p.timerGen
	p.timer = time.AfterFunc(p.params.NegotiationTimeout, func() {
		p.params.Enqueue(func() {
			if gen != p.timerGen || p.iceConnected {
				return
			}
			p.fail(errors.Wrapf(ErrNegotiationTimeout, "not connected after %s", p.params.NegotiationTimeout))
		})
	})
}

func (p *PeerConnection) stopTimer() {
	if p.timer == nil {
		return
	}
	p.timer.Stop()
	p.timer = nil
	p.timerGen++
	p.discoveryTimer = false
}

func (p *PeerConnection) setState(state PeerState, err error) {
	p.lock.Lock()
	if p.state == state || p.state.IsFinal() {
		p.lock.Unlock()
		return
	}
	prev := p.state
	p.state = state
	p.lock.Unlock()

	p.params.Logger.Debugw("peer state changed", "from", prev, "to", state)
	if p.onStateChange != nil {
		p.onStateChange(p, state, err)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrICEFailed):
		return "ice"
	case errors.Is(err, ErrNegotiationTimeout):
		return "timeout"
	case errors.Is(err, ErrNegotiationFailure):
		return "negotiation"
	}
	return "other"
}
