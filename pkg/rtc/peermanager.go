package rtc

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/parlo-health/parlo-call/pkg/logger"
	"github.com/parlo-health/parlo-call/pkg/rtc/signalling"
	"github.com/parlo-health/parlo-call/pkg/rtc/types"
)

// PairKey identifies the connection between two participants regardless of
// which side created it.
type PairKey struct {
	A string
	B string
}

func NewPairKey(x, y string) PairKey {
	if x > y {
		x, y = y, x
	}
	return PairKey{A: x, B: y}
}

func (k PairKey) String() string {
	return k.A + "|" + k.B
}

type PeerManagerParams struct {
	LocalID            string
	TransportFactory   types.TransportFactory
	NegotiationTimeout time.Duration
	// Send delivers a message whose TargetID is already set
	Send    func(msg *signalling.Message) error
	Enqueue func(f func())
	Logger  logger.Logger
}

// PeerConnectionManager holds at most one PeerConnection per pair. Mutating
// methods run on the owning event loop; lookups are safe from any goroutine.
type PeerConnectionManager struct {
	params     PeerManagerParams
	dispatcher *signalling.Dispatcher

	lock   sync.RWMutex
	peers  map[PairKey]*PeerConnection
	tracks []types.LocalTrack

	onStateChange func(pc *PeerConnection, state PeerState, err error)
}

func NewPeerConnectionManager(params PeerManagerParams) *PeerConnectionManager {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	m := &PeerConnectionManager{
		params: params,
		peers:  make(map[PairKey]*PeerConnection),
	}
	m.dispatcher = signalling.NewDispatcher().
		On(signalling.MessageTypePeerOffer, signalling.Typed(m.handleOffer)).
		On(signalling.MessageTypePeerAnswer, signalling.Typed(m.handleAnswer)).
		On(signalling.MessageTypeICECandidate, signalling.Typed(m.handleCandidate))
	return m
}

func (m *PeerConnectionManager) OnStateChange(f func(pc *PeerConnection, state PeerState, err error)) {
	m.onStateChange = f
}

// SetTracks sets the local tracks attached to connections created from now on.
func (m *PeerConnectionManager) SetTracks(tracks []types.LocalTrack) {
	m.lock.Lock()
	m.tracks = append([]types.LocalTrack(nil), tracks...)
	m.lock.Unlock()
}

// AddTracks attaches new local tracks to every connection. Renegotiation is
// left to the caller.
func (m *PeerConnectionManager) AddTracks(tracks []types.LocalTrack) {
	m.lock.Lock()
	m.tracks = append(m.tracks, tracks...)
	m.lock.Unlock()

	for _, pc := range m.Peers() {
		if err := pc.AddTracks(tracks); err != nil {
			pc.params.Logger.Warnw("could not add tracks", err)
		}
	}
}

// Ensure returns the connection to remoteID, creating it if needed.
func (m *PeerConnectionManager) Ensure(remoteID string) (*PeerConnection, bool, error) {
	if remoteID == "" || remoteID == m.params.LocalID {
		return nil, false, errors.Errorf("invalid remote %q", remoteID)
	}
	key := NewPairKey(m.params.LocalID, remoteID)

	m.lock.RLock()
	pc := m.peers[key]
	tracks := m.tracks
	m.lock.RUnlock()
	if pc != nil {
		return pc, false, nil
	}

	transport, err := m.params.TransportFactory(remoteID)
	if err != nil {
		return nil, false, errors.Wrap(err, "could not create transport")
	}
	pc, err = NewPeerConnection(PeerConnectionParams{
		LocalID:            m.params.LocalID,
		RemoteID:           remoteID,
		Transport:          transport,
		Tracks:             tracks,
		NegotiationTimeout: m.params.NegotiationTimeout,
		Send:               m.signallerFor(remoteID),
		Enqueue:            m.params.Enqueue,
		Logger:             m.params.Logger,
	})
	if err != nil {
		return nil, false, err
	}
	pc.OnStateChange(m.handleStateChange)

	m.lock.Lock()
	m.peers[key] = pc
	m.lock.Unlock()

	// fails the pair if neither side ever offers
	pc.AwaitNegotiation()

	m.params.Logger.Infow("created peer connection", "remote", remoteID, "polite", pc.IsPolite())
	return pc, true, nil
}

func (m *PeerConnectionManager) Get(remoteID string) *PeerConnection {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.peers[NewPairKey(m.params.LocalID, remoteID)]
}

// Remove closes and forgets the connection to remoteID.
func (m *PeerConnectionManager) Remove(remoteID string) bool {
	key := NewPairKey(m.params.LocalID, remoteID)
	m.lock.Lock()
	pc := m.peers[key]
	delete(m.peers, key)
	m.lock.Unlock()

	if pc == nil {
		return false
	}
	pc.Close()
	m.params.Logger.Infow("removed peer connection", "remote", remoteID)
	return true
}

// Peers returns the connections sorted by remote id.
func (m *PeerConnectionManager) Peers() []*PeerConnection {
	m.lock.RLock()
	peers := make([]*PeerConnection, 0, len(m.peers))
	for _, pc := range m.peers {
		peers = append(peers, pc)
	}
	m.lock.RUnlock()

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].RemoteID() < peers[j].RemoteID()
	})
	return peers
}

func (m *PeerConnectionManager) Len() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.peers)
}

// HandleSignal routes a negotiation message from the relay.
func (m *PeerConnectionManager) HandleSignal(msg *signalling.Message) error {
	if msg.TargetID != "" && msg.TargetID != m.params.LocalID {
		return nil
	}
	return m.dispatcher.Dispatch(msg)
}

// Reconcile aligns connections with an authoritative roster. Existing pairs
// are kept untouched; departed peers are closed. New peers get a connection,
// offered to when offerForNew is set.
func (m *PeerConnectionManager) Reconcile(roster []signalling.ParticipantInfo, offerForNew bool) (added []string, removed []string) {
	present := make(map[string]bool, len(roster))
	for _, p := range roster {
		if p.ID == m.params.LocalID {
			continue
		}
		present[p.ID] = true
		pc, created, err := m.Ensure(p.ID)
		if err != nil {
			m.params.Logger.Warnw("could not create peer connection", err, "remote", p.ID)
			continue
		}
		if created {
			added = append(added, p.ID)
			if offerForNew {
				pc.Negotiate()
			}
		}
	}

	for _, pc := range m.Peers() {
		if !present[pc.RemoteID()] {
			m.Remove(pc.RemoteID())
			removed = append(removed, pc.RemoteID())
		}
	}
	return added, removed
}

// NegotiateAll requests renegotiation on every connection.
func (m *PeerConnectionManager) NegotiateAll() {
	for _, pc := range m.Peers() {
		pc.Negotiate()
	}
}

func (m *PeerConnectionManager) CloseAll() {
	m.lock.Lock()
	peers := m.peers
	m.peers = make(map[PairKey]*PeerConnection)
	m.lock.Unlock()

	for _, pc := range peers {
		pc.Close()
	}
}

func (m *PeerConnectionManager) signallerFor(remoteID string) Signaller {
	return func(msgType signalling.MessageType, payload interface{}) error {
		msg, err := signalling.NewMessage(msgType, "", m.params.LocalID, payload)
		if err != nil {
			return err
		}
		msg.TargetID = remoteID
		return m.params.Send(msg)
	}
}

func (m *PeerConnectionManager) handleStateChange(pc *PeerConnection, state PeerState, err error) {
	if m.onStateChange != nil {
		m.onStateChange(pc, state, err)
	}
}

func (m *PeerConnectionManager) handleOffer(msg *signalling.Message, payload *signalling.SessionDescriptionPayload) error {
	pc, _, err := m.Ensure(msg.SenderID)
	if err != nil {
		return err
	}
	pc.HandleOffer(payload)
	return nil
}

func (m *PeerConnectionManager) handleAnswer(msg *signalling.Message, payload *signalling.SessionDescriptionPayload) error {
	pc := m.Get(msg.SenderID)
	if pc == nil {
		m.params.Logger.Debugw("answer from unknown peer", "sender", msg.SenderID)
		return nil
	}
	pc.HandleAnswer(payload)
	return nil
}

// a peer sends its description before its candidates, so an unknown sender
// has already been removed
func (m *PeerConnectionManager) handleCandidate(msg *signalling.Message, payload *signalling.ICECandidatePayload) error {
	pc := m.Get(msg.SenderID)
	if pc == nil {
		m.params.Logger.Debugw("candidate from unknown peer", "sender", msg.SenderID)
		return nil
	}
	pc.HandleCandidate(payload)
	return nil
}
