package rtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/parlo-health/parlo-call/pkg/logger"
	"github.com/parlo-health/parlo-call/pkg/rtc/signalling"
	"github.com/parlo-health/parlo-call/pkg/rtc/types"
	"github.com/parlo-health/parlo-call/pkg/telemetry/prometheus"
)

func init() {
	logger.InitDevelopment("")
	prometheus.Init("test")
}

const testCandidate = "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host"

func testSDP(ufrag string) string {
	return "v=0\r\n" +
		"o=- 1 2 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"a=ice-ufrag:" + ufrag + "\r\n" +
		"a=ice-pwd:" + ufrag + "passwordpasswordpassword\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=mid:0\r\n"
}

func testCandidateN(port int) string {
	return fmt.Sprintf("candidate:1 1 udp 2130706431 127.0.0.1 %d typ host", port)
}

var errFakeClosed = errors.New("fake transport closed")

// fakeTransport follows the signalling state rules of a real peer connection
// without any networking. Connection state changes are driven by the test.
type fakeTransport struct {
	remoteID string
	// report connected whenever an exchange completes
	autoConnect bool

	lock       sync.Mutex
	state      webrtc.SignalingState
	generation int
	offers     []bool
	rollbacks  int
	resets     int
	connState  webrtc.PeerConnectionState
	// the next remote description reports a replaced remote connection
	remoteReplaced bool
	hasRemote      bool
	candidates     []webrtc.ICECandidateInit
	tracks         []types.LocalTrack
	keyframes      int
	closed         bool
	failAnswer     error
	onCandidate    func(c webrtc.ICECandidateInit)
	onConnState    func(s webrtc.PeerConnectionState)
}

func newFakeTransport(remoteID string) *fakeTransport {
	return &fakeTransport{
		remoteID: remoteID,
		state:    webrtc.SignalingStateStable,
	}
}

func (f *fakeTransport) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.closed {
		return webrtc.SessionDescription{}, errFakeClosed
	}
	if f.state != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, errors.Errorf("cannot offer in %s", f.state)
	}
	if iceRestart || f.generation == 0 {
		f.generation++
	}
	f.state = webrtc.SignalingStateHaveLocalOffer
	f.offers = append(f.offers, iceRestart)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP(fmt.Sprintf("ufrag%d", f.generation))}, nil
}

func (f *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.closed {
		return webrtc.SessionDescription{}, errFakeClosed
	}
	if f.failAnswer != nil {
		return webrtc.SessionDescription{}, f.failAnswer
	}
	if f.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.Errorf("cannot answer in %s", f.state)
	}
	if f.generation == 0 {
		f.generation++
	}
	f.state = webrtc.SignalingStateStable
	f.connectLocked()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP(fmt.Sprintf("ufrag%d", f.generation))}, nil
}

func (f *fakeTransport) SetRemoteDescription(sd webrtc.SessionDescription) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.closed {
		return errFakeClosed
	}
	if f.remoteReplaced {
		f.remoteReplaced = false
		return ErrRemoteReset
	}
	switch sd.Type {
	case webrtc.SDPTypeOffer:
		if f.state != webrtc.SignalingStateStable {
			return errors.Errorf("cannot apply offer in %s", f.state)
		}
		f.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if f.state != webrtc.SignalingStateHaveLocalOffer {
			return errors.Errorf("cannot apply answer in %s", f.state)
		}
		f.state = webrtc.SignalingStateStable
		f.connectLocked()
	}
	f.hasRemote = true
	return nil
}

func (f *fakeTransport) Rollback() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.state != webrtc.SignalingStateHaveLocalOffer {
		return ErrNoPendingOffer
	}
	f.state = webrtc.SignalingStateStable
	f.rollbacks++
	return nil
}

func (f *fakeTransport) Reset() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.closed {
		return errFakeClosed
	}
	f.state = webrtc.SignalingStateStable
	f.connState = webrtc.PeerConnectionStateNew
	f.hasRemote = false
	f.candidates = nil
	f.resets++
	return nil
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.hasRemote {
		return errors.New("remote description not set")
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeTransport) AddTrack(track types.LocalTrack) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.tracks = append(f.tracks, track)
	return nil
}

func (f *fakeTransport) RequestKeyframe() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.keyframes++
	return nil
}

func (f *fakeTransport) SignalingState() webrtc.SignalingState {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.state
}

func (f *fakeTransport) ConnectionState() webrtc.PeerConnectionState {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.connState
}

func (f *fakeTransport) Close() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.closed = true
	f.state = webrtc.SignalingStateClosed
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(c webrtc.ICECandidateInit)) {
	f.lock.Lock()
	f.onCandidate = fn
	f.lock.Unlock()
}

func (f *fakeTransport) OnConnectionStateChange(fn func(s webrtc.PeerConnectionState)) {
	f.lock.Lock()
	f.onConnState = fn
	f.lock.Unlock()
}

func (f *fakeTransport) OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {}

func (f *fakeTransport) connectLocked() {
	if f.autoConnect && !f.closed {
		go f.setConnectionState(webrtc.PeerConnectionStateConnected)
	}
}

func (f *fakeTransport) setConnectionState(s webrtc.PeerConnectionState) {
	f.lock.Lock()
	f.connState = s
	fn := f.onConnState
	f.lock.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (f *fakeTransport) emitCandidate(candidate string) {
	f.lock.Lock()
	fn := f.onCandidate
	f.lock.Unlock()
	if fn != nil {
		fn(webrtc.ICECandidateInit{Candidate: candidate})
	}
}

func (f *fakeTransport) Offers() []bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]bool(nil), f.offers...)
}

func (f *fakeTransport) Candidates() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	var out []string
	for _, c := range f.candidates {
		out = append(out, c.Candidate)
	}
	return out
}

func (f *fakeTransport) Rollbacks() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.rollbacks
}

func (f *fakeTransport) Resets() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.resets
}

func (f *fakeTransport) replaceRemote() {
	f.lock.Lock()
	f.remoteReplaced = true
	f.lock.Unlock()
}

func (f *fakeTransport) Tracks() []types.LocalTrack {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]types.LocalTrack(nil), f.tracks...)
}

func (f *fakeTransport) Keyframes() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.keyframes
}

func (f *fakeTransport) IsClosed() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.closed
}

// fakeTransports hands out fakeTransports and remembers them per remote.
type fakeTransports struct {
	autoConnect bool

	lock       sync.Mutex
	transports map[string][]*fakeTransport
}

func newFakeTransports() *fakeTransports {
	return &fakeTransports{transports: make(map[string][]*fakeTransport)}
}

func (f *fakeTransports) Factory(remoteID string) (types.PeerTransport, error) {
	t := newFakeTransport(remoteID)
	t.autoConnect = f.autoConnect
	f.lock.Lock()
	f.transports[remoteID] = append(f.transports[remoteID], t)
	f.lock.Unlock()
	return t, nil
}

func (f *fakeTransports) First(remoteID string) *fakeTransport {
	f.lock.Lock()
	defer f.lock.Unlock()
	list := f.transports[remoteID]
	if len(list) == 0 {
		return nil
	}
	return list[0]
}

// Latest returns the most recent transport created for remoteID.
func (f *fakeTransports) Latest(remoteID string) *fakeTransport {
	f.lock.Lock()
	defer f.lock.Unlock()
	list := f.transports[remoteID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// All returns every transport created, in no particular order.
func (f *fakeTransports) All() []*fakeTransport {
	f.lock.Lock()
	defer f.lock.Unlock()
	var out []*fakeTransport
	for _, list := range f.transports {
		out = append(out, list...)
	}
	return out
}

func (f *fakeTransports) Count(remoteID string) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.transports[remoteID])
}

// serialLoop runs posted functions one at a time on the caller's goroutine.
type serialLoop struct {
	lock sync.Mutex
}

func (l *serialLoop) Enqueue(f func()) {
	l.lock.Lock()
	defer l.lock.Unlock()
	f()
}

// sentMessages records what a PeerConnection sends.
type sentMessages struct {
	lock sync.Mutex
	msgs []*signalling.Message
}

func (s *sentMessages) Signaller(localID, remoteID string) Signaller {
	return func(msgType signalling.MessageType, payload interface{}) error {
		msg, err := signalling.NewMessage(msgType, "room", localID, payload)
		if err != nil {
			return err
		}
		msg.TargetID = remoteID
		s.lock.Lock()
		s.msgs = append(s.msgs, msg)
		s.lock.Unlock()
		return nil
	}
}

func (s *sentMessages) OfType(t signalling.MessageType) []*signalling.Message {
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []*signalling.Message
	for _, m := range s.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (s *sentMessages) Last(t signalling.MessageType) *signalling.SessionDescriptionPayload {
	list := s.OfType(t)
	if len(list) == 0 {
		return nil
	}
	payload := &signalling.SessionDescriptionPayload{}
	if err := list[len(list)-1].Decode(payload); err != nil {
		panic(err)
	}
	return payload
}

func offerPayload(ufrag string) *signalling.SessionDescriptionPayload {
	return &signalling.SessionDescriptionPayload{Type: "offer", SDP: testSDP(ufrag)}
}

func answerPayload(ufrag string) *signalling.SessionDescriptionPayload {
	return &signalling.SessionDescriptionPayload{Type: "answer", SDP: testSDP(ufrag)}
}
