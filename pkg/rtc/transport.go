package rtc

import (
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/parlo-health/parlo-call/pkg/config"
	"github.com/parlo-health/parlo-call/pkg/logger"
	"github.com/parlo-health/parlo-call/pkg/rtc/types"
	"github.com/parlo-health/parlo-call/pkg/telemetry/prometheus"
)

const (
	iceDisconnectedTimeout = 5 * time.Second
	iceFailedTimeout       = 10 * time.Second
	iceKeepaliveInterval   = 2 * time.Second
)

var (
	ErrNoPendingOffer = errors.New("no local offer to roll back")
	// the remote replaced its connection; the local one must be reset too
	ErrRemoteReset   = errors.New("remote peer connection was replaced")
	ErrTransportDone = errors.New("transport closed")
)

type TransportConfig struct {
	ICEServers             []webrtc.ICEServer
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration
	// gather 127.0.0.1 candidates, for single-host tests
	IncludeLoopback bool
	PionLevel       string
}

func NewTransportConfig(conf *config.Config) TransportConfig {
	return TransportConfig{
		ICEServers:             conf.RTC.WebRTCICEServers(),
		ICEDisconnectedTimeout: conf.RTC.ICEDisconnectedTimeout,
		ICEFailedTimeout:       conf.RTC.ICEFailedTimeout,
		ICEKeepaliveInterval:   conf.RTC.ICEKeepaliveInterval,
		PionLevel:              conf.Logging.PionLevel,
	}
}

// NewTransportFactory builds one pion API shared by every transport it creates.
func NewTransportFactory(conf TransportConfig, l logger.Logger) (types.TransportFactory, error) {
	api, err := newAPI(conf, l)
	if err != nil {
		return nil, err
	}
	return func(remoteID string) (types.PeerTransport, error) {
		return NewPCTransport(TransportParams{
			API:        api,
			ICEServers: conf.ICEServers,
			Logger:     l.WithValues("remote", remoteID),
		})
	}, nil
}

func newAPI(conf TransportConfig, l logger.Logger) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	disconnected, failed, keepalive := conf.ICEDisconnectedTimeout, conf.ICEFailedTimeout, conf.ICEKeepaliveInterval
	if disconnected == 0 {
		disconnected = iceDisconnectedTimeout
	}
	if failed == 0 {
		failed = iceFailedTimeout
	}
	if keepalive == 0 {
		keepalive = iceKeepaliveInterval
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(disconnected, failed, keepalive)
	se.SetIncludeLoopbackCandidate(conf.IncludeLoopback)
	if lf := logger.NewLoggerFactory(l, conf.PionLevel); lf != nil {
		se.LoggerFactory = lf
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

type TransportParams struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Logger     logger.Logger
}

// PCTransport is a PeerTransport over a pion PeerConnection. Remote tracks
// are drained by the transport; OnTrack only notifies.
//
// pion cannot roll back a local offer, so Rollback and Reset replace the
// pion connection and attach the local tracks again. Callbacks from a
// replaced connection are dropped.
type PCTransport struct {
	params TransportParams

	lock                  sync.Mutex
	pc                    *webrtc.PeerConnection
	pendingLocalOffer     *webrtc.SessionDescription
	remoteOfferCredential string
	remoteFingerprint     string
	tracks                []types.LocalTrack
	senders               map[string]*webrtc.RTPSender
	remoteVideoSSRCs      []webrtc.SSRC
	onTrack               func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onICECandidate        func(candidate webrtc.ICECandidateInit)
	onConnectionState     func(state webrtc.PeerConnectionState)

	closed core.Fuse
}

func NewPCTransport(params TransportParams) (*PCTransport, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.API == nil {
		api, err := newAPI(TransportConfig{}, params.Logger)
		if err != nil {
			return nil, err
		}
		params.API = api
	}

	t := &PCTransport{
		params:  params,
		senders: make(map[string]*webrtc.RTPSender),
		closed:  core.NewFuse(),
	}
	pc, err := t.newPeerConnection()
	if err != nil {
		return nil, err
	}
	t.pc = pc
	return t, nil
}

func (t *PCTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := t.params.API.NewPeerConnection(webrtc.Configuration{
		ICEServers:    t.params.ICEServers,
		BundlePolicy:  webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy: webrtc.RTCPMuxPolicyRequire,
	})
	if err != nil {
		return nil, err
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if t.isCurrent(pc) {
			t.handleTrack(track, receiver)
		}
	})
	pc.OnSignalingStateChange(func(state webrtc.SignalingState) {
		if t.isCurrent(pc) {
			t.params.Logger.Debugw("signaling state changed", "state", state.String())
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		t.lock.Lock()
		f := t.onICECandidate
		current := t.pc == pc
		t.lock.Unlock()
		if current && f != nil {
			f(c.ToJSON())
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.lock.Lock()
		f := t.onConnectionState
		current := t.pc == pc
		t.lock.Unlock()
		if current && f != nil {
			f(state)
		}
	})
	return pc, nil
}

func (t *PCTransport) isCurrent(pc *webrtc.PeerConnection) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.pc == pc
}

func (t *PCTransport) current() *webrtc.PeerConnection {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.pc
}

func (t *PCTransport) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	if err := t.ensureTransceivers(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	pc := t.current()
	offer, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		prometheus.RecordNegotiation("offer", "error")
		return webrtc.SessionDescription{}, errors.Wrap(err, "create offer")
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		prometheus.RecordNegotiation("offer", "error")
		return webrtc.SessionDescription{}, errors.Wrap(err, "set local offer")
	}

	t.lock.Lock()
	t.pendingLocalOffer = &offer
	t.lock.Unlock()
	return offer, nil
}

func (t *PCTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	pc := t.current()
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		prometheus.RecordNegotiation("answer", "error")
		return webrtc.SessionDescription{}, errors.Wrap(err, "create answer")
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		prometheus.RecordNegotiation("answer", "error")
		return webrtc.SessionDescription{}, errors.Wrap(err, "set local answer")
	}
	return answer, nil
}

// SetRemoteDescription returns ErrRemoteReset, without applying sd, when the
// remote DTLS fingerprint changed since the last description.
func (t *PCTransport) SetRemoteDescription(sd webrtc.SessionDescription) error {
	fingerprint, err := dtlsFingerprint(sd)
	if err != nil {
		return errors.Wrapf(err, "remote %s", sd.Type)
	}
	t.lock.Lock()
	replaced := fingerprint != "" && t.remoteFingerprint != "" && fingerprint != t.remoteFingerprint
	t.lock.Unlock()
	if replaced {
		t.params.Logger.Infow("remote connection replaced", "type", sd.Type.String())
		return ErrRemoteReset
	}

	if sd.Type == webrtc.SDPTypeOffer {
		credential, err := iceCredential(sd)
		if err != nil {
			return errors.Wrap(err, "remote offer")
		}
		t.lock.Lock()
		if t.remoteOfferCredential != "" && t.remoteOfferCredential != credential {
			t.params.Logger.Infow("remote offer restarts ICE")
		}
		t.remoteOfferCredential = credential
		t.lock.Unlock()
	}

	if err := t.current().SetRemoteDescription(sd); err != nil {
		return errors.Wrapf(err, "set remote %s", sd.Type)
	}

	t.lock.Lock()
	if fingerprint != "" {
		t.remoteFingerprint = fingerprint
	}
	if sd.Type == webrtc.SDPTypeAnswer {
		t.pendingLocalOffer = nil
	}
	t.lock.Unlock()
	return nil
}

// Rollback discards an unanswered local offer by replacing the connection.
// Media already flowing on it is interrupted.
func (t *PCTransport) Rollback() error {
	t.lock.Lock()
	pending := t.pendingLocalOffer != nil
	t.lock.Unlock()

	if !pending {
		return ErrNoPendingOffer
	}
	return t.Reset()
}

// Reset replaces the pion connection with a fresh one carrying the same
// local tracks. The remote must negotiate with it from scratch.
func (t *PCTransport) Reset() error {
	if t.closed.IsBroken() {
		return ErrTransportDone
	}
	pc, err := t.newPeerConnection()
	if err != nil {
		return errors.Wrap(err, "replace peer connection")
	}

	t.lock.Lock()
	old := t.pc
	t.pc = pc
	tracks := t.tracks
	t.tracks = nil
	t.senders = make(map[string]*webrtc.RTPSender)
	t.remoteVideoSSRCs = nil
	t.pendingLocalOffer = nil
	t.remoteOfferCredential = ""
	t.remoteFingerprint = ""
	t.lock.Unlock()

	if err := old.Close(); err != nil {
		t.params.Logger.Debugw("error closing replaced peer connection", "error", err)
	}
	for _, track := range tracks {
		if err := t.AddTrack(track); err != nil {
			return err
		}
	}
	t.params.Logger.Infow("peer connection replaced", "tracks", len(tracks))
	return nil
}

func (t *PCTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.current().AddICECandidate(candidate)
}

func (t *PCTransport) AddTrack(track types.LocalTrack) error {
	t.lock.Lock()
	if _, ok := t.senders[track.ID()]; ok {
		t.lock.Unlock()
		return nil
	}
	t.lock.Unlock()

	sender, err := t.current().AddTrack(track.TrackLocal())
	if err != nil {
		return errors.Wrapf(err, "add %s track", track.Modality())
	}

	t.lock.Lock()
	t.senders[track.ID()] = sender
	t.tracks = append(t.tracks, track)
	t.lock.Unlock()

	go t.readSenderRTCP(track, sender)
	return nil
}

// RequestKeyframe asks the remote for a keyframe on every video track it sends.
func (t *PCTransport) RequestKeyframe() error {
	t.lock.Lock()
	ssrcs := append([]webrtc.SSRC(nil), t.remoteVideoSSRCs...)
	t.lock.Unlock()

	if len(ssrcs) == 0 {
		return nil
	}
	pkts := make([]rtcp.Packet, 0, len(ssrcs))
	for _, ssrc := range ssrcs {
		pkts = append(pkts, &rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)})
	}
	return t.current().WriteRTCP(pkts)
}

func (t *PCTransport) SignalingState() webrtc.SignalingState {
	return t.current().SignalingState()
}

func (t *PCTransport) ConnectionState() webrtc.PeerConnectionState {
	return t.current().ConnectionState()
}

func (t *PCTransport) Close() error {
	if t.closed.IsBroken() {
		return nil
	}
	t.closed.Break()
	return t.current().Close()
}

func (t *PCTransport) OnICECandidate(f func(candidate webrtc.ICECandidateInit)) {
	t.lock.Lock()
	t.onICECandidate = f
	t.lock.Unlock()
}

func (t *PCTransport) OnConnectionStateChange(f func(state webrtc.PeerConnectionState)) {
	t.lock.Lock()
	t.onConnectionState = f
	t.lock.Unlock()
}

func (t *PCTransport) OnTrack(f func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	t.lock.Lock()
	t.onTrack = f
	t.lock.Unlock()
}

// ensureTransceivers lets a peer without local media still offer to receive.
func (t *PCTransport) ensureTransceivers() error {
	pc := t.current()
	have := make(map[webrtc.RTPCodecType]bool)
	for _, tr := range pc.GetTransceivers() {
		have[tr.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return errors.Wrapf(err, "add %s transceiver", kind)
		}
	}
	return nil
}

func (t *PCTransport) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	t.params.Logger.Infow("remote track",
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
		"ssrc", track.SSRC(),
	)

	t.lock.Lock()
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		t.remoteVideoSSRCs = append(t.remoteVideoSSRCs, track.SSRC())
	}
	onTrack := t.onTrack
	t.lock.Unlock()

	if onTrack != nil {
		onTrack(track, receiver)
	}

	go func() {
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	}()
}

// readSenderRTCP drains sender RTCP so interceptors keep running, and logs
// keyframe requests from the remote.
func (t *PCTransport) readSenderRTCP(track types.LocalTrack, sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			if _, ok := pkt.(*rtcp.PictureLossIndication); ok {
				t.params.Logger.Debugw("keyframe requested", "track", track.ID())
			}
		}
	}
}
