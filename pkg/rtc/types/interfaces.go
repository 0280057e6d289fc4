package types

import (
	"context"

	"github.com/pion/webrtc/v3"
)

// PeerTransport is the media transport behind one PeerConnection. Methods
// that change descriptions also apply them locally.
type PeerTransport interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(sd webrtc.SessionDescription) error
	// Rollback discards a local offer that has not been answered. It may
	// replace the underlying connection, as Reset does.
	Rollback() error
	// Reset starts over with a new connection carrying the same local tracks.
	Reset() error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track LocalTrack) error
	RequestKeyframe() error
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	Close() error

	OnICECandidate(f func(candidate webrtc.ICECandidateInit))
	OnConnectionStateChange(f func(state webrtc.PeerConnectionState))
	OnTrack(f func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
}

type TransportFactory func(remoteID string) (PeerTransport, error)

type Modality string

const (
	ModalityAudio Modality = "audio"
	ModalityVideo Modality = "video"
	// a failure not attributable to one device
	ModalityAll Modality = ""
)

func (m Modality) IsValid() bool {
	return m == ModalityAudio || m == ModalityVideo || m == ModalityAll
}

// LocalTrack is a captured audio or video source. Disabling a track keeps it
// attached to every transport and only suppresses its samples.
type LocalTrack interface {
	ID() string
	Modality() Modality
	TrackLocal() webrtc.TrackLocal
	SetEnabled(enabled bool)
	IsEnabled() bool
	Stop()
	IsStopped() bool
}

type MediaConstraints struct {
	Audio bool
	Video bool
}

func (c MediaConstraints) IsEmpty() bool {
	return !c.Audio && !c.Video
}

// MediaDevices grants access to capture devices. Errors should be
// *rtc.MediaError so the caller can tell denial from an unavailable device.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, constraints MediaConstraints) ([]LocalTrack, error)
}
