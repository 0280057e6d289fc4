package rtc

import (
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/atomic"

	"github.com/parlo-health/parlo-call/pkg/rtc/types"
	"github.com/parlo-health/parlo-call/pkg/utils"
)

const (
	TrackPrefix  = "TR_"
	streamPrefix = "ST_"
)

var (
	opusCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	vp8Codec  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// SampleTrack is a LocalTrack fed with encoded samples. While disabled,
// samples are dropped; the sender and its negotiated m-line stay in place.
type SampleTrack struct {
	modality types.Modality
	track    *webrtc.TrackLocalStaticSample
	enabled  atomic.Bool
	stopped  atomic.Bool
}

func NewSampleTrack(modality types.Modality, streamID string) (*SampleTrack, error) {
	codec := opusCodec
	if modality == types.ModalityVideo {
		codec = vp8Codec
	}
	if streamID == "" {
		streamID = utils.NewGuid(streamPrefix)
	}
	track, err := webrtc.NewTrackLocalStaticSample(codec, utils.NewGuid(TrackPrefix), streamID)
	if err != nil {
		return nil, err
	}
	t := &SampleTrack{
		modality: modality,
		track:    track,
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *SampleTrack) ID() string {
	return t.track.ID()
}

func (t *SampleTrack) Modality() types.Modality {
	return t.modality
}

func (t *SampleTrack) TrackLocal() webrtc.TrackLocal {
	return t.track
}

func (t *SampleTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

func (t *SampleTrack) IsEnabled() bool {
	return t.enabled.Load() && !t.stopped.Load()
}

func (t *SampleTrack) Stop() {
	t.stopped.Store(true)
}

func (t *SampleTrack) IsStopped() bool {
	return t.stopped.Load()
}

// WriteSample reports whether the sample was sent.
func (t *SampleTrack) WriteSample(sample media.Sample) (bool, error) {
	if !t.IsEnabled() {
		return false, nil
	}
	if err := t.track.WriteSample(sample); err != nil {
		return false, err
	}
	return true, nil
}
