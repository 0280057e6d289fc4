package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/parlo-health/parlo-call/pkg/rtc/types"
)

var (
	// an Opus frame of silence
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	// a VP8 keyframe header for a 16x16 frame; receivers only need a parseable payload
	vp8Blank = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00, 0x00, 0x47, 0x08, 0x85, 0x85, 0x88}
)

// SyntheticDevices is a MediaDevices that produces sample tracks without
// hardware. Failures can be injected per modality to exercise the
// acquisition fallback.
type SyntheticDevices struct {
	lock     sync.Mutex
	failures map[types.Modality]error
	requests []types.MediaConstraints
	issued   []types.LocalTrack
}

func NewSyntheticDevices() *SyntheticDevices {
	return &SyntheticDevices{
		failures: make(map[types.Modality]error),
	}
}

// Fail makes requests including modality fail with err, which should be
// ErrPermissionDenied or ErrDeviceUnavailable. ModalityAll fails every request.
func (d *SyntheticDevices) Fail(modality types.Modality, err error) {
	d.lock.Lock()
	d.failures[modality] = err
	d.lock.Unlock()
}

func (d *SyntheticDevices) Clear() {
	d.lock.Lock()
	d.failures = make(map[types.Modality]error)
	d.lock.Unlock()
}

// Requests returns the constraints of every GetUserMedia call, in order.
func (d *SyntheticDevices) Requests() []types.MediaConstraints {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]types.MediaConstraints(nil), d.requests...)
}

// Issued returns every track handed out, including stopped ones.
func (d *SyntheticDevices) Issued() []types.LocalTrack {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]types.LocalTrack(nil), d.issued...)
}

func (d *SyntheticDevices) GetUserMedia(ctx context.Context, constraints types.MediaConstraints) ([]types.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	d.requests = append(d.requests, constraints)

	if err, ok := d.failures[types.ModalityAll]; ok {
		return nil, &MediaError{Err: err, Modality: types.ModalityAll}
	}
	if err, ok := d.failures[types.ModalityAudio]; ok && constraints.Audio {
		return nil, &MediaError{Err: err, Modality: types.ModalityAudio}
	}
	if err, ok := d.failures[types.ModalityVideo]; ok && constraints.Video {
		return nil, &MediaError{Err: err, Modality: types.ModalityVideo}
	}

	// audio and video of one capture share a stream
	streamID := ""
	var tracks []types.LocalTrack
	for _, m := range []types.Modality{types.ModalityAudio, types.ModalityVideo} {
		if (m == types.ModalityAudio && !constraints.Audio) || (m == types.ModalityVideo && !constraints.Video) {
			continue
		}
		t, err := NewSampleTrack(m, streamID)
		if err != nil {
			for _, acquired := range tracks {
				acquired.Stop()
			}
			return nil, err
		}
		streamID = t.track.StreamID()
		tracks = append(tracks, t)
	}
	d.issued = append(d.issued, tracks...)
	return tracks, nil
}

// PumpSamples writes placeholder frames to every sample track until ctx is
// done. Disabled tracks are skipped by the track itself.
func PumpSamples(ctx context.Context, tracks []types.LocalTrack, frame time.Duration) {
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, t := range tracks {
			st, ok := t.(*SampleTrack)
			if !ok || st.IsStopped() {
				continue
			}
			data := opusSilence
			if st.Modality() == types.ModalityVideo {
				data = vp8Blank
			}
			_, _ = st.WriteSample(media.Sample{Data: data, Duration: frame})
		}
	}
}
