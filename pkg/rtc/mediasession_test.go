package rtc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/require"

	"github.com/parlo-health/parlo-call/pkg/rtc/signalling"
	"github.com/parlo-health/parlo-call/pkg/rtc/types"
)

func newTestMediaSession(devices types.MediaDevices) *MediaSession {
	return NewMediaSession(MediaSessionParams{Devices: devices})
}

func noticeKinds(m *MediaSession) []NoticeKind {
	var kinds []NoticeKind
	for _, n := range m.Notices() {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}

func TestMediaSessionAcquire(t *testing.T) {
	both := types.MediaConstraints{Audio: true, Video: true}
	audioOnly := types.MediaConstraints{Audio: true}

	t.Run("audio and video", func(t *testing.T) {
		devices := NewSyntheticDevices()
		m := newTestMediaSession(devices)

		tracks, err := m.Acquire(context.Background())
		require.NoError(t, err)
		require.Len(t, tracks, 2)

		state := m.State()
		require.True(t, state.AudioEnabled)
		require.True(t, state.VideoEnabled)
		require.False(t, state.IsObserver())
		require.Equal(t, signalling.ParticipantUpdatePayload{}, state.Flags())
		require.Empty(t, m.Notices())
		require.Equal(t, state.AudioTrack.TrackLocal().StreamID(), state.VideoTrack.TrackLocal().StreamID())
		require.Equal(t, []types.MediaConstraints{both}, devices.Requests())
	})

	t.Run("camera denied falls back to audio", func(t *testing.T) {
		devices := NewSyntheticDevices()
		devices.Fail(types.ModalityVideo, ErrPermissionDenied)
		m := newTestMediaSession(devices)

		tracks, err := m.Acquire(context.Background())
		require.NoError(t, err)
		require.Len(t, tracks, 1)
		require.Equal(t, types.ModalityAudio, tracks[0].Modality())

		state := m.State()
		require.Nil(t, state.VideoTrack)
		require.Equal(t, signalling.ParticipantUpdatePayload{VideoOff: true}, state.Flags())
		require.Equal(t, []NoticeKind{NoticeVideoDenied}, noticeKinds(m))
		require.Equal(t, []types.MediaConstraints{both, audioOnly}, devices.Requests())

		// a denial is not retried on a second acquire
		tracks, err = m.Acquire(context.Background())
		require.NoError(t, err)
		require.Empty(t, tracks)
		require.Len(t, devices.Requests(), 2)
	})

	t.Run("cancelled context", func(t *testing.T) {
		m := newTestMediaSession(NewSyntheticDevices())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := m.Acquire(ctx)
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("constraints limit the request", func(t *testing.T) {
		devices := NewSyntheticDevices()
		m := NewMediaSession(MediaSessionParams{Devices: devices, Constraints: audioOnly})

		tracks, err := m.Acquire(context.Background())
		require.NoError(t, err)
		require.Len(t, tracks, 1)
		require.Equal(t, []types.MediaConstraints{audioOnly}, devices.Requests())
	})
}

// erroringDevices fails every request with err.
type erroringDevices struct {
	err error

	lock     sync.Mutex
	requests []types.MediaConstraints
}

func (d *erroringDevices) GetUserMedia(_ context.Context, constraints types.MediaConstraints) ([]types.LocalTrack, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.requests = append(d.requests, constraints)
	return nil, d.err
}

func (d *erroringDevices) Requests() []types.MediaConstraints {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]types.MediaConstraints(nil), d.requests...)
}

func TestMediaSessionFallback(t *testing.T) {
	both := types.MediaConstraints{Audio: true, Video: true}
	audioOnly := types.MediaConstraints{Audio: true}

	type recordingDevices interface {
		types.MediaDevices
		Requests() []types.MediaConstraints
	}
	synthetic := func(modality types.Modality, err error) func() recordingDevices {
		return func() recordingDevices {
			d := NewSyntheticDevices()
			d.Fail(modality, err)
			return d
		}
	}

	for _, tc := range []struct {
		name     string
		devices  func() recordingDevices
		requests []types.MediaConstraints
		acquired []types.Modality
		notices  []NoticeKind
	}{
		{
			name:     "camera denied",
			devices:  synthetic(types.ModalityVideo, ErrPermissionDenied),
			requests: []types.MediaConstraints{both, audioOnly},
			acquired: []types.Modality{types.ModalityAudio},
			notices:  []NoticeKind{NoticeVideoDenied},
		},
		{
			// audio-only is the only step below audio+video
			name:     "microphone denied",
			devices:  synthetic(types.ModalityAudio, ErrPermissionDenied),
			requests: []types.MediaConstraints{both},
			notices:  []NoticeKind{NoticeAudioDenied},
		},
		{
			name:     "everything denied",
			devices:  synthetic(types.ModalityAll, ErrPermissionDenied),
			requests: []types.MediaConstraints{both},
			notices:  []NoticeKind{NoticeAudioDenied, NoticeVideoDenied},
		},
		{
			name:     "camera unavailable",
			devices:  synthetic(types.ModalityVideo, ErrDeviceUnavailable),
			requests: []types.MediaConstraints{both, audioOnly},
			acquired: []types.Modality{types.ModalityAudio},
			notices:  []NoticeKind{NoticeDevicesUnavailable},
		},
		{
			name:     "microphone unavailable",
			devices:  synthetic(types.ModalityAudio, ErrDeviceUnavailable),
			requests: []types.MediaConstraints{both, audioOnly},
			notices:  []NoticeKind{NoticeDevicesUnavailable},
		},
		{
			name:     "no devices",
			devices:  synthetic(types.ModalityAll, ErrDeviceUnavailable),
			requests: []types.MediaConstraints{both, audioOnly},
			notices:  []NoticeKind{NoticeDevicesUnavailable},
		},
		{
			name: "unrecognised device error",
			devices: func() recordingDevices {
				return &erroringDevices{err: errors.New("device exploded")}
			},
			requests: []types.MediaConstraints{both, audioOnly},
			notices:  []NoticeKind{NoticeDevicesUnavailable},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			devices := tc.devices()
			m := newTestMediaSession(devices)

			tracks, err := m.Acquire(context.Background())
			require.NoError(t, err)

			var acquired []types.Modality
			for _, track := range tracks {
				acquired = append(acquired, track.Modality())
			}
			require.Equal(t, tc.acquired, acquired)
			require.Equal(t, tc.requests, devices.Requests())
			require.ElementsMatch(t, tc.notices, noticeKinds(m))
			require.Equal(t, len(tc.acquired) == 0, m.State().IsObserver())
		})
	}

	t.Run("unknown modality is an error", func(t *testing.T) {
		devices := &erroringDevices{err: &MediaError{Err: ErrDeviceUnavailable, Modality: "screen"}}
		m := newTestMediaSession(devices)

		done := make(chan error, 1)
		go func() {
			_, err := m.Acquire(context.Background())
			done <- err
		}()
		select {
		case err := <-done:
			require.ErrorIs(t, err, ErrUnknownModality)
		case <-time.After(time.Second):
			t.Fatal("acquire did not return")
		}
		require.Equal(t, []types.MediaConstraints{both}, devices.Requests())
	})
}

func TestMediaSessionReacquire(t *testing.T) {
	devices := NewSyntheticDevices()
	devices.Fail(types.ModalityVideo, ErrPermissionDenied)
	m := newTestMediaSession(devices)

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)
	audio := m.State().AudioTrack
	require.NotNil(t, audio)

	devices.Clear()
	tracks, err := m.Reacquire(context.Background())
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	require.Equal(t, types.ModalityVideo, tracks[0].Modality())
	require.Empty(t, m.Notices())

	// the audio track is kept, not replaced
	require.Equal(t, audio.ID(), m.State().AudioTrack.ID())
	require.Equal(t, types.MediaConstraints{Video: true}, devices.Requests()[2])
}

func TestMediaSessionToggle(t *testing.T) {
	m := newTestMediaSession(NewSyntheticDevices())
	_, err := m.Acquire(context.Background())
	require.NoError(t, err)

	var updates []signalling.ParticipantUpdatePayload
	m.OnUpdate(func(flags signalling.ParticipantUpdatePayload) {
		updates = append(updates, flags)
	})

	audio := m.State().AudioTrack
	require.NoError(t, m.SetAudioEnabled(false))
	require.NoError(t, m.SetAudioEnabled(false))
	require.False(t, audio.IsEnabled())
	require.False(t, audio.IsStopped())
	require.Same(t, audio, m.State().AudioTrack)

	require.NoError(t, m.SetVideoEnabled(false))
	require.NoError(t, m.SetAudioEnabled(true))

	require.Equal(t, []signalling.ParticipantUpdatePayload{
		{Muted: true},
		{Muted: true, VideoOff: true},
		{VideoOff: true},
	}, updates)

	t.Run("no track", func(t *testing.T) {
		devices := NewSyntheticDevices()
		devices.Fail(types.ModalityVideo, ErrPermissionDenied)
		m := newTestMediaSession(devices)
		_, err := m.Acquire(context.Background())
		require.NoError(t, err)
		require.ErrorIs(t, m.SetVideoEnabled(true), ErrTrackUnavailable)
	})
}

func TestMediaSessionStop(t *testing.T) {
	devices := NewSyntheticDevices()
	m := newTestMediaSession(devices)
	_, err := m.Acquire(context.Background())
	require.NoError(t, err)

	m.Stop()
	require.True(t, m.IsStopped())
	require.Empty(t, m.ActiveTracks())
	for _, track := range devices.Issued() {
		require.True(t, track.IsStopped())
	}
	require.ErrorIs(t, m.SetAudioEnabled(true), ErrTrackUnavailable)

	_, err = m.Acquire(context.Background())
	require.ErrorIs(t, err, ErrCallClosed)
}

func TestMediaSessionNotices(t *testing.T) {
	devices := NewSyntheticDevices()
	devices.Fail(types.ModalityAll, ErrPermissionDenied)
	m := newTestMediaSession(devices)
	_, err := m.Acquire(context.Background())
	require.NoError(t, err)

	m.DismissNotice(NoticeAudioDenied)
	require.Equal(t, []NoticeKind{NoticeVideoDenied}, noticeKinds(m))
}

func TestSampleTrack(t *testing.T) {
	track, err := NewSampleTrack(types.ModalityAudio, "")
	require.NoError(t, err)
	require.NotEmpty(t, track.TrackLocal().StreamID())

	sample := media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond}
	sent, err := track.WriteSample(sample)
	require.NoError(t, err)
	require.True(t, sent)

	track.SetEnabled(false)
	sent, err = track.WriteSample(sample)
	require.NoError(t, err)
	require.False(t, sent)

	track.SetEnabled(true)
	track.Stop()
	require.False(t, track.IsEnabled())
	sent, err = track.WriteSample(sample)
	require.NoError(t, err)
	require.False(t, sent)
}
