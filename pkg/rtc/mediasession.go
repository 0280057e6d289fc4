package rtc

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/parlo-health/parlo-call/pkg/logger"
	"github.com/parlo-health/parlo-call/pkg/rtc/signalling"
	"github.com/parlo-health/parlo-call/pkg/rtc/types"
)

type NoticeKind string

const (
	NoticeAudioDenied        NoticeKind = "audio-permission-denied"
	NoticeVideoDenied        NoticeKind = "video-permission-denied"
	NoticeDevicesUnavailable NoticeKind = "devices-unavailable"
)

// Notice is shown to the user until dismissed or resolved by Reacquire.
type Notice struct {
	Kind    NoticeKind
	Message string
}

// LocalMediaState describes local capture. Absent tracks mean observer mode
// for that modality.
type LocalMediaState struct {
	AudioEnabled bool
	VideoEnabled bool
	AudioTrack   types.LocalTrack
	VideoTrack   types.LocalTrack
}

func (s LocalMediaState) IsObserver() bool {
	return s.AudioTrack == nil && s.VideoTrack == nil
}

// Flags returns the state as broadcast to other participants.
func (s LocalMediaState) Flags() signalling.ParticipantUpdatePayload {
	return signalling.ParticipantUpdatePayload{
		Muted:    !s.AudioEnabled,
		VideoOff: !s.VideoEnabled,
	}
}

type MediaSessionParams struct {
	Devices types.MediaDevices
	// modalities to capture; both when empty
	Constraints types.MediaConstraints
	Logger      logger.Logger
}

// MediaSession owns local capture for one call. Muting toggles a track's
// enabled flag and never replaces the track, so it never requires renegotiation.
type MediaSession struct {
	params MediaSessionParams

	lock    sync.RWMutex
	audio   types.LocalTrack
	video   types.LocalTrack
	denied  map[types.Modality]bool
	notices []Notice
	stopped bool

	onUpdate func(flags signalling.ParticipantUpdatePayload)
}

func NewMediaSession(params MediaSessionParams) *MediaSession {
	if params.Constraints.IsEmpty() {
		params.Constraints = types.MediaConstraints{Audio: true, Video: true}
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &MediaSession{
		params: params,
		denied: make(map[types.Modality]bool),
	}
}

// OnUpdate is called with the new flags whenever a modality is toggled.
func (m *MediaSession) OnUpdate(f func(flags signalling.ParticipantUpdatePayload)) {
	m.lock.Lock()
	m.onUpdate = f
	m.lock.Unlock()
}

// Acquire captures the requested modalities that are not yet held, degrading
// from audio+video to audio-only to observer mode. A permission denial is
// final for its modality; an unavailable device moves on to the next step.
// Media failures are absorbed into the state. Context errors, and device
// errors naming an unknown modality, are returned.
func (m *MediaSession) Acquire(ctx context.Context) ([]types.LocalTrack, error) {
	m.lock.Lock()
	if m.stopped {
		m.lock.Unlock()
		return nil, ErrCallClosed
	}
	request := types.MediaConstraints{
		Audio: m.params.Constraints.Audio && m.audio == nil && !m.denied[types.ModalityAudio],
		Video: m.params.Constraints.Video && m.video == nil && !m.denied[types.ModalityVideo],
	}
	m.lock.Unlock()

	var (
		tracks      []types.LocalTrack
		noDevices   bool
		newlyDenied []types.Modality
		last        types.MediaConstraints
	)
	for _, attempt := range []types.MediaConstraints{request, {Audio: request.Audio}} {
		for _, modality := range newlyDenied {
			attempt = dropModality(attempt, modality)
		}
		if attempt.IsEmpty() || attempt == last {
			continue
		}
		last = attempt

		acquired, err := m.params.Devices.GetUserMedia(ctx, attempt)
		if err == nil {
			tracks = acquired
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		var mediaErr *MediaError
		if !errors.As(err, &mediaErr) {
			mediaErr = NewDeviceUnavailable(types.ModalityAll)
			m.params.Logger.Warnw("unexpected media error", err)
		}
		if !mediaErr.Modality.IsValid() {
			return nil, errors.Wrapf(ErrUnknownModality, "%q: %v", mediaErr.Modality, mediaErr.Err)
		}
		m.params.Logger.Infow("media acquisition failed",
			"error", mediaErr.Error(),
			"audio", attempt.Audio,
			"video", attempt.Video,
		)

		switch {
		case errors.Is(mediaErr, ErrPermissionDenied) && mediaErr.Modality == types.ModalityAll:
			if attempt.Audio {
				newlyDenied = append(newlyDenied, types.ModalityAudio)
			}
			if attempt.Video {
				newlyDenied = append(newlyDenied, types.ModalityVideo)
			}
		case errors.Is(mediaErr, ErrPermissionDenied):
			newlyDenied = append(newlyDenied, mediaErr.Modality)
		default:
			noDevices = true
		}
	}

	m.lock.Lock()
	if m.stopped {
		m.lock.Unlock()
		for _, t := range tracks {
			t.Stop()
		}
		return nil, ErrCallClosed
	}
	for _, t := range tracks {
		switch t.Modality() {
		case types.ModalityAudio:
			m.audio = t
		case types.ModalityVideo:
			m.video = t
		}
	}
	for _, modality := range newlyDenied {
		m.denied[modality] = true
		kind := NoticeAudioDenied
		if modality == types.ModalityVideo {
			kind = NoticeVideoDenied
		}
		m.addNoticeLocked(Notice{Kind: kind, Message: string(modality) + " permission denied, joining without it"})
	}
	if noDevices && (m.audio == nil || m.video == nil) {
		m.addNoticeLocked(Notice{Kind: NoticeDevicesUnavailable, Message: "some capture devices are unavailable"})
	}
	state := m.stateLocked()
	m.lock.Unlock()

	m.params.Logger.Infow("local media acquired",
		"audio", state.AudioTrack != nil,
		"video", state.VideoTrack != nil,
		"observer", state.IsObserver(),
	)
	return tracks, nil
}

// Reacquire forgets earlier denials and notices and tries again for any
// modality not held. It returns only the newly acquired tracks.
func (m *MediaSession) Reacquire(ctx context.Context) ([]types.LocalTrack, error) {
	m.lock.Lock()
	m.denied = make(map[types.Modality]bool)
	m.notices = nil
	m.lock.Unlock()

	return m.Acquire(ctx)
}

func (m *MediaSession) SetAudioEnabled(enabled bool) error {
	return m.setEnabled(types.ModalityAudio, enabled)
}

func (m *MediaSession) SetVideoEnabled(enabled bool) error {
	return m.setEnabled(types.ModalityVideo, enabled)
}

func (m *MediaSession) setEnabled(modality types.Modality, enabled bool) error {
	m.lock.Lock()
	track := m.audio
	if modality == types.ModalityVideo {
		track = m.video
	}
	if track == nil || m.stopped {
		m.lock.Unlock()
		return ErrTrackUnavailable
	}
	if track.IsEnabled() == enabled {
		m.lock.Unlock()
		return nil
	}
	track.SetEnabled(enabled)
	flags := m.stateLocked().Flags()
	onUpdate := m.onUpdate
	m.lock.Unlock()

	if onUpdate != nil {
		onUpdate(flags)
	}
	return nil
}

func (m *MediaSession) State() LocalMediaState {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.stateLocked()
}

func (m *MediaSession) stateLocked() LocalMediaState {
	state := LocalMediaState{
		AudioTrack: m.audio,
		VideoTrack: m.video,
	}
	if m.audio != nil {
		state.AudioEnabled = m.audio.IsEnabled()
	}
	if m.video != nil {
		state.VideoEnabled = m.video.IsEnabled()
	}
	return state
}

// Tracks returns every held track, enabled or not.
func (m *MediaSession) Tracks() []types.LocalTrack {
	m.lock.RLock()
	defer m.lock.RUnlock()

	var tracks []types.LocalTrack
	for _, t := range []types.LocalTrack{m.audio, m.video} {
		if t != nil {
			tracks = append(tracks, t)
		}
	}
	return tracks
}

// ActiveTracks returns held tracks that have not been stopped.
func (m *MediaSession) ActiveTracks() []types.LocalTrack {
	var active []types.LocalTrack
	for _, t := range m.Tracks() {
		if !t.IsStopped() {
			active = append(active, t)
		}
	}
	return active
}

func (m *MediaSession) Notices() []Notice {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return append([]Notice(nil), m.notices...)
}

func (m *MediaSession) DismissNotice(kind NoticeKind) {
	m.lock.Lock()
	defer m.lock.Unlock()

	for i, n := range m.notices {
		if n.Kind == kind {
			m.notices = append(m.notices[:i], m.notices[i+1:]...)
			return
		}
	}
}

func (m *MediaSession) addNoticeLocked(n Notice) {
	for _, existing := range m.notices {
		if existing.Kind == n.Kind {
			return
		}
	}
	m.notices = append(m.notices, n)
}

// Stop releases every track. The session cannot acquire again.
func (m *MediaSession) Stop() {
	m.lock.Lock()
	if m.stopped {
		m.lock.Unlock()
		return
	}
	m.stopped = true
	tracks := []types.LocalTrack{m.audio, m.video}
	m.audio = nil
	m.video = nil
	m.lock.Unlock()

	for _, t := range tracks {
		if t != nil {
			t.Stop()
		}
	}
}

func (m *MediaSession) IsStopped() bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.stopped
}

func dropModality(c types.MediaConstraints, modality types.Modality) types.MediaConstraints {
	switch modality {
	case types.ModalityAudio:
		c.Audio = false
	case types.ModalityVideo:
		c.Video = false
	}
	return c
}
