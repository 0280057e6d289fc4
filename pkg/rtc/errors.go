package rtc

import (
	"errors"
	"fmt"

	"github.com/parlo-health/parlo-call/pkg/rtc/signalling"
	"github.com/parlo-health/parlo-call/pkg/rtc/types"
)

var (
	ErrPermissionDenied     = errors.New("media permission denied")
	ErrDeviceUnavailable    = errors.New("media device unavailable")
	ErrTrackUnavailable     = errors.New("no local track for modality")
	ErrSignalingUnavailable = signalling.ErrSignalingUnavailable
	ErrNegotiationFailure   = errors.New("negotiation failed")
	ErrICEFailed            = errors.New("ICE connection failed")
	ErrNegotiationTimeout   = errors.New("peer did not connect in time")
	ErrPeerClosed           = errors.New("peer connection closed")
	ErrInvalidTransition    = errors.New("invalid call state transition")
	ErrCallClosed           = errors.New("call has ended")
	ErrAlreadyJoined        = errors.New("call already joined")
	ErrRoomFull             = errors.New("room is full")
	ErrUnknownModality      = errors.New("media error for unknown modality")
)

// MediaError is returned by MediaDevices. Err is ErrPermissionDenied or
// ErrDeviceUnavailable.
type MediaError struct {
	Err      error
	Modality types.Modality
}

func NewPermissionDenied(m types.Modality) *MediaError {
	return &MediaError{Err: ErrPermissionDenied, Modality: m}
}

func NewDeviceUnavailable(m types.Modality) *MediaError {
	return &MediaError{Err: ErrDeviceUnavailable, Modality: m}
}

func (e *MediaError) Error() string {
	if e.Modality == types.ModalityAll {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Modality, e.Err)
}

func (e *MediaError) Unwrap() error {
	return e.Err
}
