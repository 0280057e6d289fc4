package rooms

import "errors"

var (
	ErrRoomClosed              = errors.New("room has already closed")
	ErrMaxParticipantsExceeded = errors.New("room has exceeded its max participants")
	ErrParticipantNotFound     = errors.New("participant is not in the room")
	ErrUnknownTarget           = errors.New("target participant is not in the room")
)
