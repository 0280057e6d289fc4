package service

import "errors"

var (
	ErrRoomNotFound              = errors.New("requested room does not exist")
	ErrInvalidRoomID             = errors.New("room id is invalid")
	ErrPermissionDenied          = errors.New("permissions denied")
	ErrMissingAuthorization      = errors.New("invalid authorization header. Must start with " + bearerPrefix)
	ErrInvalidAuthorizationToken = errors.New("invalid authorization token")
	ErrJoinRequired              = errors.New("first message must be join-room")
	ErrRoomMismatch              = errors.New("message is for a different room")
	ErrServerStopped             = errors.New("server has been stopped")
	ErrAlreadyJoined             = errors.New("connection has already joined a room")
	ErrWebHookMissingAPIKey      = errors.New("webhook api_key must be one of the configured keys")
)
