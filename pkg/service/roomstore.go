package service

import (
	"context"
)

// RoomMetadata is what the scheduling backend knows about a room ahead of
// the first join.
type RoomMetadata struct {
	ID              string `json:"id"`
	DisplayName     string `json:"displayName,omitempty"`
	MaxParticipants int    `json:"maxParticipants,omitempty"`
}

// RoomStore is a read-mostly lookup of room metadata.
type RoomStore interface {
	LoadRoom(ctx context.Context, roomID string) (*RoomMetadata, error)
	StoreRoom(ctx context.Context, room *RoomMetadata) error
	DeleteRoom(ctx context.Context, roomID string) error
}
