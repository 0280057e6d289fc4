package rooms

import (
	"time"
)

// RoomInfo is the listing view of a room.
type RoomInfo struct {
	ID              string    `json:"id"`
	Name            string    `json:"name,omitempty"`
	MaxParticipants int       `json:"maxParticipants"`
	NumParticipants int       `json:"numParticipants"`
	CreatedAt       time.Time `json:"createdAt"`
}

func ToRoomInfo(r *Room) RoomInfo {
	return RoomInfo{
		ID:              r.ID,
		Name:            r.Name,
		MaxParticipants: r.Capacity,
		NumParticipants: r.NumParticipants(),
		CreatedAt:       r.CreatedAt,
	}
}
