package utils

import (
	"crypto/rand"
	"io"

	"github.com/jxskiss/base62"
)

const (
	RoomPrefix        = "RM_"
	ParticipantPrefix = "PA_"
	ConnectionPrefix  = "CO_"
	APIKeyPrefix      = "API"
	NodePrefix        = "ND_"
	EventPrefix       = "EV_"
)

const guidSize = 12

func NewGuid(prefix string) string {
	buf := make([]byte, guidSize)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		panic("could not read random")
	}
	return prefix + base62.EncodeToString(buf)
}
