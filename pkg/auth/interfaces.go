package auth

import (
	"errors"
)

var (
	ErrKeysMissing     = errors.New("missing API key or secret key")
	ErrIdentityMissing = errors.New("token has no identity")
)

type KeyProvider interface {
	GetSecret(key string) string
	NumKeys() int
}
