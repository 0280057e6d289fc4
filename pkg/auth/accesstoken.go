package auth

import (
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const (
	defaultValidDuration = 6 * time.Hour
)

// AccessToken produces a signed JWT carrying a participant's grants.
type AccessToken struct {
	apiKey   string
	secret   string
	identity string
	name     string
	grant    *CallGrant
	sha256   string
	validFor time.Duration
}

func NewAccessToken(key string, secret string) *AccessToken {
	return &AccessToken{
		apiKey: key,
		secret: secret,
	}
}

func (t *AccessToken) SetIdentity(identity string) *AccessToken {
	t.identity = identity
	return t
}

func (t *AccessToken) SetName(name string) *AccessToken {
	t.name = name
	return t
}

func (t *AccessToken) SetValidFor(duration time.Duration) *AccessToken {
	t.validFor = duration
	return t
}

func (t *AccessToken) AddGrant(grant *CallGrant) *AccessToken {
	t.grant = grant
	return t
}

func (t *AccessToken) SetSha256(sha string) *AccessToken {
	t.sha256 = sha
	return t
}

func (t *AccessToken) ToJWT() (string, error) {
	if t.apiKey == "" || t.secret == "" {
		return "", ErrKeysMissing
	}

	sig, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte(t.secret)},
		(&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", err
	}

	validFor := defaultValidDuration
	if t.validFor > 0 {
		validFor = t.validFor
	}

	cl := jwt.Claims{
		Issuer:    t.apiKey,
		Subject:   t.identity,
		NotBefore: jwt.NewNumericDate(time.Now()),
		Expiry:    jwt.NewNumericDate(time.Now().Add(validFor)),
	}
	grants := &ClaimGrants{
		Name:   t.name,
		Call:   t.grant,
		Sha256: t.sha256,
	}
	return jwt.Signed(sig).Claims(cl).Claims(grants).Serialize()
}
