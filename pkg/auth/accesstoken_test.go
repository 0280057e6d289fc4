package auth_test

import (
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"

	"github.com/parlo-health/parlo-call/pkg/auth"
	"github.com/parlo-health/parlo-call/pkg/utils"
)

func TestAccessToken(t *testing.T) {
	t.Run("keys must be set", func(t *testing.T) {
		token := auth.NewAccessToken("", "")
		_, err := token.ToJWT()
		assert.Equal(t, auth.ErrKeysMissing, err)
	})

	t.Run("generates a decodeable key", func(t *testing.T) {
		apiKey, secret := apiKeypair()
		grant := &auth.CallGrant{RoomJoin: true, Room: "myroom", Role: "therapist"}
		at := auth.NewAccessToken(apiKey, secret).
			AddGrant(grant).
			SetValidFor(time.Minute * 5).
			SetIdentity("user")
		value, err := at.ToJWT()
		assert.NoError(t, err)

		assert.Len(t, strings.Split(value, "."), 3)

		// ensure it's a valid JWT
		token, err := jwt.ParseSigned(value, []jose.SignatureAlgorithm{jose.HS256})
		assert.NoError(t, err)

		decoded := auth.ClaimGrants{}
		err = token.UnsafeClaimsWithoutVerification(&decoded)
		assert.NoError(t, err)

		assert.EqualValues(t, grant, decoded.Call)
	})
}

func apiKeypair() (string, string) {
	return utils.NewGuid(utils.APIKeyPrefix), utils.RandomSecret()
}
