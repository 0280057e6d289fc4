package service

import (
	"context"
	"net/http"
	"strings"

	"github.com/parlo-health/parlo-call/pkg/auth"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	accessTokenParam    = "access_token"
)

type grantsKey struct{}

// TokenAuthMiddleware verifies the access token, if any, and stores its
// grants in the request context. Endpoints decide whether grants are required.
type TokenAuthMiddleware struct {
	provider auth.KeyProvider
}

func NewTokenAuthMiddleware(provider auth.KeyProvider) *TokenAuthMiddleware {
	return &TokenAuthMiddleware{
		provider: provider,
	}
}

func (m *TokenAuthMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	authHeader := r.Header.Get(authorizationHeader)
	var authToken string

	if authHeader != "" {
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			handleError(w, r, http.StatusUnauthorized, ErrMissingAuthorization)
			return
		}

		authToken = authHeader[len(bearerPrefix):]
	} else {
		// attempt to find from request header
		authToken = r.FormValue(accessTokenParam)
	}

	if authToken != "" {
		v, err := auth.ParseAPIToken(authToken)
		if err != nil {
			handleError(w, r, http.StatusUnauthorized, ErrInvalidAuthorizationToken)
			return
		}

		secret := m.provider.GetSecret(v.APIKey())
		if secret == "" {
			handleError(w, r, http.StatusUnauthorized, ErrInvalidAuthorizationToken, "apiKey", v.APIKey())
			return
		}

		grants, err := v.Verify(secret)
		if err != nil {
			handleError(w, r, http.StatusUnauthorized, ErrInvalidAuthorizationToken, "apiKey", v.APIKey(), "reason", err.Error())
			return
		}

		// set grants in context
		r = r.WithContext(WithGrants(r.Context(), grants))
	}

	next.ServeHTTP(w, r)
}

func GetGrants(ctx context.Context) *auth.ClaimGrants {
	val := ctx.Value(grantsKey{})
	claims, ok := val.(*auth.ClaimGrants)
	if !ok {
		return nil
	}
	return claims
}

func WithGrants(ctx context.Context, grants *auth.ClaimGrants) context.Context {
	return context.WithValue(ctx, grantsKey{}, grants)
}

func SetAuthorizationToken(r *http.Request, token string) {
	r.Header.Set(authorizationHeader, bearerPrefix+token)
}

// EnsureJoinPermission returns the token's identity when it may join roomID.
func EnsureJoinPermission(ctx context.Context, roomID string) (*auth.ClaimGrants, error) {
	claims := GetGrants(ctx)
	if claims == nil || !claims.CanJoin(roomID) {
		return nil, ErrPermissionDenied
	}
	return claims, nil
}

func EnsureListPermission(ctx context.Context) error {
	if !GetGrants(ctx).CanList() {
		return ErrPermissionDenied
	}
	return nil
}

func EnsureAdminPermission(ctx context.Context) error {
	if !GetGrants(ctx).CanAdmin() {
		return ErrPermissionDenied
	}
	return nil
}
