package gateway

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	sessiondomain "geo-quiz/client/internal/session/domain"
)

// ErrNoExpiry is returned when an access token carries no exp claim.
var ErrNoExpiry = errors.New("access token has no exp claim")

// TokenExpiry reads the exp claim of a JWT access token without verifying its signature.
// The client never trusts the token for authorization; it only needs the expiry for scheduling.
func TokenExpiry(accessToken string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}

// normalizeBundle fills ExpiresInSeconds from the token's exp claim when the server omitted it.
func normalizeBundle(b *sessiondomain.CredentialBundle, now time.Time) {
	if b == nil || b.ExpiresInSeconds > 0 {
		return
	}
	exp, err := TokenExpiry(b.AccessToken)
	if err != nil {
		return
	}
	if secs := int64(exp.Sub(now) / time.Second); secs > 0 {
		b.ExpiresInSeconds = secs
	}
}
