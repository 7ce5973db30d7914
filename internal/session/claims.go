package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims is what the client can learn from a JWT credential without
// verifying it. The server remains the authority; these fields only let the
// client notice an expired session and recover a missing user id.
type tokenClaims struct {
	UserID    string
	ExpiresAt time.Time
}

func (c tokenClaims) expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

func parseTokenClaims(token string) tokenClaims {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		// Opaque tokens are valid credentials; they just carry no claims.
		return tokenClaims{}
	}

	var out tokenClaims
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	for _, key := range []string{"id", "userId", "_id"} {
		if v, ok := claims[key].(string); ok && v != "" {
			out.UserID = v
			break
		}
	}
	if out.UserID == "" {
		if sub, err := claims.GetSubject(); err == nil {
			out.UserID = sub
		}
	}
	return out
}
