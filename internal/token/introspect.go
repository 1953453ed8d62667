// Package token reads claims out of opaque session tokens without verifying
// them. The agent only ever needs the expiry instant and the session id; a
// token that cannot be decoded yields "unavailable" rather than an error.
package token

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	ExpiresAt int64
	SessionID string
}

// Introspect decodes the claim set of a JWT-shaped token. ok is false when
// the token is absent, malformed, or carries neither claim of interest.
func Introspect(raw string) (Claims, bool) {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "Bearer ")
	if value == "" {
		return Claims{}, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(value, claims); err != nil {
		// Some issuers emit standard-alphabet base64 payloads; retry with a
		// tolerant manual decode before giving up.
		decoded, ok := decodePayloadSegment(value)
		if !ok {
			return Claims{}, false
		}
		claims = decoded
	}

	out := Claims{}
	found := false
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Unix()
		found = true
	}
	if jti, ok := claims["jti"].(string); ok && jti != "" {
		out.SessionID = jti
		found = true
	}
	if !found {
		return Claims{}, false
	}
	return out, true
}

// ExpiresAt returns the token expiry in seconds since epoch.
func ExpiresAt(raw string) (int64, bool) {
	claims, ok := Introspect(raw)
	if !ok || claims.ExpiresAt == 0 {
		return 0, false
	}
	return claims.ExpiresAt, true
}

// SessionID returns the token's session identifier (the jti claim).
func SessionID(raw string) (string, bool) {
	claims, ok := Introspect(raw)
	if !ok || claims.SessionID == "" {
		return "", false
	}
	return claims.SessionID, true
}

func decodePayloadSegment(value string) (jwt.MapClaims, bool) {
	parts := strings.Split(value, ".")
	if len(parts) < 2 {
		return nil, false
	}
	segment := strings.NewReplacer("+", "-", "/", "_").Replace(parts[1])
	segment = strings.TrimRight(segment, "=")
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return nil, false
	}
	claims := jwt.MapClaims{}
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, false
	}
	return claims, true
}
