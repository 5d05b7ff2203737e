package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	internalTimestampHeader = "X-Propozal-Timestamp"
	internalSignatureHeader = "X-Propozal-Signature"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	UserID    string
	ExpiresAt time.Time
}

func unauthorized(message string) *authError {
	return &authError{status: 401, code: "unauthorized", message: message}
}

// parseBearer verifies an HS256 token and returns its subject as the user id.
// exp and aud are mandatory.
func parseBearer(authHeader, jwtSecret, audience string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return tokenClaims{}, unauthorized("token expired")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return tokenClaims{}, unauthorized("jwt signature mismatch")
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return tokenClaims{}, unauthorized("invalid aud claim")
		case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
			return tokenClaims{}, unauthorized("missing exp claim")
		case errors.Is(err, jwt.ErrTokenMalformed):
			return tokenClaims{}, unauthorized("invalid jwt format")
		default:
			return tokenClaims{}, unauthorized("invalid bearer token")
		}
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return tokenClaims{}, unauthorized("missing sub claim")
	}
	out := tokenClaims{UserID: subject}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

// verifyInternalHMAC checks hex(HMAC-SHA256(secret, timestamp + "\n" + body))
// and that the RFC 3339 timestamp is within maxSkew of now.
func verifyInternalHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return unauthorized("missing internal auth headers")
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return unauthorized("invalid internal timestamp")
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return unauthorized("internal request outside replay window")
	}
	expectedHex := internalSignature(secret, timestamp, body)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expectedHex)) {
		return unauthorized("internal signature mismatch")
	}
	return nil
}

func internalSignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
