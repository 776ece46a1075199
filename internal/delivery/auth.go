package delivery

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

// ErrBadToken is returned when an identity token fails verification.
var ErrBadToken = errors.New("invalid identity token")

// Authenticator turns a bearer token into a verified identity. The delivery
// handler trusts the result unconditionally.
type Authenticator interface {
	Authenticate(token string) (loginID string, err error)
}

// JWTAuthenticator verifies HMAC-signed identity tokens carrying the login
// ID in the "identity" claim.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator creates an authenticator for the given signing secret.
func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

// Authenticate verifies token and extracts the identity claim.
func (a *JWTAuthenticator) Authenticate(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return "", ErrBadToken
	}
	identity, _ := claims["identity"].(string)
	if identity == "" {
		return "", fmt.Errorf("%w: missing identity claim", ErrBadToken)
	}
	return identity, nil
}

// IssueToken signs an identity token. Token issuance proper lives outside
// this system; this exists for the CLI and tests.
func (a *JWTAuthenticator) IssueToken(loginID string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"identity": loginID,
		"exp":      time.Now().Add(ttl).Unix(),
	})
	return token.SignedString(a.secret)
}
