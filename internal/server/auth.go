package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
)

// ErrUnauthorized is returned when a request carries no usable identity.
var ErrUnauthorized = errors.New("unauthorized")

// Claims identify the participant a token was issued to.
type Claims struct {
	ParticipantID string `json:"pid"`
	jwt.RegisteredClaims
}

// Authenticator resolves the participant behind a request. With no secret
// configured it trusts a participant query parameter, which is only meant
// for local development.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator for HS256 tokens signed with
// secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Enabled reports whether tokens are required.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// Issue signs a token for participantID.
func (a *Authenticator) Issue(participantID string, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", errors.New("auth: no signing secret configured")
	}
	now := time.Now()
	claims := Claims{
		ParticipantID: participantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Participant returns the participant id for the request. Browsers cannot
// set headers on a websocket upgrade, so a token query parameter is accepted
// alongside the Authorization header.
func (a *Authenticator) Participant(c *gin.Context) (string, error) {
	if !a.Enabled() {
		if id := c.Query("participant"); id != "" {
			return id, nil
		}
		return "", ErrUnauthorized
	}

	tokenString := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if tokenString == "" {
		tokenString = c.Query("token")
	}
	if tokenString == "" {
		return "", ErrUnauthorized
	}
	return a.Verify(tokenString)
}

// Verify parses a token and returns the participant it names.
func (a *Authenticator) Verify(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	id := claims.ParticipantID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return "", fmt.Errorf("%w: token names no participant", ErrUnauthorized)
	}
	return id, nil
}
