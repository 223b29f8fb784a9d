// Package qrtoken issues and validates the signed payloads embedded in
// event QR codes. Rendering the code image is out of scope; the payload is
// an HS256 JWT whose subject is the event id.
package qrtoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrTokenExpired indicates a well-formed token past its validity window.
	ErrTokenExpired = errors.New("qrtoken: token expired")
	// ErrTokenMalformed indicates an unparseable or tampered payload.
	ErrTokenMalformed = errors.New("qrtoken: malformed token")
)

// Claims is the JWT payload of an event token.
type Claims struct {
	jwt.RegisteredClaims
}

// Manager signs and verifies event tokens with a shared secret.
type Manager struct {
	secret []byte
	issuer string
}

// NewManager constructs a Manager. The secret must be non-empty.
func NewManager(secret, issuer string) (*Manager, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("qrtoken: signing secret is required")
	}
	if strings.TrimSpace(issuer) == "" {
		issuer = "campusgate"
	}
	return &Manager{secret: []byte(secret), issuer: issuer}, nil
}

// Sign produces the token payload for an event. The validity window runs
// from issuedAt until issuedAt+ttl, independent of the attendance window.
func (m *Manager) Sign(eventID string, issuedAt time.Time, ttl time.Duration) (string, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return "", errors.New("qrtoken: event id is required")
	}
	if ttl <= 0 {
		return "", errors.New("qrtoken: ttl must be greater than zero")
	}
	issuedAt = issuedAt.UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   eventID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("qrtoken: sign: %w", err)
	}
	return signed, nil
}

// Verify checks the payload against "now" and returns the bound event id.
// Expiry and malformation are distinct outcomes: expiry means the token was
// genuine but stale, malformation means it never was valid.
func (m *Manager) Verify(payload string, now time.Time) (string, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", ErrTokenMalformed
	}
	parsed, err := jwt.ParseWithClaims(payload, &Claims{}, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrTokenMalformed
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrTokenMalformed
	}
	return claims.Subject, nil
}
