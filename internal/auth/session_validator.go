// Package auth validates the session token the field app hands to the agent.
// Issuing and refreshing tokens happens outside the agent.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionIssuer     = errors.New("session validator: issuer required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
)

const bearerPrefix = "Bearer "

// SessionClaims is the JWT payload of a field officer session.
type SessionClaims struct {
	OfficerID   string   `json:"officer_id"`
	DisplayName string   `json:"display_name"`
	District    string   `json:"district"`
	Roles       []string `json:"roles"`
	jwt.RegisteredClaims
}

// SessionValidatorConfig describes how to validate session tokens.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator validates HS256 session tokens.
type SessionValidator struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	clock         func() time.Time
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	validator := &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        strings.TrimSpace(cfg.Issuer),
		cookieName:    strings.TrimSpace(cfg.CookieName),
		clock:         cfg.Clock,
	}
	switch {
	case len(validator.signingSecret) == 0:
		return nil, ErrMissingSessionSigningKey
	case validator.issuer == "":
		return nil, ErrMissingSessionIssuer
	case validator.cookieName == "":
		return nil, ErrMissingSessionCookieName
	}
	if validator.clock == nil {
		validator.clock = time.Now
	}
	return validator, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken checks signature, issuer and lifetime of an officer session
// token. An expired token is reported as ErrExpiredSessionToken so callers can
// end the local session.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	raw := strings.TrimSpace(tokenString)
	if raw == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	var claims SessionClaims
	parser := jwt.NewParser(
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if _, err := parser.ParseWithClaims(raw, &claims, v.signingKey); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if err := claims.requireOfficer(); err != nil {
		return SessionClaims{}, err
	}
	return claims, nil
}

func (v *SessionValidator) signingKey(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("%w: unexpected signing method %s", ErrInvalidSessionToken, token.Method.Alg())
	}
	return v.signingSecret, nil
}

func (c SessionClaims) requireOfficer() error {
	if strings.TrimSpace(c.Subject) == "" || strings.TrimSpace(c.OfficerID) == "" {
		return ErrMissingSessionSubject
	}
	return nil
}

// ValidateRequest reads the session cookie, or a bearer token when the cookie
// is absent, and validates it.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil && cookie != nil && cookie.Value != "" {
		return v.ValidateToken(cookie.Value)
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, bearerPrefix) {
		return v.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
	}
	return SessionClaims{}, ErrMissingSessionToken
}
