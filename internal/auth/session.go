package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.io/infrasutra/marketchat/internal/identity"
)

const (
	cookieName = "marketchat_session"
	issuer     = "marketchat"
)

var (
	ErrMissingSession = errors.New("missing session token")
	ErrInvalidSession = errors.New("invalid session token")
	ErrSessionExpired = errors.New("session expired")
)

type Manager struct {
	secret []byte
	maxAge time.Duration
}

type sessionClaims struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	jwt.RegisteredClaims
}

// New returns a Manager signing with secret. An empty secret is replaced by a
// random one, which invalidates sessions on restart.
func New(secret string, maxAge time.Duration) (*Manager, error) {
	if strings.TrimSpace(secret) == "" {
		generated := make([]byte, 32)
		if _, err := rand.Read(generated); err != nil {
			return nil, fmt.Errorf("generate auth secret: %w", err)
		}
		secret = base64.RawURLEncoding.EncodeToString(generated)
	}
	return &Manager{secret: []byte(secret), maxAge: maxAge}, nil
}

func (m *Manager) CookieName() string {
	return cookieName
}

func (m *Manager) MaxAge() time.Duration {
	return m.maxAge
}

func (m *Manager) Issue(user identity.User, now time.Time) (string, error) {
	email, err := identity.NormalizeEmail(user.Email)
	if err != nil {
		return "", err
	}
	claims := sessionClaims{
		Name:  strings.TrimSpace(user.Name),
		Phone: strings.TrimSpace(user.Phone),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.maxAge)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return token, nil
}

// Parse verifies token and returns the user it was issued for.
func (m *Manager) Parse(token string, now time.Time) (identity.User, error) {
	if token == "" {
		return identity.User{}, ErrMissingSession
	}
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return identity.User{}, ErrSessionExpired
		}
		return identity.User{}, ErrInvalidSession
	}
	email, err := identity.NormalizeEmail(claims.Subject)
	if err != nil {
		return identity.User{}, ErrInvalidSession
	}
	return identity.User{Email: email, Name: claims.Name, Phone: claims.Phone}, nil
}
