// Package identity holds the participant identity shared by the store, the
// session layer and the mail gateway. Email is the durable participant key.
package identity

import (
	"errors"
	"net/mail"
	"strings"
)

var (
	ErrEmailRequired = errors.New("email is required")
	ErrEmailInvalid  = errors.New("email must be valid")
)

type User struct {
	Email string
	Name  string
	Phone string
}

// Provider reports the authenticated user of the calling context, if any.
type Provider interface {
	CurrentUser() (User, bool)
}

// Static is a Provider with a fixed answer. The zero value has no user.
type Static struct {
	User User
	OK   bool
}

func (s Static) CurrentUser() (User, bool) {
	return s.User, s.OK && s.User.Email != ""
}

func NormalizeEmail(email string) (string, error) {
	trimmed := strings.TrimSpace(strings.ToLower(email))
	if trimmed == "" {
		return "", ErrEmailRequired
	}
	addr, err := mail.ParseAddress(trimmed)
	if err != nil {
		return "", ErrEmailInvalid
	}
	// Reject display-name forms such as "Bob <bob@x>": only the bare address is an identity.
	if addr.Address != trimmed {
		return "", ErrEmailInvalid
	}
	return strings.ToLower(addr.Address), nil
}

// DisplayName falls back to the local part of the email when name is blank.
func DisplayName(name, email string) string {
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		return trimmed
	}
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}
