package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned when a username or password does not match.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Credentials is the single shared account allowed to use the API.
// PasswordHash (bcrypt) takes precedence over Password when both are set.
type Credentials struct {
	Username     string
	Password     string
	PasswordHash string
}

// Enabled reports whether a credential check is configured at all.
func (c Credentials) Enabled() bool {
	return c.Username != ""
}

// Validate checks that an enabled account has a usable secret.
func (c Credentials) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.Password == "" && c.PasswordHash == "" {
		return fmt.Errorf("user %q has neither a password nor a password hash", c.Username)
	}
	if c.PasswordHash != "" {
		if _, err := bcrypt.Cost([]byte(c.PasswordHash)); err != nil {
			return fmt.Errorf("password hash: %w", err)
		}
	}
	return nil
}

// Verify checks username and password in constant time with respect to the
// configured values.
func (c Credentials) Verify(username, password string) error {
	if !c.Enabled() {
		return ErrInvalidCredentials
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(c.Username)) == 1

	var passOK bool
	if c.PasswordHash != "" {
		passOK = bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(password), []byte(c.Password)) == 1
	}

	if !userOK || !passOK {
		return ErrInvalidCredentials
	}
	return nil
}

// HashPassword returns a bcrypt hash suitable for DEPOT_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}
