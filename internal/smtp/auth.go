// Package smtp implements an SMTP ingress with STARTTLS and AUTH that feeds
// received messages into the ingestion pipeline.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrAuthFailed is returned when the supplied credentials do not match.
var ErrAuthFailed = errors.New("authentication failed")

// Authenticator handles SMTP AUTH verification against configured credentials.
type Authenticator struct {
	username []byte
	password []byte
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If either username or password is empty, authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: []byte(username),
		password: []byte(password),
	}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return len(a.username) > 0 && len(a.password) > 0
}

// VerifyPlain decodes and verifies an AUTH PLAIN response of the form
// base64(authzid \0 authcid \0 password). The authorization identity is ignored.
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid base64 encoding: %w", err)
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return errors.New("invalid AUTH PLAIN format")
	}

	return a.check([]byte(parts[1]), []byte(parts[2]))
}

// VerifyLogin verifies base64-encoded AUTH LOGIN credentials.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return fmt.Errorf("invalid base64 username: %w", err)
	}

	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return fmt.Errorf("invalid base64 password: %w", err)
	}

	return a.check(user, pass)
}

// check compares both fields in constant time.
func (a *Authenticator) check(user, pass []byte) error {
	userOK := subtle.ConstantTimeCompare(user, a.username)
	passOK := subtle.ConstantTimeCompare(pass, a.password)
	if userOK&passOK != 1 {
		return ErrAuthFailed
	}
	return nil
}
