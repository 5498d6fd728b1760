// Package smtp implements a minimal submission listener that hands accepted
// messages to the send pipeline.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

var (
	errInvalidEncoding = errors.New("invalid base64 encoding")
	errInvalidFormat   = errors.New("invalid AUTH PLAIN format")
	errAuthFailed      = errors.New("authentication failed")
)

// Authenticator handles SMTP AUTH verification against configured credentials.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If either is empty, authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// VerifyPlain decodes and verifies an AUTH PLAIN response of the form
// base64(authzid \0 authcid \0 password). The authorization identity is
// ignored.
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return errInvalidEncoding
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return errInvalidFormat
	}
	return a.verify(parts[1], parts[2])
}

// VerifyLogin verifies base64-encoded AUTH LOGIN credentials.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return errInvalidEncoding
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return errInvalidEncoding
	}
	return a.verify(string(user), string(pass))
}

// verify compares both fields in constant time and always checks both.
func (a *Authenticator) verify(user, pass string) error {
	if !a.Enabled() {
		return errAuthFailed
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username))
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.password))
	if userOK&passOK != 1 {
		return errAuthFailed
	}
	return nil
}
