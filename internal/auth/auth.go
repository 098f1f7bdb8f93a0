// Package auth verifies the shared admin secret guarding the room
// management API.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// AdminHeader carries the shared secret on admin requests.
const AdminHeader = "X-Admin-Code"

// AdminCodeVerifier compares a presented admin code against the configured
// one in constant time.
type AdminCodeVerifier struct {
	Expected string
}

func (v AdminCodeVerifier) Verify(code string) error {
	if code == "" || v.Expected == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(code), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// VerifyRequest checks the admin header of an HTTP request.
func (v AdminCodeVerifier) VerifyRequest(r *http.Request) error {
	return v.Verify(r.Header.Get(AdminHeader))
}
