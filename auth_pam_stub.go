//go:build !(linux && cgo)

package sshhoneypot

import (
	"errors"
)

var errPAMUnavailable = errors.New("pam authentication requires linux with cgo")

type PAMAuthenticator struct {
	Service string
}

func NewPAMAuthenticator(service string) *PAMAuthenticator {
	return &PAMAuthenticator{Service: service}
}

func (authenticator *PAMAuthenticator) Authenticate(username, password string) (bool, error) {
	return false, errPAMUnavailable
}
