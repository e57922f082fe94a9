//go:build linux && cgo

package sshhoneypot

import (
	"errors"
	"fmt"

	"github.com/msteinert/pam/v2"
)

// PAMAuthenticator checks credentials against a dedicated PAM service.
type PAMAuthenticator struct {
	Service string
}

func NewPAMAuthenticator(service string) *PAMAuthenticator {
	return &PAMAuthenticator{Service: service}
}

func (authenticator *PAMAuthenticator) Authenticate(username, password string) (bool, error) {
	transaction, err := pam.StartFunc(authenticator.Service, username, func(style pam.Style, msg string) (string, error) {
		switch style {
		case pam.PromptEchoOff, pam.PromptEchoOn:
			return password, nil
		case pam.ErrorMsg, pam.TextInfo:
			return "", nil
		}
		return "", errors.New("unrecognized PAM message style")
	})
	if err != nil {
		return false, fmt.Errorf("pam start %s: %w", authenticator.Service, err)
	}
	defer transaction.End()

	if err := transaction.Authenticate(pam.Silent); err != nil {
		return false, fmt.Errorf("pam authenticate: %w", err)
	}
	if err := transaction.AcctMgmt(pam.Silent); err != nil {
		return false, fmt.Errorf("pam account: %w", err)
	}
	return true, nil
}
