package sshhoneypot

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
)

var ErrBadSignature = errors.New("hmac does not match")

// signedMessage wraps a JSON message with an HMAC-SHA256 over its bytes.
type signedMessage struct {
	Message []byte
	HMAC    []byte
}

func signMessage(message interface{}, key []byte) (signedMessage, error) {
	wrapper := signedMessage{}
	data, err := json.Marshal(message)
	if err != nil {
		return wrapper, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	wrapper.Message = data
	wrapper.HMAC = mac.Sum(nil)
	return wrapper, nil
}

// verify checks the HMAC and, when it matches, decodes the message into out.
func (wrapper *signedMessage) verify(key []byte, out interface{}) error {
	mac := hmac.New(sha256.New, key)
	mac.Write(wrapper.Message)
	expectedMAC := mac.Sum(nil)
	if !hmac.Equal(wrapper.HMAC, expectedMAC) {
		return ErrBadSignature
	}
	return json.Unmarshal(wrapper.Message, out)
}
