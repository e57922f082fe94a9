package sshhoneypot

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// LoadOrGenerateSigner loads the host key at path. If the file does not
// exist a new ECDSA key is generated and written there so that restarts
// keep presenting the same host fingerprint.
func LoadOrGenerateSigner(path string, log LoggerInterface) (ssh.Signer, error) {
	key_bytes, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(key_bytes)
		if err != nil {
			return nil, fmt.Errorf("parse host key %s: %w", path, err)
		}
		log.Printf("Successfully loaded host key: %v", path)
		return signer, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read host key %s: %w", path, err)
	}

	log.Printf("Host key %v not found, generating new key.", path)
	pem_bytes, err := generateHostKeyPEM()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		log.Printf("Unable to create host key directory: %v", err)
	} else if err := os.WriteFile(path, pem_bytes, 0600); err != nil {
		log.Printf("Unable to persist generated host key: %v", err)
	}
	return ssh.ParsePrivateKey(pem_bytes)
}

func generateSigner() (ssh.Signer, error) {
	pem_bytes, err := generateHostKeyPEM()
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(pem_bytes)
}

func generateHostKeyPEM() ([]byte, error) {
	const blockType = "EC PRIVATE KEY"
	pkey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ecdsa private key: %w", err)
	}

	byt, err := x509.MarshalECPrivateKey(pkey)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	pb := pem.Block{
		Type:    blockType,
		Headers: nil,
		Bytes:   byt,
	}
	return pem.EncodeToMemory(&pb), nil
}
