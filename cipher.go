package eitticket

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
)

// PublicKeyCipher encodes short tokens (ticket ids handed to a service)
// under the service's RSA public key with OAEP/SHA-256. The key size bounds
// the token length: a token that does not fit fails with
// *EncodingTooLargeError and the caller must send it another way.
type PublicKeyCipher struct {
	key *rsa.PublicKey
}

// NewPublicKeyCipher wraps key.
func NewPublicKeyCipher(key *rsa.PublicKey) (*PublicKeyCipher, error) {
	if key == nil {
		return nil, errors.New("public key is nil")
	}
	return &PublicKeyCipher{key: key}, nil
}

// ParsePublicKeyPEM reads a PKIX "PUBLIC KEY" or PKCS#1 "RSA PUBLIC KEY"
// block.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing public key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, not RSA", key)
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing public key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
	}
}

// MaxPlaintext returns the largest token, in bytes, the key can encode.
func (c *PublicKeyCipher) MaxPlaintext() int {
	return c.key.Size() - 2*sha256.Size - 2
}

// Encode encrypts value and returns it base64 encoded.
func (c *PublicKeyCipher) Encode(value string) (string, error) {
	if limit := c.MaxPlaintext(); len(value) > limit {
		return "", &EncodingTooLargeError{Size: len(value), Limit: limit}
	}
	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, c.key, []byte(value), nil)
	if err != nil {
		if errors.Is(err, rsa.ErrMessageTooLong) {
			return "", &EncodingTooLargeError{Size: len(value), Limit: c.MaxPlaintext()}
		}
		return "", fmt.Errorf("encrypting token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecodeWithPrivateKey reverses Encode. Services hold the private key; the
// registry never does, so this lives here for the service side and tests.
func DecodeWithPrivateKey(encoded string, key *rsa.PrivateKey) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding base64 token: %w", err)
	}
	out, err := rsa.DecryptOAEP(sha256.New(), nil, key, raw, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting token: %w", err)
	}
	return string(out), nil
}
