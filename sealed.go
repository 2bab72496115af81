package eitticket

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"

	"filippo.io/age"
	"github.com/zeebo/blake3"
)

// PayloadCipher seals ticket payloads before they leave the process for an
// external store.
type PayloadCipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// AgeCipher seals payloads with age X25519. Every node of a cluster that
// shares a store must hold the same identity.
type AgeCipher struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewAgeCipher parses an AGE-SECRET-KEY-1... identity.
func NewAgeCipher(identity string) (*AgeCipher, error) {
	id, err := age.ParseX25519Identity(identity)
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}
	return &AgeCipher{identity: id, recipient: id.Recipient()}, nil
}

// GenerateAgeIdentity returns a new identity string for NewAgeCipher.
func GenerateAgeIdentity() (string, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generating age identity: %w", err)
	}
	return id.String(), nil
}

// Recipient returns the public half, safe to log.
func (c *AgeCipher) Recipient() string { return c.recipient.String() }

// Seal encrypts plaintext to the cipher's own recipient.
func (c *AgeCipher) Seal(plaintext []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := age.Encrypt(&out, c.recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return out.Bytes(), nil
}

// Open decrypts a payload produced by Seal.
func (c *AgeCipher) Open(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), c.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted payload: %w", err)
	}
	return plaintext, nil
}

// DigestTicketID returns the storage key used for id when payloads are
// sealed, so the store never sees a usable ticket id.
func DigestTicketID(id string) string {
	sum := blake3.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}
