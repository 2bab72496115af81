package eitticket

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"
	"testing"
)

func TestPublicKeyCipherCapacity(t *testing.T) {
	token := strings.Repeat("T", 120)

	small, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	cipher, err := NewPublicKeyCipher(&small.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := cipher.Encode(token)
	if encoded != "" {
		t.Fatal("expected no output from a key that is too small")
	}
	var tooLarge *EncodingTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected *EncodingTooLargeError, got %v", err)
	}
	if tooLarge.Size != 120 || tooLarge.Limit != cipher.MaxPlaintext() {
		t.Fatalf("unexpected error detail %+v", tooLarge)
	}

	large, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	cipher, err = NewPublicKeyCipher(&large.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	encoded, err = cipher.Encode(token)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeWithPrivateKey(encoded, large)
	if err != nil {
		t.Fatal(err)
	}
	if decoded != token {
		t.Fatalf("decoded %d characters, want the original 120", len(decoded))
	}
}

func TestParsePublicKeyPEM(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParsePublicKeyPEM(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Equal(&key.PublicKey) {
		t.Fatal("parsed PKIX key differs")
	}

	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)})
	parsed, err = ParsePublicKeyPEM(pkcs1)
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Equal(&key.PublicKey) {
		t.Fatal("parsed PKCS#1 key differs")
	}

	if _, err := ParsePublicKeyPEM([]byte("not pem")); err == nil {
		t.Fatal("expected error for non-PEM input")
	}
}

func TestAgeCipherRoundTrip(t *testing.T) {
	identity, err := GenerateAgeIdentity()
	if err != nil {
		t.Fatal(err)
	}
	cipher, err := NewAgeCipher(identity)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(cipher.Recipient(), "age1") {
		t.Fatalf("unexpected recipient %s", cipher.Recipient())
	}

	plaintext := []byte("TGT-00001-secret payload")
	sealed, err := cipher.Seal(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed payload contains the plaintext")
	}
	opened, err := cipher.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatal("opened payload differs")
	}

	other, err := GenerateAgeIdentity()
	if err != nil {
		t.Fatal(err)
	}
	stranger, err := NewAgeCipher(other)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stranger.Open(sealed); err == nil {
		t.Fatal("expected a different identity to fail")
	}
}

func TestDigestTicketID(t *testing.T) {
	a := DigestTicketID("TGT-00001-abc")
	if len(a) != 64 {
		t.Fatalf("expected 64 hex characters, got %d", len(a))
	}
	if a != DigestTicketID("TGT-00001-abc") {
		t.Fatal("digest is not deterministic")
	}
	if a == DigestTicketID("TGT-00002-abc") {
		t.Fatal("distinct ids share a digest")
	}
	if strings.Contains(a, "TGT") {
		t.Fatal("digest leaks the id")
	}
}
