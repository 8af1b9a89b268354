// Package secrets encrypts channel credentials at rest.
//
// Ciphertexts are base64(nonce || sealed) using XChaCha20-Poly1305 with a key
// derived from the process-wide secret through HKDF-SHA256.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MinKeyLength is the minimum accepted length of the process secret.
const MinKeyLength = 32

const hkdfInfo = "lovelines/channel-credentials/v1"

// Encrypter is a symmetric encrypt/decrypt pair. Round trips must be exact.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// EncryptionError reports a failed encryption operation.
type EncryptionError struct {
	Op  string
	Err error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("encryption: %s: %v", e.Op, e.Err)
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}

// Box implements Encrypter with XChaCha20-Poly1305.
type Box struct {
	key []byte
}

// NewBox derives an encryption key from secret.
func NewBox(secret string) (*Box, error) {
	if len(secret) < MinKeyLength {
		return nil, &EncryptionError{Op: "init", Err: fmt.Errorf("key must be at least %d characters, got %d", MinKeyLength, len(secret))}
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, &EncryptionError{Op: "derive key", Err: err}
	}
	return &Box{key: key}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (b *Box) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", &EncryptionError{Op: "encrypt", Err: err}
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", &EncryptionError{Op: "encrypt", Err: err}
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (b *Box) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &EncryptionError{Op: "decrypt", Err: fmt.Errorf("decode: %w", err)}
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", &EncryptionError{Op: "decrypt", Err: err}
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", &EncryptionError{Op: "decrypt", Err: fmt.Errorf("ciphertext too short")}
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &EncryptionError{Op: "decrypt", Err: err}
	}
	return string(plain), nil
}

// SelfTest encrypts then decrypts a probe string and checks the round trip.
func SelfTest(enc Encrypter) error {
	const probe = "lovelines-encryption-probe"
	ciphertext, err := enc.Encrypt(probe)
	if err != nil {
		return err
	}
	plain, err := enc.Decrypt(ciphertext)
	if err != nil {
		return err
	}
	if plain != probe {
		return &EncryptionError{Op: "self-test", Err: fmt.Errorf("round trip mismatch")}
	}
	return nil
}
