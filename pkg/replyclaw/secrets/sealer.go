// Package secrets protects account credentials at rest. Session blobs are
// sealed with AES-256-GCM under a key derived from a passphrase with
// Argon2id; the passphrase itself comes from the environment, the OS
// keyring or the config file, in that order.
package secrets

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id parameters (OWASP recommended).
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32 // AES-256

	saltLen = 16
)

// sealedMagic prefixes every sealed blob so plaintext records written before
// a passphrase was configured can still be read.
var sealedMagic = []byte("rcs1")

var (
	ErrNoPassphrase = errors.New("no session passphrase configured")
	ErrUnseal       = errors.New("cannot decrypt sealed credentials (wrong passphrase?)")
)

// Sealer encrypts and decrypts credential blobs.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// PlainSealer stores credentials as-is. Used when no passphrase is configured.
type PlainSealer struct{}

func (PlainSealer) Seal(plaintext []byte) ([]byte, error) {
	return append([]byte(nil), plaintext...), nil
}

func (PlainSealer) Open(sealed []byte) ([]byte, error) {
	if IsSealed(sealed) {
		return nil, fmt.Errorf("%w: credentials are sealed", ErrNoPassphrase)
	}
	return append([]byte(nil), sealed...), nil
}

// AEADSealer seals blobs with AES-256-GCM.
//
// Layout: magic | salt(16) | nonce(12) | ciphertext.
type AEADSealer struct {
	passphrase string
	salt       []byte

	mu   sync.Mutex
	keys map[string][]byte // salt -> derived key
}

// NewAEADSealer derives the sealing key for a fresh random salt.
func NewAEADSealer(passphrase string) (*AEADSealer, error) {
	if passphrase == "" {
		return nil, ErrNoPassphrase
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	s := &AEADSealer{passphrase: passphrase, salt: salt, keys: make(map[string][]byte)}
	s.key(salt)
	return s, nil
}

func (s *AEADSealer) key(salt []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[string(salt)]; ok {
		return k
	}
	k := argon2.IDKey([]byte(s.passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	s.keys[string(salt)] = k
	return k
}

// Seal encrypts plaintext with a random nonce.
func (s *AEADSealer) Seal(plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(s.key(s.salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, len(sealedMagic)+saltLen+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, sealedMagic...)
	out = append(out, s.salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal. Unsealed (legacy) blobs are returned
// unchanged.
func (s *AEADSealer) Open(sealed []byte) ([]byte, error) {
	if !IsSealed(sealed) {
		return append([]byte(nil), sealed...), nil
	}
	rest := sealed[len(sealedMagic):]
	if len(rest) < saltLen {
		return nil, fmt.Errorf("%w: truncated", ErrUnseal)
	}
	salt, rest := rest[:saltLen], rest[saltLen:]

	gcm, err := newGCM(s.key(salt))
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: truncated", ErrUnseal)
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrUnseal
	}
	return plaintext, nil
}

// IsSealed reports whether b carries the sealed-blob prefix.
func IsSealed(b []byte) bool {
	return bytes.HasPrefix(b, sealedMagic)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
