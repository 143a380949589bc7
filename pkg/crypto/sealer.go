// Package crypto seals venue credentials at rest with AES-256-GCM.
// Ciphertexts carry their key version and are bound to the owning account.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes)
	KeySize = 32
	// NonceSize is the size of GCM nonce (12 bytes)
	NonceSize = 12

	versionPrefix = "ENC[v%d]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Sealer encrypts with one key version.
type Sealer struct {
	aead    cipher.AEAD
	version int
}

// NewSealer creates a sealer for a 32-byte key.
func NewSealer(key []byte, version int) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{aead: gcm, version: version}, nil
}

// Seal encrypts plaintext for accountID. Output: ENC[vN]:base64(nonce+ciphertext).
func (s *Sealer) Seal(accountID, plaintext string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(accountID))
	return fmt.Sprintf(versionPrefix, s.version) + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value sealed for accountID.
func (s *Sealer) Open(accountID, sealed string) (string, error) {
	idx := strings.Index(sealed, "]:")
	if !strings.HasPrefix(sealed, "ENC[v") || idx == -1 {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(sealed[idx+2:])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < NonceSize+s.aead.Overhead() {
		return "", ErrInvalidCiphertext
	}
	plain, err := s.aead.Open(nil, data[:NonceSize], data[NonceSize:], []byte(accountID))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// Version returns the key version of this sealer.
func (s *Sealer) Version() int { return s.version }

// ParseVersion extracts the key version from a sealed value, 0 if malformed.
func ParseVersion(sealed string) int {
	if !strings.HasPrefix(sealed, "ENC[v") {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(sealed, "ENC[v%d]:", &version); err != nil {
		return 0
	}
	return version
}
