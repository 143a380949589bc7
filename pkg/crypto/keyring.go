package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	ErrKeyNotFound  = errors.New("encryption key not found")
	ErrKeyNotLoaded = errors.New("keyring not initialized")
)

// EnvKeyPrefix names the environment variables holding base64 keys:
// MASTER_ENCRYPTION_KEY is version 1, MASTER_ENCRYPTION_KEY_V2 version 2, and so on.
const EnvKeyPrefix = "MASTER_ENCRYPTION_KEY"

// Keyring holds every loaded key version and seals with the newest.
type Keyring struct {
	mu      sync.RWMutex
	current int
	sealers map[int]*Sealer
}

// Credentials are venue API credentials in the clear.
type Credentials struct {
	APIKey    string
	APISecret string
}

// SealedCredentials are credentials as stored.
type SealedCredentials struct {
	APIKey     string
	APISecret  string
	KeyVersion int
}

// NewKeyring builds a keyring from raw keys by version.
func NewKeyring(keys map[int][]byte) (*Keyring, error) {
	kr := &Keyring{sealers: make(map[int]*Sealer, len(keys))}
	for v, key := range keys {
		s, err := NewSealer(key, v)
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", v, err)
		}
		kr.sealers[v] = s
		if v > kr.current {
			kr.current = v
		}
	}
	if kr.current == 0 {
		return nil, ErrKeyNotFound
	}
	return kr, nil
}

// NewKeyringFromEnv loads version 1 (required) and versions 2..10 (optional).
func NewKeyringFromEnv() (*Keyring, error) {
	keys := make(map[int][]byte)
	for v := 1; v <= 10; v++ {
		name := EnvKeyPrefix
		if v > 1 {
			name = fmt.Sprintf("%s_V%d", EnvKeyPrefix, v)
		}
		raw := os.Getenv(name)
		if raw == "" {
			if v == 1 {
				return nil, fmt.Errorf("load primary key: %w", ErrKeyNotFound)
			}
			continue
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode key %s: %w", name, err)
		}
		keys[v] = key
	}
	return NewKeyring(keys)
}

// Seal encrypts with the current key version.
func (kr *Keyring) Seal(accountID, plaintext string) (string, error) {
	if kr == nil {
		return "", ErrKeyNotLoaded
	}
	kr.mu.RLock()
	s := kr.sealers[kr.current]
	kr.mu.RUnlock()
	if s == nil {
		return "", ErrKeyNotLoaded
	}
	return s.Seal(accountID, plaintext)
}

// Open decrypts with whichever key version sealed the value.
func (kr *Keyring) Open(accountID, sealed string) (string, error) {
	if kr == nil {
		return "", ErrKeyNotLoaded
	}
	v := ParseVersion(sealed)
	if v == 0 {
		return "", ErrInvalidCiphertext
	}
	kr.mu.RLock()
	s, ok := kr.sealers[v]
	kr.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("key version %d not available", v)
	}
	return s.Open(accountID, sealed)
}

// SealCredentials seals both halves of a venue credential.
func (kr *Keyring) SealCredentials(accountID string, c Credentials) (SealedCredentials, error) {
	key, err := kr.Seal(accountID, c.APIKey)
	if err != nil {
		return SealedCredentials{}, err
	}
	secret, err := kr.Seal(accountID, c.APISecret)
	if err != nil {
		return SealedCredentials{}, err
	}
	return SealedCredentials{APIKey: key, APISecret: secret, KeyVersion: kr.CurrentVersion()}, nil
}

// OpenCredentials reverses SealCredentials.
func (kr *Keyring) OpenCredentials(accountID string, sc SealedCredentials) (Credentials, error) {
	key, err := kr.Open(accountID, sc.APIKey)
	if err != nil {
		return Credentials{}, fmt.Errorf("open api key: %w", err)
	}
	secret, err := kr.Open(accountID, sc.APISecret)
	if err != nil {
		return Credentials{}, fmt.Errorf("open api secret: %w", err)
	}
	return Credentials{APIKey: key, APISecret: secret}, nil
}

// Reseal re-encrypts a value with the current key version.
func (kr *Keyring) Reseal(accountID, sealed string) (string, error) {
	plain, err := kr.Open(accountID, sealed)
	if err != nil {
		return "", fmt.Errorf("open for reseal: %w", err)
	}
	return kr.Seal(accountID, plain)
}

// CurrentVersion returns the key version used for new seals.
func (kr *Keyring) CurrentVersion() int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.current
}

// GenerateKey returns a random base64 AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
