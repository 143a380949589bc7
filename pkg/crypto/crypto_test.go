package crypto

import (
	"encoding/base64"
	"testing"
)

func testKey(fill byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = fill + byte(i)
	}
	return key
}

func TestSealOpen(t *testing.T) {
	s, err := NewSealer(testKey(0), 1)
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty", ""},
		{"api_key", "abc123XYZ789"},
		{"long", "a long venue api secret used for signing private requests"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := s.Seal("acct-1", tt.plaintext)
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}
			if ParseVersion(sealed) != 1 {
				t.Errorf("sealed value missing version prefix: %s", sealed)
			}
			got, err := s.Open("acct-1", sealed)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if got != tt.plaintext {
				t.Errorf("opened = %q, want %q", got, tt.plaintext)
			}
		})
	}
}

func TestSealBoundToAccount(t *testing.T) {
	s, _ := NewSealer(testKey(0), 1)
	sealed, _ := s.Seal("acct-1", "secret")
	if _, err := s.Open("acct-2", sealed); err != ErrDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestOpenInvalid(t *testing.T) {
	s, _ := NewSealer(testKey(0), 1)
	for _, invalid := range []string{"", "plain", "ENC[v1]:", "ENC[v1]:!!!"} {
		if _, err := s.Open("a", invalid); err == nil {
			t.Errorf("expected error for %q", invalid)
		}
	}
	if _, err := NewSealer([]byte("short"), 1); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestKeyringRotation(t *testing.T) {
	old, _ := NewKeyring(map[int][]byte{1: testKey(0)})
	sealed, err := old.SealCredentials("acct", Credentials{APIKey: "k", APISecret: "s"})
	if err != nil {
		t.Fatalf("SealCredentials: %v", err)
	}

	kr, err := NewKeyring(map[int][]byte{1: testKey(0), 2: testKey(7)})
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	if kr.CurrentVersion() != 2 {
		t.Fatalf("CurrentVersion=%d, expected 2", kr.CurrentVersion())
	}
	creds, err := kr.OpenCredentials("acct", sealed)
	if err != nil {
		t.Fatalf("OpenCredentials: %v", err)
	}
	if creds.APIKey != "k" || creds.APISecret != "s" {
		t.Fatalf("creds=%+v", creds)
	}
	resealed, err := kr.Reseal("acct", sealed.APIKey)
	if err != nil {
		t.Fatalf("Reseal: %v", err)
	}
	if ParseVersion(resealed) != 2 {
		t.Fatalf("resealed version=%d, expected 2", ParseVersion(resealed))
	}
}

func TestKeyringFromEnv(t *testing.T) {
	t.Setenv(EnvKeyPrefix, base64.StdEncoding.EncodeToString(testKey(1)))
	t.Setenv(EnvKeyPrefix+"_V3", base64.StdEncoding.EncodeToString(testKey(3)))
	kr, err := NewKeyringFromEnv()
	if err != nil {
		t.Fatalf("NewKeyringFromEnv: %v", err)
	}
	if kr.CurrentVersion() != 3 {
		t.Fatalf("CurrentVersion=%d, expected 3", kr.CurrentVersion())
	}

	t.Setenv(EnvKeyPrefix, "")
	if _, err := NewKeyringFromEnv(); err == nil {
		t.Fatal("expected error without primary key")
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		sealed   string
		expected int
	}{
		{"ENC[v1]:data", 1},
		{"ENC[v10]:data", 10},
		{"invalid", 0},
		{"ENC[vX]:data", 0},
	}
	for _, tt := range tests {
		if got := ParseVersion(tt.sealed); got != tt.expected {
			t.Errorf("ParseVersion(%q) = %d, want %d", tt.sealed, got, tt.expected)
		}
	}
}
