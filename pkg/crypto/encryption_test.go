package crypto

import (
	"strings"
	"testing"
)

func testKey() []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryptDecrypt(t *testing.T) {
	enc, err := NewEncryptor(testKey(), 1)
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty", ""},
		{"short", "hello"},
		{"api_key", "abc123XYZ789"},
		{"long", "a very long api secret that an exchange might hand out to a futures account"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := enc.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt failed: %v", err)
			}
			if !strings.HasPrefix(ciphertext, "ENC[v1]:") {
				t.Errorf("ciphertext missing version prefix: %s", ciphertext)
			}
			decrypted, err := enc.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("Decrypt failed: %v", err)
			}
			if decrypted != tt.plaintext {
				t.Errorf("decrypted = %q, want %q", decrypted, tt.plaintext)
			}
		})
	}
}

func TestEncryptProducesDifferentCiphertexts(t *testing.T) {
	enc, _ := NewEncryptor(testKey(), 1)
	c1, _ := enc.Encrypt("same-api-key")
	c2, _ := enc.Encrypt("same-api-key")
	if c1 == c2 {
		t.Error("two encryptions of the same plaintext must not be identical")
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	enc, _ := NewEncryptor(testKey(), 1)
	for _, bad := range []string{"", "plaintext", "ENC[v1]", "ENC[v1]:!!!not-base64!!!", "ENC[v1]:QQ=="} {
		if _, err := enc.Decrypt(bad); err == nil {
			t.Errorf("Decrypt(%q) should fail", bad)
		}
	}
}

func TestInvalidKeySize(t *testing.T) {
	if _, err := NewEncryptor(make([]byte, 16), 1); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestParseVersion(t *testing.T) {
	if v := ParseVersion("ENC[v3]:abc"); v != 3 {
		t.Errorf("ParseVersion = %d, want 3", v)
	}
	if v := ParseVersion("nope"); v != 0 {
		t.Errorf("ParseVersion = %d, want 0", v)
	}
}

func TestKeyManagerRoundTrip(t *testing.T) {
	km, err := NewKeyManager(testKey())
	if err != nil {
		t.Fatalf("NewKeyManager failed: %v", err)
	}
	ct, err := km.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	pt, err := km.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if pt != "secret" {
		t.Errorf("round trip = %q, want %q", pt, "secret")
	}
}
