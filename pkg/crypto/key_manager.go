package crypto

import (
	"encoding/base64"
	"fmt"
	"os"
	"sync"
)

var ErrKeyNotLoaded = fmt.Errorf("key manager not initialized")

// KeyManager holds one encryptor per key version. New data is sealed with the
// newest version; Decrypt dispatches on the ciphertext's version prefix.
type KeyManager struct {
	mu         sync.RWMutex
	currentVer int
	encryptors map[int]*Encryptor
}

// NewKeyManager creates a manager with the given primary (version 1) key.
// Additional rotation keys are read from MASTER_ENCRYPTION_KEY_V2.. env vars;
// the highest loaded version becomes the sealing key.
func NewKeyManager(primary []byte) (*KeyManager, error) {
	enc, err := NewEncryptor(primary, 1)
	if err != nil {
		return nil, fmt.Errorf("primary key: %w", err)
	}
	km := &KeyManager{
		currentVer: 1,
		encryptors: map[int]*Encryptor{1: enc},
	}

	for v := 2; v <= 10; v++ {
		raw := os.Getenv(fmt.Sprintf("MASTER_ENCRYPTION_KEY_V%d", v))
		if raw == "" {
			continue
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode rotation key v%d: %w", v, err)
		}
		enc, err := NewEncryptor(key, v)
		if err != nil {
			return nil, fmt.Errorf("rotation key v%d: %w", v, err)
		}
		km.encryptors[v] = enc
		km.currentVer = v
	}
	return km, nil
}

// Encrypt seals plaintext with the current key version.
func (km *KeyManager) Encrypt(plaintext string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	enc, ok := km.encryptors[km.currentVer]
	if !ok {
		return "", ErrKeyNotLoaded
	}
	return enc.Encrypt(plaintext)
}

// Decrypt opens ciphertext with the key version it was sealed under.
func (km *KeyManager) Decrypt(ciphertext string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	version := ParseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	enc, ok := km.encryptors[version]
	if !ok {
		return "", fmt.Errorf("no key loaded for version %d", version)
	}
	return enc.Decrypt(ciphertext)
}

// CurrentVersion returns the sealing key version.
func (km *KeyManager) CurrentVersion() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.currentVer
}
