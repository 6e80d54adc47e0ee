// Package security provides credential encryption for storage
// connections. Ciphertext layout is salt || nonce || AES-256-GCM
// sealed data; the key is derived per scope (connection name) from the
// master key, so moving a ciphertext between connections fails to
// decrypt.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// EncryptionService encrypts and decrypts credentials with AES-256-GCM.
type EncryptionService struct {
	masterKey []byte
	saltSize  int
	keyIter   int
}

// NewEncryptionService creates a service from the configured master key.
func NewEncryptionService(masterKey string) *EncryptionService {
	hash := sha256.Sum256([]byte(masterKey))
	return &EncryptionService{
		masterKey: hash[:],
		saltSize:  32,
		keyIter:   10000,
	}
}

// EncryptCredential seals plaintext under a key derived for scope.
func (e *EncryptionService) EncryptCredential(plaintext, scope string) ([]byte, error) {
	salt := make([]byte, e.saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	block, err := aes.NewCipher(e.deriveKey(scope, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	encrypted := make([]byte, len(salt)+len(nonce)+len(ciphertext))
	copy(encrypted, salt)
	copy(encrypted[len(salt):], nonce)
	copy(encrypted[len(salt)+len(nonce):], ciphertext)
	return encrypted, nil
}

// DecryptCredential opens data sealed by EncryptCredential with the same
// scope.
func (e *EncryptionService) DecryptCredential(encrypted []byte, scope string) (string, error) {
	if len(encrypted) < e.saltSize+12 {
		return "", fmt.Errorf("invalid encrypted data: too short")
	}

	salt := encrypted[:e.saltSize]
	encrypted = encrypted[e.saltSize:]

	block, err := aes.NewCipher(e.deriveKey(scope, salt))
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(encrypted) < nonceSize {
		return "", fmt.Errorf("invalid encrypted data: missing nonce")
	}

	plaintext, err := gcm.Open(nil, encrypted[:nonceSize], encrypted[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// EncryptJSON seals the JSON encoding of v for scope.
func (e *EncryptionService) EncryptJSON(v interface{}, scope string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return e.EncryptCredential(string(data), scope)
}

// DecryptJSON opens a sealed JSON document into target.
func (e *EncryptionService) DecryptJSON(encrypted []byte, scope string, target interface{}) error {
	plaintext, err := e.DecryptCredential(encrypted, scope)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(plaintext), target); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return nil
}

func (e *EncryptionService) deriveKey(scope string, salt []byte) []byte {
	info := make([]byte, 0, len(e.masterKey)+len(scope))
	info = append(info, e.masterKey...)
	info = append(info, scope...)
	return pbkdf2.Key(info, salt, e.keyIter, 32, sha256.New)
}
