package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"chatsync/internal/constants"

	"golang.org/x/crypto/pbkdf2"
)

const (
	encryptionEnabledEnv = "CHATSYNC_ENABLE_ENCRYPTION"
	encryptionSecretEnv  = "CHATSYNC_ENCRYPTION_SECRET"

	keySize       = 32
	kdfIterations = 100000
	minSecretLen  = 32

	// sealedPrefix marks a column value written by an enabled encryptor.
	// Values without it are read back unchanged, so a timeline created
	// before encryption was switched on stays readable.
	sealedPrefix = "enc1:"
)

// encryptor seals message bodies and attachment descriptors at rest. A nil
// gcm means encryption is disabled and values pass through unchanged.
type encryptor struct {
	gcm cipher.AEAD
}

func NewEncryptor() (*encryptor, error) {
	if os.Getenv(encryptionEnabledEnv) != "true" {
		return &encryptor{}, nil
	}
	return newEncryptorWithSecret(os.Getenv(encryptionSecretEnv))
}

func newEncryptorWithSecret(secret string) (*encryptor, error) {
	switch {
	case secret == "":
		return nil, fmt.Errorf("%s environment variable is required when encryption is enabled", encryptionSecretEnv)
	case len(secret) < minSecretLen:
		return nil, fmt.Errorf("encryption secret must be at least %d characters long", minSecretLen)
	}

	key := pbkdf2.Key([]byte(secret), []byte(constants.EncryptionSalt), kdfIterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &encryptor{gcm: gcm}, nil
}

func (e *encryptor) Enabled() bool {
	return e != nil && e.gcm != nil
}

// rowScope binds a sealed value to the conversation it belongs to, so a
// ciphertext copied into another owner's or conversation's row fails to open.
func rowScope(owner, conversationID string) []byte {
	return []byte(owner + "\x00" + conversationID)
}

// Seal encrypts plaintext for the given row scope.
func (e *encryptor) Seal(plaintext string, scope []byte) (string, error) {
	if plaintext == "" || !e.Enabled() {
		return plaintext, nil
	}

	nonce := make([]byte, e.gcm.NonceSize(), e.gcm.NonceSize()+len(plaintext)+e.gcm.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.gcm.Seal(nonce, nonce, []byte(plaintext), scope)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Unsealed legacy values are returned as they are; a
// sealed value read without a key is an error.
func (e *encryptor) Open(value string, scope []byte) (string, error) {
	encoded, sealed := strings.CutPrefix(value, sealedPrefix)
	if !sealed {
		return value, nil
	}
	if !e.Enabled() {
		return "", fmt.Errorf("value is encrypted but %s is not enabled", encryptionEnabledEnv)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(data) < e.gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:e.gcm.NonceSize()], data[e.gcm.NonceSize():]
	plaintext, err := e.gcm.Open(nil, nonce, ciphertext, scope)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// sealNullable keeps NULL columns NULL.
func (e *encryptor) sealNullable(v *string, scope []byte) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	return e.Seal(*v, scope)
}
