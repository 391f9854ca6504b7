// Package crypto seals the upload credential at rest with AES-256-GCM. The key
// is derived from the device id, so a copied data directory is useless on a
// device with a different id.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	apperrors "github.com/kimhsiao/reportsync/internal/errors"
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when no key material is supplied.
	ErrInvalidKey = errors.New("invalid key")
)

const keyContext = "reportsync:token:"

// Encrypt seals plaintext with a SHA-256 digest of key and returns
// base64(nonce || ciphertext).
func Encrypt(plaintext, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt with the same key.
func Decrypt(ciphertext string, key []byte) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	derived := sha256.Sum256(key)
	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// DeviceKey derives the sealing key for a device.
func DeviceKey(deviceID string) ([]byte, error) {
	if deviceID == "" {
		return nil, ErrInvalidKey
	}
	sum := sha256.Sum256([]byte(keyContext + deviceID))
	return sum[:], nil
}

// SealToken encrypts a bearer token for storage under the device's key.
func SealToken(token, deviceID string) (string, error) {
	if token == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "token cannot be empty")
	}
	key, err := DeviceKey(deviceID)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCryptoFailed, "failed to derive device key", err)
	}
	sealed, err := Encrypt([]byte(token), key)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCryptoFailed, "failed to seal token", err)
	}
	return sealed, nil
}

// OpenToken decrypts a token sealed by SealToken. An empty sealed value means
// no token is stored and yields "".
func OpenToken(sealed, deviceID string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	key, err := DeviceKey(deviceID)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCryptoFailed, "failed to derive device key", err)
	}
	plaintext, err := Decrypt(sealed, key)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCryptoFailed, "failed to open token", err)
	}
	return string(plaintext), nil
}
