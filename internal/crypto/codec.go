package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/scrypt"

	"github.com/vanishapp/vanish/pkg/apperr"
)

const keySize = 32

// Application-wide KDF salt. Deliberately fixed (not per-message) so the same
// secret always derives the same key and the sender can re-derive it from
// memory alone.
var kdfSalt = []byte("vanish-salt")

// scrypt cost parameters
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

func deriveKey(secret string) ([]byte, error) {
	key, err := scrypt.Key([]byte(secret), kdfSalt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext with AES-256-GCM under a key derived from the
// sender's secret and returns hex-encoded ciphertext and nonce. A fresh
// random nonce is generated per call; nonces are stored in the clear.
func Encrypt(plaintext, secret string) (cipherHex, ivHex string, err error) {
	key, err := deriveKey(secret)
	if err != nil {
		return "", "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", "", fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", fmt.Errorf("create GCM: %w", err)
	}

	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, iv, []byte(plaintext), nil)
	return hex.EncodeToString(ciphertext), hex.EncodeToString(iv), nil
}

// Decrypt reverses Encrypt. A secret that does not match the one used at
// encryption time, or a malformed payload, fails with a DECRYPTION_ERROR.
func Decrypt(cipherHex, ivHex, secret string) (string, error) {
	ciphertext, err := hex.DecodeString(cipherHex)
	if err != nil {
		return "", apperr.Decryption("malformed ciphertext")
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return "", apperr.Decryption("malformed initialization vector")
	}

	key, err := deriveKey(secret)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}
	if len(iv) != aead.NonceSize() {
		return "", apperr.Decryption("malformed initialization vector")
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", apperr.Decryption("decryption key does not match")
	}

	return string(plaintext), nil
}
