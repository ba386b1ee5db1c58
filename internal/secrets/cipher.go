package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Cipher encrypts signing secrets at rest with AES-256-GCM
type Cipher struct {
	key []byte
}

// NewCipher builds a cipher from ENCRYPTION_KEY. Hex keys are decoded; other
// values are used as raw bytes and padded or truncated to 32 bytes (development only).
func NewCipher(key string) *Cipher {
	k, err := hex.DecodeString(key)
	if err != nil {
		k = []byte(key)
	}

	if len(k) < 32 {
		padded := make([]byte, 32)
		copy(padded, k)
		k = padded
	} else if len(k) > 32 {
		k = k[:32]
	}
	return &Cipher{key: k}
}

// Seal encrypts plaintext and returns ciphertext and nonce
func (c *Cipher) Seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := c.gcm()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts ciphertext sealed by Seal
func (c *Cipher) Open(ciphertext, nonce []byte) ([]byte, error) {
	gcm, err := c.gcm()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (c *Cipher) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
