package util

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

const (
	AESKeySize = 32
)

func newGCM(rawKey []byte) (cipher.AEAD, error) {
	if len(rawKey) != AESKeySize {
		return nil, fmt.Errorf("invalid AES key size: got %d, want %d", len(rawKey), AESKeySize)
	}
	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// SealAESGCM encrypts plainText under rawKey and returns the random nonce and
// the ciphertext separately.
func SealAESGCM(plainText, rawKey, aad []byte) (nonce, cipherText []byte, err error) {
	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, nil, err
	}
	nonce, err = RandomBytes(gcm.NonceSize())
	if err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	return nonce, gcm.Seal(nil, nonce, plainText, aad), nil
}

// OpenAESGCM reverses SealAESGCM.
func OpenAESGCM(nonce, cipherText, rawKey, aad []byte) ([]byte, error) {
	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce size: got %d, want %d", len(nonce), gcm.NonceSize())
	}
	plainText, err := gcm.Open(nil, nonce, cipherText, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypting ciphertext: %w", err)
	}
	return plainText, nil
}

func NewAESKey() ([]byte, error) {
	key, err := RandomBytes(AESKeySize)
	if err != nil {
		return nil, fmt.Errorf("generating AES key: %w", err)
	}
	return key, nil
}
