package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// AESGCM seals payloads with AES-256-GCM.
// Format: version || nonce || ciphertext || tag
type AESGCM struct {
	aead cipher.AEAD
}

var _ Sealer = (*AESGCM)(nil)

// NewAESGCM creates a sealer for a 32-byte key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if err := ValidateKeySize(key); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &AESGCM{aead: aead}, nil
}

// NewSealer derives a key from passphrase and returns an AES-GCM sealer.
func NewSealer(passphrase string, params KeyParams) (*AESGCM, error) {
	key, err := DeriveKey(passphrase, params)
	if err != nil {
		return nil, err
	}
	return NewAESGCM(key)
}

// Seal encrypts plaintext with a random nonce.
func (s *AESGCM) Seal(plaintext, aad []byte) ([]byte, error) {
	result := make([]byte, 1+NonceSize, 1+NonceSize+len(plaintext)+TagSize)
	result[0] = FormatVersion

	nonce := result[1 : 1+NonceSize]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return s.aead.Seal(result, nonce, plaintext, aad), nil
}

// Open decrypts a payload produced by Seal.
func (s *AESGCM) Open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < 1+NonceSize+TagSize {
		return nil, ErrInvalidCiphertext
	}
	if sealed[0] != FormatVersion {
		return nil, fmt.Errorf("%w: unknown format version %d", ErrInvalidCiphertext, sealed[0])
	}

	nonce := sealed[1 : 1+NonceSize]
	plaintext, err := s.aead.Open(nil, nonce, sealed[1+NonceSize:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
