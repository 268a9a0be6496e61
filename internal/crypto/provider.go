package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

const (
	// FormatVersion prefixes every sealed payload.
	FormatVersion byte = 1

	// Key sizes
	KeySize   = 32 // AES-256
	NonceSize = 12 // GCM standard
	TagSize   = 16 // GCM tag
	SaltSize  = 32

	// Scrypt parameters
	ScryptN = 32768
	ScryptR = 8
	ScryptP = 1

	// PBKDF2 parameters
	DefaultIterations = 100000
)

// Key derivation functions.
const (
	KDFScrypt = "scrypt"
	KDFPBKDF2 = "pbkdf2"
)

// Errors
var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrInvalidKey        = errors.New("invalid key size")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// KeyParams describes how a payload key is derived from a passphrase.
type KeyParams struct {
	KDF        string `json:"kdf"`
	Salt       string `json:"salt"` // Base64 encoded
	Iterations int    `json:"iterations,omitempty"`
}

// NewSalt returns a random base64 salt for KeyParams.
func NewSalt() (string, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(salt), nil
}

// DeriveKey derives a 256-bit payload key. Every device sharing a remote
// must use the same passphrase and params.
func DeriveKey(passphrase string, params KeyParams) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase cannot be empty")
	}

	salt, err := base64.StdEncoding.DecodeString(params.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	if len(salt) < 16 {
		return nil, fmt.Errorf("salt too short: %d bytes", len(salt))
	}

	switch params.KDF {
	case KDFScrypt, "":
		key, err := scrypt.Key([]byte(passphrase), salt, ScryptN, ScryptR, ScryptP, KeySize)
		if err != nil {
			return nil, fmt.Errorf("scrypt key derivation: %w", err)
		}
		return key, nil

	case KDFPBKDF2:
		iterations := params.Iterations
		if iterations <= 0 {
			iterations = DefaultIterations
		}
		return pbkdf2.Key([]byte(passphrase), salt, iterations, KeySize, sha256.New), nil

	default:
		return nil, fmt.Errorf("unsupported key derivation function: %s", params.KDF)
	}
}

// ValidateKeySize checks if the key is the correct size.
func ValidateKeySize(key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("%w: expected %d, got %d", ErrInvalidKey, KeySize, len(key))
	}
	return nil
}
