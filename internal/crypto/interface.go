package crypto

// Sealer encrypts record payloads before they leave the device.
type Sealer interface {
	// Seal encrypts plaintext and binds it to aad, typically the record key.
	Seal(plaintext, aad []byte) ([]byte, error)

	// Open decrypts a sealed payload. It fails when aad differs from the
	// value used to seal.
	Open(sealed, aad []byte) ([]byte, error)
}
