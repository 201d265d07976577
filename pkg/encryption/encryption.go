// Package encryption defines the key material and the authenticated
// encryption contract used by the enclave.
package encryption

import "errors"

// ErrDecryption is returned by Open when the ciphertext cannot be
// authenticated under the given nonce and key. Callers probing several
// keys treat it as "not addressed to this key".
var ErrDecryption = errors.New("encryption: unable to open box")

// Encryptor handles the primitive operations of the envelope:
// shared key derivation and sealing/opening byte strings.
type Encryptor interface {
	// ComputeSharedKey derives the key shared between the owner of priv and
	// the owner of pub. ComputeSharedKey(a.Public, b.Private) equals
	// ComputeSharedKey(b.Public, a.Private).
	ComputeSharedKey(pub PublicKey, priv PrivateKey) SharedKey

	// Seal encrypts and authenticates message under nonce and key.
	Seal(message []byte, nonce Nonce, key SymmetricKey) []byte

	// Open reverses Seal. It returns ErrDecryption if the box was tampered
	// with or was sealed under another nonce or key.
	Open(box []byte, nonce Nonce, key SymmetricKey) ([]byte, error)

	// RandomNonce returns a fresh nonce.
	RandomNonce() (Nonce, error)

	// CreateMasterKey returns a fresh random symmetric key.
	CreateMasterKey() (MasterKey, error)

	// GenerateKeyPair returns a fresh key pair.
	GenerateKeyPair() (KeyPair, error)
}
