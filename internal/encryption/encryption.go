// Package encryption provides the NaCl implementation of the
// encryption.Encryptor contract.
package encryption

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/i5heu/ouroboros-privacy/pkg/encryption"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// NaclEncryptor derives shared keys with curve25519 and seals with
// xsalsa20poly1305.
type NaclEncryptor struct {
	random io.Reader
}

// NewNaclEncryptor creates a NaclEncryptor reading randomness from
// crypto/rand.
func NewNaclEncryptor() *NaclEncryptor {
	return &NaclEncryptor{random: rand.Reader}
}

// ComputeSharedKey precomputes the box key for pub and priv.
func (e *NaclEncryptor) ComputeSharedKey(
	pub encryption.PublicKey,
	priv encryption.PrivateKey,
) encryption.SharedKey {
	var shared [encryption.KeySize]byte
	p := [encryption.KeySize]byte(pub)
	s := [encryption.KeySize]byte(priv)
	box.Precompute(&shared, &p, &s)
	return encryption.SharedKey(shared)
}

// Seal encrypts message with the given nonce and key.
func (e *NaclEncryptor) Seal(
	message []byte,
	nonce encryption.Nonce,
	key encryption.SymmetricKey,
) []byte {
	k := key.KeyBytes()
	n := [encryption.NonceSize]byte(nonce)
	return secretbox.Seal(nil, message, &n, &k)
}

// Open decrypts a box produced by Seal.
func (e *NaclEncryptor) Open(
	sealed []byte,
	nonce encryption.Nonce,
	key encryption.SymmetricKey,
) ([]byte, error) {
	k := key.KeyBytes()
	n := [encryption.NonceSize]byte(nonce)
	out, ok := secretbox.Open(nil, sealed, &n, &k)
	if !ok {
		return nil, encryption.ErrDecryption
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// RandomNonce returns 24 random bytes.
func (e *NaclEncryptor) RandomNonce() (encryption.Nonce, error) {
	var n encryption.Nonce
	if _, err := io.ReadFull(e.random, n[:]); err != nil {
		return n, fmt.Errorf("encryption: generate nonce: %w", err)
	}
	return n, nil
}

// CreateMasterKey returns 32 random bytes.
func (e *NaclEncryptor) CreateMasterKey() (encryption.MasterKey, error) {
	var k encryption.MasterKey
	if _, err := io.ReadFull(e.random, k[:]); err != nil {
		return k, fmt.Errorf("encryption: generate master key: %w", err)
	}
	return k, nil
}

// GenerateKeyPair creates a new curve25519 key pair.
func (e *NaclEncryptor) GenerateKeyPair() (encryption.KeyPair, error) {
	pub, priv, err := box.GenerateKey(e.random)
	if err != nil {
		return encryption.KeyPair{}, fmt.Errorf("encryption: generate key pair: %w", err)
	}
	return encryption.KeyPair{
		Public:  encryption.PublicKey(*pub),
		Private: encryption.PrivateKey(*priv),
	}, nil
}

// Ensure NaclEncryptor implements the Encryptor interface.
var _ encryption.Encryptor = (*NaclEncryptor)(nil)
