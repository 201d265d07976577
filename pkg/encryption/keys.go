package encryption

import (
	"encoding/base64"
	"fmt"
	"sort"
)

const (
	// KeySize is the length in bytes of every key type.
	KeySize = 32
	// NonceSize is the length in bytes of a nonce.
	NonceSize = 24
	// Overhead is the number of bytes Seal adds to its input.
	Overhead = 16
)

// PublicKey is the public half of a curve25519 key pair.
type PublicKey [KeySize]byte

// PrivateKey is the private half of a curve25519 key pair.
type PrivateKey [KeySize]byte

// SharedKey is the precomputed key between one public and one private key.
type SharedKey [KeySize]byte

// MasterKey is the one-time symmetric key a payload is sealed under.
type MasterKey [KeySize]byte

// Nonce is used once per seal operation.
type Nonce [NonceSize]byte

// SymmetricKey is implemented by keys that can seal and open boxes.
type SymmetricKey interface {
	KeyBytes() [KeySize]byte
}

func (k SharedKey) KeyBytes() [KeySize]byte { return k }
func (k MasterKey) KeyBytes() [KeySize]byte { return k }

// KeyPair holds the two halves of a node key.
type KeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

// PublicKeyFromBytes copies b into a PublicKey.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var k PublicKey
	if len(b) != KeySize {
		return k, fmt.Errorf("encryption: public key must be %d bytes, got %d", KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// PublicKeyFromBase64 decodes a standard base64 encoded public key.
func PublicKeyFromBase64(s string) (PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("encryption: decode public key: %w", err)
	}
	return PublicKeyFromBytes(b)
}

// PrivateKeyFromBase64 decodes a standard base64 encoded private key.
func PrivateKeyFromBase64(s string) (PrivateKey, error) {
	var k PrivateKey
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("encryption: decode private key: %w", err)
	}
	if len(b) != KeySize {
		return k, fmt.Errorf("encryption: private key must be %d bytes, got %d", KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// MasterKeyFromBytes copies b into a MasterKey.
func MasterKeyFromBytes(b []byte) (MasterKey, error) {
	var k MasterKey
	if len(b) != KeySize {
		return k, fmt.Errorf("encryption: master key must be %d bytes, got %d", KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// NonceFromBytes copies b into a Nonce.
func NonceFromBytes(b []byte) (Nonce, error) {
	var n Nonce
	if len(b) != NonceSize {
		return n, fmt.Errorf("encryption: nonce must be %d bytes, got %d", NonceSize, len(b))
	}
	copy(n[:], b)
	return n, nil
}

func (k PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// String never prints the key itself.
func (k PrivateKey) String() string {
	return "PrivateKey[REDACTED]"
}

// KeySet is the set of public keys a node controls. It is passed
// explicitly to the components that need to tell own keys apart from
// foreign ones.
type KeySet struct {
	keys map[PublicKey]struct{}
}

// NewKeySet builds a KeySet from the given keys.
func NewKeySet(keys ...PublicKey) KeySet {
	ks := KeySet{keys: make(map[PublicKey]struct{}, len(keys))}
	for _, k := range keys {
		ks.keys[k] = struct{}{}
	}
	return ks
}

// Contains reports whether k is in the set.
func (ks KeySet) Contains(k PublicKey) bool {
	_, ok := ks.keys[k]
	return ok
}

// Len returns the number of keys.
func (ks KeySet) Len() int {
	return len(ks.keys)
}

// Keys returns the keys sorted by their byte value so iteration order is
// stable across calls.
func (ks KeySet) Keys() []PublicKey {
	out := make([]PublicKey, 0, len(ks.keys))
	for k := range ks.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}
