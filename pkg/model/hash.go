package model

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// HashSize is the length of a MessageHash.
const HashSize = 64

// MessageHash identifies a transaction. It is the SHA3-512 digest of the
// payload cipher text, so it does not change when recipients are added.
type MessageHash [HashSize]byte

// NewMessageHash digests cipherText.
func NewMessageHash(cipherText []byte) MessageHash {
	return MessageHash(sha3.Sum512(cipherText))
}

// MessageHashFromBytes copies b into a MessageHash.
func MessageHashFromBytes(b []byte) (MessageHash, error) {
	var h MessageHash
	if len(b) != HashSize {
		return h, fmt.Errorf("model: message hash must be %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// MessageHashFromBase64 decodes a standard base64 encoded hash.
func MessageHashFromBase64(s string) (MessageHash, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return MessageHash{}, fmt.Errorf("model: decode message hash: %w", err)
	}
	return MessageHashFromBytes(b)
}

func (h MessageHash) String() string {
	return base64.StdEncoding.EncodeToString(h[:])
}

// Hex returns the lowercase hex form, used in store keys where ordering
// must follow the byte order of the hash.
func (h MessageHash) Hex() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is unset.
func (h MessageHash) IsZero() bool {
	return h == MessageHash{}
}
