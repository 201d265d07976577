// Package codec turns EncodedPayloads into bytes and back.
//
// Two layouts exist. The legacy layout is a sequence of big-endian uint64
// length-prefixed fields and is what older peers understand. The CBOR
// layout is a self-describing map and is the default for storage.
package codec

import (
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-privacy/pkg/model"
)

// ErrMalformed is returned when the input cannot be decoded.
var ErrMalformed = errors.New("codec: malformed payload")

// Type names a payload layout. It is persisted next to staged payloads.
type Type string

const (
	TypeLegacy Type = "LEGACY"
	TypeCBOR   Type = "CBOR"
)

// Codec encodes and decodes EncodedPayloads.
type Codec interface {
	Type() Type
	Encode(p model.EncodedPayload) ([]byte, error)
	Decode(data []byte) (model.EncodedPayload, error)
}

// ForType returns the codec for t.
func ForType(t Type) (Codec, error) {
	switch t {
	case TypeLegacy:
		return Legacy{}, nil
	case TypeCBOR:
		return NewCBOR(), nil
	}
	return nil, fmt.Errorf("codec: unknown type %q", t)
}
