// Package resend defines the messages peers exchange to resend
// transactions to a recovering node. They are encoded in the protobuf
// wire format so that nodes built from other stacks can read them.
//
// Marshal and Unmarshal are the contract for transport implementations:
// a node.Transport sends the marshalled requests and pushes, and the
// receiving side unmarshals them before calling into internal/resend.
package resend

import (
	"errors"
	"fmt"
	"math"

	"github.com/i5heu/ouroboros-privacy/pkg/encryption"
	"github.com/i5heu/ouroboros-privacy/pkg/model"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrInvalidMessage = errors.New("resend: invalid message")

// RequestType selects what a legacy resend request asks for.
type RequestType int32

const (
	// All asks for every transaction addressed to PublicKey.
	All RequestType = 0
	// Individual asks for the single transaction Key.
	Individual RequestType = 1
)

func (t RequestType) String() string {
	switch t {
	case All:
		return "ALL"
	case Individual:
		return "INDIVIDUAL"
	}
	return fmt.Sprintf("RequestType(%d)", int32(t))
}

// ResendRequest is the legacy, per key resend request.
type ResendRequest struct {
	Type      RequestType
	PublicKey encryption.PublicKey
	Key       model.MessageHash
}

// ResendBatchRequest asks a peer to push every transaction addressed to
// PublicKey, BatchSize payloads per push.
type ResendBatchRequest struct {
	PublicKey encryption.PublicKey
	BatchSize uint32
}

// ResendBatchResponse reports how many payloads were pushed.
type ResendBatchResponse struct {
	Total uint64
}

// PushBatchRequest carries encoded payloads to a recovering node.
type PushBatchRequest struct {
	Payloads [][]byte
}

func (r ResendRequest) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Type))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, r.PublicKey[:])
	if r.Type == Individual {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Key[:])
	}
	return b
}

func (r *ResendRequest) Unmarshal(b []byte) error {
	*r = ResendRequest{}
	var sawKey bool
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}
			if v > uint64(Individual) {
				return 0, fmt.Errorf("%w: unknown resend type %d", ErrInvalidMessage, v)
			}
			r.Type = RequestType(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			k, err := encryption.PublicKeyFromBytes(v)
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
			}
			r.PublicKey = k
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			h, err := model.MessageHashFromBytes(v)
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
			}
			r.Key = h
			sawKey = true
			return n, nil
		}
		return unknownField, nil
	})
	if err != nil {
		return err
	}
	if r.Type == Individual && !sawKey {
		return fmt.Errorf("%w: individual resend without transaction key", ErrInvalidMessage)
	}
	return nil
}

func (r ResendBatchRequest) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, r.PublicKey[:])
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.BatchSize))
	return b
}

func (r *ResendBatchRequest) Unmarshal(b []byte) error {
	*r = ResendBatchRequest{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			k, err := encryption.PublicKeyFromBytes(v)
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
			}
			r.PublicKey = k
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}
			r.BatchSize = uint32(v)
			return n, nil
		}
		return unknownField, nil
	})
}

func (r ResendBatchResponse) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	return protowire.AppendVarint(b, r.Total)
}

func (r *ResendBatchResponse) Unmarshal(b []byte) error {
	*r = ResendBatchResponse{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 {
				r.Total = v
			}
			return n, nil
		}
		return unknownField, nil
	})
}

func (r PushBatchRequest) Marshal() []byte {
	var b []byte
	for _, p := range r.Payloads {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, p)
	}
	return b
}

func (r *PushBatchRequest) Unmarshal(b []byte) error {
	*r = PushBatchRequest{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				r.Payloads = append(r.Payloads, append([]byte(nil), v...))
			}
			return n, nil
		}
		return unknownField, nil
	})
}

// unknownField is returned by a field callback to have walk skip the field.
const unknownField = math.MinInt32

// walk calls field for every field in b. field returns the number of
// bytes it consumed, a negative protowire error code, or unknownField.
func walk(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(n))
		}
		b = b[n:]

		n, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if n == unknownField {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}
