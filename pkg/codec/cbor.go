package codec

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/i5heu/ouroboros-privacy/pkg/encryption"
	"github.com/i5heu/ouroboros-privacy/pkg/model"
)

type cborAffected struct {
	Hash         []byte `cbor:"hash"`
	SecurityHash []byte `cbor:"securityHash"`
}

type cborPayload struct {
	Sender          []byte         `cbor:"sender"`
	CipherText      []byte         `cbor:"cipherText"`
	CipherTextNonce []byte         `cbor:"cipherTextNonce"`
	RecipientBoxes  [][]byte       `cbor:"recipientBoxes"`
	RecipientNonce  []byte         `cbor:"recipientNonce"`
	RecipientKeys   [][]byte       `cbor:"recipientKeys,omitempty"`
	PrivacyFlag     int64          `cbor:"privacyFlag"`
	Affected        []cborAffected `cbor:"affected,omitempty"`
	ExecHash        []byte         `cbor:"execHash,omitempty"`
	Mandatory       [][]byte       `cbor:"mandatoryFor,omitempty"`
}

// CBOR encodes payloads as deterministic CBOR maps.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBOR returns a CBOR codec using core deterministic encoding, so the
// same payload always produces the same bytes.
func NewCBOR() *CBOR {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor enc mode: %v", err))
	}
	dec, err := cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor dec mode: %v", err))
	}
	return &CBOR{enc: enc, dec: dec}
}

func (*CBOR) Type() Type { return TypeCBOR }

func (c *CBOR) Encode(p model.EncodedPayload) ([]byte, error) {
	w := cborPayload{
		Sender:          p.SenderKey[:],
		CipherText:      p.CipherText,
		CipherTextNonce: p.CipherTextNonce[:],
		RecipientNonce:  p.RecipientNonce[:],
		PrivacyFlag:     int64(p.PrivacyMode),
		ExecHash:        p.ExecHash,
		RecipientKeys:   keyBytes(p.RecipientKeys),
		Mandatory:       keyBytes(p.MandatoryRecipients),
	}
	w.RecipientBoxes = make([][]byte, len(p.RecipientBoxes))
	for i, b := range p.RecipientBoxes {
		w.RecipientBoxes[i] = b
	}
	for _, h := range sortedAffected(p.AffectedContractTransactions) {
		h := h
		w.Affected = append(w.Affected, cborAffected{Hash: h[:], SecurityHash: p.AffectedContractTransactions[h]})
	}

	return c.enc.Marshal(w)
}

func (c *CBOR) Decode(data []byte) (model.EncodedPayload, error) {
	var w cborPayload
	if err := c.dec.Unmarshal(data, &w); err != nil {
		return model.EncodedPayload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		p   model.EncodedPayload
		err error
	)
	if p.SenderKey, err = encryption.PublicKeyFromBytes(w.Sender); err != nil {
		return model.EncodedPayload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.CipherTextNonce, err = encryption.NonceFromBytes(w.CipherTextNonce); err != nil {
		return model.EncodedPayload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.RecipientNonce, err = encryption.NonceFromBytes(w.RecipientNonce); err != nil {
		return model.EncodedPayload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.PrivacyMode, err = model.PrivacyModeFromFlag(w.PrivacyFlag); err != nil {
		return model.EncodedPayload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.RecipientKeys, err = parseKeys(w.RecipientKeys); err != nil {
		return model.EncodedPayload{}, err
	}
	if p.MandatoryRecipients, err = parseKeys(w.Mandatory); err != nil {
		return model.EncodedPayload{}, err
	}

	p.CipherText = w.CipherText
	if p.CipherText == nil {
		p.CipherText = []byte{}
	}
	p.ExecHash = w.ExecHash
	for _, b := range w.RecipientBoxes {
		p.RecipientBoxes = append(p.RecipientBoxes, model.RecipientBox(b))
	}

	if len(w.Affected) > 0 {
		p.AffectedContractTransactions = make(map[model.MessageHash]model.SecurityHash, len(w.Affected))
	}
	for _, a := range w.Affected {
		h, err := model.MessageHashFromBytes(a.Hash)
		if err != nil {
			return model.EncodedPayload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		p.AffectedContractTransactions[h] = model.SecurityHash(bytes.Clone(a.SecurityHash))
	}

	return p, nil
}

func keyBytes(keys []encryption.PublicKey) [][]byte {
	if len(keys) == 0 {
		return nil
	}
	out := make([][]byte, len(keys))
	for i := range keys {
		k := keys[i]
		out[i] = k[:]
	}
	return out
}

func parseKeys(raw [][]byte) ([]encryption.PublicKey, error) {
	var keys []encryption.PublicKey
	for _, b := range raw {
		k, err := encryption.PublicKeyFromBytes(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}
