package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/i5heu/ouroboros-privacy/pkg/encryption"
	"github.com/i5heu/ouroboros-privacy/pkg/model"
)

// Legacy is the length-prefixed binary layout:
//
//	sender | cipherText | cipherTextNonce | boxes[] | recipientNonce |
//	recipientKeys[] | privacyFlag | affected[] | execHash | mandatory[]
//
// Every field is a uint64 length followed by the bytes, every list is a
// uint64 count followed by fields. Input that ends after recipientNonce
// decodes as a standard private payload without recipient keys, which is
// how the oldest peers send a payload to a single recipient.
type Legacy struct{}

func (Legacy) Type() Type { return TypeLegacy }

// Encode writes p in the legacy layout.
func (Legacy) Encode(p model.EncodedPayload) ([]byte, error) {
	var buf bytes.Buffer

	writeField(&buf, p.SenderKey[:])
	writeField(&buf, p.CipherText)
	writeField(&buf, p.CipherTextNonce[:])

	writeCount(&buf, len(p.RecipientBoxes))
	for _, b := range p.RecipientBoxes {
		writeField(&buf, b)
	}

	writeField(&buf, p.RecipientNonce[:])
	writeKeys(&buf, p.RecipientKeys)

	writeCount(&buf, int(p.PrivacyMode))

	hashes := sortedAffected(p.AffectedContractTransactions)
	writeCount(&buf, len(hashes))
	for _, h := range hashes {
		writeField(&buf, h[:])
		writeField(&buf, p.AffectedContractTransactions[h])
	}

	if p.PrivacyMode == model.PrivateStateValidation {
		writeField(&buf, p.ExecHash)
	}
	if p.PrivacyMode == model.MandatoryRecipients {
		writeKeys(&buf, p.MandatoryRecipients)
	}

	return buf.Bytes(), nil
}

// Decode reads a payload in the legacy layout.
func (Legacy) Decode(data []byte) (model.EncodedPayload, error) {
	r := &reader{data: data}
	var p model.EncodedPayload

	sender := r.field()
	cipherText := r.field()
	nonce := r.field()

	boxCount := r.count()
	for i := uint64(0); i < boxCount && r.err == nil; i++ {
		p.RecipientBoxes = append(p.RecipientBoxes, model.RecipientBox(r.field()))
	}

	recipientNonce := r.field()
	if r.err != nil {
		return model.EncodedPayload{}, r.err
	}

	var err error
	if p.SenderKey, err = encryption.PublicKeyFromBytes(sender); err != nil {
		return model.EncodedPayload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.CipherTextNonce, err = encryption.NonceFromBytes(nonce); err != nil {
		return model.EncodedPayload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.RecipientNonce, err = encryption.NonceFromBytes(recipientNonce); err != nil {
		return model.EncodedPayload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	p.CipherText = cipherText
	p.PrivacyMode = model.StandardPrivate

	if r.done() {
		return p, nil
	}

	if p.RecipientKeys, err = r.keys(); err != nil {
		return model.EncodedPayload{}, err
	}

	if r.done() {
		return p, nil
	}

	flag := r.count()
	if r.err != nil {
		return model.EncodedPayload{}, r.err
	}
	if p.PrivacyMode, err = model.PrivacyModeFromFlag(int64(flag)); err != nil {
		return model.EncodedPayload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	affectedCount := r.count()
	if affectedCount > 0 {
		p.AffectedContractTransactions = make(map[model.MessageHash]model.SecurityHash)
	}
	for i := uint64(0); i < affectedCount && r.err == nil; i++ {
		hb := r.field()
		sh := r.field()
		if r.err != nil {
			break
		}
		h, herr := model.MessageHashFromBytes(hb)
		if herr != nil {
			return model.EncodedPayload{}, fmt.Errorf("%w: %v", ErrMalformed, herr)
		}
		p.AffectedContractTransactions[h] = model.SecurityHash(sh)
	}
	if r.err != nil {
		return model.EncodedPayload{}, r.err
	}

	if p.PrivacyMode == model.PrivateStateValidation {
		p.ExecHash = r.field()
	}
	if p.PrivacyMode == model.MandatoryRecipients {
		if p.MandatoryRecipients, err = r.keys(); err != nil {
			return model.EncodedPayload{}, err
		}
	}
	if r.err != nil {
		return model.EncodedPayload{}, r.err
	}

	return p, nil
}

func writeCount(buf *bytes.Buffer, n int) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	buf.Write(b[:])
}

func writeField(buf *bytes.Buffer, data []byte) {
	writeCount(buf, len(data))
	buf.Write(data)
}

func writeKeys(buf *bytes.Buffer, keys []encryption.PublicKey) {
	writeCount(buf, len(keys))
	for _, k := range keys {
		writeField(buf, k[:])
	}
}

func sortedAffected(m map[model.MessageHash]model.SecurityHash) []model.MessageHash {
	hashes := make([]model.MessageHash, 0, len(m))
	for h := range m {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})
	return hashes
}

// reader consumes length-prefixed fields and keeps the first error.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) done() bool {
	return r.err == nil && r.pos >= len(r.data)
}

func (r *reader) count() uint64 {
	if r.err != nil {
		return 0
	}
	if len(r.data)-r.pos < 8 {
		r.err = fmt.Errorf("%w: truncated length at offset %d", ErrMalformed, r.pos)
		return 0
	}
	n := binary.BigEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return n
}

func (r *reader) field() []byte {
	n := r.count()
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.data)-r.pos) {
		r.err = fmt.Errorf("%w: field of %d bytes exceeds input at offset %d", ErrMalformed, n, r.pos)
		return nil
	}
	out := make([]byte, n)
	copy(out, r.data[r.pos:])
	r.pos += int(n)
	return out
}

func (r *reader) keys() ([]encryption.PublicKey, error) {
	n := r.count()
	var keys []encryption.PublicKey
	for i := uint64(0); i < n && r.err == nil; i++ {
		b := r.field()
		if r.err != nil {
			break
		}
		k, err := encryption.PublicKeyFromBytes(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		keys = append(keys, k)
	}
	return keys, r.err
}
