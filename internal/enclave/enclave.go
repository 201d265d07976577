// Package enclave builds and opens transaction envelopes.
//
// A message is sealed once under a random master key. The master key is
// then sealed once per recipient under the shared key of the sender and
// that recipient, all boxes using one recipient nonce. Adding a recipient
// later costs one more box and leaves the cipher text, and therefore the
// transaction hash, unchanged.
package enclave

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-privacy/pkg/encryption"
	"github.com/i5heu/ouroboros-privacy/pkg/logging"
	"github.com/i5heu/ouroboros-privacy/pkg/model"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/sha3"
)

var (
	// ErrWrongKey means a box did not open under the key that was tried.
	// It wraps encryption.ErrDecryption and is expected while probing.
	ErrWrongKey = fmt.Errorf("enclave: payload not addressed to key: %w", encryption.ErrDecryption)
	// ErrMalformedPayload means the envelope is structurally unusable.
	ErrMalformedPayload = errors.New("enclave: malformed payload")
)

// KeyManager is the part of the key manager the enclave relies on.
type KeyManager interface {
	PublicKeys() encryption.KeySet
	PrivateKeyForPublicKey(pub encryption.PublicKey) (encryption.PrivateKey, error)
	DefaultPublicKey() encryption.PublicKey
	ForwardingKeys() encryption.KeySet
}

type Enclave struct {
	nacl encryption.Encryptor
	keys KeyManager
	log  *logrus.Logger
}

// New creates an Enclave. A nil logger gets a default logrus logger.
func New(nacl encryption.Encryptor, keys KeyManager, logger *logrus.Logger) *Enclave {
	if logger == nil {
		logger = logging.New("info")
	}
	return &Enclave{nacl: nacl, keys: keys, log: logger}
}

func (e *Enclave) PublicKeys() encryption.KeySet {
	return e.keys.PublicKeys()
}

func (e *Enclave) DefaultPublicKey() encryption.PublicKey {
	return e.keys.DefaultPublicKey()
}

func (e *Enclave) ForwardingKeys() encryption.KeySet {
	return e.keys.ForwardingKeys()
}

// EncryptPayload seals message from sender for every recipient, in order.
// The sender's private key must be held by this node.
func (e *Enclave) EncryptPayload(
	message []byte,
	sender encryption.PublicKey,
	recipients []encryption.PublicKey,
	meta model.PrivacyMetadata,
) (model.EncodedPayload, error) {
	masterKey, err := e.nacl.CreateMasterKey()
	if err != nil {
		return model.EncodedPayload{}, err
	}
	nonce, err := e.nacl.RandomNonce()
	if err != nil {
		return model.EncodedPayload{}, err
	}
	recipientNonce, err := e.nacl.RandomNonce()
	if err != nil {
		return model.EncodedPayload{}, err
	}

	cipherText := e.nacl.Seal(message, nonce, masterKey)

	return e.envelope(sender, cipherText, nonce, recipientNonce, masterKey, recipients, meta)
}

// EncryptRawPayload seals message for its sender alone. The returned raw
// transaction can later be addressed to recipients with
// EncryptPayloadFromRaw without sealing the message again.
func (e *Enclave) EncryptRawPayload(message []byte, sender encryption.PublicKey) (model.RawTransaction, error) {
	priv, err := e.keys.PrivateKeyForPublicKey(sender)
	if err != nil {
		return model.RawTransaction{}, err
	}
	masterKey, err := e.nacl.CreateMasterKey()
	if err != nil {
		return model.RawTransaction{}, err
	}
	nonce, err := e.nacl.RandomNonce()
	if err != nil {
		return model.RawTransaction{}, err
	}

	mk := masterKey.KeyBytes()
	shared := e.nacl.ComputeSharedKey(sender, priv)

	return model.RawTransaction{
		EncryptedPayload: e.nacl.Seal(message, nonce, masterKey),
		EncryptedKey:     e.nacl.Seal(mk[:], nonce, shared),
		Nonce:            nonce,
		From:             sender,
	}, nil
}

// EncryptPayloadFromRaw addresses a raw transaction to recipients.
func (e *Enclave) EncryptPayloadFromRaw(
	raw model.RawTransaction,
	recipients []encryption.PublicKey,
	meta model.PrivacyMetadata,
) (model.EncodedPayload, error) {
	masterKey, err := e.openMasterKey(raw.From, raw.From, raw.Nonce, raw.EncryptedKey)
	if err != nil {
		return model.EncodedPayload{}, err
	}
	recipientNonce, err := e.nacl.RandomNonce()
	if err != nil {
		return model.EncodedPayload{}, err
	}

	return e.envelope(raw.From, raw.EncryptedPayload, raw.Nonce, recipientNonce, masterKey, recipients, meta)
}

// UnencryptRawPayload opens a raw transaction held by its sender.
func (e *Enclave) UnencryptRawPayload(raw model.RawTransaction) ([]byte, error) {
	masterKey, err := e.openMasterKey(raw.From, raw.From, raw.Nonce, raw.EncryptedKey)
	if err != nil {
		return nil, err
	}
	out, err := e.nacl.Open(raw.EncryptedPayload, raw.Nonce, masterKey)
	if err != nil {
		return nil, fmt.Errorf("enclave: open raw payload: %w", ErrWrongKey)
	}
	return out, nil
}

func (e *Enclave) envelope(
	sender encryption.PublicKey,
	cipherText []byte,
	nonce, recipientNonce encryption.Nonce,
	masterKey encryption.MasterKey,
	recipients []encryption.PublicKey,
	meta model.PrivacyMetadata,
) (model.EncodedPayload, error) {
	boxes, err := e.sealForRecipients(sender, recipients, recipientNonce, masterKey)
	if err != nil {
		return model.EncodedPayload{}, err
	}

	securityHashes, err := e.securityHashes(meta.AffectedTransactions, cipherText)
	if err != nil {
		return model.EncodedPayload{}, err
	}

	return model.EncodedPayload{
		SenderKey:                    sender,
		CipherText:                   cipherText,
		CipherTextNonce:              nonce,
		RecipientBoxes:               boxes,
		RecipientNonce:               recipientNonce,
		RecipientKeys:                append([]encryption.PublicKey(nil), recipients...),
		PrivacyMode:                  meta.PrivacyMode,
		AffectedContractTransactions: securityHashes,
		ExecHash:                     append([]byte(nil), meta.ExecHash...),
		MandatoryRecipients:          append([]encryption.PublicKey(nil), meta.MandatoryRecipients...),
	}, nil
}

func (e *Enclave) sealForRecipients(
	sender encryption.PublicKey,
	recipients []encryption.PublicKey,
	recipientNonce encryption.Nonce,
	masterKey encryption.MasterKey,
) ([]model.RecipientBox, error) {
	priv, err := e.keys.PrivateKeyForPublicKey(sender)
	if err != nil {
		return nil, err
	}

	mk := masterKey.KeyBytes()
	boxes := make([]model.RecipientBox, 0, len(recipients))
	for _, r := range recipients {
		shared := e.nacl.ComputeSharedKey(r, priv)
		boxes = append(boxes, e.nacl.Seal(mk[:], recipientNonce, shared))
	}
	return boxes, nil
}

// CreateNewRecipientBox seals the master key of payload for recipient.
// This node must hold the sender key and the payload must carry the
// sender's view of at least one box.
func (e *Enclave) CreateNewRecipientBox(payload model.EncodedPayload, recipient encryption.PublicKey) ([]byte, error) {
	if len(payload.RecipientKeys) == 0 || len(payload.RecipientBoxes) == 0 {
		return nil, fmt.Errorf("%w: no key or recipient box to use", ErrMalformedPayload)
	}

	masterKey, err := e.openMasterKey(
		payload.RecipientKeys[0], payload.SenderKey, payload.RecipientNonce, payload.RecipientBoxes[0],
	)
	if err != nil {
		return nil, err
	}

	boxes, err := e.sealForRecipients(payload.SenderKey, []encryption.PublicKey{recipient}, payload.RecipientNonce, masterKey)
	if err != nil {
		return nil, err
	}
	return boxes[0], nil
}

// UnencryptTransaction returns the plain text of payload.
//
// When the sender is one of this node's keys, the box of key (or of the
// first recipient when key is nil) is opened with the sender's private
// key; a key without a box reports ErrWrongKey. Otherwise key names the local recipient key to
// open with; a nil key tries every local key in turn and only reports
// ErrWrongKey when none of them fits.
func (e *Enclave) UnencryptTransaction(payload model.EncodedPayload, key *encryption.PublicKey) ([]byte, error) {
	if len(payload.RecipientBoxes) == 0 {
		return nil, fmt.Errorf("%w: no recipient boxes", ErrMalformedPayload)
	}

	if e.keys.PublicKeys().Contains(payload.SenderKey) {
		if len(payload.RecipientKeys) == 0 {
			return nil, fmt.Errorf("%w: own payload without recipient keys", ErrMalformedPayload)
		}
		idx := 0
		if key != nil {
			idx = payload.IndexOfRecipient(*key)
			if idx < 0 || idx >= len(payload.RecipientBoxes) {
				return nil, fmt.Errorf("%w: %s has no box in own payload", ErrWrongKey, *key)
			}
		}
		return e.open(payload, payload.RecipientKeys[idx], payload.SenderKey, payload.RecipientBoxes[idx])
	}

	if key != nil {
		return e.open(payload, payload.SenderKey, *key, e.boxFor(payload, *key))
	}

	for _, own := range e.keys.PublicKeys().Keys() {
		out, err := e.open(payload, payload.SenderKey, own, e.boxFor(payload, own))
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, ErrWrongKey) {
			return nil, err
		}
		e.log.WithField("hash", payload.Hash().String()).Debug("Attempted payload decryption using wrong key, discarding")
	}
	return nil, ErrWrongKey
}

// FindRecipientKey returns the local key that payload was sealed for.
func (e *Enclave) FindRecipientKey(payload model.EncodedPayload) (encryption.PublicKey, error) {
	if len(payload.RecipientBoxes) == 0 {
		return encryption.PublicKey{}, fmt.Errorf("%w: no recipient boxes", ErrMalformedPayload)
	}
	for _, own := range e.keys.PublicKeys().Keys() {
		if _, err := e.open(payload, payload.SenderKey, own, e.boxFor(payload, own)); err == nil {
			return own, nil
		}
	}
	return encryption.PublicKey{}, ErrWrongKey
}

func (e *Enclave) boxFor(payload model.EncodedPayload, key encryption.PublicKey) model.RecipientBox {
	if i := payload.IndexOfRecipient(key); i >= 0 && i < len(payload.RecipientBoxes) {
		return payload.RecipientBoxes[i]
	}
	return payload.RecipientBoxes[0]
}

// open recovers the master key from box using the shared key of
// (counterpart, privateKey(local)) and opens the cipher text with it.
func (e *Enclave) open(
	payload model.EncodedPayload,
	counterpart, local encryption.PublicKey,
	box model.RecipientBox,
) ([]byte, error) {
	masterKey, err := e.openMasterKey(counterpart, local, payload.RecipientNonce, box)
	if err != nil {
		return nil, err
	}
	out, err := e.nacl.Open(payload.CipherText, payload.CipherTextNonce, masterKey)
	if err != nil {
		return nil, fmt.Errorf("enclave: open cipher text of %s: %w", payload.Hash(), ErrWrongKey)
	}
	return out, nil
}

func (e *Enclave) openMasterKey(
	counterpart, local encryption.PublicKey,
	nonce encryption.Nonce,
	box []byte,
) (encryption.MasterKey, error) {
	priv, err := e.keys.PrivateKeyForPublicKey(local)
	if err != nil {
		return encryption.MasterKey{}, err
	}
	shared := e.nacl.ComputeSharedKey(counterpart, priv)

	raw, err := e.nacl.Open(box, nonce, shared)
	if err != nil {
		return encryption.MasterKey{}, ErrWrongKey
	}
	mk, err := encryption.MasterKeyFromBytes(raw)
	if err != nil {
		return encryption.MasterKey{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return mk, nil
}

// masterKeyOf recovers the master key of a stored transaction, from the
// sender side when this node sent it, otherwise by probing local keys.
func (e *Enclave) masterKeyOf(payload model.EncodedPayload) (encryption.MasterKey, error) {
	if len(payload.RecipientBoxes) == 0 {
		return encryption.MasterKey{}, fmt.Errorf("%w: no recipient boxes", ErrMalformedPayload)
	}
	box := payload.RecipientBoxes[0]

	if e.keys.PublicKeys().Contains(payload.SenderKey) {
		if len(payload.RecipientKeys) == 0 {
			return encryption.MasterKey{}, fmt.Errorf("%w: own payload without recipient keys", ErrMalformedPayload)
		}
		return e.openMasterKey(payload.RecipientKeys[0], payload.SenderKey, payload.RecipientNonce, box)
	}

	for _, own := range e.keys.PublicKeys().Keys() {
		mk, err := e.openMasterKey(payload.SenderKey, own, payload.RecipientNonce, box)
		if err == nil {
			return mk, nil
		}
		e.log.WithField("hash", payload.Hash().String()).Debug("Attempted payload decryption using wrong key, discarding")
	}
	return encryption.MasterKey{}, fmt.Errorf("enclave: unable to decrypt master key: %w", ErrWrongKey)
}

func (e *Enclave) securityHashes(
	affected []model.AffectedTransaction,
	cipherText []byte,
) (map[model.MessageHash]model.SecurityHash, error) {
	if len(affected) == 0 {
		return nil, nil
	}
	out := make(map[model.MessageHash]model.SecurityHash, len(affected))
	for _, a := range affected {
		h, err := e.securityHash(cipherText, a.Payload)
		if err != nil {
			return nil, fmt.Errorf("enclave: security hash for %s: %w", a.Hash, err)
		}
		out[a.Hash] = h
	}
	return out, nil
}

// securityHash is SHA3-512(cipherText || affected cipher text || affected
// master key).
func (e *Enclave) securityHash(cipherText []byte, affected model.EncodedPayload) (model.SecurityHash, error) {
	mk, err := e.masterKeyOf(affected)
	if err != nil {
		return nil, err
	}
	h := sha3.New512()
	h.Write(cipherText)
	h.Write(affected.CipherText)
	h.Write(mk[:])
	return h.Sum(nil), nil
}

// FindInvalidSecurityHashes returns the affected transactions of payload
// whose security hash does not match the given stored transactions. A
// referenced transaction missing from affected is reported as invalid.
func (e *Enclave) FindInvalidSecurityHashes(
	payload model.EncodedPayload,
	affected map[model.MessageHash]model.EncodedPayload,
) []model.MessageHash {
	var invalid []model.MessageHash
	for hash, expected := range payload.AffectedContractTransactions {
		tx, ok := affected[hash]
		if !ok {
			invalid = append(invalid, hash)
			continue
		}
		computed, err := e.securityHash(payload.CipherText, tx)
		if err != nil || !bytes.Equal(expected, computed) {
			e.log.WithField("hash", hash.String()).Debug("Security hash mismatch")
			invalid = append(invalid, hash)
		}
	}
	return invalid
}
