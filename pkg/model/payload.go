// Package model contains the data structures shared between the enclave,
// the stores and the reconciliation protocol.
package model

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-privacy/pkg/encryption"
)

// ErrInvalidRecipient is returned when formatting a payload for a key
// that is not one of its recipients.
var ErrInvalidRecipient = errors.New("model: not a recipient of transaction")

// PrivacyMode governs how strictly the recipient set of a transaction must
// match across reconciliations. The numeric values are the wire flags.
type PrivacyMode int

const (
	StandardPrivate        PrivacyMode = 0
	PartyProtection        PrivacyMode = 1
	MandatoryRecipients    PrivacyMode = 2
	PrivateStateValidation PrivacyMode = 3
)

// PrivacyModeFromFlag converts a wire flag into a PrivacyMode.
func PrivacyModeFromFlag(flag int64) (PrivacyMode, error) {
	switch PrivacyMode(flag) {
	case StandardPrivate, PartyProtection, MandatoryRecipients, PrivateStateValidation:
		return PrivacyMode(flag), nil
	}
	return StandardPrivate, fmt.Errorf("model: unknown privacy flag %d", flag)
}

func (m PrivacyMode) String() string {
	switch m {
	case StandardPrivate:
		return "STANDARD_PRIVATE"
	case PartyProtection:
		return "PARTY_PROTECTION"
	case MandatoryRecipients:
		return "MANDATORY_RECIPIENTS"
	case PrivateStateValidation:
		return "PRIVATE_STATE_VALIDATION"
	}
	return fmt.Sprintf("PrivacyMode(%d)", int(m))
}

// RecipientBox is the master key sealed for a single recipient.
type RecipientBox []byte

// SecurityHash binds a transaction to the content of an affected contract
// transaction under PRIVATE_STATE_VALIDATION.
type SecurityHash []byte

// EncodedPayload is the wire and storage form of one transaction.
//
// RecipientBoxes[i] opens under the shared key of (RecipientKeys[i],
// SenderKey) whenever both lists are populated. Payloads received as a
// plain recipient may carry boxes without keys.
type EncodedPayload struct {
	SenderKey       encryption.PublicKey
	CipherText      []byte
	CipherTextNonce encryption.Nonce
	RecipientBoxes  []RecipientBox
	RecipientNonce  encryption.Nonce
	RecipientKeys   []encryption.PublicKey
	PrivacyMode     PrivacyMode

	AffectedContractTransactions map[MessageHash]SecurityHash
	ExecHash                     []byte
	MandatoryRecipients          []encryption.PublicKey
}

// Hash returns the transaction identifier of p.
func (p EncodedPayload) Hash() MessageHash {
	return NewMessageHash(p.CipherText)
}

// Clone returns a deep copy of p.
func (p EncodedPayload) Clone() EncodedPayload {
	out := p
	out.CipherText = append([]byte(nil), p.CipherText...)
	out.ExecHash = append([]byte(nil), p.ExecHash...)
	out.RecipientKeys = append([]encryption.PublicKey(nil), p.RecipientKeys...)
	out.MandatoryRecipients = append([]encryption.PublicKey(nil), p.MandatoryRecipients...)

	out.RecipientBoxes = make([]RecipientBox, len(p.RecipientBoxes))
	for i, b := range p.RecipientBoxes {
		out.RecipientBoxes[i] = append(RecipientBox(nil), b...)
	}

	if p.AffectedContractTransactions != nil {
		out.AffectedContractTransactions = make(map[MessageHash]SecurityHash, len(p.AffectedContractTransactions))
		for k, v := range p.AffectedContractTransactions {
			out.AffectedContractTransactions[k] = append(SecurityHash(nil), v...)
		}
	}
	return out
}

// IndexOfRecipient returns the position of key in RecipientKeys, or -1.
func (p EncodedPayload) IndexOfRecipient(key encryption.PublicKey) int {
	for i, k := range p.RecipientKeys {
		if k == key {
			return i
		}
	}
	return -1
}

// HasRecipient reports whether key is listed as a recipient.
func (p EncodedPayload) HasRecipient(key encryption.PublicKey) bool {
	return p.IndexOfRecipient(key) >= 0
}

// HasRecipientBox reports whether box is already present byte for byte.
func (p EncodedPayload) HasRecipientBox(box RecipientBox) bool {
	for _, b := range p.RecipientBoxes {
		if bytes.Equal(b, box) {
			return true
		}
	}
	return false
}

// ForRecipient returns the payload as it is sent to a single recipient:
// only that recipient's box is kept. Under PRIVATE_STATE_VALIDATION every
// recipient key stays, with the addressed one moved to the front, so the
// receiver can check the participant set.
func (p EncodedPayload) ForRecipient(recipient encryption.PublicKey) (EncodedPayload, error) {
	idx := p.IndexOfRecipient(recipient)
	if idx < 0 || idx >= len(p.RecipientBoxes) {
		return EncodedPayload{}, fmt.Errorf("%w: %s", ErrInvalidRecipient, recipient)
	}

	out := p.Clone()
	out.RecipientBoxes = []RecipientBox{out.RecipientBoxes[idx]}

	if p.PrivacyMode == PrivateStateValidation {
		keys := make([]encryption.PublicKey, 0, len(p.RecipientKeys))
		keys = append(keys, recipient)
		for _, k := range p.RecipientKeys {
			if k != recipient {
				keys = append(keys, k)
			}
		}
		out.RecipientKeys = keys
	} else {
		out.RecipientKeys = []encryption.PublicKey{recipient}
	}
	return out, nil
}

// PrivacyMetadata is supplied by the sender at encryption time and carried
// unchanged through the envelope.
type PrivacyMetadata struct {
	PrivacyMode          PrivacyMode
	AffectedTransactions []AffectedTransaction
	ExecHash             []byte
	MandatoryRecipients  []encryption.PublicKey
}

// AffectedTransaction is a stored transaction referenced by another one.
type AffectedTransaction struct {
	Hash    MessageHash
	Payload EncodedPayload
}

// RawTransaction is a payload sealed for its sender alone, before the
// recipients are known.
type RawTransaction struct {
	EncryptedPayload []byte
	EncryptedKey     []byte
	Nonce            encryption.Nonce
	From             encryption.PublicKey
}
