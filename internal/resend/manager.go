// Package resend reconciles transactions that peers send back to their
// original sender and serves bulk resend requests from recovering peers.
package resend

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-privacy/internal/txstore"
	"github.com/i5heu/ouroboros-privacy/pkg/encryption"
	"github.com/i5heu/ouroboros-privacy/pkg/logging"
	"github.com/i5heu/ouroboros-privacy/pkg/model"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownSender means the payload claims a sender key this node
	// does not control.
	ErrUnknownSender = errors.New("resend: sender is not one of the node's own keys")
	// ErrContentMismatch means a stored transaction and the incoming payload
	// share a hash but not their content.
	ErrContentMismatch = errors.New("resend: payload content does not match stored transaction")
	// ErrMalformedPayload means the payload carries no usable recipient.
	ErrMalformedPayload = errors.New("resend: payload has no recipient box")
)

// Enclave is the part of the enclave the resend manager relies on.
type Enclave interface {
	PublicKeys() encryption.KeySet
	UnencryptTransaction(payload model.EncodedPayload, key *encryption.PublicKey) ([]byte, error)
	CreateNewRecipientBox(payload model.EncodedPayload, recipient encryption.PublicKey) ([]byte, error)
}

// TransactionStore is the part of the transaction store the resend
// manager relies on. RetrieveByHash reports absence with
// txstore.ErrTransactionNotFound.
type TransactionStore interface {
	RetrieveByHash(hash model.MessageHash) (model.EncryptedTransaction, error)
	Save(tx model.EncryptedTransaction) error
	Update(tx model.EncryptedTransaction) error
}

type Manager struct {
	enclave Enclave
	store   TransactionStore
	log     *logrus.Logger
	locks   *hashLocks
}

func NewManager(enclave Enclave, store TransactionStore, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logging.New("info")
	}
	return &Manager{
		enclave: enclave,
		store:   store,
		log:     logger,
		locks:   newHashLocks(),
	}
}

// AcceptOwnMessage merges a payload this node originally sent back into
// the transaction store. Re-delivery of a box that is already stored is a
// no-op. Reconciliations of the same hash never interleave; different
// hashes proceed in parallel.
func (m *Manager) AcceptOwnMessage(ctx context.Context, payload model.EncodedPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	hash := payload.Hash()
	sender := payload.SenderKey

	if !m.enclave.PublicKeys().Contains(sender) {
		return fmt.Errorf("%w: message %s", ErrUnknownSender, hash)
	}
	if len(payload.RecipientBoxes) == 0 || len(payload.RecipientKeys) == 0 {
		return fmt.Errorf("%w: message %s", ErrMalformedPayload, hash)
	}

	newPlain, err := m.decryptIncoming(payload)
	if err != nil {
		return fmt.Errorf("resend: decrypt %s: %w", hash, err)
	}

	unlock := m.locks.lock(hash)
	defer unlock()

	existing, err := m.store.RetrieveByHash(hash)
	if errors.Is(err, txstore.ErrTransactionNotFound) {
		return m.saveNew(hash, payload)
	}
	if err != nil {
		return err
	}

	stored := existing.Payload
	if stored.HasRecipientBox(payload.RecipientBoxes[0]) {
		m.log.WithField("hash", hash.String()).Debug("Recipient box already present, ignoring")
		return nil
	}

	incomingKey := payload.RecipientKeys[0]
	if stored.HasRecipient(incomingKey) {
		m.log.WithField("hash", hash.String()).Debug("Recipient already present with a different box, keeping stored box")
		return nil
	}

	oldPlain, err := m.enclave.UnencryptTransaction(stored, nil)
	if err != nil {
		return fmt.Errorf("resend: decrypt stored %s: %w", hash, err)
	}
	if !bytes.Equal(newPlain, oldPlain) || !bytes.Equal(payload.CipherText, stored.CipherText) {
		return fmt.Errorf("%w: message %s", ErrContentMismatch, hash)
	}

	merged := stored.Clone()
	merged.RecipientKeys = append(merged.RecipientKeys, incomingKey)
	merged.RecipientBoxes = append(merged.RecipientBoxes, append(model.RecipientBox(nil), payload.RecipientBoxes[0]...))

	m.log.WithFields(logrus.Fields{
		"hash":       hash.String(),
		"recipients": len(merged.RecipientKeys),
	}).Debug("Added recipient to own transaction")

	return m.store.Update(model.EncryptedTransaction{Hash: hash, Payload: merged})
}

// decryptIncoming authenticates the payload by opening it. Under private
// state validation only the first box is used, since boxes for the other
// participants are not expected to be present.
func (m *Manager) decryptIncoming(payload model.EncodedPayload) ([]byte, error) {
	if payload.PrivacyMode != model.PrivateStateValidation {
		return m.enclave.UnencryptTransaction(payload, nil)
	}

	tmp := payload.Clone()
	tmp.PrivacyMode = model.StandardPrivate
	tmp.ExecHash = nil
	tmp.RecipientKeys = tmp.RecipientKeys[:1]
	tmp.RecipientBoxes = tmp.RecipientBoxes[:1]
	return m.enclave.UnencryptTransaction(tmp, nil)
}

func (m *Manager) saveNew(hash model.MessageHash, payload model.EncodedPayload) error {
	p := payload.Clone()

	if !p.HasRecipient(p.SenderKey) {
		p.RecipientKeys = append(p.RecipientKeys, p.SenderKey)
	}

	// boxes for every recipient without one, which covers the sender and,
	// under private state validation, the other participants
	for i := len(p.RecipientBoxes); i < len(p.RecipientKeys); i++ {
		box, err := m.enclave.CreateNewRecipientBox(payload, p.RecipientKeys[i])
		if err != nil {
			return fmt.Errorf("resend: create box for %s: %w", hash, err)
		}
		p.RecipientBoxes = append(p.RecipientBoxes, box)
	}

	m.log.WithFields(logrus.Fields{
		"hash":       hash.String(),
		"recipients": len(p.RecipientKeys),
	}).Debug("Stored own transaction")

	return m.store.Save(model.EncryptedTransaction{Hash: hash, Payload: p})
}
