// Package transaction stores payloads received from peers, either through
// normal delivery or while a node recovers from its peers.
package transaction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/i5heu/ouroboros-privacy/internal/txstore"
	"github.com/i5heu/ouroboros-privacy/pkg/encryption"
	"github.com/i5heu/ouroboros-privacy/pkg/logging"
	"github.com/i5heu/ouroboros-privacy/pkg/model"
	"github.com/sirupsen/logrus"
)

var (
	// ErrPrivacyViolation means a payload breaks the privacy guarantees of
	// the transactions it references.
	ErrPrivacyViolation = errors.New("transaction: privacy violation")
	// ErrEnhancedPrivacyDisabled means a payload uses a privacy mode other
	// than STANDARD_PRIVATE while enhanced privacy is switched off.
	ErrEnhancedPrivacyDisabled = errors.New("transaction: enhanced privacy is not enabled")
	// ErrInvalidExistingTransaction means a stored transaction and an
	// incoming payload share a hash but not their envelope.
	ErrInvalidExistingTransaction = errors.New("transaction: payload does not match existing transaction")
)

// Enclave is the part of the enclave the manager relies on.
type Enclave interface {
	PublicKeys() encryption.KeySet
	FindInvalidSecurityHashes(payload model.EncodedPayload, affected map[model.MessageHash]model.EncodedPayload) []model.MessageHash
}

// Store is the part of the transaction store the manager relies on.
type Store interface {
	RetrieveByHash(hash model.MessageHash) (model.EncryptedTransaction, error)
	FindByHashes(hashes []model.MessageHash) ([]model.EncryptedTransaction, error)
	Save(tx model.EncryptedTransaction) error
	Update(tx model.EncryptedTransaction) error
}

// OwnMessageAcceptor merges payloads this node sent.
type OwnMessageAcceptor interface {
	AcceptOwnMessage(ctx context.Context, payload model.EncodedPayload) error
}

type Config struct {
	// EnhancedPrivacy allows privacy modes other than STANDARD_PRIVATE.
	EnhancedPrivacy bool
	Logger          *logrus.Logger
}

type Manager struct {
	enclave Enclave
	store   Store
	own     OwnMessageAcceptor
	privacy *privacyHelper
	log     *logrus.Logger

	// serialises merges of payloads sent by other nodes
	mu sync.Mutex
}

func NewManager(enclave Enclave, store Store, own OwnMessageAcceptor, config Config) *Manager {
	logger := config.Logger
	if logger == nil {
		logger = logging.New("info")
	}
	return &Manager{
		enclave: enclave,
		store:   store,
		own:     own,
		privacy: &privacyHelper{store: store, enhancedPrivacy: config.EnhancedPrivacy, log: logger},
		log:     logger,
	}
}

// StorePayload validates payload and stores it. Payloads this node sent
// are merged by the own message acceptor. Payloads that fail a privacy
// check without violating it are ignored and still return their hash.
func (m *Manager) StorePayload(ctx context.Context, payload model.EncodedPayload) (model.MessageHash, error) {
	hash := payload.Hash()

	affected, err := m.privacy.findAffected(payload)
	if err != nil {
		return hash, err
	}

	ok, err := m.privacy.validatePayload(hash, payload, affected)
	if err != nil {
		return hash, err
	}
	if !ok {
		return hash, nil
	}

	stored := payload
	if invalid := m.invalidSecurityHashes(payload, affected); len(invalid) > 0 {
		stored, err = m.privacy.sanitise(hash, payload, invalid)
		if err != nil {
			return hash, err
		}
	}

	if m.enclave.PublicKeys().Contains(stored.SenderKey) {
		if err := m.own.AcceptOwnMessage(ctx, stored); err != nil {
			return hash, err
		}
		m.log.WithField("hash", hash.String()).Debug("Stored payload for which we were the sender")
		return hash, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.RetrieveByHash(hash)
	if errors.Is(err, txstore.ErrTransactionNotFound) {
		if err := m.store.Save(model.EncryptedTransaction{Hash: hash, Payload: stored}); err != nil {
			return hash, err
		}
		m.log.WithField("hash", hash.String()).Debug("Stored new payload")
		return hash, nil
	}
	if err != nil {
		return hash, err
	}

	merged, changed, err := merge(existing.Payload, stored)
	if err != nil {
		return hash, fmt.Errorf("%w: %s", err, hash)
	}
	if !changed {
		m.log.WithField("hash", hash.String()).Info("Recipient already existed in payload")
		return hash, nil
	}

	if err := m.store.Update(model.EncryptedTransaction{Hash: hash, Payload: merged}); err != nil {
		return hash, err
	}
	m.log.WithField("hash", hash.String()).Info("Updated existing payload")
	return hash, nil
}

// invalidSecurityHashes checks the security hashes of the affected
// transactions that were found. Missing ones are not reported here.
func (m *Manager) invalidSecurityHashes(payload model.EncodedPayload, affected []model.AffectedTransaction) []model.MessageHash {
	if len(affected) == 0 {
		return nil
	}
	found := make(map[model.MessageHash]model.EncodedPayload, len(affected))
	for _, a := range affected {
		found[a.Hash] = a.Payload
	}

	var invalid []model.MessageHash
	for _, h := range m.enclave.FindInvalidSecurityHashes(payload, found) {
		if _, ok := found[h]; ok {
			invalid = append(invalid, h)
		}
	}
	return invalid
}

// merge adds the single box of incoming to existing. The box and its key
// go to the front, so the newest recipient is listed first.
func merge(existing, incoming model.EncodedPayload) (model.EncodedPayload, bool, error) {
	if !sameEnvelope(existing, incoming) {
		return model.EncodedPayload{}, false, ErrInvalidExistingTransaction
	}
	if len(incoming.RecipientBoxes) == 0 {
		return model.EncodedPayload{}, false, fmt.Errorf("%w: no recipient box", ErrInvalidExistingTransaction)
	}

	box := incoming.RecipientBoxes[0]
	if existing.HasRecipientBox(box) {
		return existing, false, nil
	}

	out := existing.Clone()
	out.RecipientBoxes = append([]model.RecipientBox{append(model.RecipientBox(nil), box...)}, out.RecipientBoxes...)

	switch {
	case incoming.PrivacyMode == model.PrivateStateValidation:
		if len(incoming.RecipientKeys) == 0 {
			return model.EncodedPayload{}, false, fmt.Errorf("%w: no recipient key", ErrInvalidExistingTransaction)
		}
		key := incoming.RecipientKeys[0]
		idx := out.IndexOfRecipient(key)
		if idx < 0 {
			return model.EncodedPayload{}, false, fmt.Errorf("%w: expected recipient not found", ErrInvalidExistingTransaction)
		}
		keys := make([]encryption.PublicKey, 0, len(out.RecipientKeys))
		keys = append(keys, key)
		keys = append(keys, out.RecipientKeys[:idx]...)
		keys = append(keys, out.RecipientKeys[idx+1:]...)
		out.RecipientKeys = keys
	case len(incoming.RecipientKeys) > 0:
		out.RecipientKeys = append([]encryption.PublicKey{incoming.RecipientKeys[0]}, out.RecipientKeys...)
	}
	// legacy payloads carry no keys, so only the box is added

	return out, true, nil
}

func sameEnvelope(a, b model.EncodedPayload) bool {
	if !bytes.Equal(a.CipherText, b.CipherText) ||
		a.CipherTextNonce != b.CipherTextNonce ||
		a.SenderKey != b.SenderKey ||
		a.RecipientNonce != b.RecipientNonce ||
		a.PrivacyMode != b.PrivacyMode ||
		!bytes.Equal(a.ExecHash, b.ExecHash) {
		return false
	}
	if len(a.AffectedContractTransactions) != len(b.AffectedContractTransactions) {
		return false
	}
	for hash, sh := range a.AffectedContractTransactions {
		other, ok := b.AffectedContractTransactions[hash]
		if !ok || !bytes.Equal(sh, other) {
			return false
		}
	}
	return true
}
