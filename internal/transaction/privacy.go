package transaction

import (
	"fmt"
	"sort"

	"github.com/i5heu/ouroboros-privacy/pkg/encryption"
	"github.com/i5heu/ouroboros-privacy/pkg/model"
	"github.com/sirupsen/logrus"
)

// privacyHelper checks incoming payloads against the affected contract
// transactions they reference.
type privacyHelper struct {
	store           Store
	enhancedPrivacy bool
	log             *logrus.Logger
}

// findAffected loads the stored transactions payload references. Missing
// ones are logged and left out.
func (h *privacyHelper) findAffected(payload model.EncodedPayload) ([]model.AffectedTransaction, error) {
	if len(payload.AffectedContractTransactions) == 0 {
		return nil, nil
	}

	hashes := make([]model.MessageHash, 0, len(payload.AffectedContractTransactions))
	for hash := range payload.AffectedContractTransactions {
		hashes = append(hashes, hash)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return string(hashes[i][:]) < string(hashes[j][:])
	})

	found, err := h.store.FindByHashes(hashes)
	if err != nil {
		return nil, err
	}

	out := make([]model.AffectedTransaction, 0, len(found))
	seen := make(map[model.MessageHash]struct{}, len(found))
	for _, tx := range found {
		seen[tx.Hash] = struct{}{}
		out = append(out, model.AffectedTransaction{Hash: tx.Hash, Payload: tx.Payload})
	}
	for _, hash := range hashes {
		if _, ok := seen[hash]; !ok {
			h.log.WithField("hash", hash.String()).Debug("Unable to find affected contract transaction")
		}
	}
	return out, nil
}

// validatePayload reports whether payload may be stored. A false result
// with a nil error means the payload is ignored. Recipient mismatches
// under private state validation are violations.
func (h *privacyHelper) validatePayload(
	hash model.MessageHash,
	payload model.EncodedPayload,
	affected []model.AffectedTransaction,
) (bool, error) {
	mode := payload.PrivacyMode
	if mode != model.StandardPrivate && !h.enhancedPrivacy {
		return false, fmt.Errorf("%w: %s payload %s", ErrEnhancedPrivacyDisabled, mode, hash)
	}

	for _, a := range affected {
		if a.Payload.PrivacyMode != mode {
			h.log.WithFields(logrus.Fields{
				"hash":          hash.String(),
				"affected":      a.Hash.String(),
				"mode":          mode.String(),
				"affected_mode": a.Payload.PrivacyMode.String(),
			}).Info("Affected transaction has a different privacy mode, ignoring transaction")
			return false, nil
		}
		if !containsAll(payload.MandatoryRecipients, a.Payload.MandatoryRecipients) {
			h.log.WithFields(logrus.Fields{
				"hash":     hash.String(),
				"affected": a.Hash.String(),
			}).Info("Affected transaction has mismatched mandatory recipients, ignoring transaction")
			return false, nil
		}
	}

	if mode != model.PrivateStateValidation {
		return true, nil
	}

	if len(affected) != len(payload.AffectedContractTransactions) {
		h.log.WithField("hash", hash.String()).Info("Not all affected transactions were found, ignoring transaction")
		return false, nil
	}

	for _, a := range affected {
		if !a.Payload.HasRecipient(payload.SenderKey) {
			h.log.WithFields(logrus.Fields{
				"hash":     hash.String(),
				"affected": a.Hash.String(),
			}).Info("Sender is not a recipient of affected transaction, ignoring transaction")
			return false, nil
		}
	}

	for _, a := range affected {
		if !sameKeys(payload.RecipientKeys, a.Payload.RecipientKeys) {
			return false, fmt.Errorf("%w: recipients mismatched for affected transaction %s", ErrPrivacyViolation, a.Hash)
		}
	}
	return true, nil
}

// sanitise drops invalid security hashes from payload. Under private
// state validation an invalid security hash is a violation instead.
func (h *privacyHelper) sanitise(
	hash model.MessageHash,
	payload model.EncodedPayload,
	invalid []model.MessageHash,
) (model.EncodedPayload, error) {
	if payload.PrivacyMode == model.PrivateStateValidation {
		return model.EncodedPayload{}, fmt.Errorf("%w: invalid security hashes for %s: %v", ErrPrivacyViolation, hash, invalid)
	}

	out := payload.Clone()
	for _, bad := range invalid {
		delete(out.AffectedContractTransactions, bad)
	}

	h.log.WithFields(logrus.Fields{
		"hash":    hash.String(),
		"invalid": len(invalid),
	}).Debug("Discarded invalid security hashes")

	return out, nil
}

func containsAll(set, subset []encryption.PublicKey) bool {
	have := make(map[encryption.PublicKey]struct{}, len(set))
	for _, k := range set {
		have[k] = struct{}{}
	}
	for _, k := range subset {
		if _, ok := have[k]; !ok {
			return false
		}
	}
	return true
}

func sameKeys(a, b []encryption.PublicKey) bool {
	return containsAll(a, b) && containsAll(b, a)
}
