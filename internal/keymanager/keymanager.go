// Package keymanager holds the key pairs a node controls.
package keymanager

import (
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-privacy/pkg/encryption"
)

// ErrKeyNotFound is returned when asked for a key the node does not manage.
var ErrKeyNotFound = errors.New("keymanager: key not found")

// KeyManager resolves between the public and private halves of the
// node's keys. It is immutable after construction.
type KeyManager struct {
	pairs      []encryption.KeyPair
	byPublic   map[encryption.PublicKey]encryption.PrivateKey
	byPrivate  map[encryption.PrivateKey]encryption.PublicKey
	forwarding encryption.KeySet
	own        encryption.KeySet
}

// New creates a KeyManager. The first pair is the default key.
func New(
	pairs []encryption.KeyPair,
	forwarding []encryption.PublicKey,
) (*KeyManager, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("keymanager: at least one key pair is required")
	}

	km := &KeyManager{
		pairs:      append([]encryption.KeyPair(nil), pairs...),
		byPublic:   make(map[encryption.PublicKey]encryption.PrivateKey, len(pairs)),
		byPrivate:  make(map[encryption.PrivateKey]encryption.PublicKey, len(pairs)),
		forwarding: encryption.NewKeySet(forwarding...),
	}

	publics := make([]encryption.PublicKey, 0, len(pairs))
	for _, p := range pairs {
		if _, dup := km.byPublic[p.Public]; dup {
			return nil, fmt.Errorf("keymanager: duplicate public key %s", p.Public)
		}
		km.byPublic[p.Public] = p.Private
		km.byPrivate[p.Private] = p.Public
		publics = append(publics, p.Public)
	}
	km.own = encryption.NewKeySet(publics...)

	return km, nil
}

// PublicKeys returns the set of keys this node controls.
func (km *KeyManager) PublicKeys() encryption.KeySet {
	return km.own
}

// PrivateKeyForPublicKey returns the private half of pub.
func (km *KeyManager) PrivateKeyForPublicKey(
	pub encryption.PublicKey,
) (encryption.PrivateKey, error) {
	priv, ok := km.byPublic[pub]
	if !ok {
		return encryption.PrivateKey{}, fmt.Errorf("%w: public key %s", ErrKeyNotFound, pub)
	}
	return priv, nil
}

// PublicKeyForPrivateKey returns the public half of priv.
func (km *KeyManager) PublicKeyForPrivateKey(
	priv encryption.PrivateKey,
) (encryption.PublicKey, error) {
	pub, ok := km.byPrivate[priv]
	if !ok {
		return encryption.PublicKey{}, fmt.Errorf("%w: private key", ErrKeyNotFound)
	}
	return pub, nil
}

// DefaultPublicKey returns the public key of the first configured pair.
func (km *KeyManager) DefaultPublicKey() encryption.PublicKey {
	return km.pairs[0].Public
}

// ForwardingKeys returns keys every outgoing transaction is also sent to.
func (km *KeyManager) ForwardingKeys() encryption.KeySet {
	return km.forwarding
}
