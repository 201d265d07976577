// Package txstore persists encrypted transactions keyed by their hash.
package txstore

import (
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-privacy/internal/keyValStore"
	"github.com/i5heu/ouroboros-privacy/pkg/codec"
	"github.com/i5heu/ouroboros-privacy/pkg/model"
)

var (
	ErrTransactionNotFound = errors.New("txstore: transaction not found")
	ErrTransactionExists   = errors.New("txstore: transaction already exists")
)

var prefix = []byte("tx:")

func key(h model.MessageHash) []byte {
	k := make([]byte, 0, len(prefix)+model.HashSize)
	k = append(k, prefix...)
	return append(k, h[:]...)
}

type Store struct {
	kv    *keyValStore.KeyValStore
	codec codec.Codec
}

// New creates a Store writing payloads with c.
func New(kv *keyValStore.KeyValStore, c codec.Codec) *Store {
	return &Store{kv: kv, codec: c}
}

func (s *Store) RetrieveByHash(hash model.MessageHash) (model.EncryptedTransaction, error) {
	raw, err := s.kv.Read(key(hash))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return model.EncryptedTransaction{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, hash)
	}
	if err != nil {
		return model.EncryptedTransaction{}, err
	}
	p, err := s.codec.Decode(raw)
	if err != nil {
		return model.EncryptedTransaction{}, fmt.Errorf("txstore: decode %s: %w", hash, err)
	}
	return model.EncryptedTransaction{Hash: hash, Payload: p}, nil
}

// FindByHashes returns the stored transactions among hashes. Missing
// hashes are skipped.
func (s *Store) FindByHashes(hashes []model.MessageHash) ([]model.EncryptedTransaction, error) {
	var out []model.EncryptedTransaction
	for _, h := range hashes {
		tx, err := s.RetrieveByHash(h)
		if errors.Is(err, ErrTransactionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

// Save stores a new transaction.
func (s *Store) Save(tx model.EncryptedTransaction) error {
	exists, err := s.kv.Exists(key(tx.Hash))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrTransactionExists, tx.Hash)
	}
	return s.write(tx)
}

// Update replaces the payload of an existing transaction.
func (s *Store) Update(tx model.EncryptedTransaction) error {
	exists, err := s.kv.Exists(key(tx.Hash))
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, tx.Hash)
	}
	return s.write(tx)
}

func (s *Store) write(tx model.EncryptedTransaction) error {
	if tx.Hash != tx.Payload.Hash() {
		return fmt.Errorf("txstore: hash %s does not match payload", tx.Hash)
	}
	raw, err := s.codec.Encode(tx.Payload)
	if err != nil {
		return err
	}
	return s.kv.Write(key(tx.Hash), raw)
}

func (s *Store) Delete(hash model.MessageHash) error {
	exists, err := s.kv.Exists(key(hash))
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, hash)
	}
	return s.kv.Delete(key(hash))
}

// RetrieveTransactions returns up to limit transactions after skipping
// offset, in hash order.
func (s *Store) RetrieveTransactions(offset, limit int) ([]model.EncryptedTransaction, error) {
	if limit <= 0 {
		return nil, nil
	}
	var (
		out     []model.EncryptedTransaction
		skipped int
	)
	err := s.kv.IteratePrefix(prefix, func(k, v []byte) (bool, error) {
		if skipped < offset {
			skipped++
			return true, nil
		}
		tx, err := s.decodeItem(k, v)
		if err != nil {
			return false, err
		}
		out = append(out, tx)
		return len(out) < limit, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) RetrieveAllTransactions() ([]model.EncryptedTransaction, error) {
	items, err := s.kv.GetItemsWithPrefix(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]model.EncryptedTransaction, 0, len(items))
	for _, it := range items {
		tx, err := s.decodeItem(it.Key, it.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

func (s *Store) TransactionCount() (int, error) {
	return s.kv.CountPrefix(prefix)
}

func (s *Store) decodeItem(k, v []byte) (model.EncryptedTransaction, error) {
	h, err := model.MessageHashFromBytes(k[len(prefix):])
	if err != nil {
		return model.EncryptedTransaction{}, err
	}
	p, err := s.codec.Decode(v)
	if err != nil {
		return model.EncryptedTransaction{}, fmt.Errorf("txstore: decode %s: %w", h, err)
	}
	return model.EncryptedTransaction{Hash: h, Payload: p}, nil
}
