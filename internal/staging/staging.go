// Package staging holds payloads pushed by peers during recovery until
// they are ordered and merged into the transaction store.
//
// Rows are kept under "st:row:<id>". Secondary indexes make the two
// recovery queries cheap:
//
//	st:hash:<hash><id>            all rows of a transaction
//	st:unstaged:<hash><id>        rows without a stage
//	st:stage:<stage><hash><id>    staged rows in (stage, hash) order
//	st:aff:<id><hash>             affected transactions of a row
package staging

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/i5heu/ouroboros-privacy/internal/keyValStore"
	"github.com/i5heu/ouroboros-privacy/pkg/codec"
	"github.com/i5heu/ouroboros-privacy/pkg/logging"
	"github.com/i5heu/ouroboros-privacy/pkg/model"
	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("staging: transaction not found")

var (
	prefixAll      = []byte("st:")
	prefixRow      = []byte("st:row:")
	prefixHash     = []byte("st:hash:")
	prefixUnstaged = []byte("st:unstaged:")
	prefixStage    = []byte("st:stage:")
	prefixAffected = []byte("st:aff:")
	sequenceKey    = []byte("seq:staging")
)

const idSize = 8

type row struct {
	Hash      []byte   `cbor:"hash"`
	Stage     int64    `cbor:"stage"`
	Privacy   int64    `cbor:"privacyMode"`
	Timestamp int64    `cbor:"timestamp"`
	Codec     string   `cbor:"codec"`
	Payload   []byte   `cbor:"payload"`
	Affected  [][]byte `cbor:"affected,omitempty"`
}

type Store struct {
	kv    *keyValStore.KeyValStore
	codec codec.Codec
	log   *logrus.Logger

	// serialises writers so stage assignment sees a consistent snapshot
	mu  sync.Mutex
	now func() time.Time
}

// New creates a staging Store that encodes new payloads with c.
func New(kv *keyValStore.KeyValStore, c codec.Codec, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logging.New("info")
	}
	return &Store{kv: kv, codec: c, log: logger, now: time.Now}
}

func idBytes(id uint64) []byte {
	b := make([]byte, idSize)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func cat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func rowKey(id uint64) []byte { return cat(prefixRow, idBytes(id)) }

func hashKey(h model.MessageHash, id uint64) []byte {
	return cat(prefixHash, h[:], idBytes(id))
}

func unstagedKey(h model.MessageHash, id uint64) []byte {
	return cat(prefixUnstaged, h[:], idBytes(id))
}

func stageKey(stage int64, h model.MessageHash, id uint64) []byte {
	return cat(prefixStage, idBytes(uint64(stage)), h[:], idBytes(id))
}

func affectedKey(id uint64, h model.MessageHash) []byte {
	return cat(prefixAffected, idBytes(id), h[:])
}

// Save adds payload as a new unstaged row and returns it.
func (s *Store) Save(payload model.EncodedPayload) (model.StagingTransaction, error) {
	raw, err := s.codec.Encode(payload)
	if err != nil {
		return model.StagingTransaction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.kv.GetSequence(sequenceKey, 1)
	if err != nil {
		return model.StagingTransaction{}, err
	}
	defer seq.Release()
	next, err := seq.Next()
	if err != nil {
		return model.StagingTransaction{}, err
	}
	// badger sequences start at zero; ids start at one
	id := next + 1

	st := model.StagingTransaction{
		ID:          id,
		Hash:        payload.Hash(),
		PrivacyMode: payload.PrivacyMode,
		Payload:     payload,
		Timestamp:   s.now().UnixMilli(),
	}
	for h := range payload.AffectedContractTransactions {
		st.AffectedHashes = append(st.AffectedHashes, h)
	}
	sort.Slice(st.AffectedHashes, func(i, j int) bool {
		return string(st.AffectedHashes[i][:]) < string(st.AffectedHashes[j][:])
	})

	r := row{
		Hash:      st.Hash[:],
		Privacy:   int64(st.PrivacyMode),
		Timestamp: st.Timestamp,
		Codec:     string(s.codec.Type()),
		Payload:   raw,
	}
	ops := []keyValStore.Op{
		{Key: hashKey(st.Hash, id), Value: []byte{}},
		{Key: unstagedKey(st.Hash, id), Value: []byte{}},
	}
	for _, h := range st.AffectedHashes {
		h := h
		r.Affected = append(r.Affected, h[:])
		ops = append(ops, keyValStore.Op{Key: affectedKey(id, h), Value: []byte{}})
	}
	encoded, err := cbor.Marshal(r)
	if err != nil {
		return model.StagingTransaction{}, err
	}
	ops = append(ops, keyValStore.Op{Key: rowKey(id), Value: encoded})

	if err := s.kv.Apply(ops); err != nil {
		return model.StagingTransaction{}, err
	}
	return st, nil
}

func (s *Store) readRow(id uint64) (model.StagingTransaction, error) {
	raw, err := s.kv.Read(rowKey(id))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return model.StagingTransaction{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return model.StagingTransaction{}, err
	}
	return s.decodeRow(id, raw)
}

func (s *Store) decodeRow(id uint64, raw []byte) (model.StagingTransaction, error) {
	var r row
	if err := cbor.Unmarshal(raw, &r); err != nil {
		return model.StagingTransaction{}, fmt.Errorf("staging: decode row %d: %w", id, err)
	}
	h, err := model.MessageHashFromBytes(r.Hash)
	if err != nil {
		return model.StagingTransaction{}, err
	}
	c, err := codec.ForType(codec.Type(r.Codec))
	if err != nil {
		return model.StagingTransaction{}, err
	}
	p, err := c.Decode(r.Payload)
	if err != nil {
		return model.StagingTransaction{}, fmt.Errorf("staging: decode payload of row %d: %w", id, err)
	}
	st := model.StagingTransaction{
		ID:              id,
		Hash:            h,
		ValidationStage: r.Stage,
		PrivacyMode:     model.PrivacyMode(r.Privacy),
		Payload:         p,
		Timestamp:       r.Timestamp,
	}
	for _, a := range r.Affected {
		ah, err := model.MessageHashFromBytes(a)
		if err != nil {
			return model.StagingTransaction{}, err
		}
		st.AffectedHashes = append(st.AffectedHashes, ah)
	}
	return st, nil
}

func (s *Store) writeRow(st model.StagingTransaction) (keyValStore.Op, error) {
	raw, err := s.codec.Encode(st.Payload)
	if err != nil {
		return keyValStore.Op{}, err
	}
	r := row{
		Hash:      st.Hash[:],
		Stage:     st.ValidationStage,
		Privacy:   int64(st.PrivacyMode),
		Timestamp: st.Timestamp,
		Codec:     string(s.codec.Type()),
		Payload:   raw,
	}
	for _, h := range st.AffectedHashes {
		h := h
		r.Affected = append(r.Affected, h[:])
	}
	encoded, err := cbor.Marshal(r)
	if err != nil {
		return keyValStore.Op{}, err
	}
	return keyValStore.Op{Key: rowKey(st.ID), Value: encoded}, nil
}

func idFromKeySuffix(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[len(k)-idSize:])
}

// RetrieveByHash returns every row of hash ordered by id.
func (s *Store) RetrieveByHash(hash model.MessageHash) ([]model.StagingTransaction, error) {
	keys, err := s.kv.KeysWithPrefix(cat(prefixHash, hash[:]))
	if err != nil {
		return nil, err
	}
	out := make([]model.StagingTransaction, 0, len(keys))
	for _, k := range keys {
		st, err := s.readRow(idFromKeySuffix(k))
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// RetrieveTransactionBatchOrderByStageAndHash pages over all rows ordered
// by (stage, hash), with unstaged rows last in hash order.
func (s *Store) RetrieveTransactionBatchOrderByStageAndHash(offset, limit int) ([]model.StagingTransaction, error) {
	if limit <= 0 {
		return nil, nil
	}
	var (
		ids     []uint64
		skipped int
	)
	collect := func(k, _ []byte) (bool, error) {
		if skipped < offset {
			skipped++
			return true, nil
		}
		ids = append(ids, idFromKeySuffix(k))
		return len(ids) < limit, nil
	}
	if err := s.kv.IteratePrefix(prefixStage, collect); err != nil {
		return nil, err
	}
	if len(ids) < limit {
		if err := s.kv.IteratePrefix(prefixUnstaged, collect); err != nil {
			return nil, err
		}
	}

	out := make([]model.StagingTransaction, 0, len(ids))
	for _, id := range ids {
		st, err := s.readRow(id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// UpdateStageForBatch assigns stage to at most batchSize unstaged rows
// whose affected transactions are all present and fully staged, and
// returns how many rows were updated. Eligibility is decided before any
// row of the batch is updated, so a row never shares a stage with one of
// its dependencies.
func (s *Store) UpdateStageForBatch(batchSize int, stage int64) (int, error) {
	if batchSize <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	unstagedKeys, err := s.kv.KeysWithPrefix(prefixUnstaged)
	if err != nil {
		return 0, err
	}
	if len(unstagedKeys) == 0 {
		return 0, nil
	}

	pending := make(map[model.MessageHash]bool, len(unstagedKeys))
	type candidate struct {
		id   uint64
		hash model.MessageHash
	}
	candidates := make([]candidate, 0, len(unstagedKeys))
	for _, k := range unstagedKeys {
		var h model.MessageHash
		copy(h[:], k[len(prefixUnstaged):len(prefixUnstaged)+model.HashSize])
		pending[h] = true
		candidates = append(candidates, candidate{id: idFromKeySuffix(k), hash: h})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].id < candidates[j].id })

	present := map[model.MessageHash]bool{}
	resolved := func(h model.MessageHash) (bool, error) {
		if pending[h] {
			return false, nil
		}
		if p, ok := present[h]; ok {
			return p, nil
		}
		n, err := s.kv.CountPrefix(cat(prefixHash, h[:]))
		if err != nil {
			return false, err
		}
		present[h] = n > 0
		return n > 0, nil
	}

	var ops []keyValStore.Op
	updated := 0
	for _, c := range candidates {
		if updated >= batchSize {
			break
		}
		affKeys, err := s.kv.KeysWithPrefix(cat(prefixAffected, idBytes(c.id)))
		if err != nil {
			return 0, err
		}
		eligible := true
		for _, ak := range affKeys {
			var ah model.MessageHash
			copy(ah[:], ak[len(prefixAffected)+idSize:])
			ok, err := resolved(ah)
			if err != nil {
				return 0, err
			}
			if !ok {
				eligible = false
				break
			}
		}
		if !eligible {
			continue
		}

		st, err := s.readRow(c.id)
		if err != nil {
			return 0, err
		}
		st.ValidationStage = stage
		rowOp, err := s.writeRow(st)
		if err != nil {
			return 0, err
		}
		ops = append(ops,
			rowOp,
			keyValStore.Op{Key: unstagedKey(c.hash, c.id), Delete: true},
			keyValStore.Op{Key: stageKey(stage, c.hash, c.id), Value: []byte{}},
		)
		updated++
	}

	if updated == 0 {
		return 0, nil
	}
	if err := s.kv.WriteBatch(ops); err != nil {
		return 0, err
	}

	s.log.WithFields(logrus.Fields{"stage": stage, "rows": updated}).Debug("Staged batch")
	return updated, nil
}

func (s *Store) CountAll() (int, error) {
	return s.kv.CountPrefix(prefixRow)
}

func (s *Store) CountStaged() (int, error) {
	return s.kv.CountPrefix(prefixStage)
}

// CountAllAffected counts affected-transaction references of all rows.
func (s *Store) CountAllAffected() (int, error) {
	return s.kv.CountPrefix(prefixAffected)
}

// Cleanup removes every staging row and index.
func (s *Store) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.DropPrefix(prefixAll)
}
