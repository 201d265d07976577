package keyValStore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/i5heu/ouroboros-privacy/pkg/logging"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

var ErrKeyNotFound = errors.New("keyValStore: key not found")

// value headers
const (
	valueRaw  byte = 0
	valueZstd byte = 1
)

type StoreConfig struct {
	Paths            []string // absolute path at the moment only first path is supported
	MinimumFreeSpace int      // in GB
	Logger           *logrus.Logger
	InMemory         bool
	Compress         bool // zstd compress values on write
}

type KeyValStore struct {
	config       StoreConfig
	log          *logrus.Logger
	badgerDB     *badger.DB
	encoder      *zstd.Encoder
	decoder      *zstd.Decoder
	readCounter  uint64
	writeCounter uint64
}

// Item is one key/value pair returned from a prefix scan.
type Item struct {
	Key   []byte
	Value []byte
}

// Op is a single write inside a batch. Delete ignores Value.
type Op struct {
	Key    []byte
	Value  []byte
	Delete bool
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logging.New("info")
	}
	log := config.Logger

	err := config.checkConfig()
	if err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(config.Paths[0])
		opts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	}
	opts.Logger = nil
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening badger: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating zstd decoder: %w", err)
	}

	kv := &KeyValStore{
		config:   config,
		log:      log,
		badgerDB: db,
		encoder:  encoder,
		decoder:  decoder,
	}
	if err := kv.logDiskUsage(); err != nil {
		db.Close()
		return nil, err
	}
	return kv, nil
}

// StartTransactionCounter logs read and write operations per interval
// until ctx is done.
func (k *KeyValStore) StartTransactionCounter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				readOps := atomic.SwapUint64(&k.readCounter, 0)
				writeOps := atomic.SwapUint64(&k.writeCounter, 0)
				k.log.WithFields(logrus.Fields{
					"reads":    readOps,
					"writes":   writeOps,
					"interval": interval.String(),
				}).Debug("Store operations")
			}
		}
	}()
}

func (k *KeyValStore) encodeValue(v []byte) []byte {
	if !k.config.Compress {
		out := make([]byte, 0, len(v)+1)
		out = append(out, valueRaw)
		return append(out, v...)
	}
	out := make([]byte, 1, len(v)/2+1)
	out[0] = valueZstd
	return k.encoder.EncodeAll(v, out)
}

func (k *KeyValStore) decodeValue(v []byte) ([]byte, error) {
	if len(v) == 0 {
		return nil, fmt.Errorf("keyValStore: empty value")
	}
	switch v[0] {
	case valueRaw:
		return v[1:], nil
	case valueZstd:
		return k.decoder.DecodeAll(v[1:], nil)
	}
	return nil, fmt.Errorf("keyValStore: unknown value header %d", v[0])
}

func (k *KeyValStore) Write(key []byte, content []byte) error {
	atomic.AddUint64(&k.writeCounter, 1)

	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(key, k.encodeValue(content))
	})
	if err != nil {
		return fmt.Errorf("error writing key %s: %w", hex.EncodeToString(key), err)
	}
	return nil
}

// Apply runs ops in a single transaction, so either all or none of them
// become visible.
func (k *KeyValStore) Apply(ops []Op) error {
	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			atomic.AddUint64(&k.writeCounter, 1)
			var err error
			if op.Delete {
				err = txn.Delete(op.Key)
			} else {
				err = txn.Set(op.Key, k.encodeValue(op.Value))
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error applying batch: %w", err)
	}
	return nil
}

// WriteBatch writes ops through a badger write batch. Large batches are
// split into several transactions, so a failure can leave a prefix of
// ops applied.
func (k *KeyValStore) WriteBatch(ops []Op) error {
	wb := k.badgerDB.NewWriteBatch()
	defer wb.Cancel()

	for _, op := range ops {
		atomic.AddUint64(&k.writeCounter, 1)
		var err error
		if op.Delete {
			err = wb.Delete(op.Key)
		} else {
			err = wb.Set(op.Key, k.encodeValue(op.Value))
		}
		if err != nil {
			return fmt.Errorf("error writing batch: %w", err)
		}
	}

	return wb.Flush()
}

func (k *KeyValStore) Read(key []byte) ([]byte, error) {
	atomic.AddUint64(&k.readCounter, 1)
	var value []byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error reading key %s: %w", hex.EncodeToString(key), err)
	}
	return k.decodeValue(value)
}

func (k *KeyValStore) Exists(key []byte) (bool, error) {
	atomic.AddUint64(&k.readCounter, 1)
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (k *KeyValStore) Delete(key []byte) error {
	atomic.AddUint64(&k.writeCounter, 1)
	return k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// GetItemsWithPrefix returns all keys and values with the given prefix in
// key order.
func (k *KeyValStore) GetItemsWithPrefix(prefix []byte) ([]Item, error) {
	var items []Item
	err := k.IteratePrefix(prefix, func(key, value []byte) (bool, error) {
		items = append(items, Item{Key: key, Value: value})
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// IteratePrefix calls fn for every item under prefix in key order until fn
// returns false or an error. Key and value are copies.
func (k *KeyValStore) IteratePrefix(prefix []byte, fn func(key, value []byte) (bool, error)) error {
	atomic.AddUint64(&k.readCounter, 1)
	return k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			v, err := k.decodeValue(raw)
			if err != nil {
				return err
			}
			more, err := fn(item.KeyCopy(nil), v)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		return nil
	})
}

// KeysWithPrefix returns the keys under prefix without reading values.
func (k *KeyValStore) KeysWithPrefix(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	atomic.AddUint64(&k.readCounter, 1)
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

// CountPrefix counts the keys under prefix.
func (k *KeyValStore) CountPrefix(prefix []byte) (int, error) {
	n := 0
	atomic.AddUint64(&k.readCounter, 1)
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// DropPrefix removes every key under the given prefixes.
func (k *KeyValStore) DropPrefix(prefixes ...[]byte) error {
	return k.badgerDB.DropPrefix(prefixes...)
}

// GetSequence returns a persistent monotonic counter stored at key.
func (k *KeyValStore) GetSequence(key []byte, bandwidth uint64) (*badger.Sequence, error) {
	return k.badgerDB.GetSequence(key, bandwidth)
}

func (k *KeyValStore) Close() error {
	if !k.config.InMemory {
		if err := k.Clean(); err != nil {
			k.log.WithError(err).Warn("Cleaning store before close failed")
		}
	}
	k.encoder.Close()
	k.decoder.Close()
	return k.badgerDB.Close()
}

func (k *KeyValStore) Clean() error {
	err := k.badgerDB.Sync()
	if err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	// flatten the db
	err = k.badgerDB.Flatten(runtime.NumCPU()) // The parameter is the number of concurrent compactions
	if err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}
	k.log.Info("DB Flattened")

	err = k.badgerDB.RunValueLogGC(0.1)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}

	return nil
}
