// Package node assembles a privacy manager node from its configuration:
// storage, keys, enclave, the resend and transaction managers, and
// recovery.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/i5heu/ouroboros-privacy/internal/config"
	"github.com/i5heu/ouroboros-privacy/internal/discovery"
	"github.com/i5heu/ouroboros-privacy/internal/enclave"
	naclimpl "github.com/i5heu/ouroboros-privacy/internal/encryption"
	"github.com/i5heu/ouroboros-privacy/internal/keyValStore"
	"github.com/i5heu/ouroboros-privacy/internal/keymanager"
	"github.com/i5heu/ouroboros-privacy/internal/recovery"
	"github.com/i5heu/ouroboros-privacy/internal/requester"
	"github.com/i5heu/ouroboros-privacy/internal/resend"
	"github.com/i5heu/ouroboros-privacy/internal/staging"
	"github.com/i5heu/ouroboros-privacy/internal/transaction"
	"github.com/i5heu/ouroboros-privacy/internal/txstore"
	"github.com/i5heu/ouroboros-privacy/pkg/codec"
	"github.com/i5heu/ouroboros-privacy/pkg/encryption"
	"github.com/i5heu/ouroboros-privacy/pkg/logging"
	"github.com/sirupsen/logrus"
)

// ErrOffline means the node was built without a transport.
var ErrOffline = errors.New("node: no transport configured")

// Transport reaches the other nodes: it sends resend requests and pushes
// payloads to the node owning a key.
type Transport interface {
	requester.ResendClient
	resend.BatchPayloadPublisher
	resend.PayloadPublisher
}

// Node owns every component of one privacy manager.
type Node struct {
	Keys         *keymanager.KeyManager
	Enclave      *enclave.Enclave
	Transactions *txstore.Store
	Staging      *staging.Store
	Resend       *resend.Manager
	Payloads     *transaction.Manager
	// Batch serves peers' resend requests. It is nil on offline nodes.
	Batch    *resend.BatchManager
	Recovery *recovery.Recovery

	kv        *keyValStore.KeyValStore
	stopStats context.CancelFunc
	log       *logrus.Logger
}

// Status is a snapshot of the node's stores.
type Status struct {
	PublicKeys      []encryption.PublicKey
	Transactions    int
	StagingRows     int
	Staged          int
	StagingAffected int
	Disk            []keyValStore.DiskUsage
}

// New builds a node from c. A nil transport builds an offline node that
// can inspect its stores and finish staged work but cannot recover from
// peers.
func New(c config.Config, transport Transport, logger *logrus.Logger) (*Node, error) {
	if logger == nil {
		logger = logging.New(c.Log.Level)
	}

	pairs, err := c.KeyPairs()
	if err != nil {
		return nil, err
	}
	forwarding, err := c.ForwardingPublicKeys()
	if err != nil {
		return nil, err
	}
	keys, err := keymanager.New(pairs, forwarding)
	if err != nil {
		return nil, fmt.Errorf("node: keys: %w", err)
	}

	payloadCodec, err := codec.ForType(codec.Type(c.Storage.Codec))
	if err != nil {
		return nil, fmt.Errorf("node: codec: %w", err)
	}

	if !c.Storage.InMemory {
		if err := os.MkdirAll(c.Storage.Path, 0o750); err != nil {
			return nil, fmt.Errorf("node: create storage path: %w", err)
		}
	}
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:            []string{c.Storage.Path},
		MinimumFreeSpace: c.Storage.MinimumFreeSpaceGB,
		Logger:           logger,
		InMemory:         c.Storage.InMemory,
		Compress:         c.Storage.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}

	n := &Node{
		Keys:         keys,
		Enclave:      enclave.New(naclimpl.NewNaclEncryptor(), keys, logger),
		Transactions: txstore.New(kv, payloadCodec),
		Staging:      staging.New(kv, payloadCodec, logger),
		kv:           kv,
		stopStats:    func() {},
		log:          logger,
	}
	if c.Storage.StatsIntervalSeconds > 0 {
		var ctx context.Context
		ctx, n.stopStats = context.WithCancel(context.Background())
		kv.StartTransactionCounter(ctx, time.Duration(c.Storage.StatsIntervalSeconds)*time.Second)
	}
	n.Resend = resend.NewManager(n.Enclave, n.Transactions, logger)
	n.Payloads = transaction.NewManager(n.Enclave, n.Transactions, n.Resend, transaction.Config{
		EnhancedPrivacy: c.EnhancedPrivacy,
		Logger:          logger,
	})

	var req recovery.Requester
	if transport != nil {
		n.Batch = resend.NewBatchManager(keys, n.Transactions, n.Staging, payloadCodec, transport, transport,
			resend.BatchConfig{FetchSize: c.Resend.FetchSize, DefaultBatchSize: c.Resend.BatchSize}, logger)
		req = requester.New(keys, transport, requester.Config{
			MaxAttempts: c.Resend.MaxAttempts,
			BatchSize:   c.Resend.BatchSize,
			Logger:      logger,
		})
	}
	n.Recovery = recovery.New(n.Staging, discovery.NewStatic(c.URL, c.Peers), req, n.Payloads, recovery.Config{
		BatchSize:   c.Recovery.BatchSize,
		WorkerCount: c.Recovery.WorkerCount,
		Logger:      logger,
	})

	return n, nil
}

// Recover rebuilds the transaction store from the configured peers.
func (n *Node) Recover(ctx context.Context) (recovery.Result, error) {
	if n.Batch == nil {
		return recovery.Failure, ErrOffline
	}
	return n.Recovery.Recover(ctx)
}

// Resume finishes a recovery that stopped after its request phase: it
// stages and syncs what is already in staging. Staging is emptied only
// when both phases succeed, so failed rows stay available for another
// attempt.
func (n *Node) Resume(ctx context.Context) (recovery.Result, error) {
	rows, err := n.Staging.CountAll()
	if err != nil {
		return recovery.Failure, err
	}
	if rows == 0 {
		n.log.Info("Nothing staged, nothing to resume")
		return recovery.Success, nil
	}

	worst := recovery.Success
	for _, phase := range []struct {
		name string
		run  func(context.Context) recovery.Result
	}{
		{"stage", n.Recovery.Stage},
		{"sync", n.Recovery.Sync},
	} {
		if ctx.Err() != nil {
			return recovery.Failure, fmt.Errorf("%w before %s: %v", recovery.ErrStopped, phase.name, ctx.Err())
		}
		result := phase.run(ctx)
		n.log.WithFields(logrus.Fields{"phase": phase.name, "result": result.String()}).Info("Resume phase finished")
		if result > worst {
			worst = result
		}
	}

	if worst == recovery.Success {
		if err := n.Staging.Cleanup(); err != nil {
			return worst, fmt.Errorf("node: clean staging: %w", err)
		}
	}
	return worst, nil
}

func (n *Node) Status() (Status, error) {
	var s Status
	var err error
	s.PublicKeys = n.Keys.PublicKeys().Keys()
	if s.Transactions, err = n.Transactions.TransactionCount(); err != nil {
		return s, err
	}
	if s.StagingRows, err = n.Staging.CountAll(); err != nil {
		return s, err
	}
	if s.Staged, err = n.Staging.CountStaged(); err != nil {
		return s, err
	}
	if s.StagingAffected, err = n.Staging.CountAllAffected(); err != nil {
		return s, err
	}
	if s.Disk, err = n.kv.DiskUsage(); err != nil {
		return s, err
	}
	return s, nil
}

// Close stops recovery workers and closes the store.
func (n *Node) Close() error {
	n.stopStats()
	n.Recovery.Close()
	return n.kv.Close()
}
