// Package requester asks remote peers to push back every transaction they
// hold for the local node's keys.
package requester

import (
	"context"

	"github.com/i5heu/ouroboros-privacy/pkg/encryption"
	"github.com/i5heu/ouroboros-privacy/pkg/logging"
	pkgresend "github.com/i5heu/ouroboros-privacy/pkg/resend"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxAttempts = 5
	DefaultBatchSize   = 10000
)

// ResendClient delivers resend requests to the peer at url.
type ResendClient interface {
	ResendBatch(ctx context.Context, url string, req pkgresend.ResendBatchRequest) (pkgresend.ResendBatchResponse, error)
	Resend(ctx context.Context, url string, req pkgresend.ResendRequest) error
}

// KeySource lists the keys transactions are requested for.
type KeySource interface {
	PublicKeys() encryption.KeySet
}

type Config struct {
	// MaxAttempts caps the calls made per key. There is no backoff
	// between attempts.
	MaxAttempts int
	// BatchSize is how many payloads a peer pushes per batch.
	BatchSize int
	Logger    *logrus.Logger
}

type Requester struct {
	keys   KeySource
	client ResendClient
	config Config
	log    *logrus.Logger
}

func New(keys KeySource, client ResendClient, config Config) *Requester {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.BatchSize < 1 {
		config.BatchSize = DefaultBatchSize
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.New("info")
	}
	return &Requester{keys: keys, client: client, config: config, log: logger}
}

// RequestAllTransactionsFromNode sends one batched resend request per
// local key. It reports whether the peer accepted all of them; it stops at
// the first key the peer kept refusing.
func (r *Requester) RequestAllTransactionsFromNode(ctx context.Context, url string) bool {
	for _, key := range r.keys.PublicKeys().Keys() {
		req := pkgresend.ResendBatchRequest{PublicKey: key, BatchSize: uint32(r.config.BatchSize)}

		var total uint64
		ok := r.withAttempts(ctx, url, key, func() error {
			resp, err := r.client.ResendBatch(ctx, url, req)
			total = resp.Total
			return err
		})
		if !ok {
			return false
		}

		r.log.WithFields(logrus.Fields{
			"url":   url,
			"key":   key.String(),
			"total": total,
		}).Debug("Peer pushed transactions")
	}
	return true
}

// RequestAllTransactionsFromLegacyNode sends one ALL resend request per
// local key to a peer without batch support.
func (r *Requester) RequestAllTransactionsFromLegacyNode(ctx context.Context, url string) bool {
	for _, key := range r.keys.PublicKeys().Keys() {
		req := pkgresend.ResendRequest{Type: pkgresend.All, PublicKey: key}
		ok := r.withAttempts(ctx, url, key, func() error {
			return r.client.Resend(ctx, url, req)
		})
		if !ok {
			return false
		}
	}
	return true
}

func (r *Requester) withAttempts(ctx context.Context, url string, key encryption.PublicKey, call func() error) bool {
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		err := call()
		if err == nil {
			return true
		}
		r.log.WithError(err).WithFields(logrus.Fields{
			"url":     url,
			"key":     key.String(),
			"attempt": attempt,
		}).Debug("Resend request failed")
	}

	r.log.WithFields(logrus.Fields{
		"url":      url,
		"key":      key.String(),
		"attempts": r.config.MaxAttempts,
	}).Warn("Giving up on resend request")
	return false
}
