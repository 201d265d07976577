package resend

import (
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-privacy/pkg/codec"
	"github.com/i5heu/ouroboros-privacy/pkg/encryption"
	"github.com/i5heu/ouroboros-privacy/pkg/logging"
	"github.com/i5heu/ouroboros-privacy/pkg/model"
	pkgresend "github.com/i5heu/ouroboros-privacy/pkg/resend"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotRecipient means the requested transaction is not addressed to
	// the requesting key.
	ErrNotRecipient = errors.New("resend: key is not a party to the transaction")
	// ErrEnhancedPrivacyUnsupported means a legacy request asked for a
	// transaction that only enhanced privacy peers can receive.
	ErrEnhancedPrivacyUnsupported = errors.New("resend: transaction requires enhanced privacy")
)

// BatchPayloadPublisher pushes a batch of payloads to the node that owns
// recipient.
type BatchPayloadPublisher interface {
	PublishBatch(ctx context.Context, recipient encryption.PublicKey, payloads []model.EncodedPayload) error
}

// PayloadPublisher pushes one payload to the node that owns recipient.
type PayloadPublisher interface {
	Publish(ctx context.Context, recipient encryption.PublicKey, payload model.EncodedPayload) error
}

// TransactionPager reads the transaction store page by page.
type TransactionPager interface {
	RetrieveByHash(hash model.MessageHash) (model.EncryptedTransaction, error)
	RetrieveTransactions(offset, limit int) ([]model.EncryptedTransaction, error)
}

// StagingWriter accepts payloads pushed during recovery.
type StagingWriter interface {
	Save(payload model.EncodedPayload) (model.StagingTransaction, error)
}

type BatchConfig struct {
	// FetchSize is how many transactions are read from the store at once.
	FetchSize int
	// DefaultBatchSize is used when a request does not name a batch size.
	DefaultBatchSize int
}

// BatchManager serves resend requests from recovering peers and stores
// what peers push back during our own recovery.
type BatchManager struct {
	keys    interface{ PublicKeys() encryption.KeySet }
	store   TransactionPager
	staging StagingWriter
	codec   codec.Codec
	batch   BatchPayloadPublisher
	single  PayloadPublisher
	config  BatchConfig
	log     *logrus.Logger
}

func NewBatchManager(
	keys interface{ PublicKeys() encryption.KeySet },
	store TransactionPager,
	staging StagingWriter,
	c codec.Codec,
	batch BatchPayloadPublisher,
	single PayloadPublisher,
	config BatchConfig,
	logger *logrus.Logger,
) *BatchManager {
	if config.FetchSize < 1 {
		config.FetchSize = 1000
	}
	if config.DefaultBatchSize < 1 {
		config.DefaultBatchSize = 10000
	}
	if logger == nil {
		logger = logging.New("info")
	}
	return &BatchManager{
		keys:    keys,
		store:   store,
		staging: staging,
		codec:   c,
		batch:   batch,
		single:  single,
		config:  config,
		log:     logger,
	}
}

// ResendBatch pushes every stored transaction recipient is a party to,
// in batches of req.BatchSize, and reports how many were pushed.
func (b *BatchManager) ResendBatch(ctx context.Context, req pkgresend.ResendBatchRequest) (pkgresend.ResendBatchResponse, error) {
	batchSize := int(req.BatchSize)
	if batchSize < 1 {
		batchSize = b.config.DefaultBatchSize
	}

	var (
		total   uint64
		pending []model.EncodedPayload
	)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := b.batch.PublishBatch(ctx, req.PublicKey, pending); err != nil {
			return fmt.Errorf("resend: publish batch to %s: %w", req.PublicKey, err)
		}
		total += uint64(len(pending))
		pending = nil
		return nil
	}

	err := b.forEachFor(ctx, req.PublicKey, func(p model.EncodedPayload) error {
		pending = append(pending, p)
		if len(pending) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return pkgresend.ResendBatchResponse{Total: total}, err
	}
	if err := flush(); err != nil {
		return pkgresend.ResendBatchResponse{Total: total}, err
	}

	b.log.WithFields(logrus.Fields{
		"recipient": req.PublicKey.String(),
		"total":     total,
	}).Info("Batch resend finished")

	return pkgresend.ResendBatchResponse{Total: total}, nil
}

// Resend serves a legacy resend request. ALL pushes every transaction for
// the key one by one and returns nothing. INDIVIDUAL returns the encoded
// transaction to the caller.
func (b *BatchManager) Resend(ctx context.Context, req pkgresend.ResendRequest) ([]byte, error) {
	switch req.Type {
	case pkgresend.All:
		count := 0
		err := b.forEachFor(ctx, req.PublicKey, func(p model.EncodedPayload) error {
			if err := b.single.Publish(ctx, req.PublicKey, p); err != nil {
				return fmt.Errorf("resend: publish %s: %w", p.Hash(), err)
			}
			count++
			return nil
		})
		b.log.WithFields(logrus.Fields{
			"recipient": req.PublicKey.String(),
			"total":     count,
		}).Info("Legacy resend finished")
		return nil, err
	case pkgresend.Individual:
		p, err := b.ResendIndividual(req.Key, req.PublicKey)
		if err != nil {
			return nil, err
		}
		return b.codec.Encode(p)
	}
	return nil, fmt.Errorf("resend: unknown request type %s", req.Type)
}

// ResendIndividual returns a standard private transaction formatted for
// recipient.
func (b *BatchManager) ResendIndividual(hash model.MessageHash, recipient encryption.PublicKey) (model.EncodedPayload, error) {
	tx, err := b.store.RetrieveByHash(hash)
	if err != nil {
		return model.EncodedPayload{}, err
	}
	if tx.Payload.PrivacyMode != model.StandardPrivate {
		return model.EncodedPayload{}, fmt.Errorf("%w: %s", ErrEnhancedPrivacyUnsupported, hash)
	}
	p, ok, err := b.formatFor(tx.Payload, recipient)
	if err != nil {
		return model.EncodedPayload{}, err
	}
	if !ok {
		return model.EncodedPayload{}, fmt.Errorf("%w: %s", ErrNotRecipient, hash)
	}
	return p, nil
}

// StoreResendBatch decodes pushed payloads into the staging area and
// returns how many were stored.
func (b *BatchManager) StoreResendBatch(ctx context.Context, req pkgresend.PushBatchRequest) (int, error) {
	for i, raw := range req.Payloads {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		p, err := b.codec.Decode(raw)
		if err != nil {
			return i, fmt.Errorf("resend: decode pushed payload %d: %w", i, err)
		}
		if _, err := b.staging.Save(p); err != nil {
			return i, err
		}
	}
	return len(req.Payloads), nil
}

func (b *BatchManager) forEachFor(ctx context.Context, recipient encryption.PublicKey, fn func(model.EncodedPayload) error) error {
	for offset := 0; ; offset += b.config.FetchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := b.store.RetrieveTransactions(offset, b.config.FetchSize)
		if err != nil {
			return err
		}
		for _, tx := range page {
			payloads, err := b.payloadsFor(tx.Payload, recipient)
			if err != nil {
				b.log.WithError(err).WithField("hash", tx.Hash.String()).Warn("Skipping transaction during resend")
				continue
			}
			for _, p := range payloads {
				if err := fn(p); err != nil {
					return err
				}
			}
		}
		if len(page) < b.config.FetchSize {
			return nil
		}
	}
}

// formatFor returns payload as recipient should receive it. A node that
// sent the transaction sends the recipient's own box. A node that
// received it sends its copy back when recipient is the original sender.
func (b *BatchManager) formatFor(payload model.EncodedPayload, recipient encryption.PublicKey) (model.EncodedPayload, bool, error) {
	if b.keys.PublicKeys().Contains(payload.SenderKey) {
		if !payload.HasRecipient(recipient) {
			return model.EncodedPayload{}, false, nil
		}
		p, err := payload.ForRecipient(recipient)
		if err != nil {
			return model.EncodedPayload{}, false, err
		}
		return p, true, nil
	}

	if payload.SenderKey == recipient {
		return payload.Clone(), true, nil
	}
	return model.EncodedPayload{}, false, nil
}

// payloadsFor returns what is pushed to recipient for one stored
// payload. A copy sent back to its original sender is split into one
// payload per box, each naming the key that box belongs to, so the sender
// can merge every one of them.
func (b *BatchManager) payloadsFor(payload model.EncodedPayload, recipient encryption.PublicKey) ([]model.EncodedPayload, error) {
	if b.keys.PublicKeys().Contains(payload.SenderKey) || payload.SenderKey != recipient {
		p, ok, err := b.formatFor(payload, recipient)
		if err != nil || !ok {
			return nil, err
		}
		return []model.EncodedPayload{p}, nil
	}

	out := make([]model.EncodedPayload, 0, len(payload.RecipientBoxes))
	for i, box := range payload.RecipientBoxes {
		if i < len(payload.RecipientKeys) {
			p, err := payload.ForRecipient(payload.RecipientKeys[i])
			if err != nil {
				return nil, err
			}
			out = append(out, p)
			continue
		}
		p := payload.Clone()
		p.RecipientKeys = nil
		p.RecipientBoxes = []model.RecipientBox{append(model.RecipientBox(nil), box...)}
		out = append(out, p)
	}
	return out, nil
}
