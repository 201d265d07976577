// Package recovery rebuilds a node's transaction store from its peers in
// three phases: request, stage and sync.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-privacy/internal/discovery"
	"github.com/i5heu/ouroboros-privacy/pkg/logging"
	"github.com/i5heu/ouroboros-privacy/pkg/model"
	workerpool "github.com/i5heu/ouroboros-privacy/pkg/workerPool"
	"github.com/sirupsen/logrus"
)

// DefaultBatchSize bounds the rows staged or synced per round.
const DefaultBatchSize = 10000

var (
	// ErrStagingNotEmpty means a previous recovery left rows behind.
	ErrStagingNotEmpty = errors.New("recovery: staging area is not empty")
	// ErrStopped means recovery was cancelled between two phases.
	ErrStopped = errors.New("recovery: stopped")
)

// Result is the outcome of a phase. Higher values are worse.
type Result int

const (
	Success        Result = 0
	PartialSuccess Result = 1
	Failure        Result = 2
)

func (r Result) String() string {
	switch r {
	case Success:
		return "SUCCESS"
	case PartialSuccess:
		return "PARTIAL_SUCCESS"
	case Failure:
		return "FAILURE"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Discovery lists the peers to request transactions from.
type Discovery interface {
	RemoteNodeInfos() []discovery.NodeInfo
}

// Requester asks one peer to push its transactions.
type Requester interface {
	RequestAllTransactionsFromNode(ctx context.Context, url string) bool
	RequestAllTransactionsFromLegacyNode(ctx context.Context, url string) bool
}

// StagingStore holds the payloads peers pushed.
type StagingStore interface {
	RetrieveTransactionBatchOrderByStageAndHash(offset, limit int) ([]model.StagingTransaction, error)
	UpdateStageForBatch(batchSize int, stage int64) (int, error)
	CountAll() (int, error)
	CountStaged() (int, error)
	CountAllAffected() (int, error)
}

// PayloadStorer merges a payload into the transaction store.
type PayloadStorer interface {
	StorePayload(ctx context.Context, payload model.EncodedPayload) (model.MessageHash, error)
}

type Config struct {
	BatchSize   int
	WorkerCount int
	Logger      *logrus.Logger
}

type Recovery struct {
	staging   StagingStore
	discovery Discovery
	requester Requester
	storer    PayloadStorer
	batchSize int
	pool      *workerpool.WorkerPool
	log       *logrus.Logger
}

func New(staging StagingStore, d Discovery, requester Requester, storer PayloadStorer, config Config) *Recovery {
	if config.BatchSize < 1 {
		config.BatchSize = DefaultBatchSize
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.New("info")
	}
	return &Recovery{
		staging:   staging,
		discovery: d,
		requester: requester,
		storer:    storer,
		batchSize: config.BatchSize,
		pool:      workerpool.NewWorkerPool(workerpool.Config{WorkerCount: config.WorkerCount}),
		log:       logger,
	}
}

// Close stops the worker pool.
func (r *Recovery) Close() {
	r.pool.Close()
}

// Request asks every peer, in parallel, to push what it holds for the
// local keys. Peers advertising the enhanced privacy API get batched
// requests, the others legacy ones.
func (r *Recovery) Request(ctx context.Context) Result {
	peers := r.discovery.RemoteNodeInfos()
	if len(peers) == 0 {
		return Success
	}

	room := workerpool.CreateRoom[bool](r.pool, len(peers))
	failures := 0
	for _, peer := range peers {
		peer := peer
		err := room.NewTaskWaitForFreeSlot(ctx, func() bool {
			if peer.Supports(discovery.EnhancedPrivacyVersion) {
				return r.requester.RequestAllTransactionsFromNode(ctx, peer.URL)
			}
			return r.requester.RequestAllTransactionsFromLegacyNode(ctx, peer.URL)
		})
		if err != nil {
			r.log.WithError(err).WithField("url", peer.URL).Warn("Could not schedule resend request")
			failures++
		}
	}

	for _, ok := range room.Collect() {
		if !ok {
			failures++
		}
	}

	if failures > 0 {
		r.log.WithFields(logrus.Fields{"failed": failures, "peers": len(peers)}).Warn("Resend requests failed")
	}

	return summarise(failures, len(peers))
}

// Stage assigns increasing stage numbers to staged rows until no more
// rows become eligible.
func (r *Recovery) Stage(ctx context.Context) Result {
	for stage := int64(1); ; stage++ {
		n, err := r.staging.UpdateStageForBatch(r.batchSize, stage)
		if err != nil {
			r.log.WithError(err).WithField("stage", stage).Error("Staging batch failed")
			break
		}
		if n == 0 {
			break
		}
	}

	total, err := r.staging.CountAll()
	if err != nil {
		r.log.WithError(err).Error("Counting staging rows failed")
		return Failure
	}
	staged, err := r.staging.CountStaged()
	if err != nil {
		r.log.WithError(err).Error("Counting staged rows failed")
		return Failure
	}

	if staged < total {
		r.log.WithFields(logrus.Fields{"staged": staged, "total": total}).Warn("Not all rows could be staged")
		if staged == 0 {
			return Failure
		}
		return PartialSuccess
	}
	return Success
}

// Sync stores staged rows in (stage, hash) order. Rows sharing a hash on
// the same page are stored in order until one under private state
// validation has been stored, since those carry every participant already.
// A failing row is counted and skipped.
func (r *Recovery) Sync(ctx context.Context) Result {
	attempted, failed := 0, 0

	for offset := 0; ; offset += r.batchSize {
		total, err := r.staging.CountAll()
		if err != nil {
			r.log.WithError(err).Error("Counting staging rows failed")
			return Failure
		}
		if offset >= total {
			break
		}

		page, err := r.staging.RetrieveTransactionBatchOrderByStageAndHash(offset, r.batchSize)
		if err != nil {
			r.log.WithError(err).WithField("offset", offset).Error("Reading staging page failed")
			return Failure
		}

		for _, group := range groupByHash(page) {
			for _, row := range group {
				if !row.IsStaged() {
					continue
				}
				attempted++
				if _, err := r.storer.StorePayload(ctx, row.Payload); err != nil {
					failed++
					r.log.WithError(err).WithField("hash", row.Hash.String()).Error("An error occurred during batch resend sync stage")
				}
				if row.PrivacyMode == model.PrivateStateValidation {
					break
				}
			}
		}
	}

	if failed > 0 {
		r.log.WithFields(logrus.Fields{"failed": failed, "attempted": attempted}).
			Warn("There have been issues during the synchronisation process, problematic transactions have been ignored")
	}
	return summarise(failed, attempted)
}

// Recover runs request, stage and sync and returns the worst of their
// results. It refuses to start while staging holds rows from an earlier
// run. A cancelled ctx stops it between phases with ErrStopped.
func (r *Recovery) Recover(ctx context.Context) (Result, error) {
	rows, err := r.staging.CountAll()
	if err != nil {
		r.log.WithError(err).Error("Attempt to query staging failed, ensure the store has been set up for recovery")
		return Failure, err
	}
	affected, err := r.staging.CountAllAffected()
	if err != nil {
		r.log.WithError(err).Error("Attempt to query staging failed, ensure the store has been set up for recovery")
		return Failure, err
	}
	if rows != 0 || affected != 0 {
		r.log.WithFields(logrus.Fields{"rows": rows, "affected": affected}).
			Error("Staging is not empty, ensure the store has been set up for recovery")
		return Failure, ErrStagingNotEmpty
	}

	phases := []struct {
		name string
		run  func(context.Context) Result
	}{
		{"request", r.Request},
		{"stage", r.Stage},
		{"sync", r.Sync},
	}

	start := time.Now()
	worst := Success
	for _, phase := range phases {
		if ctx.Err() != nil {
			r.log.WithField("phase", phase.name).Warn("Recovery stopped")
			return Failure, fmt.Errorf("%w before %s: %v", ErrStopped, phase.name, ctx.Err())
		}

		phaseStart := time.Now()
		result := phase.run(ctx)
		r.log.WithFields(logrus.Fields{
			"phase":       phase.name,
			"result":      result.String(),
			"duration_ms": time.Since(phaseStart).Milliseconds(),
		}).Info("Recovery phase finished")

		if result > worst {
			worst = result
		}
	}

	r.log.WithFields(logrus.Fields{
		"result":      worst.String(),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Recovery finished")

	return worst, nil
}

func summarise(failed, total int) Result {
	switch {
	case failed == 0:
		return Success
	case failed >= total:
		return Failure
	default:
		return PartialSuccess
	}
}

// groupByHash splits rows into runs sharing a hash, in order of first
// appearance.
func groupByHash(rows []model.StagingTransaction) [][]model.StagingTransaction {
	index := make(map[model.MessageHash]int)
	var groups [][]model.StagingTransaction
	for _, row := range rows {
		i, ok := index[row.Hash]
		if !ok {
			i = len(groups)
			index[row.Hash] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], row)
	}
	return groups
}
