package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/okondo/gaasgw/internal/blockchain"
	"github.com/okondo/gaasgw/internal/storage"
	"github.com/okondo/gaasgw/internal/telemetry"
)

const (
	anchorQueueSize  = 100
	anchorRetryEvery = 5 * time.Minute
	anchorRetryBatch = 10
	anchorTimeout    = 150 * time.Second // receipt wait plus RPC headroom
)

// Anchorer is the on-chain side consumed by AnchorWorker. Implemented by
// blockchain.Anchorer.
type Anchorer interface {
	Anchor(ctx context.Context, rootHex string, batchID int64, requestCount int) (*blockchain.AnchorResult, error)
}

// AnchorWorker anchors closed Merkle batches in the background. Batch ids
// arrive on a bounded mailbox; submissions never block the request path.
// A periodic sweep retries batches that failed or were enqueued before a
// restart.
type AnchorWorker struct {
	store    storage.TransparencyStore
	anchorer Anchorer
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	ch chan int64

	mu       sync.Mutex
	inflight map[int64]bool
}

// NewAnchorWorker creates an AnchorWorker submitting through anchorer.
func NewAnchorWorker(store storage.TransparencyStore, anchorer Anchorer, metrics *telemetry.Metrics, logger *slog.Logger) *AnchorWorker {
	return &AnchorWorker{
		store:    store,
		anchorer: anchorer,
		metrics:  metrics,
		logger:   logger,
		ch:       make(chan int64, anchorQueueSize),
		inflight: make(map[int64]bool),
	}
}

// BatchClosed enqueues a batch for anchoring. It never blocks: on a full
// mailbox the batch is dropped and picked up later by the retry sweep.
func (w *AnchorWorker) BatchClosed(batchID int64) {
	w.mu.Lock()
	if w.inflight[batchID] {
		w.mu.Unlock()
		return
	}
	w.inflight[batchID] = true
	w.mu.Unlock()

	select {
	case w.ch <- batchID:
		w.metrics.AnchorQueueDepth.Set(float64(len(w.ch)))
	default:
		w.release(batchID)
		w.logger.Warn("anchor queue full, batch deferred to retry sweep",
			"batch_id", batchID)
	}
}

func (w *AnchorWorker) release(batchID int64) {
	w.mu.Lock()
	delete(w.inflight, batchID)
	w.mu.Unlock()
}

// Run processes the mailbox and the retry sweep until ctx is cancelled.
func (w *AnchorWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(anchorRetryEvery)
	defer ticker.Stop()

	for {
		select {
		case batchID := <-w.ch:
			w.metrics.AnchorQueueDepth.Set(float64(len(w.ch)))
			w.anchorOne(ctx, batchID)
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// sweep re-enqueues unanchored batches, oldest first.
func (w *AnchorWorker) sweep(ctx context.Context) {
	roots, err := w.store.ListUnanchored(ctx, anchorRetryBatch)
	if err != nil {
		w.logger.Error("list unanchored batches", "error", err)
		return
	}
	for _, root := range roots {
		w.BatchClosed(root.ID)
	}
}

func (w *AnchorWorker) anchorOne(ctx context.Context, batchID int64) {
	defer w.release(batchID)

	root, err := w.store.GetMerkleRoot(ctx, batchID)
	if err != nil {
		w.logger.Error("load batch for anchoring", "batch_id", batchID, "error", err)
		return
	}
	if root.IsAnchored {
		return
	}

	w.metrics.AnchorAttempts.Inc()
	actx, cancel := context.WithTimeout(ctx, anchorTimeout)
	defer cancel()

	res, err := w.anchorer.Anchor(actx, root.Root, root.ID, root.RequestCount)
	switch {
	case errors.Is(err, blockchain.ErrAlreadyAnchored):
		// Submitted before a crash but never recorded. The tx details are
		// lost; record the anchor so the sweep stops retrying.
		if err := w.store.MarkAnchored(ctx, batchID, "", 0, time.Now()); err != nil {
			w.logger.Error("mark recovered anchor", "batch_id", batchID, "error", err)
		}
		return
	case err != nil:
		w.metrics.AnchorFailures.Inc()
		w.logger.Error("anchor batch", "batch_id", batchID, "error", err)
		return
	}

	if err := w.store.MarkAnchored(ctx, batchID, res.TxHash, res.BlockNumber, time.Now()); err != nil {
		// The chain holds the anchor but the row does not; the preflight
		// check resolves this on the next sweep.
		w.logger.Error("mark anchored", "batch_id", batchID, "error", err)
		return
	}

	w.logger.Info("batch anchored",
		"batch_id", batchID,
		"tx_hash", res.TxHash,
		"block_number", res.BlockNumber)
}
