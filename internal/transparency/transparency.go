// Package transparency maintains the append-only request commitment log
// and assembles fixed-size Merkle batches over it.
package transparency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	gateway "github.com/okondo/gaasgw/internal"
	"github.com/okondo/gaasgw/internal/merkle"
	"github.com/okondo/gaasgw/internal/storage"
)

// DefaultBatchSize is the number of commitments per Merkle batch.
const DefaultBatchSize = 10

// BatchNotifier is told about freshly closed batches, typically to enqueue
// an anchoring attempt. Notification must not block.
type BatchNotifier interface {
	BatchClosed(batchID int64)
}

// Log commits request hashes and closes Merkle batches.
type Log struct {
	store     storage.TransparencyStore
	batchSize int
	notifier  BatchNotifier
	logger    *slog.Logger
}

// New returns a Log writing to store. notifier may be nil when anchoring is
// disabled.
func New(store storage.TransparencyStore, batchSize int, notifier BatchNotifier, logger *slog.Logger) *Log {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Log{store: store, batchSize: batchSize, notifier: notifier, logger: logger}
}

// HashRequest computes the commitment hash over the request descriptor.
func HashRequest(serviceID, apiKeyID int64, ts time.Time, requestPath string, responseStatus int) string {
	payload := fmt.Sprintf("%d|%d|%s|%s|%d",
		serviceID, apiKeyID, ts.UTC().Format(time.RFC3339Nano), requestPath, responseStatus)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Commit appends a commitment row for one proxied response and then tries
// to close a batch. Both steps are best-effort: failures are logged and
// never propagate to the caller's response.
func (l *Log) Commit(ctx context.Context, serviceID, apiKeyID int64, ts time.Time, requestPath string, responseStatus int) {
	// The commitment must outlive the caller's connection: a client that
	// hangs up after the upstream replied would otherwise cancel the
	// insert and leave a proxied response with no commitment row.
	ctx = context.WithoutCancel(ctx)
	h := &gateway.RequestHash{
		ServiceID:      serviceID,
		APIKeyID:       apiKeyID,
		Timestamp:      ts,
		RequestPath:    requestPath,
		ResponseStatus: responseStatus,
		Hash:           HashRequest(serviceID, apiKeyID, ts, requestPath, responseStatus),
	}
	if err := l.store.InsertRequestHash(ctx, h); err != nil {
		l.logger.LogAttrs(ctx, slog.LevelError, "commit request hash",
			slog.Int64("service_id", serviceID),
			slog.String("error", err.Error()))
		return
	}
	l.maybeCloseBatch(ctx)
}

// maybeCloseBatch closes one batch if enough unbatched commitments exist.
func (l *Log) maybeCloseBatch(ctx context.Context) {
	root, err := l.store.CloseMerkleBatch(ctx, l.batchSize, merkle.Root)
	if err != nil {
		l.logger.LogAttrs(ctx, slog.LevelError, "close merkle batch",
			slog.String("error", err.Error()))
		return
	}
	if root == nil {
		return
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "merkle batch closed",
		slog.Int64("batch_id", root.ID),
		slog.String("root", root.Root),
		slog.Int("request_count", root.RequestCount))
	if l.notifier != nil {
		l.notifier.BatchClosed(root.ID)
	}
}

// VerifyBatch recomputes a batch's root from its stored leaves and reports
// whether it matches the recorded root. Returns the ordered leaves so
// auditors can re-run the computation independently.
func (l *Log) VerifyBatch(ctx context.Context, batchID int64) (*gateway.MerkleRoot, []string, bool, error) {
	root, err := l.store.GetMerkleRoot(ctx, batchID)
	if err != nil {
		return nil, nil, false, err
	}
	leaves, err := l.store.BatchHashes(ctx, batchID)
	if err != nil {
		return nil, nil, false, err
	}
	return root, leaves, merkle.Root(leaves) == root.Root, nil
}
