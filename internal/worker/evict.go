package worker

import (
	"context"
	"time"

	"github.com/okondo/gaasgw/internal/ratelimit"
	"github.com/okondo/gaasgw/internal/telemetry"
)

const evictEvery = time.Minute

// BucketEvictor periodically drops stale token buckets so the limiter's
// memory stays bounded by the active key population.
type BucketEvictor struct {
	limiter *ratelimit.Registry
	metrics *telemetry.Metrics
}

// NewBucketEvictor creates a BucketEvictor for the given registry.
func NewBucketEvictor(limiter *ratelimit.Registry, metrics *telemetry.Metrics) *BucketEvictor {
	return &BucketEvictor{limiter: limiter, metrics: metrics}
}

// Run evicts on a fixed interval until ctx is cancelled.
func (b *BucketEvictor) Run(ctx context.Context) error {
	ticker := time.NewTicker(evictEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.limiter.EvictStale()
			b.metrics.LimiterBuckets.Set(float64(b.limiter.Len()))
		case <-ctx.Done():
			return nil
		}
	}
}
