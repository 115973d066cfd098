package metrics

import (
	"context"
	"time"
)

// CollectInterval is how often the collector samples queue depths.
const CollectInterval = 5 * time.Second

// depthSource is the slice of *queue.Client this package needs. Kept as a
// local interface so this package never imports pkg/queue, which itself
// records into the counters here.
type depthSource interface {
	QueueDepths(ctx context.Context) map[string]int64
}

// RunCollector periodically samples queue depths and index-ensure failures
// into the package's gauges until ctx is cancelled.
func RunCollector(ctx context.Context, client depthSource) {
	RunCollectorEvery(ctx, client, CollectInterval)
}

// RunCollectorEvery is RunCollector with an explicit sampling interval, so
// tests aren't bound to the production cadence.
func RunCollectorEvery(ctx context.Context, client depthSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, depth := range client.QueueDepths(ctx) {
				QueueDepth.WithLabelValues(name).Set(float64(depth))
			}
			SampleIndexFailures()
		}
	}
}
