package metrics

import (
	"context"
	"time"

	"github.com/drover-io/drover/pkg/storage"
	"github.com/drover-io/drover/pkg/types"
)

// Collector periodically samples queue and worker state into gauges and
// persists a per-worker metrics snapshot.
type Collector struct {
	store    *storage.Store
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store *storage.Store, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.collectQueueMetrics(ctx)
	c.collectWorkerMetrics(ctx)
	c.collectHealthMetrics(ctx)

	// Persist a per-worker snapshot for the performance view
	_ = c.store.SnapshotWorkerMetrics(ctx)
}

func (c *Collector) collectQueueMetrics(ctx context.Context) {
	stats, err := c.store.QueueStats(ctx)
	if err != nil {
		return
	}

	QueueDepth.WithLabelValues(string(types.TaskPending)).Set(float64(stats.Pending))
	QueueDepth.WithLabelValues(string(types.TaskAssigned)).Set(float64(stats.Assigned))
	QueueDepth.WithLabelValues(string(types.TaskRunning)).Set(float64(stats.Running))
	QueueDepth.WithLabelValues(string(types.TaskCompleted)).Set(float64(stats.Completed))
	QueueDepth.WithLabelValues(string(types.TaskFailed)).Set(float64(stats.Failed))
	QueueDepth.WithLabelValues(string(types.TaskTimeout)).Set(float64(stats.Timeout))
	QueueDepth.WithLabelValues(string(types.TaskCancelled)).Set(float64(stats.Cancelled))
	DeadLetterDepth.Set(float64(stats.DeadLettered))
}

func (c *Collector) collectWorkerMetrics(ctx context.Context) {
	stats, err := c.store.WorkerStats(ctx)
	if err != nil {
		return
	}

	WorkersTotal.WithLabelValues(string(types.WorkerIdle)).Set(float64(stats.Idle))
	WorkersTotal.WithLabelValues(string(types.WorkerBusy)).Set(float64(stats.Busy))
	WorkersTotal.WithLabelValues(string(types.WorkerOffline)).Set(float64(stats.Offline))
	WorkersTotal.WithLabelValues(string(types.WorkerError)).Set(float64(stats.Error))
	WorkerCapacityUsed.Set(float64(stats.UsedCapacity))
	WorkerCapacityTotal.Set(float64(stats.TotalCapacity))
}

func (c *Collector) collectHealthMetrics(ctx context.Context) {
	health, err := c.store.SystemHealthView(ctx)
	if err != nil {
		return
	}

	OldestPendingAge.Set(float64(health.OldestPendingMs) / 1000.0)
}
