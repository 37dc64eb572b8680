package metrics

import (
	"context"
	"time"

	"github.com/cuemby/relay/pkg/queue"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/types"
)

// Collector periodically samples queue depths and worker scores into the
// Prometheus gauges and the Recorder's time series.
type Collector struct {
	queues     *queue.Manager
	workers    *registry.Registry
	recorder   *Recorder
	queueNames []string
	stopCh     chan struct{}
}

// NewCollector constructs a Collector. queueNames is the set of queues to
// sample; workers are discovered fresh each cycle from the registry.
func NewCollector(queues *queue.Manager, workers *registry.Registry, recorder *Recorder, queueNames []string) *Collector {
	return &Collector{
		queues:     queues,
		workers:    workers,
		recorder:   recorder,
		queueNames: queueNames,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the sampling loop at the time-series sample interval.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	go func() {
		c.collect(ctx)
		for {
			select {
			case <-ticker.C:
				c.collect(ctx)
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the sampling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	for _, q := range c.queueNames {
		depth, err := c.queues.Depth(ctx, q)
		if err == nil {
			QueueDepth.WithLabelValues(q).Set(float64(depth))
		}
		processing, err := c.queues.ProcessingCount(ctx, q)
		if err == nil {
			QueueProcessingDepth.WithLabelValues(q).Set(float64(processing))
		}
		dlq, err := c.queues.DLQDepth(ctx, q)
		if err == nil {
			QueueDLQDepth.WithLabelValues(q).Set(float64(dlq))
		}
	}

	workers, err := c.workers.List(ctx)
	if err != nil {
		return
	}
	for _, w := range workers {
		WorkerLoadScore.WithLabelValues(w.WorkerID).Set(w.LoadScore)
		WorkerHealthScore.WithLabelValues(w.WorkerID).Set(w.HealthScore)

		snap := c.recorder.Snapshot(w.WorkerID)
		c.recorder.Sample(w.WorkerID, types.MetricSample{
			Throughput:   float64(snap.TasksCompleted),
			Memory:       w.LoadScore,
			ErrorRate:    snap.ErrorRatePerMin,
			ResponseTime: snap.MeanTaskDuration.Seconds(),
		})
	}
}
