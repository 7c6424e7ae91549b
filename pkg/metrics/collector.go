package metrics

import "time"

// QueueSource is the minimal view of the group queue the collector
// samples. Defined here (rather than importing pkg/queue) so pkg/queue
// can depend on the package-level counters in metrics.go without pkg/metrics
// ever depending back on pkg/queue.
type QueueSource interface {
	// ActiveCount returns the number of groups currently holding a slot.
	ActiveCount() int
	// QueueDepths returns the number of pending work items per group
	// folder.
	QueueDepths() map[string]int
}

// Collector periodically samples queue-shaped gauges that aren't
// naturally updated at the point of mutation (active_count and
// per-group depth are easier to read off by a sweep than to keep
// perfectly in sync from every enqueue/dequeue site).
type Collector struct {
	source QueueSource
	stopCh chan struct{}
}

// NewCollector creates a metrics collector over the given queue source.
func NewCollector(source QueueSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.source == nil {
		return
	}
	ActiveContainers.Set(float64(c.source.ActiveCount()))
	for folder, depth := range c.source.QueueDepths() {
		QueueDepth.WithLabelValues(folder).Set(float64(depth))
	}
}
