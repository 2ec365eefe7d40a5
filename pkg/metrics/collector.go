package metrics

import (
	"context"
	"time"
)

// StatsSource provides the state counts exported as gauges. The store
// service implements it over its database handle.
type StatsSource interface {
	ProfileCount(ctx context.Context) (int64, error)
	SessionCount(ctx context.Context) (int64, error)
}

// Collector periodically refreshes the state gauges from a StatsSource
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
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
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if n, err := c.source.ProfileCount(ctx); err == nil {
		ProfilesTotal.Set(float64(n))
	}
	if n, err := c.source.SessionCount(ctx); err == nil {
		SessionsTotal.Set(float64(n))
	}
}
