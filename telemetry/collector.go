package telemetry

import (
	"sync"
	"time"
)

// StatsProvider reports how many registrations a registry currently holds
type StatsProvider interface {
	Kind() string
	Count() int
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	providers []StatsProvider
	interval  time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(interval time.Duration, providers ...StatsProvider) *MetricsCollector {
	return &MetricsCollector{
		providers: providers,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	for _, p := range mc.providers {
		if p == nil {
			continue
		}
		ActiveRegistrations.With(p.Kind()).Set(float64(p.Count()))
	}
}
