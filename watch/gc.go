package watch

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog/log"
)

// Collectable is a registry that can sweep expired registrations
type Collectable interface {
	Kind() string
	Collect(ctx context.Context) int
}

// Collector periodically sweeps registries. Registries also collect on
// their own register calls, so the sweep only bounds how long an expired
// registration lingers between calls.
type Collector struct {
	registries []Collectable
	interval   time.Duration
	clock      clock.Clock

	lifecycleMu sync.Mutex
	running     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// NewCollector creates a collector sweeping registries every interval
func NewCollector(interval time.Duration, clk clock.Clock, registries ...Collectable) *Collector {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Collector{
		registries: registries,
		interval:   interval,
		clock:      clk,
	}
}

// Start begins the sweep loop. A non-positive interval disables it.
func (c *Collector) Start() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.running || c.interval <= 0 {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.loop(c.stopCh, c.doneCh)
}

// Stop ends the sweep loop and waits for it to exit
func (c *Collector) Stop() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if !c.running {
		return
	}
	close(c.stopCh)
	<-c.doneCh
	c.running = false
}

func (c *Collector) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		case <-c.clock.After(c.interval):
			c.Sweep(context.Background())
		}
	}
}

// Sweep collects every registry once
func (c *Collector) Sweep(ctx context.Context) {
	for _, r := range c.registries {
		if n := r.Collect(ctx); n > 0 {
			log.Info().Str("kind", r.Kind()).Int("removed", n).Msg("Collected expired watch registrations")
		}
	}
}
