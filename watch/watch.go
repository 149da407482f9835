// Package watch keeps the in-memory registry of watch registrations and
// implements register, watch and unregister for subject and table watches.
//
// Every registry guards its listeners with one mutex. A watch call blocks on
// per-listener channels: wake is closed and replaced when events arrive, and
// cancel is closed and replaced whenever another register or watch call
// targets the same registration, so only the latest waiter survives.
package watch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog/log"
	"github.com/senseeact/notifyd/directory"
	"github.com/senseeact/notifyd/session"
	"github.com/senseeact/notifyd/store"
	"github.com/senseeact/notifyd/telemetry"
)

// ErrNotFound is returned when a registration does not exist or belongs to
// someone else
var ErrNotFound = errors.New("watch registration not found")

// Registration kinds, used as metric labels
const (
	KindSubject = "subject"
	KindTable   = "table"
)

// Watch outcomes
const (
	outcomeEvents    = "events"
	outcomeCancelled = "cancelled"
	outcomeTimeout   = "timeout"
	outcomeStopped   = "stopped"
	outcomeGone      = "client_gone"
)

// Config controls watch timing and expiry
type Config struct {
	Timeout      time.Duration // Max time a watch call blocks
	Expiry       time.Duration // Unwatched registrations without callback are removed after this
	MaxFailCount int           // Callback failures before eviction is considered
	FailWindow   time.Duration // Callback failures must span at least this long
	Clock        clock.Clock
}

// DefaultConfig returns the standard timing
func DefaultConfig() Config {
	return Config{
		Timeout:      60 * time.Second,
		Expiry:       60 * time.Minute,
		MaxFailCount: 5,
		FailWindow:   24 * time.Hour,
		Clock:        clock.WallClock,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Expiry <= 0 {
		c.Expiry = d.Expiry
	}
	if c.MaxFailCount <= 0 {
		c.MaxFailCount = d.MaxFailCount
	}
	if c.FailWindow <= 0 {
		c.FailWindow = d.FailWindow
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	return c
}

// waiter coordinates the single blocked watch call of one listener.
// All fields are guarded by the registry mutex.
type waiter struct {
	wake    chan struct{}
	cancel  chan struct{}
	removed bool
}

func newWaiter() *waiter {
	return &waiter{
		wake:   make(chan struct{}),
		cancel: make(chan struct{}),
	}
}

// notify wakes the current waiter so it re-checks for events
func (w *waiter) notify() {
	close(w.wake)
	w.wake = make(chan struct{})
}

// displace cancels the current waiter and returns the cancel channel of the next one
func (w *waiter) displace() <-chan struct{} {
	close(w.cancel)
	w.cancel = make(chan struct{})
	return w.cancel
}

// remove marks the listener as gone and releases its waiter
func (w *waiter) remove() {
	w.removed = true
	close(w.cancel)
	w.cancel = make(chan struct{})
}

// registry holds the state shared by the subject and table registries
type registry struct {
	kind     string
	cfg      Config
	clock    clock.Clock
	sessions *session.Provider
	dir      directory.Directory

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	waiting int
}

func (r *registry) init(kind string, sessions *session.Provider, dir directory.Directory, cfg Config) {
	cfg = cfg.withDefaults()
	r.kind = kind
	r.cfg = cfg
	r.clock = cfg.Clock
	r.sessions = sessions
	r.dir = dir
	r.stopCh = make(chan struct{})
}

// persist runs fn on a store session, logging and counting failures
func (r *registry) persist(ctx context.Context, op, id string, fn func(st store.Store) error) error {
	err := r.sessions.Do(ctx, fn)
	if err != nil {
		telemetry.StoreErrorsTotal.With(op).Inc()
		log.Error().
			Err(err).
			Str("kind", r.kind).
			Str("registration", id).
			Str("op", op).
			Msg("Failed to persist watch registration")
	}
	return err
}

// await blocks until ready reports true, the waiter is displaced or removed,
// the timeout passes, ctx is done or the registry stops. It is called with
// r.mu held and returns with r.mu held.
func (r *registry) await(ctx context.Context, w *waiter, ready func() bool) string {
	cancel := w.displace()
	timeout := r.clock.After(r.cfg.Timeout)

	for {
		if r.stopped {
			return outcomeStopped
		}
		if w.removed {
			return outcomeCancelled
		}
		if ready() {
			return outcomeEvents
		}

		wake := w.wake
		outcome := ""
		r.waiting++
		telemetry.BlockedWatchers.Inc()
		r.mu.Unlock()
		select {
		case <-wake:
		case <-cancel:
			outcome = outcomeCancelled
		case <-timeout:
			outcome = outcomeTimeout
		case <-ctx.Done():
			outcome = outcomeGone
		case <-r.stopCh:
			outcome = outcomeStopped
		}
		r.mu.Lock()
		r.waiting--
		telemetry.BlockedWatchers.Dec()
		if outcome != "" {
			return outcome
		}
	}
}

// Stop wakes every blocked watch call. Later watch calls return immediately.
func (r *registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	close(r.stopCh)
}

// Waiting returns the number of watch calls currently blocked
func (r *registry) Waiting() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Kind returns the registration kind
func (r *registry) Kind() string {
	return r.kind
}

func (r *registry) observeWatch(start time.Time, outcome string) {
	telemetry.WatchCallsTotal.With(r.kind, outcome).Inc()
	telemetry.WatchDurationSeconds.With(r.kind).Observe(r.clock.Now().Sub(start).Seconds())
}

func (r *registry) expired(lastWatch, now time.Time) bool {
	return lastWatch.Before(now.Add(-r.cfg.Expiry))
}
