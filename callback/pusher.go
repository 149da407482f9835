// Package callback delivers table watch notifications to registrant HTTP
// endpoints. Deliveries for one registration never overlap: a delivery
// requested while another is in flight is queued, and only the latest queued
// snapshot is sent once the running one finishes.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"github.com/senseeact/notifyd/telemetry"
)

// ExpiredError is the error value a callback endpoint returns with a 404 to
// ask for its registration to be deleted
const ExpiredError = "callback_expired"

const (
	DefaultTimeout         = 10 * time.Second
	DefaultRetryInitial    = time.Minute
	DefaultRetryMax        = time.Hour
	DefaultRetryMultiplier = 2.0

	maxErrorBody = 64 * 1024
)

// Delivery is a snapshot of a registration's triggered subjects
type Delivery struct {
	ID       string
	URL      string
	Project  string
	Table    string
	Subjects []string
}

// Payload is the JSON body posted to callback endpoints
type Payload struct {
	Project  string   `json:"project"`
	Table    string   `json:"table"`
	Subjects []string `json:"subjects"`
}

// Handler records delivery results on the registration
type Handler interface {
	// Delivered resets the failure state and clears the delivered subjects
	Delivered(ctx context.Context, id string, subjects []string)
	// Expired deletes the registration
	Expired(ctx context.Context, id string)
	// Failed counts a failure and returns the failure count and whether
	// the registration was evicted
	Failed(ctx context.Context, id string) (int, bool)
	// Pending returns the current snapshot for a redelivery
	Pending(id string) (Delivery, bool)
}

// Config controls delivery
type Config struct {
	Timeout         time.Duration // HTTP timeout per attempt
	RetryInitial    time.Duration // Redelivery delay after the first failure
	RetryMax        time.Duration // Cap on the redelivery delay
	RetryMultiplier float64       // Backoff multiplier per further failure
	DisableRetry    bool          // Only deliver when new mutations arrive
	Clock           clock.Clock
	Client          *http.Client // Optional; built from Timeout if nil
}

type result string

const (
	resultOK      result = "ok"
	resultExpired result = "expired"
	resultFailed  result = "failed"
)

// retry is a scheduled redelivery
type retry struct {
	timer clock.Timer
}

// slot tracks the delivery state of one registration
type slot struct {
	running bool
	next    *Delivery
}

// Pusher posts deliveries to callback endpoints, one at a time per registration
type Pusher struct {
	cfg     Config
	client  *http.Client
	clock   clock.Clock
	handler Handler

	slots  *xsync.MapOf[string, slot]
	timers *xsync.MapOf[string, *retry]

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewPusher creates a pusher. Bind must be called before the first delivery.
func NewPusher(cfg Config) *Pusher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = DefaultRetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultRetryMax
	}
	if cfg.RetryMultiplier < 1 {
		cfg.RetryMultiplier = DefaultRetryMultiplier
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Pusher{
		cfg:    cfg,
		client: client,
		clock:  cfg.Clock,
		slots:  xsync.NewMapOf[string, slot](),
		timers: xsync.NewMapOf[string, *retry](),
	}
}

// Bind sets the handler that records delivery results
func (p *Pusher) Bind(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Deliver starts delivering d in the background, or queues it behind the
// delivery already running for the same registration
func (p *Pusher) Deliver(d Delivery) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped || p.handler == nil {
		log.Warn().Str("registration", d.ID).Msg("Dropping callback delivery, pusher not running")
		return
	}

	start := false
	p.slots.Compute(d.ID, func(st slot, loaded bool) (slot, bool) {
		if loaded && st.running {
			queued := d
			st.next = &queued
			return st, false
		}
		start = true
		return slot{running: true}, false
	})
	if !start {
		return
	}
	p.wg.Add(1)
	go p.run(d)
}

func (p *Pusher) run(d Delivery) {
	defer p.wg.Done()
	for {
		p.attempt(d)

		var next *Delivery
		p.slots.Compute(d.ID, func(st slot, loaded bool) (slot, bool) {
			if st.next == nil {
				return st, true
			}
			next = st.next
			st.next = nil
			return st, false
		})
		if next == nil {
			return
		}
		d = *next
	}
}

func (p *Pusher) attempt(d Delivery) {
	ctx := context.Background()
	start := p.clock.Now()
	res, err := p.post(ctx, d)
	telemetry.CallbackDurationSeconds.Observe(p.clock.Now().Sub(start).Seconds())
	telemetry.CallbackDeliveriesTotal.With(string(res)).Inc()

	switch res {
	case resultOK:
		p.cancelRetry(d.ID)
		p.handler.Delivered(ctx, d.ID, d.Subjects)
		log.Debug().
			Str("registration", d.ID).
			Int("subjects", len(d.Subjects)).
			Msg("Delivered callback")

	case resultExpired:
		p.cancelRetry(d.ID)
		log.Info().
			Str("registration", d.ID).
			Str("url", d.URL).
			Msg("Callback endpoint expired the registration")
		p.handler.Expired(ctx, d.ID)

	default:
		failures, removed := p.handler.Failed(ctx, d.ID)
		log.Warn().
			Err(err).
			Str("registration", d.ID).
			Str("url", d.URL).
			Int("failures", failures).
			Bool("evicted", removed).
			Msg("Callback delivery failed")
		if removed {
			p.cancelRetry(d.ID)
			return
		}
		p.scheduleRetry(d.ID, failures)
	}
}

// post sends one delivery and classifies the response
func (p *Pusher) post(ctx context.Context, d Delivery) (result, error) {
	body, err := json.Marshal(Payload{Project: d.Project, Table: d.Table, Subjects: d.Subjects})
	if err != nil {
		return resultFailed, fmt.Errorf("failed to encode callback payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return resultFailed, fmt.Errorf("failed to create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return resultFailed, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return resultOK, nil
	}
	if resp.StatusCode == http.StatusNotFound && isExpired(resp.Body) {
		return resultExpired, nil
	}
	return resultFailed, fmt.Errorf("callback returned status %d", resp.StatusCode)
}

func isExpired(body io.Reader) bool {
	var msg struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(body, maxErrorBody)).Decode(&msg); err != nil {
		return false
	}
	return strings.EqualFold(msg.Error, ExpiredError)
}

// retryDelay returns the redelivery delay after the given number of failures
func (p *Pusher) retryDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := float64(p.cfg.RetryInitial) * math.Pow(p.cfg.RetryMultiplier, float64(failures-1))
	if delay > float64(p.cfg.RetryMax) {
		return p.cfg.RetryMax
	}
	return time.Duration(delay)
}

// scheduleRetry redelivers the registration's current triggered subjects
// after the backoff delay, replacing any earlier scheduled retry
func (p *Pusher) scheduleRetry(id string, failures int) {
	if p.cfg.DisableRetry {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return
	}

	delay := p.retryDelay(failures)
	rt := &retry{}
	rt.timer = p.clock.AfterFunc(delay, func() {
		p.timers.Compute(id, func(old *retry, loaded bool) (*retry, bool) {
			return old, loaded && old == rt
		})
		if d, ok := p.handler.Pending(id); ok {
			p.Deliver(d)
		}
	})
	if old, loaded := p.timers.LoadAndStore(id, rt); loaded {
		old.timer.Stop()
	}
	telemetry.CallbackRetriesScheduled.Inc()
	log.Debug().Str("registration", id).Dur("delay", delay).Msg("Scheduled callback redelivery")
}

func (p *Pusher) cancelRetry(id string) {
	if rt, ok := p.timers.LoadAndDelete(id); ok {
		rt.timer.Stop()
	}
}

// Stop cancels scheduled redeliveries and waits for running deliveries to
// finish. Each delivery is bounded by the HTTP timeout.
func (p *Pusher) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.timers.Range(func(id string, rt *retry) bool {
		rt.timer.Stop()
		p.timers.Delete(id)
		return true
	})
	p.wg.Wait()
	log.Info().Msg("Callback pusher stopped")
}
