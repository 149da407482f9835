// Package session hands out short-lived handles to the registration store.
//
// A base connection is shared by every session opened while it is younger
// than MinKeep. Older connections are closed as soon as their last session is
// released, and closed regardless of open sessions once older than MaxKeep.
// A cleaner applies the same rules periodically.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog/log"
	"github.com/senseeact/notifyd/directory"
	"github.com/senseeact/notifyd/store"
	"github.com/senseeact/notifyd/telemetry"
)

// ErrClosed is returned by Open after Close
var ErrClosed = errors.New("session provider closed")

// Opener opens a new base connection to the store
type Opener func(ctx context.Context) (store.Store, error)

// Config controls connection reuse
type Config struct {
	MinKeep         time.Duration
	MaxKeep         time.Duration
	CleanInterval   time.Duration
	PartitionPrefix string
	Clock           clock.Clock
}

// DefaultConfig returns the standard keep times
func DefaultConfig() Config {
	return Config{
		MinKeep:         5 * time.Minute,
		MaxKeep:         10 * time.Minute,
		CleanInterval:   time.Minute,
		PartitionPrefix: "senseeact",
		Clock:           clock.WallClock,
	}
}

type baseConn struct {
	store    store.Store
	openedAt time.Time
	sessions map[*Session]struct{}
	closed   bool
}

// Provider manages base connections and the sessions sharing them
type Provider struct {
	open  Opener
	cfg   Config
	clock clock.Clock

	mu     sync.Mutex
	conns  []*baseConn
	closed bool

	lifecycleMu sync.Mutex
	running     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// NewProvider creates a provider. Call Start to run the periodic cleaner.
func NewProvider(open Opener, cfg Config) *Provider {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.MinKeep <= 0 {
		cfg.MinKeep = 5 * time.Minute
	}
	if cfg.MaxKeep < cfg.MinKeep {
		cfg.MaxKeep = 2 * cfg.MinKeep
	}
	if cfg.CleanInterval <= 0 {
		cfg.CleanInterval = time.Minute
	}
	return &Provider{
		open:  open,
		cfg:   cfg,
		clock: cfg.Clock,
	}
}

// Session is a store handle. Close releases it back to the provider;
// it does not close the underlying connection.
type Session struct {
	store.Store
	provider *Provider
	base     *baseConn
	once     sync.Once
}

// Close releases the session
func (s *Session) Close() error {
	s.once.Do(func() {
		s.provider.release(s)
	})
	return nil
}

// Open returns a session on a reusable base connection, opening a new
// connection if none is reusable.
func (p *Provider) Open(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if bc := p.findReusableLocked(); bc != nil {
		s := p.attachLocked(bc)
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	// Connect outside the lock; another caller may win the race
	st, err := p.open(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		st.Close()
		return nil, ErrClosed
	}
	if bc := p.findReusableLocked(); bc != nil {
		st.Close()
		log.Trace().Msg("Reused simultaneously opened store connection")
		return p.attachLocked(bc), nil
	}

	bc := &baseConn{
		store:    st,
		openedAt: p.clock.Now(),
		sessions: make(map[*Session]struct{}),
	}
	p.conns = append(p.conns, bc)
	telemetry.SessionsOpen.Inc()
	log.Trace().Msg("Opened new store connection")
	return p.attachLocked(bc), nil
}

// Do runs fn with a session that is released afterwards
func (p *Provider) Do(ctx context.Context, fn func(st store.Store) error) error {
	s, err := p.Open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func (p *Provider) attachLocked(bc *baseConn) *Session {
	s := &Session{Store: bc.store, provider: p, base: bc}
	bc.sessions[s] = struct{}{}
	return s
}

// findReusableLocked drops expired connections and returns the first
// connection young enough to share.
func (p *Provider) findReusableLocked() *baseConn {
	now := p.clock.Now()
	var found *baseConn
	kept := p.conns[:0]
	for _, bc := range p.conns {
		remove, reusable := p.cleanLocked(bc, now)
		if remove {
			continue
		}
		kept = append(kept, bc)
		if reusable && found == nil {
			found = bc
		}
	}
	p.conns = kept
	return found
}

// cleanLocked closes bc if it expired and reports whether it was removed
// and whether it may still be shared.
func (p *Provider) cleanLocked(bc *baseConn, now time.Time) (remove, reusable bool) {
	age := now.Sub(bc.openedAt)
	if age <= p.cfg.MinKeep {
		return false, true
	}
	if age > p.cfg.MaxKeep {
		if len(bc.sessions) > 0 {
			log.Warn().
				Dur("age", age).
				Int("sessions", len(bc.sessions)).
				Msg("Closing store connection that has been open too long")
			telemetry.SessionsForceClosedTotal.Inc()
		}
		p.closeConn(bc)
		return true, false
	}
	if len(bc.sessions) == 0 {
		p.closeConn(bc)
		return true, false
	}
	return false, false
}

func (p *Provider) closeConn(bc *baseConn) {
	if bc.closed {
		return
	}
	bc.closed = true
	if err := bc.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close store connection")
	}
	telemetry.SessionsOpen.Dec()
}

func (p *Provider) release(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	delete(s.base.sessions, s)
	if s.base.closed {
		return
	}
	if remove, _ := p.cleanLocked(s.base, p.clock.Now()); remove {
		for i, bc := range p.conns {
			if bc == s.base {
				p.conns = append(p.conns[:i], p.conns[i+1:]...)
				break
			}
		}
	}
}

// Clean closes expired connections
func (p *Provider) Clean() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	now := p.clock.Now()
	kept := p.conns[:0]
	for _, bc := range p.conns {
		if remove, _ := p.cleanLocked(bc, now); !remove {
			kept = append(kept, bc)
		}
	}
	p.conns = kept
}

// OpenConnections returns the number of base connections
func (p *Provider) OpenConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Start runs the periodic cleaner
func (p *Provider) Start() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.cleanLoop(p.stopCh, p.doneCh)
}

func (p *Provider) cleanLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		case <-p.clock.After(p.cfg.CleanInterval):
			p.Clean()
		}
	}
}

// Close stops the cleaner and closes all connections. Open fails afterwards.
func (p *Provider) Close() error {
	p.lifecycleMu.Lock()
	if p.running {
		close(p.stopCh)
		<-p.doneCh
		p.running = false
	}
	p.lifecycleMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, bc := range p.conns {
		p.closeConn(bc)
	}
	p.conns = nil
	log.Info().Msg("Closed session provider and store connections")
	return nil
}

// Partition returns the data partition name of a project, or "" for a
// project without tables.
func (p *Provider) Partition(project *directory.Project) string {
	return PartitionName(p.cfg.PartitionPrefix, project)
}

// PartitionName builds <prefix>_<project>_samples
func PartitionName(prefix string, project *directory.Project) string {
	if project == nil || len(project.Tables) == 0 {
		return ""
	}
	return prefix + "_" + project.Code + "_samples"
}

// Shared adapts a single long-lived store, such as an embedded database
// that cannot be opened twice, into an Opener. Closing base connections
// opened this way leaves the store open.
func Shared(st store.Store) Opener {
	return func(context.Context) (store.Store, error) {
		return sharedStore{st}, nil
	}
}

type sharedStore struct {
	store.Store
}

func (sharedStore) Close() error { return nil }
