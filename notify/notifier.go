// Package notify fans out upstream events to in-process subscribers:
// mutation batches written to a project table, and roster changes.
package notify

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/senseeact/notifyd/directory"
)

// RemoteOrigin tags mutations that were synced in from a remote party.
// They never trigger notifications, to avoid notify loops.
const RemoteOrigin = "remote"

// Mutation is one written record, tagged with the subject it belongs to
// and the actor that wrote it.
type Mutation struct {
	Subject string `json:"subject"`
	Origin  string `json:"origin"`
}

// Batch is a set of mutations applied to one table of one partition
type Batch struct {
	Project   string     `json:"project"`
	Partition string     `json:"partition"`
	Table     string     `json:"table"`
	Mutations []Mutation `json:"mutations"`
}

// Filter restricts which batches a subscriber receives.
// Empty Partitions means every partition.
type Filter struct {
	Partitions []string
}

func (f Filter) matches(partition string) bool {
	if len(f.Partitions) == 0 {
		return true
	}
	for _, p := range f.Partitions {
		if p == partition {
			return true
		}
	}
	return false
}

// Subscriber receives events. Either handler may be nil. Handlers run on
// the publishing goroutine and must not block on network I/O.
type Subscriber struct {
	Name     string
	Filter   Filter
	OnBatch  func(Batch)
	OnRoster func(directory.RosterEvent)
}

type subscription struct {
	id  uint64
	sub Subscriber
}

// Hub is a thread-safe registry of subscribers.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Subscribe registers sub and returns an idempotent cancel function.
func (h *Hub) Subscribe(sub Subscriber) func() {
	s := &subscription{
		id:  h.nextID.Add(1),
		sub: sub,
	}

	h.mu.Lock()
	h.subscriptions[s.id] = s
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subscriptions, s.id)
		h.mu.Unlock()
	}
}

// snapshot returns subscriptions in subscribe order
func (h *Hub) snapshot() []*subscription {
	h.mu.RLock()
	subs := make([]*subscription, 0, len(h.subscriptions))
	for _, s := range h.subscriptions {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	return subs
}

// PublishBatch delivers b to every subscriber whose filter matches its partition.
func (h *Hub) PublishBatch(b Batch) {
	if len(b.Mutations) == 0 {
		return
	}
	for _, s := range h.snapshot() {
		if s.sub.OnBatch == nil || !s.sub.Filter.matches(b.Partition) {
			continue
		}
		s.sub.OnBatch(b)
	}
}

// PublishRoster delivers ev to every subscriber with a roster handler.
func (h *Hub) PublishRoster(ev directory.RosterEvent) {
	for _, s := range h.snapshot() {
		if s.sub.OnRoster == nil {
			continue
		}
		s.sub.OnRoster(ev)
	}
}

// Len returns the number of subscribers
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}
