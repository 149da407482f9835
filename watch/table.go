package watch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/senseeact/notifyd/callback"
	"github.com/senseeact/notifyd/directory"
	"github.com/senseeact/notifyd/notify"
	"github.com/senseeact/notifyd/session"
	"github.com/senseeact/notifyd/store"
	"github.com/senseeact/notifyd/telemetry"
)

// anySubject indexes listeners without a subject filter
const anySubject = "*"

// Deliverer sends callback deliveries. Deliver must not block on network I/O.
type Deliverer interface {
	Deliver(d callback.Delivery)
}

type tableIndexKey struct {
	partition string
	table     string
	subject   string
}

type tableListener struct {
	reg       *store.TableWatch
	partition string
	gen       uint64
	waiter    *waiter
}

func (l *tableListener) indexKey() tableIndexKey {
	subject := l.reg.Subject
	if subject == "" {
		subject = anySubject
	}
	return tableIndexKey{l.partition, l.reg.Table, subject}
}

func (l *tableListener) delivery() callback.Delivery {
	return callback.Delivery{
		ID:       l.reg.ID,
		URL:      l.reg.CallbackURL,
		Project:  l.reg.Project,
		Table:    l.reg.Table,
		Subjects: append([]string(nil), l.reg.Triggered...),
	}
}

// TableBatch is the result of a table watch call. Pass it to Ack once the
// subjects have been handed to the client.
type TableBatch struct {
	Subjects []string
	id       string
	gen      uint64
}

// TableRegistry tracks table watch registrations and turns mutation batches
// into triggered subjects
type TableRegistry struct {
	registry
	deliverer Deliverer
	byID      map[string]*tableListener
	byKey     map[store.TableWatchKey]*tableListener
	index     map[tableIndexKey][]*tableListener
}

var _ callback.Handler = (*TableRegistry)(nil)

// NewTableRegistry creates an empty registry. Deliveries for callback
// registrations go to deliverer, which may be nil if callbacks are not used.
func NewTableRegistry(sessions *session.Provider, dir directory.Directory, deliverer Deliverer, cfg Config) *TableRegistry {
	r := &TableRegistry{
		deliverer: deliverer,
		byID:      make(map[string]*tableListener),
		byKey:     make(map[store.TableWatchKey]*tableListener),
		index:     make(map[tableIndexKey][]*tableListener),
	}
	r.init(KindTable, sessions, dir, cfg)
	return r
}

// Load restores persisted registrations. Registrations of projects that no
// longer exist are deleted. Pending callbacks are handed to the deliverer.
func (r *TableRegistry) Load(ctx context.Context) error {
	var regs []*store.TableWatch
	err := r.sessions.Do(ctx, func(st store.Store) (err error) {
		regs, err = st.ListTableWatches(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to load table watches: %w", err)
	}

	var pending []callback.Delivery
	r.mu.Lock()
	for _, reg := range regs {
		partition, err := r.partition(ctx, reg.Project)
		if errors.Is(err, directory.ErrNotFound) || (err == nil && partition == "") {
			log.Info().Str("registration", reg.ID).Str("project", reg.Project).Msg("Deleting table watch of unknown project")
			r.persist(ctx, "delete", reg.ID, func(st store.Store) error {
				return st.DeleteTableWatch(ctx, reg.ID)
			})
			continue
		}
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("failed to resolve project of table watch %s: %w", reg.ID, err)
		}
		l := &tableListener{reg: reg, partition: partition, waiter: newWaiter()}
		r.indexLocked(l)
		if reg.HasCallback() && len(reg.Triggered) > 0 {
			pending = append(pending, l.delivery())
		}
	}
	count := len(r.byID)
	r.mu.Unlock()

	r.deliver(pending)
	log.Info().Int("count", count).Msg("Loaded table watch registrations")
	return nil
}

func (r *TableRegistry) partition(ctx context.Context, code string) (string, error) {
	project, err := r.dir.Project(ctx, code)
	if err != nil {
		return "", err
	}
	return r.sessions.Partition(project), nil
}

func (r *TableRegistry) indexLocked(l *tableListener) {
	r.byID[l.reg.ID] = l
	r.byKey[l.reg.Key()] = l
	k := l.indexKey()
	r.index[k] = append(r.index[k], l)
}

func (r *TableRegistry) unindexLocked(l *tableListener) {
	delete(r.byID, l.reg.ID)
	delete(r.byKey, l.reg.Key())
	k := l.indexKey()
	list := r.index[k]
	for i, other := range list {
		if other == l {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.index, k)
	} else {
		r.index[k] = list
	}
}

// Register returns the registration for key, creating it if needed. An
// existing registration is refreshed, its blocked watch call is cancelled,
// and with reset its triggered subjects are dropped.
func (r *TableRegistry) Register(ctx context.Context, key store.TableWatchKey, reset bool) (string, error) {
	r.Collect(ctx)

	partition, err := r.partition(ctx, key.Project)
	if err != nil {
		return "", fmt.Errorf("failed to resolve project %s: %w", key.Project, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l := r.byKey[key]; l != nil {
		l.waiter.displace()
		l.reg.LastWatch = r.clock.Now()
		if reset {
			l.reg.Triggered = nil
			l.gen++
		}
		if err := r.saveLocked(ctx, l); err != nil {
			telemetry.WatchRegistrationsTotal.With(r.kind, "error").Inc()
			return "", err
		}
		telemetry.WatchRegistrationsTotal.With(r.kind, "refreshed").Inc()
		return l.reg.ID, nil
	}

	l := &tableListener{
		reg: &store.TableWatch{
			ID:          store.NewID(),
			User:        key.User,
			Project:     key.Project,
			Table:       key.Table,
			Subject:     key.Subject,
			CallbackURL: key.CallbackURL,
			LastWatch:   r.clock.Now(),
		},
		partition: partition,
		waiter:    newWaiter(),
	}
	if err := r.saveLocked(ctx, l); err != nil {
		telemetry.WatchRegistrationsTotal.With(r.kind, "error").Inc()
		return "", err
	}
	r.indexLocked(l)
	telemetry.WatchRegistrationsTotal.With(r.kind, "created").Inc()
	log.Debug().
		Str("registration", l.reg.ID).
		Str("user", key.User).
		Str("project", key.Project).
		Str("table", key.Table).
		Str("subject", key.Subject).
		Bool("callback", key.CallbackURL != "").
		Msg("Registered table watch")
	return l.reg.ID, nil
}

func (r *TableRegistry) saveLocked(ctx context.Context, l *tableListener) error {
	reg := l.reg.Clone()
	return r.persist(ctx, "update", reg.ID, func(st store.Store) error {
		return st.PutTableWatch(ctx, reg)
	})
}

// Get returns a copy of a registration
func (r *TableRegistry) Get(id string) (*store.TableWatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.byID[id]
	if l == nil {
		return nil, ErrNotFound
	}
	return l.reg.Clone(), nil
}

// Watch blocks until the registration has triggered subjects, the call is
// cancelled by another register or watch call, or the timeout passes.
// Subjects stay triggered until acknowledged.
func (r *TableRegistry) Watch(ctx context.Context, userID, project, table, id string) (TableBatch, error) {
	start := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.byID[id]
	if l == nil || l.reg.User != userID || l.reg.Project != project || l.reg.Table != table {
		return TableBatch{}, ErrNotFound
	}

	l.reg.LastWatch = start
	r.saveLocked(ctx, l)

	outcome := r.await(ctx, l.waiter, func() bool { return len(l.reg.Triggered) > 0 })
	r.observeWatch(start, outcome)
	if outcome != outcomeEvents {
		return TableBatch{Subjects: []string{}}, nil
	}
	return TableBatch{
		Subjects: append([]string(nil), l.reg.Triggered...),
		id:       id,
		gen:      l.gen,
	}, nil
}

// Ack removes the subjects of b from the triggered set. It is a no-op if
// the set was reset since b was returned.
func (r *TableRegistry) Ack(ctx context.Context, b TableBatch) error {
	if len(b.Subjects) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.byID[b.id]
	if l == nil || l.gen != b.gen {
		return nil
	}
	l.reg.Triggered = store.RemoveSubjects(l.reg.Triggered, b.Subjects...)
	return r.saveLocked(ctx, l)
}

// Unregister removes a registration. Unknown ids and registrations of other
// users are ignored.
func (r *TableRegistry) Unregister(ctx context.Context, userID, project, table, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.byID[id]
	if l == nil || l.reg.User != userID || l.reg.Project != project || l.reg.Table != table {
		return nil
	}
	return r.removeLocked(ctx, l, "unregistered")
}

// removeLocked deletes l from the store, then from the registry
func (r *TableRegistry) removeLocked(ctx context.Context, l *tableListener, reason string) error {
	id := l.reg.ID
	err := r.persist(ctx, "delete", id, func(st store.Store) error {
		return st.DeleteTableWatch(ctx, id)
	})
	if err != nil {
		return err
	}
	r.unindexLocked(l)
	l.waiter.remove()
	telemetry.GCEvictionsTotal.With(r.kind, reason).Inc()
	log.Info().
		Str("registration", id).
		Str("project", l.reg.Project).
		Str("table", l.reg.Table).
		Str("subject", l.reg.Subject).
		Str("reason", reason).
		Msg("Removed table watch")
	return nil
}

// Collect removes idle registrations without callback and callback
// registrations that kept failing for the whole failure window. It returns
// how many were removed.
func (r *TableRegistry) Collect(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collectLocked(ctx)
}

func (r *TableRegistry) collectLocked(ctx context.Context) int {
	now := r.clock.Now()
	removed := 0
	for _, l := range r.sortedLocked() {
		reason := r.evictionReason(l.reg, now)
		if reason == "" {
			continue
		}
		if r.removeLocked(ctx, l, reason) == nil {
			removed++
		}
	}
	return removed
}

func (r *TableRegistry) evictionReason(reg *store.TableWatch, now time.Time) string {
	if reg.HasCallback() {
		if reg.CallbackFailCount >= r.cfg.MaxFailCount && reg.CallbackFailStart.Before(now.Add(-r.cfg.FailWindow)) {
			return "callback_failed"
		}
		return ""
	}
	if r.expired(reg.LastWatch, now) {
		return "idle"
	}
	return ""
}

func (r *TableRegistry) sortedLocked() []*tableListener {
	out := make([]*tableListener, 0, len(r.byID))
	for _, l := range r.byID {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].reg.ID < out[j].reg.ID })
	return out
}

// Count returns the number of registrations
func (r *TableRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// OnBatch merges the subjects of local mutations into the triggered sets of
// matching listeners, wakes their waiters and starts callback deliveries
func (r *TableRegistry) OnBatch(b notify.Batch) {
	ctx := context.Background()

	r.mu.Lock()
	hits := make(map[*tableListener][]string)
	var order []*tableListener
	add := func(l *tableListener, subject string) {
		if _, ok := hits[l]; !ok {
			order = append(order, l)
		}
		hits[l] = append(hits[l], subject)
	}
	for _, m := range b.Mutations {
		if m.Origin == notify.RemoteOrigin || m.Subject == "" {
			continue
		}
		for _, l := range r.index[tableIndexKey{b.Partition, b.Table, anySubject}] {
			add(l, m.Subject)
		}
		for _, l := range r.index[tableIndexKey{b.Partition, b.Table, m.Subject}] {
			add(l, m.Subject)
		}
	}

	var deliveries []callback.Delivery
	for _, l := range order {
		merged, changed := store.MergeSubjects(append([]string(nil), l.reg.Triggered...), hits[l]...)
		if changed {
			// The triggered set only changes once it is stored
			reg := l.reg.Clone()
			reg.Triggered = merged
			err := r.persist(ctx, "update", reg.ID, func(st store.Store) error {
				return st.PutTableWatch(ctx, reg)
			})
			if err != nil {
				continue
			}
			l.reg.Triggered = merged
			l.waiter.notify()
		}
		if l.reg.HasCallback() && len(l.reg.Triggered) > 0 {
			deliveries = append(deliveries, l.delivery())
		}
	}
	r.mu.Unlock()

	r.deliver(deliveries)
}

func (r *TableRegistry) deliver(deliveries []callback.Delivery) {
	if r.deliverer == nil {
		return
	}
	for _, d := range deliveries {
		r.deliverer.Deliver(d)
	}
}

// Delivered resets the failure state of a callback registration and removes
// the delivered subjects from its triggered set
func (r *TableRegistry) Delivered(ctx context.Context, id string, subjects []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.byID[id]
	if l == nil {
		return
	}
	l.reg.CallbackFailCount = 0
	l.reg.CallbackFailStart = time.Time{}
	l.reg.Triggered = store.RemoveSubjects(l.reg.Triggered, subjects...)
	r.saveLocked(ctx, l)
}

// Expired removes a registration whose callback endpoint asked for it
func (r *TableRegistry) Expired(ctx context.Context, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l := r.byID[id]; l != nil {
		r.removeLocked(ctx, l, "callback_expired")
	}
}

// Failed counts a failed delivery and runs eviction. It returns the
// failure count and whether the registration was removed.
func (r *TableRegistry) Failed(ctx context.Context, id string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.byID[id]
	if l == nil {
		return 0, true
	}
	if l.reg.CallbackFailCount == 0 {
		l.reg.CallbackFailCount = 1
		l.reg.CallbackFailStart = r.clock.Now()
	} else {
		l.reg.CallbackFailCount++
	}
	failures := l.reg.CallbackFailCount
	r.saveLocked(ctx, l)
	r.collectLocked(ctx)
	_, ok := r.byID[id]
	return failures, !ok
}

// Pending returns the current delivery of a callback registration, if any
// subjects are triggered
func (r *TableRegistry) Pending(id string) (callback.Delivery, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.byID[id]
	if l == nil || !l.reg.HasCallback() || len(l.reg.Triggered) == 0 {
		return callback.Delivery{}, false
	}
	return l.delivery(), true
}
