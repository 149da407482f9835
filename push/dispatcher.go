// Package push sends mobile push messages when project tables change.
//
// Registrations are indexed by (database, table, user) for every project
// table their restriction accepts. Mutation batches queue updates, and a
// single worker sends them through a Gateway in order. A transient gateway
// error puts the update back at the head of the queue and pauses the worker,
// so one failing update holds back everything behind it.
package push

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog/log"
	"github.com/senseeact/notifyd/directory"
	"github.com/senseeact/notifyd/notify"
	"github.com/senseeact/notifyd/session"
	"github.com/senseeact/notifyd/store"
	"github.com/senseeact/notifyd/telemetry"
)

// Kind is the registration kind used as metric label
const Kind = "push"

// DefaultRetryDelay is the pause after a transient gateway error
const DefaultRetryDelay = 10 * time.Second

var (
	// ErrNoTables is returned when registering for a project without data tables
	ErrNoTables = errors.New("project has no tables")

	// ErrInvalidRestriction is returned for malformed table patterns
	ErrInvalidRestriction = errors.New("invalid table restriction")
)

// Update is a pending push for one table. An empty User means every user
// registered for the table.
type Update struct {
	Database string
	Project  string
	Table    string
	User     string
}

// Data returns the push message payload
func (u Update) Data() map[string]string {
	return map[string]string{
		"project": u.Project,
		"user":    u.User,
		"table":   u.Table,
	}
}

// Config controls the dispatcher
type Config struct {
	RetryDelay time.Duration
	Clock      clock.Clock
}

type tableKey struct {
	database string
	table    string
}

// entry is an indexed registration. Entries are replaced, never modified.
type entry struct {
	reg    *store.PushRegistration
	tables []string
}

// Dispatcher owns the push registration index and the push worker
type Dispatcher struct {
	gateway  Gateway
	sessions *session.Provider
	dir      directory.Directory
	cfg      Config
	clock    clock.Clock

	mu      sync.Mutex
	stopped bool
	byID    map[string]*entry
	byKey   map[store.PushKey]*entry
	index   map[tableKey]map[string][]*entry
	queue   []Update
	wake    chan struct{}
	loaded  chan struct{}

	lifecycleMu sync.Mutex
	running     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	cancel      context.CancelFunc
}

// NewDispatcher creates a dispatcher. Start loads the stored registrations
// and runs the worker.
func NewDispatcher(gw Gateway, sessions *session.Provider, dir directory.Directory, cfg Config) *Dispatcher {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Dispatcher{
		gateway:  gw,
		sessions: sessions,
		dir:      dir,
		cfg:      cfg,
		clock:    cfg.Clock,
		byID:     make(map[string]*entry),
		byKey:    make(map[store.PushKey]*entry),
		index:    make(map[tableKey]map[string][]*entry),
		wake:     make(chan struct{}, 1),
		loaded:   make(chan struct{}),
	}
}

// Start loads registrations, retrying until the store answers, and then
// processes queued updates until Stop
func (d *Dispatcher) Start() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	if d.running {
		return
	}

	d.mu.Lock()
	d.stopped = false
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	d.running = true
	d.cancel = cancel
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.run(ctx, d.stopCh, d.doneCh)

	log.Info().Dur("retry_delay", d.cfg.RetryDelay).Msg("Push dispatcher started")
}

// Stop ends the worker and waits for it to exit. Updates still queued are dropped.
func (d *Dispatcher) Stop() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	if !d.running {
		return
	}

	d.mu.Lock()
	d.stopped = true
	dropped := len(d.queue)
	d.queue = nil
	d.mu.Unlock()

	close(d.stopCh)
	d.cancel()
	<-d.doneCh
	d.running = false

	log.Info().Int("dropped", dropped).Msg("Push dispatcher stopped")
}

// Loaded is closed once the stored registrations have been indexed
func (d *Dispatcher) Loaded() <-chan struct{} {
	return d.loaded
}

func (d *Dispatcher) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	select {
	case <-d.loaded:
	default:
		if !d.load(ctx, stopCh) {
			return
		}
		close(d.loaded)
	}

	for {
		u, ok := d.next(stopCh)
		if !ok {
			return
		}
		if d.pushUpdate(ctx, u) {
			continue
		}
		d.requeue(u)
		if !d.sleep(stopCh, d.cfg.RetryDelay) {
			return
		}
	}
}

func (d *Dispatcher) load(ctx context.Context, stopCh <-chan struct{}) bool {
	var regs []*store.PushRegistration
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return d.sessions.Do(ctx, func(st store.Store) error {
				var err error
				regs, err = st.ListPushRegistrations(ctx)
				return err
			})
		},
		NotifyFunc: func(err error, attempt int) {
			telemetry.StoreErrorsTotal.With("list_push").Inc()
			log.Error().Err(err).Int("attempt", attempt).Msg("Can't read push registrations")
		},
		Attempts: -1,
		Delay:    d.cfg.RetryDelay,
		Clock:    d.clock,
		Stop:     stopCh,
	})
	if err != nil {
		if !retry.IsRetryStopped(err) {
			log.Error().Err(err).Msg("Giving up reading push registrations")
		}
		return false
	}

	for _, reg := range regs {
		select {
		case <-stopCh:
			return false
		default:
		}
		d.add(ctx, reg)
	}
	log.Info().Int("registrations", d.Count()).Msg("Loaded push registrations")
	return true
}

// add indexes a stored registration. Registrations of projects that no
// longer exist are deleted.
func (d *Dispatcher) add(ctx context.Context, reg *store.PushRegistration) {
	project, err := d.dir.Project(ctx, reg.Project)
	if errors.Is(err, directory.ErrNotFound) {
		log.Info().
			Str("registration", reg.ID).
			Str("project", reg.Project).
			Msg("Removing push registration for non-existing project")
		d.deleteStored(ctx, reg.ID)
		telemetry.GCEvictionsTotal.With(Kind, "project_gone").Inc()
		return
	}
	if err != nil {
		log.Error().Err(err).Str("registration", reg.ID).Msg("Failed to resolve push registration project")
		return
	}

	restriction, err := NewRestriction(reg.IncludeTables, reg.ExcludeTables)
	if err != nil {
		log.Warn().Err(err).Str("registration", reg.ID).Msg("Skipping push registration with invalid restriction")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.indexLocked(&entry{reg: reg, tables: restriction.Tables(project.Tables)})
}

// Register creates or refreshes the push registration of a device
func (d *Dispatcher) Register(ctx context.Context, user, projectCode, deviceID, token string, include, exclude []string) (*store.PushRegistration, error) {
	project, err := d.dir.Project(ctx, projectCode)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project %s: %w", projectCode, err)
	}
	database := d.sessions.Partition(project)
	if database == "" {
		return nil, fmt.Errorf("project %s: %w", projectCode, ErrNoTables)
	}
	restriction, err := NewRestriction(include, exclude)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRestriction, err)
	}

	key := store.PushKey{User: user, Project: projectCode, Database: database, DeviceID: deviceID}

	d.mu.Lock()
	defer d.mu.Unlock()

	reg := &store.PushRegistration{
		Database:      database,
		Project:       projectCode,
		User:          user,
		DeviceID:      deviceID,
		Token:         token,
		IncludeTables: include,
		ExcludeTables: exclude,
	}
	err = d.sessions.Do(ctx, func(st store.Store) error {
		if old, ok := d.byKey[key]; ok {
			reg.ID = old.reg.ID
		} else if old, err := st.FindPushRegistration(ctx, key); err == nil {
			reg.ID = old.ID
		} else if errors.Is(err, store.ErrNotFound) {
			reg.ID = store.NewID()
		} else {
			return err
		}
		return st.PutPushRegistration(ctx, reg)
	})
	if err != nil {
		telemetry.StoreErrorsTotal.With("put_push").Inc()
		return nil, fmt.Errorf("failed to save push registration: %w", err)
	}

	e := &entry{reg: reg, tables: restriction.Tables(project.Tables)}
	d.indexLocked(e)

	log.Info().
		Str("registration", reg.ID).
		Str("user", user).
		Str("project", projectCode).
		Str("device", deviceID).
		Int("tables", len(e.tables)).
		Msg("Registered push device")
	return reg.Clone(), nil
}

// Unregister deletes the push registration of a device. Unknown devices are ignored.
func (d *Dispatcher) Unregister(ctx context.Context, user, projectCode, deviceID string) error {
	project, err := d.dir.Project(ctx, projectCode)
	if errors.Is(err, directory.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to resolve project %s: %w", projectCode, err)
	}
	key := store.PushKey{User: user, Project: projectCode, Database: d.sessions.Partition(project), DeviceID: deviceID}

	d.mu.Lock()
	defer d.mu.Unlock()

	err = d.sessions.Do(ctx, func(st store.Store) error {
		reg, err := st.FindPushRegistration(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return st.DeletePushRegistration(ctx, reg.ID)
	})
	if err != nil {
		telemetry.StoreErrorsTotal.With("delete_push").Inc()
		return fmt.Errorf("failed to delete push registration: %w", err)
	}
	if e, ok := d.byKey[key]; ok {
		d.unindexLocked(e)
		telemetry.GCEvictionsTotal.With(Kind, "unregistered").Inc()
	}
	return nil
}

// RemoveDevice drops the device's registrations for user in database from
// the index. Stored registrations are kept.
func (d *Dispatcher) RemoveDevice(database, user, deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.byID {
		if e.reg.Database == database && e.reg.User == user && e.reg.DeviceID == deviceID {
			d.unindexLocked(e)
		}
	}
}

// RemoveUserProject drops all of user's registrations for project from the
// index. Stored registrations are kept.
func (d *Dispatcher) RemoveUserProject(user, project string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for _, e := range d.byID {
		if e.reg.Project == project && e.reg.User == user {
			d.unindexLocked(e)
			removed++
		}
	}
	if removed > 0 {
		log.Info().
			Str("user", user).
			Str("project", project).
			Int("registrations", removed).
			Msg("Dropped push registrations of user removed from project")
	}
}

// indexLocked adds e, replacing any entry with the same ID or key
func (d *Dispatcher) indexLocked(e *entry) {
	if old, ok := d.byID[e.reg.ID]; ok {
		d.unindexLocked(old)
	}
	if old, ok := d.byKey[e.reg.Key()]; ok {
		d.unindexLocked(old)
	}
	d.byID[e.reg.ID] = e
	d.byKey[e.reg.Key()] = e
	for _, table := range e.tables {
		tk := tableKey{database: e.reg.Database, table: table}
		users := d.index[tk]
		if users == nil {
			users = make(map[string][]*entry)
			d.index[tk] = users
		}
		users[e.reg.User] = append(users[e.reg.User], e)
	}
}

func (d *Dispatcher) unindexLocked(e *entry) {
	if d.byID[e.reg.ID] == e {
		delete(d.byID, e.reg.ID)
	}
	if d.byKey[e.reg.Key()] == e {
		delete(d.byKey, e.reg.Key())
	}
	for _, table := range e.tables {
		tk := tableKey{database: e.reg.Database, table: table}
		users := d.index[tk]
		list := users[e.reg.User]
		for i, other := range list {
			if other == e {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(users, e.reg.User)
		} else {
			users[e.reg.User] = list
		}
		if len(users) == 0 {
			delete(d.index, tk)
		}
	}
}

// OnBatch queues the updates caused by a mutation batch. Mutations synced
// in from a remote party, or written by the subject itself, are skipped.
// Mutations without subject belong to a shared table and queue one
// table-wide update.
func (d *Dispatcher) OnBatch(b notify.Batch) {
	var updates []Update
	tableWide := false
	seen := make(map[string]bool)
	for _, m := range b.Mutations {
		if m.Origin == notify.RemoteOrigin {
			continue
		}
		if m.Subject == "" {
			tableWide = true
			continue
		}
		if m.Origin == m.Subject || seen[m.Subject] {
			continue
		}
		seen[m.Subject] = true
		updates = append(updates, Update{Database: b.Partition, Project: b.Project, Table: b.Table, User: m.Subject})
	}
	if tableWide {
		updates = []Update{{Database: b.Partition, Project: b.Project, Table: b.Table}}
	}
	if len(updates) > 0 {
		d.enqueue(updates...)
	}
}

// OnRoster drops registrations of users removed from a project
func (d *Dispatcher) OnRoster(ev directory.RosterEvent) {
	if ev.Kind == directory.RemovedFromProject {
		d.RemoveUserProject(ev.User.ID, ev.Project)
	}
}

// enqueue appends updates that are not already pending
func (d *Dispatcher) enqueue(updates ...Update) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	added := false
	for _, u := range updates {
		if d.pendingLocked(u) {
			continue
		}
		d.queue = append(d.queue, u)
		added = true
	}
	telemetry.PushQueueLength.Set(float64(len(d.queue)))
	if added {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
}

func (d *Dispatcher) pendingLocked(u Update) bool {
	for _, q := range d.queue {
		if q == u {
			return true
		}
	}
	return false
}

// next blocks until an update is queued or the worker is stopped
func (d *Dispatcher) next(stopCh <-chan struct{}) (Update, bool) {
	for {
		d.mu.Lock()
		if len(d.queue) > 0 {
			u := d.queue[0]
			d.queue = d.queue[1:]
			telemetry.PushQueueLength.Set(float64(len(d.queue)))
			d.mu.Unlock()
			return u, true
		}
		d.mu.Unlock()

		select {
		case <-stopCh:
			return Update{}, false
		case <-d.wake:
		}
	}
}

// requeue puts u back at the head of the queue
func (d *Dispatcher) requeue(u Update) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	queue := make([]Update, 0, len(d.queue)+1)
	queue = append(queue, u)
	for _, q := range d.queue {
		if q != u {
			queue = append(queue, q)
		}
	}
	d.queue = queue
	telemetry.PushQueueLength.Set(float64(len(d.queue)))
}

// sleep waits for the given duration or until stopped.
// Returns false if stopped, true if the duration elapsed.
func (d *Dispatcher) sleep(stopCh <-chan struct{}, delay time.Duration) bool {
	select {
	case <-stopCh:
		return false
	case <-d.clock.After(delay):
		return true
	}
}

// targets returns the registrations an update is sent to
func (d *Dispatcher) targets(u Update) []*store.PushRegistration {
	d.mu.Lock()
	defer d.mu.Unlock()
	users := d.index[tableKey{database: u.Database, table: u.Table}]
	if u.User != "" {
		regs := make([]*store.PushRegistration, 0, len(users[u.User]))
		for _, e := range users[u.User] {
			regs = append(regs, e.reg)
		}
		return regs
	}

	names := make([]string, 0, len(users))
	for user := range users {
		names = append(names, user)
	}
	sort.Strings(names)
	var regs []*store.PushRegistration
	for _, user := range names {
		for _, e := range users[user] {
			regs = append(regs, e.reg)
		}
	}
	return regs
}

// pushUpdate sends u to every matching device. It returns false on a
// transient gateway error; devices with invalid tokens are deleted.
func (d *Dispatcher) pushUpdate(ctx context.Context, u Update) bool {
	regs := d.targets(u)
	if len(regs) == 0 {
		return true
	}
	data := u.Data()
	log.Info().
		Str("project", u.Project).
		Str("table", u.Table).
		Str("user", u.User).
		Int("devices", len(regs)).
		Msg("Sending push message")

	for _, reg := range regs {
		start := d.clock.Now()
		err := d.gateway.Send(ctx, reg.Token, data)
		telemetry.PushSendSeconds.Observe(d.clock.Now().Sub(start).Seconds())

		switch {
		case err == nil:
			telemetry.PushSendsTotal.With("success").Inc()
			log.Debug().Str("registration", reg.ID).Str("device", reg.DeviceID).Msg("Sent push message")

		case errors.Is(err, ErrInvalidToken):
			telemetry.PushSendsTotal.With("invalid_token").Inc()
			log.Info().
				Err(err).
				Str("registration", reg.ID).
				Str("user", reg.User).
				Str("device", reg.DeviceID).
				Msg("Deleting push registration with invalid token")
			d.drop(ctx, reg)

		default:
			telemetry.PushSendsTotal.With("transient").Inc()
			log.Error().
				Err(err).
				Str("registration", reg.ID).
				Str("device", reg.DeviceID).
				Msg("Failed to send push message")
			return false
		}
	}
	return true
}

// drop removes reg from the index and the store, unless it was refreshed
// with a new token in the meantime
func (d *Dispatcher) drop(ctx context.Context, reg *store.PushRegistration) {
	d.mu.Lock()
	e, ok := d.byID[reg.ID]
	current := ok && e.reg == reg
	if current {
		d.unindexLocked(e)
	}
	d.mu.Unlock()
	if !current {
		return
	}
	d.deleteStored(ctx, reg.ID)
	telemetry.GCEvictionsTotal.With(Kind, "invalid_token").Inc()
}

func (d *Dispatcher) deleteStored(ctx context.Context, id string) {
	err := d.sessions.Do(ctx, func(st store.Store) error {
		return st.DeletePushRegistration(ctx, id)
	})
	if err != nil {
		telemetry.StoreErrorsTotal.With("delete_push").Inc()
		log.Error().Err(err).Str("registration", id).Msg("Failed to delete push registration")
	}
}

// Pending returns the number of queued updates
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Kind returns the registration kind
func (d *Dispatcher) Kind() string {
	return Kind
}

// Count returns the number of indexed registrations
func (d *Dispatcher) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byID)
}
