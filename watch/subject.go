package watch

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/senseeact/notifyd/directory"
	"github.com/senseeact/notifyd/session"
	"github.com/senseeact/notifyd/store"
	"github.com/senseeact/notifyd/telemetry"
)

type subjectKey struct {
	user    string
	project string
}

type subjectListener struct {
	reg     *store.SubjectWatch
	owner   *directory.User
	visible map[string]bool
	gen     uint64
	waiter  *waiter
}

// SubjectBatch is the result of a subject watch call. Pass it to Ack once
// the events have been handed to the client.
type SubjectBatch struct {
	Events []store.SubjectEvent
	id     string
	gen    uint64
}

// SubjectRegistry tracks subject watch registrations, one per (user, project)
type SubjectRegistry struct {
	registry
	byID  map[string]*subjectListener
	byKey map[subjectKey]*subjectListener
}

// NewSubjectRegistry creates an empty registry. Call Load to restore
// persisted registrations.
func NewSubjectRegistry(sessions *session.Provider, dir directory.Directory, cfg Config) *SubjectRegistry {
	r := &SubjectRegistry{
		byID:  make(map[string]*subjectListener),
		byKey: make(map[subjectKey]*subjectListener),
	}
	r.init(KindSubject, sessions, dir, cfg)
	return r
}

// Load restores persisted registrations. Registrations of users that no
// longer exist are deleted.
func (r *SubjectRegistry) Load(ctx context.Context) error {
	var regs []*store.SubjectWatch
	err := r.sessions.Do(ctx, func(st store.Store) (err error) {
		regs, err = st.ListSubjectWatches(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to load subject watches: %w", err)
	}

	loaded := 0
	for _, reg := range regs {
		owner, err := r.dir.FindUser(ctx, reg.User)
		if errors.Is(err, directory.ErrNotFound) {
			log.Info().Str("registration", reg.ID).Str("user", reg.User).Msg("Deleting subject watch of unknown user")
			r.persist(ctx, "delete", reg.ID, func(st store.Store) error {
				return st.DeleteSubjectWatch(ctx, reg.ID)
			})
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to resolve owner of subject watch %s: %w", reg.ID, err)
		}
		visible, err := r.dir.VisibleSubjects(ctx, reg.Project, owner)
		if err != nil {
			return fmt.Errorf("failed to resolve subjects of %s in %s: %w", owner.ID, reg.Project, err)
		}

		r.mu.Lock()
		r.indexLocked(newSubjectListener(reg, owner, visible))
		r.mu.Unlock()
		loaded++
	}
	log.Info().Int("count", loaded).Msg("Loaded subject watch registrations")
	return nil
}

func newSubjectListener(reg *store.SubjectWatch, owner *directory.User, visible []string) *subjectListener {
	l := &subjectListener{
		reg:     reg,
		owner:   owner.Clone(),
		visible: make(map[string]bool, len(visible)),
		waiter:  newWaiter(),
	}
	for _, s := range visible {
		l.visible[s] = true
	}
	return l
}

func (r *SubjectRegistry) indexLocked(l *subjectListener) {
	r.byID[l.reg.ID] = l
	r.byKey[subjectKey{l.reg.User, l.reg.Project}] = l
}

// Register returns the registration of (user, project), creating it if
// needed. An existing registration is refreshed, its blocked watch call is
// cancelled, and with reset its pending events are dropped.
func (r *SubjectRegistry) Register(ctx context.Context, user *directory.User, project string, reset bool) (string, error) {
	r.Collect(ctx)
	key := subjectKey{user.ID, project}

	r.mu.Lock()
	if l := r.byKey[key]; l != nil {
		defer r.mu.Unlock()
		return r.refreshLocked(ctx, l, reset)
	}
	r.mu.Unlock()

	visible, err := r.dir.VisibleSubjects(ctx, project, user)
	if err != nil {
		return "", fmt.Errorf("failed to resolve subjects of %s in %s: %w", user.ID, project, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l := r.byKey[key]; l != nil {
		return r.refreshLocked(ctx, l, reset)
	}

	reg := &store.SubjectWatch{
		ID:        store.NewID(),
		User:      user.ID,
		Project:   project,
		LastWatch: r.clock.Now(),
		Events:    []store.SubjectEvent{},
	}
	err = r.persist(ctx, "insert", reg.ID, func(st store.Store) error {
		return st.PutSubjectWatch(ctx, reg)
	})
	if err != nil {
		telemetry.WatchRegistrationsTotal.With(r.kind, "error").Inc()
		return "", err
	}
	r.indexLocked(newSubjectListener(reg, user, visible))
	telemetry.WatchRegistrationsTotal.With(r.kind, "created").Inc()
	log.Debug().
		Str("registration", reg.ID).
		Str("user", user.ID).
		Str("project", project).
		Int("subjects", len(visible)).
		Msg("Registered subject watch")
	return reg.ID, nil
}

func (r *SubjectRegistry) refreshLocked(ctx context.Context, l *subjectListener, reset bool) (string, error) {
	l.waiter.displace()
	l.reg.LastWatch = r.clock.Now()
	if reset {
		l.reg.Events = []store.SubjectEvent{}
		l.gen++
	}
	reg := l.reg.Clone()
	err := r.persist(ctx, "update", reg.ID, func(st store.Store) error {
		return st.PutSubjectWatch(ctx, reg)
	})
	if err != nil {
		telemetry.WatchRegistrationsTotal.With(r.kind, "error").Inc()
		return "", err
	}
	telemetry.WatchRegistrationsTotal.With(r.kind, "refreshed").Inc()
	return reg.ID, nil
}

// Watch blocks until the registration has pending events, the call is
// cancelled by another register or watch call, or the timeout passes. Events
// stay pending until acknowledged.
func (r *SubjectRegistry) Watch(ctx context.Context, userID, project, id string) (SubjectBatch, error) {
	start := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.byID[id]
	if l == nil || l.reg.User != userID || l.reg.Project != project {
		return SubjectBatch{}, ErrNotFound
	}

	l.reg.LastWatch = start
	reg := l.reg.Clone()
	r.persist(ctx, "update", id, func(st store.Store) error {
		return st.PutSubjectWatch(ctx, reg)
	})

	outcome := r.await(ctx, l.waiter, func() bool { return len(l.reg.Events) > 0 })
	r.observeWatch(start, outcome)
	if outcome != outcomeEvents {
		return SubjectBatch{Events: []store.SubjectEvent{}}, nil
	}
	return SubjectBatch{
		Events: l.reg.Clone().Events,
		id:     id,
		gen:    l.gen,
	}, nil
}

// Ack drops the events of b from the pending queue. It is a no-op if the
// queue was reset since b was returned.
func (r *SubjectRegistry) Ack(ctx context.Context, b SubjectBatch) error {
	if len(b.Events) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.byID[b.id]
	if l == nil || l.gen != b.gen {
		return nil
	}
	n := len(b.Events)
	if n > len(l.reg.Events) {
		n = len(l.reg.Events)
	}
	l.reg.Events = append([]store.SubjectEvent{}, l.reg.Events[n:]...)
	reg := l.reg.Clone()
	return r.persist(ctx, "update", b.id, func(st store.Store) error {
		return st.PutSubjectWatch(ctx, reg)
	})
}

// Unregister removes a registration. Unknown ids and registrations of other
// users are ignored.
func (r *SubjectRegistry) Unregister(ctx context.Context, userID, project, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.byID[id]
	if l == nil || l.reg.User != userID || l.reg.Project != project {
		return nil
	}
	return r.removeLocked(ctx, l, "unregistered")
}

// removeLocked deletes l from the store, then from the registry
func (r *SubjectRegistry) removeLocked(ctx context.Context, l *subjectListener, reason string) error {
	id := l.reg.ID
	err := r.persist(ctx, "delete", id, func(st store.Store) error {
		return st.DeleteSubjectWatch(ctx, id)
	})
	if err != nil {
		return err
	}
	delete(r.byID, id)
	delete(r.byKey, subjectKey{l.reg.User, l.reg.Project})
	l.waiter.remove()
	telemetry.GCEvictionsTotal.With(r.kind, reason).Inc()
	log.Info().
		Str("registration", id).
		Str("user", l.reg.User).
		Str("project", l.reg.Project).
		Str("reason", reason).
		Msg("Removed subject watch")
	return nil
}

// Collect removes registrations that have not been watched within the
// expiry window and returns how many were removed
func (r *SubjectRegistry) Collect(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	removed := 0
	for _, l := range r.sortedLocked() {
		if !r.expired(l.reg.LastWatch, now) {
			continue
		}
		if r.removeLocked(ctx, l, "idle") == nil {
			removed++
		}
	}
	return removed
}

func (r *SubjectRegistry) sortedLocked() []*subjectListener {
	out := make([]*subjectListener, 0, len(r.byID))
	for _, l := range r.byID {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].reg.ID < out[j].reg.ID })
	return out
}

// Count returns the number of registrations
func (r *SubjectRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// rosterChange is a candidate event for one listener. check, if set,
// confirms an addition against the directory and runs outside the lock.
type rosterChange struct {
	l     *subjectListener
	event store.SubjectEvent
	check func(ctx context.Context) (bool, error)
}

// OnRoster updates every listener affected by ev
func (r *SubjectRegistry) OnRoster(ev directory.RosterEvent) {
	ctx := context.Background()

	r.mu.Lock()
	changes := r.rosterChangesLocked(ev)
	r.mu.Unlock()

	confirmed := changes[:0]
	for _, c := range changes {
		if c.check != nil {
			ok, err := c.check(ctx)
			if err != nil {
				log.Error().
					Err(err).
					Str("registration", c.l.reg.ID).
					Str("subject", c.event.Subject).
					Msg("Failed to check subject access")
				continue
			}
			if !ok {
				continue
			}
		}
		confirmed = append(confirmed, c)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range confirmed {
		if r.byID[c.l.reg.ID] != c.l {
			continue
		}
		r.applyLocked(ctx, c.l, c.event)
	}
}

// rosterChangesLocked lists the events ev may cause, before directory checks
func (r *SubjectRegistry) rosterChangesLocked(ev directory.RosterEvent) []rosterChange {
	user := ev.User
	var changes []rosterChange
	for _, l := range r.sortedLocked() {
		visible := l.visible[user.ID]
		owner := l.owner
		project := l.reg.Project
		added := store.SubjectEvent{Type: store.EventAdded, Subject: user.ID}
		removed := store.SubjectEvent{Type: store.EventRemoved, Subject: user.ID}

		switch ev.Kind {
		case directory.ProfileUpdated:
			if user.ID == owner.ID {
				l.owner = user.Clone()
			}
			if visible {
				changes = append(changes, rosterChange{l: l, event: store.SubjectEvent{
					Type:    store.EventProfileUpdated,
					Subject: user.ID,
					Before:  ev.OldProfile.Clone(),
					After:   user.Clone(),
				}})
			}

		case directory.ActiveChanged:
			if user.Active && !visible {
				changes = append(changes, rosterChange{l: l, event: added, check: func(ctx context.Context) (bool, error) {
					return r.isRegistrationSubject(ctx, owner, project, &user)
				}})
			} else if !user.Active && visible {
				changes = append(changes, rosterChange{l: l, event: removed})
			}

		case directory.AddedToProject:
			if ev.Project != project || ev.Role != directory.RolePatient || !user.Active || visible {
				continue
			}
			switch owner.Role {
			case directory.RoleProfessional:
				changes = append(changes, rosterChange{l: l, event: added, check: func(ctx context.Context) (bool, error) {
					return r.canSee(ctx, owner, project, user.ID)
				}})
			case directory.RolePatient:
				if user.ID == owner.ID {
					changes = append(changes, rosterChange{l: l, event: added})
				}
			default:
				changes = append(changes, rosterChange{l: l, event: added})
			}

		case directory.RemovedFromProject:
			if ev.Project == project && ev.Role == directory.RolePatient && visible {
				changes = append(changes, rosterChange{l: l, event: removed})
			}

		case directory.AddedAsSubject:
			if ev.Professional != owner.ID || !user.Active || visible {
				continue
			}
			changes = append(changes, rosterChange{l: l, event: added, check: func(ctx context.Context) (bool, error) {
				return r.dir.IsProjectPatient(ctx, project, user.ID)
			}})

		case directory.RemovedAsSubject:
			if ev.Professional == owner.ID && visible {
				changes = append(changes, rosterChange{l: l, event: removed})
			}
		}
	}
	return changes
}

// applyLocked appends ev if it still changes what l sees, then persists
// and wakes the waiter
func (r *SubjectRegistry) applyLocked(ctx context.Context, l *subjectListener, ev store.SubjectEvent) {
	visible := l.visible[ev.Subject]
	switch ev.Type {
	case store.EventAdded:
		if visible {
			return
		}
		l.visible[ev.Subject] = true
	case store.EventRemoved:
		if !visible {
			return
		}
		delete(l.visible, ev.Subject)
	case store.EventProfileUpdated:
		if !visible {
			return
		}
	}

	l.reg.Events = append(l.reg.Events, ev)
	l.waiter.notify()
	reg := l.reg.Clone()
	r.persist(ctx, "update", reg.ID, func(st store.Store) error {
		return st.PutSubjectWatch(ctx, reg)
	})
	log.Debug().
		Str("registration", reg.ID).
		Str("type", string(ev.Type)).
		Str("subject", ev.Subject).
		Msg("Queued subject event")
}

// isRegistrationSubject reports whether an active user is a subject the owner may see
func (r *SubjectRegistry) isRegistrationSubject(ctx context.Context, owner *directory.User, project string, user *directory.User) (bool, error) {
	if !user.Active {
		return false, nil
	}
	switch owner.Role {
	case directory.RoleAdmin:
		return r.dir.IsProjectPatient(ctx, project, user.ID)
	case directory.RoleProfessional:
		return r.canSee(ctx, owner, project, user.ID)
	default:
		if user.ID != owner.ID {
			return false, nil
		}
		return r.dir.IsProjectPatient(ctx, project, user.ID)
	}
}

func (r *SubjectRegistry) canSee(ctx context.Context, owner *directory.User, project, subject string) (bool, error) {
	subjects, err := r.dir.VisibleSubjects(ctx, project, owner)
	if err != nil {
		return false, err
	}
	for _, s := range subjects {
		if s == subject {
			return true, nil
		}
	}
	return false, nil
}
