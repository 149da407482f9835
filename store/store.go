// Package store persists watch and push registrations. It holds records
// only; deciding when to create, refresh or delete them is up to the
// watch and push packages.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/senseeact/notifyd/directory"
)

// ErrNotFound is returned by Get and Find when no record matches
var ErrNotFound = errors.New("registration not found")

// EventType of a SubjectEvent
type EventType string

const (
	EventAdded          EventType = "ADDED"
	EventRemoved        EventType = "REMOVED"
	EventProfileUpdated EventType = "PROFILE_UPDATED"
)

// SubjectEvent is a change to the set of subjects a user can see
type SubjectEvent struct {
	Type    EventType       `json:"type" msgpack:"type"`
	Subject string          `json:"subject" msgpack:"subject"`
	Before  *directory.User `json:"before,omitempty" msgpack:"before,omitempty"`
	After   *directory.User `json:"after,omitempty" msgpack:"after,omitempty"`
}

// SubjectWatch is a registration for roster changes of one (user, project)
type SubjectWatch struct {
	ID        string
	User      string
	Project   string
	LastWatch time.Time
	Events    []SubjectEvent
}

// Clone returns a deep copy
func (w *SubjectWatch) Clone() *SubjectWatch {
	c := *w
	c.Events = make([]SubjectEvent, len(w.Events))
	for i, ev := range w.Events {
		c.Events[i] = SubjectEvent{
			Type:    ev.Type,
			Subject: ev.Subject,
			Before:  ev.Before.Clone(),
			After:   ev.After.Clone(),
		}
	}
	return &c
}

// TableWatchKey identifies a TableWatch. An empty Subject matches every subject.
type TableWatchKey struct {
	User        string
	Project     string
	Table       string
	Subject     string
	CallbackURL string
}

// TableWatch is a registration for mutations to one project table
type TableWatch struct {
	ID          string
	User        string
	Project     string
	Table       string
	Subject     string
	CallbackURL string
	LastWatch   time.Time

	// Consecutive callback failures, and when the first of them happened.
	// Both are reset by a successful delivery.
	CallbackFailCount int
	CallbackFailStart time.Time

	// Subjects with pending changes, sorted and without duplicates
	Triggered []string
}

// Key returns the identifying tuple of w
func (w *TableWatch) Key() TableWatchKey {
	return TableWatchKey{
		User:        w.User,
		Project:     w.Project,
		Table:       w.Table,
		Subject:     w.Subject,
		CallbackURL: w.CallbackURL,
	}
}

// HasCallback reports whether w is delivered by HTTP callback instead of watch calls
func (w *TableWatch) HasCallback() bool {
	return w.CallbackURL != ""
}

// Clone returns a deep copy
func (w *TableWatch) Clone() *TableWatch {
	c := *w
	c.Triggered = append([]string(nil), w.Triggered...)
	return &c
}

// PushKey identifies a PushRegistration
type PushKey struct {
	User     string
	Project  string
	Database string
	DeviceID string
}

// PushRegistration maps a device to the tables it wants pushes for
type PushRegistration struct {
	ID            string
	Database      string
	Project       string
	User          string
	DeviceID      string
	Token         string
	IncludeTables []string
	ExcludeTables []string
}

// Key returns the identifying tuple of r
func (r *PushRegistration) Key() PushKey {
	return PushKey{User: r.User, Project: r.Project, Database: r.Database, DeviceID: r.DeviceID}
}

// Clone returns a deep copy
func (r *PushRegistration) Clone() *PushRegistration {
	c := *r
	c.IncludeTables = append([]string(nil), r.IncludeTables...)
	c.ExcludeTables = append([]string(nil), r.ExcludeTables...)
	return &c
}

// Store persists registrations. Put inserts or replaces by ID.
// Delete of an unknown ID is not an error.
type Store interface {
	PutSubjectWatch(ctx context.Context, w *SubjectWatch) error
	GetSubjectWatch(ctx context.Context, id string) (*SubjectWatch, error)
	ListSubjectWatches(ctx context.Context) ([]*SubjectWatch, error)
	DeleteSubjectWatch(ctx context.Context, id string) error

	PutTableWatch(ctx context.Context, w *TableWatch) error
	GetTableWatch(ctx context.Context, id string) (*TableWatch, error)
	ListTableWatches(ctx context.Context) ([]*TableWatch, error)
	DeleteTableWatch(ctx context.Context, id string) error

	PutPushRegistration(ctx context.Context, r *PushRegistration) error
	FindPushRegistration(ctx context.Context, key PushKey) (*PushRegistration, error)
	ListPushRegistrations(ctx context.Context) ([]*PushRegistration, error)
	DeletePushRegistration(ctx context.Context, id string) error

	Close() error
}

// NewID returns a new registration ID
func NewID() string {
	return uuid.NewString()
}

// MergeSubjects adds subjects to a sorted set and reports whether it changed
func MergeSubjects(set []string, subjects ...string) ([]string, bool) {
	changed := false
	for _, s := range subjects {
		i := sort.SearchStrings(set, s)
		if i < len(set) && set[i] == s {
			continue
		}
		set = append(set, "")
		copy(set[i+1:], set[i:])
		set[i] = s
		changed = true
	}
	return set, changed
}

// RemoveSubjects removes subjects from a sorted set
func RemoveSubjects(set []string, subjects ...string) []string {
	if len(subjects) == 0 {
		return set
	}
	drop := make(map[string]bool, len(subjects))
	for _, s := range subjects {
		drop[s] = true
	}
	out := set[:0]
	for _, s := range set {
		if !drop[s] {
			out = append(out, s)
		}
	}
	return out
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
