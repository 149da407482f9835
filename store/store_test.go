package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/senseeact/notifyd/directory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLStore("sqlite3", filepath.Join(t.TempDir(), "registrations.db"))
			require.NoError(t, err)
			return s
		},
		"pebble": func(t *testing.T) Store {
			s, err := NewPebbleStore(filepath.Join(t.TempDir(), "registrations"))
			require.NoError(t, err)
			return s
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			fn(t, s)
		})
	}
}

func ms(n int64) time.Time {
	return time.UnixMilli(n).UTC()
}

func TestSubjectWatch_CRUD(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		w := &SubjectWatch{
			ID:        NewID(),
			User:      "prof@example.com",
			Project:   "demo",
			LastWatch: ms(1700000000123),
			Events: []SubjectEvent{
				{Type: EventAdded, Subject: "p1"},
				{
					Type:    EventProfileUpdated,
					Subject: "p2",
					Before:  &directory.User{ID: "p2", FirstName: "Old", Role: directory.RolePatient, Active: true, Token: "secret"},
					After:   &directory.User{ID: "p2", FirstName: "New", Role: directory.RolePatient, Active: true},
				},
			},
		}
		require.NoError(t, s.PutSubjectWatch(ctx, w))

		got, err := s.GetSubjectWatch(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, w.User, got.User)
		assert.Equal(t, w.Project, got.Project)
		assert.Equal(t, w.LastWatch, got.LastWatch)
		require.Len(t, got.Events, 2)
		assert.Equal(t, EventAdded, got.Events[0].Type)
		assert.Equal(t, "New", got.Events[1].After.FirstName)

		// Put replaces by ID
		w.Events = nil
		w.LastWatch = ms(1700000009999)
		require.NoError(t, s.PutSubjectWatch(ctx, w))
		got, err = s.GetSubjectWatch(ctx, w.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Events)
		assert.Equal(t, ms(1700000009999), got.LastWatch)

		all, err := s.ListSubjectWatches(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		require.NoError(t, s.DeleteSubjectWatch(ctx, w.ID))
		_, err = s.GetSubjectWatch(ctx, w.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		// Deleting again is a no-op
		assert.NoError(t, s.DeleteSubjectWatch(ctx, w.ID))
	})
}

func TestTableWatch_CRUD(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		w := &TableWatch{
			ID:                NewID(),
			User:              "app@example.com",
			Project:           "demo",
			Table:             "steps",
			CallbackURL:       "https://example.com/hook",
			LastWatch:         ms(1700000000000),
			CallbackFailCount: 3,
			CallbackFailStart: ms(1699990000000),
			Triggered:         []string{"p1", "p2"},
		}
		require.NoError(t, s.PutTableWatch(ctx, w))

		got, err := s.GetTableWatch(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, w, got)
		assert.True(t, got.HasCallback())
		assert.Equal(t, w.Key(), got.Key())

		w.CallbackFailCount = 0
		w.CallbackFailStart = time.Time{}
		w.Triggered = nil
		require.NoError(t, s.PutTableWatch(ctx, w))
		got, err = s.GetTableWatch(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, w, got)
		assert.True(t, got.CallbackFailStart.IsZero())

		_, err = s.GetTableWatch(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.DeleteTableWatch(ctx, w.ID))
		all, err := s.ListTableWatches(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestPushRegistration_CRUD(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		r := &PushRegistration{
			ID:            NewID(),
			Database:      "senseeact_demo_samples",
			Project:       "demo",
			User:          "p1",
			DeviceID:      "phone",
			Token:         "fcm-token",
			IncludeTables: []string{"steps"},
		}
		other := &PushRegistration{
			ID:       NewID(),
			Database: "senseeact_demo_samples",
			Project:  "demo",
			User:     "p1",
			DeviceID: "tablet",
			Token:    "fcm-token-2",
		}
		require.NoError(t, s.PutPushRegistration(ctx, r))
		require.NoError(t, s.PutPushRegistration(ctx, other))

		got, err := s.FindPushRegistration(ctx, r.Key())
		require.NoError(t, err)
		assert.Equal(t, r, got)

		_, err = s.FindPushRegistration(ctx, PushKey{User: "p1", Project: "demo", Database: "senseeact_demo_samples", DeviceID: "watch"})
		assert.ErrorIs(t, err, ErrNotFound)

		all, err := s.ListPushRegistrations(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		require.NoError(t, s.DeletePushRegistration(ctx, r.ID))
		all, err = s.ListPushRegistrations(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "tablet", all[0].DeviceID)
	})
}

func TestList_OrderedByID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"c", "a", "b"} {
			require.NoError(t, s.PutTableWatch(ctx, &TableWatch{ID: id, User: "u", Project: "demo", Table: "steps"}))
		}
		all, err := s.ListTableWatches(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"a", "b", "c"}, []string{all[0].ID, all[1].ID, all[2].ID})
	})
}

func TestPebbleStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registrations")
	ctx := context.Background()

	s, err := NewPebbleStore(path)
	require.NoError(t, err)
	require.NoError(t, s.PutTableWatch(ctx, &TableWatch{ID: "w1", User: "u", Project: "demo", Table: "steps", Triggered: []string{"p1"}}))
	require.NoError(t, s.Close())

	s, err = NewPebbleStore(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetTableWatch(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, got.Triggered)
}

func TestNewSQLStore_UnknownDriver(t *testing.T) {
	_, err := NewSQLStore("postgres", "dsn")
	assert.Error(t, err)
}

func TestMergeSubjects(t *testing.T) {
	set, changed := MergeSubjects(nil, "b", "a", "b")
	assert.True(t, changed)
	assert.Equal(t, []string{"a", "b"}, set)

	set, changed = MergeSubjects(set, "a")
	assert.False(t, changed)
	assert.Equal(t, []string{"a", "b"}, set)

	set, changed = MergeSubjects(set, "c", "0")
	assert.True(t, changed)
	assert.Equal(t, []string{"0", "a", "b", "c"}, set)
}

func TestRemoveSubjects(t *testing.T) {
	set := []string{"a", "b", "c"}
	assert.Equal(t, []string{"a", "c"}, RemoveSubjects(set, "b", "x"))
	assert.Equal(t, []string{"a"}, RemoveSubjects([]string{"a"}))
	assert.Empty(t, RemoveSubjects([]string{"a"}, "a"))
}

func TestClone_Independent(t *testing.T) {
	w := &TableWatch{ID: "w", Triggered: []string{"a"}}
	c := w.Clone()
	c.Triggered[0] = "z"
	assert.Equal(t, "a", w.Triggered[0])

	sw := &SubjectWatch{ID: "s", Events: []SubjectEvent{{Type: EventAdded, Subject: "a", After: &directory.User{ID: "a"}}}}
	sc := sw.Clone()
	sc.Events[0].After.FirstName = "x"
	assert.Empty(t, sw.Events[0].After.FirstName)
}
