package watch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/senseeact/notifyd/callback"
	"github.com/senseeact/notifyd/directory"
	"github.com/senseeact/notifyd/session"
	"github.com/senseeact/notifyd/store"
	"github.com/stretchr/testify/require"
)

const (
	adminID = "admin@example.com"
	profID  = "prof@example.com"
	p1ID    = "p1@example.com"
	p2ID    = "p2@example.com"
	p3ID    = "p3@example.com"
	project = "demo"
	table   = "steps"
)

type fixture struct {
	clock    *testclock.Clock
	dir      *directory.Static
	store    *store.MemoryStore
	sessions *session.Provider
	cfg      Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := testclock.NewClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))

	dir := directory.NewStatic()
	dir.PutUser(directory.User{ID: adminID, Role: directory.RoleAdmin, Active: true})
	dir.PutUser(directory.User{ID: profID, Role: directory.RoleProfessional, Active: true})
	dir.PutUser(directory.User{ID: p1ID, FirstName: "Pat", Role: directory.RolePatient, Active: true})
	dir.PutUser(directory.User{ID: p2ID, Role: directory.RolePatient, Active: true})
	dir.PutUser(directory.User{ID: p3ID, Role: directory.RolePatient, Active: true})
	dir.PutProject(directory.Project{Code: project, Tables: []string{table, "heart_rate"}})
	dir.AddMember(project, profID, directory.RoleProfessional)
	dir.AddMember(project, p1ID, directory.RolePatient)
	dir.AddMember(project, p2ID, directory.RolePatient)
	dir.Grant(profID, p1ID)

	mem := store.NewMemoryStore()
	scfg := session.DefaultConfig()
	scfg.Clock = clk
	sessions := session.NewProvider(session.Shared(mem), scfg)
	t.Cleanup(func() { sessions.Close() })

	cfg := DefaultConfig()
	cfg.Clock = clk
	return &fixture{clock: clk, dir: dir, store: mem, sessions: sessions, cfg: cfg}
}

func (f *fixture) user(t *testing.T, id string) *directory.User {
	t.Helper()
	u, err := f.dir.FindUser(context.Background(), id)
	require.NoError(t, err)
	return u
}

// waitBlocked waits until n watch calls are blocked in r
func waitBlocked(t *testing.T, r interface{ Waiting() int }, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.Waiting() == n }, time.Second, time.Millisecond)
}

// fakeDeliverer records deliveries instead of posting them
type fakeDeliverer struct {
	mu         sync.Mutex
	deliveries []callback.Delivery
}

func (d *fakeDeliverer) Deliver(del callback.Delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveries = append(d.deliveries, del)
}

func (d *fakeDeliverer) all() []callback.Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]callback.Delivery(nil), d.deliveries...)
}
