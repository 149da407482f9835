package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/senseeact/notifyd/callback"
	"github.com/senseeact/notifyd/directory"
	"github.com/senseeact/notifyd/session"
	"github.com/senseeact/notifyd/store"
	"github.com/senseeact/notifyd/watch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminToken    = "admin-token"
	profToken     = "prof-token"
	p1Token       = "p1-token"
	outsiderToken = "outsider-token"
	inactiveToken = "inactive-token"
)

type nopDeliverer struct{}

func (nopDeliverer) Deliver(callback.Delivery) {}

type pushCall struct {
	user, project, deviceID, token string
	include, exclude               []string
}

// fakeRegistrar records push registrations
type fakeRegistrar struct {
	mu           sync.Mutex
	registered   []pushCall
	unregistered []pushCall
	err          error
}

func (f *fakeRegistrar) Register(_ context.Context, user, project, deviceID, token string, include, exclude []string) (*store.PushRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.registered = append(f.registered, pushCall{user: user, project: project, deviceID: deviceID, token: token, include: include, exclude: exclude})
	return &store.PushRegistration{ID: store.NewID(), User: user, Project: project, DeviceID: deviceID, Token: token}, nil
}

func (f *fakeRegistrar) Unregister(_ context.Context, user, project, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, pushCall{user: user, project: project, deviceID: deviceID})
	return f.err
}

type apiFixture struct {
	dir      *directory.Static
	store    *store.MemoryStore
	subjects *watch.SubjectRegistry
	tables   *watch.TableRegistry
	push     *fakeRegistrar
	server   *Server
}

func newAPIFixture(t *testing.T, withPush bool) *apiFixture {
	t.Helper()
	clk := testclock.NewClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))

	dir := directory.NewStatic()
	dir.PutUser(directory.User{ID: "admin", Role: directory.RoleAdmin, Active: true, Token: adminToken})
	dir.PutUser(directory.User{ID: "prof", Role: directory.RoleProfessional, Active: true, Token: profToken})
	dir.PutUser(directory.User{ID: "p1", Role: directory.RolePatient, Active: true, Token: p1Token})
	dir.PutUser(directory.User{ID: "p2", Role: directory.RolePatient, Active: true})
	dir.PutUser(directory.User{ID: "p3", Role: directory.RolePatient, Active: true})
	dir.PutUser(directory.User{ID: "outsider", Role: directory.RoleProfessional, Active: true, Token: outsiderToken})
	dir.PutUser(directory.User{ID: "inactive", Role: directory.RoleProfessional, Active: false, Token: inactiveToken})
	dir.PutProject(directory.Project{Code: "demo", Tables: []string{"steps", "heart_rate"}})
	dir.PutProject(directory.Project{Code: "other", Tables: []string{"steps"}})
	dir.AddMember("demo", "prof", directory.RoleProfessional)
	dir.AddMember("demo", "inactive", directory.RoleProfessional)
	dir.AddMember("demo", "p1", directory.RolePatient)
	dir.AddMember("demo", "p2", directory.RolePatient)
	dir.Grant("prof", "p1")

	mem := store.NewMemoryStore()
	scfg := session.DefaultConfig()
	scfg.Clock = clk
	sessions := session.NewProvider(session.Shared(mem), scfg)
	t.Cleanup(func() { sessions.Close() })

	wcfg := watch.DefaultConfig()
	wcfg.Clock = clk
	subjects := watch.NewSubjectRegistry(sessions, dir, wcfg)
	tables := watch.NewTableRegistry(sessions, dir, nopDeliverer{}, wcfg)
	t.Cleanup(subjects.Stop)
	t.Cleanup(tables.Stop)

	f := &apiFixture{dir: dir, store: mem, subjects: subjects, tables: tables}
	config := Config{
		Subjects:    subjects,
		Tables:      tables,
		Directory:   dir,
		Compression: true,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "metrics")
		}),
	}
	if withPush {
		f.push = &fakeRegistrar{}
		config.Push = f.push
	}
	f.server = NewServer(config)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("X-Auth-Token", token)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestServer_Authentication(t *testing.T) {
	f := newAPIFixture(t, false)
	path := "/project/demo/subjects/watch/register"

	tests := []struct {
		name   string
		header http.Header
		status int
	}{
		{name: "no token", header: http.Header{}, status: http.StatusUnauthorized},
		{name: "unknown token", header: http.Header{"X-Auth-Token": {"nope"}}, status: http.StatusUnauthorized},
		{name: "malformed authorization", header: http.Header{"Authorization": {"Basic abc"}}, status: http.StatusUnauthorized},
		{name: "inactive user", header: http.Header{"X-Auth-Token": {inactiveToken}}, status: http.StatusUnauthorized},
		{name: "token header", header: http.Header{"X-Auth-Token": {profToken}}, status: http.StatusOK},
		{name: "bearer token", header: http.Header{"Authorization": {"Bearer " + profToken}}, status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, path, nil)
			req.Header = tt.header
			rec := httptest.NewRecorder()
			f.server.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestServer_ProjectMembership(t *testing.T) {
	f := newAPIFixture(t, false)

	rec := f.do(t, http.MethodPost, "/project/missing/subjects/watch/register", profToken, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/project/demo/subjects/watch/register", outsiderToken, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "not a member")

	// Admins are members of every project
	rec = f.do(t, http.MethodPost, "/project/other/subjects/watch/register", adminToken, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	f := newAPIFixture(t, false)

	rec := f.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "metrics", rec.Body.String())
}

func TestServer_InvalidBoolParam(t *testing.T) {
	f := newAPIFixture(t, false)

	rec := f.do(t, http.MethodPost, "/project/demo/subjects/watch/register?reset=maybe", profToken, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_StartStop(t *testing.T) {
	f := newAPIFixture(t, false)

	require.NoError(t, f.server.Start("127.0.0.1:0"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, f.server.Stop(ctx))

	// Stop without Start is a no-op
	assert.NoError(t, NewServer(Config{}).Stop(ctx))
}
