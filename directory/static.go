package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// Member assigns a user a role inside one project
type Member struct {
	User string `toml:"user"`
	Role Role   `toml:"role"`
}

// Grant gives a professional access to a patient's data
type Grant struct {
	Professional string `toml:"professional"`
	Subject      string `toml:"subject"`
}

type staticProject struct {
	Project
	Members []Member `toml:"members"`
}

type staticFile struct {
	Users    []User          `toml:"users"`
	Projects []staticProject `toml:"projects"`
	Grants   []Grant         `toml:"grants"`
}

// Static is an in-memory directory loaded from a TOML file and kept
// current by applying roster events from upstream.
type Static struct {
	mu       sync.RWMutex
	users    map[string]*User
	tokens   map[string]string
	projects map[string]*Project
	members  map[string]map[string]Role // project -> user -> role
	grants   map[string]map[string]bool // professional -> subjects
}

var (
	_ Directory = (*Static)(nil)
	_ Updater   = (*Static)(nil)
)

// NewStatic creates an empty directory
func NewStatic() *Static {
	return &Static{
		users:    make(map[string]*User),
		tokens:   make(map[string]string),
		projects: make(map[string]*Project),
		members:  make(map[string]map[string]Role),
		grants:   make(map[string]map[string]bool),
	}
}

// LoadStatic reads a directory file
func LoadStatic(path string) (*Static, error) {
	var f staticFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("failed to decode directory: %w", err)
	}

	s := NewStatic()
	for i := range f.Users {
		s.PutUser(f.Users[i])
	}
	for _, p := range f.Projects {
		s.PutProject(p.Project)
		for _, m := range p.Members {
			s.AddMember(p.Code, m.User, m.Role)
		}
	}
	for _, g := range f.Grants {
		s.Grant(g.Professional, g.Subject)
	}

	log.Info().
		Str("path", path).
		Int("users", len(f.Users)).
		Int("projects", len(f.Projects)).
		Msg("Loaded directory")
	return s, nil
}

// PutUser adds or replaces a user
func (s *Static) PutUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.users[u.ID]; ok && old.Token != "" {
		delete(s.tokens, old.Token)
	}
	s.users[u.ID] = &u
	if u.Token != "" {
		s.tokens[u.Token] = u.ID
	}
}

// PutProject adds or replaces a project definition
func (s *Static) PutProject(p Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.Code] = &p
}

// AddMember sets the role of user in project
func (s *Static) AddMember(project, user string, role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[project]
	if !ok {
		m = make(map[string]Role)
		s.members[project] = m
	}
	m[user] = role
}

// RemoveMember removes user from project
func (s *Static) RemoveMember(project, user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[project], user)
}

// Grant gives professional access to subject
func (s *Static) Grant(professional, subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[professional]
	if !ok {
		g = make(map[string]bool)
		s.grants[professional] = g
	}
	g[subject] = true
}

// Revoke removes professional's access to subject
func (s *Static) Revoke(professional, subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants[professional], subject)
}

// Apply mirrors an upstream roster change
func (s *Static) Apply(ev RosterEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	switch ev.Kind {
	case ProfileUpdated, ActiveChanged:
		s.mu.RLock()
		old, ok := s.users[ev.User.ID]
		s.mu.RUnlock()
		u := ev.User
		if ok && u.Token == "" {
			u.Token = old.Token
		}
		s.PutUser(u)
	case AddedToProject:
		s.AddMember(ev.Project, ev.User.ID, ev.Role)
	case RemovedFromProject:
		s.RemoveMember(ev.Project, ev.User.ID)
	case AddedAsSubject:
		s.Grant(ev.Professional, ev.User.ID)
	case RemovedAsSubject:
		s.Revoke(ev.Professional, ev.User.ID)
	}
	return nil
}

func (s *Static) FindUser(_ context.Context, userID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return u.Clone(), nil
}

func (s *Static) Authenticate(_ context.Context, token string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokens[token]
	if !ok || token == "" {
		return nil, fmt.Errorf("token: %w", ErrNotFound)
	}
	return s.users[id].Clone(), nil
}

func (s *Static) Project(_ context.Context, code string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[code]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", code, ErrNotFound)
	}
	c := *p
	c.Tables = append([]string(nil), p.Tables...)
	return &c, nil
}

func (s *Static) Projects(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	codes := make([]string, 0, len(s.projects))
	for code := range s.projects {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes, nil
}

func (s *Static) IsProjectMember(_ context.Context, user *User, project string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.projects[project]; !ok {
		return false, nil
	}
	if user.Role == RoleAdmin {
		return true, nil
	}
	_, ok := s.members[project][user.ID]
	return ok, nil
}

func (s *Static) IsProjectPatient(_ context.Context, project, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members[project][userID] == RolePatient, nil
}

func (s *Static) VisibleSubjects(_ context.Context, project string, forUser *User) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subjects []string
	for id, role := range s.members[project] {
		if role != RolePatient {
			continue
		}
		u, ok := s.users[id]
		if !ok || !u.Active {
			continue
		}
		switch forUser.Role {
		case RoleAdmin:
		case RoleProfessional:
			if !s.grants[forUser.ID][id] {
				continue
			}
		default:
			if id != forUser.ID {
				continue
			}
		}
		subjects = append(subjects, id)
	}
	sort.Strings(subjects)
	return subjects, nil
}
