// Package directory is the boundary to user, project and role management.
// The notification core only asks it narrow questions: who is this user,
// is this user a member of a project, which subjects may a user see.
package directory

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a user or project does not exist
var ErrNotFound = errors.New("not found")

// Role of a user across the platform
type Role string

const (
	RoleAdmin        Role = "ADMIN"
	RoleProfessional Role = "PROFESSIONAL"
	RolePatient      Role = "PATIENT"
)

// User is the profile of a platform user. Profiles are also carried as
// before/after snapshots in subject events, so the token never leaves the process.
type User struct {
	ID        string `json:"userid" toml:"id" msgpack:"id"`
	Email     string `json:"email,omitempty" toml:"email" msgpack:"email"`
	FirstName string `json:"firstName,omitempty" toml:"first_name" msgpack:"first_name"`
	LastName  string `json:"lastName,omitempty" toml:"last_name" msgpack:"last_name"`
	Role      Role   `json:"role" toml:"role" msgpack:"role"`
	Active    bool   `json:"active" toml:"active" msgpack:"active"`
	Token     string `json:"-" toml:"token" msgpack:"-"`
}

// Clone returns a copy safe to hand to another goroutine
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// Project is a tenant with its own data partition and tables
type Project struct {
	Code   string   `toml:"code"`
	Tables []string `toml:"tables"`
}

// HasTable reports whether the project defines table
func (p *Project) HasTable(table string) bool {
	for _, t := range p.Tables {
		if t == table {
			return true
		}
	}
	return false
}

// Directory answers membership and access questions
type Directory interface {
	// FindUser returns ErrNotFound for unknown users
	FindUser(ctx context.Context, userID string) (*User, error)

	// Authenticate resolves an auth token to its user, ErrNotFound if unknown
	Authenticate(ctx context.Context, token string) (*User, error)

	// Project returns ErrNotFound for unknown projects
	Project(ctx context.Context, code string) (*Project, error)

	// Projects lists all project codes
	Projects(ctx context.Context) ([]string, error)

	// IsProjectMember reports whether user may use project. Admins are members of every project.
	IsProjectMember(ctx context.Context, user *User, project string) (bool, error)

	// IsProjectPatient reports whether userID is a patient member of project
	IsProjectPatient(ctx context.Context, project, userID string) (bool, error)

	// VisibleSubjects lists the active patient subjects of project that forUser may see:
	// every patient for admins, granted patients for professionals, and only
	// themselves for patients.
	VisibleSubjects(ctx context.Context, project string, forUser *User) ([]string, error)
}

// Updater is implemented by directories that mirror upstream roster changes
type Updater interface {
	Apply(ev RosterEvent) error
}

// CanAccessSubject reports whether user may read data of subjectID in project
func CanAccessSubject(ctx context.Context, dir Directory, user *User, project, subjectID string) (bool, error) {
	if user.ID == subjectID && user.Role == RolePatient {
		return dir.IsProjectPatient(ctx, project, subjectID)
	}
	subjects, err := dir.VisibleSubjects(ctx, project, user)
	if err != nil {
		return false, err
	}
	for _, s := range subjects {
		if s == subjectID {
			return true, nil
		}
	}
	return false, nil
}
