package directory

import "fmt"

// EventKind tags a RosterEvent
type EventKind string

const (
	ProfileUpdated     EventKind = "profile_updated"
	ActiveChanged      EventKind = "active_changed"
	AddedToProject     EventKind = "added_to_project"
	RemovedFromProject EventKind = "removed_from_project"
	AddedAsSubject     EventKind = "added_as_subject"
	RemovedAsSubject   EventKind = "removed_as_subject"
)

// RosterEvent reports a change to a user, a project membership or a
// professional/subject grant. Which optional fields are set depends on Kind:
//
//	profile_updated       User, OldProfile
//	active_changed        User
//	added_to_project      User, Project, Role
//	removed_from_project  User, Project, Role
//	added_as_subject      User, Professional
//	removed_as_subject    User, Professional
type RosterEvent struct {
	Kind         EventKind `json:"kind"`
	User         User      `json:"user"`
	OldProfile   *User     `json:"oldProfile,omitempty"`
	Project      string    `json:"project,omitempty"`
	Role         Role      `json:"role,omitempty"`
	Professional string    `json:"professional,omitempty"`
}

// Validate checks that the fields required by Kind are present
func (e *RosterEvent) Validate() error {
	if e.User.ID == "" {
		return fmt.Errorf("roster event %s without user", e.Kind)
	}
	switch e.Kind {
	case ProfileUpdated, ActiveChanged:
	case AddedToProject, RemovedFromProject:
		if e.Project == "" {
			return fmt.Errorf("roster event %s without project", e.Kind)
		}
		if e.Role == "" {
			return fmt.Errorf("roster event %s without role", e.Kind)
		}
	case AddedAsSubject, RemovedAsSubject:
		if e.Professional == "" {
			return fmt.Errorf("roster event %s without professional", e.Kind)
		}
	default:
		return fmt.Errorf("unknown roster event kind %q", e.Kind)
	}
	return nil
}
