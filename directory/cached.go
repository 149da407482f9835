package directory

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached puts an LRU cache of user profiles in front of another directory.
// Roster events applied through it evict the affected user.
type Cached struct {
	Directory
	users *lru.Cache[string, *User]
}

var (
	_ Directory = (*Cached)(nil)
	_ Updater   = (*Cached)(nil)
)

// NewCached wraps dir with a cache holding up to size users
func NewCached(dir Directory, size int) (*Cached, error) {
	users, err := lru.New[string, *User](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create user cache: %w", err)
	}
	return &Cached{Directory: dir, users: users}, nil
}

func (c *Cached) FindUser(ctx context.Context, userID string) (*User, error) {
	if u, ok := c.users.Get(userID); ok {
		return u.Clone(), nil
	}
	u, err := c.Directory.FindUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.users.Add(userID, u.Clone())
	return u, nil
}

// Apply evicts the user and forwards the event when the wrapped directory mirrors roster changes
func (c *Cached) Apply(ev RosterEvent) error {
	c.users.Remove(ev.User.ID)
	if up, ok := c.Directory.(Updater); ok {
		return up.Apply(ev)
	}
	return nil
}

// Len returns the number of cached users
func (c *Cached) Len() int {
	return c.users.Len()
}
