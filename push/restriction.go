package push

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Restriction selects the tables a push registration wants pushes for.
// Tables starting with "_" are internal and never match.
type Restriction struct {
	include []glob.Glob
	exclude []glob.Glob
}

// NewRestriction compiles include and exclude table patterns. An empty
// include list matches every table that is not excluded.
func NewRestriction(include, exclude []string) (*Restriction, error) {
	r := &Restriction{
		include: make([]glob.Glob, 0, len(include)),
		exclude: make([]glob.Glob, 0, len(exclude)),
	}
	for _, pattern := range include {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}
		r.include = append(r.include, g)
	}
	for _, pattern := range exclude {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
		r.exclude = append(r.exclude, g)
	}
	return r, nil
}

// Match reports whether table passes the restriction
func (r *Restriction) Match(table string) bool {
	if strings.HasPrefix(table, "_") {
		return false
	}
	for _, g := range r.exclude {
		if g.Match(table) {
			return false
		}
	}
	if len(r.include) == 0 {
		return true
	}
	for _, g := range r.include {
		if g.Match(table) {
			return true
		}
	}
	return false
}

// Tables filters tables through the restriction
func (r *Restriction) Tables(tables []string) []string {
	var out []string
	for _, t := range tables {
		if r.Match(t) {
			out = append(out, t)
		}
	}
	return out
}
