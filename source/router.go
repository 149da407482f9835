// Package source consumes mutation batches and roster events from an
// upstream feed and publishes them to the notify hub.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/senseeact/notifyd/directory"
	"github.com/senseeact/notifyd/notify"
	"github.com/senseeact/notifyd/session"
	"github.com/senseeact/notifyd/telemetry"
)

// Message kinds, also the last element of the feed subject or topic
const (
	KindMutations = "mutations"
	KindRoster    = "roster"
)

// ErrInvalidMessage is returned for messages that cannot be decoded or resolved
var ErrInvalidMessage = errors.New("invalid source message")

// MutationMessage is the wire shape of a mutation batch
type MutationMessage struct {
	Project   string            `json:"project"`
	Table     string            `json:"table"`
	Mutations []notify.Mutation `json:"mutations"`
}

// Router decodes upstream messages and publishes them to the hub.
// Roster events are applied to the directory before they are published,
// so subscribers see the updated roster.
type Router struct {
	hub     *notify.Hub
	dir     directory.Directory
	updater directory.Updater
	prefix  string
}

// NewRouter creates a router. Partition names are built from prefix.
// If dir implements directory.Updater, roster events are applied to it.
func NewRouter(hub *notify.Hub, dir directory.Directory, prefix string) *Router {
	r := &Router{hub: hub, dir: dir, prefix: prefix}
	if up, ok := dir.(directory.Updater); ok {
		r.updater = up
	}
	return r
}

// Handle routes one message by kind. source labels metrics.
func (r *Router) Handle(ctx context.Context, source, kind string, data []byte) error {
	var err error
	switch kind {
	case KindMutations:
		err = r.HandleMutations(ctx, data)
	case KindRoster:
		err = r.HandleRoster(ctx, data)
	default:
		err = fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, kind)
	}

	result := "ok"
	if err != nil {
		result = "invalid"
		log.Warn().Err(err).Str("source", source).Str("kind", kind).Msg("Dropping upstream message")
	}
	telemetry.SourceMessagesTotal.With(source, kind, result).Inc()
	return err
}

// HandleMutations publishes a mutation batch to the partition of its project
func (r *Router) HandleMutations(ctx context.Context, data []byte) error {
	var msg MutationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Project == "" || msg.Table == "" {
		return fmt.Errorf("%w: mutation batch without project or table", ErrInvalidMessage)
	}

	project, err := r.dir.Project(ctx, msg.Project)
	if err != nil {
		return fmt.Errorf("%w: project %s: %v", ErrInvalidMessage, msg.Project, err)
	}
	partition := session.PartitionName(r.prefix, project)
	if partition == "" || !project.HasTable(msg.Table) {
		return fmt.Errorf("%w: project %s has no table %s", ErrInvalidMessage, msg.Project, msg.Table)
	}

	r.hub.PublishBatch(notify.Batch{
		Project:   msg.Project,
		Partition: partition,
		Table:     msg.Table,
		Mutations: msg.Mutations,
	})
	return nil
}

// HandleRoster applies a roster event to the directory and publishes it
func (r *Router) HandleRoster(_ context.Context, data []byte) error {
	var ev directory.RosterEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if r.updater != nil {
		if err := r.updater.Apply(ev); err != nil {
			return fmt.Errorf("failed to apply roster event: %w", err)
		}
	}
	r.hub.PublishRoster(ev)
	return nil
}
