package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSSource subscribes to <prefix>.mutations and <prefix>.roster.
// Every node subscribes on its own, since each keeps its own registries.
type NATSSource struct {
	url    string
	prefix string
	router *Router

	mu   sync.Mutex
	nc   *nats.Conn
	subs []*nats.Subscription
}

// NewNATSSource creates a source; Start connects
func NewNATSSource(url, prefix string, router *Router) *NATSSource {
	return &NATSSource{url: url, prefix: prefix, router: router}
}

// Start connects and subscribes. Messages are handled on the NATS
// subscription goroutines, one at a time per subject.
func (s *NATSSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nc != nil {
		return nil
	}

	nc, err := nats.Connect(s.url,
		nats.Name("notifyd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS source disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS source reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	for _, kind := range []string{KindMutations, KindRoster} {
		sub, err := nc.Subscribe(Subject(s.prefix, kind), s.handler(kind))
		if err != nil {
			nc.Close()
			s.subs = nil
			return fmt.Errorf("failed to subscribe to %s: %w", Subject(s.prefix, kind), err)
		}
		s.subs = append(s.subs, sub)
	}
	s.nc = nc

	log.Info().Str("url", s.url).Str("prefix", s.prefix).Msg("NATS source started")
	return nil
}

func (s *NATSSource) handler(kind string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		s.router.Handle(context.Background(), "nats", kind, msg.Data)
	}
}

// Stop unsubscribes and closes the connection
func (s *NATSSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nc == nil {
		return
	}
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("subject", sub.Subject).Msg("Failed to unsubscribe")
		}
	}
	s.nc.Close()
	s.nc = nil
	s.subs = nil
	log.Info().Msg("NATS source stopped")
}
