// Package gateway implements push gateways and registers them with the push
// package by name. Import it for its side effects.
package gateway

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/senseeact/notifyd/cfg"
	"github.com/senseeact/notifyd/push"
)

// Envelope is the message written by the broker gateways
type Envelope struct {
	Token string            `json:"token"`
	Data  map[string]string `json:"data"`
}

func init() {
	push.RegisterGateway("log", func(cfg.PushConfiguration) (push.Gateway, error) {
		return LogGateway{}, nil
	})
}

// LogGateway logs push messages instead of sending them
type LogGateway struct{}

func (LogGateway) Send(_ context.Context, token string, data map[string]string) error {
	log.Info().
		Str("token", token).
		Str("project", data["project"]).
		Str("user", data["user"]).
		Str("table", data["table"]).
		Msg("Push message")
	return nil
}

func (LogGateway) Close() error {
	return nil
}
