package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/senseeact/notifyd/cfg"
	"github.com/senseeact/notifyd/push"
)

const natsPublishTimeout = 5 * time.Second

func init() {
	push.RegisterGateway("nats", func(config cfg.PushConfiguration) (push.Gateway, error) {
		if config.NATS.URL == "" {
			return nil, fmt.Errorf("nats gateway requires url")
		}
		if config.NATS.Subject == "" {
			return nil, fmt.Errorf("nats gateway requires subject")
		}
		return NewNATSGateway(config.NATS.URL, config.NATS.Subject)
	})
}

// NATSGateway hands push messages to a JetStream subject for an external
// sender to deliver
type NATSGateway struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	subject string

	mu          sync.Mutex
	streamReady bool
}

// NewNATSGateway connects to NATS. The stream is created on the first send.
func NewNATSGateway(url, subject string) (*NATSGateway, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NATSGateway{nc: nc, js: js, subject: subject}, nil
}

// Send publishes the message keyed by token. NATS never reports invalid tokens.
func (n *NATSGateway) Send(ctx context.Context, token string, data map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, natsPublishTimeout)
	defer cancel()

	if err := n.ensureStream(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(Envelope{Token: token, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode push message: %w", err)
	}
	msg := &nats.Msg{
		Subject: n.subject,
		Data:    payload,
		Header:  nats.Header{"key": []string{token}},
	}
	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", n.subject, err)
	}
	return nil
}

func (n *NATSGateway) ensureStream(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.streamReady {
		return nil
	}

	name := streamName(n.subject)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{n.subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", name, err)
	}
	n.streamReady = true
	return nil
}

// Close releases the NATS connection
func (n *NATSGateway) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// streamName converts a subject to a valid JetStream stream name.
// Stream names can't contain ".", "*" or ">".
func streamName(subject string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(subject)
}
