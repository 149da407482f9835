package push

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/senseeact/notifyd/cfg"
)

// ErrInvalidToken is returned by a Gateway when the device token is
// permanently unusable. The registration holding it is deleted.
var ErrInvalidToken = errors.New("push token is invalid")

// Gateway sends one push message to one device.
// Errors other than ErrInvalidToken are treated as transient.
type Gateway interface {
	Send(ctx context.Context, token string, data map[string]string) error
	Close() error
}

// GatewayFactory creates a Gateway from the push configuration
type GatewayFactory func(cfg.PushConfiguration) (Gateway, error)

var (
	gatewayFactories = make(map[string]GatewayFactory)
	factoryMu        sync.RWMutex
)

// RegisterGateway registers a gateway factory by name
func RegisterGateway(name string, factory GatewayFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	gatewayFactories[name] = factory
}

// NewGateway creates the gateway named in config.Gateway
func NewGateway(config cfg.PushConfiguration) (Gateway, error) {
	factoryMu.RLock()
	factory, exists := gatewayFactories[config.Gateway]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown push gateway: %s", config.Gateway)
	}
	return factory(config)
}

// Gateways lists the registered gateway names
func Gateways() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	names := make([]string, 0, len(gatewayFactories))
	for name := range gatewayFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
