package source

import (
	"fmt"

	"github.com/senseeact/notifyd/cfg"
)

// Source feeds upstream messages to a Router until stopped
type Source interface {
	Start() error
	Stop()
}

// Subject returns the feed subject or topic for kind
func Subject(prefix, kind string) string {
	return prefix + "." + kind
}

// New creates the source selected by config. It returns nil for type "none".
func New(config cfg.SourceConfiguration, groupID string, router *Router) (Source, error) {
	switch config.Type {
	case "", "none":
		return nil, nil
	case "nats":
		return NewNATSSource(config.NATSURL, config.SubjectPrefix, router), nil
	case "kafka":
		src, err := NewKafkaSource(KafkaConfig{
			Brokers: config.KafkaBrokers,
			GroupID: groupID,
			Prefix:  config.SubjectPrefix,
		}, router)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown source type: %s", config.Type)
	}
}
