package broker

import (
	"fmt"
	"strings"

	"github.com/overlaybridge/overlay-bridge/internal/config"
	"github.com/overlaybridge/overlay-bridge/internal/pkg/errors"
)

// NewDialer creates a Dialer for the configured broker type. clientID names
// this process towards brokers that track clients (NATS, Kafka).
func NewDialer(cfg config.MServerConfig, clientID string) (Dialer, error) {
	switch strings.ToLower(cfg.Type) {
	case "mhub", "":
		return NewMHubDialer(), nil

	case "nats":
		return &NATSDialer{Name: clientID}, nil

	case "kafka":
		return &KafkaDialer{
			GroupID:  clientID,
			ClientID: clientID,
			Version:  cfg.KafkaVersion,
		}, nil

	case "redis":
		return &RedisDialer{}, nil

	case "memory":
		return NewMemoryHub(), nil

	default:
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown broker type: %s", cfg.Type))
	}
}
