package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opensource-finance/edrs/internal/domain"
)

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// PublishJSON encodes v and publishes it.
func PublishJSON(ctx context.Context, b domain.EventBus, tenantID, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", topic, err)
	}
	return b.Publish(ctx, tenantID, topic, payload)
}

// Decode unmarshals a message payload into v.
func Decode(msg *domain.Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s message %s: %w", msg.Topic, msg.ID, err)
	}
	return nil
}

// Subject maps a tenant topic to its NATS subject, for example
// edrs.acme.dataset.uploaded. Characters NATS treats as tokens or
// wildcards are replaced in the tenant.
func Subject(tenantID, topic string) string {
	tenant := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, tenantID)
	return "edrs." + tenant + "." + strings.TrimPrefix(topic, "edrs.")
}
