package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `mapstructure:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `mapstructure:"channelbuffersize"`

	// NATS settings (Pro tier)
	NATSUrl           string `mapstructure:"natsurl"`
	NATSToken         string `mapstructure:"natstoken"`
	NATSMaxReconnects int    `mapstructure:"natsmaxreconnects"`
	NATSReconnectWait int    `mapstructure:"natsreconnectwait"` // seconds
}

// Topic names. Every topic is scoped per tenant by the bus implementation.
const (
	TopicDatasetUploaded = "edrs.dataset.uploaded"
	TopicRunCompleted    = "edrs.run.completed"
	TopicRunFailed       = "edrs.run.failed"
)

// DatasetUploaded is the payload of TopicDatasetUploaded.
type DatasetUploaded struct {
	DatasetID string `json:"datasetId"`
	RunID     string `json:"runId"`
}

// RunEvent is the payload of TopicRunCompleted and TopicRunFailed.
type RunEvent struct {
	RunID     string `json:"runId"`
	DatasetID string `json:"datasetId,omitempty"`
	Scored    int    `json:"scored"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}
