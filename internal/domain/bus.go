package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (single process) or NATS (distributed).
// All methods require datasetID so runs of different datasets never
// see each other's events.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, datasetID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, datasetID string, topic string, handler MessageHandler) (Subscription, error)

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
	DatasetID string            `json:"datasetId"`
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
	Type string `mapstructure:"type" json:"type" validate:"oneof=channel nats"`

	ChannelBufferSize int `mapstructure:"channel_buffer_size" json:"channelBufferSize"`

	NATSUrl           string `mapstructure:"nats_url" json:"natsUrl"`
	NATSToken         string `mapstructure:"nats_token" json:"-"`
	NATSMaxReconnects int    `mapstructure:"nats_max_reconnects" json:"natsMaxReconnects"`
	NATSReconnectWait int    `mapstructure:"nats_reconnect_wait" json:"natsReconnectWait"` // seconds

	// NATSQueueGroup load-balances run requests across workers.
	NATSQueueGroup string `mapstructure:"nats_queue_group" json:"natsQueueGroup"`
}

// Topic names for pipeline runs.
const (
	TopicRunRequested = "kestrel.run.requested"
	TopicRunStage     = "kestrel.run.stage"
	TopicRunCompleted = "kestrel.run.completed"
	TopicRunFailed    = "kestrel.run.failed"
)
