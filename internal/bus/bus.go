// Package bus carries pipeline run requests and run events between the
// API and the workers.
package bus

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates an event bus from configuration.
// "channel" keeps events in process; "nats" distributes them.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("%w: unsupported event bus type: %s", domain.ErrInvalidInput, cfg.Type)
	}
}

func newMessage(datasetID, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		DatasetID: datasetID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}

func requireDataset(datasetID string) error {
	if datasetID == "" {
		return fmt.Errorf("%w: datasetID is required", domain.ErrInvalidInput)
	}
	return nil
}
