package bus

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	// ErrClosed is returned by a closed bus.
	ErrClosed = errors.New("bus is closed")

	// ErrDropped is returned when a subscriber's buffer was full.
	ErrDropped = errors.New("event dropped: subscriber buffer full")
)

// ChannelBus delivers events in process through buffered channels.
// Each subscription has its own goroutine; a full buffer drops the event
// for that subscriber.
type ChannelBus struct {
	mu            sync.RWMutex
	bufferSize    int
	subscriptions map[string][]*channelSubscription
	closed        bool
	dropped       atomic.Int64
}

type channelSubscription struct {
	id      string
	key     string
	topic   string
	handler domain.MessageHandler
	msgCh   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	bus     *ChannelBus
}

// NewChannelBus creates a channel bus with the given per-subscriber buffer.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize:    bufferSize,
		subscriptions: make(map[string][]*channelSubscription),
	}
}

// Publish fans the payload out to every subscriber of (datasetID, topic).
// Subscribers with a full buffer miss the event and ErrDropped is returned
// once every other subscriber has it.
func (b *ChannelBus) Publish(ctx context.Context, datasetID string, topic string, payload []byte) error {
	if err := requireDataset(datasetID); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	msg := newMessage(datasetID, topic, payload)
	var err error
	for _, sub := range b.subscriptions[b.makeKey(datasetID, topic)] {
		select {
		case sub.msgCh <- msg:
		default:
			b.dropped.Add(1)
			err = ErrDropped
			slog.Warn("subscriber buffer full, event dropped",
				"dataset_id", datasetID,
				"topic", topic,
				"subscription", sub.id,
			)
		}
	}
	return err
}

// Subscribe registers handler for (datasetID, topic). Messages are handled
// one at a time in arrival order.
func (b *ChannelBus) Subscribe(ctx context.Context, datasetID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if err := requireDataset(datasetID); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:      uuid.New().String(),
		key:     b.makeKey(datasetID, topic),
		topic:   topic,
		handler: handler,
		msgCh:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
		bus:     b,
	}
	b.subscriptions[sub.key] = append(b.subscriptions[sub.key], sub)

	go sub.run()
	return sub, nil
}

func (s *channelSubscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.msgCh:
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Error("handler error", "topic", s.topic, "message_id", msg.ID, "error", err)
			}
		}
	}
}

// Ping fails once the bus is closed.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops every subscription.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	b.subscriptions = make(map[string][]*channelSubscription)
	return nil
}

// Dropped reports how many events were discarded on full buffers.
func (b *ChannelBus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *ChannelBus) remove(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions[sub.key] = slices.DeleteFunc(b.subscriptions[sub.key], func(s *channelSubscription) bool {
		return s == sub
	})
	if len(b.subscriptions[sub.key]) == 0 {
		delete(b.subscriptions, sub.key)
	}
}

func (b *ChannelBus) makeKey(datasetID, topic string) string {
	return datasetID + ":" + topic
}

// Unsubscribe stops delivery to this subscription.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	s.bus.remove(s)
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
