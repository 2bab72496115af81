package eitticket

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultTopic is the channel replication commands travel on.
const DefaultTopic = "eit:ticket:replication"

// Bus carries replication commands between nodes. Delivery is at most once
// and unordered across publishers.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe delivers messages published on topic until ctx is done or
	// the bus is closed, then closes the channel.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
	Close() error
}

var errBusClosed = errors.New("bus closed")

// MemoryBus is an in-process Bus. Publish waits until every subscriber has
// taken the message, so subscribers must keep reading.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

type memorySubscription struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Publish delivers payload to every current subscriber of topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	for sub := range b.subs[topic] {
		msg := append([]byte(nil), payload...)
		select {
		case sub.ch <- msg:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a subscriber on topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	sub := &memorySubscription{
		ch:   make(chan []byte, 64),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errBusClosed
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*memorySubscription]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
		}
		b.unsubscribe(topic, sub)
	}()
	return sub.ch, nil
}

func (b *MemoryBus) unsubscribe(topic string, sub *memorySubscription) {
	sub.once.Do(func() { close(sub.done) })

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[topic][sub]; !ok {
		return
	}
	delete(b.subs[topic], sub)
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
	close(sub.ch)
}

// Close ends every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySubscription
	for _, subs := range b.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range all {
		sub.once.Do(func() { close(sub.done) })
	}
	return nil
}

// RedisBus is a Bus over Redis PUBLISH/SUBSCRIBE.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisBus wraps an open client. The bus owns the client.
func NewRedisBus(client *redis.Client, logger *slog.Logger) (*RedisBus, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RedisBus{client: client, logger: logger}, nil
}

// Publish publishes payload on topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, topic, payload).Err()
}

// Subscribe subscribes to topic and waits for the server to confirm.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	pubsub := b.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	b.logger.Debug("subscribed to replication topic", "topic", topic)
	return out, nil
}

// Close closes the client, which ends every subscription.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
