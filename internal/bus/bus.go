// Package bus fans fused-position frames and race-status changes out across
// pods using Redis Pub/Sub, with in-process delivery to local subscribers
// when Redis is unavailable or disabled.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Topic identifies a channel of events carried on the bus.
type Topic string

const (
	TopicPositions Topic = "positions"
	TopicProcedure Topic = "procedure"
	TopicAudit     Topic = "audit"
)

// Handler processes one published message's raw JSON payload.
type Handler func(payload []byte)

// Bus is a Redis-backed pub/sub fan-out with a local fallback path.
type Bus struct {
	mu        sync.RWMutex
	client    *redis.Client
	prefix    string
	local     map[Topic][]Handler
	log       *slog.Logger
	cancelSub map[Topic]context.CancelFunc
}

// New creates a Bus. client may be nil, in which case Publish only delivers
// to local subscribers within this process.
func New(client *redis.Client, channelPrefix string, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	if channelPrefix == "" {
		channelPrefix = "race:"
	}
	return &Bus{
		client:    client,
		prefix:    channelPrefix,
		local:     make(map[Topic][]Handler),
		cancelSub: make(map[Topic]context.CancelFunc),
		log:       log.With("component", "bus"),
	}
}

// Publish marshals v and sends it on topic. Redis publish failures fall back
// to local-only delivery so a broker outage never blocks the race loop.
func (b *Bus) Publish(ctx context.Context, topic Topic, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: marshal: %w", err)
	}

	if b.client != nil {
		channel := b.prefix + string(topic)
		if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
			b.log.Warn("bus: redis publish failed, delivering locally only", "topic", topic, "error", err)
			b.deliverLocal(topic, payload)
			return nil
		}
	}
	b.deliverLocal(topic, payload)
	return nil
}

// Subscribe registers a local handler and, if a Redis client is configured,
// also subscribes to the matching Redis channel so messages published by
// other pods are delivered here too.
func (b *Bus) Subscribe(ctx context.Context, topic Topic, handler Handler) {
	b.mu.Lock()
	b.local[topic] = append(b.local[topic], handler)
	_, alreadySubscribed := b.cancelSub[topic]
	b.mu.Unlock()

	if b.client == nil || alreadySubscribed {
		return
	}

	subCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancelSub[topic] = cancel
	b.mu.Unlock()

	channel := b.prefix + string(topic)
	pubsub := b.client.Subscribe(subCtx, channel)
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.deliverLocal(topic, []byte(msg.Payload))
			}
		}
	}()
}

func (b *Bus) deliverLocal(topic Topic, payload []byte) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.local[topic]...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
}

// Close cancels all active Redis subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cancel := range b.cancelSub {
		cancel()
	}
}
