package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisFanout bridges document broadcasts between server instances via
// Redis pub/sub. Each document gets its own channel under the configured
// prefix.
type RedisFanout struct {
	publisher     *redis.Client
	subscriber    *redis.Client
	connected     bool
	channelPrefix string
	handlers      map[string][]func([]byte)
	handlersMu    sync.RWMutex
	pubsubs       map[string]*redis.PubSub // Track active subscriptions
	pubsubsMu     sync.RWMutex
}

// RedisFanoutConfig holds Redis connection configuration
type RedisFanoutConfig struct {
	URL           string
	ChannelPrefix string
	MaxRetries    int
}

// DefaultRedisFanoutConfig returns sensible defaults
func DefaultRedisFanoutConfig() *RedisFanoutConfig {
	return &RedisFanoutConfig{
		ChannelPrefix: "codecollab:",
		MaxRetries:    3,
	}
}

// NewRedisFanout creates a new Redis fan-out adapter
func NewRedisFanout(config *RedisFanoutConfig) (*RedisFanout, error) {
	if config == nil {
		config = DefaultRedisFanoutConfig()
	}

	opt, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.MaxRetries = config.MaxRetries

	return &RedisFanout{
		publisher:     redis.NewClient(opt),
		subscriber:    redis.NewClient(opt),
		channelPrefix: config.ChannelPrefix,
		handlers:      make(map[string][]func([]byte)),
		pubsubs:       make(map[string]*redis.PubSub),
	}, nil
}

// Connect establishes Redis connections
func (r *RedisFanout) Connect(ctx context.Context) error {
	if err := r.publisher.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect publisher: %w", err)
	}
	if err := r.subscriber.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect subscriber: %w", err)
	}
	r.connected = true
	return nil
}

// Disconnect closes Redis connections
func (r *RedisFanout) Disconnect(ctx context.Context) error {
	r.connected = false

	// Close all pubsub subscriptions
	r.pubsubsMu.Lock()
	for _, ps := range r.pubsubs {
		ps.Close()
	}
	r.pubsubs = make(map[string]*redis.PubSub)
	r.pubsubsMu.Unlock()

	r.handlersMu.Lock()
	r.handlers = make(map[string][]func([]byte))
	r.handlersMu.Unlock()

	// Close client connections
	r.publisher.Close()
	r.subscriber.Close()
	return nil
}

// IsConnected returns connection status
func (r *RedisFanout) IsConnected() bool {
	return r.connected
}

// HealthCheck verifies Redis connectivity
func (r *RedisFanout) HealthCheck(ctx context.Context) (bool, error) {
	err := r.publisher.Ping(ctx).Err()
	return err == nil, err
}

// Publish sends a broadcast frame to a document's channel.
func (r *RedisFanout) Publish(ctx context.Context, documentID string, data []byte) error {
	if !r.connected {
		return ErrNotConnected
	}
	return r.publisher.Publish(ctx, r.documentChannel(documentID), data).Err()
}

// Subscribe registers a handler for a document's channel. The first handler
// for a document opens the underlying Redis subscription; later handlers
// share it.
func (r *RedisFanout) Subscribe(ctx context.Context, documentID string, handler func([]byte)) error {
	if !r.connected {
		return ErrNotConnected
	}
	channel := r.documentChannel(documentID)

	r.handlersMu.Lock()
	r.handlers[channel] = append(r.handlers[channel], handler)
	r.handlersMu.Unlock()

	r.pubsubsMu.Lock()
	defer r.pubsubsMu.Unlock()
	if _, exists := r.pubsubs[channel]; exists {
		return nil
	}

	pubsub := r.subscriber.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	r.pubsubs[channel] = pubsub

	go r.handleMessages(channel, pubsub)
	return nil
}

// Unsubscribe drops all handlers for a document and closes its channel.
func (r *RedisFanout) Unsubscribe(ctx context.Context, documentID string) error {
	channel := r.documentChannel(documentID)

	r.handlersMu.Lock()
	delete(r.handlers, channel)
	r.handlersMu.Unlock()

	r.pubsubsMu.Lock()
	defer r.pubsubsMu.Unlock()
	if pubsub, exists := r.pubsubs[channel]; exists {
		delete(r.pubsubs, channel)
		return pubsub.Close()
	}
	return nil
}

// handleMessages pumps one channel's messages to its handlers until the
// subscription closes.
func (r *RedisFanout) handleMessages(channel string, pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		r.handlersMu.RLock()
		handlers := make([]func([]byte), len(r.handlers[channel]))
		copy(handlers, r.handlers[channel])
		r.handlersMu.RUnlock()

		for _, handler := range handlers {
			handler([]byte(msg.Payload))
		}
	}
}

func (r *RedisFanout) documentChannel(documentID string) string {
	return r.channelPrefix + "doc:" + documentID
}

// Stats reports fan-out connection state
type Stats struct {
	Connected          bool `json:"connected"`
	SubscribedChannels int  `json:"subscribedChannels"`
}

// GetStats returns current fan-out statistics
func (r *RedisFanout) GetStats() Stats {
	r.pubsubsMu.RLock()
	defer r.pubsubsMu.RUnlock()
	return Stats{
		Connected:          r.connected,
		SubscribedChannels: len(r.pubsubs),
	}
}
