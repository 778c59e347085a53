package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/synckit-go/replicate/internal/logging"
)

// Broadcast fans a delta out to every other server process sharing a
// collection, so a Stream call on server B observes a delta a client
// appended via server A without waiting on A's next compaction. It is
// the multi-server counterpart to ServerLog.AppendDelta: same delta
// goes to the local Backend and to Broadcast.Publish.
type Broadcast struct {
	publisher  *redis.Client
	subscriber *redis.Client
	prefix     string
	log        zerolog.Logger

	mu       sync.RWMutex
	handlers map[string][]func(DeltaEvent)
	subs     map[string]*redis.PubSub
}

type BroadcastConfig struct {
	URL           string
	ChannelPrefix string
	MaxRetries    int
}

func DefaultBroadcastConfig() *BroadcastConfig {
	return &BroadcastConfig{ChannelPrefix: "synckit:replicate:", MaxRetries: 3}
}

// DeltaEvent is what crosses the wire between server processes.
type DeltaEvent struct {
	Collection string `json:"collection"`
	Document   string `json:"document"`
	Seq        int64  `json:"seq"`
	ClientID   string `json:"clientId"`
	Bytes      []byte `json:"bytes"`
}

func NewBroadcast(config *BroadcastConfig) (*Broadcast, error) {
	if config == nil {
		config = DefaultBroadcastConfig()
	}
	opt, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	opt.MaxRetries = config.MaxRetries

	return &Broadcast{
		publisher:  redis.NewClient(opt),
		subscriber: redis.NewClient(opt),
		prefix:     config.ChannelPrefix,
		log:        logging.WithComponent("broadcast"),
		handlers:   make(map[string][]func(DeltaEvent)),
		subs:       make(map[string]*redis.PubSub),
	}, nil
}

func (b *Broadcast) Connect(ctx context.Context) error {
	if err := b.publisher.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect publisher: %w", err)
	}
	if err := b.subscriber.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect subscriber: %w", err)
	}
	return nil
}

func (b *Broadcast) Close() error {
	b.mu.Lock()
	for _, ps := range b.subs {
		ps.Close()
	}
	b.subs = make(map[string]*redis.PubSub)
	b.mu.Unlock()

	b.publisher.Close()
	return b.subscriber.Close()
}

// Publish announces a delta already committed to the local Backend.
func (b *Broadcast) Publish(ctx context.Context, evt DeltaEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal delta event: %w", err)
	}
	return b.publisher.Publish(ctx, b.channel(evt.Collection), payload).Err()
}

// Subscribe registers handler for every delta broadcast on collection
// from any server process, including this one's own publishes.
func (b *Broadcast) Subscribe(ctx context.Context, collection string, handler func(DeltaEvent)) error {
	channel := b.channel(collection)

	b.mu.Lock()
	b.handlers[channel] = append(b.handlers[channel], handler)
	first := len(b.handlers[channel]) == 1
	b.mu.Unlock()

	if !first {
		return nil
	}

	pubsub := b.subscriber.Subscribe(ctx, channel)
	b.mu.Lock()
	b.subs[channel] = pubsub
	b.mu.Unlock()

	go b.handleMessages(channel, pubsub)
	return nil
}

func (b *Broadcast) handleMessages(channel string, pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		var evt DeltaEvent
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			b.log.Warn().Err(err).Str("channel", channel).Msg("dropping malformed delta event")
			continue
		}

		b.mu.RLock()
		handlers := b.handlers[channel]
		b.mu.RUnlock()

		for _, h := range handlers {
			go b.dispatch(h, evt)
		}
	}
}

func (b *Broadcast) dispatch(h func(DeltaEvent), evt DeltaEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Msg("delta broadcast handler panicked")
		}
	}()
	h(evt)
}

func (b *Broadcast) channel(collection string) string {
	return b.prefix + "delta:" + collection
}
