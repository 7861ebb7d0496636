package events

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"rsachat/pkg/config"
)

// Bus bundles the publisher with whatever it needs closed on shutdown.
// Subscriber is set only for the in-process backend.
type Bus struct {
	Publisher  Publisher
	Subscriber message.Subscriber
	Topic      string

	closers []func() error
}

// Open builds the bus selected by cfg.Events.
func Open(cfg *config.Config, logger zerolog.Logger) (*Bus, error) {
	topic := cfg.Events.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	wlog := NewLogger(logger)

	switch cfg.Events.Backend {
	case config.EventsNone, "":
		return &Bus{Publisher: Nop{}, Topic: topic}, nil

	case config.EventsGoChannel:
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, wlog)
		return &Bus{
			Publisher:  NewWatermillPublisher(ch, topic),
			Subscriber: ch,
			Topic:      topic,
			closers:    []func() error{ch.Close},
		}, nil

	case config.EventsRedis:
		opts, err := redis.ParseURL(cfg.EventsRedisURL())
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		client := redis.NewClient(opts)

		pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: client}, wlog)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create redis publisher: %w", err)
		}
		return &Bus{
			Publisher: NewWatermillPublisher(pub, topic),
			Topic:     topic,
			closers:   []func() error{pub.Close, client.Close},
		}, nil

	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Events.Backend)
	}
}

// Close releases the backend.
func (b *Bus) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
