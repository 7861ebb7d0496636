// Package events publishes session lifecycle events (registration, login,
// logout) to a watermill topic.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "rsachat.sessions"

// Event kinds
const (
	KindRegister = "register"
	KindLogin    = "login"
	KindLogout   = "logout"
)

// Event is the JSON payload of every published message.
type Event struct {
	Kind     string    `json:"kind"`
	Username string    `json:"username"`
	ConnID   string    `json:"conn_id,omitempty"`
	Remote   string    `json:"remote,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher is what the server needs from the event bus.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// WatermillPublisher publishes events as JSON messages.
type WatermillPublisher struct {
	publisher message.Publisher
	topic     string
	now       func() time.Time
}

// NewWatermillPublisher wraps publisher. An empty topic uses DefaultTopic.
func NewWatermillPublisher(publisher message.Publisher, topic string) *WatermillPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &WatermillPublisher{publisher: publisher, topic: topic, now: time.Now}
}

// Topic returns the topic events are published to.
func (p *WatermillPublisher) Topic() string {
	return p.topic
}

func (p *WatermillPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = p.now()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("kind", ev.Kind)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Listen subscribes before returning and delivers events to fn on a new
// goroutine until ctx is cancelled or the subscription closes, so nothing
// published after Listen returns is missed even on a non-persistent
// channel. Messages that do not decode are acked and skipped. The returned
// channel yields the exit error, nil if the subscription closed.
func Listen(ctx context.Context, sub message.Subscriber, topic string, fn func(Event)) (<-chan error, error) {
	messages, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- drain(ctx, messages, fn)
	}()
	return done, nil
}

func drain(ctx context.Context, messages <-chan *message.Message, fn func(Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err == nil {
				fn(ev)
			}
			msg.Ack()
		}
	}
}
