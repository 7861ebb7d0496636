package events

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rsachat/pkg/config"
)

func TestWatermillPublisher_RoundTrip(t *testing.T) {
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, NewLogger(zerolog.Nop()))
	defer ch.Close()

	pub := NewWatermillPublisher(ch, "")
	assert.Equal(t, DefaultTopic, pub.Topic())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Event, 1)
	done, err := Listen(ctx, ch, pub.Topic(), func(ev Event) { received <- ev })
	require.NoError(t, err)

	require.NoError(t, pub.Publish(ctx, Event{Kind: KindLogin, Username: "alice", ConnID: "c1"}))

	var got Event
	select {
	case got = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("published event was not delivered")
	}

	assert.Equal(t, KindLogin, got.Kind)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "c1", got.ConnID)
	assert.False(t, got.At.IsZero(), "publish must stamp the event time")

	cancel()
	select {
	case err := <-done:
		assert.True(t, err == nil || errors.Is(err, context.Canceled), "Listen() exit error = %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop after cancel")
	}
}

func TestWatermillPublisher_KeepsExplicitTime(t *testing.T) {
	ch := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	defer ch.Close()

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	pub := NewWatermillPublisher(ch, "test.topic")
	require.NoError(t, pub.Publish(context.Background(), Event{Kind: KindLogout, Username: "bob", At: at}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Event, 1)
	_, err := Listen(ctx, ch, "test.topic", func(ev Event) { received <- ev })
	require.NoError(t, err)

	select {
	case ev := <-received:
		assert.Equal(t, KindLogout, ev.Kind)
		assert.True(t, at.Equal(ev.At))
	case <-time.After(2 * time.Second):
		t.Fatal("persisted event was not delivered")
	}
}

func TestListen_SubscribeError(t *testing.T) {
	ch := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	require.NoError(t, ch.Close())

	_, err := Listen(context.Background(), ch, DefaultTopic, func(Event) {})
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), Event{Kind: KindRegister}))
}

func TestOpen(t *testing.T) {
	tests := []struct {
		name           string
		backend        string
		wantSubscriber bool
		wantErr        bool
	}{
		{"none", config.EventsNone, false, false},
		{"gochannel", config.EventsGoChannel, true, false},
		{"unknown", "kafka", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Events: config.EventsConfig{Backend: tt.backend}}
			bus, err := Open(cfg, zerolog.Nop())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer bus.Close()

			assert.Equal(t, DefaultTopic, bus.Topic)
			assert.NotNil(t, bus.Publisher)
			assert.Equal(t, tt.wantSubscriber, bus.Subscriber != nil)
		})
	}
}

func TestOpen_RedisBadURL(t *testing.T) {
	cfg := &config.Config{Events: config.EventsConfig{Backend: config.EventsRedis, RedisURL: "http://nope"}}
	_, err := Open(cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestLoggerAdapter(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewLogger(zerolog.New(&buf))

	adapter.With(watermill.LogFields{"topic": "t"}).Info("subscribed", watermill.LogFields{"n": 1})
	adapter.Error("publish failed", errors.New("boom"), nil)

	out := buf.String()
	assert.Contains(t, out, `"component":"watermill"`)
	assert.Contains(t, out, `"topic":"t"`)
	assert.Contains(t, out, `"message":"subscribed"`)
	assert.Contains(t, out, `"error":"boom"`)
}
