package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rsachat/pkg/protocol"
)

// Delivery kinds
const (
	DeliverBroadcast = "broadcast"
	DeliverPrivate   = "private"
	DeliverRoster    = "roster"
)

// Delivery is a routing request submitted by a connection handler.
type Delivery struct {
	Kind           string
	From           uuid.UUID
	Sender         string
	Target         string
	Text           string
	SignatureValid bool
}

// Router serializes all fan-out through one goroutine, which keeps the
// order of messages between any pair of users.
type Router struct {
	active *ActiveSet
	queue  chan Delivery
	done   chan struct{}
	log    zerolog.Logger
}

func NewRouter(active *ActiveSet, logger zerolog.Logger) *Router {
	return &Router{
		active: active,
		queue:  make(chan Delivery, 64),
		done:   make(chan struct{}),
		log:    logger,
	}
}

// Run processes deliveries until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-r.queue:
			r.route(d)
		}
	}
}

// Submit queues d. It returns false once the router has stopped.
func (r *Router) Submit(ctx context.Context, d Delivery) bool {
	select {
	case r.queue <- d:
		return true
	case <-r.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *Router) route(d Delivery) {
	members := r.active.Snapshot()

	switch d.Kind {
	case DeliverBroadcast:
		for _, m := range members {
			if m.ID() == d.From {
				continue
			}
			r.deliver(m, d.Sender, d.Text, protocol.TypeBroadcast, d.SignatureValid)
		}

	case DeliverPrivate:
		r.routePrivate(d, members)

	case DeliverRoster:
		names := make([]string, 0, len(members))
		for _, m := range members {
			names = append(names, m.Username())
		}
		if len(names) == 0 {
			return
		}
		text := "Connected users: " + strings.Join(names, ", ")
		for _, m := range members {
			r.deliver(m, protocol.SystemSender, text, protocol.TypeSystem, true)
		}

	default:
		r.log.Warn().Str("kind", d.Kind).Msg("Dropping delivery of unknown kind")
	}
}

func (r *Router) routePrivate(d Delivery, members []Recipient) {
	var target, origin Recipient
	for _, m := range members {
		if target == nil && m.Username() == d.Target {
			target = m
		}
		if m.ID() == d.From {
			origin = m
		}
	}

	if target == nil {
		if origin != nil {
			msg := fmt.Sprintf("User %s not found or not connected", d.Target)
			r.deliver(origin, protocol.SystemSender, msg, protocol.TypeError, true)
		}
		return
	}

	text := fmt.Sprintf("(Private from %s): %s", d.Sender, d.Text)
	if !r.deliver(target, d.Sender, text, protocol.TypePrivate, d.SignatureValid) {
		return
	}

	r.log.Debug().Str("from", d.Sender).Str("to", d.Target).Msg("Private message delivered")

	if origin != nil {
		confirm := fmt.Sprintf("Private message sent to %s: %s", d.Target, d.Text)
		r.deliver(origin, protocol.SystemSender, confirm, protocol.TypeSystem, true)
	}
}

// deliver sends to m, dropping m from the active set on failure.
func (r *Router) deliver(m Recipient, sender, text, kind string, signatureValid bool) bool {
	if err := m.Deliver(sender, text, kind, signatureValid); err != nil {
		r.log.Warn().Err(err).
			Str("conn", m.ID().String()).
			Str("user", m.Username()).
			Msg("Delivery failed, dropping recipient")
		r.active.Remove(m.ID())
		m.Close()
		return false
	}
	return true
}
