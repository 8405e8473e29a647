// Package messaging carries room broadcasts between chat server instances
// over NATS. Each room channel maps to one subject; an instance subscribes to
// a subject only while it has local members in that room.
package messaging

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// ErrBrokerUnavailable is returned when the broker cannot accept a publish,
// either because the connection is down or the publish queue is full.
var ErrBrokerUnavailable = errors.New("messaging: broker unavailable")

// Handler receives every payload published to a subscribed channel,
// including the instance's own publishes.
type Handler func(channel string, payload []byte)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "parley",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Broker wraps the NATS connection and keeps one subscription per channel.
type Broker struct {
	conn *nats.Conn

	mu      sync.Mutex
	subs    map[string]*nats.Subscription
	handler Handler
}

// NewBroker connects to NATS with the given config and returns a ready
// broker. It returns an error if the initial connection fails.
func NewBroker(config NATSConfig) (*Broker, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Broker{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// SetHandler assigns the inbound handler. It must be called before the
// first Subscribe; this supports creating the broker before the hub that
// consumes its messages.
func (b *Broker) SetHandler(h Handler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// Publish sends payload to the channel's subject. It does not wait for the
// server; NATS buffers the write while reconnecting.
func (b *Broker) Publish(channel string, payload []byte) error {
	if b.conn.IsClosed() {
		return ErrBrokerUnavailable
	}
	if err := b.conn.Publish(channel, payload); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe starts delivering the channel's messages to the handler. A
// channel that is already subscribed is left as is.
func (b *Broker) Subscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[channel]; ok {
		return nil
	}
	if b.handler == nil {
		return fmt.Errorf("messaging: subscribe %s: no handler set", channel)
	}

	handler := b.handler
	sub, err := b.conn.Subscribe(channel, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", channel, err)
	}
	b.subs[channel] = sub
	return nil
}

// Unsubscribe stops delivery for the channel. Unsubscribing a channel that
// is not subscribed is a no-op.
func (b *Broker) Unsubscribe(channel string) error {
	b.mu.Lock()
	sub, ok := b.subs[channel]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, channel)
	b.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("messaging: unsubscribe %s: %w", channel, err)
	}
	return nil
}

// Connected reports whether the NATS connection is currently up.
func (b *Broker) Connected() bool {
	return b.conn.IsConnected()
}

// Close drains all active subscriptions and closes the NATS connection.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for channel, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", channel, err)
		}
	}
	b.subs = make(map[string]*nats.Subscription)

	if err := b.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
