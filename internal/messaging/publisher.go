package messaging

import (
	"fmt"
	"log"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/parley/chat-app/internal/metrics"
)

// Sink is the synchronous publish the Publisher drains into. *Broker
// implements it.
type Sink interface {
	Publish(channel string, payload []byte) error
}

// PublisherConfig sizes the publish queues.
type PublisherConfig struct {
	Shards    int // number of queues, each drained by one worker
	QueueSize int // buffered payloads per queue
}

// DefaultPublisherConfig returns sensible defaults.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Shards:    8,
		QueueSize: 1024,
	}
}

type outbound struct {
	channel string
	payload []byte
}

// Publisher queues broadcasts so the dispatch path never waits on the
// network. A channel always hashes to the same queue, which keeps publishes
// to one channel in submission order. A full queue drops the payload.
type Publisher struct {
	sink   Sink
	queues []chan outbound
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPublisher starts one worker per shard.
func NewPublisher(sink Sink, cfg PublisherConfig) *Publisher {
	if cfg.Shards < 1 {
		cfg.Shards = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	p := &Publisher{
		sink:   sink,
		queues: make([]chan outbound, cfg.Shards),
	}
	for i := range p.queues {
		p.queues[i] = make(chan outbound, cfg.QueueSize)
		p.wg.Add(1)
		go p.worker(p.queues[i])
	}
	return p
}

// Publish enqueues payload for channel. It returns ErrBrokerUnavailable if
// the queue is full or the publisher is closed.
func (p *Publisher) Publish(channel string, payload []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrBrokerUnavailable
	}

	q := p.queues[xxhash.Sum64String(channel)%uint64(len(p.queues))]
	select {
	case q <- outbound{channel: channel, payload: payload}:
		return nil
	default:
		metrics.PublishDropped.Inc()
		return fmt.Errorf("%w: publish queue full for %s", ErrBrokerUnavailable, channel)
	}
}

func (p *Publisher) worker(q <-chan outbound) {
	defer p.wg.Done()
	for msg := range q {
		p.publish(msg)
	}
}

func (p *Publisher) publish(msg outbound) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BrokerErrors.WithLabelValues("publish").Inc()
			log.Printf("[nats] publish panic channel=%s: %v", msg.channel, r)
		}
	}()

	if err := p.sink.Publish(msg.channel, msg.payload); err != nil {
		metrics.BrokerErrors.WithLabelValues("publish").Inc()
		log.Printf("[nats] publish channel=%s: %v", msg.channel, err)
	}
}

// Close stops accepting payloads and waits for the queued ones to be
// handed to the sink.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
}
