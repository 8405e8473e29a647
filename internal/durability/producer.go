package durability

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parley/chat-app/internal/chat"
	"github.com/parley/chat-app/internal/metrics"
)

// StreamAdder is the subset of the Redis client used by the Producer.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// ProducerConfig holds producer settings.
type ProducerConfig struct {
	QueueSize    int           // buffered events per stream
	MaxLen       int64         // approximate stream cap, 0 for unbounded
	WriteTimeout time.Duration // per XADD
}

// DefaultProducerConfig returns sensible defaults.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		QueueSize:    4096,
		MaxLen:       1_000_000,
		WriteTimeout: 2 * time.Second,
	}
}

// Producer appends events to their durability streams. Each stream has its
// own queue and writer, so appends to one stream stay in order and a slow
// stream never holds back another.
type Producer struct {
	client StreamAdder
	cfg    ProducerConfig
	queues map[string]chan chat.Event
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewProducer starts one writer per stream in chat.Streams.
func NewProducer(client StreamAdder, cfg ProducerConfig) *Producer {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultProducerConfig().WriteTimeout
	}

	p := &Producer{
		client: client,
		cfg:    cfg,
		queues: make(map[string]chan chat.Event, len(chat.Streams)),
	}
	for _, stream := range chat.Streams {
		q := make(chan chat.Event, cfg.QueueSize)
		p.queues[stream] = q
		p.wg.Add(1)
		go p.writer(stream, q)
	}
	return p
}

// Append queues ev for its stream and returns immediately. A full queue
// drops the event and returns ErrQueueFull.
func (p *Producer) Append(ev chat.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stream := ev.Stream()
	if p.closed {
		metrics.DurabilityAppends.WithLabelValues(stream, "dropped").Inc()
		return fmt.Errorf("%w: producer closed", ErrQueueFull)
	}
	q, ok := p.queues[stream]
	if !ok {
		return fmt.Errorf("%w: %q", errUnknownKind, stream)
	}

	select {
	case q <- ev:
		return nil
	default:
		metrics.DurabilityAppends.WithLabelValues(stream, "dropped").Inc()
		return fmt.Errorf("%w: stream %s", ErrQueueFull, stream)
	}
}

func (p *Producer) writer(stream string, q <-chan chat.Event) {
	defer p.wg.Done()
	for ev := range q {
		p.write(stream, ev)
	}
}

func (p *Producer) write(stream string, ev chat.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.DurabilityAppends.WithLabelValues(stream, "error").Inc()
			log.Printf("[durability] append panic stream=%s: %v", stream, r)
		}
	}()

	values, err := Encode(ev)
	if err != nil {
		metrics.DurabilityAppends.WithLabelValues(stream, "error").Inc()
		log.Printf("[durability] %v (dropped)", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if p.cfg.MaxLen > 0 {
		args.MaxLen = p.cfg.MaxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		metrics.DurabilityAppends.WithLabelValues(stream, "error").Inc()
		log.Printf("[durability] XADD stream=%s room=%s: %v (dropped)", stream, ev.Room(), err)
		return
	}
	metrics.DurabilityAppends.WithLabelValues(stream, "ok").Inc()
}

// Close stops accepting events and waits until the queued ones have been
// written or dropped.
func (p *Producer) Close() {
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
	log.Printf("[durability] producer closed")
}
