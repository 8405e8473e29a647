package durability

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/parley/chat-app/internal/chat"
	"github.com/parley/chat-app/internal/metrics"
)

// Applier performs the storage mutation for one event. Each method must be
// safe to repeat with the same event. ErrSkipped reports that the event had
// nothing to act on.
type Applier interface {
	InsertChat(ctx context.Context, ev chat.ChatEvent) error
	ApplyReaction(ctx context.Context, ev chat.ReactionEvent) error
	UpdateMessage(ctx context.Context, ev chat.EditEvent) error
	DeleteMessage(ctx context.Context, ev chat.DeleteEvent) error
}

// StreamReader is the subset of the Redis client used by the Consumer.
type StreamReader interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// ConsumerConfig holds consumer settings.
type ConsumerConfig struct {
	Group        string
	Name         string
	Streams      []string
	Count        int64         // entries per read
	Block        time.Duration // how long a read waits for new entries
	ApplyTimeout time.Duration // per storage operation
	RetryDelay   time.Duration // pause after a failed read
}

// DefaultConsumerConfig returns sensible defaults.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Group:        "persister",
		Name:         "persister-1",
		Streams:      chat.Streams,
		Count:        100,
		Block:        5 * time.Second,
		ApplyTimeout: 5 * time.Second,
		RetryDelay:   time.Second,
	}
}

// Consumer drains the durability streams into an Applier. Every entry is
// acknowledged after a single apply attempt, so one bad entry never stalls
// the stream.
type Consumer struct {
	client  StreamReader
	applier Applier
	cfg     ConsumerConfig
}

// NewConsumer creates a Consumer.
func NewConsumer(client StreamReader, applier Applier, cfg ConsumerConfig) *Consumer {
	if len(cfg.Streams) == 0 {
		cfg.Streams = chat.Streams
	}
	if cfg.Count < 1 {
		cfg.Count = 100
	}
	defaults := DefaultConsumerConfig()
	if cfg.Block <= 0 {
		cfg.Block = defaults.Block
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = defaults.ApplyTimeout
	}
	return &Consumer{client: client, applier: applier, cfg: cfg}
}

// Run creates the consumer group on every stream and consumes them
// concurrently until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for _, stream := range c.cfg.Streams {
		if err := c.ensureGroup(ctx, stream); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, stream := range c.cfg.Streams {
		g.Go(func() error {
			return c.consume(ctx, stream)
		})
	}
	return g.Wait()
}

func (c *Consumer) ensureGroup(ctx context.Context, stream string) error {
	err := c.client.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("durability: create group %s on %s: %w", c.cfg.Group, stream, err)
	}
	return nil
}

// consume reads this consumer's pending entries first, left over from an
// earlier run, then switches to new entries.
func (c *Consumer) consume(ctx context.Context, stream string) error {
	log.Printf("[durability] consuming stream=%s group=%s consumer=%s", stream, c.cfg.Group, c.cfg.Name)

	pending := true
	for {
		if ctx.Err() != nil {
			return nil
		}

		start := ">"
		if pending {
			start = "0"
		}
		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Name,
			Streams:  []string{stream, start},
			Count:    c.cfg.Count,
			Block:    c.cfg.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			pending = false
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("[durability] XREADGROUP stream=%s: %v", stream, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.cfg.RetryDelay):
			}
			continue
		}

		n := 0
		for _, s := range res {
			for _, msg := range s.Messages {
				c.handle(ctx, stream, msg)
				n++
			}
		}
		if pending && n == 0 {
			pending = false
		}
	}
}

// handle applies one entry and acknowledges it whatever the outcome.
func (c *Consumer) handle(ctx context.Context, stream string, msg redis.XMessage) string {
	result := c.apply(ctx, stream, msg)
	metrics.ConsumerApplied.WithLabelValues(stream, result).Inc()

	if err := c.client.XAck(ctx, stream, c.cfg.Group, msg.ID).Err(); err != nil {
		log.Printf("[durability] XACK stream=%s id=%s: %v", stream, msg.ID, err)
	}
	return result
}

func (c *Consumer) apply(ctx context.Context, stream string, msg redis.XMessage) (result string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[durability] apply panic stream=%s id=%s: %v", stream, msg.ID, r)
			result = "error"
		}
	}()

	kind, _ := msg.Values[FieldKind].(string)
	if kind == "" {
		kind = stream
	}
	data, _ := msg.Values[FieldData].(string)

	ev, err := Decode(kind, []byte(data))
	if err != nil {
		log.Printf("[durability] skip stream=%s id=%s: %v", stream, msg.ID, err)
		return "skipped"
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ApplyTimeout)
	defer cancel()

	switch e := ev.(type) {
	case chat.ChatEvent:
		err = c.applier.InsertChat(ctx, e)
	case chat.ReactionEvent:
		err = c.applier.ApplyReaction(ctx, e)
	case chat.EditEvent:
		err = c.applier.UpdateMessage(ctx, e)
	case chat.DeleteEvent:
		err = c.applier.DeleteMessage(ctx, e)
	}

	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSkipped):
		return "skipped"
	default:
		log.Printf("[durability] apply stream=%s id=%s message=%s: %v (skipped)", stream, msg.ID, messageID(ev), err)
		return "error"
	}
}

func messageID(ev chat.Event) string {
	switch e := ev.(type) {
	case chat.ChatEvent:
		return e.MessageID
	case chat.ReactionEvent:
		return e.MessageID
	case chat.EditEvent:
		return e.MessageID
	case chat.DeleteEvent:
		return e.MessageID
	}
	return ""
}
