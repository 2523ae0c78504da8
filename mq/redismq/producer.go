// Package redismq carries bus messages over a Redis stream.
//
// Every message is appended to one stream with XADD. Subscribers read it
// through a consumer group and acknowledge an entry only after their handler
// succeeded, so delivery is at-least-once per group: an entry whose handler
// failed, or whose consumer died, stays pending and is read again when the
// consumer resubscribes. The stream is trimmed to roughly MaxLen entries, so
// a group that falls further behind than that loses the oldest entries.
package redismq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/getpup/buildcoord/mq"
)

const (
	// DefaultStream is the stream used when Config.Stream is empty.
	DefaultStream = "buildcoord.events"

	// DefaultMaxLen bounds the stream when Config.MaxLen is zero.
	DefaultMaxLen = 10000

	fieldKey     = "key"
	fieldPayload = "payload"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Stream defaults to DefaultStream.
	Stream string

	// MaxLen defaults to DefaultMaxLen. Trimming is approximate.
	MaxLen int64
}

type appender interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Producer is an mq.Producer that encodes messages as JSON and appends them
// to a Redis stream together with their routing key.
type Producer struct {
	client appender
	closer func() error
	stream string
	maxLen int64
}

var _ mq.Producer = (*Producer)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Producer, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	p := NewWithClient(client, cfg.Stream, cfg.MaxLen)
	p.closer = client.Close
	return p, client, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client appender, stream string, maxLen int64) *Producer {
	if stream == "" {
		stream = DefaultStream
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Producer{client: client, stream: stream, maxLen: maxLen}
}

// Stream returns the name of the stream messages are appended to.
func (p *Producer) Stream() string {
	return p.stream
}

// Produce encodes msg and appends it to the stream. A nil error means Redis
// has stored the entry.
func (p *Producer) Produce(ctx context.Context, key mq.RoutingKey, msg any) error {
	payload, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{fieldKey: key.String(), fieldPayload: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying connection if the producer owns it.
func (p *Producer) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

// Message is a message received from Redis.
type Message struct {
	ID      string
	Key     mq.RoutingKey
	Payload []byte
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return sonic.Unmarshal(m.Payload, v)
}

// SubscribeConfig configures a consumer group reader.
type SubscribeConfig struct {
	// Stream defaults to DefaultStream.
	Stream string

	// Group names the consumer group. Every group sees every message.
	Group string

	// Consumer names this reader within the group.
	Consumer string

	// Block is how long one read waits for new entries. Defaults to 5s.
	Block time.Duration

	// Count caps the entries returned by one read. Defaults to 64.
	Count int64
}

type groupReader interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// Subscribe delivers every message matching filter to fn until ctx is done.
// It first replays entries this consumer read but never acknowledged, then
// follows new entries. An entry is acknowledged once fn returns nil. When fn
// fails Subscribe returns the error and leaves the entry pending for the next
// Subscribe call with the same group and consumer.
func Subscribe(ctx context.Context, client groupReader, cfg SubscribeConfig, filter mq.RoutingKey, fn func(context.Context, Message) error) error {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.Group == "" || cfg.Consumer == "" {
		return errors.New("consumer group and consumer name are required")
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Count <= 0 {
		cfg.Count = 64
	}

	// "$" starts a new group at the end of the stream.
	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", cfg.Group, err)
	}

	// "0" reads this consumer's pending entries, ">" reads new ones.
	start := "0"
	for {
		if ctx.Err() != nil {
			return nil
		}

		streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    cfg.Group,
			Consumer: cfg.Consumer,
			Streams:  []string{cfg.Stream, start},
			Count:    cfg.Count,
			Block:    cfg.Block,
		}).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read stream %s: %w", cfg.Stream, err)
		}

		read := 0
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				read++
				if err := deliver(ctx, entry, filter, fn); err != nil {
					return err
				}
				if err := client.XAck(ctx, cfg.Stream, cfg.Group, entry.ID).Err(); err != nil {
					return fmt.Errorf("failed to acknowledge %s: %w", entry.ID, err)
				}
			}
		}
		if start == "0" && read == 0 {
			start = ">"
		}
	}
}

func deliver(ctx context.Context, entry redis.XMessage, filter mq.RoutingKey, fn func(context.Context, Message) error) error {
	msg, err := decodeEntry(entry)
	if err != nil {
		// Unreadable entries are acknowledged so they do not block the group.
		return nil
	}
	if !filter.Matches(msg.Key) {
		return nil
	}
	if err := fn(ctx, msg); err != nil {
		return fmt.Errorf("handler failed for %s: %w", entry.ID, err)
	}
	return nil
}

func decodeEntry(entry redis.XMessage) (Message, error) {
	key, ok := entry.Values[fieldKey].(string)
	if !ok {
		return Message{}, fmt.Errorf("entry %s has no routing key", entry.ID)
	}
	payload, ok := entry.Values[fieldPayload].(string)
	if !ok {
		return Message{}, fmt.Errorf("entry %s has no payload", entry.ID)
	}
	return Message{ID: entry.ID, Key: mq.RoutingKey(strings.Split(key, ".")), Payload: []byte(payload)}, nil
}
