// Package esmq carries bus messages through the pupsourcing event store.
//
// Produce appends one event per message inside its own transaction, so a nil
// error means the message is durable. Subscribers are pupsourcing
// projections with their own checkpoint. A projection whose handler fails
// stops without advancing its checkpoint and reads the same event again when
// it is restarted, so delivery is at-least-once per subscriber name.
// Only PostgreSQL is supported.
package esmq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/getpup/pupsourcing/es"
	"github.com/getpup/pupsourcing/es/adapters/postgres"
	"github.com/getpup/pupsourcing/es/migrations"
	"github.com/getpup/pupsourcing/es/projection"
	"github.com/getpup/pupsourcing/es/projection/runner"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/getpup/buildcoord/mq"
)

const (
	// AggregateType tags every event written by a Producer.
	AggregateType = "BusMessage"

	// DefaultBoundedContext is used when no bounded context is configured.
	DefaultBoundedContext = "buildcoord"

	eventsTable = "events"
)

// Config configures a Producer.
type Config struct {
	DB *sql.DB

	// BoundedContext defaults to DefaultBoundedContext.
	BoundedContext string

	// Clock stamps events. Defaults to the real clock.
	Clock clockwork.Clock
}

// Producer is an mq.Producer backed by the event store.
type Producer struct {
	db             *sql.DB
	store          *postgres.Store
	boundedContext string
	clock          clockwork.Clock
}

var _ mq.Producer = (*Producer)(nil)

// New creates a Producer over the default event store tables.
func New(cfg Config) *Producer {
	if cfg.BoundedContext == "" {
		cfg.BoundedContext = DefaultBoundedContext
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Producer{
		db:             cfg.DB,
		store:          postgres.NewStore(postgres.DefaultStoreConfig()),
		boundedContext: cfg.BoundedContext,
		clock:          cfg.Clock,
	}
}

// Store returns the event store the producer appends to.
func (p *Producer) Store() *postgres.Store {
	return p.store
}

// Produce appends msg as an event and commits it.
func (p *Producer) Produce(ctx context.Context, key mq.RoutingKey, msg any) error {
	event, err := newEvent(key, msg, p.boundedContext, p.clock.Now())
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Every message is its own aggregate, so the stream never exists yet.
	if _, err := p.store.Append(ctx, tx, es.NoStream(), []es.Event{event}); err != nil {
		return fmt.Errorf("failed to append %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", key, err)
	}
	return nil
}

// newEvent wraps msg in an event. The routing key becomes the event type.
func newEvent(key mq.RoutingKey, msg any, boundedContext string, now time.Time) (es.Event, error) {
	payload, err := sonic.Marshal(msg)
	if err != nil {
		return es.Event{}, fmt.Errorf("failed to encode message: %w", err)
	}
	return es.Event{
		EventID:        uuid.New(),
		AggregateID:    uuid.NewString(),
		AggregateType:  AggregateType,
		EventType:      key.String(),
		EventVersion:   1,
		BoundedContext: boundedContext,
		Payload:        payload,
		Metadata:       []byte(`{}`),
		CreatedAt:      now,
	}, nil
}

// Message is a message read back from the event store.
type Message struct {
	Key     mq.RoutingKey
	Payload []byte
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return sonic.Unmarshal(m.Payload, v)
}

// SubscribeConfig configures a subscriber projection.
type SubscribeConfig struct {
	// Name identifies the subscriber's checkpoint. Subscribers with the same
	// name share progress.
	Name string

	// BoundedContext defaults to DefaultBoundedContext.
	BoundedContext string

	// BatchSize defaults to 100.
	BatchSize int

	// PollInterval defaults to one second.
	PollInterval time.Duration

	// Logger is optional.
	Logger es.Logger
}

// subscriber adapts a message handler to a scoped projection.
type subscriber struct {
	name           string
	boundedContext string
	filter         mq.RoutingKey
	fn             func(context.Context, Message) error
}

func (s *subscriber) Name() string {
	return s.name
}

func (s *subscriber) AggregateTypes() []string {
	return []string{AggregateType}
}

func (s *subscriber) BoundedContexts() []string {
	return []string{s.boundedContext}
}

//nolint:gocritic // hugeParam: the projection interface passes events by value
func (s *subscriber) Handle(ctx context.Context, event es.PersistedEvent) error {
	if event.BoundedContext != s.boundedContext {
		return nil
	}
	key := mq.RoutingKey(strings.Split(event.EventType, "."))
	if !s.filter.Matches(key) {
		return nil
	}
	if err := s.fn(ctx, Message{Key: key, Payload: event.Payload}); err != nil {
		return fmt.Errorf("handler failed for %s: %w", event.EventType, err)
	}
	return nil
}

func newSubscriber(cfg SubscribeConfig, filter mq.RoutingKey, fn func(context.Context, Message) error) (*subscriber, error) {
	if cfg.Name == "" {
		return nil, errors.New("subscriber name is required")
	}
	if cfg.BoundedContext == "" {
		cfg.BoundedContext = DefaultBoundedContext
	}
	return &subscriber{
		name:           cfg.Name,
		boundedContext: cfg.BoundedContext,
		filter:         append(mq.RoutingKey(nil), filter...),
		fn:             fn,
	}, nil
}

// Subscribe runs a projection delivering every message matching filter to fn
// until ctx is done or fn fails.
func Subscribe(ctx context.Context, p *Producer, cfg SubscribeConfig, filter mq.RoutingKey, fn func(context.Context, Message) error) error {
	sub, err := newSubscriber(cfg, filter, fn)
	if err != nil {
		return err
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	processor := postgres.NewProcessor(p.db, p.store, &projection.ProcessorConfig{
		BatchSize:         cfg.BatchSize,
		PartitionKey:      0,
		TotalPartitions:   1,
		PartitionStrategy: projection.HashPartitionStrategy{},
		Logger:            cfg.Logger,
		PollInterval:      cfg.PollInterval,
	})

	err = runner.New().Run(ctx, []runner.ProjectionRunner{{Projection: sub, Processor: processor}})
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// Migrate creates the event store tables unless they already exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	var existing sql.NullString
	if err := db.QueryRowContext(ctx, `SELECT to_regclass($1)::text`, eventsTable).Scan(&existing); err != nil {
		return fmt.Errorf("failed to check event store tables: %w", err)
	}
	if existing.Valid {
		return nil
	}

	ddl, err := MigrationSQL()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create event store tables: %w", err)
	}
	return nil
}

// MigrationSQL returns the DDL of the event store tables.
func MigrationSQL() (string, error) {
	dir, err := os.MkdirTemp("", "buildcoord-eventstore-")
	if err != nil {
		return "", fmt.Errorf("failed to create migration directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	cfg := migrations.Config{
		OutputFolder:        dir,
		OutputFilename:      "eventstore.sql",
		EventsTable:         eventsTable,
		CheckpointsTable:    "projection_checkpoints",
		AggregateHeadsTable: "aggregate_heads",
	}
	if err := migrations.GeneratePostgres(&cfg); err != nil {
		return "", fmt.Errorf("failed to generate event store migration: %w", err)
	}

	ddl, err := os.ReadFile(filepath.Join(dir, cfg.OutputFilename))
	if err != nil {
		return "", fmt.Errorf("failed to read event store migration: %w", err)
	}
	return string(ddl), nil
}
