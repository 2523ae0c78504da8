package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/getpup/buildcoord"
	"github.com/getpup/buildcoord/config"
	"github.com/getpup/buildcoord/deactivation"
	"github.com/getpup/buildcoord/liveness"
	"github.com/getpup/buildcoord/logging"
	"github.com/getpup/buildcoord/metrics"
	"github.com/getpup/buildcoord/mq"
	"github.com/getpup/buildcoord/mq/esmq"
	"github.com/getpup/buildcoord/mq/redismq"
	"github.com/getpup/buildcoord/ownership"
	"github.com/getpup/buildcoord/store/sqlstore"
)

// coordinator is the object graph shared by serve, expire and stop.
type coordinator struct {
	cfg      config.Config
	zap      *zap.Logger
	logger   *logging.ZapLogger
	db       *sql.DB
	store    *sqlstore.Store
	producer mq.Producer
	bus      *mq.Bus
	redis    *redis.Client
	events   *esmq.Producer
	metrics  *metrics.Collector
	orch     *deactivation.Orchestrator
	builders *ownership.Builders
	tracker  *liveness.Tracker

	closers []func() error
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

func newCoordinator(ctx context.Context, cfg config.Config) (*coordinator, error) {
	zl, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	c := &coordinator{
		cfg:     cfg,
		zap:     zl,
		logger:  logging.NewZapLogger(zl),
		metrics: metrics.NewCollector(cfg.Master.Name),
	}
	c.closers = append(c.closers, func() error {
		_ = zl.Sync()
		return nil
	})

	s, db, err := openStore(ctx, cfg.Database)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.store, c.db = s, db
	c.closers = append(c.closers, db.Close)

	switch cfg.EventBus.Backend {
	case "redis":
		p, client, err := redismq.New(ctx, redismq.Config{
			Addr:     cfg.EventBus.Redis.Addr,
			Password: cfg.EventBus.Redis.Password,
			DB:       cfg.EventBus.Redis.DB,
			Stream:   cfg.EventBus.Redis.Stream,
			MaxLen:   cfg.EventBus.Redis.MaxLen,
		})
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		c.producer, c.redis = p, client
		c.closers = append(c.closers, p.Close)
	case "eventstore":
		if cfg.Database.Migrate {
			if err := esmq.Migrate(ctx, db); err != nil {
				_ = c.Close()
				return nil, err
			}
		}
		c.events = esmq.New(esmq.Config{DB: db, BoundedContext: cfg.EventBus.EventStore.BoundedContext})
		c.producer = c.events
	default:
		c.bus = mq.NewBus()
		c.producer = c.bus
	}

	c.orch = deactivation.New(deactivation.Config{
		Store:    s,
		Producer: c.producer,
		Logger:   c.logger,
		Metrics:  c.metrics,
	})
	c.builders = ownership.RegisterAll(c.orch, s, c.logger)
	c.tracker = liveness.New(liveness.Config{
		Store:           s,
		Deactivator:     c.orch,
		Producer:        c.producer,
		ExpiryThreshold: cfg.Master.ExpiryThreshold,
		Logger:          c.logger,
		Metrics:         c.metrics,
	})
	return c, nil
}

// watchMasters logs master transitions seen on the event bus, including
// those published by other masters when the bus is shared.
func (c *coordinator) watchMasters(ctx context.Context) {
	filter := mq.RoutingKey{"masters", mq.Wildcard, mq.Wildcard}

	if c.bus != nil {
		sub := c.bus.Subscribe(filter, func(ctx context.Context, key mq.RoutingKey, msg any) {
			c.logger.Debug(ctx, "master event", "key", key.String(), "message", msg)
		})
		go func() {
			<-ctx.Done()
			sub.Cancel()
		}()
		return
	}

	handle := func(ctx context.Context, key mq.RoutingKey, decode func(any) error) error {
		var msg buildcoord.MasterMessage
		if err := decode(&msg); err != nil {
			// An undecodable event is skipped rather than retried forever.
			c.logger.Error(ctx, "undecodable master event", "key", key.String(), "error", err)
			return nil
		}
		c.logger.Debug(ctx, "master event", "key", key.String(), "master_id", msg.MasterID, "name", msg.Name, "active", msg.Active)
		return nil
	}

	go func() {
		var err error
		if c.events != nil {
			err = esmq.Subscribe(ctx, c.events, esmq.SubscribeConfig{
				Name:           c.cfg.EventBus.EventStore.SubscriberName,
				BoundedContext: c.cfg.EventBus.EventStore.BoundedContext,
				Logger:         c.logger,
			}, filter, func(ctx context.Context, m esmq.Message) error {
				return handle(ctx, m.Key, m.Decode)
			})
		} else {
			err = redismq.Subscribe(ctx, c.redis, redismq.SubscribeConfig{
				Stream:   c.cfg.EventBus.Redis.Stream,
				Group:    c.cfg.EventBus.Redis.ConsumerGroup,
				Consumer: c.cfg.Master.Name,
			}, filter, func(ctx context.Context, m redismq.Message) error {
				return handle(ctx, m.Key, m.Decode)
			})
		}
		if err != nil {
			c.logger.Error(ctx, "master event subscription ended", "error", err)
		}
	}()
}

func (c *coordinator) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
