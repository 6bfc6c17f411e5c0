package main

import (
	"context"
	"fmt"

	"github.com/fortressi/sec"
	"github.com/fortressi/sec/config"
	"github.com/fortressi/sec/sqlstore"
	"github.com/fortressi/sec/transport/httpdispatch"
	"github.com/fortressi/sec/transport/natsdispatch"
	"github.com/fortressi/sec/transport/redisdispatch"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func openStore(ctx context.Context, cfg config.Store) (sec.StateStore, func(), error) {
	switch cfg.Kind {
	case "memory":
		return sec.NewMemoryStore(), func() {}, nil
	case "file":
		store, err := sec.NewFileStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case "sqlite", "postgres":
		store, err := sqlstore.Open(sqlstore.Dialect(cfg.Kind), cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := store.DB().PingContext(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("ping %s store: %w", cfg.Kind, err)
		}
		if cfg.Migrate {
			if err := store.Migrate(ctx); err != nil {
				store.Close()
				return nil, nil, err
			}
		}
		return store, func() { store.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
}

// dispatcher couples a sec.Dispatcher with its transport lifecycle.
type dispatcher struct {
	sec.Dispatcher
	start func(ctx context.Context)
	close func()
}

// Bind forwards to the transport so the coordinator can register itself.
func (d *dispatcher) Bind(sink sec.ReplySink) {
	if b, ok := d.Dispatcher.(interface{ Bind(sec.ReplySink) }); ok {
		b.Bind(sink)
	}
}

func openDispatcher(ctx context.Context, cfg config.Dispatcher, log *zap.Logger) (*dispatcher, error) {
	noop := func(context.Context) {}
	switch cfg.Kind {
	case "http":
		d := httpdispatch.New(cfg.HTTP, nil, log)
		return &dispatcher{Dispatcher: d, start: noop, close: d.Wait}, nil
	case "nats":
		d, err := natsdispatch.Connect(cfg.NATS.URL, cfg.NATS.Prefix, log)
		if err != nil {
			return nil, err
		}
		return &dispatcher{Dispatcher: d, start: noop, close: func() {
			if err := d.Close(); err != nil {
				log.Warn("close nats dispatcher", zap.Error(err))
			}
		}}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		d := redisdispatch.New(client, cfg.Redis.Streams, log)
		done := make(chan struct{})
		started := false
		consumerCtx, cancel := context.WithCancel(context.Background())
		return &dispatcher{
			Dispatcher: d,
			start: func(context.Context) {
				started = true
				go func() {
					defer close(done)
					if err := d.Run(consumerCtx); err != nil {
						log.Error("redis reply consumer stopped", zap.Error(err))
					}
				}()
			},
			close: func() {
				cancel()
				if started {
					<-done
				}
				client.Close()
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown dispatcher kind %q", cfg.Kind)
}
